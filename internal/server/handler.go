package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/mailgun-bridge/internal/email"
	"github.com/shineum/mailgun-bridge/internal/provider"
	"github.com/shineum/mailgun-bridge/internal/webhook"
)

// RequestIDHeader carries the per-request id in responses.
const RequestIDHeader = "X-Request-Id"

const defaultForwardTimeout = 60 * time.Second

// HandlerConfig holds the collaborators of the webhook handler.
type HandlerConfig struct {
	// IncomingPath is the route Mailgun posts to, e.g. /mailgun/incoming.
	IncomingPath   string
	MaxBodySize    int64
	MaxAttachments int
	ForwardTimeout time.Duration

	Verifier *webhook.Verifier
	Tokens   webhook.TokenStore
	Provider provider.Provider
}

type handler struct {
	cfg HandlerConfig
}

// NewHandler returns the HTTP handler serving the incoming webhook route and
// GET /health.
func NewHandler(cfg HandlerConfig) http.Handler {
	if cfg.Tokens == nil {
		cfg.Tokens = webhook.NopStore{}
	}
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = defaultForwardTimeout
	}
	if cfg.MaxAttachments <= 0 {
		cfg.MaxAttachments = email.DefaultMaxAttachments
	}

	h := &handler{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+cfg.IncomingPath, h.incoming)
	mux.HandleFunc("GET /health", h.health)
	return withRequestID(mux)
}

type loggerKey struct{}

// withRequestID tags each request with a fresh id and a logger carrying it.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set(RequestIDHeader, id)
		logger := slog.Default().With("request_id", id)
		ctx := context.WithValue(r.Context(), loggerKey{}, logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggerFrom(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

// incoming verifies the notification, rebuilds the message and forwards it.
// Nothing is built from a notification that failed verification.
func (h *handler) incoming(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	log := loggerFrom(r.Context())

	n, err := webhook.ParseRequest(w, r, h.cfg.MaxBodySize)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Warn("notification body too large", "limit", tooLarge.Limit)
			writeText(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		log.Warn("failed to parse notification", "error", err)
		writeText(w, http.StatusBadRequest, "malformed request")
		return
	}

	if err := h.cfg.Verifier.Check(n); err != nil {
		log.Warn("rejected notification", "error", err)
		writeUnauthorized(w)
		return
	}

	token := n.Value("token")
	fresh, err := h.cfg.Tokens.Remember(r.Context(), token, h.cfg.Verifier.Window())
	if err != nil {
		log.Error("token store unavailable", "store", h.cfg.Tokens.Name(), "error", err)
		writeText(w, http.StatusServiceUnavailable, "token store unavailable")
		return
	}
	if !fresh {
		log.Warn("rejected notification", "error", &webhook.AuthError{Reason: webhook.ReasonReplayedToken})
		writeUnauthorized(w)
		return
	}

	msg, err := email.BuildWithLimit(n, h.cfg.MaxAttachments)
	if err != nil {
		log.Warn("failed to build message", "error", err)
		h.release(r.Context(), log, token)
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}

	raw, err := email.Serialize(msg)
	if err != nil {
		log.Warn("failed to serialize message", "error", err)
		h.release(r.Context(), log, token)
		writeText(w, http.StatusBadRequest, "message could not be serialized")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.ForwardTimeout)
	defer cancel()

	if err := h.cfg.Provider.Send(ctx, msg, raw); err != nil {
		log.Error("failed to forward message",
			"provider", h.cfg.Provider.Name(),
			"error", err,
		)
		h.release(r.Context(), log, token)
		writeText(w, http.StatusBadGateway, "forwarding failed")
		return
	}

	log.Info("message forwarded",
		"provider", h.cfg.Provider.Name(),
		"subject", msg.Subject,
		"attachments", len(msg.Attachments),
		"size", len(raw),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	writeText(w, http.StatusOK, "done")
}

// release forgets a token whose notification was not delivered, so Mailgun's
// retry of it reaches the same outcome instead of a replay rejection.
func (h *handler) release(ctx context.Context, log *slog.Logger, token string) {
	if err := h.cfg.Tokens.Forget(context.WithoutCancel(ctx), token); err != nil {
		log.Warn("failed to release token", "store", h.cfg.Tokens.Name(), "error", err)
	}
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

// writeUnauthorized answers with an empty JSON object, which is what Mailgun
// receives for every authentication failure.
func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte("{}"))
}
