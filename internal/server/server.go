// Package server exposes the Mailgun webhook over HTTP and hands each
// verified notification to the configured provider.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// shutdownTimeout is the maximum time to wait for in-flight requests
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// Config holds the configuration for a Server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":8080").
	ListenAddr string

	// TLSConfig enables HTTPS. If nil, plain HTTP is served.
	TLSConfig *tls.Config

	Handler HandlerConfig
}

// Server is an HTTP server that accepts Mailgun notifications and delegates
// delivery to a configured Provider.
type Server struct {
	config Config

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new Server with the given configuration.
func New(cfg Config) *Server {
	return &Server{config: cfg}
}

// ListenAndServe starts the server and blocks until the context is cancelled.
// On context cancellation it stops accepting new connections and waits up to
// 30 seconds for in-flight requests, which may still be forwarding, to finish.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	if s.config.TLSConfig != nil {
		ln = tls.NewListener(ln, s.config.TLSConfig)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	hc := s.config.Handler
	srv := &http.Server{
		Handler:           NewHandler(hc),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
		// Shutdown drains requests; it must not cancel forwards under way.
		BaseContext: func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	slog.Info("HTTP server listening",
		"addr", ln.Addr().String(),
		"path", hc.IncomingPath,
		"provider", hc.Provider.Name(),
		"replay_store", tokenStoreName(hc),
		"tls_enabled", s.config.TLSConfig != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown timeout reached, forcing close", "error", err)
		srv.Close()
		return nil
	}
	slog.Info("all requests completed")
	return nil
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func tokenStoreName(hc HandlerConfig) string {
	if hc.Tokens == nil {
		return "none"
	}
	return hc.Tokens.Name()
}
