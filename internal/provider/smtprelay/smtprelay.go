// Package smtprelay implements a Provider that relays rebuilt messages to an
// upstream SMTP server.
package smtprelay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/shineum/mailgun-bridge/internal/email"
	"github.com/shineum/mailgun-bridge/internal/retry"
)

// Security modes for the upstream connection.
const (
	SecurityNone     = "none"
	SecurityStartTLS = "starttls"
	SecurityTLS      = "tls"
)

const defaultHelo = "mailgun-bridge"

// ErrNoRecipients is returned when neither the configuration nor the
// message's To field yields an envelope recipient.
var ErrNoRecipients = errors.New("no envelope recipients")

// Config holds the configuration for creating a Provider.
type Config struct {
	// Addr is the upstream host:port.
	Addr     string
	Username string
	Password string
	// Security is one of none, starttls or tls. Empty means starttls when
	// the server offers it.
	Security string
	// Sender and Recipients override the envelope derived from the message.
	Sender     string
	Recipients []string
	Helo       string
	Timeout    time.Duration
	// TLSConfig is used for tls and starttls. Nil uses the host name from Addr.
	TLSConfig *tls.Config
}

// Provider relays the serialized message unchanged over SMTP.
type Provider struct {
	cfg     Config
	host    string
	backoff func(attempt int) time.Duration
}

// New creates a Provider for the relay at cfg.Addr.
func New(cfg Config) (*Provider, error) {
	host, _, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("invalid relay address %q: %w", cfg.Addr, err)
	}
	switch cfg.Security {
	case "", SecurityNone, SecurityStartTLS, SecurityTLS:
	default:
		return nil, fmt.Errorf("unknown relay security mode %q", cfg.Security)
	}
	if cfg.Helo == "" {
		cfg.Helo = defaultHelo
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Provider{cfg: cfg, host: host, backoff: retry.Backoff}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}

// Send relays raw. Connection failures and 4xx replies are retried with
// backoff; 5xx replies fail immediately.
func (p *Provider) Send(ctx context.Context, msg *email.Message, raw []byte) error {
	from, to, err := p.envelope(msg)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= retry.MaxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying SMTP relay",
				"attempt", attempt,
				"max_retries", retry.MaxRetries,
			)
			if err := retry.Sleep(ctx, p.backoff(attempt)); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		lastErr = p.relay(ctx, from, to, raw)
		if lastErr == nil {
			return nil
		}
		if permanent(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
		slog.Warn("SMTP relay error",
			"attempt", attempt,
			"error", lastErr,
		)
	}

	return fmt.Errorf("SMTP relay failed after %d retries: %w", retry.MaxRetries, lastErr)
}

func (p *Provider) relay(ctx context.Context, from string, to []string, raw []byte) error {
	conn, err := p.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to dial SMTP relay: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(p.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	client := smtp.NewClient(conn)
	defer client.Close()

	if err := client.Hello(p.cfg.Helo); err != nil {
		return fmt.Errorf("error at HELO: %w", err)
	}

	if p.cfg.Security != SecurityNone && p.cfg.Security != SecurityTLS {
		supportStartTLS, _ := client.Extension("STARTTLS")
		if supportStartTLS {
			if err := client.StartTLS(p.tlsConfig()); err != nil {
				return fmt.Errorf("error while doing STARTTLS: %w", err)
			}
		} else if p.cfg.Security == SecurityStartTLS {
			return &smtp.SMTPError{Code: 530, Message: "relay does not support STARTTLS"}
		}
	}

	if p.cfg.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", p.cfg.Username, p.cfg.Password)); err != nil {
			return fmt.Errorf("error performing AUTH: %w", err)
		}
	}

	if err := client.Mail(from, nil); err != nil {
		return fmt.Errorf("error at MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("error at RCPT TO <%s>: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("error at DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("error writing DATA: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("error finishing DATA: %w", err)
	}

	return client.Quit()
}

func (p *Provider) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: p.cfg.Timeout}
	if p.cfg.Security == SecurityTLS {
		td := &tls.Dialer{NetDialer: dialer, Config: p.tlsConfig()}
		return td.DialContext(ctx, "tcp", p.cfg.Addr)
	}
	return dialer.DialContext(ctx, "tcp", p.cfg.Addr)
}

func (p *Provider) tlsConfig() *tls.Config {
	if p.cfg.TLSConfig != nil {
		return p.cfg.TLSConfig
	}
	return &tls.Config{ServerName: p.host}
}

// envelope resolves MAIL FROM and RCPT TO. Configured values win; otherwise
// the addresses are parsed out of the message's From and To.
func (p *Provider) envelope(msg *email.Message) (string, []string, error) {
	from := p.cfg.Sender
	if from == "" && msg.From != "" {
		addr, err := mail.ParseAddress(msg.From)
		if err != nil {
			return "", nil, fmt.Errorf("invalid From address %q: %w", msg.From, err)
		}
		from = addr.Address
	}

	to := p.cfg.Recipients
	if len(to) == 0 && msg.To != "" {
		list, err := mail.ParseAddressList(msg.To)
		if err != nil {
			return "", nil, fmt.Errorf("invalid To address %q: %w", msg.To, err)
		}
		for _, a := range list {
			to = append(to, a.Address)
		}
	}
	if len(to) == 0 {
		return "", nil, ErrNoRecipients
	}
	return from, to, nil
}

// permanent reports whether err is a 5xx SMTP reply.
func permanent(err error) bool {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code >= 500
	}
	return false
}

