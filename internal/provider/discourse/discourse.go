// Package discourse implements a Provider that hands a rebuilt message to the
// Discourse admin endpoint that ingests incoming email.
package discourse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shineum/mailgun-bridge/internal/email"
	"github.com/shineum/mailgun-bridge/internal/retry"
)

// handleMailPath is appended to the configured base URL.
const handleMailPath = "/admin/email/handle_mail"

// maxErrorBody caps how much of an error response is kept for the message.
const maxErrorBody = 4096

// Config holds the configuration for creating a Provider.
type Config struct {
	BaseURL     string
	APIKey      string
	APIUsername string
	Timeout     time.Duration
}

// Provider posts messages to Discourse as an x-www-form-urlencoded body with
// the fields email, api_key and api_username.
type Provider struct {
	endpoint    string
	apiKey      string
	apiUsername string
	httpClient  *http.Client
	delay       func(retryAfter string, attempt int) time.Duration
}

// New creates a Provider for the Discourse site at cfg.BaseURL.
func New(cfg Config) *Provider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return newWithClient(cfg, &http.Client{Timeout: timeout})
}

// newWithClient creates a Provider with a custom HTTP client, used for testing.
func newWithClient(cfg Config, client *http.Client) *Provider {
	return &Provider{
		endpoint:    strings.TrimRight(cfg.BaseURL, "/") + handleMailPath,
		apiKey:      cfg.APIKey,
		apiUsername: cfg.APIUsername,
		httpClient:  client,
		delay:       retry.AfterDelay,
	}
}

// Endpoint returns the URL messages are posted to.
func (p *Provider) Endpoint() string {
	return p.endpoint
}

// Send posts raw to Discourse. Transport errors, 5xx and 429 responses are
// retried with backoff; other non-2xx responses fail immediately.
func (p *Provider) Send(ctx context.Context, _ *email.Message, raw []byte) error {
	body := url.Values{
		"email":        {string(raw)},
		"api_key":      {p.apiKey},
		"api_username": {p.apiUsername},
	}.Encode()

	var lastErr error
	for attempt := 0; attempt <= retry.MaxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying Discourse request",
				"attempt", attempt,
				"max_retries", retry.MaxRetries,
			)
		}

		err := p.post(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err

		var postErr *sendError
		if !errors.As(err, &postErr) || postErr.permanent {
			return err
		}

		delay := p.delay(postErr.retryAfter, attempt)
		slog.Info("transient Discourse error, retrying",
			"status", postErr.statusCode,
			"delay", delay,
		)
		if err := retry.Sleep(ctx, delay); err != nil {
			return fmt.Errorf("context cancelled during retry wait: %w", err)
		}
	}

	return fmt.Errorf("Discourse request failed after %d retries: %w", retry.MaxRetries, lastErr)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "discourse"
}

func (p *Provider) post(ctx context.Context, body string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Api-Key", p.apiKey)
	req.Header.Set("Api-Username", p.apiUsername)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("HTTP request aborted: %w", ctx.Err())
		}
		return &sendError{
			message:   fmt.Sprintf("HTTP request failed: %v", err),
			transient: true,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return classifyError(resp.StatusCode, strings.TrimSpace(string(msg)), resp.Header.Get("Retry-After"))
}

// sendError is a failed post with classification for retry logic.
type sendError struct {
	message    string
	statusCode int
	permanent  bool
	transient  bool
	retryAfter string
}

func (e *sendError) Error() string {
	return fmt.Sprintf("Discourse error (HTTP %d): %s", e.statusCode, e.message)
}

// classifyError categorizes an HTTP error response for retry decisions.
func classifyError(statusCode int, message, retryAfter string) *sendError {
	err := &sendError{
		message:    message,
		statusCode: statusCode,
		retryAfter: retryAfter,
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		err.transient = true
	case statusCode >= 500:
		err.transient = true
	default:
		err.permanent = true
	}

	return err
}
