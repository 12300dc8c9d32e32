// Package provider defines the interface for the targets a rebuilt message is
// forwarded to.
package provider

import (
	"context"

	"github.com/shineum/mailgun-bridge/internal/email"
)

// Provider is the interface that forwarding targets must implement.
// Each provider delivers a reconstructed message to a downstream service
// (e.g., the Discourse admin API, AWS SES, an SMTP relay).
type Provider interface {
	// Send forwards msg. raw is msg serialized by email.Serialize; providers
	// that transmit RFC 5322 text must send raw unchanged.
	Send(ctx context.Context, msg *email.Message, raw []byte) error

	// Name returns the human-readable name of this provider.
	Name() string
}
