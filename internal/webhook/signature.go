// Package webhook authenticates inbound Mailgun notifications and turns the
// HTTP request into the fields consumed by the message builder.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// DefaultWindow is the maximum allowed distance between a notification's
// timestamp and the verifier's clock.
const DefaultWindow = 24 * time.Hour

// Reasons reported by AuthError.
const (
	ReasonMissingField     = "missing field"
	ReasonBadSignature     = "signature mismatch"
	ReasonStaleTimestamp   = "stale timestamp"
	ReasonInvalidTimestamp = "invalid timestamp"
	ReasonReplayedToken    = "token already used"
)

// AuthError explains why a notification was not trusted.
type AuthError struct {
	Reason string
	Field  string
}

func (e *AuthError) Error() string {
	if e.Field != "" {
		return "webhook authentication failed: " + e.Reason + ": " + e.Field
	}
	return "webhook authentication failed: " + e.Reason
}

// Sign returns the lowercase hex HMAC-SHA256 of timestamp+token under secret.
func Sign(timestamp, token string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature authenticates timestamp and token under
// secret and the timestamp lies within DefaultWindow of now.
func Verify(timestamp, token, signature string, secret []byte, now time.Time) bool {
	return CheckSignature(timestamp, token, signature, secret, now) == nil
}

// CheckSignature is Verify with a reason: it returns nil or an *AuthError.
func CheckSignature(timestamp, token, signature string, secret []byte, now time.Time) error {
	return check(timestamp, token, signature, secret, now, DefaultWindow)
}

func check(timestamp, token, signature string, secret []byte, now time.Time, window time.Duration) error {
	switch {
	case timestamp == "":
		return &AuthError{Reason: ReasonMissingField, Field: "timestamp"}
	case token == "":
		return &AuthError{Reason: ReasonMissingField, Field: "token"}
	case signature == "":
		return &AuthError{Reason: ReasonMissingField, Field: "signature"}
	}

	expected := Sign(timestamp, token, secret)
	sigOK := hmac.Equal([]byte(expected), []byte(signature))

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return &AuthError{Reason: ReasonInvalidTimestamp}
	}
	if !sigOK {
		return &AuthError{Reason: ReasonBadSignature}
	}
	if !fresh(ts, now.Unix(), int64(window/time.Second)) {
		return &AuthError{Reason: ReasonStaleTimestamp}
	}
	return nil
}

// fresh reports |now-ts| < window without overflowing on extreme ts.
func fresh(ts, now, window int64) bool {
	return ts > now-window && ts < now+window
}

// Verifier binds the signing key, the freshness window and a clock so the
// HTTP layer can verify requests without global state.
type Verifier struct {
	secret []byte
	window time.Duration
	now    func() time.Time
}

// NewVerifier creates a Verifier for the given signing key using
// DefaultWindow and the system clock.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		window: DefaultWindow,
		now:    time.Now,
	}
}

// WithClock returns a copy of v that reads the time from now.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	c := *v
	c.now = now
	return &c
}

// Window returns the freshness window.
func (v *Verifier) Window() time.Duration {
	return v.window
}

// Check verifies the authentication fields of n.
func (v *Verifier) Check(n *Notification) error {
	return check(
		n.Value("timestamp"),
		n.Value("token"),
		n.Value("signature"),
		v.secret,
		v.now(),
		v.window,
	)
}
