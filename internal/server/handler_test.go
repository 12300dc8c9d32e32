package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/shineum/mailgun-bridge/internal/email"
	"github.com/shineum/mailgun-bridge/internal/webhook"
)

const (
	testKey  = "key-3ax6xnjp29jd6fds4gc373sgvjxteol0"
	testPath = "/mailgun/incoming"
)

var testNow = time.Unix(1700000000, 0)

// fakeProvider records forwarded messages. It fails while failures > 0.
type fakeProvider struct {
	mu       sync.Mutex
	sent     []*email.Message
	raws     [][]byte
	failures int
}

func (p *fakeProvider) Send(_ context.Context, msg *email.Message, raw []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("downstream unavailable")
	}
	p.sent = append(p.sent, msg)
	p.raws = append(p.raws, raw)
	return nil
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

type failingStore struct{}

func (failingStore) Remember(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func (failingStore) Forget(context.Context, string) error { return nil }

func (failingStore) Name() string { return "failing" }

func newTestHandler(prov *fakeProvider, tokens webhook.TokenStore) http.Handler {
	return NewHandler(HandlerConfig{
		IncomingPath:   testPath,
		MaxBodySize:    1 << 20,
		MaxAttachments: 5,
		ForwardTimeout: time.Second,
		Verifier:       webhook.NewVerifier(testKey).WithClock(func() time.Time { return testNow }),
		Tokens:         tokens,
		Provider:       prov,
	})
}

// signedForm returns the authentication fields for token at ts.
func signedForm(token string, ts time.Time) url.Values {
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	return url.Values{
		"timestamp": {timestamp},
		"token":     {token},
		"signature": {webhook.Sign(timestamp, token, []byte(testKey))},
	}
}

func postForm(t *testing.T, h http.Handler, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, testPath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type upload struct {
	field, filename, contentType string
	content                      []byte
}

func postMultipart(t *testing.T, h http.Handler, form url.Values, files []upload) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for name, values := range form {
		for _, v := range values {
			mw.WriteField(name, v)
		}
	}
	for _, f := range files {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition", `form-data; name="`+f.field+`"; filename="`+f.filename+`"`)
		hdr.Set("Content-Type", f.contentType)
		part, err := mw.CreatePart(hdr)
		if err != nil {
			t.Fatalf("CreatePart: %v", err)
		}
		part.Write(f.content)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, testPath, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func messageForm(token string) url.Values {
	form := signedForm(token, testNow)
	form.Set("To", "forum@example.com")
	form.Set("From", "Alice <alice@example.org>")
	form.Set("Date", "Tue, 14 Nov 2023 22:13:20 +0000")
	form.Set("subject", "Hello forum")
	form.Set("body-plain", "First post.\r\n")
	return form
}

func assertUnauthorized(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if got := rec.Body.String(); got != "{}" {
		t.Errorf("body: got %q, want %q", got, "{}")
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", got)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	h := newTestHandler(&fakeProvider{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("health: got %d %q, want 200 \"ok\"", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("missing request id header")
	}
}

func TestRequestIDUnique(t *testing.T) {
	t.Parallel()

	h := newTestHandler(&fakeProvider{}, nil)
	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		id := rec.Header().Get(RequestIDHeader)
		if seen[id] {
			t.Fatalf("request id %q repeated", id)
		}
		seen[id] = true
	}
}

func TestIncoming_ForwardsMessage(t *testing.T) {
	t.Parallel()

	prov := &fakeProvider{}
	h := newTestHandler(prov, webhook.NewMemoryStore())

	rec := postForm(t, h, messageForm("tok-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (body %q)", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "done" {
		t.Errorf("body: got %q, want %q", rec.Body.String(), "done")
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("Content-Type: got %q, want text/plain", rec.Header().Get("Content-Type"))
	}

	if prov.count() != 1 {
		t.Fatalf("provider calls: got %d, want 1", prov.count())
	}
	msg := prov.sent[0]
	if msg.To != "forum@example.com" || msg.Subject != "Hello forum" {
		t.Errorf("message: got %+v", msg)
	}

	mr, err := mail.CreateReader(bytes.NewReader(prov.raws[0]))
	if err != nil {
		t.Fatalf("raw message does not parse: %v", err)
	}
	subject, _ := mr.Header.Subject()
	if subject != "Hello forum" {
		t.Errorf("raw Subject: got %q", subject)
	}
	part, err := mr.NextPart()
	if err != nil {
		t.Fatalf("NextPart: %v", err)
	}
	body, _ := io.ReadAll(part.Body)
	if string(body) != "First post.\r\n" {
		t.Errorf("raw body: got %q, want %q", body, "First post.\r\n")
	}
}

func TestIncoming_Attachments(t *testing.T) {
	t.Parallel()

	prov := &fakeProvider{}
	h := newTestHandler(prov, webhook.NewMemoryStore())

	form := messageForm("tok-att")
	form.Set("attachment-count", "2")
	rec := postMultipart(t, h, form, []upload{
		{field: "attachment-2", filename: "b.bin", contentType: "application/octet-stream", content: []byte{0, 1, 2, 0xff}},
		{field: "attachment-1", filename: "a.txt", contentType: "text/plain", content: []byte("alpha")},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (body %q)", rec.Code, rec.Body.String())
	}

	msg := prov.sent[0]
	if len(msg.Attachments) != 2 {
		t.Fatalf("attachments: got %d, want 2", len(msg.Attachments))
	}
	if msg.Attachments[0].Filename != "a.txt" || msg.Attachments[1].Filename != "b.bin" {
		t.Errorf("attachment order: got %q, %q", msg.Attachments[0].Filename, msg.Attachments[1].Filename)
	}
	if !bytes.Equal(msg.Attachments[1].Content, []byte{0, 1, 2, 0xff}) {
		t.Errorf("attachment content: got %v", msg.Attachments[1].Content)
	}
}

func TestIncoming_AuthFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(url.Values)
	}{
		{name: "bad signature", mutate: func(f url.Values) { f.Set("signature", strings.Repeat("0", 64)) }},
		{name: "missing signature", mutate: func(f url.Values) { f.Del("signature") }},
		{name: "missing token", mutate: func(f url.Values) { f.Del("token") }},
		{name: "tampered token", mutate: func(f url.Values) { f.Set("token", "other") }},
		{name: "non-numeric timestamp", mutate: func(f url.Values) { f.Set("timestamp", "yesterday") }},
		{name: "stale timestamp", mutate: func(f url.Values) {
			stale := signedForm("tok-stale", testNow.Add(-24*time.Hour))
			for k, v := range stale {
				f[k] = v
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			prov := &fakeProvider{}
			h := newTestHandler(prov, webhook.NewMemoryStore())

			form := messageForm("tok-auth")
			tt.mutate(form)
			assertUnauthorized(t, postForm(t, h, form))
			if prov.count() != 0 {
				t.Error("provider must not be called for an unauthenticated notification")
			}
		})
	}
}

func TestIncoming_Replay(t *testing.T) {
	t.Parallel()

	prov := &fakeProvider{}
	h := newTestHandler(prov, webhook.NewMemoryStore())

	form := messageForm("tok-replay")
	if rec := postForm(t, h, form); rec.Code != http.StatusOK {
		t.Fatalf("first delivery: got %d, want 200", rec.Code)
	}
	assertUnauthorized(t, postForm(t, h, form))
	if prov.count() != 1 {
		t.Errorf("provider calls: got %d, want 1", prov.count())
	}
}

func TestIncoming_NoReplayStoreAcceptsRepeat(t *testing.T) {
	t.Parallel()

	prov := &fakeProvider{}
	h := newTestHandler(prov, nil)

	form := messageForm("tok-nop")
	for i := 0; i < 2; i++ {
		if rec := postForm(t, h, form); rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: got %d, want 200", i, rec.Code)
		}
	}
}

func TestIncoming_TokenStoreError(t *testing.T) {
	t.Parallel()

	prov := &fakeProvider{}
	h := newTestHandler(prov, failingStore{})

	rec := postForm(t, h, messageForm("tok-store"))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d, want 503", rec.Code)
	}
	if prov.count() != 0 {
		t.Error("provider must not be called when the token store fails")
	}
}

func TestIncoming_BuildErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mutate   func(url.Values)
		wantBody string
	}{
		{name: "missing attachment", mutate: func(f url.Values) { f.Set("attachment-count", "1") }, wantBody: "attachment-1"},
		{name: "too many attachments", mutate: func(f url.Values) { f.Set("attachment-count", "6") }, wantBody: "attachment-count"},
		{name: "header injection", mutate: func(f url.Values) { f.Set("subject", "Hi\r\nBcc: victim@example.com") }, wantBody: "subject"},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			prov := &fakeProvider{}
			h := newTestHandler(prov, webhook.NewMemoryStore())

			form := messageForm("tok-build-" + strconv.Itoa(i))
			tt.mutate(form)
			rec := postForm(t, h, form)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status: got %d, want 400", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body: got %q, want it to name %q", rec.Body.String(), tt.wantBody)
			}
			if prov.count() != 0 {
				t.Error("provider must not be called for an unbuildable message")
			}
		})
	}
}

func TestIncoming_BuildFailureReleasesToken(t *testing.T) {
	t.Parallel()

	prov := &fakeProvider{}
	store := webhook.NewMemoryStore()
	h := newTestHandler(prov, store)

	form := messageForm("tok-build-retry")
	form.Set("attachment-count", "1")
	for i := 0; i < 2; i++ {
		rec := postForm(t, h, form)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("delivery %d: got %d, want 400", i, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "attachment-1") {
			t.Errorf("delivery %d body: got %q, want it to name attachment-1", i, rec.Body.String())
		}
	}
	if store.Len() != 0 {
		t.Errorf("remembered tokens: got %d, want 0", store.Len())
	}
}

func TestIncoming_ForwardFailureReleasesToken(t *testing.T) {
	t.Parallel()

	prov := &fakeProvider{failures: 1}
	h := newTestHandler(prov, webhook.NewMemoryStore())

	form := messageForm("tok-retry")
	if rec := postForm(t, h, form); rec.Code != http.StatusBadGateway {
		t.Fatalf("first delivery: got %d, want 502", rec.Code)
	}
	if rec := postForm(t, h, form); rec.Code != http.StatusOK {
		t.Fatalf("redelivery: got %d, want 200", rec.Code)
	}
	if prov.count() != 1 {
		t.Errorf("forwarded: got %d, want 1", prov.count())
	}
}

func TestIncoming_MalformedRequests(t *testing.T) {
	t.Parallel()

	h := newTestHandler(&fakeProvider{}, nil)

	t.Run("unsupported content type", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, testPath, strings.NewReader(`{"token":"x"}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status: got %d, want 400", rec.Code)
		}
	})

	t.Run("body too large", func(t *testing.T) {
		form := messageForm("tok-large")
		form.Set("body-plain", strings.Repeat("x", 2<<20))
		rec := postForm(t, h, form)
		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("status: got %d, want 413", rec.Code)
		}
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, testPath, nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("status: got %d, want 405", rec.Code)
		}
	})
}
