package stdout

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shineum/mailgun-bridge/internal/email"
)

func TestSend_BasicMessage(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf, false)

	msg := &email.Message{
		From:     "sender@example.com",
		To:       "alice@example.com, bob@example.com",
		Subject:  "Monthly Report",
		TextBody: "Please find the report attached.",
	}

	if err := p.Send(context.Background(), msg, []byte("raw-text")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()

	for _, want := range []string{
		"From: sender@example.com\n",
		"To: alice@example.com, bob@example.com\n",
		"Subject: Monthly Report\n",
		"Please find the report attached.\n",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q", want)
		}
	}
	if strings.Contains(output, "Date:") {
		t.Error("output should not contain Date line when the message has none")
	}
	if strings.Contains(output, "Attachments:") {
		t.Error("output should not contain Attachments line when there are none")
	}
	if strings.Contains(output, "raw-text") {
		t.Error("raw text should not be printed unless enabled")
	}
	if !strings.HasPrefix(output, separator) {
		t.Error("output should start with separator line")
	}
	if !strings.HasSuffix(output, separator) {
		t.Error("output should end with separator line")
	}
}

func TestSend_WithDateAndAttachments(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf, false)

	msg := &email.Message{
		From:    "sender@example.com",
		To:      "recipient@example.com",
		Date:    "Mon, 02 Jan 2006 15:04:05 -0700",
		Subject: "Files",
		Attachments: []email.Attachment{
			{Filename: "report.pdf", Content: make([]byte, 2048)},
			{Filename: "data.csv", Content: make([]byte, 500)},
		},
	}

	if err := p.Send(context.Background(), msg, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "Date: Mon, 02 Jan 2006 15:04:05 -0700\n") {
		t.Error("output missing Date line")
	}
	if !strings.Contains(output, "Attachments: report.pdf (2.0 KB), data.csv (500 B)") {
		t.Errorf("output missing attachments line, got:\n%s", output)
	}
}

func TestSend_ShowRaw(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf, true)

	raw := []byte("To: a@x.com\r\n\r\nhello")
	if err := p.Send(context.Background(), &email.Message{}, raw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "Raw (20 B):\n") {
		t.Errorf("output missing raw header, got:\n%s", output)
	}
	if !strings.Contains(output, string(raw)) {
		t.Error("output missing raw text")
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestSend_WriteError(t *testing.T) {
	t.Parallel()

	p := NewWithWriter(failingWriter{}, false)
	if err := p.Send(context.Background(), &email.Message{}, nil); err == nil {
		t.Fatal("expected write error, got nil")
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	p := New(false)
	if got := p.Name(); got != "stdout" {
		t.Errorf("Name(): got %q, want %q", got, "stdout")
	}
}

func TestFormatSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		bytes int
		want  string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{5242880, "5.0 MB"},
	}

	for _, tt := range tests {
		if got := formatSize(tt.bytes); got != tt.want {
			t.Errorf("formatSize(%d): got %q, want %q", tt.bytes, got, tt.want)
		}
	}
}
