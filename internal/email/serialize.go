package email

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/emersion/go-message/mail"
)

// maxLineLength is the RFC 5322 limit for a line, excluding CRLF.
const maxLineLength = 998

const defaultAttachmentType = "application/octet-stream"

// Serialize renders m as RFC 5322 text. A message without attachments is a
// single text/plain entity; otherwise it is multipart/mixed with the text body
// first and one base64 part per attachment, in order.
func Serialize(m *Message) ([]byte, error) {
	var buf bytes.Buffer

	if len(m.Attachments) == 0 {
		h := messageHeader(m,
			[2]string{"Content-Type", "text/plain; charset=utf-8"},
			[2]string{"Content-Transfer-Encoding", textEncoding(m.TextBody)},
		)
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("failed to write message header: %w", err)
		}
		if err := writeAndClose(w, []byte(m.TextBody)); err != nil {
			return nil, fmt.Errorf("failed to write message body: %w", err)
		}
		return buf.Bytes(), nil
	}

	mw, err := mail.CreateWriter(&buf, messageHeader(m))
	if err != nil {
		return nil, fmt.Errorf("failed to write message header: %w", err)
	}

	var th mail.InlineHeader
	th.Set("Content-Type", "text/plain; charset=utf-8")
	th.Set("Content-Transfer-Encoding", textEncoding(m.TextBody))
	tw, err := mw.CreateSingleInline(th)
	if err != nil {
		return nil, fmt.Errorf("failed to create body part: %w", err)
	}
	if err := writeAndClose(tw, []byte(m.TextBody)); err != nil {
		return nil, fmt.Errorf("failed to write body part: %w", err)
	}

	for i, att := range m.Attachments {
		var ah mail.AttachmentHeader
		ah.Set("Content-Type", attachmentType(att))
		ah.SetFilename(att.Filename)
		ah.Set("Content-Transfer-Encoding", "base64")

		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part %d: %w", i+1, err)
		}
		if err := writeAndClose(aw, att.Content); err != nil {
			return nil, fmt.Errorf("failed to write attachment part %d: %w", i+1, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return buf.Bytes(), nil
}

// messageHeader builds the top-level header so that it is written as To,
// From, Date, Subject followed by the given content fields. go-message writes
// the most recently set field first, hence the bottom-up order.
func messageHeader(m *Message, content ...[2]string) mail.Header {
	var h mail.Header
	for i := len(content) - 1; i >= 0; i-- {
		h.Set(content[i][0], content[i][1])
	}
	h.SetSubject(m.Subject)
	if m.Date != "" {
		h.Set("Date", m.Date)
	}
	setAddressField(&h, "From", m.From)
	setAddressField(&h, "To", m.To)
	return h
}

// setAddressField writes an address header. Display names outside ASCII are
// RFC 2047 encoded; values that are ASCII or do not parse as an address list
// are written verbatim.
func setAddressField(h *mail.Header, key, value string) {
	if value == "" {
		return
	}
	if isASCII(value) {
		h.Set(key, value)
		return
	}
	addrs, err := mail.ParseAddressList(value)
	if err != nil || len(addrs) == 0 {
		h.Set(key, value)
		return
	}
	h.SetAddressList(key, addrs)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// textEncoding keeps a body verbatim when it is plain ASCII with short lines
// and falls back to quoted-printable otherwise.
func textEncoding(body string) string {
	for _, line := range strings.Split(body, "\n") {
		if len(line) > maxLineLength {
			return "quoted-printable"
		}
	}
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c >= 0x80 || (c < 0x20 && c != '\r' && c != '\n' && c != '\t') {
			return "quoted-printable"
		}
	}
	return "7bit"
}

func attachmentType(att Attachment) string {
	if att.ContentType != "" {
		if _, _, err := mime.ParseMediaType(att.ContentType); err == nil {
			return att.ContentType
		}
	}
	if t := mime.TypeByExtension(filepath.Ext(att.Filename)); t != "" {
		return t
	}
	return defaultAttachmentType
}

func writeAndClose(w io.WriteCloser, p []byte) error {
	if _, err := w.Write(p); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
