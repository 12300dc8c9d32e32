package email

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// DefaultMaxAttachments bounds the declared attachment-count. Mailgun caps
// inbound messages at 25 MB, so a count above this is never legitimate.
const DefaultMaxAttachments = 100

// Notification field names.
const (
	FieldTo              = "To"
	FieldFrom            = "From"
	FieldDate            = "Date"
	FieldSubject         = "subject"
	FieldBodyPlain       = "body-plain"
	FieldAttachmentCount = "attachment-count"
)

var (
	// ErrMissingAttachment reports a declared attachment that is not in the request.
	ErrMissingAttachment = errors.New("declared attachment missing")

	// ErrTooManyAttachments reports an attachment-count above the configured bound.
	ErrTooManyAttachments = errors.New("attachment count exceeds limit")

	// ErrInvalidEncoding reports a field that is not valid UTF-8.
	ErrInvalidEncoding = errors.New("invalid utf-8")

	// ErrInvalidHeader reports a header value containing a line break.
	ErrInvalidHeader = errors.New("line break in header value")
)

// BuildError is returned when a notification cannot be turned into a Message.
type BuildError struct {
	Field string
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build message: field %q: %v", e.Field, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// AttachmentField returns the form field name of the i-th attachment (1-based).
func AttachmentField(i int) string {
	return "attachment-" + strconv.Itoa(i)
}

// Build reconstructs a Message from notification fields using
// DefaultMaxAttachments as the attachment bound.
func Build(fields Fields) (*Message, error) {
	return BuildWithLimit(fields, DefaultMaxAttachments)
}

// BuildWithLimit reconstructs a Message from notification fields. It either
// returns a complete Message or a *BuildError, never a partial result.
func BuildWithLimit(fields Fields, maxAttachments int) (*Message, error) {
	if maxAttachments <= 0 {
		maxAttachments = DefaultMaxAttachments
	}

	msg := &Message{
		To:       fields.Value(FieldTo),
		From:     fields.Value(FieldFrom),
		Date:     fields.Value(FieldDate),
		Subject:  fields.Value(FieldSubject),
		TextBody: fields.Value(FieldBodyPlain),
	}

	headers := []struct {
		name  string
		value string
	}{
		{FieldTo, msg.To},
		{FieldFrom, msg.From},
		{FieldDate, msg.Date},
		{FieldSubject, msg.Subject},
	}
	for _, h := range headers {
		if err := checkHeaderValue(h.value); err != nil {
			return nil, &BuildError{Field: h.name, Err: err}
		}
	}
	if !utf8.ValidString(msg.TextBody) {
		return nil, &BuildError{Field: FieldBodyPlain, Err: ErrInvalidEncoding}
	}

	count, err := attachmentCount(fields.Value(FieldAttachmentCount), maxAttachments)
	if err != nil {
		return nil, &BuildError{Field: FieldAttachmentCount, Err: err}
	}
	if count == 0 {
		return msg, nil
	}

	msg.Attachments = make([]Attachment, 0, count)
	for i := 1; i <= count; i++ {
		name := AttachmentField(i)
		f, ok := fields.File(name)
		if !ok {
			return nil, &BuildError{Field: name, Err: ErrMissingAttachment}
		}
		if err := checkHeaderValue(f.Filename); err != nil {
			return nil, &BuildError{Field: name, Err: err}
		}
		msg.Attachments = append(msg.Attachments, Attachment{
			Filename:    f.Filename,
			ContentType: f.ContentType,
			Content:     f.Content,
		})
	}

	return msg, nil
}

// attachmentCount parses the declared count. Absent or malformed values count
// as zero; a well-formed number above max (or too large to parse) is an error.
func attachmentCount(raw string, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}

	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return 0, fmt.Errorf("%w: %s > %d", ErrTooManyAttachments, raw, max)
		}
		return 0, nil
	}
	if n > uint64(max) {
		return 0, fmt.Errorf("%w: %d > %d", ErrTooManyAttachments, n, max)
	}
	return int(n), nil
}

func checkHeaderValue(v string) error {
	if !utf8.ValidString(v) {
		return ErrInvalidEncoding
	}
	if strings.ContainsAny(v, "\r\n") {
		return ErrInvalidHeader
	}
	return nil
}
