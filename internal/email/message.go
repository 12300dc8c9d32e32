// Package email defines the message rebuilt from an inbound webhook and the
// functions that construct and serialize it.
package email

// Message is an email reconstructed from the fields of a webhook
// notification. It is built once per request and not modified afterwards.
type Message struct {
	From        string
	To          string
	Date        string
	Subject     string
	TextBody    string
	Attachments []Attachment
}

// Attachment is a file carried by a Message, in the order it was declared.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// File is an uploaded form file as seen by the builder.
type File struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Fields is the read-only view of a notification that Build consumes.
type Fields interface {
	// Value returns the named form value, or "" if absent.
	Value(name string) string

	// File returns the named uploaded file and whether it was present.
	File(name string) (File, bool)
}
