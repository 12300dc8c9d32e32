package webhook

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"

	"github.com/shineum/mailgun-bridge/internal/email"
)

// DefaultMaxBodySize mirrors Mailgun's 25 MB inbound message limit plus
// room for form overhead.
const DefaultMaxBodySize = 30 << 20

// multipartMemory is how much of a multipart body is kept in memory before
// ParseMultipartForm spills file parts to disk.
const multipartMemory = 8 << 20

// ErrUnsupportedContentType is returned for bodies that are not form-encoded.
var ErrUnsupportedContentType = errors.New("unsupported content type")

// Notification is the decoded form of one webhook request. It implements
// email.Fields.
type Notification struct {
	Values map[string]string
	Files  map[string]email.File
}

// Value returns the first value of the named field.
func (n *Notification) Value(name string) string {
	return n.Values[name]
}

// File returns the named uploaded file.
func (n *Notification) File(name string) (email.File, bool) {
	f, ok := n.Files[name]
	return f, ok
}

// ParseRequest reads a multipart/form-data or x-www-form-urlencoded webhook
// body of at most maxBytes bytes.
func ParseRequest(w http.ResponseWriter, r *http.Request, maxBytes int64) (*Notification, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedContentType, err)
	}

	n := &Notification{
		Values: make(map[string]string),
		Files:  make(map[string]email.File),
	}

	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return nil, fmt.Errorf("failed to parse multipart form: %w", err)
		}
		defer r.MultipartForm.RemoveAll()

		for name, values := range r.MultipartForm.Value {
			if len(values) > 0 {
				n.Values[name] = values[0]
			}
		}
		for name, headers := range r.MultipartForm.File {
			if len(headers) == 0 {
				continue
			}
			f, err := readFile(headers[0])
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", name, err)
			}
			n.Files[name] = f
		}

	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("failed to parse form: %w", err)
		}
		for name, values := range r.PostForm {
			if len(values) > 0 {
				n.Values[name] = values[0]
			}
		}

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContentType, mediaType)
	}

	return n, nil
}

func readFile(fh *multipart.FileHeader) (email.File, error) {
	f, err := fh.Open()
	if err != nil {
		return email.File{}, err
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return email.File{}, err
	}

	return email.File{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Content:     content,
	}, nil
}
