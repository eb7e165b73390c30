package pulse

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// Form composes a multipart/form-data body. Field values are buffered;
// file parts stream at send time without preloading.
type Form struct {
	boundary string
	parts    []formPart
}

type formPart struct {
	name        string
	filename    string
	contentType string
	value       string                        // plain fields
	open        func() (io.ReadCloser, error) // file parts
	size        int64                         // -1 when unknown
}

// NewForm returns an empty form with a random 32-hex-char boundary.
func NewForm() *Form {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return &Form{boundary: hex.EncodeToString(b[:])}
}

// Boundary returns the form's boundary token.
func (f *Form) Boundary() string { return f.boundary }

// AddField appends a plain text field.
func (f *Form) AddField(name, value string) {
	f.parts = append(f.parts, formPart{name: name, value: value, size: int64(len(value))})
}

// AddFile appends a file part. The file opens at send time; its size
// is taken now so the body can use Content-Length.
func (f *Form) AddFile(name, path string, filename ...string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	fname := filepath.Base(path)
	if len(filename) > 0 && filename[0] != "" {
		fname = filename[0]
	}
	f.parts = append(f.parts, formPart{
		name:        name,
		filename:    fname,
		contentType: mime.TypeByExtension(filepath.Ext(fname)),
		open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
		size: info.Size(),
	})
	return nil
}

// AddReader appends a part read from r. size < 0 forces chunked
// transfer for the whole body.
func (f *Form) AddReader(name, filename string, r io.Reader, size int64, contentType string) {
	f.parts = append(f.parts, formPart{
		name:        name,
		filename:    filename,
		contentType: contentType,
		open: func() (io.ReadCloser, error) {
			return io.NopCloser(r), nil
		},
		size: size,
	})
}

// ContentType renders the Content-Type header value.
func (f *Form) ContentType() string {
	return "multipart/form-data; boundary=" + f.boundary
}

func (p *formPart) head(boundary string) string {
	var sb strings.Builder
	sb.WriteString("--")
	sb.WriteString(boundary)
	sb.WriteString("\r\n")
	sb.WriteString(`Content-Disposition: form-data; name="`)
	sb.WriteString(p.name)
	sb.WriteString(`"`)
	if p.filename != "" {
		sb.WriteString(`; filename="`)
		sb.WriteString(p.filename)
		sb.WriteString(`"`)
	}
	sb.WriteString("\r\n")
	if p.contentType != "" {
		sb.WriteString("Content-Type: ")
		sb.WriteString(p.contentType)
		sb.WriteString("\r\n")
	}
	sb.WriteString("\r\n")
	return sb.String()
}

// Size returns the exact body length, or -1 when any part's size is
// unknown (the body then goes out chunked).
func (f *Form) Size() int64 {
	var total int64
	for i := range f.parts {
		p := &f.parts[i]
		if p.size < 0 {
			return -1
		}
		total += int64(len(p.head(f.boundary))) + p.size + 2 // trailing CRLF
	}
	total += int64(len(f.boundary)) + 6 // --boundary-- CRLF
	return total
}

// WriteTo streams the composed body to w. Large file parts copy
// through a fixed buffer, never fully in memory.
func (f *Form) WriteTo(w io.Writer) (int64, error) {
	var written int64
	count := func(n int, err error) error {
		written += int64(n)
		return err
	}

	for i := range f.parts {
		p := &f.parts[i]
		if err := count(io.WriteString(w, p.head(f.boundary))); err != nil {
			return written, err
		}
		if p.open != nil {
			rc, err := p.open()
			if err != nil {
				return written, fmt.Errorf("multipart part %q: %w", p.name, err)
			}
			n, err := io.Copy(w, rc)
			written += n
			_ = rc.Close()
			if err != nil {
				return written, err
			}
		} else if err := count(io.WriteString(w, p.value)); err != nil {
			return written, err
		}
		if err := count(io.WriteString(w, "\r\n")); err != nil {
			return written, err
		}
	}
	err := count(io.WriteString(w, "--"+f.boundary+"--\r\n"))
	return written, err
}
