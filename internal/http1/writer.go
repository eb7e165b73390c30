package http1

import (
	"fmt"
	"io"
	"strconv"
)

// WriteRequestHead serializes the start line and header block:
//
//	METHOD SP target SP HTTP/1.1 CRLF
//	Name: value CRLF ...
//	CRLF
//
// target is path+query for direct requests or an absolute URI when
// talking to a plain-HTTP proxy.
func WriteRequestHead(w io.Writer, method, target string, headers []Header) error {
	buf := make([]byte, 0, 256)
	buf = append(buf, method...)
	buf = append(buf, ' ')
	buf = append(buf, target...)
	buf = append(buf, " HTTP/1.1"...)
	buf = append(buf, CRLF...)
	for _, h := range headers {
		buf = append(buf, h.Name...)
		buf = append(buf, ": "...)
		buf = append(buf, h.Value...)
		buf = append(buf, CRLF...)
	}
	buf = append(buf, CRLF...)
	_, err := w.Write(buf)
	return err
}

// ChunkedWriter frames every Write as one HTTP/1.1 chunk:
//
//	hex(len) CRLF bytes CRLF
//
// Close emits the zero-length terminator chunk. Empty writes are
// swallowed so a caller cannot terminate the body by accident.
type ChunkedWriter struct {
	w io.Writer
}

// NewChunkedWriter wraps w in chunked framing.
func NewChunkedWriter(w io.Writer) *ChunkedWriter {
	return &ChunkedWriter{w: w}
}

// Write frames p as a single chunk.
func (cw *ChunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(cw.w, "%x%s", len(p), CRLF); err != nil {
		return 0, err
	}
	if _, err := cw.w.Write(p); err != nil {
		return 0, err
	}
	if _, err := io.WriteString(cw.w, CRLF); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close writes the terminator: 0 CRLF CRLF.
func (cw *ChunkedWriter) Close() error {
	_, err := io.WriteString(cw.w, "0"+CRLF+CRLF)
	return err
}

// ContentLengthHeader renders n as a Content-Length header value.
func ContentLengthHeader(n int64) Header {
	return Header{Name: "Content-Length", Value: strconv.FormatInt(n, 10)}
}
