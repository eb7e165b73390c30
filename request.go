package pulse

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/zulfikawr/pulse/internal/http1"
	"github.com/zulfikawr/pulse/pool"
)

type bodyKind int

const (
	bodyNone bodyKind = iota
	bodyBytes
	bodyStream
	bodyMultipart
)

// bodySource is the resolved request body: either nothing, a buffered
// byte slice, a lazy stream, or a multipart composer.
type bodySource struct {
	kind        bodyKind
	data        []byte
	stream      io.Reader
	streamSize  int64 // -1 when unknown
	form        *Form
	contentType string
}

// replayable reports whether the body can be sent again, which gates
// the stale retry and 307/308 redirects. Absent and buffered bodies
// can; streams and multipart forms are never replayed.
func (b *bodySource) replayable() bool {
	switch b.kind {
	case bodyNone, bodyBytes:
		return true
	default:
		return false
	}
}

// size returns the body length, or -1 when only chunked transfer fits.
func (b *bodySource) size() int64 {
	switch b.kind {
	case bodyNone:
		return 0
	case bodyBytes:
		return int64(len(b.data))
	case bodyStream:
		return b.streamSize
	case bodyMultipart:
		return b.form.Size()
	}
	return -1
}

// Request is one ready-to-send exchange: method, parsed target, the
// fully merged ordered header set and a resolved body source.
type Request struct {
	Method  string
	Target  *Target
	Headers *Headers

	body bodySource
}

var validMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "HEAD": true, "OPTIONS": true,
}

// resolveBody picks the body source from the options, considered in
// the order Multipart, Stream, Form, JSON, Data.
func resolveBody(opts *RequestOptions) (bodySource, error) {
	switch {
	case opts.Multipart != nil:
		return bodySource{
			kind:        bodyMultipart,
			form:        opts.Multipart,
			contentType: opts.Multipart.ContentType(),
		}, nil
	case opts.Stream != nil:
		size := opts.StreamSize
		if size <= 0 {
			size = -1
		}
		return bodySource{kind: bodyStream, stream: opts.Stream, streamSize: size}, nil
	case opts.Form != nil:
		return bodySource{
			kind:        bodyBytes,
			data:        []byte(encodeForm(opts.Form)),
			contentType: "application/x-www-form-urlencoded",
		}, nil
	case opts.JSON != nil:
		data, err := json.Marshal(opts.JSON)
		if err != nil {
			return bodySource{}, fmt.Errorf("encoding json body: %w", err)
		}
		return bodySource{kind: bodyBytes, data: data, contentType: "application/json"}, nil
	case opts.Data != nil:
		return bodySource{kind: bodyBytes, data: opts.Data}, nil
	}
	return bodySource{kind: bodyNone}, nil
}

// newRequest normalizes one call into a Request: uppercased method,
// parsed URL with params appended, and the header set assembled from
// base, client and per-request layers.
func (c *Client) newRequest(method, rawURL string, opts *RequestOptions) (*Request, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if !validMethods[method] {
		return nil, fmt.Errorf("unsupported method %q", method)
	}

	if c.opts.BaseURL != "" && !strings.Contains(rawURL, "://") {
		rawURL = strings.TrimRight(c.opts.BaseURL, "/") + "/" + strings.TrimLeft(rawURL, "/")
	}
	target, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	target = target.WithQuery(opts.Params)

	body, err := resolveBody(opts)
	if err != nil {
		return nil, err
	}

	headers := NewHeaders(
		Field{Name: "Host", Value: target.HostHeader()},
		Field{Name: "User-Agent", Value: c.opts.UserAgent},
		Field{Name: "Accept", Value: "*/*"},
		Field{Name: "Connection", Value: "keep-alive"},
		Field{Name: "Accept-Encoding", Value: "gzip, deflate"},
	)
	headers.merge(c.opts.Headers)
	headers.merge(opts.Headers)
	if opts.Headers.Has("Connection") {
		// A user-supplied Connection wins over the base keep-alive.
		vals := opts.Headers.Values("Connection")
		headers.Set("Connection", vals[len(vals)-1])
	}

	req := &Request{Method: method, Target: target, Headers: headers, body: body}
	req.applyBodyHeaders(opts.ContentType)
	return req, nil
}

// applyBodyHeaders adds the framing headers the body source implies,
// without clobbering anything the caller set explicitly.
func (r *Request) applyBodyHeaders(contentTypeOverride string) {
	ct := r.body.contentType
	if contentTypeOverride != "" {
		ct = contentTypeOverride
	}
	if ct != "" && !r.Headers.Has("Content-Type") {
		r.Headers.Add("Content-Type", ct)
	}

	if r.body.kind == bodyNone {
		return
	}
	if size := r.body.size(); size >= 0 {
		if !r.Headers.Has("Content-Length") {
			r.Headers.Add("Content-Length", strconv.FormatInt(size, 10))
		}
	} else if !r.Headers.Has("Transfer-Encoding") {
		r.Headers.Add("Transfer-Encoding", "chunked")
	}
}

// wireTarget picks origin-form or, through a plain-HTTP proxy, the
// absolute-URI form.
func (r *Request) wireTarget(conn *pool.Conn) string {
	if conn.ViaProxy() {
		return r.Target.AbsoluteURI()
	}
	return r.Target.RequestTarget()
}

// write serializes the request onto the connection.
func (r *Request) write(conn *pool.Conn) error {
	headers := r.Headers.wire()
	if conn.ViaProxy() && conn.ProxyAuth() != "" {
		headers = append(headers, http1.Header{Name: "Proxy-Authorization", Value: conn.ProxyAuth()})
	}
	if err := http1.WriteRequestHead(conn, r.Method, r.wireTarget(conn), headers); err != nil {
		return err
	}
	switch r.body.kind {
	case bodyNone:
		return nil
	case bodyBytes:
		_, err := conn.Write(r.body.data)
		return err
	case bodyStream:
		if r.body.streamSize >= 0 {
			_, err := io.CopyN(conn, r.body.stream, r.body.streamSize)
			return err
		}
		return writeChunks(conn, r.body.stream)
	case bodyMultipart:
		if r.body.form.Size() >= 0 {
			_, err := r.body.form.WriteTo(conn)
			return err
		}
		cw := http1.NewChunkedWriter(conn)
		if _, err := r.body.form.WriteTo(cw); err != nil {
			return err
		}
		return cw.Close()
	}
	return nil
}

// writeChunks frames each Read of src as one chunk, so a lazy byte
// sequence maps one-to-one onto wire chunks.
func writeChunks(conn *pool.Conn, src io.Reader) error {
	cw := http1.NewChunkedWriter(conn)
	buf := make([]byte, 64*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := cw.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return cw.Close()
		}
		if err != nil {
			return err
		}
	}
}
