package pulse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/time/rate"

	"github.com/zulfikawr/pulse/internal/http1"
	"github.com/zulfikawr/pulse/pool"
)

// ErrBodyConsumed is returned when a buffered accessor runs after the
// stream was already read another way.
var ErrBodyConsumed = errors.New("response body already consumed")

type bodyState int

const (
	statePending bodyState = iota
	stateStreaming
	stateBuffered
	stateClosed
)

// Response is one HTTP response. The body starts as a pending stream;
// Content, Text and JSON buffer it once, Read and Chunks stream it.
// The underlying connection returns to its pool only after the body is
// fully consumed or Close runs; closing a half-read stream discards
// the connection instead of repooling it.
type Response struct {
	StatusCode int
	Reason     string
	Proto      string
	Headers    *Headers
	// RawHeader is the header block exactly as received, before any
	// decoding. Content-Encoding stays observable here and in Headers
	// even though body accessors expose decoded bytes.
	RawHeader []byte
	// Chunked reports chunked transfer framing on the wire.
	Chunked bool

	method string
	url    string

	lease  *pool.Lease
	h2body io.Closer // h2 adapter: stream body owned by the framer

	body      io.Reader // framing + decompression (+ throttle)
	state     bodyState
	buffered  []byte
	bodyLimit int64

	sockRead    time.Duration
	reqDeadline time.Time
	emptyBody   bool
}

// setDeadline arms the connection's read deadline for the next body
// read: the sooner of sock_read and the request deadline.
func (r *Response) setDeadline() {
	conn := r.conn()
	if conn == nil {
		return
	}
	var d time.Time
	if r.sockRead > 0 {
		d = time.Now().Add(r.sockRead)
	}
	if !r.reqDeadline.IsZero() && (d.IsZero() || r.reqDeadline.Before(d)) {
		d = r.reqDeadline
	}
	_ = conn.SetReadDeadline(d)
}

func (r *Response) conn() *pool.Conn {
	if r.lease != nil {
		return r.lease.Conn
	}
	return nil
}

// mapReadErr turns deadline hits into the right timeout phase and
// parse failures into HTTPParseError.
func (r *Response) mapReadErr(err error) error {
	if err == nil || err == io.EOF {
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		if !r.reqDeadline.IsZero() && time.Now().After(r.reqDeadline) {
			return requestErr(r.method, r.url, r.StatusCode,
				&TimeoutError{Phase: PhaseRequest, Err: err})
		}
		return requestErr(r.method, r.url, r.StatusCode,
			&TimeoutError{Phase: PhaseRead, After: r.sockRead, Err: err})
	}
	return requestErr(r.method, r.url, r.StatusCode, wrapParseErr(err))
}

// Read streams decoded body bytes. On EOF the connection goes back to
// its pool; on any transport error it is closed instead.
func (r *Response) Read(p []byte) (int, error) {
	switch r.state {
	case stateClosed:
		return 0, io.EOF
	case stateBuffered:
		return 0, ErrBodyConsumed
	}
	r.state = stateStreaming

	r.setDeadline()
	n, err := r.body.Read(p)
	if err == io.EOF {
		r.finish(true)
		return n, io.EOF
	}
	if err != nil {
		r.finish(false)
		return n, r.mapReadErr(err)
	}
	return n, nil
}

// Content buffers and returns the whole decoded body. At most once;
// BodyLimit, when set, caps the read.
func (r *Response) Content() ([]byte, error) {
	switch r.state {
	case stateBuffered:
		return r.buffered, nil
	case stateStreaming, stateClosed:
		return nil, ErrBodyConsumed
	}

	var buf bytes.Buffer
	limit := r.bodyLimit
	tmp := make([]byte, 32*1024)
	for {
		n, err := r.Read(tmp)
		buf.Write(tmp[:n])
		if limit > 0 && int64(buf.Len()) > limit {
			r.finish(false)
			r.state = stateClosed
			return nil, requestErr(r.method, r.url, r.StatusCode, &BodyTooLargeError{Limit: limit})
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	r.buffered = buf.Bytes()
	r.state = stateBuffered
	return r.buffered, nil
}

// Text decodes the body to a string. With no encoding argument the
// character set is sniffed from the Content-Type and a prefix of the
// body; pass a label like "latin1" or "utf-8" to force one.
func (r *Response) Text(encoding ...string) (string, error) {
	content, err := r.Content()
	if err != nil {
		return "", err
	}
	if len(encoding) > 0 && encoding[0] != "" {
		enc, err := htmlindex.Get(encoding[0])
		if err != nil {
			return "", fmt.Errorf("unknown encoding %q: %w", encoding[0], err)
		}
		decoded, err := enc.NewDecoder().Bytes(content)
		if err != nil {
			return "", err
		}
		return string(decoded), nil
	}
	rd, err := charset.NewReader(bytes.NewReader(content), r.Headers.Get("Content-Type"))
	if err != nil {
		return string(content), nil
	}
	decoded, err := io.ReadAll(rd)
	if err != nil {
		return string(content), nil
	}
	return string(decoded), nil
}

// JSON parses the body into v regardless of Content-Type.
func (r *Response) JSON(v any) error {
	content, err := r.Content()
	if err != nil {
		return err
	}
	return json.Unmarshal(content, v)
}

// Chunks lazily yields decoded body blocks of at most bufSize bytes
// (64 KiB when zero). Iteration stops on the terminal error, if any.
func (r *Response) Chunks(bufSize int) iter.Seq2[[]byte, error] {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	return func(yield func([]byte, error) bool) {
		buf := make([]byte, bufSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				if !yield(buf[:n], nil) {
					return
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

// Close releases the response. A fully consumed body repools the
// connection; anything less marks it broken and closes it.
func (r *Response) Close() error {
	if r.state == stateClosed || r.state == stateBuffered {
		r.state = stateClosed
		return nil
	}
	r.finish(false)
	r.state = stateClosed
	return nil
}

// finish settles the connection exactly once. keep repools it;
// !keep flags it broken first so the pool closes it.
func (r *Response) finish(keep bool) {
	if r.h2body != nil {
		_ = r.h2body.Close()
		r.h2body = nil
	}
	if r.lease == nil {
		return
	}
	conn := r.lease.Conn
	_ = conn.SetReadDeadline(time.Time{})
	if !keep {
		conn.SetKeepAlive(false)
	}
	r.lease.Release()
	r.lease = nil
}

// Ok reports a 2xx status.
func (r *Response) Ok() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// wrapParseErr converts codec errors into the public kind.
func wrapParseErr(err error) error {
	var pe *http1.ParseError
	if errors.As(err, &pe) {
		return &HTTPParseError{Msg: pe.Msg, Err: err}
	}
	return err
}

// buildBody assembles the decode chain over the framed reader:
// optional decompression, then optional throttling.
func buildBody(framed io.Reader, contentEncoding string, limiter *rate.Limiter) (io.Reader, error) {
	var body io.Reader = framed
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "gzip":
		gz, err := gzip.NewReader(framed)
		if err != nil {
			return nil, &DecompressionError{Encoding: "gzip", Err: err}
		}
		body = decompressReader{r: gz, encoding: "gzip"}
	case "deflate":
		// Servers ship both zlib-wrapped and raw deflate under this
		// name; sniff the zlib magic to accept either.
		br := newPeekReader(framed)
		head, err := br.Peek(2)
		if err != nil && err != io.EOF {
			return nil, &DecompressionError{Encoding: "deflate", Err: err}
		}
		if len(head) >= 2 && head[0] == 0x78 {
			zr, err := zlib.NewReader(br)
			if err != nil {
				return nil, &DecompressionError{Encoding: "deflate", Err: err}
			}
			body = decompressReader{r: zr, encoding: "deflate"}
		} else {
			body = decompressReader{r: flate.NewReader(br), encoding: "deflate"}
		}
	}
	if limiter != nil {
		body = &rateReader{r: body, limiter: limiter}
	}
	return body, nil
}

// decompressReader tags decoder failures as DecompressionError while
// passing EOF through untouched.
type decompressReader struct {
	r        io.Reader
	encoding string
}

func (d decompressReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if err != nil && err != io.EOF {
		var ne net.Error
		if !errors.As(err, &ne) {
			err = &DecompressionError{Encoding: d.encoding, Err: err}
		}
	}
	return n, err
}

// peekReader is a minimal buffered reader exposing Peek without the
// large default bufio buffer.
type peekReader struct {
	r    io.Reader
	head []byte
}

func newPeekReader(r io.Reader) *peekReader { return &peekReader{r: r} }

func (p *peekReader) Peek(n int) ([]byte, error) {
	for len(p.head) < n {
		buf := make([]byte, n-len(p.head))
		m, err := p.r.Read(buf)
		p.head = append(p.head, buf[:m]...)
		if err != nil {
			return p.head, err
		}
	}
	return p.head[:n], nil
}

func (p *peekReader) Read(buf []byte) (int, error) {
	if len(p.head) > 0 {
		n := copy(buf, p.head)
		p.head = p.head[n:]
		return n, nil
	}
	return p.r.Read(buf)
}

// rateReader throttles reads to the configured bandwidth, the inverse
// of the server-side rate-limited writer.
type rateReader struct {
	r       io.Reader
	limiter *rate.Limiter
}

func (rl *rateReader) Read(p []byte) (int, error) {
	if burst := rl.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := rl.r.Read(p)
	if n > 0 {
		if werr := rl.limiter.WaitN(context.Background(), n); werr != nil && err == nil {
			err = werr
		}
	}
	return n, err
}

// newRateLimiter converts a Mbps figure into a token bucket, matching
// the server-side conversion: bytes/s with a 100 ms burst floor of 4 KiB.
func newRateLimiter(mbps float64) *rate.Limiter {
	if mbps <= 0 {
		return nil
	}
	bytesPerSecond := (mbps * 1_000_000) / 8
	burst := int(bytesPerSecond / 10)
	if burst < 4096 {
		burst = 4096
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}
