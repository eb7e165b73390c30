package http1

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
)

// ResponseHead is a parsed status line and header block. RawHeader keeps
// the block exactly as received, before any normalization.
type ResponseHead struct {
	Proto      string // "HTTP/1.1" or "HTTP/1.0"
	StatusCode int
	Reason     string
	Headers    []Header
	RawHeader  []byte
}

// Get returns the last value of the named header, case-insensitively,
// or "" when absent.
func (h *ResponseHead) Get(name string) string {
	val := ""
	for _, f := range h.Headers {
		if strings.EqualFold(f.Name, name) {
			val = f.Value
		}
	}
	return val
}

// ContentLength returns the declared body length, or -1 when absent
// or unparseable.
func (h *ResponseHead) ContentLength() int64 {
	v := h.Get("Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// IsChunked reports whether Transfer-Encoding declares chunked framing.
func (h *ResponseHead) IsChunked() bool {
	return strings.EqualFold(strings.TrimSpace(h.Get("Transfer-Encoding")), "chunked")
}

// ConnectionClose reports whether the server asked to drop the
// connection after this exchange.
func (h *ResponseHead) ConnectionClose() bool {
	for _, part := range strings.Split(h.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(part), "close") {
			return true
		}
	}
	return false
}

// readLine reads one CRLF- (or bare LF-) terminated line, keeping a
// running total against MaxHeaderBytes.
func readLine(br *bufio.Reader, total *int) ([]byte, error) {
	line, err := br.ReadBytes('\n')
	*total += len(line)
	if *total > MaxHeaderBytes {
		return nil, &ParseError{Msg: "header block exceeds 64 KiB"}
	}
	if err != nil {
		return nil, err
	}
	return line, nil
}

// ReadResponseHead reads and parses a status line plus header block,
// consuming the terminating blank line. The block is capped at
// MaxHeaderBytes.
//
// Parsing is tolerant where real servers are sloppy: the reason phrase
// may be empty, and continuation lines (obs-fold) are folded into the
// previous field value. The HTTP version must be HTTP/1.x.
func ReadResponseHead(br *bufio.Reader) (*ResponseHead, error) {
	total := 0
	var raw bytes.Buffer

	line, err := readLine(br, &total)
	if err != nil {
		return nil, err
	}
	raw.Write(line)

	head := &ResponseHead{}
	if err := parseStatusLine(trimEOL(line), head); err != nil {
		return nil, err
	}

	var last *Header
	for {
		line, err := readLine(br, &total)
		if err != nil {
			return nil, err
		}
		raw.Write(line)
		line = trimEOL(line)
		if len(line) == 0 {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			if last == nil {
				return nil, &ParseError{Msg: "continuation line before first header"}
			}
			last.Value += " " + string(bytes.TrimSpace(line))
			continue
		}
		idx := bytes.IndexByte(line, ':')
		if idx < 1 {
			return nil, &ParseError{Msg: "malformed header line " + strconv.Quote(string(line))}
		}
		head.Headers = append(head.Headers, Header{
			Name:  string(line[:idx]),
			Value: string(bytes.TrimLeft(line[idx+1:], " \t")),
		})
		last = &head.Headers[len(head.Headers)-1]
	}

	head.RawHeader = raw.Bytes()
	return head, nil
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}

func parseStatusLine(line []byte, head *ResponseHead) error {
	s := string(line)
	proto, rest, ok := strings.Cut(s, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/1.") {
		return &ParseError{Msg: "malformed status line " + strconv.Quote(s)}
	}
	code, reason, _ := strings.Cut(rest, " ")
	n, err := strconv.Atoi(code)
	if err != nil || n < 100 || n > 999 {
		return &ParseError{Msg: "malformed status code " + strconv.Quote(code)}
	}
	head.Proto = proto
	head.StatusCode = n
	head.Reason = reason
	return nil
}

// ChunkedReader decodes chunked transfer framing. It returns io.EOF
// after the zero-size terminator chunk and its (possibly empty) trailer
// section have been consumed, leaving the stream positioned at the next
// response.
type ChunkedReader struct {
	br      *bufio.Reader
	remain  int64 // unread bytes of the current chunk
	done    bool
	sawEOF  bool
	trailer []Header
}

// NewChunkedReader decodes chunked framing from br.
func NewChunkedReader(br *bufio.Reader) *ChunkedReader {
	return &ChunkedReader{br: br}
}

// Read implements io.Reader.
func (cr *ChunkedReader) Read(p []byte) (int, error) {
	if cr.done {
		return 0, io.EOF
	}
	for cr.remain == 0 {
		if err := cr.nextChunk(); err != nil {
			return 0, err
		}
		if cr.done {
			return 0, io.EOF
		}
	}
	if int64(len(p)) > cr.remain {
		p = p[:cr.remain]
	}
	n, err := cr.br.Read(p)
	cr.remain -= int64(n)
	if cr.remain == 0 {
		if err2 := cr.chunkEnd(); err == nil {
			err = err2
		}
	}
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

func (cr *ChunkedReader) nextChunk() error {
	line, err := cr.br.ReadBytes('\n')
	if err != nil {
		return io.ErrUnexpectedEOF
	}
	sizeStr := string(trimEOL(line))
	if idx := strings.IndexByte(sizeStr, ';'); idx >= 0 {
		sizeStr = sizeStr[:idx] // chunk extensions are ignored
	}
	size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
	if err != nil || size < 0 {
		return &ParseError{Msg: "malformed chunk size " + strconv.Quote(sizeStr)}
	}
	if size == 0 {
		if err := cr.readTrailer(); err != nil {
			return err
		}
		cr.done = true
		return nil
	}
	cr.remain = size
	return nil
}

// chunkEnd consumes the CRLF that follows each chunk's data.
func (cr *ChunkedReader) chunkEnd() error {
	for _, want := range []byte("\r\n") {
		b, err := cr.br.ReadByte()
		if err != nil {
			return io.ErrUnexpectedEOF
		}
		if b == '\n' && want == '\r' {
			return nil // tolerate bare LF
		}
		if b != want {
			return &ParseError{Msg: "missing CRLF after chunk data"}
		}
	}
	return nil
}

func (cr *ChunkedReader) readTrailer() error {
	for {
		line, err := cr.br.ReadBytes('\n')
		if err != nil {
			return io.ErrUnexpectedEOF
		}
		line = trimEOL(line)
		if len(line) == 0 {
			return nil
		}
		if idx := bytes.IndexByte(line, ':'); idx > 0 {
			cr.trailer = append(cr.trailer, Header{
				Name:  string(line[:idx]),
				Value: string(bytes.TrimLeft(line[idx+1:], " \t")),
			})
		}
	}
}

// Trailer returns any trailer headers seen after the last chunk.
func (cr *ChunkedReader) Trailer() []Header { return cr.trailer }
