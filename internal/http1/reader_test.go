package http1

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"
)

func reader(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s))
}

func TestReadResponseHead(t *testing.T) {
	head, err := ReadResponseHead(reader(
		"HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\nhello"))
	if err != nil {
		t.Fatal(err)
	}
	if head.Proto != "HTTP/1.1" {
		t.Fatalf("proto = %q, want HTTP/1.1", head.Proto)
	}
	if head.StatusCode != 200 || head.Reason != "OK" {
		t.Fatalf("status = %d %q, want 200 OK", head.StatusCode, head.Reason)
	}
	if got := head.Get("content-type"); got != "text/plain" {
		t.Fatalf("Content-Type = %q, want text/plain", got)
	}
	if got := head.ContentLength(); got != 5 {
		t.Fatalf("ContentLength = %d, want 5", got)
	}
}

func TestReadResponseHeadEmptyReason(t *testing.T) {
	head, err := ReadResponseHead(reader("HTTP/1.1 204\r\n\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if head.StatusCode != 204 || head.Reason != "" {
		t.Fatalf("status = %d %q, want 204 with empty reason", head.StatusCode, head.Reason)
	}
}

func TestReadResponseHeadBadVersion(t *testing.T) {
	_, err := ReadResponseHead(reader("SPDY/3 200 OK\r\n\r\n"))
	if _, ok := err.(*ParseError); !ok {
		t.Fatalf("err = %v, want ParseError", err)
	}
}

func TestReadResponseHeadDuplicatesAndLastValue(t *testing.T) {
	head, err := ReadResponseHead(reader(
		"HTTP/1.1 200 OK\r\nX-Seen: one\r\nX-Seen: two\r\n\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if got := head.Get("X-Seen"); got != "two" {
		t.Fatalf("Get = %q, want last value two", got)
	}
	if len(head.Headers) != 2 {
		t.Fatalf("headers = %d, want both occurrences kept", len(head.Headers))
	}
}

func TestReadResponseHeadFoldedHeader(t *testing.T) {
	head, err := ReadResponseHead(reader(
		"HTTP/1.1 200 OK\r\nX-Long: first\r\n  second\r\n\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if got := head.Get("X-Long"); got != "first second" {
		t.Fatalf("folded value = %q, want %q", got, "first second")
	}
}

func TestReadResponseHeadTooLarge(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("HTTP/1.1 200 OK\r\n")
	filler := strings.Repeat("x", 1000)
	for i := 0; i < 70; i++ {
		sb.WriteString("X-Filler: ")
		sb.WriteString(filler)
		sb.WriteString("\r\n")
	}
	sb.WriteString("\r\n")

	_, err := ReadResponseHead(reader(sb.String()))
	if _, ok := err.(*ParseError); !ok {
		t.Fatalf("err = %v, want ParseError for oversized header block", err)
	}
}

func TestReadResponseHeadConnectionClose(t *testing.T) {
	head, err := ReadResponseHead(reader(
		"HTTP/1.0 200 OK\r\nConnection: close\r\n\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !head.ConnectionClose() {
		t.Fatal("ConnectionClose = false, want true")
	}
}

func TestChunkedRoundTrip(t *testing.T) {
	blocks := [][]byte{
		[]byte("foo"),
		[]byte("bar"),
		bytes.Repeat([]byte("z"), 300), // forces a multi-digit hex size
		[]byte("!"),
	}

	var wire bytes.Buffer
	cw := NewChunkedWriter(&wire)
	for _, b := range blocks {
		if _, err := cw.Write(b); err != nil {
			t.Fatal(err)
		}
	}
	if err := cw.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := io.ReadAll(NewChunkedReader(bufio.NewReader(&wire)))
	if err != nil {
		t.Fatal(err)
	}
	want := bytes.Join(blocks, nil)
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip = %q, want %q", got, want)
	}
}

func TestChunkedWriterFraming(t *testing.T) {
	var wire bytes.Buffer
	cw := NewChunkedWriter(&wire)
	_, _ = cw.Write([]byte("foo"))
	_, _ = cw.Write([]byte("bar"))
	_ = cw.Close()

	want := "3\r\nfoo\r\n3\r\nbar\r\n0\r\n\r\n"
	if wire.String() != want {
		t.Fatalf("wire = %q, want %q", wire.String(), want)
	}
}

func TestChunkedWriterSkipsEmptyWrites(t *testing.T) {
	var wire bytes.Buffer
	cw := NewChunkedWriter(&wire)
	if _, err := cw.Write(nil); err != nil {
		t.Fatal(err)
	}
	_ = cw.Close()
	if wire.String() != "0\r\n\r\n" {
		t.Fatalf("wire = %q, want terminator only", wire.String())
	}
}

func TestChunkedReaderExtensionAndTrailer(t *testing.T) {
	wire := "3;ext=1\r\nfoo\r\n0\r\nX-Trailer: done\r\n\r\n"
	cr := NewChunkedReader(reader(wire))
	got, err := io.ReadAll(cr)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "foo" {
		t.Fatalf("body = %q, want foo", got)
	}
	tr := cr.Trailer()
	if len(tr) != 1 || tr[0].Name != "X-Trailer" || tr[0].Value != "done" {
		t.Fatalf("trailer = %+v, want X-Trailer: done", tr)
	}
}

func TestChunkedReaderMalformedSize(t *testing.T) {
	_, err := io.ReadAll(NewChunkedReader(reader("zz\r\nfoo\r\n")))
	if _, ok := err.(*ParseError); !ok {
		t.Fatalf("err = %v, want ParseError", err)
	}
}

func TestChunkedReaderTruncated(t *testing.T) {
	_, err := io.ReadAll(NewChunkedReader(reader("5\r\nfo")))
	if err != io.ErrUnexpectedEOF {
		t.Fatalf("err = %v, want ErrUnexpectedEOF", err)
	}
}

func TestWriteRequestHead(t *testing.T) {
	var wire bytes.Buffer
	err := WriteRequestHead(&wire, "GET", "/path?x=1", []Header{
		{Name: "Host", Value: "example.com"},
		{Name: "X-Dup", Value: "a"},
		{Name: "X-Dup", Value: "b"},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "GET /path?x=1 HTTP/1.1\r\nHost: example.com\r\nX-Dup: a\r\nX-Dup: b\r\n\r\n"
	if wire.String() != want {
		t.Fatalf("wire = %q, want %q", wire.String(), want)
	}
}
