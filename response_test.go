package pulse

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

func bodyResponse(body []byte, headers *Headers) *Response {
	if headers == nil {
		headers = &Headers{}
	}
	return &Response{
		StatusCode: 200,
		Headers:    headers,
		body:       bytes.NewReader(body),
		method:     "GET",
		url:        "http://test.local/",
	}
}

func TestBuildBodyGzip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, _ = gz.Write([]byte("payload"))
	_ = gz.Close()

	r, err := buildBody(&buf, "gzip", nil)
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if _, err := out.ReadFrom(r); err != nil {
		t.Fatal(err)
	}
	if out.String() != "payload" {
		t.Fatalf("decoded = %q", out.String())
	}
}

func TestBuildBodyDeflateBothFlavors(t *testing.T) {
	// zlib-wrapped, as most servers send it.
	var wrapped bytes.Buffer
	zw := zlib.NewWriter(&wrapped)
	_, _ = zw.Write([]byte("wrapped"))
	_ = zw.Close()

	r, err := buildBody(&wrapped, "deflate", nil)
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	_, _ = out.ReadFrom(r)
	if out.String() != "wrapped" {
		t.Fatalf("zlib flavor decoded = %q", out.String())
	}

	// Raw deflate, as some still do.
	var raw bytes.Buffer
	fw, _ := flate.NewWriter(&raw, flate.DefaultCompression)
	_, _ = fw.Write([]byte("raw"))
	_ = fw.Close()

	r, err = buildBody(&raw, "deflate", nil)
	if err != nil {
		t.Fatal(err)
	}
	out.Reset()
	_, _ = out.ReadFrom(r)
	if out.String() != "raw" {
		t.Fatalf("raw flavor decoded = %q", out.String())
	}
}

func TestBuildBodyCorruptGzip(t *testing.T) {
	_, err := buildBody(strings.NewReader("definitely not gzip"), "gzip", nil)
	var de *DecompressionError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want DecompressionError", err)
	}
	if de.Encoding != "gzip" {
		t.Fatalf("Encoding = %q, want gzip", de.Encoding)
	}
}

func TestResponseContentAtMostOnce(t *testing.T) {
	resp := bodyResponse([]byte("hello"), nil)
	first, err := resp.Content()
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != "hello" {
		t.Fatalf("Content = %q", first)
	}
	// Buffered content stays available.
	again, err := resp.Content()
	if err != nil || string(again) != "hello" {
		t.Fatalf("second Content = %q, %v", again, err)
	}

	// But streaming after buffering is refused.
	if _, err := resp.Read(make([]byte, 1)); err != ErrBodyConsumed {
		t.Fatalf("Read after Content = %v, want ErrBodyConsumed", err)
	}
}

func TestResponseContentAfterStreamingRefused(t *testing.T) {
	resp := bodyResponse([]byte("hello"), nil)
	if _, err := resp.Read(make([]byte, 2)); err != nil {
		t.Fatal(err)
	}
	if _, err := resp.Content(); err != ErrBodyConsumed {
		t.Fatalf("Content after Read = %v, want ErrBodyConsumed", err)
	}
}

func TestResponseChunks(t *testing.T) {
	resp := bodyResponse(bytes.Repeat([]byte("ab"), 100), nil)
	var total int
	for chunk, err := range resp.Chunks(16) {
		if err != nil {
			t.Fatal(err)
		}
		if len(chunk) > 16 {
			t.Fatalf("chunk of %d bytes, want <= 16", len(chunk))
		}
		total += len(chunk)
	}
	if total != 200 {
		t.Fatalf("streamed %d bytes, want 200", total)
	}
}

func TestResponseTextCharset(t *testing.T) {
	// latin-1 bytes for "café".
	latin1 := []byte{'c', 'a', 'f', 0xe9}

	resp := bodyResponse(latin1, NewHeaders(
		Field{Name: "Content-Type", Value: "text/plain; charset=iso-8859-1"},
	))
	text, err := resp.Text()
	if err != nil {
		t.Fatal(err)
	}
	if text != "café" {
		t.Fatalf("sniffed text = %q, want café", text)
	}

	// Explicit encoding argument overrides sniffing.
	resp = bodyResponse(latin1, nil)
	text, err = resp.Text("latin1")
	if err != nil {
		t.Fatal(err)
	}
	if text != "café" {
		t.Fatalf("forced text = %q, want café", text)
	}
}

func TestResponseJSONIgnoresContentType(t *testing.T) {
	resp := bodyResponse([]byte(`{"n": 7}`), NewHeaders(
		Field{Name: "Content-Type", Value: "text/plain"},
	))
	var out struct {
		N int `json:"n"`
	}
	if err := resp.JSON(&out); err != nil {
		t.Fatal(err)
	}
	if out.N != 7 {
		t.Fatalf("n = %d, want 7", out.N)
	}
}

func TestRateLimiterConversion(t *testing.T) {
	if newRateLimiter(0) != nil {
		t.Fatal("zero Mbps built a limiter")
	}
	lim := newRateLimiter(8) // 1 MB/s
	if lim == nil {
		t.Fatal("limiter missing")
	}
	if got := float64(lim.Limit()); got != 1_000_000 {
		t.Fatalf("limit = %v bytes/s, want 1e6", got)
	}
	if lim.Burst() < 4096 {
		t.Fatalf("burst = %d, want at least the 4 KiB floor", lim.Burst())
	}
}
