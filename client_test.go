package pulse

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/zulfikawr/pulse/pool"
)

func testClient(opts ...ClientOptions) *Client {
	var o ClientOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.Timeouts == (Timeouts{}) {
		o.Timeouts = Timeouts{
			SockConnect:    2 * time.Second,
			SockRead:       2 * time.Second,
			RequestTimeout: 5 * time.Second,
		}
	}
	return New(o)
}

// counterHandler serves an incrementing body per request, any number
// of requests per connection.
func counterHandler(counter *int64) func(conn net.Conn, br *bufio.Reader) {
	return func(conn net.Conn, br *bufio.Reader) {
		for {
			req := readTestRequest(br)
			if req == nil {
				return
			}
			*counter++
			respond(conn, 200, nil, strconv.FormatInt(*counter, 10))
		}
	}
}

func TestKeepAliveCounter(t *testing.T) {
	var counter int64
	srv := startRawServer(t, counterHandler(&counter))

	client := testClient(ClientOptions{PoolConfig: pool.Config{Size: 1}})
	defer func() { _ = client.Shutdown() }()

	ctx := context.Background()
	for i, want := range []string{"1", "2", "3"} {
		resp, err := client.Get(ctx, srv.url("/count"), nil)
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		body, err := resp.Text()
		if err != nil {
			t.Fatal(err)
		}
		if body != want {
			t.Fatalf("request %d body = %q, want %q", i+1, body, want)
		}
	}

	if got := srv.accepted.Load(); got != 1 {
		t.Fatalf("connections accepted = %d, want 1 (keep-alive reuse)", got)
	}
	for _, stats := range client.Connector().PoolStats() {
		if stats.Created != 1 || stats.Served != 3 {
			t.Fatalf("pool stats = %+v, want 1 created / 3 served", stats)
		}
	}
}

func TestChunkedRequestEcho(t *testing.T) {
	gotFrames := make(chan string, 1)
	srv := startRawServer(t, func(conn net.Conn, br *bufio.Reader) {
		req := readTestRequest(br)
		if req == nil {
			return
		}
		gotFrames <- req.header("Transfer-Encoding") + "|" + string(req.RawBody)
		respond(conn, 200, nil, string(req.Body))
	})

	client := testClient()
	defer func() { _ = client.Shutdown() }()

	resp, err := client.Post(context.Background(), srv.url("/echo"), &RequestOptions{
		Stream: &chunkedBlocks{blocks: [][]byte{[]byte("foo"), []byte("bar")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	body, err := resp.Text()
	if err != nil {
		t.Fatal(err)
	}
	if body != "foobar" {
		t.Fatalf("echo = %q, want foobar", body)
	}

	wire := <-gotFrames
	want := "chunked|3\r\nfoo\r\n3\r\nbar\r\n0\r\n\r\n"
	if wire != want {
		t.Fatalf("wire = %q, want %q", wire, want)
	}
}

// chunkedBlocks is an io.Reader handing out one block per Read and a
// clean EOF afterwards.
type chunkedBlocks struct {
	blocks [][]byte
}

func (c *chunkedBlocks) Read(p []byte) (int, error) {
	if len(c.blocks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.blocks[0])
	c.blocks = c.blocks[1:]
	return n, nil
}

func TestGzipResponse(t *testing.T) {
	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	_, _ = gz.Write([]byte("Hello, world"))
	_ = gz.Close()

	srv := startRawServer(t, func(conn net.Conn, br *bufio.Reader) {
		req := readTestRequest(br)
		if req == nil {
			return
		}
		fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Encoding: gzip\r\nContent-Length: %d\r\n\r\n",
			compressed.Len())
		_, _ = conn.Write(compressed.Bytes())
	})

	client := testClient()
	defer func() { _ = client.Shutdown() }()

	resp, err := client.Get(context.Background(), srv.url("/gzip"), nil)
	if err != nil {
		t.Fatal(err)
	}
	text, err := resp.Text()
	if err != nil {
		t.Fatal(err)
	}
	if text != "Hello, world" {
		t.Fatalf("text = %q, want decoded greeting", text)
	}
	// The raw header survives even though accessors expose decoded bytes.
	if got := resp.Headers.Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", got)
	}
	if !strings.Contains(string(resp.RawHeader), "Content-Encoding: gzip") {
		t.Fatal("raw header block lost the Content-Encoding line")
	}
}

func TestDeflateResponse(t *testing.T) {
	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	_, _ = zw.Write([]byte("squeeze me"))
	_ = zw.Close()

	srv := startRawServer(t, func(conn net.Conn, br *bufio.Reader) {
		req := readTestRequest(br)
		if req == nil {
			return
		}
		fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Encoding: deflate\r\nContent-Length: %d\r\n\r\n",
			compressed.Len())
		_, _ = conn.Write(compressed.Bytes())
	})

	client := testClient()
	defer func() { _ = client.Shutdown() }()

	resp, err := client.Get(context.Background(), srv.url("/deflate"), nil)
	if err != nil {
		t.Fatal(err)
	}
	text, err := resp.Text()
	if err != nil {
		t.Fatal(err)
	}
	if text != "squeeze me" {
		t.Fatalf("text = %q, want decoded body", text)
	}
}

func TestBaseHeadersOnWire(t *testing.T) {
	reqCh := make(chan *testRequest, 1)
	srv := startRawServer(t, func(conn net.Conn, br *bufio.Reader) {
		req := readTestRequest(br)
		if req == nil {
			return
		}
		reqCh <- req
		respond(conn, 200, nil, "ok")
	})

	client := testClient()
	defer func() { _ = client.Shutdown() }()

	_, err := client.Get(context.Background(), srv.url("/headers?a=1"), &RequestOptions{
		Params:  []Param{{Key: "b", Value: "x y"}, {Key: "b", Value: "z"}},
		Headers: NewHeaders(Field{Name: "X-Custom", Value: "v1"}, Field{Name: "X-Custom", Value: "v2"}),
	})
	if err != nil {
		t.Fatal(err)
	}

	req := <-reqCh
	if req.Target != "/headers?a=1&b=x%20y&b=z" {
		t.Fatalf("target = %q, want merged percent-encoded query", req.Target)
	}
	if got := req.header("User-Agent"); got != DefaultUserAgent {
		t.Fatalf("User-Agent = %q, want %q", got, DefaultUserAgent)
	}
	if got := req.header("Accept-Encoding"); got != "gzip, deflate" {
		t.Fatalf("Accept-Encoding = %q", got)
	}
	if got := req.header("Connection"); got != "keep-alive" {
		t.Fatalf("Connection = %q, want keep-alive", got)
	}
	if got := req.Headers["x-custom"]; len(got) != 2 || got[0] != "v1" || got[1] != "v2" {
		t.Fatalf("X-Custom = %v, want both duplicates in order", got)
	}
}

func TestJSONBody(t *testing.T) {
	reqCh := make(chan *testRequest, 1)
	srv := startRawServer(t, func(conn net.Conn, br *bufio.Reader) {
		req := readTestRequest(br)
		if req == nil {
			return
		}
		reqCh <- req
		respond(conn, 200, []string{"Content-Type: application/json"}, `{"ok":true}`)
	})

	client := testClient()
	defer func() { _ = client.Shutdown() }()

	// Falsey values still transmit.
	resp, err := client.Post(context.Background(), srv.url("/json"), &RequestOptions{
		JSON: map[string]any{},
	})
	if err != nil {
		t.Fatal(err)
	}

	req := <-reqCh
	if got := req.header("Content-Type"); got != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", got)
	}
	if string(req.Body) != "{}" {
		t.Fatalf("body = %q, want empty object transmitted", req.Body)
	}

	var out struct {
		Ok bool `json:"ok"`
	}
	if err := resp.JSON(&out); err != nil {
		t.Fatal(err)
	}
	if !out.Ok {
		t.Fatal("JSON decode lost the payload")
	}
}

func TestFormBody(t *testing.T) {
	reqCh := make(chan *testRequest, 1)
	srv := startRawServer(t, func(conn net.Conn, br *bufio.Reader) {
		req := readTestRequest(br)
		if req == nil {
			return
		}
		reqCh <- req
		respond(conn, 200, nil, "ok")
	})

	client := testClient()
	defer func() { _ = client.Shutdown() }()

	_, err := client.Post(context.Background(), srv.url("/form"), &RequestOptions{
		Form: []Param{{Key: "name", Value: "a b"}, {Key: "name", Value: "c"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	req := <-reqCh
	if got := req.header("Content-Type"); got != "application/x-www-form-urlencoded" {
		t.Fatalf("Content-Type = %q", got)
	}
	if string(req.Body) != "name=a%20b&name=c" {
		t.Fatalf("body = %q, want urlencoded pairs in order", req.Body)
	}
}

func TestHeadHasNoBodyAndKeepsConnection(t *testing.T) {
	srv := startRawServer(t, func(conn net.Conn, br *bufio.Reader) {
		for {
			req := readTestRequest(br)
			if req == nil {
				return
			}
			if req.Method == "HEAD" {
				// Content-Length without a body, as HEAD demands.
				_, _ = conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n"))
				continue
			}
			respond(conn, 200, nil, "hello")
		}
	})

	client := testClient(ClientOptions{PoolConfig: pool.Config{Size: 1}})
	defer func() { _ = client.Shutdown() }()

	ctx := context.Background()
	resp, err := client.Head(ctx, srv.url("/"), nil)
	if err != nil {
		t.Fatal(err)
	}
	content, err := resp.Content()
	if err != nil {
		t.Fatal(err)
	}
	if len(content) != 0 {
		t.Fatalf("HEAD body = %q, want empty", content)
	}

	resp, err = client.Get(ctx, srv.url("/"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if body, _ := resp.Text(); body != "hello" {
		t.Fatalf("followup GET body = %q", body)
	}
	if got := srv.accepted.Load(); got != 1 {
		t.Fatalf("connections = %d, want 1 (HEAD kept the connection clean)", got)
	}
}

func TestEOFDelimitedBody(t *testing.T) {
	srv := startRawServer(t, func(conn net.Conn, br *bufio.Reader) {
		req := readTestRequest(br)
		if req == nil {
			return
		}
		_, _ = conn.Write([]byte("HTTP/1.1 200 OK\r\n\r\nstreamed until close"))
		_ = conn.Close()
	})

	client := testClient()
	defer func() { _ = client.Shutdown() }()

	resp, err := client.Get(context.Background(), srv.url("/stream"), nil)
	if err != nil {
		t.Fatal(err)
	}
	body, err := resp.Text()
	if err != nil {
		t.Fatal(err)
	}
	if body != "streamed until close" {
		t.Fatalf("body = %q", body)
	}
}

func TestConnectionCloseHeader(t *testing.T) {
	srv := startRawServer(t, func(conn net.Conn, br *bufio.Reader) {
		req := readTestRequest(br)
		if req == nil {
			return
		}
		respond(conn, 200, []string{"Connection: close"}, "bye")
		_ = conn.Close()
	})

	client := testClient(ClientOptions{PoolConfig: pool.Config{Size: 1}})
	defer func() { _ = client.Shutdown() }()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		resp, err := client.Get(ctx, srv.url("/"), nil)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := resp.Content(); err != nil {
			t.Fatal(err)
		}
	}
	if got := srv.accepted.Load(); got != 2 {
		t.Fatalf("connections = %d, want 2 (Connection: close honored)", got)
	}
}

func TestStaleConnectionRecovery(t *testing.T) {
	srv := startRawServer(t, func(conn net.Conn, br *bufio.Reader) {
		req := readTestRequest(br)
		if req == nil {
			return
		}
		respond(conn, 200, nil, "once")
		// Drop the connection without Connection: close; the client
		// finds out only when it tries to reuse it.
		_ = conn.Close()
	})

	client := testClient(ClientOptions{PoolConfig: pool.Config{Size: 1}})
	defer func() { _ = client.Shutdown() }()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		resp, err := client.Get(ctx, srv.url("/"), nil)
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if body, _ := resp.Text(); body != "once" {
			t.Fatalf("request %d body = %q", i+1, body)
		}
	}
	if got := srv.accepted.Load(); got != 2 {
		t.Fatalf("connections = %d, want 2 (dead idle conn replaced)", got)
	}
}

func TestRequestTimeout(t *testing.T) {
	srv := startRawServer(t, func(conn net.Conn, br *bufio.Reader) {
		_ = readTestRequest(br)
		// Never respond.
		time.Sleep(5 * time.Second)
	})

	client := testClient()
	defer func() { _ = client.Shutdown() }()

	start := time.Now()
	_, err := client.Get(context.Background(), srv.url("/slow"), &RequestOptions{
		Timeouts: &Timeouts{SockConnect: time.Second, SockRead: 10 * time.Second, RequestTimeout: 200 * time.Millisecond},
	})
	elapsed := time.Since(start)

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TimeoutError", err)
	}
	if te.Phase != PhaseRequest {
		t.Fatalf("phase = %q, want %q", te.Phase, PhaseRequest)
	}
	if elapsed > time.Second {
		t.Fatalf("request took %v, want bounded near the 200ms deadline", elapsed)
	}
}

func TestReadTimeoutPhase(t *testing.T) {
	srv := startRawServer(t, func(conn net.Conn, br *bufio.Reader) {
		_ = readTestRequest(br)
		time.Sleep(5 * time.Second)
	})

	client := testClient()
	defer func() { _ = client.Shutdown() }()

	_, err := client.Get(context.Background(), srv.url("/slow"), &RequestOptions{
		Timeouts: &Timeouts{SockConnect: time.Second, SockRead: 100 * time.Millisecond, RequestTimeout: 10 * time.Second},
	})
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TimeoutError", err)
	}
	if te.Phase != PhaseRead {
		t.Fatalf("phase = %q, want %q", te.Phase, PhaseRead)
	}
}

func TestBodyLimit(t *testing.T) {
	srv := startRawServer(t, func(conn net.Conn, br *bufio.Reader) {
		req := readTestRequest(br)
		if req == nil {
			return
		}
		respond(conn, 200, nil, strings.Repeat("x", 4096))
	})

	client := testClient()
	defer func() { _ = client.Shutdown() }()

	resp, err := client.Get(context.Background(), srv.url("/big"), &RequestOptions{BodyLimit: 1024})
	if err != nil {
		t.Fatal(err)
	}
	_, err = resp.Content()
	var tooBig *BodyTooLargeError
	if !errors.As(err, &tooBig) {
		t.Fatalf("err = %v, want BodyTooLargeError", err)
	}
	if tooBig.Limit != 1024 {
		t.Fatalf("Limit = %d, want 1024", tooBig.Limit)
	}
}

func TestRequestErrorCarriesContext(t *testing.T) {
	// Connect to a port nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	client := testClient()
	defer func() { _ = client.Shutdown() }()

	_, err = client.Get(context.Background(), "http://"+addr+"/x", nil)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("err = %v, want RequestError wrapper", err)
	}
	if reqErr.Method != "GET" || !strings.Contains(reqErr.URL, addr) {
		t.Fatalf("context = %s %s, want method and URL preserved", reqErr.Method, reqErr.URL)
	}
	var connErr *pool.ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("err = %v, want ConnectError inside", err)
	}
}

func TestPlainProxyUsesAbsoluteURI(t *testing.T) {
	reqCh := make(chan *testRequest, 1)
	proxy := startRawServer(t, func(conn net.Conn, br *bufio.Reader) {
		req := readTestRequest(br)
		if req == nil {
			return
		}
		reqCh <- req
		respond(conn, 200, nil, "via proxy")
	})

	client := testClient()
	defer func() { _ = client.Shutdown() }()

	resp, err := client.Get(context.Background(), "http://upstream.example/path?q=1", &RequestOptions{
		Proxy: "http://user:secret@" + proxy.ln.Addr().String(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if body, _ := resp.Text(); body != "via proxy" {
		t.Fatalf("body = %q", body)
	}

	req := <-reqCh
	if req.Target != "http://upstream.example/path?q=1" {
		t.Fatalf("target = %q, want absolute-URI form", req.Target)
	}
	if got := req.header("Proxy-Authorization"); got != "Basic dXNlcjpzZWNyZXQ=" {
		t.Fatalf("Proxy-Authorization = %q, want Basic credentials", got)
	}
}
