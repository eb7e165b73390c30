package pulse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zulfikawr/pulse/dns"
	"github.com/zulfikawr/pulse/internal/http1"
	"github.com/zulfikawr/pulse/internal/logging"
	"github.com/zulfikawr/pulse/internal/metrics"
	"github.com/zulfikawr/pulse/pool"
)

// Jar is the cookie-jar hook. The core never stores cookies itself;
// a jar contributes a Cookie header per request and absorbs Set-Cookie
// values per response. Implementations serialize their own mutation.
type Jar interface {
	Cookies(t *Target) []Field
	SetCookies(t *Target, setCookies []string)
}

// Client issues HTTP requests over pooled connections. It is safe for
// concurrent use. The zero ClientOptions give a working client with
// system DNS, a 25-connection default pool and standard timeouts.
type Client struct {
	opts      ClientOptions
	connector *pool.Connector
	limiter   *rate.Limiter
	h2        h2conns
}

// New builds a client.
func New(opts ...ClientOptions) *Client {
	var o ClientOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	o = o.withDefaults()
	if o.Verbosity > 0 {
		logging.SetLevel(o.Verbosity)
	}
	return &Client{
		opts:      o,
		connector: pool.NewConnector(o.Resolver, o.PoolConfig),
		limiter:   newRateLimiter(o.RateLimitMbps),
	}
}

// Connector exposes the connection manager; WebSocket and SSE sessions
// dial through it.
func (c *Client) Connector() *pool.Connector { return c.connector }

// Options returns the client's configuration.
func (c *Client) Options() ClientOptions { return c.opts }

// Resolver returns the client's resolver.
func (c *Client) Resolver() dns.Resolver { return c.connector.Resolver() }

// RegisterPool maps a URL prefix to a pool configuration; the longest
// matching prefix wins. ":default" replaces the default config.
func (c *Client) RegisterPool(prefix string, cfg pool.Config) {
	c.connector.RegisterPool(prefix, cfg)
}

// WaitRequests blocks until every outstanding lease settles.
func (c *Client) WaitRequests(ctx context.Context) error {
	return c.connector.WaitRequests(ctx)
}

// Shutdown drains every pool and closes multiplexed HTTP/2
// connections. Leased connections close as they release.
func (c *Client) Shutdown() error {
	c.h2.closeAll()
	return c.connector.Shutdown()
}

// Request performs one exchange, following redirects when opts.Follow
// is set.
func (c *Client) Request(ctx context.Context, method, rawURL string, opts *RequestOptions) (*Response, error) {
	opts = opts.orEmpty()
	t := c.timeoutsFor(opts)
	var reqDeadline time.Time
	if t.RequestTimeout > 0 {
		reqDeadline = time.Now().Add(t.RequestTimeout)
	}
	req, err := c.newRequest(method, rawURL, opts)
	if err != nil {
		return nil, requestErr(strings.ToUpper(strings.TrimSpace(method)), rawURL, 0, err)
	}
	return c.drive(ctx, req, opts, reqDeadline)
}

// Get issues a GET.
func (c *Client) Get(ctx context.Context, url string, opts *RequestOptions) (*Response, error) {
	return c.Request(ctx, "GET", url, opts)
}

// Post issues a POST.
func (c *Client) Post(ctx context.Context, url string, opts *RequestOptions) (*Response, error) {
	return c.Request(ctx, "POST", url, opts)
}

// Put issues a PUT.
func (c *Client) Put(ctx context.Context, url string, opts *RequestOptions) (*Response, error) {
	return c.Request(ctx, "PUT", url, opts)
}

// Patch issues a PATCH.
func (c *Client) Patch(ctx context.Context, url string, opts *RequestOptions) (*Response, error) {
	return c.Request(ctx, "PATCH", url, opts)
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, url string, opts *RequestOptions) (*Response, error) {
	return c.Request(ctx, "DELETE", url, opts)
}

// Head issues a HEAD.
func (c *Client) Head(ctx context.Context, url string, opts *RequestOptions) (*Response, error) {
	return c.Request(ctx, "HEAD", url, opts)
}

func (c *Client) timeoutsFor(opts *RequestOptions) Timeouts {
	if opts != nil && opts.Timeouts != nil {
		return *opts.Timeouts
	}
	return c.opts.Timeouts
}

// phaseError remembers which engine phase an I/O error hit, so the
// public timeout kind can name it.
type phaseError struct {
	phase Phase
	err   error
}

func (e *phaseError) Error() string { return fmt.Sprintf("%s: %v", e.phase, e.err) }
func (e *phaseError) Unwrap() error { return e.err }

// deadlineCtx bounds ctx by an optional duration and an optional hard
// deadline, whichever comes first.
func deadlineCtx(ctx context.Context, d time.Duration, hard time.Time) (context.Context, context.CancelFunc) {
	dl := hard
	if d > 0 {
		if t := time.Now().Add(d); dl.IsZero() || t.Before(dl) {
			dl = t
		}
	}
	if dl.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, dl)
}

// do performs one hop: acquire, emit, read head, assemble the
// response. A dead reused connection is retried on a fresh one exactly
// once; the second failure propagates.
func (c *Client) do(ctx context.Context, req *Request, opts *RequestOptions, reqDeadline time.Time) (*Response, error) {
	start := time.Now()
	t := c.timeoutsFor(opts)

	proxy := opts.Proxy
	if proxy == "" {
		proxy = c.opts.Proxy
	}
	key := req.Target.Key(proxy)

	useH2 := opts.HTTP2 || c.opts.HTTP2
	alpn := []string{"http/1.1"}
	if useH2 && key.TLS() {
		alpn = []string{"h2", "http/1.1"}
	}

	if useH2 {
		if cc := c.h2.cached(key); cc != nil {
			return c.roundTripH2(ctx, req, opts, cc, reqDeadline)
		}
	}

	dialCtx := pool.WithDialOptions(ctx, pool.DialOptions{
		ConnectTimeout: t.SockConnect,
		Insecure:       opts.Insecure || c.opts.Insecure,
		ALPN:           alpn,
		Family:         opts.Family,
		TLSConfig:      opts.TLSConfig,
	})

	for attempt := 0; ; attempt++ {
		acquireCtx, cancel := deadlineCtx(dialCtx, t.PoolAcquire, reqDeadline)
		lease, err := c.connector.Acquire(acquireCtx, req.Target.String(), key)
		cancel()
		if err != nil {
			metrics.RequestErrors.WithLabelValues(errorKind(err)).Inc()
			return nil, requestErr(req.Method, req.Target.String(), 0, err)
		}
		conn := lease.Conn
		conn.MarkUsed()

		if useH2 && conn.ALPN() == "h2" {
			return c.doH2(ctx, req, opts, lease, reqDeadline)
		}

		head, err := c.exchange(conn, req, t, reqDeadline)
		if err != nil {
			conn.SetKeepAlive(false)
			lease.Release()
			if lease.Reused && attempt == 0 && req.body.replayable() && !isPhaseTimeout(err) {
				metrics.StaleRetries.Inc()
				logging.Debug("reused connection died, retrying on a fresh one",
					zap.String("key", key.String()), zap.Error(err))
				continue
			}
			metrics.RequestErrors.WithLabelValues(errorKind(err)).Inc()
			return nil, requestErr(req.Method, req.Target.String(), 0,
				c.mapPhaseErr(err, t, reqDeadline))
		}

		resp, err := c.assemble(req, opts, lease, head, t, reqDeadline)
		if err != nil {
			return nil, err
		}
		status := strconv.Itoa(head.StatusCode)
		metrics.RequestsTotal.WithLabelValues(req.Method, status).Inc()
		metrics.RequestDuration.WithLabelValues(req.Method, status).Observe(time.Since(start).Seconds())
		return resp, nil
	}
}

// exchange writes the request and reads the response head, skipping
// interim 1xx responses.
func (c *Client) exchange(conn *pool.Conn, req *Request, t Timeouts, reqDeadline time.Time) (*http1.ResponseHead, error) {
	_ = conn.SetWriteDeadline(reqDeadline)
	if err := req.write(conn); err != nil {
		return nil, &phaseError{phase: PhaseWrite, err: err}
	}
	_ = conn.SetWriteDeadline(time.Time{})

	for {
		setReadDeadline(conn, t.SockRead, reqDeadline)
		head, err := http1.ReadResponseHead(conn.Reader())
		if err != nil {
			return nil, &phaseError{phase: PhaseRead, err: err}
		}
		// 1xx responses are interim; keep reading. 101 is terminal,
		// the WebSocket layer wants to see it.
		if head.StatusCode >= 100 && head.StatusCode < 200 && head.StatusCode != 101 {
			continue
		}
		return head, nil
	}
}

func setReadDeadline(conn *pool.Conn, sockRead time.Duration, reqDeadline time.Time) {
	var d time.Time
	if sockRead > 0 {
		d = time.Now().Add(sockRead)
	}
	if !reqDeadline.IsZero() && (d.IsZero() || reqDeadline.Before(d)) {
		d = reqDeadline
	}
	_ = conn.SetReadDeadline(d)
}

// assemble builds the Response over the leased connection, deciding
// body framing and the decode chain.
func (c *Client) assemble(req *Request, opts *RequestOptions, lease *pool.Lease, head *http1.ResponseHead, t Timeouts, reqDeadline time.Time) (*Response, error) {
	conn := lease.Conn
	headers := headersFromWire(head.Headers)

	if head.ConnectionClose() {
		conn.SetKeepAlive(false)
	}
	if c.opts.Jar != nil {
		if sc := headers.Values("Set-Cookie"); len(sc) > 0 {
			c.opts.Jar.SetCookies(req.Target, sc)
		}
	}

	resp := &Response{
		StatusCode:  head.StatusCode,
		Reason:      head.Reason,
		Proto:       head.Proto,
		Headers:     headers,
		RawHeader:   head.RawHeader,
		Chunked:     head.IsChunked(),
		method:      req.Method,
		url:         req.Target.String(),
		lease:       lease,
		bodyLimit:   opts.BodyLimit,
		sockRead:    t.SockRead,
		reqDeadline: reqDeadline,
	}

	empty := req.Method == "HEAD" ||
		head.StatusCode == 204 || head.StatusCode == 304 || head.StatusCode == 101
	var framed io.Reader
	switch {
	case empty:
		framed = bytes.NewReader(nil)
	case head.IsChunked():
		framed = http1.NewChunkedReader(conn.Reader())
	case head.ContentLength() >= 0:
		n := head.ContentLength()
		if n == 0 {
			empty = true
			framed = bytes.NewReader(nil)
		} else {
			framed = &exactReader{r: conn.Reader(), remain: n}
		}
	default:
		// No framing information: the body runs to connection close.
		conn.SetKeepAlive(false)
		framed = conn.Reader()
	}

	encoding := ""
	if !empty {
		encoding = headers.Get("Content-Encoding")
	}
	setReadDeadline(conn, t.SockRead, reqDeadline)
	body, err := buildBody(framed, encoding, c.limiter)
	if err != nil {
		conn.SetKeepAlive(false)
		lease.Release()
		return nil, requestErr(req.Method, req.Target.String(), head.StatusCode, err)
	}
	resp.body = body
	if empty {
		resp.emptyBody = true
		resp.finish(true)
	}
	return resp, nil
}

// exactReader yields exactly remain bytes, turning an early EOF into
// ErrUnexpectedEOF instead of a clean end.
type exactReader struct {
	r      io.Reader
	remain int64
}

func (e *exactReader) Read(p []byte) (int, error) {
	if e.remain <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > e.remain {
		p = p[:e.remain]
	}
	n, err := e.r.Read(p)
	e.remain -= int64(n)
	if err == io.EOF && e.remain > 0 {
		err = io.ErrUnexpectedEOF
	}
	if err == nil && e.remain == 0 {
		err = io.EOF
	}
	return n, err
}

// mapPhaseErr converts engine errors into the public timeout kinds.
func (c *Client) mapPhaseErr(err error, t Timeouts, reqDeadline time.Time) error {
	var pe *phaseError
	if !errors.As(err, &pe) {
		return err
	}
	var ne net.Error
	if errors.As(pe.err, &ne) && ne.Timeout() {
		if !reqDeadline.IsZero() && time.Now().After(reqDeadline) {
			return &TimeoutError{Phase: PhaseRequest, After: t.RequestTimeout, Err: pe.err}
		}
		after := t.SockRead
		if pe.phase == PhaseWrite {
			after = 0
		}
		return &TimeoutError{Phase: pe.phase, After: after, Err: pe.err}
	}
	if pe.phase == PhaseRead {
		return wrapParseErr(pe.err)
	}
	return pe.err
}

func isPhaseTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// errorKind buckets an error for the failure metric.
func errorKind(err error) string {
	var (
		dnsErr     *dns.Error
		connectErr *pool.ConnectError
		tlsErr     *pool.TLSError
		acqErr     *pool.AcquireTimeoutError
		parseErr   *HTTPParseError
		ne         net.Error
	)
	switch {
	case errors.As(err, &dnsErr):
		return "dns"
	case errors.As(err, &connectErr):
		return "connect"
	case errors.As(err, &tlsErr):
		return "tls"
	case errors.As(err, &acqErr):
		return "pool_acquire"
	case errors.As(err, &parseErr):
		return "parse"
	case errors.As(err, &ne) && ne.Timeout():
		return "timeout"
	default:
		return "other"
	}
}
