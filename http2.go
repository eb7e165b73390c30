package pulse

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/zulfikawr/pulse/internal/logging"
	"github.com/zulfikawr/pulse/pool"
)

// The HTTP/2 path is an adapter: when ALPN lands on h2, the exchange
// is handed to the x/net/http2 framing library over the TLS stream our
// connector opened. Client connections are multiplexed, so one lives
// per origin outside the HTTP/1.1 pools. WebSocket and SSE sessions
// always stay on the HTTP/1.1 path.

type h2conns struct {
	mu    sync.Mutex
	tr    *http2.Transport
	conns map[pool.Key]*http2.ClientConn
	owned map[pool.Key]*pool.Conn
}

func (h *h2conns) transport() *http2.Transport {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tr == nil {
		h.tr = &http2.Transport{}
	}
	return h.tr
}

// cached returns a live multiplexed connection for key, if any.
func (h *h2conns) cached(key pool.Key) *http2.ClientConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	cc := h.conns[key]
	if cc != nil && !cc.CanTakeNewRequest() {
		delete(h.conns, key)
		if owned := h.owned[key]; owned != nil {
			_ = owned.Close()
			delete(h.owned, key)
		}
		cc = nil
	}
	return cc
}

func (h *h2conns) store(key pool.Key, cc *http2.ClientConn, conn *pool.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns == nil {
		h.conns = make(map[pool.Key]*http2.ClientConn)
		h.owned = make(map[pool.Key]*pool.Conn)
	}
	if old := h.owned[key]; old != nil {
		_ = old.Close()
	}
	h.conns[key] = cc
	h.owned[key] = conn
}

func (h *h2conns) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, conn := range h.owned {
		_ = conn.Close()
		delete(h.owned, key)
		delete(h.conns, key)
	}
}

// doH2 promotes a freshly negotiated h2 stream into the multiplexed
// connection cache and runs the exchange over it.
func (c *Client) doH2(ctx context.Context, req *Request, opts *RequestOptions, lease *pool.Lease, reqDeadline time.Time) (*Response, error) {
	conn := lease.Detach()
	key := conn.Key()

	cc, err := c.h2.transport().NewClientConn(conn.NetConn())
	if err != nil {
		_ = conn.Close()
		return nil, requestErr(req.Method, req.Target.String(), 0, err)
	}
	c.h2.store(key, cc, conn)
	logging.Debug("http2 connection established", zap.String("key", key.String()))
	return c.roundTripH2(ctx, req, opts, cc, reqDeadline)
}

// roundTripH2 maps our request onto net/http for the h2 library and
// the answer back onto our Response.
func (c *Client) roundTripH2(ctx context.Context, req *Request, opts *RequestOptions, cc *http2.ClientConn, reqDeadline time.Time) (*Response, error) {
	if !reqDeadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, reqDeadline)
		defer cancel()
	}

	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.Target.String(), req.body.reader())
	if err != nil {
		return nil, requestErr(req.Method, req.Target.String(), 0, err)
	}
	if size := req.body.size(); size >= 0 {
		hreq.ContentLength = size
	}
	for _, f := range req.Headers.Fields() {
		switch strings.ToLower(f.Name) {
		case "host":
			hreq.Host = f.Value
		case "connection", "keep-alive", "transfer-encoding", "content-length":
			// hop-by-hop framing has no place on an h2 stream
		default:
			hreq.Header.Add(f.Name, f.Value)
		}
	}

	res, err := cc.RoundTrip(hreq)
	if err != nil {
		return nil, requestErr(req.Method, req.Target.String(), 0, err)
	}

	headers := &Headers{}
	for name, vals := range res.Header {
		for _, v := range vals {
			headers.Add(name, v)
		}
	}
	if c.opts.Jar != nil {
		if sc := headers.Values("Set-Cookie"); len(sc) > 0 {
			c.opts.Jar.SetCookies(req.Target, sc)
		}
	}

	_, reason, _ := strings.Cut(res.Status, " ")
	resp := &Response{
		StatusCode: res.StatusCode,
		Reason:     reason,
		Proto:      res.Proto,
		Headers:    headers,
		method:     req.Method,
		url:        req.Target.String(),
		bodyLimit:  opts.BodyLimit,
		h2body:     res.Body,
	}
	body, err := buildBody(res.Body, headers.Get("Content-Encoding"), c.limiter)
	if err != nil {
		_ = res.Body.Close()
		return nil, requestErr(req.Method, req.Target.String(), res.StatusCode, err)
	}
	resp.body = body
	return resp, nil
}

// reader renders the body source as a plain reader for the h2
// adapter; multipart forms stream through a pipe.
func (b *bodySource) reader() io.Reader {
	switch b.kind {
	case bodyBytes:
		return bytes.NewReader(b.data)
	case bodyStream:
		return b.stream
	case bodyMultipart:
		pr, pw := io.Pipe()
		form := b.form
		go func() {
			_, err := form.WriteTo(pw)
			_ = pw.CloseWithError(err)
		}()
		return pr
	}
	return nil
}
