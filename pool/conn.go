// Package pool manages client connections: a Conn owns one byte stream
// (plain or TLS), a Pool is a bounded set of Conns for one origin, and
// the Connector maps request origins to pools, opening new streams
// through DNS resolution, optional CONNECT proxies and TLS.
package pool

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Key identifies the destination a connection is good for: the origin
// plus the proxy it was opened through, if any.
type Key struct {
	Scheme string // "http" or "https"; ws/wss map onto these
	Host   string // IDNA-encoded hostname or IP literal
	Port   int
	Proxy  string // proxy URL, "" when direct
}

// Origin renders the key as scheme://host:port.
func (k Key) Origin() string {
	return k.Scheme + "://" + net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
}

func (k Key) String() string {
	if k.Proxy == "" {
		return k.Origin()
	}
	return k.Origin() + " via " + k.Proxy
}

// TLS reports whether the key's scheme requires a secure stream.
func (k Key) TLS() bool { return k.Scheme == "https" }

// Conn owns one duplex byte stream and its keep-alive state. A Conn is
// either idle in a pool, leased by exactly one request, or closed;
// transitions happen only through pool operations.
type Conn struct {
	key Key

	nc net.Conn
	br *bufio.Reader

	createdAt  time.Time
	lastUsedAt time.Time

	mu             sync.Mutex
	requestsServed int
	keepAlive      bool
	closed         bool

	alpn      string // negotiated protocol, "" on plain streams
	viaProxy  bool   // plain-HTTP proxy: requests use absolute-URI form
	proxyAuth string // Basic credentials for a plain-HTTP proxy
	detached  bool
	slotIndex int // ring position, cyclic pools only
}

func newConn(key Key, nc net.Conn, alpn string, viaProxy bool) *Conn {
	now := time.Now()
	return &Conn{
		key:        key,
		nc:         nc,
		br:         bufio.NewReaderSize(nc, 64*1024),
		createdAt:  now,
		lastUsedAt: now,
		keepAlive:  true,
		alpn:       alpn,
		viaProxy:   viaProxy,
	}
}

// Key returns the connection's destination key.
func (c *Conn) Key() Key { return c.key }

// Read reads through the connection's buffer.
func (c *Conn) Read(p []byte) (int, error) { return c.br.Read(p) }

// Write writes directly to the underlying stream.
func (c *Conn) Write(p []byte) (int, error) { return c.nc.Write(p) }

// Reader exposes the buffered side of the stream for wire codecs.
func (c *Conn) Reader() *bufio.Reader { return c.br }

// NetConn exposes the underlying stream; HTTP/2 hands it to the
// framing library wholesale.
func (c *Conn) NetConn() net.Conn { return c.nc }

// SetDeadline bounds both directions.
func (c *Conn) SetDeadline(t time.Time) error { return c.nc.SetDeadline(t) }

// SetReadDeadline bounds reads.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.nc.SetReadDeadline(t) }

// SetWriteDeadline bounds writes.
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.nc.SetWriteDeadline(t) }

// ALPN returns the protocol negotiated during the TLS handshake.
func (c *Conn) ALPN() string { return c.alpn }

// ViaProxy reports whether requests must use the absolute-URI form.
func (c *Conn) ViaProxy() bool { return c.viaProxy }

// ProxyAuth returns the Proxy-Authorization value for plain-HTTP
// proxies, "" when the proxy needs none.
func (c *Conn) ProxyAuth() string { return c.proxyAuth }

// CreatedAt returns when the stream was opened.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// RequestsServed returns how many exchanges this connection carried.
func (c *Conn) RequestsServed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestsServed
}

// MarkUsed bumps the request counter and the last-used timestamp.
// Called once per exchange when the connection is leased.
func (c *Conn) MarkUsed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestsServed++
	c.lastUsedAt = time.Now()
}

// KeepAlive reports whether the connection may be reused.
func (c *Conn) KeepAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepAlive
}

// SetKeepAlive flags the connection reusable or not. A transport error
// or an unconsumed streaming body flags it false.
func (c *Conn) SetKeepAlive(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keepAlive = ok
}

// Closed reports whether Close has run.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close tears down the stream. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.keepAlive = false
	c.mu.Unlock()
	return c.nc.Close()
}

// reusable checks the pool's reuse conditions against cfg at time now.
// The returned reason feeds the close metric when the check fails.
func (c *Conn) reusable(cfg Config, now time.Time) (bool, string) {
	c.mu.Lock()
	closed, keep, served, last := c.closed, c.keepAlive, c.requestsServed, c.lastUsedAt
	c.mu.Unlock()

	switch {
	case closed:
		return false, "closed"
	case !keep:
		return false, "keepalive"
	case cfg.MaxConnRequests > 0 && served >= cfg.MaxConnRequests:
		return false, "max_requests"
	case cfg.MaxConnIdle > 0 && now.Sub(last) > cfg.MaxConnIdle:
		return false, "idle_expired"
	}
	if c.Stale() {
		return false, "stale"
	}
	return true, ""
}

// Stale peeks the stream under a near-immediate read deadline. Buffered
// bytes, unexpected data, or EOF/RST all mean the server gave up on the
// connection while it sat idle.
func (c *Conn) Stale() bool {
	if c.br.Buffered() > 0 {
		return true
	}
	// A deadline already in the past fails the read before it reaches the
	// socket, so leave a millisecond for a pending EOF/RST to surface.
	if err := c.nc.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return true
	}
	_, err := c.br.Peek(1)
	_ = c.nc.SetReadDeadline(time.Time{})
	if err == nil {
		return true // server sent bytes outside an exchange
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return false
	}
	return true
}

// TLSState returns the handshake state when the stream is secure.
func (c *Conn) TLSState() (tls.ConnectionState, bool) {
	if tc, ok := c.nc.(*tls.Conn); ok {
		return tc.ConnectionState(), true
	}
	return tls.ConnectionState{}, false
}

func (c *Conn) String() string {
	return fmt.Sprintf("conn(%s served=%d)", strings.TrimSuffix(c.key.String(), "/"), c.RequestsServed())
}

// tuneTCP applies keep-alive and NODELAY to freshly opened sockets.
func tuneTCP(nc net.Conn) {
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
		_ = tc.SetNoDelay(true)
	}
}
