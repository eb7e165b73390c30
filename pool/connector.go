package pool

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zulfikawr/pulse/dns"
	"github.com/zulfikawr/pulse/internal/http1"
	"github.com/zulfikawr/pulse/internal/logging"
)

// ConnectError reports that every resolved address refused the TCP (or
// proxy) connection.
type ConnectError struct {
	Host string
	Port int
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s failed: %v", net.JoinHostPort(e.Host, strconv.Itoa(e.Port)), e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TLSError reports a failed handshake or certificate verification.
type TLSError struct {
	Host string
	Err  error
}

func (e *TLSError) Error() string {
	return fmt.Sprintf("tls handshake with %s failed: %v", e.Host, e.Err)
}

func (e *TLSError) Unwrap() error { return e.Err }

// DialOptions tune how a single acquisition opens new streams.
type DialOptions struct {
	// ConnectTimeout bounds resolution, TCP connect and the TLS
	// handshake for one dial. Zero inherits the ctx deadline alone.
	ConnectTimeout time.Duration
	// Insecure disables certificate verification.
	Insecure bool
	// ALPN is the protocol list advertised during the TLS handshake.
	// Empty means http/1.1 only.
	ALPN []string
	// Family selects the address family for resolution. Zero means IPv4.
	Family dns.Family
	// TLSConfig, when set, is cloned as the base TLS configuration.
	TLSConfig *tls.Config
}

type dialOptsKey struct{}

// WithDialOptions attaches per-acquisition dial options to ctx.
func WithDialOptions(ctx context.Context, opts DialOptions) context.Context {
	return context.WithValue(ctx, dialOptsKey{}, opts)
}

func dialOptions(ctx context.Context) DialOptions {
	if v, ok := ctx.Value(dialOptsKey{}).(DialOptions); ok {
		return v
	}
	return DialOptions{}
}

type prefixConfig struct {
	prefix string
	cfg    Config
}

// Connector maps request origins to pools and opens their connections.
// Pool configuration is selected by URL prefix: the longest registered
// prefix matching the request URL wins, ties broken by registration
// order, with a default config for everything else.
type Connector struct {
	resolver dns.Resolver

	mu         sync.Mutex
	prefixes   []prefixConfig
	defaultCfg Config
	pools      map[Key]Pool
	closed     bool

	outstanding int
	idleWait    []chan struct{}
}

// NewConnector builds a connector using resolver for lookups and cfg
// as the default pool configuration.
func NewConnector(resolver dns.Resolver, cfg Config) *Connector {
	if resolver == nil {
		resolver = dns.NewCachedResolver(dns.NewSystemResolver(), nil)
	}
	return &Connector{
		resolver:   resolver,
		defaultCfg: cfg.withDefaults(),
		pools:      make(map[Key]Pool),
	}
}

// Resolver returns the connector's resolver.
func (ct *Connector) Resolver() dns.Resolver { return ct.resolver }

// RegisterPool maps a URL prefix to a pool configuration. The prefix
// ":default" replaces the default configuration.
func (ct *Connector) RegisterPool(prefix string, cfg Config) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if prefix == ":default" {
		ct.defaultCfg = cfg.withDefaults()
		return
	}
	ct.prefixes = append(ct.prefixes, prefixConfig{prefix: prefix, cfg: cfg.withDefaults()})
}

// configFor picks the pool config for a request URL.
func (ct *Connector) configFor(rawURL string) Config {
	best := ct.defaultCfg
	bestLen := -1
	for _, pc := range ct.prefixes {
		if strings.HasPrefix(rawURL, pc.prefix) && len(pc.prefix) > bestLen {
			best = pc.cfg
			bestLen = len(pc.prefix)
		}
	}
	return best
}

// Lease is a leased connection plus its way home. Exactly one of
// Release or Detach must be called.
type Lease struct {
	Conn   *Conn
	Reused bool

	pool Pool
	ct   *Connector
	done bool
}

// Release returns the connection to its pool, closing it when the
// keep-alive conditions no longer hold.
func (l *Lease) Release() {
	if l.done {
		return
	}
	l.done = true
	l.pool.Release(l.Conn)
	l.ct.leaseDone()
}

// Detach removes the connection from pool accounting and hands
// ownership to the caller.
func (l *Lease) Detach() *Conn {
	if l.done {
		return l.Conn
	}
	l.done = true
	l.pool.Detach(l.Conn)
	l.ct.leaseDone()
	return l.Conn
}

// Acquire leases a connection for key, creating the pool on first use.
// rawURL selects the pool configuration by prefix. The slot wait and
// dialing are bounded by ctx.
func (ct *Connector) Acquire(ctx context.Context, rawURL string, key Key) (*Lease, error) {
	ct.mu.Lock()
	if ct.closed {
		ct.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p, ok := ct.pools[key]
	if !ok {
		p = New(ct.configFor(rawURL), ct.dial)
		ct.pools[key] = p
	}
	ct.outstanding++
	ct.mu.Unlock()

	c, err := p.Acquire(ctx, key)
	if err != nil {
		ct.leaseDone()
		return nil, err
	}
	reused := c.RequestsServed() > 0
	return &Lease{Conn: c, Reused: reused, pool: p, ct: ct}, nil
}

func (ct *Connector) leaseDone() {
	ct.mu.Lock()
	ct.outstanding--
	if ct.outstanding == 0 {
		for _, ch := range ct.idleWait {
			close(ch)
		}
		ct.idleWait = nil
	}
	ct.mu.Unlock()
}

// WaitRequests blocks until no leases are outstanding or ctx expires.
func (ct *Connector) WaitRequests(ctx context.Context) error {
	ct.mu.Lock()
	if ct.outstanding == 0 {
		ct.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	ct.idleWait = append(ct.idleWait, ch)
	ct.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown drains every pool, closing idle connections. Leased
// connections close on their next release.
func (ct *Connector) Shutdown() error {
	ct.mu.Lock()
	if ct.closed {
		ct.mu.Unlock()
		return nil
	}
	ct.closed = true
	pools := make([]Pool, 0, len(ct.pools))
	for _, p := range ct.pools {
		pools = append(pools, p)
	}
	ct.pools = make(map[Key]Pool)
	ct.mu.Unlock()

	for _, p := range pools {
		_ = p.Close()
	}
	return nil
}

// PoolStats returns a snapshot per live pool, keyed by origin.
func (ct *Connector) PoolStats() map[string]Stats {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	out := make(map[string]Stats, len(ct.pools))
	for key, p := range ct.pools {
		out[key.String()] = p.Stats()
	}
	return out
}

// dial opens a new connection for key, honoring ctx deadlines for
// resolution, TCP connect and the TLS handshake.
func (ct *Connector) dial(ctx context.Context, key Key) (*Conn, error) {
	opts := dialOptions(ctx)
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}
	if key.Proxy != "" {
		return ct.dialProxied(ctx, key, opts)
	}

	nc, err := ct.dialTCP(ctx, key.Host, key.Port, opts)
	if err != nil {
		return nil, err
	}

	alpn := ""
	if key.TLS() {
		tlsConn, negotiated, err := ct.startTLS(ctx, nc, key.Host, opts)
		if err != nil {
			_ = nc.Close()
			return nil, err
		}
		nc, alpn = tlsConn, negotiated
	}

	logging.Debug("connection opened",
		zap.String("key", key.String()), zap.String("alpn", alpn))
	return newConn(key, nc, alpn, false), nil
}

// dialTCP resolves host and tries each address in order.
func (ct *Connector) dialTCP(ctx context.Context, host string, port int, opts DialOptions) (net.Conn, error) {
	var addrs []netip.Addr
	if addr, ok := dns.Literal(host); ok {
		addrs = []netip.Addr{addr}
	} else {
		family := opts.Family
		if family == 0 {
			family = dns.FamilyV4
		}
		var err error
		addrs, err = ct.resolver.Resolve(ctx, host, family)
		if err != nil {
			return nil, err
		}
	}

	var d net.Dialer
	var lastErr error
	for _, addr := range addrs {
		nc, err := d.DialContext(ctx, "tcp", net.JoinHostPort(addr.String(), strconv.Itoa(port)))
		if err == nil {
			tuneTCP(nc)
			return nc, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &ConnectError{Host: host, Port: port, Err: lastErr}
}

// startTLS wraps nc and performs the handshake. ALPN advertises
// h2,http/1.1 when the caller enabled HTTP/2, else http/1.1.
func (ct *Connector) startTLS(ctx context.Context, nc net.Conn, serverName string, opts DialOptions) (net.Conn, string, error) {
	cfg := &tls.Config{}
	if opts.TLSConfig != nil {
		cfg = opts.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	cfg.InsecureSkipVerify = opts.Insecure
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = opts.ALPN
		if len(cfg.NextProtos) == 0 {
			cfg.NextProtos = []string{"http/1.1"}
		}
	}

	tlsConn := tls.Client(nc, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, "", &TLSError{Host: serverName, Err: err}
	}
	return tlsConn, tlsConn.ConnectionState().NegotiatedProtocol, nil
}

// dialProxied connects through an HTTP proxy. Secure origins get a
// CONNECT tunnel followed by TLS; plain origins talk to the proxy
// directly and mark the connection for absolute-URI request targets.
func (ct *Connector) dialProxied(ctx context.Context, key Key, opts DialOptions) (*Conn, error) {
	pu, err := url.Parse(key.Proxy)
	if err != nil {
		return nil, &ConnectError{Host: key.Host, Port: key.Port, Err: fmt.Errorf("bad proxy url: %w", err)}
	}
	proxyHost := pu.Hostname()
	proxyPort := 80
	if p := pu.Port(); p != "" {
		proxyPort, err = strconv.Atoi(p)
		if err != nil {
			return nil, &ConnectError{Host: key.Host, Port: key.Port, Err: fmt.Errorf("bad proxy port: %w", err)}
		}
	}

	nc, err := ct.dialTCP(ctx, proxyHost, proxyPort, opts)
	if err != nil {
		return nil, err
	}

	if !key.TLS() {
		logging.Debug("proxied connection opened", zap.String("key", key.String()))
		c := newConn(key, nc, "", true)
		c.proxyAuth = basicProxyAuth(pu.User)
		return c, nil
	}

	if err := connectTunnel(ctx, nc, key, pu.User); err != nil {
		_ = nc.Close()
		return nil, err
	}

	tlsConn, alpn, err := ct.startTLS(ctx, nc, key.Host, opts)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	logging.Debug("tunneled connection opened",
		zap.String("key", key.String()), zap.String("alpn", alpn))
	return newConn(key, tlsConn, alpn, false), nil
}

// basicProxyAuth renders userinfo as a Proxy-Authorization value.
func basicProxyAuth(user *url.Userinfo) string {
	if user == nil {
		return ""
	}
	pass, _ := user.Password()
	cred := base64.StdEncoding.EncodeToString([]byte(user.Username() + ":" + pass))
	return "Basic " + cred
}

// connectTunnel issues the CONNECT request and waits for a 2xx.
func connectTunnel(ctx context.Context, nc net.Conn, key Key, user *url.Userinfo) error {
	target := net.JoinHostPort(key.Host, strconv.Itoa(key.Port))
	headers := []http1.Header{
		{Name: "Host", Value: target},
	}
	if auth := basicProxyAuth(user); auth != "" {
		headers = append(headers, http1.Header{Name: "Proxy-Authorization", Value: auth})
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
		defer func() { _ = nc.SetDeadline(time.Time{}) }()
	}

	if err := http1.WriteRequestHead(nc, "CONNECT", target, headers); err != nil {
		return &ConnectError{Host: key.Host, Port: key.Port, Err: fmt.Errorf("proxy write: %w", err)}
	}

	// The server stays quiet after a CONNECT until the client speaks
	// (TLS client hello goes first), so a local buffer cannot eat
	// post-tunnel bytes.
	head, err := http1.ReadResponseHead(bufio.NewReader(nc))
	if err != nil {
		return &ConnectError{Host: key.Host, Port: key.Port, Err: fmt.Errorf("proxy response: %w", err)}
	}
	if head.StatusCode < 200 || head.StatusCode > 299 {
		return &ConnectError{Host: key.Host, Port: key.Port,
			Err: fmt.Errorf("proxy refused CONNECT: %d %s", head.StatusCode, head.Reason)}
	}
	return nil
}
