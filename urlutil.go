package pulse

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/idna"

	"github.com/zulfikawr/pulse/pool"
)

// Param is one query or form key/value pair. Repeated keys emit
// repeated pairs in order.
type Param struct {
	Key   string
	Value string
}

// ParamsFromMap converts a map to params. Map order is not defined;
// pass a []Param literal when order matters.
func ParamsFromMap(m map[string]string) []Param {
	out := make([]Param, 0, len(m))
	for k, v := range m {
		out = append(out, Param{Key: k, Value: v})
	}
	return out
}

// Target is a parsed request URL: scheme, IDNA-encoded host, explicit
// port and origin-form path.
type Target struct {
	Scheme   string // http, https, ws, wss
	Host     string // punycode when the input had non-ASCII labels
	Port     int
	Path     string // always starts with "/"
	Query    string // raw query without "?"
	Fragment string
	raw      string
}

// ParseURL parses and normalizes a request URL.
func ParseURL(rawURL string) (*Target, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme %q in %q", u.Scheme, rawURL)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("missing host in %q", rawURL)
	}
	if encoded, err := idna.Lookup.ToASCII(host); err == nil {
		host = encoded
	}
	// Encoding failures keep the raw host; the resolver reports the
	// real problem with more context than we can here.

	port := defaultPort(scheme)
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid port %q in %q", p, rawURL)
		}
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	return &Target{
		Scheme:   scheme,
		Host:     host,
		Port:     port,
		Path:     path,
		Query:    u.RawQuery,
		Fragment: u.Fragment,
		raw:      rawURL,
	}, nil
}

func defaultPort(scheme string) int {
	switch scheme {
	case "https", "wss":
		return 443
	default:
		return 80
	}
}

// Secure reports whether the target needs TLS.
func (t *Target) Secure() bool { return t.Scheme == "https" || t.Scheme == "wss" }

// Key maps the target onto a pool key; ws/wss share the corresponding
// http/https pools.
func (t *Target) Key(proxy string) pool.Key {
	scheme := "http"
	if t.Secure() {
		scheme = "https"
	}
	return pool.Key{Scheme: scheme, Host: t.Host, Port: t.Port, Proxy: proxy}
}

// HostHeader renders the Host header value, omitting default ports.
func (t *Target) HostHeader() string {
	if t.Port == defaultPort(t.Scheme) {
		return t.Host
	}
	return joinHostPort(t.Host, t.Port)
}

func joinHostPort(host string, port int) string {
	if strings.Contains(host, ":") {
		return "[" + host + "]:" + strconv.Itoa(port)
	}
	return host + ":" + strconv.Itoa(port)
}

// RequestTarget renders the origin-form target: path plus query.
func (t *Target) RequestTarget() string {
	if t.Query == "" {
		return t.Path
	}
	return t.Path + "?" + t.Query
}

// AbsoluteURI renders the absolute-form target used with plain-HTTP
// proxies. The fragment never goes on the wire.
func (t *Target) AbsoluteURI() string {
	return t.Scheme + "://" + t.HostHeader() + t.RequestTarget()
}

// String reconstructs the normalized URL.
func (t *Target) String() string {
	s := t.AbsoluteURI()
	if t.Fragment != "" {
		s += "#" + t.Fragment
	}
	return s
}

// SameOrigin reports whether two targets share scheme, host and port.
func (t *Target) SameOrigin(o *Target) bool {
	return t.Scheme == o.Scheme && strings.EqualFold(t.Host, o.Host) && t.Port == o.Port
}

// Resolve interprets ref against t, as a redirect Location demands:
// absolute URLs replace t wholesale, everything else resolves
// relative to the current path.
func (t *Target) Resolve(ref string) (*Target, error) {
	base, err := url.Parse(t.String())
	if err != nil {
		return nil, err
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect location %q: %w", ref, err)
	}
	return ParseURL(base.ResolveReference(refURL).String())
}

// WithQuery returns a copy of t with params appended to its query,
// percent-encoded per the RFC 3986 unreserved set, duplicates kept in
// order.
func (t *Target) WithQuery(params []Param) *Target {
	if len(params) == 0 {
		return t
	}
	var sb strings.Builder
	sb.WriteString(t.Query)
	for _, p := range params {
		if sb.Len() > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(encodeQueryComponent(p.Key))
		sb.WriteByte('=')
		sb.WriteString(encodeQueryComponent(p.Value))
	}
	out := *t
	out.Query = sb.String()
	return &out
}

// encodeQueryComponent percent-encodes everything outside the RFC 3986
// unreserved set: ALPHA / DIGIT / "-" / "." / "_" / "~".
func encodeQueryComponent(s string) string {
	const upperhex = "0123456789ABCDEF"
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			sb.WriteByte(c)
		default:
			sb.WriteByte('%')
			sb.WriteByte(upperhex[c>>4])
			sb.WriteByte(upperhex[c&0xf])
		}
	}
	return sb.String()
}

// encodeForm renders params as application/x-www-form-urlencoded.
func encodeForm(params []Param) string {
	var sb strings.Builder
	for i, p := range params {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(encodeQueryComponent(p.Key))
		sb.WriteByte('=')
		sb.WriteString(encodeQueryComponent(p.Value))
	}
	return sb.String()
}
