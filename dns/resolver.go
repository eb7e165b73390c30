// Package dns provides hostname resolution for pulse connectors.
//
// Resolution is a capability: the built-in SystemResolver delegates to the
// platform resolver (getaddrinfo), the AsyncResolver queries a DNS server
// directly, and any implementation can be fronted by a Cache via
// NewCachedResolver. IP literals and loopback names never hit a resolver.
package dns

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"

	mdns "github.com/miekg/dns"
)

// Family selects the address family for a lookup.
type Family int

const (
	// FamilyV4 resolves IPv4 (A) records.
	FamilyV4 Family = 4
	// FamilyV6 resolves IPv6 (AAAA) records.
	FamilyV6 Family = 6
)

func (f Family) String() string {
	if f == FamilyV6 {
		return "ip6"
	}
	return "ip4"
}

// Error reports a failed resolution for a host.
type Error struct {
	Host string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dns lookup failed for %s: %v", e.Host, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Resolver turns a hostname into addresses for one family.
//
// Implementations must be safe for concurrent use. No fallback between
// families is performed; the caller picks the family.
type Resolver interface {
	Resolve(ctx context.Context, host string, family Family) ([]netip.Addr, error)
}

// Literal reports whether host needs no resolution: an IP literal,
// a loopback name, or anything under 127.*. Such hosts also bypass
// the cache.
func Literal(host string) (netip.Addr, bool) {
	if host == "localhost" {
		return netip.AddrFrom4([4]byte{127, 0, 0, 1}), true
	}
	addr, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}

// SystemResolver resolves through the platform resolver, the same
// getaddrinfo path the OS uses for every other process.
type SystemResolver struct {
	res net.Resolver
}

// NewSystemResolver returns a resolver backed by the platform stub.
func NewSystemResolver() *SystemResolver {
	return &SystemResolver{}
}

// Resolve implements Resolver.
func (r *SystemResolver) Resolve(ctx context.Context, host string, family Family) ([]netip.Addr, error) {
	addrs, err := r.res.LookupNetIP(ctx, family.String(), host)
	if err != nil {
		return nil, &Error{Host: host, Err: err}
	}
	if len(addrs) == 0 {
		return nil, &Error{Host: host, Err: fmt.Errorf("no %s addresses", family)}
	}
	return addrs, nil
}

// AsyncResolver queries a DNS server directly instead of going through
// the platform stub. Useful when the embedder wants to pin a server or
// avoid getaddrinfo's blocking behavior.
type AsyncResolver struct {
	// Server is the DNS server to query in host:port form,
	// e.g. "1.1.1.1:53".
	Server string

	client mdns.Client
}

// NewAsyncResolver returns a resolver that queries server (host:port).
func NewAsyncResolver(server string) *AsyncResolver {
	return &AsyncResolver{Server: server}
}

// Resolve implements Resolver.
func (r *AsyncResolver) Resolve(ctx context.Context, host string, family Family) ([]netip.Addr, error) {
	qtype := mdns.TypeA
	if family == FamilyV6 {
		qtype = mdns.TypeAAAA
	}

	msg := new(mdns.Msg)
	msg.SetQuestion(mdns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, msg, r.Server)
	if err != nil {
		return nil, &Error{Host: host, Err: err}
	}
	if in.Rcode != mdns.RcodeSuccess {
		return nil, &Error{Host: host, Err: fmt.Errorf("server returned %s", mdns.RcodeToString[in.Rcode])}
	}

	var addrs []netip.Addr
	for _, rr := range in.Answer {
		switch a := rr.(type) {
		case *mdns.A:
			if ip, ok := netip.AddrFromSlice(a.A); ok {
				addrs = append(addrs, ip.Unmap())
			}
		case *mdns.AAAA:
			if ip, ok := netip.AddrFromSlice(a.AAAA); ok {
				addrs = append(addrs, ip)
			}
		}
	}
	if len(addrs) == 0 {
		return nil, &Error{Host: host, Err: fmt.Errorf("no %s addresses", family)}
	}
	return addrs, nil
}
