package dns

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"
)

type fakeResolver struct {
	calls int
	addrs []netip.Addr
	err   error
}

func (f *fakeResolver) Resolve(_ context.Context, host string, _ Family) ([]netip.Addr, error) {
	f.calls++
	if f.err != nil {
		return nil, &Error{Host: host, Err: f.err}
	}
	return f.addrs, nil
}

func addr(s string) netip.Addr {
	return netip.MustParseAddr(s)
}

func TestCacheHitAndExpiry(t *testing.T) {
	c := NewCache(10*time.Second, 0)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("example.com", FamilyV4, []netip.Addr{addr("192.0.2.1")})

	got, ok := c.Get("example.com", FamilyV4)
	if !ok || len(got) != 1 || got[0] != addr("192.0.2.1") {
		t.Fatalf("Get = %v, %v; want cached address", got, ok)
	}

	// Entries older than the TTL are discarded on read.
	now = now.Add(11 * time.Second)
	if _, ok := c.Get("example.com", FamilyV4); ok {
		t.Fatal("Get after TTL = hit, want miss")
	}

	stats := c.GetStats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("stats = %+v, want 1 hit / 1 miss", stats)
	}
}

func TestCacheKeyedByFamily(t *testing.T) {
	c := NewCache(time.Minute, 0)
	c.Set("example.com", FamilyV4, []netip.Addr{addr("192.0.2.1")})

	if _, ok := c.Get("example.com", FamilyV6); ok {
		t.Fatal("v6 lookup hit a v4 entry")
	}
}

func TestCacheLRUEviction(t *testing.T) {
	c := NewCache(time.Minute, 2)
	c.Set("a.example", FamilyV4, []netip.Addr{addr("192.0.2.1")})
	c.Set("b.example", FamilyV4, []netip.Addr{addr("192.0.2.2")})

	// Touch a so b becomes the eviction candidate.
	if _, ok := c.Get("a.example", FamilyV4); !ok {
		t.Fatal("a.example missing")
	}
	c.Set("c.example", FamilyV4, []netip.Addr{addr("192.0.2.3")})

	if _, ok := c.Get("b.example", FamilyV4); ok {
		t.Fatal("b.example survived, want LRU eviction")
	}
	if _, ok := c.Get("a.example", FamilyV4); !ok {
		t.Fatal("a.example evicted, want it kept")
	}
}

func TestCachedResolverCachesAndBypasses(t *testing.T) {
	inner := &fakeResolver{addrs: []netip.Addr{addr("192.0.2.1")}}
	r := NewCachedResolver(inner, NewCache(time.Minute, 0))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(ctx, "example.com", FamilyV4); err != nil {
			t.Fatal(err)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("inner calls = %d, want 1 (cached)", inner.calls)
	}

	// Literals never reach the inner resolver or the cache.
	for _, host := range []string{"127.0.0.1", "127.9.9.9", "::1", "localhost", "192.0.2.7"} {
		got, err := r.Resolve(ctx, host, FamilyV4)
		if err != nil {
			t.Fatalf("Resolve(%q) error: %v", host, err)
		}
		if len(got) != 1 {
			t.Fatalf("Resolve(%q) = %v, want single literal", host, got)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("inner calls after literals = %d, want still 1", inner.calls)
	}
}

func TestCachedResolverPropagatesFailure(t *testing.T) {
	inner := &fakeResolver{err: errors.New("NXDOMAIN")}
	r := NewCachedResolver(inner, nil)

	_, err := r.Resolve(context.Background(), "missing.example", FamilyV4)
	var dnsErr *Error
	if !errors.As(err, &dnsErr) {
		t.Fatalf("err = %v, want *dns.Error", err)
	}
	if dnsErr.Host != "missing.example" {
		t.Fatalf("Host = %q, want missing.example", dnsErr.Host)
	}

	// Failures are not cached.
	_, _ = r.Resolve(context.Background(), "missing.example", FamilyV4)
	if inner.calls != 2 {
		t.Fatalf("inner calls = %d, want 2 (no negative caching)", inner.calls)
	}
}

func TestLiteral(t *testing.T) {
	cases := []struct {
		host string
		want bool
	}{
		{"192.0.2.1", true},
		{"::1", true},
		{"[2001:db8::1]", true},
		{"localhost", true},
		{"example.com", false},
		{"", false},
	}
	for _, tc := range cases {
		if _, ok := Literal(tc.host); ok != tc.want {
			t.Fatalf("Literal(%q) = %v, want %v", tc.host, ok, tc.want)
		}
	}
}
