package pulse

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	if c.PoolSize != 25 {
		t.Fatalf("PoolSize = %d, want 25", c.PoolSize)
	}
	if c.MaxConnRequests != 0 || c.MaxConnIdleMs != 0 {
		t.Fatal("connection limits should default to unlimited")
	}
	if c.DNSCacheTTLMs != 10_000 {
		t.Fatalf("DNSCacheTTLMs = %d, want 10000", c.DNSCacheTTLMs)
	}
	if c.UserAgent != DefaultUserAgent {
		t.Fatalf("UserAgent = %q", c.UserAgent)
	}
}

func TestConfigToClientOptions(t *testing.T) {
	c := DefaultConfig()
	c.PoolSize = 7
	c.SockReadMs = 1500
	c.HTTP2 = true

	opts := c.ClientOptions()
	if opts.PoolConfig.Size != 7 {
		t.Fatalf("pool size = %d, want 7", opts.PoolConfig.Size)
	}
	if opts.Timeouts.SockRead != 1500*time.Millisecond {
		t.Fatalf("SockRead = %v, want 1.5s", opts.Timeouts.SockRead)
	}
	if !opts.HTTP2 {
		t.Fatal("HTTP2 flag lost in conversion")
	}
	if opts.Resolver == nil {
		t.Fatal("resolver not built from config")
	}
}

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	// Run from a temp dir so no stray pulse.yaml interferes.
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	c, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if c.PoolSize != 25 {
		t.Fatalf("PoolSize = %d, want defaults when no file exists", c.PoolSize)
	}
}
