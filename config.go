package pulse

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/zulfikawr/pulse/dns"
	"github.com/zulfikawr/pulse/pool"
)

// Config is the on-disk client configuration. Everything here maps
// onto ClientOptions defaults; programmatic options always win.
type Config struct {
	BaseURL          string  `mapstructure:"base_url"`
	UserAgent        string  `mapstructure:"user_agent"`
	PoolSize         int     `mapstructure:"pool_size"`
	MaxConnRequests  int     `mapstructure:"max_conn_requests"`
	MaxConnIdleMs    int64   `mapstructure:"max_conn_idle_ms"`
	SockConnectMs    int64   `mapstructure:"sock_connect_ms"`
	SockReadMs       int64   `mapstructure:"sock_read_ms"`
	PoolAcquireMs    int64   `mapstructure:"pool_acquire_ms"`
	RequestTimeoutMs int64   `mapstructure:"request_timeout_ms"`
	Proxy            string  `mapstructure:"proxy"`
	Insecure         bool    `mapstructure:"insecure"`
	HTTP2            bool    `mapstructure:"http2"`
	RateLimitMbps    float64 `mapstructure:"rate_limit_mbps"`
	DNSCacheTTLMs    int64   `mapstructure:"dns_cache_ttl_ms"`
	Verbosity        int     `mapstructure:"verbosity"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	t := DefaultTimeouts()
	return &Config{
		UserAgent:        DefaultUserAgent,
		PoolSize:         25,
		MaxConnRequests:  0, // unlimited
		MaxConnIdleMs:    0, // unlimited
		SockConnectMs:    t.SockConnect.Milliseconds(),
		SockReadMs:       t.SockRead.Milliseconds(),
		PoolAcquireMs:    0,
		RequestTimeoutMs: t.RequestTimeout.Milliseconds(),
		DNSCacheTTLMs:    10_000,
	}
}

// LoadConfig loads configuration from pulse.yaml or returns defaults.
// Search order: ~/.config/pulse, the home directory (pulse.yaml),
// /etc/pulse, then the working directory. Environment variables with
// the PULSE_ prefix override file values.
func LoadConfig() (*Config, error) {
	config := DefaultConfig()

	v := viper.New()
	v.SetConfigName("pulse")
	v.SetConfigType("yaml")

	if homeDir, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(homeDir, ".config", "pulse"))
		v.AddConfigPath(homeDir) // for ~/pulse.yaml
	}
	v.AddConfigPath("/etc/pulse")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PULSE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// No config file is fine; defaults apply.
			return config, nil
		}
		// A broken config file is worth surfacing, not masking.
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// ClientOptions converts the file values into options for New.
func (c *Config) ClientOptions() ClientOptions {
	return ClientOptions{
		BaseURL:   c.BaseURL,
		UserAgent: c.UserAgent,
		Timeouts: Timeouts{
			SockConnect:    time.Duration(c.SockConnectMs) * time.Millisecond,
			SockRead:       time.Duration(c.SockReadMs) * time.Millisecond,
			PoolAcquire:    time.Duration(c.PoolAcquireMs) * time.Millisecond,
			RequestTimeout: time.Duration(c.RequestTimeoutMs) * time.Millisecond,
		},
		PoolConfig: pool.Config{
			Size:            c.PoolSize,
			MaxConnRequests: c.MaxConnRequests,
			MaxConnIdle:     time.Duration(c.MaxConnIdleMs) * time.Millisecond,
		},
		Resolver: dns.NewCachedResolver(dns.NewSystemResolver(),
			dns.NewCache(time.Duration(c.DNSCacheTTLMs)*time.Millisecond, 0)),
		Proxy:         c.Proxy,
		Insecure:      c.Insecure,
		HTTP2:         c.HTTP2,
		RateLimitMbps: c.RateLimitMbps,
		Verbosity:     c.Verbosity,
	}
}
