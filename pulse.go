// Package pulse is an HTTP/1.1, HTTP/2, WebSocket and SSE client
// speaking directly over TCP and TLS, with DNS caching, per-host
// connection pools and optional HTTP CONNECT proxies.
//
// Plain requests go through a Client:
//
//	client := pulse.New()
//	resp, err := client.Get(ctx, "https://example.com", nil)
//	if err != nil {
//	    return err
//	}
//	body, err := resp.Text()
//
// Long-lived streams live in the ws and sse subpackages; both borrow
// the client's connection manager and own their stream until closed.
//
// The package-level helpers use a lazily constructed shared client for
// quick scripts; anything with a lifecycle should build its own.
package pulse

import (
	"context"
	"sync"
)

var (
	defaultClient *Client
	defaultOnce   sync.Once
)

// Default returns the shared client, building it on first use.
func Default() *Client {
	defaultOnce.Do(func() {
		defaultClient = New()
	})
	return defaultClient
}

// Get issues a GET on the shared client.
func Get(ctx context.Context, url string, opts *RequestOptions) (*Response, error) {
	return Default().Get(ctx, url, opts)
}

// Post issues a POST on the shared client.
func Post(ctx context.Context, url string, opts *RequestOptions) (*Response, error) {
	return Default().Post(ctx, url, opts)
}

// Put issues a PUT on the shared client.
func Put(ctx context.Context, url string, opts *RequestOptions) (*Response, error) {
	return Default().Put(ctx, url, opts)
}

// Patch issues a PATCH on the shared client.
func Patch(ctx context.Context, url string, opts *RequestOptions) (*Response, error) {
	return Default().Patch(ctx, url, opts)
}

// Delete issues a DELETE on the shared client.
func Delete(ctx context.Context, url string, opts *RequestOptions) (*Response, error) {
	return Default().Delete(ctx, url, opts)
}

// Head issues a HEAD on the shared client.
func Head(ctx context.Context, url string, opts *RequestOptions) (*Response, error) {
	return Default().Head(ctx, url, opts)
}
