package pulse

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zulfikawr/pulse/internal/logging"
	"github.com/zulfikawr/pulse/internal/metrics"
)

// errStreamRedirect rejects re-sending a one-shot body on 307/308.
var errStreamRedirect = errors.New("cannot replay streaming body on redirect")

func isRedirect(status int) bool {
	switch status {
	case 301, 302, 303, 307, 308:
		return true
	}
	return false
}

// drive runs the redirect loop around do. Each hop re-asks the cookie
// jar, resolves Location against the current URL, rewrites the method
// per status, and drops Authorization on cross-origin moves unless the
// caller retains it. The chain is capped at MaxRedirects.
func (c *Client) drive(ctx context.Context, req *Request, opts *RequestOptions, reqDeadline time.Time) (*Response, error) {
	var chain []string
	for {
		if c.opts.Jar != nil {
			req.Headers.Del("Cookie")
			if cookies := c.opts.Jar.Cookies(req.Target); len(cookies) > 0 {
				req.Headers.Add("Cookie", renderCookies(cookies))
			}
		}

		resp, err := c.do(ctx, req, opts, reqDeadline)
		if err != nil {
			return nil, err
		}
		if !opts.Follow || !isRedirect(resp.StatusCode) {
			return resp, nil
		}

		loc := resp.Headers.Get("Location")
		if loc == "" {
			return resp, nil
		}

		status := resp.StatusCode
		drainForReuse(resp)

		if len(chain) >= MaxRedirects {
			return nil, requestErr(req.Method, req.Target.String(), status,
				&TooManyRedirectsError{Chain: chain})
		}

		next, err := req.Target.Resolve(loc)
		if err != nil {
			return nil, requestErr(req.Method, req.Target.String(), status, err)
		}
		chain = append(chain, next.String())
		metrics.Redirects.Inc()
		logging.Debug("following redirect",
			zap.Int("status", status), zap.String("location", next.String()))

		switch status {
		case 303:
			req.rewriteToGet()
		case 301, 302:
			if req.Method != "GET" && req.Method != "HEAD" {
				req.rewriteToGet()
			}
		case 307, 308:
			if !req.body.replayable() {
				return nil, requestErr(req.Method, req.Target.String(), status, errStreamRedirect)
			}
		}

		crossOrigin := !req.Target.SameOrigin(next)
		req.Target = next
		req.Headers.Set("Host", next.HostHeader())
		if crossOrigin && !opts.RetainAuth {
			req.Headers.Del("Authorization")
		}
	}
}

// rewriteToGet turns the request into a bodyless GET for 303-style
// redirects.
func (r *Request) rewriteToGet() {
	r.Method = "GET"
	r.body = bodySource{kind: bodyNone}
	r.Headers.Del("Content-Length")
	r.Headers.Del("Content-Type")
	r.Headers.Del("Transfer-Encoding")
}

// drainForReuse consumes a small redirect body so the connection can
// repool; anything big or already broken just closes.
func drainForReuse(resp *Response) {
	const drainCap = 64 * 1024
	var read int64
	buf := make([]byte, 8*1024)
	for read <= drainCap {
		n, err := resp.Read(buf)
		read += int64(n)
		if err != nil {
			return
		}
	}
	_ = resp.Close()
}

func renderCookies(cookies []Field) string {
	var sb strings.Builder
	for i, ck := range cookies {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(ck.Name)
		sb.WriteByte('=')
		sb.WriteString(ck.Value)
	}
	return sb.String()
}
