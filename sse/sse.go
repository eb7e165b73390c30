// Package sse consumes Server-Sent Event streams over a pulse client.
// A Stream is a restartable sequence of events: when the transport
// drops and reconnection is enabled, it waits the server-advertised
// retry delay, reopens with Last-Event-ID, and drops the first event
// that duplicates the last one delivered.
package sse

import (
	"bufio"
	"context"
	"errors"
	"io"
	"iter"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zulfikawr/pulse"
	"github.com/zulfikawr/pulse/internal/logging"
	"github.com/zulfikawr/pulse/internal/metrics"
)

// DefaultRetryDelay spaces reconnects until the server sends a
// retry: field.
const DefaultRetryDelay = 3 * time.Second

// Event is one dispatched server-sent event.
type Event struct {
	// Data is the newline-joined payload of the event's data lines.
	Data string
	// Type is the event name; "message" when the server sent none.
	Type string
	// ID is the event id, empty when absent.
	ID string
	// Retry carries a retry: field seen in this event, zero otherwise.
	Retry time.Duration
}

// Options tune an SSE stream.
type Options struct {
	// Method defaults to GET; POST-style streams set it with a body.
	Method string
	// Headers are extra request headers.
	Headers *pulse.Headers
	// Params appends query pairs.
	Params []pulse.Param
	// Data is a raw request body.
	Data []byte
	// JSON is a JSON request body.
	JSON any
	// Reconnect reopens the stream when it drops.
	Reconnect bool
	// RetryDelay seeds the wait between reconnects; server retry:
	// fields update it. Default 3 s.
	RetryDelay time.Duration
	// LastEventID seeds the Last-Event-ID header for resuming a
	// stream from a known position.
	LastEventID string
	// Insecure disables TLS verification.
	Insecure bool
	// Proxy overrides the client's proxy.
	Proxy string
	// Timeouts overrides the client's per-phase deadlines. SockRead
	// bounds the wait for each chunk of stream data.
	Timeouts *pulse.Timeouts
}

// DefaultOptions returns the options Connect uses for nil: GET with
// reconnection enabled.
func DefaultOptions() *Options {
	return &Options{Method: "GET", Reconnect: true, RetryDelay: DefaultRetryDelay}
}

func (o *Options) withDefaults() *Options {
	if o == nil {
		return DefaultOptions()
	}
	out := *o
	if out.Method == "" {
		out.Method = "GET"
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = DefaultRetryDelay
	}
	return &out
}

// Stream is one SSE subscription. Events arrive through Next or the
// Events iterator; ordering follows the wire, with the one documented
// exception of the post-reconnect duplicate drop.
type Stream struct {
	client *pulse.Client
	url    string
	opts   *Options

	resp *pulse.Response
	br   *bufio.Reader

	lastEventID string
	lastData    string
	haveLast    bool
	afterReopen bool

	retryDelay time.Duration
	closed     bool
}

// Connect opens the stream. The server must answer 2xx with
// Content-Type text/event-stream (parameters ignored); anything else
// fails with ConnectionError, without retrying.
func Connect(ctx context.Context, client *pulse.Client, rawURL string, opts *Options) (*Stream, error) {
	opts = opts.withDefaults()
	s := &Stream{
		client:      client,
		url:         rawURL,
		opts:        opts,
		lastEventID: opts.LastEventID,
		retryDelay:  opts.RetryDelay,
	}
	if err := s.open(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// open issues the request and validates the response as a stream.
func (s *Stream) open(ctx context.Context) error {
	headers := pulse.NewHeaders(
		pulse.Field{Name: "Accept", Value: "text/event-stream"},
		pulse.Field{Name: "Cache-Control", Value: "no-cache"},
	)
	for _, f := range s.opts.Headers.Fields() {
		headers.Add(f.Name, f.Value)
	}
	if s.lastEventID != "" {
		headers.Set("Last-Event-ID", s.lastEventID)
	}

	resp, err := s.client.Request(ctx, s.opts.Method, s.url, &pulse.RequestOptions{
		Params:   s.opts.Params,
		Headers:  headers,
		Data:     s.opts.Data,
		JSON:     s.opts.JSON,
		Insecure: s.opts.Insecure,
		Proxy:    s.opts.Proxy,
		Timeouts: s.streamTimeouts(),
	})
	if err != nil {
		return &ConnectionError{URL: s.url, Err: err}
	}

	contentType := resp.Headers.Get("Content-Type")
	mediaType := strings.TrimSpace(strings.Split(contentType, ";")[0])
	if !resp.Ok() || !strings.EqualFold(mediaType, "text/event-stream") {
		status := resp.StatusCode
		_ = resp.Close()
		return &ConnectionError{URL: s.url, Status: status}
	}

	s.resp = resp
	s.br = bufio.NewReader(resp)
	return nil
}

// streamTimeouts disables the overall request deadline: the stream is
// expected to outlive any sane request timeout.
func (s *Stream) streamTimeouts() *pulse.Timeouts {
	t := s.client.Options().Timeouts
	if s.opts.Timeouts != nil {
		t = *s.opts.Timeouts
	}
	t.RequestTimeout = 0
	return &t
}

// Next returns the next dispatched event, reconnecting as configured.
func (s *Stream) Next(ctx context.Context) (*Event, error) {
	for {
		if s.closed {
			return nil, &ConnectionError{URL: s.url, Err: errors.New("stream closed")}
		}

		ev, err := s.readEvent()
		if err == nil {
			if ev == nil {
				continue // suppressed empty event
			}
			if s.afterReopen && s.duplicate(ev) {
				s.afterReopen = false
				logging.Debug("dropping duplicate event after reconnect",
					zap.String("id", ev.ID))
				continue
			}
			s.afterReopen = false
			if ev.ID != "" {
				s.lastEventID = ev.ID
			}
			s.lastData = ev.Data
			s.haveLast = true
			metrics.SSEEventsTotal.Inc()
			return ev, nil
		}

		var parseErr *ParsingError
		if errors.As(err, &parseErr) {
			return nil, err
		}
		if !s.opts.Reconnect {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, &ConnectionError{URL: s.url, Err: err}
		}
		if err := s.reconnect(ctx); err != nil {
			return nil, err
		}
	}
}

// duplicate reports whether a post-reconnect event repeats the last
// delivered one, by id or by payload.
func (s *Stream) duplicate(ev *Event) bool {
	if ev.ID != "" && ev.ID == s.lastEventID {
		return true
	}
	return s.haveLast && ev.Data == s.lastData
}

// reconnect waits the current retry delay and reopens with
// Last-Event-ID. The delay and id survive across attempts; the event
// accumulator does not.
func (s *Stream) reconnect(ctx context.Context) error {
	if s.resp != nil {
		_ = s.resp.Close()
		s.resp = nil
	}

	timer := time.NewTimer(s.retryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	metrics.SSEReconnects.Inc()
	logging.Debug("sse reconnecting",
		zap.String("url", s.url), zap.String("last_event_id", s.lastEventID))
	if err := s.open(ctx); err != nil {
		return err
	}
	s.afterReopen = true
	return nil
}

// Events iterates the stream until it fails or the consumer stops. A
// plain EOF with reconnection disabled ends the sequence silently.
func (s *Stream) Events(ctx context.Context) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		for {
			ev, err := s.Next(ctx)
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				yield(nil, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// LastEventID returns the id the stream would resume from.
func (s *Stream) LastEventID() string { return s.lastEventID }

// Close drops the transport and ends the stream.
func (s *Stream) Close() error {
	s.closed = true
	if s.resp != nil {
		return s.resp.Close()
	}
	return nil
}

// readLine reads one line, accepting \n, \r and \r\n terminators.
func (s *Stream) readLine() (string, error) {
	var sb strings.Builder
	for {
		b, err := s.br.ReadByte()
		if err != nil {
			return "", err
		}
		switch b {
		case '\n':
			return sb.String(), nil
		case '\r':
			if next, err := s.br.ReadByte(); err == nil && next != '\n' {
				_ = s.br.UnreadByte()
			}
			return sb.String(), nil
		default:
			sb.WriteByte(b)
		}
	}
}

// readEvent accumulates fields until a blank line dispatches them.
// It returns nil for events with nothing in them.
func (s *Stream) readEvent() (*Event, error) {
	var (
		dataLines []string
		eventType string
		id        string
		retry     time.Duration
		sawField  bool
	)
	for {
		line, err := s.readLine()
		if err != nil {
			return nil, err
		}

		if line == "" {
			if len(dataLines) == 0 && !sawField {
				return nil, nil
			}
			ev := &Event{
				Data:  strings.Join(dataLines, "\n"),
				Type:  eventType,
				ID:    id,
				Retry: retry,
			}
			if ev.Type == "" {
				ev.Type = "message"
			}
			return ev, nil
		}

		if strings.HasPrefix(line, ":") {
			continue // comment
		}

		field, value, hasColon := strings.Cut(line, ":")
		if hasColon {
			value = strings.TrimPrefix(value, " ")
		} else {
			field, value = line, ""
		}

		switch field {
		case "data":
			dataLines = append(dataLines, value)
		case "event":
			eventType = value
			sawField = true
		case "id":
			id = value
			sawField = true
		case "retry":
			ms, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || ms < 0 {
				return nil, &ParsingError{Msg: "invalid retry value " + strconv.Quote(value)}
			}
			retry = time.Duration(ms) * time.Millisecond
			s.retryDelay = retry
			sawField = true
		default:
			// Unknown fields are ignored per the standard.
		}
	}
}
