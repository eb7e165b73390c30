// Package ws implements the client side of RFC 6455 WebSocket over a
// pulse client's connection manager. A successful handshake detaches
// the connection from its pool; the Session owns it until Close.
//
// Frame writes are serialized internally, so any goroutine may send.
// Reads have a single consumer: overlapping receive calls fail with
// ConcurrentReadError.
package ws

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zulfikawr/pulse"
	"github.com/zulfikawr/pulse/internal/http1"
	"github.com/zulfikawr/pulse/internal/logging"
	"github.com/zulfikawr/pulse/internal/metrics"
	"github.com/zulfikawr/pulse/pool"
)

// MessageType distinguishes text and binary messages.
type MessageType int

const (
	// TextMessage carries UTF-8 text.
	TextMessage MessageType = iota + 1
	// BinaryMessage carries arbitrary bytes.
	BinaryMessage
)

// Message is one complete data message, reassembled across fragments.
// Data and Raw both hold the wire payload; subprotocol decoding happens
// in ReceiveProtocol and does not rewrite a Message.
type Message struct {
	Type   MessageType
	Data   []byte
	Raw    []byte
	Opcode byte
}

// Text returns the payload as a string.
func (m Message) Text() string { return string(m.Data) }

// Options tune a WebSocket session.
type Options struct {
	// Headers are extra handshake headers.
	Headers *pulse.Headers
	// Subprotocols are offered in Sec-WebSocket-Protocol.
	Subprotocols []string
	// Protocol plugs in a subprotocol codec; its name joins
	// Subprotocols during the handshake.
	Protocol ProtocolHandler
	// Keepalive starts the automatic ping timer.
	Keepalive bool
	// PingInterval spaces keepalive pings. Default 30 s.
	PingInterval time.Duration
	// PongTimeout closes the session with 1011 when a keepalive pong
	// is this late. Default 10 s.
	PongTimeout time.Duration
	// MaxFrameSize rejects frames (and reassembled messages) over
	// this many bytes. Zero means no limit.
	MaxFrameSize int64
	// ReadTimeout bounds each ReceiveText/ReceiveBytes call.
	// Default 30 s; iteration via Messages has no per-message bound.
	ReadTimeout time.Duration
	// WriteTimeout bounds each frame write. Default 30 s.
	WriteTimeout time.Duration
	// Insecure disables TLS verification.
	Insecure bool
	// Proxy overrides the client's proxy.
	Proxy string
	// TLSConfig is cloned as the base TLS configuration.
	TLSConfig *tls.Config
}

func (o *Options) withDefaults() *Options {
	out := &Options{}
	if o != nil {
		*out = *o
	}
	if out.PingInterval <= 0 {
		out.PingInterval = 30 * time.Second
	}
	if out.PongTimeout <= 0 {
		out.PongTimeout = 10 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 30 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 30 * time.Second
	}
	return out
}

type sessionState int32

const (
	stateOpen sessionState = iota
	stateClosing
	stateClosed
)

type pingWait struct {
	payload []byte
	ch      chan []byte
}

// Session is one live WebSocket connection.
type Session struct {
	conn *pool.Conn
	url  string
	opts *Options

	subprotocol string

	writeMu sync.Mutex
	reading atomic.Bool

	mu        sync.Mutex
	state     sessionState
	closeSent bool
	closeErr  *CloseError
	pending   []pingWait
	lastPong  time.Time

	keepaliveStop chan struct{}
	keepaliveOnce sync.Once
}

// Dial upgrades a ws:// or wss:// URL into a Session using the
// client's connection manager.
func Dial(ctx context.Context, client *pulse.Client, rawURL string, opts *Options) (*Session, error) {
	opts = opts.withDefaults()

	target, err := pulse.ParseURL(rawURL)
	if err != nil {
		return nil, &HandshakeError{URL: rawURL, Err: err}
	}

	proxy := opts.Proxy
	if proxy == "" {
		proxy = client.Options().Proxy
	}
	key := target.Key(proxy)

	clientTimeouts := client.Options().Timeouts
	dialCtx := pool.WithDialOptions(ctx, pool.DialOptions{
		ConnectTimeout: clientTimeouts.SockConnect,
		Insecure:       opts.Insecure || client.Options().Insecure,
		ALPN:           []string{"http/1.1"}, // sessions pin the HTTP/1.1 path
		TLSConfig:      opts.TLSConfig,
	})
	acquireCtx := dialCtx
	if clientTimeouts.PoolAcquire > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(dialCtx, clientTimeouts.PoolAcquire)
		defer cancel()
	}

	lease, err := client.Connector().Acquire(acquireCtx, rawURL, key)
	if err != nil {
		return nil, &HandshakeError{URL: rawURL, Err: err}
	}
	conn := lease.Conn
	conn.MarkUsed()

	secKey := newSecKey()
	subprotocols := append([]string(nil), opts.Subprotocols...)
	if opts.Protocol != nil {
		subprotocols = append(subprotocols, opts.Protocol.Name())
	}

	headers := pulse.NewHeaders(
		pulse.Field{Name: "Host", Value: target.HostHeader()},
		pulse.Field{Name: "Upgrade", Value: "websocket"},
		pulse.Field{Name: "Connection", Value: "Upgrade"},
		pulse.Field{Name: "Sec-WebSocket-Key", Value: secKey},
		pulse.Field{Name: "Sec-WebSocket-Version", Value: "13"},
		pulse.Field{Name: "User-Agent", Value: client.Options().UserAgent},
	)
	if len(subprotocols) > 0 {
		headers.Add("Sec-WebSocket-Protocol", strings.Join(subprotocols, ", "))
	}
	for _, f := range opts.Headers.Fields() {
		headers.Add(f.Name, f.Value)
	}

	fail := func(err error) (*Session, error) {
		conn.SetKeepAlive(false)
		lease.Release()
		return nil, err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
	if err := http1.WriteRequestHead(conn, "GET", target.RequestTarget(), wireHeaders(headers)); err != nil {
		return fail(&HandshakeError{URL: rawURL, Err: err})
	}
	_ = conn.SetWriteDeadline(time.Time{})

	if clientTimeouts.SockRead > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(clientTimeouts.SockRead))
	}
	head, err := http1.ReadResponseHead(conn.Reader())
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		return fail(&HandshakeError{URL: rawURL, Err: err})
	}

	if err := verifyUpgrade(head, secKey); err != nil {
		var he *HandshakeError
		if errors.As(err, &he) {
			he.URL = rawURL
			he.Status = head.StatusCode
			return fail(he)
		}
		return fail(&HandshakeError{URL: rawURL, Status: head.StatusCode, Err: err})
	}

	s := &Session{
		conn:          lease.Detach(),
		url:           rawURL,
		opts:          opts,
		subprotocol:   head.Get("Sec-WebSocket-Protocol"),
		lastPong:      time.Now(),
		keepaliveStop: make(chan struct{}),
	}
	metrics.WebSocketConnected()
	logging.Debug("websocket session open",
		zap.String("url", rawURL), zap.String("subprotocol", s.subprotocol))

	if opts.Keepalive {
		go s.keepaliveLoop()
	}
	return s, nil
}

func wireHeaders(h *pulse.Headers) []http1.Header {
	out := make([]http1.Header, 0, h.Len())
	for _, f := range h.Fields() {
		out = append(out, http1.Header{Name: f.Name, Value: f.Value})
	}
	return out
}

// verifyUpgrade checks the 101 response per RFC 6455 §4.1.
func verifyUpgrade(head *http1.ResponseHead, secKey string) error {
	if head.StatusCode != 101 {
		return &HandshakeError{Reason: head.Reason}
	}
	if !strings.EqualFold(head.Get("Upgrade"), "websocket") {
		return &ProtocolError{Msg: "missing Upgrade: websocket"}
	}
	if !headerTokenContains(head.Get("Connection"), "upgrade") {
		return &ProtocolError{Msg: "missing Connection: upgrade"}
	}
	if head.Get("Sec-WebSocket-Accept") != acceptKey(secKey) {
		return &ProtocolError{Msg: "Sec-WebSocket-Accept mismatch"}
	}
	return nil
}

func headerTokenContains(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// Subprotocol returns the server-selected subprotocol, if any.
func (s *Session) Subprotocol() string { return s.subprotocol }

// sendFrame serializes one frame under the write lock.
func (s *Session) sendFrame(opcode byte, payload []byte, fin bool) error {
	s.mu.Lock()
	if s.state == stateClosed {
		err := error(s.closeErr)
		if s.closeErr == nil {
			err = &CloseError{Code: 1006}
		}
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	err := writeFrame(s.conn, opcode, payload, fin)
	_ = s.conn.SetWriteDeadline(time.Time{})
	if err == nil {
		metrics.WebSocketFramesTotal.WithLabelValues("out", opcodeName(opcode)).Inc()
	}
	return err
}

// SendText sends one text message.
func (s *Session) SendText(text string) error {
	return s.sendFrame(OpText, []byte(text), true)
}

// SendBytes sends one binary message.
func (s *Session) SendBytes(data []byte) error {
	return s.sendFrame(OpBinary, data, true)
}

// SendJSON sends v as a JSON text message.
func (s *Session) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.sendFrame(OpText, data, true)
}

// SendProtocol encodes v with the configured subprotocol handler and
// sends it as a binary message.
func (s *Session) SendProtocol(v any) error {
	if s.opts.Protocol == nil {
		return fmt.Errorf("no protocol handler configured")
	}
	data, err := s.opts.Protocol.Encode(v)
	if err != nil {
		return err
	}
	return s.sendFrame(OpBinary, data, true)
}

// Ping sends a PING and returns a channel that resolves with the
// matching PONG payload. Pongs are observed by whichever goroutine is
// receiving, so a pending ping needs an active consumer to resolve.
func (s *Session) Ping(payload []byte) (<-chan []byte, error) {
	if len(payload) > maxControlPayload {
		return nil, &ProtocolError{Msg: "ping payload over 125 bytes"}
	}
	ch := make(chan []byte, 1)
	s.mu.Lock()
	s.pending = append(s.pending, pingWait{payload: append([]byte(nil), payload...), ch: ch})
	s.mu.Unlock()

	if err := s.sendFrame(OpPing, payload, true); err != nil {
		s.mu.Lock()
		if n := len(s.pending); n > 0 && s.pending[n-1].ch == ch {
			s.pending = s.pending[:n-1]
		}
		s.mu.Unlock()
		return nil, err
	}
	return ch, nil
}

// resolvePong matches a PONG payload against pending pings: exact
// payload first, else the oldest waiter, since a server may answer
// only the most recent ping.
func (s *Session) resolvePong(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPong = time.Now()
	for i, w := range s.pending {
		if bytes.Equal(w.payload, payload) {
			w.ch <- append([]byte(nil), payload...)
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
	if len(s.pending) > 0 {
		s.pending[0].ch <- append([]byte(nil), payload...)
		s.pending = s.pending[1:]
	}
}

// ReceiveText receives the next text message, failing on a binary one.
func (s *Session) ReceiveText(ctx context.Context) (string, error) {
	msg, err := s.receive(ctx, s.opts.ReadTimeout)
	if err != nil {
		return "", err
	}
	if msg.Type != TextMessage {
		return "", &ProtocolError{Msg: "expected text frame, got binary"}
	}
	return msg.Text(), nil
}

// ReceiveBytes receives the next binary message, failing on text.
func (s *Session) ReceiveBytes(ctx context.Context) ([]byte, error) {
	msg, err := s.receive(ctx, s.opts.ReadTimeout)
	if err != nil {
		return nil, err
	}
	if msg.Type != BinaryMessage {
		return nil, &ProtocolError{Msg: "expected binary frame, got text"}
	}
	return msg.Data, nil
}

// ReceiveJSON receives a text message and unmarshals it into v.
func (s *Session) ReceiveJSON(ctx context.Context, v any) error {
	text, err := s.ReceiveText(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(text), v)
}

// ReceiveProtocol receives a message and decodes it with the
// configured subprotocol handler.
func (s *Session) ReceiveProtocol(ctx context.Context) (any, error) {
	if s.opts.Protocol == nil {
		return nil, fmt.Errorf("no protocol handler configured")
	}
	msg, err := s.receive(ctx, s.opts.ReadTimeout)
	if err != nil {
		return nil, err
	}
	return s.opts.Protocol.Decode(msg.Data)
}

// Next receives the next message with no per-message timeout beyond
// ctx.
func (s *Session) Next(ctx context.Context) (Message, error) {
	return s.receive(ctx, 0)
}

// Messages iterates the session until it closes. A clean close ends
// the sequence silently; anything else yields the terminal error.
func (s *Session) Messages(ctx context.Context) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		for {
			msg, err := s.receive(ctx, 0)
			if err != nil {
				var ce *CloseError
				if errors.As(err, &ce) && (ce.Code == 1000 || ce.Code == 1001 || ce.Code == 1005) {
					return
				}
				yield(Message{}, err)
				return
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

// receive reads frames until one complete data message assembles,
// handling control frames out of band along the way.
func (s *Session) receive(ctx context.Context, timeout time.Duration) (Message, error) {
	if !s.reading.CompareAndSwap(false, true) {
		return Message{}, &ConcurrentReadError{}
	}
	defer s.reading.Store(false)

	s.mu.Lock()
	if s.state == stateClosed {
		err := error(s.closeErr)
		if s.closeErr == nil {
			err = &CloseError{Code: 1006}
		}
		s.mu.Unlock()
		return Message{}, err
	}
	s.mu.Unlock()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = s.conn.SetReadDeadline(deadline)
	defer func() { _ = s.conn.SetReadDeadline(time.Time{}) }()

	var fragOpcode byte
	var fragBuf bytes.Buffer

	for {
		if err := ctx.Err(); err != nil {
			s.abort(1006, "context canceled")
			return Message{}, err
		}

		f, err := readFrame(s.conn.Reader(), s.opts.MaxFrameSize)
		if err != nil {
			return Message{}, s.readFailed(err)
		}
		metrics.WebSocketFramesTotal.WithLabelValues("in", opcodeName(f.opcode)).Inc()

		switch f.opcode {
		case OpPing:
			// Control frames may interleave fragments.
			if err := s.sendFrame(OpPong, f.payload, true); err != nil {
				return Message{}, s.readFailed(err)
			}
			continue
		case OpPong:
			s.resolvePong(f.payload)
			continue
		case OpClose:
			code, reason := parseClose(f.payload)
			return Message{}, s.peerClosed(code, reason)
		case OpText, OpBinary:
			if fragBuf.Len() > 0 || fragOpcode != 0 {
				err := &ProtocolError{Msg: "data frame interleaved with fragmented message"}
				s.abort(1002, err.Msg)
				return Message{}, err
			}
			if f.fin {
				return dataMessage(f.opcode, f.payload), nil
			}
			fragOpcode = f.opcode
			fragBuf.Write(f.payload)
		case OpContinuation:
			if fragOpcode == 0 {
				err := &ProtocolError{Msg: "continuation frame without a message"}
				s.abort(1002, err.Msg)
				return Message{}, err
			}
			if s.opts.MaxFrameSize > 0 && int64(fragBuf.Len()+len(f.payload)) > s.opts.MaxFrameSize {
				err := &FrameTooLargeError{
					Size:  int64(fragBuf.Len() + len(f.payload)),
					Limit: s.opts.MaxFrameSize,
				}
				s.abort(1009, "message too big")
				return Message{}, err
			}
			fragBuf.Write(f.payload)
			if f.fin {
				return dataMessage(fragOpcode, append([]byte(nil), fragBuf.Bytes()...)), nil
			}
		default:
			err := &ProtocolError{Msg: fmt.Sprintf("unknown opcode 0x%x", f.opcode)}
			s.abort(1002, err.Msg)
			return Message{}, err
		}
	}
}

func dataMessage(opcode byte, payload []byte) Message {
	t := TextMessage
	if opcode == OpBinary {
		t = BinaryMessage
	}
	return Message{Type: t, Data: payload, Raw: payload, Opcode: opcode}
}

// readFailed settles the session after a transport or protocol
// failure during a read.
func (s *Session) readFailed(err error) error {
	s.mu.Lock()
	if s.state == stateClosed && s.closeErr != nil {
		ce := s.closeErr
		s.mu.Unlock()
		return ce
	}
	s.mu.Unlock()

	var pe *ProtocolError
	var fe *FrameTooLargeError
	switch {
	case errors.As(err, &pe):
		s.abort(1002, pe.Msg)
		return err
	case errors.As(err, &fe):
		s.abort(1009, "frame too big")
		return err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return s.markClosed(&CloseError{Code: 1006, Reason: "connection closed without close frame"})
	}
	return err
}

// peerClosed runs the passive side of the close handshake: echo the
// code once, then surface a CloseError.
func (s *Session) peerClosed(code int, reason string) error {
	s.mu.Lock()
	sent := s.closeSent
	s.closeSent = true
	s.mu.Unlock()

	if !sent {
		echo := code
		if code == 1005 {
			echo = 1000
		}
		_ = s.sendFrame(OpClose, closePayload(echo, ""), true)
	}
	return s.markClosed(&CloseError{Code: code, Reason: reason})
}

// markClosed finalizes state and tears down the stream.
func (s *Session) markClosed(ce *CloseError) error {
	s.mu.Lock()
	first := s.state != stateClosed
	if first {
		s.state = stateClosed
		s.closeErr = ce
		for _, w := range s.pending {
			close(w.ch)
		}
		s.pending = nil
	} else if s.closeErr != nil {
		ce = s.closeErr
	}
	s.mu.Unlock()

	if first {
		s.stopKeepalive()
		_ = s.conn.Close()
		metrics.WebSocketDisconnected()
		logging.Debug("websocket session closed",
			zap.String("url", s.url), zap.Int("code", ce.Code))
	}
	return ce
}

// abort fails the connection: best-effort close frame, then teardown.
func (s *Session) abort(code int, reason string) {
	s.mu.Lock()
	sent := s.closeSent
	s.closeSent = true
	s.mu.Unlock()
	if !sent && code != 1006 {
		_ = s.sendFrame(OpClose, closePayload(code, reason), true)
	}
	_ = s.markClosed(&CloseError{Code: code, Reason: reason})
}

// Close starts the closing handshake. The default code is 1000; 1006
// never goes on the wire. When no receiver is active the session
// drains briefly for the peer's close frame before dropping TCP.
func (s *Session) Close(code int, reason string) error {
	if code == 0 {
		code = 1000
	}

	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = stateClosing
	sent := s.closeSent
	s.closeSent = true
	s.mu.Unlock()

	s.stopKeepalive()

	if !sent && code != 1006 {
		_ = s.sendFrame(OpClose, closePayload(code, reason), true)
	}

	// Wait for the echoed close when we can read without stepping on
	// a concurrent consumer.
	if s.reading.CompareAndSwap(false, true) {
		_ = s.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			f, err := readFrame(s.conn.Reader(), s.opts.MaxFrameSize)
			if err != nil {
				break
			}
			if f.opcode == OpClose {
				break
			}
		}
		s.reading.Store(false)
	}

	_ = s.markClosed(&CloseError{Code: code, Reason: reason})
	return nil
}

// keepaliveLoop pings every PingInterval and fails the session with
// 1011 when pongs stop arriving. Pongs are seen by the consumer's
// reads, so the timer only makes sense alongside an active receiver.
// The goroutine's lifetime is tied to the session: Close stops it.
func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.keepaliveStop:
			return
		case <-ticker.C:
			s.mu.Lock()
			late := time.Since(s.lastPong) > s.opts.PingInterval+s.opts.PongTimeout
			s.mu.Unlock()
			if late {
				logging.Warn("websocket keepalive pong overdue, closing",
					zap.String("url", s.url))
				_ = s.Close(1011, "keepalive timeout")
				return
			}
			if err := s.sendFrame(OpPing, nil, true); err != nil {
				return
			}
		}
	}
}

func (s *Session) stopKeepalive() {
	s.keepaliveOnce.Do(func() { close(s.keepaliveStop) })
}

func opcodeName(opcode byte) string {
	switch opcode {
	case OpContinuation:
		return "cont"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	}
	return "unknown"
}
