package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zulfikawr/pulse/internal/logging"
	"github.com/zulfikawr/pulse/internal/metrics"
)

// Kind selects a pool variant.
type Kind int

const (
	// KindSmart prefers reusing still-alive idle connections (LIFO)
	// and opens new ones on demand. The default.
	KindSmart Kind = iota
	// KindCyclic rotates through a fixed ring of slots (FIFO) for
	// callers that want predictable reuse patterns.
	KindCyclic
)

// Config tunes one pool. The zero value of a limit means unlimited.
type Config struct {
	// Size is the hard cap on connections held or leased at once.
	Size int
	// MaxConnRequests retires a connection after this many exchanges.
	MaxConnRequests int
	// MaxConnIdle retires a connection idle longer than this.
	MaxConnIdle time.Duration
	// Kind selects the pool variant.
	Kind Kind
}

// DefaultSize is the per-pool connection cap when Config.Size is 0.
const DefaultSize = 25

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = DefaultSize
	}
	return c
}

// AcquireTimeoutError reports that no pool slot freed up in time.
type AcquireTimeoutError struct {
	Origin string
	Wait   time.Duration
}

func (e *AcquireTimeoutError) Error() string {
	return fmt.Sprintf("no pool slot for %s within %v", e.Origin, e.Wait)
}

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = fmt.Errorf("connection pool is closed")

// DialFunc opens a new connection for a key. Supplied by the Connector.
type DialFunc func(ctx context.Context, key Key) (*Conn, error)

// Stats is a point-in-time snapshot of a pool.
type Stats struct {
	Size    int
	Idle    int
	Leased  int
	Created int64 // connections opened over the pool's lifetime
	Served  int64 // exchanges carried over the pool's lifetime
}

// Pool is the connection-pool capability. Built-in variants are
// SmartPool and CyclicPool; embedders may supply their own.
//
// Acquire honors ctx for the slot wait; the returned connection is
// leased to exactly one request until Release or Detach.
type Pool interface {
	Acquire(ctx context.Context, key Key) (*Conn, error)
	Release(c *Conn)
	Detach(c *Conn)
	Close() error
	Stats() Stats
}

// New builds a pool of the configured kind.
func New(cfg Config, dial DialFunc) Pool {
	cfg = cfg.withDefaults()
	if cfg.Kind == KindCyclic {
		return newCyclicPool(cfg, dial)
	}
	return newSmartPool(cfg, dial)
}

// SmartPool reuses idle connections LIFO per key and opens new ones
// when none survive the reuse checks. A slot semaphore bounds leased
// connections; waiters are served FIFO.
type SmartPool struct {
	cfg  Config
	dial DialFunc

	slots chan struct{} // filled permit = leased or opening

	mu      sync.Mutex
	idle    map[Key][]*Conn
	leased  int
	closed  bool
	created int64
	served  int64
}

func newSmartPool(cfg Config, dial DialFunc) *SmartPool {
	return &SmartPool{
		cfg:   cfg,
		dial:  dial,
		slots: make(chan struct{}, cfg.Size),
		idle:  make(map[Key][]*Conn),
	}
}

// Acquire leases a connection for key: first a surviving idle one
// (most recently used first), otherwise a freshly dialed one.
func (p *SmartPool) Acquire(ctx context.Context, key Key) (*Conn, error) {
	start := time.Now()
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		metrics.PoolAcquireTimeouts.Inc()
		return nil, &AcquireTimeoutError{Origin: key.Origin(), Wait: time.Since(start)}
	}
	metrics.PoolAcquireWait.Observe(time.Since(start).Seconds())

	if c := p.takeIdle(key); c != nil {
		metrics.RecordConnReuse()
		return c, nil
	}

	c, err := p.dial(ctx, key)
	if err != nil {
		<-p.slots
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = c.Close()
		<-p.slots
		return nil, ErrPoolClosed
	}
	p.leased++
	p.created++
	p.mu.Unlock()
	metrics.RecordConnOpen(key.Scheme)
	return c, nil
}

// takeIdle pops idle connections LIFO, closing any that violate the
// reuse conditions, and returns the first survivor.
func (p *SmartPool) takeIdle(key Key) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	stack := p.idle[key]
	now := time.Now()
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		ok, reason := c.reusable(p.cfg, now)
		if ok {
			p.idle[key] = stack
			p.leased++
			return c
		}
		logging.Debug("discarding idle connection",
			zap.String("key", key.String()), zap.String("reason", reason))
		metrics.RecordConnClose(reason)
		_ = c.Close()
	}
	delete(p.idle, key)
	return nil
}

// Release returns a leased connection. Reusable connections go back on
// the idle stack; the rest are closed. Either way the slot frees up.
func (p *SmartPool) Release(c *Conn) {
	p.mu.Lock()
	p.leased--
	p.served++
	keep := !p.closed && c.KeepAlive() &&
		(p.cfg.MaxConnRequests == 0 || c.RequestsServed() < p.cfg.MaxConnRequests)
	if keep {
		p.idle[c.key] = append(p.idle[c.key], c)
	}
	p.mu.Unlock()

	if !keep {
		metrics.RecordConnClose("keepalive")
		_ = c.Close()
	}
	<-p.slots
}

// Detach removes a leased connection from the pool's accounting
// without closing it; the caller owns it from here on. Used when a
// WebSocket session takes over the stream.
func (p *SmartPool) Detach(c *Conn) {
	p.mu.Lock()
	p.leased--
	p.mu.Unlock()
	c.detached = true
	<-p.slots
}

// Close drains the idle set. Leased connections are closed as they
// come back through Release.
func (p *SmartPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for key, stack := range p.idle {
		for _, c := range stack {
			metrics.RecordConnClose("shutdown")
			_ = c.Close()
		}
		delete(p.idle, key)
	}
	return nil
}

// Stats implements Pool.
func (p *SmartPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := 0
	for _, stack := range p.idle {
		idle += len(stack)
	}
	return Stats{Size: p.cfg.Size, Idle: idle, Leased: p.leased, Created: p.created, Served: p.served}
}

// CyclicPool rotates a fixed ring of slots FIFO. Each slot lazily
// opens its connection on first use and keeps it until the reuse
// conditions retire it.
type CyclicPool struct {
	cfg  Config
	dial DialFunc

	ring chan *cyclicSlot

	mu      sync.Mutex
	leased  int
	closed  bool
	created int64
	served  int64
}

type cyclicSlot struct {
	index int
	conn  *Conn
}

func newCyclicPool(cfg Config, dial DialFunc) *CyclicPool {
	p := &CyclicPool{
		cfg:  cfg,
		dial: dial,
		ring: make(chan *cyclicSlot, cfg.Size),
	}
	for i := 0; i < cfg.Size; i++ {
		p.ring <- &cyclicSlot{index: i}
	}
	return p
}

// Acquire takes the next slot in rotation, dialing lazily or replacing
// a connection that no longer passes the reuse checks.
func (p *CyclicPool) Acquire(ctx context.Context, key Key) (*Conn, error) {
	start := time.Now()
	var slot *cyclicSlot
	select {
	case slot = <-p.ring:
	case <-ctx.Done():
		metrics.PoolAcquireTimeouts.Inc()
		return nil, &AcquireTimeoutError{Origin: key.Origin(), Wait: time.Since(start)}
	}
	metrics.PoolAcquireWait.Observe(time.Since(start).Seconds())

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.ring <- slot
		return nil, ErrPoolClosed
	}

	if slot.conn != nil {
		ok, reason := slot.conn.reusable(p.cfg, time.Now())
		if ok && slot.conn.key == key {
			p.mu.Lock()
			p.leased++
			p.mu.Unlock()
			metrics.RecordConnReuse()
			slot.conn.slotIndex = slot.index
			return slot.conn, nil
		}
		if !ok {
			metrics.RecordConnClose(reason)
		} else {
			metrics.RecordConnClose("key_changed")
		}
		_ = slot.conn.Close()
		slot.conn = nil
	}

	c, err := p.dial(ctx, key)
	if err != nil {
		p.ring <- slot
		return nil, err
	}
	c.slotIndex = slot.index
	slot.conn = c
	p.mu.Lock()
	p.leased++
	p.created++
	p.mu.Unlock()
	metrics.RecordConnOpen(key.Scheme)
	return c, nil
}

// Release resets the slot state and puts it at the back of the ring.
func (p *CyclicPool) Release(c *Conn) {
	p.mu.Lock()
	p.leased--
	p.served++
	closed := p.closed
	p.mu.Unlock()

	slot := &cyclicSlot{index: c.slotIndex}
	if !closed && c.KeepAlive() &&
		(p.cfg.MaxConnRequests == 0 || c.RequestsServed() < p.cfg.MaxConnRequests) {
		slot.conn = c
	} else {
		metrics.RecordConnClose("keepalive")
		_ = c.Close()
	}
	p.ring <- slot
}

// Detach implements Pool.
func (p *CyclicPool) Detach(c *Conn) {
	p.mu.Lock()
	p.leased--
	p.mu.Unlock()
	c.detached = true
	p.ring <- &cyclicSlot{index: c.slotIndex}
}

// Close closes every idle slot's connection.
func (p *CyclicPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case slot := <-p.ring:
			if slot.conn != nil {
				metrics.RecordConnClose("shutdown")
				_ = slot.conn.Close()
				slot.conn = nil
			}
			// Slots are not returned; the pool is unusable after Close.
		default:
			return nil
		}
	}
}

// Stats implements Pool.
func (p *CyclicPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := 0
	var held []*cyclicSlot
drain:
	for {
		select {
		case slot := <-p.ring:
			if slot.conn != nil {
				idle++
			}
			held = append(held, slot)
		default:
			break drain
		}
	}
	for _, slot := range held {
		p.ring <- slot
	}
	return Stats{Size: p.cfg.Size, Idle: idle, Leased: p.leased, Created: p.created, Served: p.served}
}
