package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/iliyamo/storefront-auth/internal/model"
)

// Sink persists or forwards one entry.
type Sink interface {
	Write(ctx context.Context, e model.AuditEntry) error
}

// SinkFunc adapts a function such as AuditRepo.Insert to a Sink.
type SinkFunc func(ctx context.Context, e model.AuditEntry) error

func (f SinkFunc) Write(ctx context.Context, e model.AuditEntry) error { return f(ctx, e) }

// Config tunes a Dispatcher. Zero values get defaults.
type Config struct {
	BufferSize   int
	WriteTimeout time.Duration
	Log          zerolog.Logger
	OnDrop       func()
	OnFail       func(error)
}

// Dispatcher decouples request handling from audit writes: Emit never blocks,
// a single worker drains the buffer into the sink, and entries that do not
// fit are dropped and counted.
type Dispatcher struct {
	sink    Sink
	cfg     Config
	ch      chan model.AuditEntry
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.OnDrop == nil {
		cfg.OnDrop = func() {}
	}
	if cfg.OnFail == nil {
		cfg.OnFail = func(error) {}
	}
	d := &Dispatcher{
		sink: sink,
		cfg:  cfg,
		ch:   make(chan model.AuditEntry, cfg.BufferSize),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

// Emit queues e and reports whether it was accepted.
func (d *Dispatcher) Emit(e model.AuditEntry) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(e, "closed")
		return false
	}
	select {
	case d.ch <- e:
		return true
	default:
		d.drop(e, "buffer full")
		return false
	}
}

func (d *Dispatcher) drop(e model.AuditEntry, why string) {
	d.dropped.Add(1)
	d.cfg.OnDrop()
	d.cfg.Log.Warn().Str("action", string(e.Action)).Str("endpoint", e.Endpoint).Msgf("audit entry dropped: %s", why)
}

// Dropped returns how many entries were discarded so far.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.ch {
		d.write(e)
	}
}

func (d *Dispatcher) write(e model.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.WriteTimeout)
	defer cancel()
	if err := d.sink.Write(ctx, e); err != nil {
		d.cfg.OnFail(err)
		d.cfg.Log.Error().Err(err).Str("id", e.ID).Str("action", string(e.Action)).Msg("audit write failed")
	}
}

// Close stops accepting entries and waits until the buffer is drained or
// ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.ch)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
