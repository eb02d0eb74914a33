package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/actor"
	"github.com/JakeFAU/sitemirror/internal/crawler"
)

// Config controls buffering and batching for the Hub.
//   - Node: label attached to every event (default "local").
//   - BufferSize: capacity of the event channel (default 1024).
//   - MaxBatchEvents: flush once this many events queue (default 256).
//   - MaxBatchWait: flush a partial batch after this long (default 500ms).
//   - SinkTimeout: per-sink deadline while flushing (default 10s).
//   - Coalesce: hand sinks only the newest event per job in each batch.
//   - Clock: timestamps events (defaults to the wall clock).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	Node           string
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	Coalesce       bool
	Clock          crawler.Clock
	Logger         *zap.Logger
}

const (
	defaultNode           = "local"
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Node == "" {
		c.Node = defaultNode
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.Clock == nil {
		c.Clock = wallClock{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Hub batches Events on a background goroutine and fans each batch out to
// its sinks in order. Emit never blocks; when the buffer is full the event
// is dropped.
type Hub struct {
	cfg     Config
	sinks   []Sink
	events  chan Event
	stop    chan struct{}
	done    chan struct{}
	logger  *zap.Logger
	drops   dropCounter
	closed  atomic.Bool
	baseCtx context.Context

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub delivering to sinks. Sink calls derive their context
// from ctx.
func NewHub(ctx context.Context, cfg Config, sinks ...Sink) *Hub {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:     cfg,
		sinks:   append([]Sink(nil), sinks...),
		events:  make(chan Event, cfg.BufferSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  cfg.Logger,
		drops:   dropCounter{interval: dropLogInterval},
		baseCtx: context.WithoutCancel(ctx),
	}
	go h.run()
	return h
}

// Emit enqueues evt. Invalid events and events emitted after Close are
// discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		if n, ok := h.drops.record(time.Now()); ok {
			h.logger.Warn("progress events dropped", zap.Int64("dropped", n))
		}
	}
}

// Subscriber returns a Ref that job coordinators can publish to. Every
// JobStatusUpdate it receives becomes an Event of this hub's node.
func (h *Hub) Subscriber() actor.Ref {
	return actor.NewFuncRef("progress/"+h.cfg.Node, func(msg any) {
		if update, ok := msg.(crawler.JobStatusUpdate); ok {
			h.Emit(NewEvent(h.cfg.Node, update, h.cfg.Clock.Now()))
		}
	})
}

// Close drains buffered events, flushes them, closes the sinks and waits for
// the background goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)
	b := batcher{
		max:   h.cfg.MaxBatchEvents,
		wait:  h.cfg.MaxBatchWait,
		timer: time.NewTimer(h.cfg.MaxBatchWait),
		flush: h.flush,
	}
	b.timer.Stop()
	for {
		select {
		case evt := <-h.events:
			b.add(evt)
		case <-b.timer.C:
			b.armed = false
			b.flushNow()
		case <-h.stop:
			b.disarm()
			for drained := false; !drained; {
				select {
				case evt := <-h.events:
					b.add(evt)
				default:
					drained = true
				}
			}
			b.disarm()
			b.flushNow()
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) flush(batch []Event) {
	out := append([]Event(nil), batch...)
	if h.cfg.Coalesce {
		out = Latest(out)
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.baseCtx, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Int("events", len(out)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

// batcher accumulates events until the batch is full or the timer fires.
type batcher struct {
	max   int
	wait  time.Duration
	timer *time.Timer
	armed bool
	batch []Event
	flush func([]Event)
}

func (b *batcher) add(evt Event) {
	b.batch = append(b.batch, evt)
	if len(b.batch) >= b.max {
		b.disarm()
		b.flushNow()
		return
	}
	if !b.armed {
		b.timer.Reset(b.wait)
		b.armed = true
	}
}

func (b *batcher) flushNow() {
	if len(b.batch) == 0 {
		return
	}
	b.flush(b.batch)
	b.batch = b.batch[:0]
}

func (b *batcher) disarm() {
	if !b.armed {
		return
	}
	if !b.timer.Stop() {
		select {
		case <-b.timer.C:
		default:
		}
	}
	b.armed = false
}

// dropCounter counts dropped events and allows one log line per interval.
type dropCounter struct {
	interval time.Duration
	dropped  atomic.Int64
	last     atomic.Int64
}

func (d *dropCounter) record(now time.Time) (int64, bool) {
	d.dropped.Add(1)
	nano := now.UnixNano()
	last := d.last.Load()
	if nano-last < d.interval.Nanoseconds() || !d.last.CompareAndSwap(last, nano) {
		return 0, false
	}
	return d.dropped.Swap(0), true
}
