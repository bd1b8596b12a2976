// Package heartbeat implements C10: a bounded, batched drain of worker
// telemetry into the datastore, plus the periodic dead-session GC sweep
// that backstops C6's per-socket heartbeat timeout.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/airelay/airelay/internal/metrics"
	"github.com/airelay/airelay/internal/store"
)

const (
	// DefaultCapacity bounds the in-flight heartbeat channel (spec §5
	// resource caps).
	DefaultCapacity = 10_000

	// DefaultBatchSize (B) and DefaultFlushInterval (T_flush) are the
	// two flush triggers: whichever condition is met first empties the
	// pending batch (spec §4.10).
	DefaultBatchSize     = 100
	DefaultFlushInterval = 5 * time.Second

	// DefaultGCInterval (T_gc) paces the registry dead-session sweep.
	DefaultGCInterval = 60 * time.Second

	// DefaultHeartbeatDeadAfter (T_heartbeat_dead) is how stale a
	// session's last heartbeat may be before the sweep considers it
	// dead, independent of the TCP keepalive probe in C6.
	DefaultHeartbeatDeadAfter = 90 * time.Second
)

// Sink is the subset of internal/store.Store the drain writes batches
// to.
type Sink interface {
	InsertHeartbeats(ctx context.Context, batch []store.HeartbeatEvent) error
}

// Registry is the subset of internal/registry.Registry the GC sweep
// needs.
type Registry interface {
	EvictDeadBefore(cutoff time.Time) []string
}

// Config holds the tunables from spec §5/§6.4.
type Config struct {
	Capacity            int
	BatchSize           int
	FlushInterval       time.Duration
	GCInterval          time.Duration
	HeartbeatDeadAfter  time.Duration
}

func (c *Config) setDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.GCInterval <= 0 {
		c.GCInterval = DefaultGCInterval
	}
	if c.HeartbeatDeadAfter <= 0 {
		c.HeartbeatDeadAfter = DefaultHeartbeatDeadAfter
	}
}

// Drain buffers store.HeartbeatEvent rows in a bounded channel and
// flushes them to a Sink in batches, either by size or by a flush
// timeout, whichever comes first. Submit never blocks: a full channel
// drops the event and increments a counter (spec §4.10: "heartbeats
// are allowed to be lossy under backpressure; the event stream is not").
type Drain struct {
	cfg  Config
	sink Sink
	ch   chan store.HeartbeatEvent

	now func() time.Time
}

// New constructs a Drain. Zero-valued Config fields take their spec
// defaults.
func New(sink Sink, cfg Config) *Drain {
	cfg.setDefaults()
	return &Drain{
		cfg:  cfg,
		sink: sink,
		ch:   make(chan store.HeartbeatEvent, cfg.Capacity),
		now:  time.Now,
	}
}

// Submit enqueues ev for the next flush. Non-blocking: if the channel
// is full, ev is dropped and HeartbeatsDroppedTotal is incremented.
func (d *Drain) Submit(ev store.HeartbeatEvent) {
	metrics.HeartbeatsReceivedTotal.Inc()
	select {
	case d.ch <- ev:
	default:
		metrics.HeartbeatsDroppedTotal.Inc()
		slog.Warn("heartbeat: dropped event, drain channel full", "worker_id", ev.WorkerID)
	}
}

// Run drains d.ch until ctx is cancelled, flushing on batch size or
// flush-interval timeout. On cancellation it flushes whatever remains
// before returning. Run is intended to be launched once in its own
// goroutine.
func (d *Drain) Run(ctx context.Context) {
	batch := make([]store.HeartbeatEvent, 0, d.cfg.BatchSize)
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		d.flush(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case ev := <-d.ch:
			batch = append(batch, ev)
			if len(batch) >= d.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (d *Drain) flush(ctx context.Context, batch []store.HeartbeatEvent) {
	start := d.now()
	toWrite := make([]store.HeartbeatEvent, len(batch))
	copy(toWrite, batch)

	if err := d.sink.InsertHeartbeats(ctx, toWrite); err != nil {
		slog.Error("heartbeat: batch flush failed", "count", len(toWrite), "error", err)
		return
	}
	metrics.HeartbeatFlushDuration.Observe(d.now().Sub(start).Seconds())
}

// RunGC periodically evicts registry sessions whose last heartbeat is
// older than HeartbeatDeadAfter, until ctx is cancelled. This is a
// safety net: the normal path is each session's own control-socket
// read loop (C6) detecting the timeout and closing itself; RunGC
// catches sessions whose read loop is itself wedged.
func RunGC(ctx context.Context, reg Registry, cfg Config) {
	cfg.setDefaults()
	ticker := time.NewTicker(cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-cfg.HeartbeatDeadAfter)
			evicted := reg.EvictDeadBefore(cutoff)
			if len(evicted) > 0 {
				slog.Info("heartbeat: GC evicted stale sessions", "count", len(evicted), "worker_ids", evicted)
			}
		}
	}
}
