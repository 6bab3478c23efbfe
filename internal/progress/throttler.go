package progress

import (
	"context"
	"log"
	"sync"
	"time"

	"pimssync/internal/metrics"
	"pimssync/internal/models"
)

// DefaultMinInterval is the minimum spacing between durable progress writes
const DefaultMinInterval = time.Second

// deferredWriteTimeout bounds writes issued from the throttle timer
const deferredWriteTimeout = 10 * time.Second

// Writer persists one progress sample
type Writer interface {
	WriteProgress(ctx context.Context, update models.ProgressUpdate) error
}

// Timer is the subset of *time.Timer the throttler needs
type Timer interface {
	Stop() bool
}

// Clock is a seam for deterministic tests
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time                            { return time.Now() }
func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Throttler coalesces progress updates into at most one write per interval. The
// first, forced and 100% updates are written immediately; anything else is buffered
// and the latest buffered update is written when the interval elapses.
type Throttler struct {
	writer      Writer
	minInterval time.Duration
	clock       Clock

	mu        sync.Mutex
	written   bool
	lastWrite time.Time
	pending   *models.ProgressUpdate
	timer     Timer
	seq       uint64

	// writes are serialized and any sample older than the last one written is dropped
	writeMu    sync.Mutex
	writtenSeq uint64
}

// NewThrottler creates a throttler writing through w
func NewThrottler(w Writer, minInterval time.Duration) *Throttler {
	return NewThrottlerWithClock(w, minInterval, realClock{})
}

// NewThrottlerWithClock is NewThrottler with an injected clock
func NewThrottlerWithClock(w Writer, minInterval time.Duration, clock Clock) *Throttler {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &Throttler{writer: w, minInterval: minInterval, clock: clock}
}

// QueueUpdate writes update now or buffers it for the next slot
func (t *Throttler) QueueUpdate(ctx context.Context, update models.ProgressUpdate, forceImmediate bool) {
	t.mu.Lock()
	now := t.clock.Now()
	elapsed := now.Sub(t.lastWrite)

	immediate := !t.written || forceImmediate || update.IsComplete() || elapsed >= t.minInterval
	if immediate {
		t.stopTimerLocked()
		t.pending = nil
		seq := t.markWrittenLocked(now)
		t.mu.Unlock()

		t.write(ctx, seq, update)
		return
	}

	u := update
	t.pending = &u
	if t.timer == nil {
		t.timer = t.clock.AfterFunc(t.minInterval-elapsed, t.fire)
	}
	t.mu.Unlock()
}

// Flush writes any buffered update and cancels the pending timer. Call it before
// finalizing a run so the last sample is not lost.
func (t *Throttler) Flush(ctx context.Context) {
	t.mu.Lock()
	t.stopTimerLocked()
	pending := t.pending
	t.pending = nil
	var seq uint64
	if pending != nil {
		seq = t.markWrittenLocked(t.clock.Now())
	}
	t.mu.Unlock()

	if pending != nil {
		t.write(ctx, seq, *pending)
	}
}

func (t *Throttler) fire() {
	t.mu.Lock()
	t.timer = nil
	pending := t.pending
	t.pending = nil
	var seq uint64
	if pending != nil {
		seq = t.markWrittenLocked(t.clock.Now())
	}
	t.mu.Unlock()

	if pending == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), deferredWriteTimeout)
	defer cancel()
	t.write(ctx, seq, *pending)
}

// markWrittenLocked records a write slot and returns its sequence number
func (t *Throttler) markWrittenLocked(now time.Time) uint64 {
	t.written = true
	t.lastWrite = now
	t.seq++
	return t.seq
}

func (t *Throttler) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// write never fails the caller; progress is diagnostic
func (t *Throttler) write(ctx context.Context, seq uint64, update models.ProgressUpdate) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if seq <= t.writtenSeq {
		metrics.ProgressWrites.WithLabelValues("stale").Inc()
		return
	}
	t.writtenSeq = seq

	if update.UpdatedAt.IsZero() {
		update.UpdatedAt = t.clock.Now()
	}
	if err := t.writer.WriteProgress(ctx, update); err != nil {
		metrics.ProgressWrites.WithLabelValues("error").Inc()
		log.Printf("⚠️  [PROGRESS] Failed to write progress for %s (%d/%d): %v", update.SyncID, update.Processed, update.Total, err)
		return
	}
	metrics.ProgressWrites.WithLabelValues("ok").Inc()
}
