package jobs

import (
	"context"
	"log"
	"sync"
	"time"
)

// intervalSchedule is the timing shared by fixed-interval jobs
type intervalSchedule struct {
	mu         sync.Mutex
	interval   time.Duration
	firstDelay time.Duration
	lastRun    time.Time
	now        func() time.Time
}

func (s *intervalSchedule) markRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun = s.now()
	return s.lastRun
}

// GetNextRunTime is firstDelay after startup, then every interval
func (s *intervalSchedule) GetNextRunTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun.IsZero() {
		return s.now().Add(s.firstDelay)
	}
	return s.lastRun.Add(s.interval)
}

// IdleSweeper closes browser contexts idle longer than maxIdle
type IdleSweeper interface {
	CloseIdleContexts(maxIdle time.Duration) int
}

// PoolSweepJob evicts idle browser contexts so Chrome memory does not creep
type PoolSweepJob struct {
	intervalSchedule
	pool        IdleSweeper
	idleTimeout time.Duration
}

// NewPoolSweepJob sweeps every interval, closing contexts idle for idleTimeout
func NewPoolSweepJob(pool IdleSweeper, interval, idleTimeout time.Duration) *PoolSweepJob {
	return &PoolSweepJob{
		intervalSchedule: intervalSchedule{interval: interval, firstDelay: interval, now: time.Now},
		pool:             pool,
		idleTimeout:      idleTimeout,
	}
}

// Run performs one sweep
func (j *PoolSweepJob) Run(ctx context.Context) error {
	j.markRun()
	if closed := j.pool.CloseIdleContexts(j.idleTimeout); closed > 0 {
		log.Printf("🧹 [POOL-SWEEP] Closed %d idle browser contexts", closed)
	}
	return nil
}

// StaleAuditStore fails audits abandoned in progress
type StaleAuditStore interface {
	FailStaleAudits(ctx context.Context, cutoff time.Time) (int64, error)
}

// StaleAuditCleanupJob fails audits whose run died before finalizing, such as after
// a crash or redeploy
type StaleAuditCleanupJob struct {
	intervalSchedule
	audits StaleAuditStore
	maxAge time.Duration
}

// NewStaleAuditCleanupJob fails audits in progress for longer than maxAge
func NewStaleAuditCleanupJob(audits StaleAuditStore, interval, maxAge time.Duration) *StaleAuditCleanupJob {
	return &StaleAuditCleanupJob{
		intervalSchedule: intervalSchedule{interval: interval, firstDelay: time.Minute, now: time.Now},
		audits:           audits,
		maxAge:           maxAge,
	}
}

// Run performs one cleanup pass
func (j *StaleAuditCleanupJob) Run(ctx context.Context) error {
	cutoff := j.markRun().Add(-j.maxAge)

	n, err := j.audits.FailStaleAudits(ctx, cutoff)
	if err != nil {
		log.Printf("❌ [AUDIT-CLEANUP] Failed to clean up stale audits: %v", err)
		return err
	}
	if n > 0 {
		log.Printf("🧹 [AUDIT-CLEANUP] Marked %d abandoned sync audits as failed (started before %s)",
			n, cutoff.Format(time.RFC3339))
	}
	return nil
}
