package casesync

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"pimssync/internal/logging"
	"pimssync/internal/metrics"
	"pimssync/internal/models"
	"pimssync/internal/progress"
	"pimssync/internal/retry"
)

// Deps are the collaborators shared by every phase of one clinic
type Deps struct {
	ClinicID string
	Provider string

	Cases    CaseStore
	Audits   AuditStore
	Progress progress.Writer // optional

	// ProgressInterval is the throttler's minimum write spacing
	ProgressInterval time.Duration

	// StoreRetry wraps datastore reads and writes
	StoreRetry retry.Policy

	Now func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.StoreRetry.ShouldRetry == nil {
		d.StoreRetry = retry.DefaultPolicy()
	}
	if d.ProgressInterval <= 0 {
		d.ProgressInterval = progress.DefaultMinInterval
	}
	return d
}

func (d Deps) source() string {
	return models.PimsSource(d.Provider)
}

// bookkeepingTimeout bounds audit and final progress writes, which outlive a
// cancelled run
const bookkeepingTimeout = 10 * time.Second

// bookkeepingContext keeps ctx values but not its cancellation
func bookkeepingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}

// phaseRun tracks one phase invocation from audit start to result
type phaseRun struct {
	deps      Deps
	syncID    string
	phase     models.SyncPhase
	window    *models.DateRange
	started   time.Time
	logger    *slog.Logger
	throttler *progress.Throttler

	stats  models.SyncStats
	errors []models.SyncError
	fatal  error
}

func startRun(ctx context.Context, deps Deps, phase models.SyncPhase, window *models.DateRange) *phaseRun {
	r := &phaseRun{
		deps:    deps,
		syncID:  uuid.New().String(),
		phase:   phase,
		window:  window,
		started: deps.Now(),
	}
	r.logger = logging.WithSync(r.syncID, string(phase), deps.ClinicID)
	if deps.Progress != nil {
		r.throttler = progress.NewThrottler(deps.Progress, deps.ProgressInterval)
	}

	audit := &models.SyncAudit{
		SyncID:    r.syncID,
		ClinicID:  deps.ClinicID,
		Phase:     phase,
		Status:    models.AuditStatusInProgress,
		Window:    window,
		StartedAt: r.started,
	}
	auditCtx, cancel := bookkeepingContext(ctx)
	defer cancel()
	if err := deps.Audits.StartAudit(auditCtx, audit); err != nil {
		r.logger.Warn("failed to write audit start", "error", err)
	}

	r.logger.Info("sync phase started")
	r.report(ctx, 0, 0, true)
	return r
}

// itemFailed records a per-item failure; processing continues
func (r *phaseRun) itemFailed(err error, fields map[string]any) {
	r.stats.Failed++
	r.errors = append(r.errors, models.SyncError{Message: err.Error(), Context: fields})
	metrics.SyncItems.WithLabelValues(string(r.phase), "failed").Inc()
}

// abort records a phase-level failure. The run still finalizes its audit.
func (r *phaseRun) abort(err error) {
	r.fatal = err
	r.errors = append(r.errors, models.SyncError{
		Message: err.Error(),
		Context: map[string]any{"phase": string(r.phase)},
	})
}

func (r *phaseRun) count(outcome string) {
	switch outcome {
	case "created":
		r.stats.Created++
	case "updated":
		r.stats.Updated++
	case "skipped":
		r.stats.Skipped++
	case "deleted":
		r.stats.Deleted++
	}
	metrics.SyncItems.WithLabelValues(string(r.phase), outcome).Inc()
}

func (r *phaseRun) report(ctx context.Context, processed, total int, force bool) {
	if r.throttler == nil {
		return
	}
	update := models.NewProgressUpdate(r.syncID, r.deps.ClinicID, r.phase, processed, total)
	if total == 0 && !force {
		return
	}
	if processed == 0 && total == 0 {
		// the opening sample is 0%, not an empty completed run
		update.Percentage = 0
	}
	update.UpdatedAt = r.deps.Now()
	r.throttler.QueueUpdate(ctx, update, force)
}

func (r *phaseRun) progress(ctx context.Context) {
	r.report(ctx, r.stats.Processed(), r.stats.Total, false)
}

// finish flushes progress, finalizes the audit row and builds the result
func (r *phaseRun) finish(ctx context.Context) models.SyncResult {
	finished := r.deps.Now()
	duration := finished.Sub(r.started)

	ctx, cancel := bookkeepingContext(ctx)
	defer cancel()

	if r.throttler != nil {
		r.throttler.Flush(ctx)
		final := models.NewProgressUpdate(r.syncID, r.deps.ClinicID, r.phase, r.stats.Processed(), r.stats.Total)
		final.Percentage = 100
		if r.fatal != nil {
			final.Message = r.fatal.Error()
		}
		final.UpdatedAt = finished
		r.throttler.QueueUpdate(ctx, final, true)
	}

	status := models.AuditStatusCompleted
	errMsg := ""
	if r.fatal != nil {
		status = models.AuditStatusFailed
		errMsg = r.fatal.Error()
	} else if len(r.errors) > 0 {
		errMsg = fmt.Sprintf("%d items failed", len(r.errors))
	}

	audit := &models.SyncAudit{
		SyncID:       r.syncID,
		ClinicID:     r.deps.ClinicID,
		Phase:        r.phase,
		Status:       status,
		Window:       r.window,
		Stats:        r.stats,
		ErrorMessage: errMsg,
		ErrorCount:   len(r.errors),
		StartedAt:    r.started,
		CompletedAt:  &finished,
		DurationMs:   duration.Milliseconds(),
	}
	if err := r.deps.Audits.FinishAudit(ctx, audit); err != nil {
		r.logger.Warn("failed to finalize audit", "error", err)
	}

	metrics.SyncRuns.WithLabelValues(string(r.phase), string(status)).Inc()
	metrics.SyncPhaseDuration.WithLabelValues(string(r.phase)).Observe(duration.Seconds())

	result := models.SyncResult{
		Success:    len(r.errors) == 0,
		SyncID:     r.syncID,
		Phase:      r.phase,
		Stats:      r.stats,
		DurationMs: duration.Milliseconds(),
		Errors:     r.errors,
	}

	if r.fatal != nil {
		log.Printf("❌ [%s] Phase failed for clinic %s: %v", phaseTag(r.phase), r.deps.ClinicID, r.fatal)
	} else {
		log.Printf("✅ [%s] Clinic %s: total=%d created=%d updated=%d skipped=%d deleted=%d failed=%d (%dms)",
			phaseTag(r.phase), r.deps.ClinicID, r.stats.Total, r.stats.Created, r.stats.Updated,
			r.stats.Skipped, r.stats.Deleted, r.stats.Failed, result.DurationMs)
	}
	return result
}

// withStoreRetry runs a datastore call under the store retry policy
func withStoreRetry[T any](ctx context.Context, r *phaseRun, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	policy := r.deps.StoreRetry
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		metrics.RetryAttempts.WithLabelValues(op).Inc()
		r.logger.Warn("retrying datastore call", "op", op, "attempt", attempt, "delay", delay, "error", err)
	}
	res := retry.Do(ctx, policy, fn)
	return res.Data, res.Err
}

func phaseTag(phase models.SyncPhase) string {
	switch phase {
	case models.SyncPhaseInbound:
		return "INBOUND-SYNC"
	case models.SyncPhaseEnrichment:
		return "ENRICHMENT"
	case models.SyncPhaseReconcile:
		return "RECONCILER"
	default:
		return "ORCHESTRATOR"
	}
}
