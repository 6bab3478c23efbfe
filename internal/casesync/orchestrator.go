package casesync

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"pimssync/internal/models"
)

// OrchestratorConfig sets the bidirectional windows in days
type OrchestratorConfig struct {
	LookbackDays  int
	LookaheadDays int
	ReconcileDays int
	LockTTL       time.Duration
}

// DefaultOrchestratorConfig is 14 days back, 14 days forward, 7 days reconciled
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		LookbackDays:  14,
		LookaheadDays: 14,
		ReconcileDays: DefaultReconcileDays,
		LockTTL:       30 * time.Minute,
	}
}

// Orchestrator composes the phases of one clinic into runs
type Orchestrator struct {
	clinicID   string
	inbound    *InboundSync
	enrichment *EnrichmentSync
	reconciler *Reconciler

	bootstrap *Bootstrapper  // optional
	lock      RunLock        // optional
	events    EventPublisher // optional
	cfg       OrchestratorConfig
	now       func() time.Time
}

// OrchestratorOption configures optional collaborators
type OrchestratorOption func(*Orchestrator)

// WithBootstrapper ensures a session before every run
func WithBootstrapper(b *Bootstrapper) OrchestratorOption {
	return func(o *Orchestrator) { o.bootstrap = b }
}

// WithRunLock makes runs mutually exclusive per clinic
func WithRunLock(l RunLock) OrchestratorOption {
	return func(o *Orchestrator) { o.lock = l }
}

// WithEventPublisher announces each finished run
func WithEventPublisher(p EventPublisher) OrchestratorOption {
	return func(o *Orchestrator) { o.events = p }
}

// NewOrchestrator wires the three phases of one clinic
func NewOrchestrator(deps Deps, schedule ScheduleSource, consultations ConsultationSource, dispatcher AIDispatcher, cfg OrchestratorConfig, opts ...OrchestratorOption) *Orchestrator {
	deps = deps.withDefaults()
	defaults := DefaultOrchestratorConfig()
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = defaults.LookbackDays
	}
	if cfg.LookaheadDays <= 0 {
		cfg.LookaheadDays = defaults.LookaheadDays
	}
	if cfg.ReconcileDays <= 0 {
		cfg.ReconcileDays = defaults.ReconcileDays
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaults.LockTTL
	}

	o := &Orchestrator{
		clinicID:   deps.ClinicID,
		inbound:    NewInboundSync(deps, schedule),
		enrichment: NewEnrichmentSync(deps, consultations, dispatcher),
		reconciler: NewReconciler(deps, schedule),
		cfg:        cfg,
		now:        deps.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ParseMode maps a trigger mode string onto a phase or composition
func ParseMode(s string) (models.SyncPhase, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "bidirectional":
		return models.SyncPhaseBidirectional, nil
	case "full":
		return models.SyncPhaseFull, nil
	case "inbound":
		return models.SyncPhaseInbound, nil
	case "enrichment":
		return models.SyncPhaseEnrichment, nil
	case "reconcile", "reconciliation":
		return models.SyncPhaseReconcile, nil
	default:
		return "", fmt.Errorf("unknown sync mode %q", s)
	}
}

// Run executes mode with the default windows
func (o *Orchestrator) Run(ctx context.Context, mode models.SyncPhase) (*models.RunResult, error) {
	now := o.now()
	back := o.days(o.cfg.LookbackDays)
	switch mode {
	case models.SyncPhaseBidirectional:
		return o.RunBidirectionalSync(ctx)
	case models.SyncPhaseFull:
		return o.RunFullSync(ctx, models.DateRange{Start: now.Add(-back), End: now.Add(o.days(o.cfg.LookaheadDays))})
	case models.SyncPhaseInbound:
		return o.RunInbound(ctx, models.DateRange{Start: now.Add(-back), End: now.Add(o.days(o.cfg.LookaheadDays))})
	case models.SyncPhaseEnrichment:
		return o.RunEnrichment(ctx, models.DateRange{Start: now.Add(-back), End: now})
	case models.SyncPhaseReconcile:
		return o.RunReconciliation(ctx, o.reconcileWindow(now))
	default:
		return nil, fmt.Errorf("unknown sync mode %q", mode)
	}
}

// RunFullSync runs inbound, enrichment and reconciliation over one window. A failed
// phase does not stop the next one.
func (o *Orchestrator) RunFullSync(ctx context.Context, window models.DateRange) (*models.RunResult, error) {
	return o.execute(ctx, models.SyncPhaseFull, func(ctx context.Context, result *models.RunResult) {
		result.AddPhase(o.inbound.Run(ctx, window))
		result.AddPhase(o.enrichment.Run(ctx, window))
		result.AddPhase(o.reconciler.Run(ctx, window))
	})
}

// RunBidirectionalSync ingests and enriches the past window, ingests the future
// window, then reconciles a shorter window around now. Consultations only exist for
// past visits, so the future window is never enriched.
func (o *Orchestrator) RunBidirectionalSync(ctx context.Context) (*models.RunResult, error) {
	return o.execute(ctx, models.SyncPhaseBidirectional, func(ctx context.Context, result *models.RunResult) {
		now := o.now()
		past := models.DateRange{Start: now.Add(-o.days(o.cfg.LookbackDays)), End: now}
		future := models.DateRange{Start: now, End: now.Add(o.days(o.cfg.LookaheadDays))}

		result.AddPhase(o.inbound.Run(ctx, past))
		result.AddPhase(o.enrichment.Run(ctx, past))
		result.AddPhase(o.inbound.Run(ctx, future))
		result.AddPhase(o.reconciler.Run(ctx, o.reconcileWindow(now)))
	})
}

// RunInbound runs only the inbound phase
func (o *Orchestrator) RunInbound(ctx context.Context, window models.DateRange) (*models.RunResult, error) {
	return o.execute(ctx, models.SyncPhaseInbound, func(ctx context.Context, result *models.RunResult) {
		result.AddPhase(o.inbound.Run(ctx, window))
	})
}

// RunEnrichment runs only the enrichment phase
func (o *Orchestrator) RunEnrichment(ctx context.Context, window models.DateRange) (*models.RunResult, error) {
	return o.execute(ctx, models.SyncPhaseEnrichment, func(ctx context.Context, result *models.RunResult) {
		result.AddPhase(o.enrichment.Run(ctx, window))
	})
}

// RunReconciliation runs only the reconciler
func (o *Orchestrator) RunReconciliation(ctx context.Context, window models.DateRange) (*models.RunResult, error) {
	return o.execute(ctx, models.SyncPhaseReconcile, func(ctx context.Context, result *models.RunResult) {
		result.AddPhase(o.reconciler.Run(ctx, window))
	})
}

func (o *Orchestrator) execute(ctx context.Context, mode models.SyncPhase, phases func(ctx context.Context, result *models.RunResult)) (*models.RunResult, error) {
	runID := uuid.New().String()

	if o.lock != nil {
		key := "pimssync:lock:" + o.clinicID
		acquired, err := o.lock.AcquireLock(ctx, key, runID, o.cfg.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire sync lock: %w", err)
		}
		if !acquired {
			return nil, ErrSyncInProgress
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if _, err := o.lock.ReleaseLock(releaseCtx, key, runID); err != nil {
				log.Printf("⚠️  [ORCHESTRATOR] Failed to release lock for clinic %s: %v", o.clinicID, err)
			}
		}()
	}

	started := o.now()
	result := &models.RunResult{RunID: runID, ClinicID: o.clinicID, Mode: mode}
	log.Printf("🔄 [ORCHESTRATOR] Starting %s sync for clinic %s (run %s)", mode, o.clinicID, runID)

	var runErr error
	if o.bootstrap != nil {
		if err := o.bootstrap.EnsureSession(ctx); err != nil {
			runErr = err
			result.Errors = append(result.Errors, models.SyncError{
				Message: err.Error(),
				Context: map[string]any{"step": "session"},
			})
		}
	}

	if runErr == nil {
		phases(ctx, result)
	}
	result.Success = runErr == nil && len(result.Phases) > 0 && result.Success
	result.DurationMs = o.now().Sub(started).Milliseconds()

	if result.Success {
		log.Printf("✅ [ORCHESTRATOR] %s sync for clinic %s finished in %dms", mode, o.clinicID, result.DurationMs)
	} else {
		log.Printf("⚠️  [ORCHESTRATOR] %s sync for clinic %s finished with %d errors", mode, o.clinicID, len(result.Errors))
	}

	o.publish(ctx, result)

	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

func (o *Orchestrator) publish(ctx context.Context, result *models.RunResult) {
	if o.events == nil {
		return
	}
	event := models.SyncCompletedEvent{
		Type:       "sync.completed",
		RunID:      result.RunID,
		ClinicID:   result.ClinicID,
		Mode:       result.Mode,
		Success:    result.Success,
		Stats:      result.Stats,
		ErrorCount: len(result.Errors),
		DurationMs: result.DurationMs,
		FinishedAt: o.now().UTC(),
	}
	if err := o.events.PublishSyncCompleted(context.WithoutCancel(ctx), event); err != nil {
		log.Printf("⚠️  [ORCHESTRATOR] Failed to publish sync event: %v", err)
	}
}

func (o *Orchestrator) reconcileWindow(now time.Time) models.DateRange {
	span := o.days(o.cfg.ReconcileDays)
	return models.DateRange{Start: now.Add(-span), End: now.Add(span)}
}

func (o *Orchestrator) days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
