package casesync

import (
	"context"
	"fmt"
	"log"

	"pimssync/internal/ai"
	"pimssync/internal/models"
	"pimssync/internal/pims"
)

// EnrichmentSync merges remote consultation detail into completed cases
type EnrichmentSync struct {
	deps          Deps
	consultations ConsultationSource
	ai            AIDispatcher
}

// NewEnrichmentSync creates the enrichment phase. dispatcher may be nil.
func NewEnrichmentSync(deps Deps, consultations ConsultationSource, dispatcher AIDispatcher) *EnrichmentSync {
	return &EnrichmentSync{deps: deps.withDefaults(), consultations: consultations, ai: dispatcher}
}

// Run enriches cases scheduled inside window. The window end is capped at now since
// consultations only exist for past visits.
func (s *EnrichmentSync) Run(ctx context.Context, window models.DateRange) models.SyncResult {
	now := s.deps.Now()
	if window.End.After(now) {
		window.End = now
	}
	run := startRun(ctx, s.deps, models.SyncPhaseEnrichment, &window)

	if !window.Start.Before(window.End) {
		log.Printf("ℹ️  [ENRICHMENT] Window for clinic %s is in the future, nothing to enrich", s.deps.ClinicID)
		return run.finish(ctx)
	}

	cases, err := withStoreRetry(ctx, run, "find_enrichment_cases", func(ctx context.Context) ([]models.Case, error) {
		return s.deps.Cases.FindCasesForEnrichment(ctx, s.deps.ClinicID, s.deps.source(), window)
	})
	if err != nil {
		run.abort(fmt.Errorf("failed to load cases for enrichment: %w", err))
		return run.finish(ctx)
	}

	candidates := make([]models.Case, 0, len(cases))
	seen := make(map[string]bool)
	var ids []string
	for _, c := range cases {
		id := consultationID(c)
		if id == "" || c.Metadata.EnrichedAt != nil {
			continue
		}
		candidates = append(candidates, c)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	run.stats.Total = len(candidates)
	run.progress(ctx)

	if len(ids) == 0 {
		return run.finish(ctx)
	}

	log.Printf("🔬 [ENRICHMENT] Fetching %d consultations for clinic %s", len(ids), s.deps.ClinicID)
	batch := s.consultations.FetchConsultations(ctx, ids)

	// network failures get one more pass with the pool hopefully less contended
	if retryIDs := batch.NetworkFailedIDs(); len(retryIDs) > 0 && ctx.Err() == nil {
		log.Printf("🔁 [ENRICHMENT] Retrying %d consultations after network errors", len(retryIDs))
		second := s.consultations.FetchConsultations(ctx, retryIDs)
		mergeBatch(batch, second)
	}

	var jobs []ai.Job
	for i := range candidates {
		c := &candidates[i]
		id := consultationID(*c)

		consultation, ok := batch.Consultations[id]
		if !ok {
			fetchErr := batch.Errors[id]
			if fetchErr != nil && fetchErr.Category == pims.CategoryNotFound {
				// permanently missing; nothing to merge
				run.count("skipped")
			} else {
				if fetchErr == nil {
					fetchErr = &pims.Error{Category: pims.CategoryUnknown, Op: "consultation", ID: id, Err: fmt.Errorf("consultation missing from batch result")}
				}
				run.itemFailed(fetchErr, map[string]any{"caseId": c.ID.Hex(), "consultationId": id, "category": string(fetchErr.Category)})
			}
			run.progress(ctx)
			continue
		}

		enrichedAt := s.deps.Now().UTC()
		update := models.CaseUpdate{
			Consultation: consultation.Snapshot(),
			EnrichedAt:   &enrichedAt,
			SyncID:       run.syncID,
			Phase:        models.SyncPhaseEnrichment,
		}
		_, err := withStoreRetry(ctx, run, "update_case", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.deps.Cases.UpdateCase(ctx, c.ID, update)
		})
		if err != nil {
			run.itemFailed(fmt.Errorf("failed to save enrichment: %w", err), map[string]any{"caseId": c.ID.Hex(), "consultationId": id})
			run.progress(ctx)
			continue
		}
		run.count("updated")
		run.progress(ctx)

		update.Apply(c, enrichedAt)
		if s.ai != nil && c.Metadata.PimsConsultation.HasClinicalContent() {
			jobs = append(jobs, ai.NewJob(c, run.syncID))
		}
	}

	if len(jobs) > 0 {
		log.Printf("🤖 [ENRICHMENT] Dispatching %d cases for AI generation", len(jobs))
		s.ai.Dispatch(ctx, jobs...)
	}

	return run.finish(ctx)
}

func consultationID(c models.Case) string {
	if c.Metadata.PimsAppointment == nil {
		return ""
	}
	return c.Metadata.PimsAppointment.ConsultationID
}

// mergeBatch folds a retry pass into the first result
func mergeBatch(into, retried *pims.BatchResult) {
	for id, consultation := range retried.Consultations {
		into.Consultations[id] = consultation
		delete(into.Errors, id)
		into.Successful++
		into.Failed--
		into.NetworkErrors--
	}
	for id, err := range retried.Errors {
		if prev, ok := into.Errors[id]; ok && prev.Category == pims.CategoryNetwork && err.Category != pims.CategoryNetwork {
			into.NetworkErrors--
			if err.Category == pims.CategoryNotFound {
				into.NotFound++
			}
		}
		into.Errors[id] = err
	}
}
