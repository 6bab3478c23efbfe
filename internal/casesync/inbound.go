package casesync

import (
	"context"
	"fmt"
	"log"

	"pimssync/internal/models"
	"pimssync/internal/pims"
)

// lookupBatchSize bounds each external id lookup
const lookupBatchSize = 50

// InboundSync ingests remote appointments into local cases, keyed by external id
type InboundSync struct {
	deps     Deps
	schedule ScheduleSource
}

// NewInboundSync creates the inbound phase
func NewInboundSync(deps Deps, schedule ScheduleSource) *InboundSync {
	return &InboundSync{deps: deps.withDefaults(), schedule: schedule}
}

// Run fetches window from the remote and creates, updates or skips one case per
// appointment. Re-running over an unchanged remote writes nothing.
func (s *InboundSync) Run(ctx context.Context, window models.DateRange) models.SyncResult {
	run := startRun(ctx, s.deps, models.SyncPhaseInbound, &window)
	log.Printf("📥 [INBOUND-SYNC] Fetching appointments for clinic %s (%s → %s)",
		s.deps.ClinicID, window.Start.Format("2006-01-02"), window.End.Format("2006-01-02"))

	appts, err := s.schedule.FetchAppointmentsStrict(ctx, window.Start, window.End)
	if err != nil {
		run.abort(fmt.Errorf("failed to fetch appointments: %w", err))
		return run.finish(ctx)
	}

	// the remote lists an appointment once per resource column it occupies
	bookable := make([]pims.Appointment, 0, len(appts))
	seen := make(map[string]bool, len(appts))
	duplicates := 0
	for _, appt := range appts {
		if appt.IsBlock {
			continue
		}
		if appt.ID != "" {
			if seen[appt.ID] {
				duplicates++
				continue
			}
			seen[appt.ID] = true
		}
		bookable = append(bookable, appt)
	}
	if duplicates > 0 {
		log.Printf("⚠️  [INBOUND-SYNC] Clinic %s: ignored %d repeated appointments", s.deps.ClinicID, duplicates)
	}
	run.stats.Total = len(bookable)
	run.progress(ctx)

	for start := 0; start < len(bookable); start += lookupBatchSize {
		end := start + lookupBatchSize
		if end > len(bookable) {
			end = len(bookable)
		}
		s.processBatch(ctx, run, bookable[start:end])
		run.progress(ctx)
	}

	return run.finish(ctx)
}

func (s *InboundSync) processBatch(ctx context.Context, run *phaseRun, batch []pims.Appointment) {
	keys := make([]string, 0, len(batch))
	for _, appt := range batch {
		if appt.ID != "" {
			keys = append(keys, models.ExternalAppointmentID(s.deps.Provider, appt.ID))
		}
	}

	existing, err := withStoreRetry(ctx, run, "find_cases", func(ctx context.Context) ([]models.Case, error) {
		return s.deps.Cases.FindByExternalIDs(ctx, s.deps.ClinicID, keys)
	})
	if err != nil {
		for _, appt := range batch {
			run.itemFailed(fmt.Errorf("case lookup failed: %w", err), map[string]any{"appointmentId": appt.ID})
		}
		return
	}

	byKey := make(map[string]*models.Case, len(existing))
	for i := range existing {
		byKey[existing[i].ExternalID] = &existing[i]
	}

	for _, appt := range batch {
		if appt.ID == "" {
			run.itemFailed(&pims.Error{Category: pims.CategoryValidation, Op: "inbound", Err: fmt.Errorf("appointment without id")}, nil)
			continue
		}
		key := models.ExternalAppointmentID(s.deps.Provider, appt.ID)
		outcome, err := s.upsert(ctx, run, key, appt, byKey[key])
		if err != nil {
			run.itemFailed(err, map[string]any{"appointmentId": appt.ID, "externalId": key})
			continue
		}
		run.count(outcome)
	}
}

// upsert returns created, updated or skipped
func (s *InboundSync) upsert(ctx context.Context, run *phaseRun, key string, appt pims.Appointment, current *models.Case) (string, error) {
	now := s.deps.Now().UTC()
	snapshot := snapshotOf(appt)

	if current == nil {
		// a visit that was cancelled before we ever saw it has nothing to track
		if isCancelled(appt.Status) {
			return "skipped", nil
		}
		c := &models.Case{
			ClinicID:   s.deps.ClinicID,
			ExternalID: key,
			Status:     localStatus(appt.Status),
			Source:     s.deps.source(),
			IsUrgent:   appt.IsUrgent,
			Metadata: models.CaseMetadata{
				PimsAppointment: snapshot,
				Sync: models.SyncProvenance{
					FirstSyncedAt: &now,
					LastSyncedAt:  &now,
					LastSyncID:    run.syncID,
					LastPhase:     models.SyncPhaseInbound,
				},
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if !appt.Start.IsZero() {
			scheduled := appt.Start.UTC()
			c.ScheduledAt = &scheduled
		}
		_, err := withStoreRetry(ctx, run, "insert_case", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.deps.Cases.InsertCase(ctx, c)
		})
		if err != nil {
			return "", fmt.Errorf("failed to create case: %w", err)
		}
		return "created", nil
	}

	update := models.CaseUpdate{SyncID: run.syncID, Phase: models.SyncPhaseInbound}
	changed := snapshot.ChangedFrom(current.Metadata.PimsAppointment)
	if changed {
		update.Appointment = snapshot
	}

	if !appt.Start.IsZero() && (current.ScheduledAt == nil || !current.ScheduledAt.Equal(appt.Start)) {
		scheduled := appt.Start.UTC()
		update.ScheduledAt = &scheduled
		update.Appointment = snapshot
	}
	if appt.IsUrgent != current.IsUrgent {
		urgent := appt.IsUrgent
		update.IsUrgent = &urgent
	}

	mapped := localStatus(appt.Status)
	if current.IsSoftDeleted() && !isCancelled(appt.Status) {
		// the appointment came back after reconciliation archived it
		status := mapped
		if prev := current.Metadata.Reconciliation.PreviousStatus; prev != "" && advances(mapped, prev) {
			status = prev
		}
		update.Status = &status
		update.ClearReconciliation = true
		update.Appointment = snapshot
	} else if !current.IsSoftDeleted() && changed && !isCancelled(appt.Status) && advances(current.Status, mapped) {
		update.Status = &mapped
	}

	if update.IsEmpty() {
		return "skipped", nil
	}
	_, err := withStoreRetry(ctx, run, "update_case", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.deps.Cases.UpdateCase(ctx, current.ID, update)
	})
	if err != nil {
		return "", fmt.Errorf("failed to update case: %w", err)
	}
	return "updated", nil
}
