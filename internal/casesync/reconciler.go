package casesync

import (
	"context"
	"fmt"
	"log"
	"time"

	"pimssync/internal/models"
	"pimssync/internal/pims"
)

// DefaultReconcileDays is the reconciliation window on either side of now
const DefaultReconcileDays = 7

// Reconciler archives local cases whose remote appointment vanished or was cancelled
type Reconciler struct {
	deps     Deps
	schedule ScheduleSource
}

// NewReconciler creates the reconciliation phase
func NewReconciler(deps Deps, schedule ScheduleSource) *Reconciler {
	return &Reconciler{deps: deps.withDefaults(), schedule: schedule}
}

// Run compares local PIMS cases in window against a fresh remote fetch of the same
// window. Cases are soft deleted, never removed.
func (s *Reconciler) Run(ctx context.Context, window models.DateRange) models.SyncResult {
	run := startRun(ctx, s.deps, models.SyncPhaseReconcile, &window)

	// a failed fetch must never read as "everything was deleted"
	appts, err := s.schedule.FetchAppointmentsStrict(ctx, window.Start, window.End)
	if err != nil {
		run.abort(fmt.Errorf("failed to fetch appointments: %w", err))
		return run.finish(ctx)
	}

	remote := make(map[string]pims.Appointment, len(appts))
	for _, appt := range appts {
		if appt.ID != "" && !appt.IsBlock {
			remote[appt.ID] = appt
		}
	}

	cases, err := withStoreRetry(ctx, run, "find_reconcile_cases", func(ctx context.Context) ([]models.Case, error) {
		return s.deps.Cases.FindCasesForReconciliation(ctx, s.deps.ClinicID, s.deps.source(), window)
	})
	if err != nil {
		run.abort(fmt.Errorf("failed to load cases for reconciliation: %w", err))
		return run.finish(ctx)
	}
	run.stats.Total = len(cases)
	run.progress(ctx)

	for i := range cases {
		c := &cases[i]
		outcome, err := s.reconcile(ctx, run, c, remote)
		if err != nil {
			run.itemFailed(err, map[string]any{"caseId": c.ID.Hex(), "externalId": c.ExternalID})
		} else {
			run.count(outcome)
		}
		run.progress(ctx)
	}

	log.Printf("🧹 [RECONCILER] Clinic %s: %d remote appointments, %d local cases checked",
		s.deps.ClinicID, len(remote), len(cases))
	return run.finish(ctx)
}

// reconcile returns deleted, updated or skipped
func (s *Reconciler) reconcile(ctx context.Context, run *phaseRun, c *models.Case, remote map[string]pims.Appointment) (string, error) {
	remoteID, ok := models.RemoteIDFromExternalID(s.deps.Provider, c.ExternalID)
	if !ok || c.IsSoftDeleted() {
		return "skipped", nil
	}

	now := s.deps.Now().UTC()
	appt, present := remote[remoteID]

	var update models.CaseUpdate
	outcome := "skipped"
	switch {
	case !present:
		update = s.softDelete(c, run.syncID, now, models.ReconcileReasonMissingRemote, "")
		outcome = "deleted"
	case isCancelled(appt.Status):
		update = s.softDelete(c, run.syncID, now, models.ReconcileReasonCancelledRemote, appt.Status)
		update.Appointment = snapshotOf(appt)
		outcome = "deleted"
	default:
		mapped := localStatus(appt.Status)
		if mapped == c.Status || !advances(c.Status, mapped) {
			return "skipped", nil
		}
		update = models.CaseUpdate{
			Status:      &mapped,
			Appointment: snapshotOf(appt),
			Reconciliation: &models.ReconciliationInfo{
				Reason:         models.ReconcileReasonStatusChanged,
				PreviousStatus: c.Status,
				RemoteStatus:   appt.Status,
				ReconciledAt:   now,
				SyncID:         run.syncID,
			},
		}
		outcome = "updated"
	}

	update.SyncID = run.syncID
	update.Phase = models.SyncPhaseReconcile
	_, err := withStoreRetry(ctx, run, "update_case", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.deps.Cases.UpdateCase(ctx, c.ID, update)
	})
	if err != nil {
		return "", fmt.Errorf("failed to reconcile case: %w", err)
	}
	return outcome, nil
}

func (s *Reconciler) softDelete(c *models.Case, syncID string, now time.Time, reason, remoteStatus string) models.CaseUpdate {
	archived := models.CaseStatusArchived
	return models.CaseUpdate{
		Status: &archived,
		Reconciliation: &models.ReconciliationInfo{
			SoftDeleted:    true,
			Reason:         reason,
			PreviousStatus: c.Status,
			RemoteStatus:   remoteStatus,
			ReconciledAt:   now,
			SyncID:         syncID,
		},
	}
}
