package casesync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"pimssync/internal/models"
)

func TestInbound_CreatesCases(t *testing.T) {
	h := newHarness()
	start := testNow.Add(-48 * time.Hour)
	h.schedule.set(
		appointment("A1", "completed", "C1", start),
		appointment("A2", "booked", "", start.Add(time.Hour)),
	)

	result := NewInboundSync(h.deps, h.schedule).Run(context.Background(), pastWindow())

	if !result.Success {
		t.Fatalf("expected success, got errors %+v", result.Errors)
	}
	if result.Stats.Total != 2 || result.Stats.Created != 2 {
		t.Errorf("unexpected stats %+v", result.Stats)
	}

	c := h.cases.byExternalID("pims-appt-vetnova-A1")
	if c == nil {
		t.Fatal("case for A1 not created")
	}
	if c.Status != models.CaseStatusCompleted {
		t.Errorf("expected completed, got %s", c.Status)
	}
	if c.Source != "pims:vetnova" || c.ClinicID != testClinic {
		t.Errorf("unexpected provenance %q %q", c.Source, c.ClinicID)
	}
	if c.ScheduledAt == nil || !c.ScheduledAt.Equal(start) {
		t.Errorf("unexpected scheduledAt %v", c.ScheduledAt)
	}
	if c.Metadata.PimsAppointment.ConsultationID != "C1" || c.Metadata.Sync.LastSyncID != result.SyncID {
		t.Errorf("unexpected metadata %+v", c.Metadata)
	}

	if a2 := h.cases.byExternalID("pims-appt-vetnova-A2"); a2 == nil || a2.Status != models.CaseStatusDraft {
		t.Errorf("expected A2 as draft, got %+v", a2)
	}
}

func TestInbound_Idempotent(t *testing.T) {
	h := newHarness()
	start := testNow.Add(-24 * time.Hour)
	h.schedule.set(
		appointment("A1", "completed", "C1", start),
		appointment("A2", "in_progress", "", start),
		appointment("A3", "booked", "", start),
	)
	inbound := NewInboundSync(h.deps, h.schedule)

	first := inbound.Run(context.Background(), pastWindow())
	if first.Stats.Created != 3 {
		t.Fatalf("expected 3 created on first run, got %+v", first.Stats)
	}
	writes := h.cases.updates + h.cases.inserts

	second := inbound.Run(context.Background(), pastWindow())
	if second.Stats.Created != 0 || second.Stats.Updated != 0 || second.Stats.Skipped != 3 {
		t.Errorf("expected no writes on second run, got %+v", second.Stats)
	}
	if got := h.cases.updates + h.cases.inserts; got != writes {
		t.Errorf("second run wrote to the store (%d → %d)", writes, got)
	}
	if len(h.cases.cases) != 3 {
		t.Errorf("expected 3 cases, got %d", len(h.cases.cases))
	}
}

func TestInbound_UpdatesOnTrackedChange(t *testing.T) {
	h := newHarness()
	start := testNow.Add(-24 * time.Hour)
	h.schedule.set(appointment("A1", "in_progress", "", start))
	inbound := NewInboundSync(h.deps, h.schedule)
	inbound.Run(context.Background(), pastWindow())

	changed := appointment("A1", "completed", "C9", start)
	h.schedule.set(changed)
	result := inbound.Run(context.Background(), pastWindow())

	if result.Stats.Updated != 1 {
		t.Fatalf("expected 1 update, got %+v", result.Stats)
	}
	c := h.cases.byExternalID("pims-appt-vetnova-A1")
	if c.Status != models.CaseStatusCompleted || c.Metadata.PimsAppointment.ConsultationID != "C9" {
		t.Errorf("update not applied: status=%s snapshot=%+v", c.Status, c.Metadata.PimsAppointment)
	}
}

func TestInbound_NeverRollsBackLocalStatus(t *testing.T) {
	h := newHarness()
	start := testNow.Add(-24 * time.Hour)
	h.cases.seed(models.Case{
		ClinicID:    testClinic,
		ExternalID:  "pims-appt-vetnova-A1",
		Status:      models.CaseStatusReviewed,
		ScheduledAt: &start,
		Source:      "pims:vetnova",
		Metadata:    models.CaseMetadata{PimsAppointment: snapshotOf(appointment("A1", "in_progress", "", start))},
	})
	h.schedule.set(appointment("A1", "completed", "", start))

	NewInboundSync(h.deps, h.schedule).Run(context.Background(), pastWindow())

	c := h.cases.byExternalID("pims-appt-vetnova-A1")
	if c.Status != models.CaseStatusReviewed {
		t.Errorf("reviewed case rolled back to %s", c.Status)
	}
	if c.Metadata.PimsAppointment.Status != "completed" {
		t.Errorf("snapshot should still refresh, got %q", c.Metadata.PimsAppointment.Status)
	}
}

func TestInbound_SkipsBlocksAndNewCancellations(t *testing.T) {
	h := newHarness()
	start := testNow.Add(-24 * time.Hour)
	block := appointment("B1", "", "", start)
	block.IsBlock = true
	h.schedule.set(block, appointment("A1", "cancelled", "", start))

	result := NewInboundSync(h.deps, h.schedule).Run(context.Background(), pastWindow())

	if result.Stats.Total != 1 || result.Stats.Skipped != 1 || result.Stats.Created != 0 {
		t.Errorf("unexpected stats %+v", result.Stats)
	}
	if len(h.cases.cases) != 0 {
		t.Errorf("expected no cases, got %d", len(h.cases.cases))
	}
}

func TestInbound_RestoresSoftDeletedCase(t *testing.T) {
	h := newHarness()
	start := testNow.Add(-24 * time.Hour)
	h.cases.seed(models.Case{
		ClinicID:    testClinic,
		ExternalID:  "pims-appt-vetnova-A1",
		Status:      models.CaseStatusArchived,
		ScheduledAt: &start,
		Source:      "pims:vetnova",
		Metadata: models.CaseMetadata{
			PimsAppointment: snapshotOf(appointment("A1", "completed", "", start)),
			Reconciliation: &models.ReconciliationInfo{
				SoftDeleted:    true,
				Reason:         models.ReconcileReasonMissingRemote,
				PreviousStatus: models.CaseStatusCompleted,
			},
		},
	})
	h.schedule.set(appointment("A1", "completed", "", start))

	result := NewInboundSync(h.deps, h.schedule).Run(context.Background(), pastWindow())

	if result.Stats.Updated != 1 {
		t.Fatalf("expected restore update, got %+v", result.Stats)
	}
	c := h.cases.byExternalID("pims-appt-vetnova-A1")
	if c.IsSoftDeleted() || c.Metadata.Reconciliation != nil {
		t.Errorf("reconciliation marker should be cleared, got %+v", c.Metadata.Reconciliation)
	}
	if c.Status != models.CaseStatusCompleted {
		t.Errorf("expected status restored to completed, got %s", c.Status)
	}
}

func TestInbound_FetchFailureAbortsPhase(t *testing.T) {
	h := newHarness()
	h.schedule.err = errors.New("net::ERR_CONNECTION_RESET")

	result := NewInboundSync(h.deps, h.schedule).Run(context.Background(), pastWindow())

	if result.Success || len(result.Errors) != 1 {
		t.Fatalf("expected a single phase error, got %+v", result)
	}
	if len(h.audits.done) != 1 || h.audits.done[0].Status != models.AuditStatusFailed {
		t.Errorf("expected failed audit, got %+v", h.audits.done)
	}
	if h.audits.done[0].ErrorMessage == "" {
		t.Error("failed audit should carry the error message")
	}
}

func TestInbound_ItemFailuresDoNotAbort(t *testing.T) {
	h := newHarness()
	start := testNow.Add(-24 * time.Hour)
	id := h.cases.seed(models.Case{
		ClinicID:    testClinic,
		ExternalID:  "pims-appt-vetnova-A1",
		Status:      models.CaseStatusDraft,
		ScheduledAt: &start,
		Source:      "pims:vetnova",
	})
	h.cases.failUpdate[id] = errors.New("document validation failed")
	h.schedule.set(
		appointment("A1", "completed", "", start),
		appointment("A2", "completed", "", start),
	)

	result := NewInboundSync(h.deps, h.schedule).Run(context.Background(), pastWindow())

	if result.Success {
		t.Error("partial failure must not report success")
	}
	if result.Stats.Failed != 1 || result.Stats.Created != 1 {
		t.Errorf("unexpected stats %+v", result.Stats)
	}
	if len(result.Errors) != 1 || result.Errors[0].Context["appointmentId"] != "A1" {
		t.Errorf("unexpected errors %+v", result.Errors)
	}
	if h.audits.done[0].Status != models.AuditStatusCompleted {
		t.Errorf("item failures still complete the audit, got %s", h.audits.done[0].Status)
	}
}

func TestInbound_RetriesTransientLookups(t *testing.T) {
	h := newHarness()
	h.cases.findErrs = []error{errors.New("connection reset by peer")}
	h.schedule.set(appointment("A1", "completed", "", testNow.Add(-time.Hour)))

	result := NewInboundSync(h.deps, h.schedule).Run(context.Background(), pastWindow())

	if !result.Success || result.Stats.Created != 1 {
		t.Errorf("expected lookup retry to succeed, got %+v", result)
	}
}

func TestInbound_ReportsProgress(t *testing.T) {
	h := newHarness()
	start := testNow.Add(-24 * time.Hour)
	for i := 0; i < 120; i++ {
		h.schedule.appts = append(h.schedule.appts, appointment(fmt.Sprintf("A%d", i), "booked", "", start))
	}

	result := NewInboundSync(h.deps, h.schedule).Run(context.Background(), pastWindow())

	if result.Stats.Created != 120 {
		t.Fatalf("expected 120 created, got %+v", result.Stats)
	}
	last := h.progress.last()
	if last.Percentage != 100 || last.Processed != 120 || last.Total != 120 || last.SyncID != result.SyncID {
		t.Errorf("unexpected final progress %+v", last)
	}
	if h.cases.lookups != 3 {
		t.Errorf("expected lookups in batches of 50 (3 calls), got %d", h.cases.lookups)
	}
	if len(h.audits.started) != 1 || h.audits.started[0].Status != models.AuditStatusInProgress {
		t.Errorf("expected in_progress audit at start, got %+v", h.audits.started)
	}
}

func TestInbound_CancelledRunStillFinalizesAudit(t *testing.T) {
	h := newHarness()
	h.schedule.err = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := NewInboundSync(h.deps, h.schedule).Run(ctx, pastWindow())

	if result.Success {
		t.Fatal("expected cancelled run to fail")
	}
	if len(h.audits.started) != 1 {
		t.Fatalf("expected audit start despite cancellation, got %d", len(h.audits.started))
	}
	if len(h.audits.done) != 1 || h.audits.done[0].Status != models.AuditStatusFailed {
		t.Fatalf("expected failed audit to be finalized, got %+v", h.audits.done)
	}
	if last := h.progress.last(); last.Percentage != 100 || last.SyncID != result.SyncID {
		t.Errorf("expected final progress written, got %+v", last)
	}
}

func TestInbound_IgnoresRepeatedAppointments(t *testing.T) {
	h := newHarness()
	a := appointment("A1", "completed", "C1", testNow.Add(-2*time.Hour))
	h.schedule.set(a, a, appointment("A2", "booked", "", testNow.Add(-time.Hour)))

	result := NewInboundSync(h.deps, h.schedule).Run(context.Background(), pastWindow())

	if !result.Success {
		t.Fatalf("expected success, got errors %+v", result.Errors)
	}
	if result.Stats.Total != 2 || result.Stats.Created != 2 || result.Stats.Failed != 0 {
		t.Errorf("unexpected stats %+v", result.Stats)
	}
	if h.cases.inserts != 2 {
		t.Errorf("expected 2 inserts, got %d", h.cases.inserts)
	}
}
