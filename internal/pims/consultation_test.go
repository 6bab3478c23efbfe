package pims

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func consultationPayload(id, notes string) map[string]any {
	return map[string]any{
		"consultation": map[string]any{"id": id, "discharge_summary": "Rest for two days"},
		"consultationNotes": []any{
			map[string]any{"note": notes},
		},
		"consultationLines": []any{
			map[string]any{"description": "Rabies vaccine", "code": "VAC-R", "quantity": 1, "price": "35.50"},
			map[string]any{"description": "Dental cleaning", "status": "declined"},
		},
	}
}

func TestFetchConsultation_MapsPayload(t *testing.T) {
	remote := newFakeRemote()
	remote.handle("GET", "/api/consultations/C1", func(call fetchCall) (int, any) {
		return 200, consultationPayload("C1", "ok")
	})

	client := newTestClient(t, remote)
	login(t, client)

	c, err := client.Consultations.FetchConsultation(context.Background(), "C1")
	if err != nil {
		t.Fatalf("FetchConsultation: %v", err)
	}
	if c.ID != "C1" || c.Notes != "ok" || c.DischargeSummary != "Rest for two days" {
		t.Errorf("unexpected consultation: %+v", c)
	}
	if len(c.BilledItems) != 1 || c.BilledItems[0].UnitPrice != 35.5 || c.BilledItems[0].Code != "VAC-R" {
		t.Errorf("unexpected billed items: %+v", c.BilledItems)
	}
	if len(c.DeclinedItems) != 1 || c.DeclinedItems[0].Quantity != 1 {
		t.Errorf("unexpected declined items: %+v", c.DeclinedItems)
	}

	// second fetch is served from cache
	if _, err := client.Consultations.FetchConsultation(context.Background(), "C1"); err != nil {
		t.Fatalf("cached fetch: %v", err)
	}
	if n := len(remote.callsTo("GET", "/api/consultations/C1")); n != 1 {
		t.Errorf("expected 1 remote call, got %d", n)
	}
}

func TestFetchConsultation_NotesFallback(t *testing.T) {
	remote := newFakeRemote()
	remote.handle("GET", "/api/consultations/C9", func(call fetchCall) (int, any) {
		return 200, map[string]any{"consultation": map[string]any{"id": "C9", "notes": "ok"}}
	})

	client := newTestClient(t, remote)
	login(t, client)

	c, err := client.Consultations.FetchConsultation(context.Background(), "C9")
	if err != nil {
		t.Fatalf("FetchConsultation: %v", err)
	}
	if c.Notes != "ok" {
		t.Errorf("expected notes from consultation body, got %q", c.Notes)
	}
}

func TestFetchConsultation_RetriesTransientFailures(t *testing.T) {
	var calls int32
	remote := newFakeRemote()
	remote.handle("GET", "/api/consultations/C2", func(call fetchCall) (int, any) {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			return 0, errors.New("net::ERR_CONNECTION_RESET")
		case 2:
			return 503, "service unavailable"
		default:
			return 200, consultationPayload("C2", "recovered")
		}
	})

	client := newTestClient(t, remote)
	client.Consultations.cfg.Retry = noSleepPolicy()
	login(t, client)

	c, err := client.Consultations.FetchConsultation(context.Background(), "C2")
	if err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if c.Notes != "recovered" {
		t.Errorf("unexpected notes %q", c.Notes)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestFetchConsultation_NotFoundIsNotRetried(t *testing.T) {
	client := newTestClient(t, newFakeRemote())
	login(t, client)

	_, err := client.Consultations.FetchConsultation(context.Background(), "missing")
	var pe *Error
	if !errors.As(err, &pe) || pe.Category != CategoryNotFound {
		t.Fatalf("expected not_found error, got %v", err)
	}
	if pe.ID != "missing" {
		t.Errorf("expected id on error, got %q", pe.ID)
	}
}

func TestFetchConsultations_Batch(t *testing.T) {
	remote := newFakeRemote()
	for _, id := range []string{"C1", "C2", "C3"} {
		id := id
		remote.handle("GET", "/api/consultations/"+id, func(call fetchCall) (int, any) {
			return 200, consultationPayload(id, "notes for "+id)
		})
	}
	remote.handle("GET", "/api/consultations/C4", func(call fetchCall) (int, any) {
		return 0, errors.New("socket hang up")
	})

	client := newTestClient(t, remote)
	client.Consultations.cfg.Retry = noSleepPolicy()
	login(t, client)

	result := client.Consultations.FetchConsultations(context.Background(), []string{"C1", "C2", "C3", "C4", "C5"})

	if result.Successful != 3 || result.Failed != 2 {
		t.Errorf("expected 3 ok / 2 failed, got %d / %d", result.Successful, result.Failed)
	}
	if result.NetworkErrors != 1 || result.NotFound != 1 {
		t.Errorf("expected 1 network / 1 not found, got %d / %d", result.NetworkErrors, result.NotFound)
	}
	if got := result.NetworkFailedIDs(); len(got) != 1 || got[0] != "C4" {
		t.Errorf("expected C4 to be retryable, got %v", got)
	}
	if result.Consultations["C3"].Notes != "notes for C3" {
		t.Errorf("unexpected C3 notes %q", result.Consultations["C3"].Notes)
	}
	// C4 is retried until the policy gives up
	if n := len(remote.callsTo("GET", "/api/consultations/C4")); n != 4 {
		t.Errorf("expected 4 attempts for C4, got %d", n)
	}
}

func TestFetchConsultations_CancelledBetweenGroups(t *testing.T) {
	remote := newFakeRemote()
	remote.handle("GET", "/api/consultations/C1", func(call fetchCall) (int, any) {
		return 200, consultationPayload("C1", "ok")
	})

	client := newTestClient(t, remote)
	client.Consultations.cfg.BatchSize = 1
	login(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	client.Consultations.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	result := client.Consultations.FetchConsultations(ctx, []string{"C1", "C2", "C3"})
	if result.Successful != 1 || result.NetworkErrors != 2 {
		t.Errorf("expected remaining ids marked retryable, got %+v", result)
	}
}

func TestFetchConsultation_EscapesID(t *testing.T) {
	remote := newFakeRemote()
	remote.handle("GET", "/api/consultations/C 7/x", func(call fetchCall) (int, any) {
		return 200, consultationPayload("C 7/x", "ok")
	})

	client := newTestClient(t, remote)
	login(t, client)

	if _, err := client.Consultations.FetchConsultation(context.Background(), "C 7/x"); err != nil {
		t.Fatalf("FetchConsultation: %v", err)
	}
	calls := remote.callsTo("GET", "/api/consultations/C 7/x")
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if got := calls[0].EscapedPath; got != "/api/consultations/C%207%2Fx" {
		t.Errorf("expected escaped id in path, got %s", got)
	}
}
