package pims

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFetchAppointmentsStrict(t *testing.T) {
	remote := newFakeRemote()
	remote.handle("GET", "/api/schedule/appointments", func(call fetchCall) (int, any) {
		return 200, map[string]any{
			"appointments": []any{
				map[string]any{
					"id": 101, "status": "Completed", "consultation_id": "C1",
					"reason": "Vaccination", "patient_name": "Rex", "client_phone": "+15550100",
					"start": "2025-03-01 09:00:00", "end": "2025-03-01 09:30:00",
				},
				map[string]any{"type": "block", "start": "2025-03-01 12:00:00", "end": "2025-03-01 13:00:00"},
				map[string]any{
					"id": "102", "status": "confirmed", "type": "emergency",
					"start": "2025-03-01 10:00:00", "duration": 20,
				},
				map[string]any{"status": "confirmed", "start": "2025-03-01 11:00:00"},
			},
		}
	})

	client := newTestClient(t, remote)
	login(t, client)

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	appts, err := client.Schedule.FetchAppointmentsStrict(context.Background(), start, start.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("FetchAppointmentsStrict: %v", err)
	}
	if len(appts) != 2 {
		t.Fatalf("expected 2 appointments (block and malformed dropped), got %d", len(appts))
	}

	first := appts[0]
	if first.ID != "101" || first.Status != "completed" || first.ConsultationID != "C1" {
		t.Errorf("unexpected mapping: %+v", first)
	}
	if first.DurationMinutes != 30 {
		t.Errorf("expected 30 minute duration, got %d", first.DurationMinutes)
	}
	if first.IsUrgent {
		t.Error("vaccination should not be urgent")
	}

	second := appts[1]
	if !second.IsUrgent {
		t.Error("emergency type should be urgent")
	}
	if second.DurationMinutes != 20 || !second.End.Equal(second.Start.Add(20*time.Minute)) {
		t.Errorf("expected duration from payload, got %d (%v → %v)", second.DurationMinutes, second.Start, second.End)
	}

	calls := remote.callsTo("GET", "/api/schedule/appointments")
	if len(calls) != 1 {
		t.Fatalf("expected one request, got %d", len(calls))
	}
	if got := calls[0].Query.Get("start"); got != "2025-03-01 00:00:00" {
		t.Errorf("expected local-time start parameter, got %q", got)
	}
	if got := calls[0].Query.Get("end"); got != "2025-03-02 00:00:00" {
		t.Errorf("expected local-time end parameter, got %q", got)
	}
}

func TestFetchAppointments_BareArrayAndTimezone(t *testing.T) {
	remote := newFakeRemote()
	remote.handle("GET", "/api/schedule/appointments", func(call fetchCall) (int, any) {
		return 200, []any{
			map[string]any{"id": "A1", "status": "booked", "start": "2025-03-01 09:00:00", "end": "2025-03-01 09:15:00"},
		}
	})

	client := newTestClient(t, remote)
	madrid, err := time.LoadLocation("Europe/Madrid")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	client.Schedule.cfg.Location = madrid
	login(t, client)

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	appts, err := client.Schedule.FetchAppointmentsStrict(context.Background(), start, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("FetchAppointmentsStrict: %v", err)
	}
	if len(appts) != 1 {
		t.Fatalf("expected 1 appointment, got %d", len(appts))
	}
	// 09:00 in Madrid (UTC+1 in March) is 08:00 UTC
	if want := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC); !appts[0].Start.Equal(want) {
		t.Errorf("expected %v, got %v", want, appts[0].Start.UTC())
	}

	calls := remote.callsTo("GET", "/api/schedule/appointments")
	if got := calls[0].Query.Get("start"); got != "2025-03-01 01:00:00" {
		t.Errorf("expected start in clinic time, got %q", got)
	}
}

func TestFetchAppointments_FailureHandling(t *testing.T) {
	remote := newFakeRemote()
	remote.handle("GET", "/api/schedule/appointments", func(call fetchCall) (int, any) {
		return 502, "bad gateway"
	})

	client := newTestClient(t, remote)
	login(t, client)

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := client.Schedule.FetchAppointmentsStrict(context.Background(), start, start.Add(time.Hour))
	if Classify(err) != CategoryNetwork {
		t.Fatalf("expected network error from strict fetch, got %v", err)
	}

	appts := client.Schedule.FetchAppointments(context.Background(), start, start.Add(time.Hour))
	if appts == nil || len(appts) != 0 {
		t.Errorf("expected empty non-nil slice from lenient fetch, got %#v", appts)
	}
}

func TestFetchAppointments_RequiresAuth(t *testing.T) {
	client := newTestClient(t, newFakeRemote())

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := client.Schedule.FetchAppointmentsStrict(context.Background(), start, start.Add(time.Hour))
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestFetchAppointments_InvalidWindow(t *testing.T) {
	client := newTestClient(t, newFakeRemote())
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	_, err := client.Schedule.FetchAppointmentsStrict(context.Background(), start, start)
	if Classify(err) != CategoryValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}
