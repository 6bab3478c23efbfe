package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"pimssync/internal/browser"
	"pimssync/internal/casesync"
	"pimssync/internal/models"
	"pimssync/internal/store"
)

type fakeRunner struct {
	err   error
	modes chan models.SyncPhase
}

func (f *fakeRunner) HasClinic(id string) bool { return id == "clinic-a" }

func (f *fakeRunner) RunClinic(ctx context.Context, clinicID string, mode models.SyncPhase) (*models.RunResult, error) {
	if f.modes != nil {
		f.modes <- mode
	}
	if f.err != nil {
		return nil, f.err
	}
	return &models.RunResult{Success: true, ClinicID: clinicID, Mode: mode, RunID: "run-1"}, nil
}

type fakeAudits struct{ limit int64 }

func (f *fakeAudits) ListAudits(ctx context.Context, clinicID string, limit int64) ([]models.SyncAudit, error) {
	f.limit = limit
	return []models.SyncAudit{{SyncID: "s1", ClinicID: clinicID, Phase: models.SyncPhaseInbound}}, nil
}

type fakeProgress struct{}

func (fakeProgress) GetProgress(ctx context.Context, syncID string) (*models.ProgressUpdate, error) {
	if syncID != "s1" {
		return nil, fmt.Errorf("progress for %s: %w", syncID, store.ErrNotFound)
	}
	u := models.NewProgressUpdate("s1", "clinic-a", models.SyncPhaseInbound, 5, 10)
	return &u, nil
}

func setupSyncApp(runner *fakeRunner, audits *fakeAudits) *fiber.App {
	h := NewSyncHandler(runner, audits, fakeProgress{}, time.Minute)
	app := fiber.New()
	app.Post("/api/clinics/:clinicId/sync", h.TriggerSync)
	app.Get("/api/clinics/:clinicId/audits", h.ListAudits)
	app.Get("/api/sync/:syncId/progress", h.GetProgress)
	return app
}

func decode(t *testing.T, body io.Reader, out any) {
	t.Helper()
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("invalid JSON %s: %v", data, err)
	}
}

func TestTriggerSync_StatusCodes(t *testing.T) {
	tests := []struct {
		name string
		path string
		err  error
		want int
	}{
		{"success", "/api/clinics/clinic-a/sync?mode=full", nil, fiber.StatusOK},
		{"default mode", "/api/clinics/clinic-a/sync", nil, fiber.StatusOK},
		{"unknown clinic", "/api/clinics/clinic-x/sync", nil, fiber.StatusNotFound},
		{"bad mode", "/api/clinics/clinic-a/sync?mode=sideways", nil, fiber.StatusBadRequest},
		{"contention", "/api/clinics/clinic-a/sync", casesync.ErrSyncInProgress, fiber.StatusConflict},
		{"login rejected", "/api/clinics/clinic-a/sync", fmt.Errorf("bootstrap: %w", casesync.ErrLoginRejected), fiber.StatusBadGateway},
		{"other failure", "/api/clinics/clinic-a/sync", errors.New("pool closed"), fiber.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := setupSyncApp(&fakeRunner{err: tt.err}, &fakeAudits{})
			resp, err := app.Test(httptest.NewRequest("POST", tt.path, nil), -1)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestTriggerSync_ReturnsRunResult(t *testing.T) {
	app := setupSyncApp(&fakeRunner{}, &fakeAudits{})
	resp, err := app.Test(httptest.NewRequest("POST", "/api/clinics/clinic-a/sync?mode=reconcile", nil), -1)
	if err != nil {
		t.Fatal(err)
	}

	var result models.RunResult
	decode(t, resp.Body, &result)
	if result.Mode != models.SyncPhaseReconcile || !result.Success || result.RunID != "run-1" {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestTriggerSync_Async(t *testing.T) {
	runner := &fakeRunner{modes: make(chan models.SyncPhase, 1)}
	app := setupSyncApp(runner, &fakeAudits{})

	resp, err := app.Test(httptest.NewRequest("POST", "/api/clinics/clinic-a/sync?mode=inbound&async=true", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	select {
	case mode := <-runner.modes:
		if mode != models.SyncPhaseInbound {
			t.Errorf("mode = %s", mode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("async run never started")
	}
}

func TestListAudits(t *testing.T) {
	audits := &fakeAudits{}
	app := setupSyncApp(&fakeRunner{}, audits)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/clinics/clinic-a/audits?limit=10", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Audits []models.SyncAudit `json:"audits"`
	}
	decode(t, resp.Body, &body)
	if len(body.Audits) != 1 || body.Audits[0].ClinicID != "clinic-a" {
		t.Errorf("audits = %+v", body.Audits)
	}
	if audits.limit != 10 {
		t.Errorf("limit = %d", audits.limit)
	}
}

func TestGetProgress(t *testing.T) {
	app := setupSyncApp(&fakeRunner{}, &fakeAudits{})

	resp, _ := app.Test(httptest.NewRequest("GET", "/api/sync/s1/progress", nil), -1)
	var update models.ProgressUpdate
	decode(t, resp.Body, &update)
	if update.Percentage != 50 {
		t.Errorf("percentage = %v", update.Percentage)
	}

	resp, _ = app.Test(httptest.NewRequest("GET", "/api/sync/missing/progress", nil), -1)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestHealthHandler(t *testing.T) {
	healthy := NewHealthHandler(map[string]HealthCheck{
		"mongodb": func(ctx context.Context) error { return nil },
	}, func() browser.Stats { return browser.Stats{Engines: 1, MaxEngines: 2} })

	app := fiber.New()
	app.Get("/health", healthy.Handle)

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	decode(t, resp.Body, &body)
	if body["status"] != "healthy" {
		t.Errorf("body = %v", body)
	}

	degraded := NewHealthHandler(map[string]HealthCheck{
		"redis": func(ctx context.Context) error { return errors.New("connection refused") },
	}, nil)
	app = fiber.New()
	app.Get("/health", degraded.Handle)

	resp, _ = app.Test(httptest.NewRequest("GET", "/health", nil))
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
