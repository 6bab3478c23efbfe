package handlers

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"pimssync/internal/casesync"
	"pimssync/internal/models"
	"pimssync/internal/services"
	"pimssync/internal/store"
)

// SyncRunner runs orchestrated syncs by clinic
type SyncRunner interface {
	RunClinic(ctx context.Context, clinicID string, mode models.SyncPhase) (*models.RunResult, error)
	HasClinic(clinicID string) bool
}

// AuditReader lists past phase runs
type AuditReader interface {
	ListAudits(ctx context.Context, clinicID string, limit int64) ([]models.SyncAudit, error)
}

// ProgressReader reads the progress row of a run
type ProgressReader interface {
	GetProgress(ctx context.Context, syncID string) (*models.ProgressUpdate, error)
}

// SyncHandler exposes manual sync triggers and run history
type SyncHandler struct {
	runner     SyncRunner
	audits     AuditReader
	progress   ProgressReader
	runTimeout time.Duration
}

// NewSyncHandler creates a sync handler
func NewSyncHandler(runner SyncRunner, audits AuditReader, progress ProgressReader, runTimeout time.Duration) *SyncHandler {
	if runTimeout <= 0 {
		runTimeout = time.Hour
	}
	return &SyncHandler{runner: runner, audits: audits, progress: progress, runTimeout: runTimeout}
}

// TriggerSync runs a sync for one clinic
// POST /api/clinics/:clinicId/sync?mode=bidirectional&async=true
func (h *SyncHandler) TriggerSync(c *fiber.Ctx) error {
	clinicID := c.Params("clinicId")
	if !h.runner.HasClinic(clinicID) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Clinic not found or disabled",
		})
	}

	mode, err := casesync.ParseMode(c.Query("mode"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	if c.QueryBool("async", false) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), h.runTimeout)
			defer cancel()
			if _, err := h.runner.RunClinic(ctx, clinicID, mode); err != nil {
				log.Printf("❌ [SYNC] Async %s sync for clinic %s failed: %v", mode, clinicID, err)
			}
		}()
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"clinicId": clinicID,
			"mode":     mode,
			"status":   "accepted",
		})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), h.runTimeout)
	defer cancel()

	result, err := h.runner.RunClinic(ctx, clinicID, mode)
	switch {
	case errors.Is(err, casesync.ErrSyncInProgress):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "A sync is already running for this clinic",
		})
	case errors.Is(err, services.ErrClinicNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Clinic not found or disabled",
		})
	case errors.Is(err, casesync.ErrLoginRejected):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":  "PIMS rejected the clinic credentials",
			"result": result,
		})
	case err != nil:
		log.Printf("❌ [SYNC] %s sync for clinic %s failed: %v", mode, clinicID, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":  err.Error(),
			"result": result,
		})
	}

	return c.JSON(result)
}

// ListAudits returns recent phase runs of a clinic
// GET /api/clinics/:clinicId/audits?limit=50
func (h *SyncHandler) ListAudits(c *fiber.Ctx) error {
	audits, err := h.audits.ListAudits(c.UserContext(), c.Params("clinicId"), int64(c.QueryInt("limit", 50)))
	if err != nil {
		log.Printf("❌ [SYNC] Failed to list audits: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list audits",
		})
	}
	return c.JSON(fiber.Map{"audits": audits})
}

// GetProgress returns the latest progress sample of a run
// GET /api/sync/:syncId/progress
func (h *SyncHandler) GetProgress(c *fiber.Ctx) error {
	update, err := h.progress.GetProgress(c.UserContext(), c.Params("syncId"))
	if errors.Is(err, store.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No progress for this sync",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to read progress",
		})
	}
	return c.JSON(update)
}
