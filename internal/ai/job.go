package ai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"pimssync/internal/models"
)

// Job asks for AI artifacts for one enriched case
type Job struct {
	ID             string    `json:"id"`
	CaseID         string    `json:"caseId"`
	ClinicID       string    `json:"clinicId"`
	ConsultationID string    `json:"consultationId,omitempty"`
	PatientName    string    `json:"patientName,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	ClinicalText   string    `json:"clinicalText"`
	SyncID         string    `json:"syncId,omitempty"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
}

// NewJob builds a job for an enriched case
func NewJob(c *models.Case, syncID string) Job {
	job := Job{
		ID:         uuid.New().String(),
		CaseID:     c.ID.Hex(),
		ClinicID:   c.ClinicID,
		SyncID:     syncID,
		EnqueuedAt: time.Now().UTC(),
	}
	if appt := c.Metadata.PimsAppointment; appt != nil {
		job.PatientName = appt.PatientName
		job.Reason = appt.Reason
		job.ConsultationID = appt.ConsultationID
	}
	if consult := c.Metadata.PimsConsultation; consult != nil {
		job.ClinicalText = consult.ClinicalText()
	}
	return job
}

// Generator is the external AI content collaborator
type Generator interface {
	// ExtractEntities may return nil when nothing was found
	ExtractEntities(ctx context.Context, clinicalText string) (*models.ExtractedEntities, error)
	GenerateDischargeSummary(ctx context.Context, job Job) (string, error)
	GenerateCallIntelligence(ctx context.Context, job Job) (map[string]any, error)
}

// CaseWriter persists AI artifacts onto a case
type CaseWriter interface {
	UpdateCase(ctx context.Context, id primitive.ObjectID, update models.CaseUpdate) error
}

// Processor runs every AI step for a job and writes what succeeded
type Processor struct {
	gen   Generator
	cases CaseWriter
	now   func() time.Time
}

// NewProcessor creates a processor
func NewProcessor(gen Generator, cases CaseWriter) *Processor {
	return &Processor{gen: gen, cases: cases, now: time.Now}
}

// Process runs entity extraction, discharge summary and call intelligence. A failed
// step does not stop the others; all failures are joined into the returned error.
func (p *Processor) Process(ctx context.Context, job Job) error {
	caseID, err := primitive.ObjectIDFromHex(job.CaseID)
	if err != nil {
		return fmt.Errorf("job %s: invalid case id %q: %w", job.ID, job.CaseID, err)
	}
	if job.ClinicalText == "" {
		return fmt.Errorf("job %s: no clinical text", job.ID)
	}

	var errs []error
	now := p.now().UTC()
	update := models.CaseUpdate{}

	entities, err := p.gen.ExtractEntities(ctx, job.ClinicalText)
	if err != nil {
		errs = append(errs, fmt.Errorf("extract entities: %w", err))
	} else if entities != nil {
		if entities.ExtractedAt.IsZero() {
			entities.ExtractedAt = now
		}
		update.Entities = entities
	}

	artifacts := &models.AIArtifacts{GeneratedAt: now}
	summary, err := p.gen.GenerateDischargeSummary(ctx, job)
	if err != nil {
		errs = append(errs, fmt.Errorf("discharge summary: %w", err))
	} else {
		artifacts.DischargeSummary = summary
	}

	intel, err := p.gen.GenerateCallIntelligence(ctx, job)
	if err != nil {
		errs = append(errs, fmt.Errorf("call intelligence: %w", err))
	} else {
		artifacts.CallIntelligence = intel
	}

	if artifacts.DischargeSummary != "" || artifacts.CallIntelligence != nil {
		update.AI = artifacts
	}

	if !update.IsEmpty() {
		if err := p.cases.UpdateCase(ctx, caseID, update); err != nil {
			errs = append(errs, fmt.Errorf("save artifacts: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("job %s for case %s: %w", job.ID, job.CaseID, errors.Join(errs...))
	}
	log.Printf("🤖 [AI] Generated artifacts for case %s", job.CaseID)
	return nil
}
