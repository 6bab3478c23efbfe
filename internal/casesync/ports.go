package casesync

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"pimssync/internal/ai"
	"pimssync/internal/models"
	"pimssync/internal/pims"
)

var (
	// ErrSyncInProgress is returned when another orchestrated run holds the clinic lock
	ErrSyncInProgress = errors.New("a sync is already running for this clinic")

	// ErrLoginRejected means the remote system refused the configured credentials
	ErrLoginRejected = errors.New("pims login rejected")
)

// CaseStore is the local case collection
type CaseStore interface {
	// FindByExternalIDs returns the clinic's cases whose external id is in ids
	FindByExternalIDs(ctx context.Context, clinicID string, ids []string) ([]models.Case, error)
	// InsertCase stores c and assigns its ID
	InsertCase(ctx context.Context, c *models.Case) error
	UpdateCase(ctx context.Context, id primitive.ObjectID, update models.CaseUpdate) error
	// FindCasesForEnrichment returns cases from source scheduled inside window that
	// link a consultation and have not been enriched yet
	FindCasesForEnrichment(ctx context.Context, clinicID, source string, window models.DateRange) ([]models.Case, error)
	// FindCasesForReconciliation returns cases from source scheduled inside window that
	// carry an external id and are not soft deleted
	FindCasesForReconciliation(ctx context.Context, clinicID, source string, window models.DateRange) ([]models.Case, error)
}

// AuditStore records one row per phase run
type AuditStore interface {
	StartAudit(ctx context.Context, audit *models.SyncAudit) error
	FinishAudit(ctx context.Context, audit *models.SyncAudit) error
}

// ScheduleSource fetches remote appointments, failing loudly on any error
type ScheduleSource interface {
	FetchAppointmentsStrict(ctx context.Context, start, end time.Time) ([]pims.Appointment, error)
}

// ConsultationSource batch-fetches remote consultations
type ConsultationSource interface {
	FetchConsultations(ctx context.Context, ids []string) *pims.BatchResult
}

// AIDispatcher hands enriched cases to AI generation without blocking
type AIDispatcher interface {
	Dispatch(ctx context.Context, jobs ...ai.Job)
}

// RunLock serializes orchestrated runs per clinic across instances
type RunLock interface {
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, owner string) (bool, error)
}

// EventPublisher announces finished runs
type EventPublisher interface {
	PublishSyncCompleted(ctx context.Context, event models.SyncCompletedEvent) error
}

// SessionCache persists serialized PIMS session credentials between runs
type SessionCache interface {
	// LoadSession returns "" when nothing is cached
	LoadSession(ctx context.Context, clinicID string) (string, error)
	SaveSession(ctx context.Context, clinicID, credential string, ttl time.Duration) error
	DeleteSession(ctx context.Context, clinicID string) error
}
