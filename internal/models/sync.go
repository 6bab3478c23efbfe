package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// SyncPhase names a pipeline phase or an orchestrated composition of phases
type SyncPhase string

const (
	SyncPhaseInbound       SyncPhase = "inbound"
	SyncPhaseEnrichment    SyncPhase = "enrichment"
	SyncPhaseReconcile     SyncPhase = "reconciliation"
	SyncPhaseFull          SyncPhase = "full"
	SyncPhaseBidirectional SyncPhase = "bidirectional"
)

// DateRange is a half-open [Start, End) window
type DateRange struct {
	Start time.Time `bson:"start" json:"start"`
	End   time.Time `bson:"end" json:"end"`
}

// Contains reports whether t falls inside the window
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// SyncStats are commutative per-run counters
type SyncStats struct {
	Total   int `bson:"total" json:"total"`
	Created int `bson:"created" json:"created"`
	Updated int `bson:"updated" json:"updated"`
	Skipped int `bson:"skipped" json:"skipped"`
	Failed  int `bson:"failed" json:"failed"`
	Deleted int `bson:"deleted" json:"deleted"`
}

// Add accumulates other into s
func (s *SyncStats) Add(other SyncStats) {
	s.Total += other.Total
	s.Created += other.Created
	s.Updated += other.Updated
	s.Skipped += other.Skipped
	s.Failed += other.Failed
	s.Deleted += other.Deleted
}

// Processed is the number of items that reached a terminal outcome
func (s SyncStats) Processed() int {
	return s.Created + s.Updated + s.Skipped + s.Failed + s.Deleted
}

// SyncError is one per-item or per-phase failure reported in a run result
type SyncError struct {
	Message string         `bson:"message" json:"message"`
	Context map[string]any `bson:"context,omitempty" json:"context,omitempty"`
}

// SyncResult is returned by every phase run. Success is true only when Errors is empty.
type SyncResult struct {
	Success    bool        `json:"success"`
	SyncID     string      `json:"syncId"`
	Phase      SyncPhase   `json:"phase"`
	Stats      SyncStats   `json:"stats"`
	DurationMs int64       `json:"durationMs"`
	Errors     []SyncError `json:"errors,omitempty"`
}

// RunResult aggregates the phases of one orchestrated run
type RunResult struct {
	Success    bool         `json:"success"`
	RunID      string       `json:"runId"`
	ClinicID   string       `json:"clinicId"`
	Mode       SyncPhase    `json:"mode"`
	Phases     []SyncResult `json:"phases"`
	Stats      SyncStats    `json:"stats"`
	DurationMs int64        `json:"durationMs"`
	Errors     []SyncError  `json:"errors,omitempty"`
}

// AddPhase folds one phase result into the run. Success stays the AND of all phases.
func (r *RunResult) AddPhase(phase SyncResult) {
	if len(r.Phases) == 0 {
		r.Success = true
	}
	r.Phases = append(r.Phases, phase)
	r.Stats.Add(phase.Stats)
	r.Errors = append(r.Errors, phase.Errors...)
	r.Success = r.Success && phase.Success
}

// AuditStatus is the lifecycle of a sync audit row
type AuditStatus string

const (
	AuditStatusInProgress AuditStatus = "in_progress"
	AuditStatusCompleted  AuditStatus = "completed"
	AuditStatusFailed     AuditStatus = "failed"
)

// SyncAudit is the durable record of one phase run
type SyncAudit struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	SyncID       string             `bson:"syncId" json:"syncId"`
	ClinicID     string             `bson:"clinicId" json:"clinicId"`
	Phase        SyncPhase          `bson:"phase" json:"phase"`
	Status       AuditStatus        `bson:"status" json:"status"`
	Window       *DateRange         `bson:"window,omitempty" json:"window,omitempty"`
	Stats        SyncStats          `bson:"stats" json:"stats"`
	ErrorMessage string             `bson:"errorMessage,omitempty" json:"errorMessage,omitempty"`
	ErrorCount   int                `bson:"errorCount" json:"errorCount"`
	StartedAt    time.Time          `bson:"startedAt" json:"startedAt"`
	CompletedAt  *time.Time         `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
	DurationMs   int64              `bson:"durationMs,omitempty" json:"durationMs,omitempty"`
}

// ProgressUpdate is one progress sample for a running phase
type ProgressUpdate struct {
	SyncID     string    `bson:"syncId" json:"syncId"`
	ClinicID   string    `bson:"clinicId" json:"clinicId"`
	Phase      SyncPhase `bson:"phase" json:"phase"`
	Processed  int       `bson:"processed" json:"processed"`
	Total      int       `bson:"total" json:"total"`
	Percentage float64   `bson:"percentage" json:"percentage"`
	Message    string    `bson:"message,omitempty" json:"message,omitempty"`
	UpdatedAt  time.Time `bson:"updatedAt" json:"updatedAt"`
}

// NewProgressUpdate computes the percentage for processed/total. An empty run is complete.
func NewProgressUpdate(syncID, clinicID string, phase SyncPhase, processed, total int) ProgressUpdate {
	pct := 100.0
	if total > 0 {
		pct = float64(processed) / float64(total) * 100
		if pct > 100 {
			pct = 100
		}
	}
	return ProgressUpdate{
		SyncID:     syncID,
		ClinicID:   clinicID,
		Phase:      phase,
		Processed:  processed,
		Total:      total,
		Percentage: pct,
	}
}

// IsComplete reports whether the update represents 100% completion
func (p ProgressUpdate) IsComplete() bool {
	return p.Percentage >= 100
}

// SyncCompletedEvent is published once per orchestrated run
type SyncCompletedEvent struct {
	Type       string    `json:"type"`
	RunID      string    `json:"runId"`
	ClinicID   string    `json:"clinicId"`
	Mode       SyncPhase `json:"mode"`
	Success    bool      `json:"success"`
	Stats      SyncStats `json:"stats"`
	ErrorCount int       `json:"errorCount"`
	DurationMs int64     `json:"durationMs"`
	FinishedAt time.Time `json:"finishedAt"`
}
