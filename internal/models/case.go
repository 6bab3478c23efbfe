package models

import (
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// CaseStatus is the local lifecycle of a clinic visit
type CaseStatus string

const (
	CaseStatusDraft     CaseStatus = "draft"
	CaseStatusOngoing   CaseStatus = "ongoing"
	CaseStatusCompleted CaseStatus = "completed"
	CaseStatusReviewed  CaseStatus = "reviewed"

	// CaseStatusArchived is the terminal status used for soft deletes
	CaseStatusArchived = CaseStatusReviewed
)

// PimsSourcePrefix marks cases created by the PIMS sync
const PimsSourcePrefix = "pims:"

// ExternalAppointmentID builds the idempotency key for a remote appointment
func ExternalAppointmentID(provider, remoteID string) string {
	return fmt.Sprintf("pims-appt-%s-%s", provider, remoteID)
}

// RemoteIDFromExternalID reverses ExternalAppointmentID. ok is false for keys of another provider.
func RemoteIDFromExternalID(provider, externalID string) (string, bool) {
	prefix := fmt.Sprintf("pims-appt-%s-", provider)
	if !strings.HasPrefix(externalID, prefix) || len(externalID) == len(prefix) {
		return "", false
	}
	return externalID[len(prefix):], true
}

// PimsSource returns the source tag for a provider
func PimsSource(provider string) string {
	return PimsSourcePrefix + provider
}

// Case is one clinic visit in the local store
type Case struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	ClinicID    string             `bson:"clinicId" json:"clinicId"`
	ExternalID  string             `bson:"externalId,omitempty" json:"externalId,omitempty"`
	Status      CaseStatus         `bson:"status" json:"status"`
	ScheduledAt *time.Time         `bson:"scheduledAt,omitempty" json:"scheduledAt,omitempty"`
	Source      string             `bson:"source" json:"source"`
	IsUrgent    bool               `bson:"isUrgent" json:"isUrgent"`
	Metadata    CaseMetadata       `bson:"metadata" json:"metadata"`

	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// IsSoftDeleted reports whether reconciliation archived the case
func (c *Case) IsSoftDeleted() bool {
	return c.Metadata.Reconciliation != nil && c.Metadata.Reconciliation.SoftDeleted
}

// CaseMetadata holds the sub-documents each sync phase owns. Phases only ever
// write their own sub-document through CaseUpdate.
type CaseMetadata struct {
	PimsAppointment  *PimsAppointmentSnapshot  `bson:"pimsAppointment,omitempty" json:"pimsAppointment,omitempty"`
	PimsConsultation *PimsConsultationSnapshot `bson:"pimsConsultation,omitempty" json:"pimsConsultation,omitempty"`
	Entities         *ExtractedEntities        `bson:"entities,omitempty" json:"entities,omitempty"`
	AI               *AIArtifacts              `bson:"ai,omitempty" json:"ai,omitempty"`
	Reconciliation   *ReconciliationInfo       `bson:"reconciliation,omitempty" json:"reconciliation,omitempty"`
	EnrichedAt       *time.Time                `bson:"enrichedAt,omitempty" json:"enrichedAt,omitempty"`
	Sync             SyncProvenance            `bson:"sync" json:"sync"`
}

// PimsAppointmentSnapshot is the remote appointment as last seen
type PimsAppointmentSnapshot struct {
	ID              string         `bson:"id" json:"id"`
	Status          string         `bson:"status" json:"status"`
	ConsultationID  string         `bson:"consultationId,omitempty" json:"consultationId,omitempty"`
	Reason          string         `bson:"reason,omitempty" json:"reason,omitempty"`
	Type            string         `bson:"type,omitempty" json:"type,omitempty"`
	PatientID       string         `bson:"patientId,omitempty" json:"patientId,omitempty"`
	PatientName     string         `bson:"patientName,omitempty" json:"patientName,omitempty"`
	Species         string         `bson:"species,omitempty" json:"species,omitempty"`
	ClientID        string         `bson:"clientId,omitempty" json:"clientId,omitempty"`
	ClientName      string         `bson:"clientName,omitempty" json:"clientName,omitempty"`
	ClientPhone     string         `bson:"clientPhone,omitempty" json:"clientPhone,omitempty"`
	ProviderName    string         `bson:"providerName,omitempty" json:"providerName,omitempty"`
	Start           time.Time      `bson:"start" json:"start"`
	End             time.Time      `bson:"end" json:"end"`
	DurationMinutes int            `bson:"durationMinutes" json:"durationMinutes"`
	Raw             map[string]any `bson:"raw,omitempty" json:"raw,omitempty"`
}

// ChangedFrom reports whether any tracked field differs from prev
func (s *PimsAppointmentSnapshot) ChangedFrom(prev *PimsAppointmentSnapshot) bool {
	if prev == nil {
		return true
	}
	return s.Status != prev.Status ||
		s.ConsultationID != prev.ConsultationID ||
		s.Reason != prev.Reason ||
		s.PatientName != prev.PatientName ||
		s.ClientPhone != prev.ClientPhone
}

// ConsultationLine is one billed or declined product/service
type ConsultationLine struct {
	Code        string  `bson:"code,omitempty" json:"code,omitempty"`
	Description string  `bson:"description" json:"description"`
	Quantity    float64 `bson:"quantity" json:"quantity"`
	UnitPrice   float64 `bson:"unitPrice,omitempty" json:"unitPrice,omitempty"`
}

// PimsConsultationSnapshot is the clinical detail merged by enrichment
type PimsConsultationSnapshot struct {
	ID               string             `bson:"id" json:"id"`
	Notes            string             `bson:"notes,omitempty" json:"notes,omitempty"`
	DischargeSummary string             `bson:"dischargeSummary,omitempty" json:"dischargeSummary,omitempty"`
	BilledItems      []ConsultationLine `bson:"billedItems,omitempty" json:"billedItems,omitempty"`
	DeclinedItems    []ConsultationLine `bson:"declinedItems,omitempty" json:"declinedItems,omitempty"`
	Raw              map[string]any     `bson:"raw,omitempty" json:"raw,omitempty"`
}

// HasClinicalContent reports whether there is anything worth sending to AI generation
func (s *PimsConsultationSnapshot) HasClinicalContent() bool {
	if s == nil {
		return false
	}
	return strings.TrimSpace(s.Notes) != "" || strings.TrimSpace(s.DischargeSummary) != ""
}

// ClinicalText concatenates the free-text clinical fields
func (s *PimsConsultationSnapshot) ClinicalText() string {
	parts := make([]string, 0, 2)
	if t := strings.TrimSpace(s.Notes); t != "" {
		parts = append(parts, t)
	}
	if t := strings.TrimSpace(s.DischargeSummary); t != "" {
		parts = append(parts, t)
	}
	return strings.Join(parts, "\n\n")
}

// ExtractedEntities are derived by AI from clinical text
type ExtractedEntities struct {
	Diagnoses   []string  `bson:"diagnoses,omitempty" json:"diagnoses,omitempty"`
	Medications []string  `bson:"medications,omitempty" json:"medications,omitempty"`
	Procedures  []string  `bson:"procedures,omitempty" json:"procedures,omitempty"`
	FollowUps   []string  `bson:"followUps,omitempty" json:"followUps,omitempty"`
	ExtractedAt time.Time `bson:"extractedAt" json:"extractedAt"`
}

// AIArtifacts are generated documents attached after enrichment
type AIArtifacts struct {
	DischargeSummary string         `bson:"dischargeSummary,omitempty" json:"dischargeSummary,omitempty"`
	CallIntelligence map[string]any `bson:"callIntelligence,omitempty" json:"callIntelligence,omitempty"`
	GeneratedAt      time.Time      `bson:"generatedAt" json:"generatedAt"`
}

// ReconciliationInfo records why reconciliation touched a case
type ReconciliationInfo struct {
	SoftDeleted    bool       `bson:"softDeleted" json:"softDeleted"`
	Reason         string     `bson:"reason" json:"reason"`
	PreviousStatus CaseStatus `bson:"previousStatus,omitempty" json:"previousStatus,omitempty"`
	RemoteStatus   string     `bson:"remoteStatus,omitempty" json:"remoteStatus,omitempty"`
	ReconciledAt   time.Time  `bson:"reconciledAt" json:"reconciledAt"`
	SyncID         string     `bson:"syncId" json:"syncId"`
}

// Soft-delete reasons
const (
	ReconcileReasonMissingRemote   = "missing_from_remote"
	ReconcileReasonCancelledRemote = "cancelled_in_remote"
	ReconcileReasonStatusChanged   = "status_changed"
)

// SyncProvenance tracks when the sync last wrote a case
type SyncProvenance struct {
	FirstSyncedAt *time.Time `bson:"firstSyncedAt,omitempty" json:"firstSyncedAt,omitempty"`
	LastSyncedAt  *time.Time `bson:"lastSyncedAt,omitempty" json:"lastSyncedAt,omitempty"`
	LastSyncID    string     `bson:"lastSyncId,omitempty" json:"lastSyncId,omitempty"`
	LastPhase     SyncPhase  `bson:"lastPhase,omitempty" json:"lastPhase,omitempty"`
}

// CaseUpdate is a field-level patch. Nil fields are left untouched, so independent
// phases never overwrite each other's sub-documents.
type CaseUpdate struct {
	Status       *CaseStatus
	ScheduledAt  *time.Time
	IsUrgent     *bool
	Appointment  *PimsAppointmentSnapshot
	Consultation *PimsConsultationSnapshot
	EnrichedAt   *time.Time
	Entities     *ExtractedEntities
	AI           *AIArtifacts

	Reconciliation      *ReconciliationInfo
	ClearReconciliation bool

	SyncID string
	Phase  SyncPhase
}

// IsEmpty reports whether the patch changes nothing besides provenance
func (u CaseUpdate) IsEmpty() bool {
	return u.Status == nil && u.ScheduledAt == nil && u.IsUrgent == nil &&
		u.Appointment == nil && u.Consultation == nil && u.EnrichedAt == nil &&
		u.Entities == nil && u.AI == nil && u.Reconciliation == nil && !u.ClearReconciliation
}

// Apply merges the patch into c. Stores that cannot patch server-side use this.
func (u CaseUpdate) Apply(c *Case, now time.Time) {
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.ScheduledAt != nil {
		t := *u.ScheduledAt
		c.ScheduledAt = &t
	}
	if u.IsUrgent != nil {
		c.IsUrgent = *u.IsUrgent
	}
	if u.Appointment != nil {
		c.Metadata.PimsAppointment = u.Appointment
	}
	if u.Consultation != nil {
		c.Metadata.PimsConsultation = u.Consultation
	}
	if u.EnrichedAt != nil {
		t := *u.EnrichedAt
		c.Metadata.EnrichedAt = &t
	}
	if u.Entities != nil {
		c.Metadata.Entities = u.Entities
	}
	if u.AI != nil {
		c.Metadata.AI = u.AI
	}
	if u.ClearReconciliation {
		c.Metadata.Reconciliation = nil
	}
	if u.Reconciliation != nil {
		c.Metadata.Reconciliation = u.Reconciliation
	}
	if u.SyncID != "" {
		c.Metadata.Sync.LastSyncID = u.SyncID
		c.Metadata.Sync.LastPhase = u.Phase
		t := now
		c.Metadata.Sync.LastSyncedAt = &t
	}
	c.UpdatedAt = now
}
