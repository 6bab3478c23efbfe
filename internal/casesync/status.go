package casesync

import (
	"strings"

	"pimssync/internal/models"
	"pimssync/internal/pims"
)

var (
	remoteCompleted = []string{"completed", "complete", "finished", "checked_out", "checkedout", "closed", "invoiced", "done", "paid"}
	remoteOngoing   = []string{"in_progress", "inprogress", "arrived", "checked_in", "checkedin", "in_consultation", "with_vet", "ongoing", "started"}
	remoteCancelled = []string{"cancelled", "canceled", "no_show", "noshow", "deleted", "void"}
)

// localStatus maps a remote appointment status onto the case lifecycle. Unknown and
// future-facing statuses map to draft.
func localStatus(remote string) models.CaseStatus {
	s := normalizeStatus(remote)
	switch {
	case matches(s, remoteCompleted):
		return models.CaseStatusCompleted
	case matches(s, remoteOngoing):
		return models.CaseStatusOngoing
	default:
		return models.CaseStatusDraft
	}
}

// isCancelled reports whether the remote status means the visit will not happen
func isCancelled(remote string) bool {
	return matches(normalizeStatus(remote), remoteCancelled)
}

var statusRank = map[models.CaseStatus]int{
	models.CaseStatusDraft:     0,
	models.CaseStatusOngoing:   1,
	models.CaseStatusCompleted: 2,
	models.CaseStatusReviewed:  3,
}

// advances reports whether moving from current to next goes forward in the lifecycle.
// Local progress (e.g. a reviewed case) is never rolled back by the remote.
func advances(current, next models.CaseStatus) bool {
	return statusRank[next] > statusRank[current]
}

func normalizeStatus(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	return strings.ReplaceAll(s, " ", "_")
}

func matches(s string, set []string) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

// snapshotOf converts a remote appointment into its case metadata form
func snapshotOf(appt pims.Appointment) *models.PimsAppointmentSnapshot {
	return &models.PimsAppointmentSnapshot{
		ID:              appt.ID,
		Status:          appt.Status,
		ConsultationID:  appt.ConsultationID,
		Reason:          appt.Reason,
		Type:            appt.Type,
		PatientID:       appt.PatientID,
		PatientName:     appt.PatientName,
		Species:         appt.Species,
		ClientID:        appt.ClientID,
		ClientName:      appt.ClientName,
		ClientPhone:     appt.ClientPhone,
		ProviderName:    appt.ProviderName,
		Start:           appt.Start,
		End:             appt.End,
		DurationMinutes: appt.DurationMinutes,
		Raw:             appt.Raw,
	}
}
