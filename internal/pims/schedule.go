package pims

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"pimssync/internal/browser"
)

// RemoteTimeLayout is the remote system's local-time wire format
const RemoteTimeLayout = "2006-01-02 15:04:05"

// Appointment is a remote appointment mapped into domain shape
type Appointment struct {
	ID              string
	Status          string
	ConsultationID  string
	Reason          string
	Type            string
	PatientID       string
	PatientName     string
	Species         string
	ClientID        string
	ClientName      string
	ClientPhone     string
	ProviderName    string
	Start           time.Time
	End             time.Time
	DurationMinutes int
	IsBlock         bool
	IsUrgent        bool
	Raw             map[string]any
}

// ScheduleConfig locates the appointments endpoint
type ScheduleConfig struct {
	AppointmentsPath string
	Location         *time.Location // clinic timezone for the wire format
}

// ScheduleClient reads the remote calendar
type ScheduleClient struct {
	pool      *browser.Pool
	auth      browser.Authenticator
	requester *Requester
	cfg       ScheduleConfig
}

// NewScheduleClient creates a schedule client
func NewScheduleClient(pool *browser.Pool, auth browser.Authenticator, requester *Requester, cfg ScheduleConfig) *ScheduleClient {
	if cfg.AppointmentsPath == "" {
		cfg.AppointmentsPath = "/api/schedule/appointments"
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &ScheduleClient{pool: pool, auth: auth, requester: requester, cfg: cfg}
}

// FetchAppointments returns appointments in [start, end), or an empty slice on any
// failure. Use FetchAppointmentsStrict where a failed fetch must not look like "no data".
func (c *ScheduleClient) FetchAppointments(ctx context.Context, start, end time.Time) []Appointment {
	appts, err := c.FetchAppointmentsStrict(ctx, start, end)
	if err != nil {
		log.Printf("⚠️  [PIMS] Appointment fetch failed, returning empty list: %v", err)
		return []Appointment{}
	}
	return appts
}

// FetchAppointmentsStrict returns appointments in [start, end) with block entries removed
func (c *ScheduleClient) FetchAppointmentsStrict(ctx context.Context, start, end time.Time) ([]Appointment, error) {
	if !end.After(start) {
		return nil, &Error{Category: CategoryValidation, Op: "fetch_appointments", Err: errors.New("end must be after start")}
	}

	query := url.Values{}
	query.Set("start", start.In(c.cfg.Location).Format(RemoteTimeLayout))
	query.Set("end", end.In(c.cfg.Location).Format(RemoteTimeLayout))

	var resp *Response
	err := c.pool.WithAuthenticatedPage(ctx, c.auth, func(ctx context.Context, page browser.Page) error {
		r, err := c.requester.Do(ctx, page, "fetch_appointments", Request{Path: c.cfg.AppointmentsPath, Query: query})
		resp = r
		return err
	})
	if err != nil {
		return nil, Wrap("fetch_appointments", "", err)
	}

	items, err := appointmentItems([]byte(resp.Body))
	if err != nil {
		return nil, &Error{Category: CategoryValidation, Op: "fetch_appointments", Err: err}
	}

	appts := make([]Appointment, 0, len(items))
	blocks, malformed := 0, 0
	for _, item := range items {
		appt, err := mapAppointment(item, c.cfg.Location)
		if err != nil {
			malformed++
			log.Printf("⚠️  [PIMS] Skipping malformed appointment: %v", err)
			continue
		}
		if appt.IsBlock {
			blocks++
			continue
		}
		appts = append(appts, appt)
	}

	log.Printf("📅 [PIMS] Fetched %d appointments (%s → %s, %d blocks filtered, %d malformed)",
		len(appts), query.Get("start"), query.Get("end"), blocks, malformed)
	return appts, nil
}

var urgentMarkers = []string{"urgent", "emergency", "emergencia", "urgencia"}

func mapAppointment(item map[string]any, loc *time.Location) (Appointment, error) {
	appt := Appointment{
		ID:             str(item, "id", "appointment_id", "appointmentId"),
		Status:         strings.ToLower(str(item, "status", "state")),
		ConsultationID: str(item, "consultation_id", "consultationId"),
		Reason:         str(item, "reason", "title", "description"),
		Type:           strings.ToLower(str(item, "type", "appointment_type", "appointmentType")),
		PatientID:      str(item, "patient_id", "patientId", "pet_id"),
		PatientName:    str(item, "patient_name", "patientName", "pet_name"),
		Species:        str(item, "species"),
		ClientID:       str(item, "client_id", "clientId", "owner_id"),
		ClientName:     str(item, "client_name", "clientName", "owner_name"),
		ClientPhone:    str(item, "client_phone", "clientPhone", "phone"),
		ProviderName:   str(item, "vet_name", "provider_name", "providerName", "resource"),
		Raw:            item,
	}
	appt.IsBlock = appt.Type == "block" || boolean(item, "is_block", "isBlock", "block")
	if appt.IsBlock {
		return appt, nil
	}
	if appt.ID == "" {
		return Appointment{}, errors.New("appointment without id")
	}

	start, err := parseRemoteTime(str(item, "start", "start_time", "startTime"), RemoteTimeLayout, loc)
	if err != nil {
		return Appointment{}, fmt.Errorf("appointment %s: start: %w", appt.ID, err)
	}
	appt.Start = start
	appt.End = start

	if end, err := parseRemoteTime(str(item, "end", "end_time", "endTime"), RemoteTimeLayout, loc); err == nil && end.After(start) {
		appt.End = end
		appt.DurationMinutes = int(end.Sub(start).Minutes())
	} else if d := number(item, "duration"); d > 0 {
		appt.DurationMinutes = int(d)
		appt.End = start.Add(time.Duration(d) * time.Minute)
	}

	appt.IsUrgent = boolean(item, "urgent", "is_urgent", "isUrgent")
	if !appt.IsUrgent {
		text := strings.ToLower(appt.Type + " " + appt.Reason)
		appt.IsUrgent = containsAny(text, urgentMarkers...)
	}
	return appt, nil
}
