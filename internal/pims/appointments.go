package pims

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pimssync/internal/browser"
)

// AppointmentsConfig locates the appointment management surface
type AppointmentsConfig struct {
	NewFormPath        string // page hosting the booking form
	CreatePath         string
	CancelPathTemplate string // {id} is replaced with the escaped remote appointment id
	SearchPath         string
	CSRFField          string // form field carrying the token
	CSRFHeader         string
	CSRFCookies        []string
	Location           *time.Location
}

// DefaultAppointmentsConfig returns the paths of the supported PIMS UI
func DefaultAppointmentsConfig() AppointmentsConfig {
	return AppointmentsConfig{
		NewFormPath:        "/appointments/new",
		CreatePath:         "/appointments",
		CancelPathTemplate: "/appointments/{id}/cancel",
		SearchPath:         "/api/appointments/search",
		CSRFField:          "_token",
		CSRFHeader:         "X-CSRF-Token",
		CSRFCookies:        []string{"XSRF-TOKEN", "csrftoken", "csrf_token"},
		Location:           time.UTC,
	}
}

// NewAppointment is a booking request
type NewAppointment struct {
	PatientID       string
	ClientID        string
	ProviderID      string
	Start           time.Time
	DurationMinutes int
	Reason          string
	Type            string
}

// Validate checks the fields the remote form requires
func (n NewAppointment) Validate() error {
	var missing []string
	if n.PatientID == "" {
		missing = append(missing, "patientId")
	}
	if n.ClientID == "" {
		missing = append(missing, "clientId")
	}
	if n.Start.IsZero() {
		missing = append(missing, "start")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	if n.DurationMinutes < 0 {
		return errors.New("duration must not be negative")
	}
	return nil
}

// AppointmentClient books, cancels and searches remote appointments. Mutations drive
// the remote UI form because its CSRF token is bound to the page that rendered it.
type AppointmentClient struct {
	pool      *browser.Pool
	auth      browser.Authenticator
	requester *Requester
	cfg       AppointmentsConfig
}

// NewAppointmentClient creates an appointment management client
func NewAppointmentClient(pool *browser.Pool, auth browser.Authenticator, requester *Requester, cfg AppointmentsConfig) *AppointmentClient {
	defaults := DefaultAppointmentsConfig()
	if cfg.NewFormPath == "" {
		cfg.NewFormPath = defaults.NewFormPath
	}
	if cfg.CreatePath == "" {
		cfg.CreatePath = defaults.CreatePath
	}
	if cfg.CancelPathTemplate == "" {
		cfg.CancelPathTemplate = defaults.CancelPathTemplate
	}
	if cfg.SearchPath == "" {
		cfg.SearchPath = defaults.SearchPath
	}
	if cfg.CSRFField == "" {
		cfg.CSRFField = defaults.CSRFField
	}
	if cfg.CSRFHeader == "" {
		cfg.CSRFHeader = defaults.CSRFHeader
	}
	if len(cfg.CSRFCookies) == 0 {
		cfg.CSRFCookies = defaults.CSRFCookies
	}
	if cfg.Location == nil {
		cfg.Location = defaults.Location
	}
	return &AppointmentClient{pool: pool, auth: auth, requester: requester, cfg: cfg}
}

// FormSession owns one authenticated page for a whole mutating operation. The CSRF
// token read from that page is only valid for submissions made from it.
type FormSession struct {
	page      browser.Page
	token     string
	requester *Requester
	cfg       AppointmentsConfig
}

// Token returns the CSRF token captured when the form page loaded
func (s *FormSession) Token() string {
	return s.token
}

// Submit posts form from the session's page with the CSRF token attached
func (s *FormSession) Submit(ctx context.Context, op, path string, form url.Values) (*Response, error) {
	if form == nil {
		form = url.Values{}
	}
	form.Set(s.cfg.CSRFField, s.token)

	return s.requester.Do(ctx, s.page, op, Request{
		Method:  "POST",
		Path:    path,
		Form:    form,
		Headers: map[string]string{s.cfg.CSRFHeader: s.token},
	})
}

// WithFormSession authenticates a page, loads formPath on it, captures the CSRF token
// and runs fn. The page is released only after fn returns.
func (c *AppointmentClient) WithFormSession(ctx context.Context, formPath string, fn func(ctx context.Context, session *FormSession) error) error {
	return c.pool.WithAuthenticatedPage(ctx, c.auth, func(ctx context.Context, page browser.Page) error {
		if err := page.Navigate(ctx, c.requester.URL(formPath, nil)); err != nil {
			return Wrap("open_form", "", err)
		}

		token, err := c.readCSRFToken(ctx, page)
		if err != nil {
			return err
		}

		return fn(ctx, &FormSession{page: page, token: token, requester: c.requester, cfg: c.cfg})
	})
}

// csrfExpression reads the token from a meta tag or a hidden form field
const csrfExpression = `(() => {
  const meta = document.querySelector('meta[name="csrf-token"], meta[name="_csrf"], meta[name="csrf_token"]');
  const input = document.querySelector('input[type="hidden"][name="_token"], input[type="hidden"][name="csrf_token"], input[type="hidden"][name="_csrf"]');
  return { meta: meta ? meta.getAttribute("content") || "" : "", hidden: input ? input.value || "" : "" };
})()`

type csrfSources struct {
	Meta   string `json:"meta"`
	Hidden string `json:"hidden"`
}

// readCSRFToken checks the meta tag, then cookies, then hidden inputs
func (c *AppointmentClient) readCSRFToken(ctx context.Context, page browser.Page) (string, error) {
	var sources csrfSources
	if err := page.Evaluate(ctx, csrfExpression, &sources); err != nil {
		return "", Wrap("read_csrf", "", err)
	}
	if sources.Meta != "" {
		return sources.Meta, nil
	}

	cookies, err := page.Cookies(ctx)
	if err != nil {
		return "", Wrap("read_csrf", "", err)
	}
	for _, name := range c.cfg.CSRFCookies {
		for _, cookie := range cookies {
			if cookie.Name == name && cookie.Value != "" {
				if v, err := url.QueryUnescape(cookie.Value); err == nil {
					return v, nil
				}
				return cookie.Value, nil
			}
		}
	}

	if sources.Hidden != "" {
		return sources.Hidden, nil
	}
	return "", &Error{Category: CategoryAuth, Op: "read_csrf", Err: errors.New("no CSRF token on page; session may have expired")}
}

// CreateAppointment books an appointment and returns its remote id
func (c *AppointmentClient) CreateAppointment(ctx context.Context, appt NewAppointment) (string, error) {
	if err := appt.Validate(); err != nil {
		return "", &Error{Category: CategoryValidation, Op: "create_appointment", Err: err}
	}

	duration := appt.DurationMinutes
	if duration == 0 {
		duration = 15
	}
	start := appt.Start.In(c.cfg.Location)

	form := url.Values{}
	form.Set("patient_id", appt.PatientID)
	form.Set("client_id", appt.ClientID)
	form.Set("start", start.Format(RemoteTimeLayout))
	form.Set("end", start.Add(time.Duration(duration)*time.Minute).Format(RemoteTimeLayout))
	form.Set("duration", strconv.Itoa(duration))
	form.Set("reason", appt.Reason)
	if appt.Type != "" {
		form.Set("type", appt.Type)
	}
	if appt.ProviderID != "" {
		form.Set("vet_id", appt.ProviderID)
	}

	var remoteID string
	err := c.WithFormSession(ctx, c.cfg.NewFormPath, func(ctx context.Context, session *FormSession) error {
		resp, err := session.Submit(ctx, "create_appointment", c.cfg.CreatePath, form)
		if err != nil {
			return err
		}

		var payload map[string]any
		if err := decodeObject([]byte(resp.Body), &payload); err != nil {
			return &Error{Category: CategoryValidation, Op: "create_appointment", Err: fmt.Errorf("invalid create response: %w", err)}
		}
		remoteID = str(payload, "id", "appointment_id")
		if remoteID == "" {
			if nested := object(payload, "appointment", "data"); nested != nil {
				remoteID = str(nested, "id", "appointment_id")
			}
		}
		if remoteID == "" {
			return &Error{Category: CategoryValidation, Op: "create_appointment", Err: errors.New("create response carried no appointment id")}
		}
		return nil
	})
	if err != nil {
		return "", Wrap("create_appointment", "", err)
	}

	log.Printf("📝 [PIMS] Created appointment %s for patient %s at %s", remoteID, appt.PatientID, start.Format(RemoteTimeLayout))
	return remoteID, nil
}

// CancelAppointment cancels a remote appointment from its own cancel form
func (c *AppointmentClient) CancelAppointment(ctx context.Context, id, reason string) error {
	if id == "" {
		return &Error{Category: CategoryValidation, Op: "cancel_appointment", Err: errors.New("empty appointment id")}
	}
	path := strings.ReplaceAll(c.cfg.CancelPathTemplate, "{id}", url.PathEscape(id))

	err := c.WithFormSession(ctx, path, func(ctx context.Context, session *FormSession) error {
		form := url.Values{}
		if reason != "" {
			form.Set("reason", reason)
		}
		_, err := session.Submit(ctx, "cancel_appointment", path, form)
		return err
	})
	if err != nil {
		return Wrap("cancel_appointment", id, err)
	}

	log.Printf("🗑️  [PIMS] Cancelled appointment %s", id)
	return nil
}

// SearchAppointments runs a free-text search (patient, client, phone)
func (c *AppointmentClient) SearchAppointments(ctx context.Context, query string) ([]Appointment, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &Error{Category: CategoryValidation, Op: "search_appointments", Err: errors.New("empty search query")}
	}

	var body string
	err := c.pool.WithAuthenticatedPage(ctx, c.auth, func(ctx context.Context, page browser.Page) error {
		resp, err := c.requester.Do(ctx, page, "search_appointments", Request{
			Path:  c.cfg.SearchPath,
			Query: url.Values{"q": []string{query}},
		})
		if err != nil {
			return err
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return nil, Wrap("search_appointments", "", err)
	}

	items, err := appointmentItems([]byte(body))
	if err != nil {
		return nil, &Error{Category: CategoryValidation, Op: "search_appointments", Err: err}
	}
	appts := make([]Appointment, 0, len(items))
	for _, item := range items {
		appt, err := mapAppointment(item, c.cfg.Location)
		if err != nil || appt.IsBlock {
			continue
		}
		appts = append(appts, appt)
	}
	return appts, nil
}
