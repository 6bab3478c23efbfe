package pims

import (
	"context"
	"fmt"
	"time"

	"pimssync/internal/browser"
)

// ClientConfig describes one clinic's PIMS tenant
type ClientConfig struct {
	Provider          string // used in external ids and the case source tag
	BaseURL           string
	Location          *time.Location
	RequestsPerSecond float64

	Auth          AuthConfig
	Schedule      ScheduleConfig
	Consultations ConsultationConfig
	Appointments  AppointmentsConfig
}

// Client bundles the remote data clients of one tenant over a shared pool
type Client struct {
	Provider      string
	Auth          *AuthClient
	Schedule      *ScheduleClient
	Consultations *ConsultationClient
	Appointments  *AppointmentClient

	requester *Requester
}

// NewClient wires the auth and data clients for one tenant
func NewClient(pool *browser.Pool, cfg ClientConfig) (*Client, error) {
	if cfg.Provider == "" {
		return nil, fmt.Errorf("pims client requires a provider name")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	requester, err := NewRequester(RequesterConfig{
		BaseURL:           cfg.BaseURL,
		Name:              "pims-" + cfg.Provider,
		RequestsPerSecond: cfg.RequestsPerSecond,
	})
	if err != nil {
		return nil, err
	}

	auth := NewAuthClient(pool, requester, cfg.Auth)

	cfg.Schedule.Location = cfg.Location
	cfg.Appointments.Location = cfg.Location

	consultations := cfg.Consultations
	if consultations.PathTemplate == "" && consultations.BatchSize == 0 {
		consultations = DefaultConsultationConfig()
	}

	return &Client{
		Provider:      cfg.Provider,
		Auth:          auth,
		Schedule:      NewScheduleClient(pool, auth, requester, cfg.Schedule),
		Consultations: NewConsultationClient(pool, auth, requester, consultations),
		Appointments:  NewAppointmentClient(pool, auth, requester, cfg.Appointments),
		requester:     requester,
	}, nil
}

// BaseURL returns the tenant origin
func (c *Client) BaseURL() string {
	return c.requester.BaseURL()
}

// VerifySession proves the held credential works with one cheap authenticated read
func (c *Client) VerifySession(ctx context.Context) error {
	now := time.Now()
	_, err := c.Schedule.FetchAppointmentsStrict(ctx, now, now.Add(time.Minute))
	return err
}
