package pims

import (
	"context"
	"errors"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"pimssync/internal/browser"
	"pimssync/internal/metrics"
	"pimssync/internal/models"
	"pimssync/internal/retry"
)

// Consultation is the clinical detail of a completed visit
type Consultation struct {
	ID               string
	AppointmentID    string
	Notes            string
	DischargeSummary string
	BilledItems      []models.ConsultationLine
	DeclinedItems    []models.ConsultationLine
	Raw              map[string]any
}

// Snapshot converts the consultation into its case metadata form
func (c *Consultation) Snapshot() *models.PimsConsultationSnapshot {
	return &models.PimsConsultationSnapshot{
		ID:               c.ID,
		Notes:            c.Notes,
		DischargeSummary: c.DischargeSummary,
		BilledItems:      c.BilledItems,
		DeclinedItems:    c.DeclinedItems,
		Raw:              c.Raw,
	}
}

// ConsultationConfig tunes consultation fetching
type ConsultationConfig struct {
	PathTemplate string // {id} is replaced with the escaped consultation id
	BatchSize    int
	BatchDelay   time.Duration
	CacheTTL     time.Duration
	Retry        retry.Policy
}

// DefaultConsultationConfig keeps groups small so batch fetches never starve the pool
func DefaultConsultationConfig() ConsultationConfig {
	policy := retry.DefaultPolicy()
	policy.ShouldRetry = IsRetryable
	return ConsultationConfig{
		PathTemplate: "/api/consultations/{id}",
		BatchSize:    2,
		BatchDelay:   200 * time.Millisecond,
		CacheTTL:     10 * time.Minute,
		Retry:        policy,
	}
}

// BatchResult aggregates a batch fetch. Callers retry NetworkErrors and treat NotFound
// as permanently missing.
type BatchResult struct {
	Consultations map[string]*Consultation
	Successful    int
	Failed        int
	NetworkErrors int
	NotFound      int
	Errors        map[string]*Error
}

// NetworkFailedIDs returns ids that failed with a retryable category
func (b *BatchResult) NetworkFailedIDs() []string {
	var ids []string
	for id, err := range b.Errors {
		if err.Category == CategoryNetwork {
			ids = append(ids, id)
		}
	}
	return ids
}

// ConsultationClient fetches consultations through pooled authenticated pages
type ConsultationClient struct {
	pool      *browser.Pool
	auth      browser.Authenticator
	requester *Requester
	cfg       ConsultationConfig
	cache     *cache.Cache

	sleep func(ctx context.Context, d time.Duration) error
}

// NewConsultationClient creates a consultation client
func NewConsultationClient(pool *browser.Pool, auth browser.Authenticator, requester *Requester, cfg ConsultationConfig) *ConsultationClient {
	defaults := DefaultConsultationConfig()
	if cfg.PathTemplate == "" {
		cfg.PathTemplate = defaults.PathTemplate
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaults.CacheTTL
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.BaseDelay == 0 {
		cfg.Retry = defaults.Retry
	}
	if cfg.Retry.ShouldRetry == nil {
		cfg.Retry.ShouldRetry = IsRetryable
	}

	return &ConsultationClient{
		pool:      pool,
		auth:      auth,
		requester: requester,
		cfg:       cfg,
		cache:     cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		sleep:     sleepContext,
	}
}

// FetchConsultation fetches one consultation, retrying transient failures. The whole
// acquire, request, release sequence is retried so a crashed page is not reused.
func (c *ConsultationClient) FetchConsultation(ctx context.Context, id string) (*Consultation, error) {
	if id == "" {
		return nil, &Error{Category: CategoryValidation, Op: "fetch_consultation", Err: errors.New("empty consultation id")}
	}
	if cached, ok := c.cache.Get(id); ok {
		return cached.(*Consultation), nil
	}

	policy := c.cfg.Retry
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		metrics.RetryAttempts.WithLabelValues("fetch_consultation").Inc()
		log.Printf("🔄 [PIMS] Consultation %s attempt %d failed, retrying in %v: %v", id, attempt, delay, err)
	}

	result := retry.Do(ctx, policy, func(ctx context.Context) (*Consultation, error) {
		return c.fetchOnce(ctx, id)
	})
	if !result.Success {
		return nil, Wrap("fetch_consultation", id, result.Err)
	}

	c.cache.Set(id, result.Data, cache.DefaultExpiration)
	return result.Data, nil
}

func (c *ConsultationClient) fetchOnce(ctx context.Context, id string) (*Consultation, error) {
	path := strings.ReplaceAll(c.cfg.PathTemplate, "{id}", url.PathEscape(id))

	var payload map[string]any
	err := c.pool.WithAuthenticatedPage(ctx, c.auth, func(ctx context.Context, page browser.Page) error {
		resp, err := c.requester.Do(ctx, page, "fetch_consultation", Request{Path: path})
		if err != nil {
			return err
		}
		if err := decodeObject([]byte(resp.Body), &payload); err != nil {
			return &Error{Category: CategoryValidation, Op: "fetch_consultation", Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, Wrap("fetch_consultation", id, err)
	}

	consultation, err := mapConsultation(payload)
	if err != nil {
		return nil, &Error{Category: CategoryValidation, Op: "fetch_consultation", ID: id, Err: err}
	}
	if consultation.ID == "" {
		consultation.ID = id
	}
	return consultation, nil
}

// FetchConsultations fetches ids in small concurrent groups with a pause between groups
func (c *ConsultationClient) FetchConsultations(ctx context.Context, ids []string) *BatchResult {
	result := &BatchResult{
		Consultations: make(map[string]*Consultation),
		Errors:        make(map[string]*Error),
	}
	var mu sync.Mutex

	for start := 0; start < len(ids); start += c.cfg.BatchSize {
		end := min(start+c.cfg.BatchSize, len(ids))

		var wg sync.WaitGroup
		for _, id := range ids[start:end] {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				consultation, err := c.FetchConsultation(ctx, id)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					pe := Wrap("fetch_consultation", id, err)
					result.Failed++
					result.Errors[id] = pe
					switch pe.Category {
					case CategoryNetwork:
						result.NetworkErrors++
					case CategoryNotFound:
						result.NotFound++
					}
					return
				}
				result.Successful++
				result.Consultations[id] = consultation
			}(id)
		}
		wg.Wait()

		if end < len(ids) && c.cfg.BatchDelay > 0 {
			if err := c.sleep(ctx, c.cfg.BatchDelay); err != nil {
				// mark the rest as network failures so the caller's second pass picks them up
				for _, id := range ids[end:] {
					result.Failed++
					result.NetworkErrors++
					result.Errors[id] = &Error{Category: CategoryNetwork, Op: "fetch_consultation", ID: id, Err: err}
				}
				break
			}
		}
	}

	log.Printf("🩺 [PIMS] Consultation batch: %d ok, %d failed (%d network, %d not found)",
		result.Successful, result.Failed, result.NetworkErrors, result.NotFound)
	return result
}

// Forget evicts a cached consultation
func (c *ConsultationClient) Forget(id string) {
	c.cache.Delete(id)
}

func mapConsultation(payload map[string]any) (*Consultation, error) {
	body := object(payload, "consultation")
	if body == nil {
		return nil, errors.New("consultation payload missing consultation object")
	}

	consultation := &Consultation{
		ID:               str(body, "id", "consultation_id", "consultationId"),
		AppointmentID:    str(body, "appointment_id", "appointmentId"),
		DischargeSummary: str(body, "discharge_summary", "dischargeSummary", "discharge_notes"),
		Raw:              payload,
	}

	consultation.Notes = joinNotes(payload["consultationNotes"])
	if consultation.Notes == "" {
		consultation.Notes = str(body, "notes", "clinical_notes", "soap")
	}

	if lines, ok := payload["consultationLines"].([]any); ok {
		for _, raw := range toObjects(lines) {
			line := models.ConsultationLine{
				Code:        str(raw, "code", "sku", "product_code"),
				Description: str(raw, "description", "name", "product"),
				Quantity:    number(raw, "quantity", "qty"),
				UnitPrice:   number(raw, "unit_price", "unitPrice", "price"),
			}
			if line.Quantity == 0 {
				line.Quantity = 1
			}
			if boolean(raw, "declined", "is_declined") || strings.EqualFold(str(raw, "status"), "declined") {
				consultation.DeclinedItems = append(consultation.DeclinedItems, line)
			} else {
				consultation.BilledItems = append(consultation.BilledItems, line)
			}
		}
	}
	return consultation, nil
}

// joinNotes accepts a string or a list of strings / note objects
func joinNotes(v any) string {
	switch notes := v.(type) {
	case string:
		return strings.TrimSpace(notes)
	case []any:
		parts := make([]string, 0, len(notes))
		for _, n := range notes {
			switch note := n.(type) {
			case string:
				if s := strings.TrimSpace(note); s != "" {
					parts = append(parts, s)
				}
			case map[string]any:
				if s := str(note, "note", "text", "content", "body"); s != "" {
					parts = append(parts, s)
				}
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
