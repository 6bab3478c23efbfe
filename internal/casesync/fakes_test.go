package casesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"pimssync/internal/ai"
	"pimssync/internal/models"
	"pimssync/internal/pims"
	"pimssync/internal/retry"
)

const testProvider = "vetnova"
const testClinic = "clinic-a"

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type memCases struct {
	mu    sync.Mutex
	cases map[primitive.ObjectID]*models.Case

	findErrs   []error // consumed one per FindByExternalIDs call
	failUpdate map[primitive.ObjectID]error
	updates    int
	inserts    int
	lookups    int
}

func newMemCases() *memCases {
	return &memCases{cases: make(map[primitive.ObjectID]*models.Case), failUpdate: make(map[primitive.ObjectID]error)}
}

func (m *memCases) FindByExternalIDs(ctx context.Context, clinicID string, ids []string) ([]models.Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if len(m.findErrs) > 0 {
		err := m.findErrs[0]
		m.findErrs = m.findErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []models.Case
	for _, c := range m.cases {
		if c.ClinicID == clinicID && want[c.ExternalID] {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memCases) InsertCase(ctx context.Context, c *models.Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.cases {
		if existing.ClinicID == c.ClinicID && existing.ExternalID == c.ExternalID {
			return errors.New("E11000 duplicate key error")
		}
	}
	c.ID = primitive.NewObjectID()
	stored := *c
	m.cases[c.ID] = &stored
	m.inserts++
	return nil
}

func (m *memCases) UpdateCase(ctx context.Context, id primitive.ObjectID, update models.CaseUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failUpdate[id]; err != nil {
		return err
	}
	c, ok := m.cases[id]
	if !ok {
		return fmt.Errorf("case %s not found", id.Hex())
	}
	update.Apply(c, testNow)
	m.updates++
	return nil
}

func (m *memCases) FindCasesForEnrichment(ctx context.Context, clinicID, source string, window models.DateRange) ([]models.Case, error) {
	return m.filter(func(c *models.Case) bool {
		return c.ClinicID == clinicID && c.Source == source && inWindow(c, window) &&
			c.Metadata.PimsAppointment != nil && c.Metadata.PimsAppointment.ConsultationID != "" &&
			c.Metadata.EnrichedAt == nil
	}), nil
}

func (m *memCases) FindCasesForReconciliation(ctx context.Context, clinicID, source string, window models.DateRange) ([]models.Case, error) {
	return m.filter(func(c *models.Case) bool {
		return c.ClinicID == clinicID && c.Source == source && c.ExternalID != "" &&
			inWindow(c, window) && !c.IsSoftDeleted()
	}), nil
}

func (m *memCases) filter(keep func(c *models.Case) bool) []models.Case {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Case
	for _, c := range m.cases {
		if keep(c) {
			out = append(out, *c)
		}
	}
	return out
}

func (m *memCases) byExternalID(key string) *models.Case {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.cases {
		if c.ExternalID == key {
			found := *c
			return &found
		}
	}
	return nil
}

func (m *memCases) seed(c models.Case) primitive.ObjectID {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = primitive.NewObjectID()
	m.cases[c.ID] = &c
	return c.ID
}

func (m *memCases) get(id primitive.ObjectID) models.Case {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.cases[id]
}

func inWindow(c *models.Case, window models.DateRange) bool {
	return c.ScheduledAt != nil && window.Contains(*c.ScheduledAt)
}

type memAudits struct {
	mu      sync.Mutex
	started []models.SyncAudit
	done    []models.SyncAudit
}

func (m *memAudits) StartAudit(ctx context.Context, a *models.SyncAudit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, *a)
	return nil
}

func (m *memAudits) FinishAudit(ctx context.Context, a *models.SyncAudit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done = append(m.done, *a)
	return nil
}

type memProgress struct {
	mu      sync.Mutex
	updates []models.ProgressUpdate
}

func (m *memProgress) WriteProgress(ctx context.Context, u models.ProgressUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, u)
	return nil
}

func (m *memProgress) last() models.ProgressUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates[len(m.updates)-1]
}

type fakeSchedule struct {
	mu      sync.Mutex
	appts   []pims.Appointment
	err     error
	windows []models.DateRange
}

func (f *fakeSchedule) FetchAppointmentsStrict(ctx context.Context, start, end time.Time) ([]pims.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows = append(f.windows, models.DateRange{Start: start, End: end})
	if f.err != nil {
		return nil, f.err
	}
	out := make([]pims.Appointment, 0, len(f.appts))
	for _, a := range f.appts {
		if a.Start.IsZero() || (!a.Start.Before(start) && a.Start.Before(end)) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeSchedule) set(appts ...pims.Appointment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appts = appts
}

type fakeConsultations struct {
	mu            sync.Mutex
	consultations map[string]*pims.Consultation
	// flaky ids fail with a network error on their first fetch
	flaky map[string]bool
	calls [][]string
}

func (f *fakeConsultations) FetchConsultations(ctx context.Context, ids []string) *pims.BatchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ids)

	res := &pims.BatchResult{
		Consultations: make(map[string]*pims.Consultation),
		Errors:        make(map[string]*pims.Error),
	}
	for _, id := range ids {
		if f.flaky[id] {
			delete(f.flaky, id)
			res.Failed++
			res.NetworkErrors++
			res.Errors[id] = &pims.Error{Category: pims.CategoryNetwork, Op: "consultation", ID: id, Err: errors.New("socket hang up")}
			continue
		}
		c, ok := f.consultations[id]
		if !ok {
			res.Failed++
			res.NotFound++
			res.Errors[id] = &pims.Error{Category: pims.CategoryNotFound, Op: "consultation", ID: id, StatusCode: 404, Err: errors.New("not found")}
			continue
		}
		res.Successful++
		res.Consultations[id] = c
	}
	return res
}

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []ai.Job
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, jobs ...ai.Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, jobs...)
}

type memLock struct {
	mu    sync.Mutex
	held  map[string]string
	calls int
}

func (l *memLock) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.held == nil {
		l.held = make(map[string]string)
	}
	if _, ok := l.held[key]; ok {
		return false, nil
	}
	l.held[key] = owner
	return true, nil
}

func (l *memLock) ReleaseLock(ctx context.Context, key, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] != owner {
		return false, nil
	}
	delete(l.held, key)
	return true, nil
}

type memEvents struct {
	mu     sync.Mutex
	events []models.SyncCompletedEvent
}

func (m *memEvents) PublishSyncCompleted(ctx context.Context, e models.SyncCompletedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func noSleepPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return p
}

type harness struct {
	cases         *memCases
	audits        *memAudits
	progress      *memProgress
	schedule      *fakeSchedule
	consultations *fakeConsultations
	dispatcher    *recordingDispatcher
	deps          Deps
}

func newHarness() *harness {
	h := &harness{
		cases:         newMemCases(),
		audits:        &memAudits{},
		progress:      &memProgress{},
		schedule:      &fakeSchedule{},
		consultations: &fakeConsultations{consultations: make(map[string]*pims.Consultation), flaky: make(map[string]bool)},
		dispatcher:    &recordingDispatcher{},
	}
	h.deps = Deps{
		ClinicID:   testClinic,
		Provider:   testProvider,
		Cases:      h.cases,
		Audits:     h.audits,
		Progress:   h.progress,
		StoreRetry: noSleepPolicy(),
		Now:        func() time.Time { return testNow },
	}
	return h
}

func (h *harness) orchestrator(opts ...OrchestratorOption) *Orchestrator {
	return NewOrchestrator(h.deps, h.schedule, h.consultations, h.dispatcher, OrchestratorConfig{}, opts...)
}

func appointment(id, status, consultationID string, start time.Time) pims.Appointment {
	return pims.Appointment{
		ID:              id,
		Status:          status,
		ConsultationID:  consultationID,
		Reason:          "Annual checkup",
		PatientName:     "Rex",
		ClientPhone:     "+15550100",
		Start:           start,
		End:             start.Add(30 * time.Minute),
		DurationMinutes: 30,
	}
}

func pastWindow() models.DateRange {
	return models.DateRange{Start: testNow.Add(-14 * 24 * time.Hour), End: testNow}
}
