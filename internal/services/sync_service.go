package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"pimssync/internal/ai"
	"pimssync/internal/browser"
	"pimssync/internal/casesync"
	"pimssync/internal/clinics"
	"pimssync/internal/models"
	"pimssync/internal/pims"
	"pimssync/internal/progress"
)

// ErrClinicNotFound is returned for clinics that are unknown or disabled
var ErrClinicNotFound = errors.New("clinic not found")

// SyncDeps are the shared stores and collaborators of every clinic
type SyncDeps struct {
	Cases      casesync.CaseStore
	Audits     casesync.AuditStore
	Progress   progress.Writer       // optional
	Dispatcher casesync.AIDispatcher // optional
	Lock       casesync.RunLock      // optional
	Events     casesync.EventPublisher
	Sessions   casesync.SessionCache // optional
}

// SyncSettings tune the per-clinic pipelines
type SyncSettings struct {
	RequestsPerSecond float64
	ProgressInterval  time.Duration
	Orchestrator      casesync.OrchestratorConfig
}

type clinicRunner interface {
	Run(ctx context.Context, mode models.SyncPhase) (*models.RunResult, error)
}

type clinicRuntime struct {
	fingerprint string
	runner      clinicRunner
}

// SyncService owns one orchestrator per enabled clinic over a shared browser pool
type SyncService struct {
	pool     *browser.Pool
	deps     SyncDeps
	settings SyncSettings

	// build is swapped in tests
	build func(c clinics.Clinic) (clinicRunner, error)

	mu       sync.RWMutex
	runtimes map[string]*clinicRuntime
}

// NewSyncService creates a service with no clinics. Call Apply with the registry.
func NewSyncService(pool *browser.Pool, deps SyncDeps, settings SyncSettings) *SyncService {
	s := &SyncService{
		pool:     pool,
		deps:     deps,
		settings: settings,
		runtimes: make(map[string]*clinicRuntime),
	}
	s.build = s.buildOrchestrator
	return s
}

func fingerprint(c clinics.Clinic) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", c.Provider, c.BaseURL, c.Location(), c.Username, c.Password)
}

// Apply reconciles the running pipelines with list. Clinics whose connection settings
// are unchanged keep their orchestrator and live PIMS session.
func (s *SyncService) Apply(list []clinics.Clinic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]clinics.Clinic, len(list))
	for _, c := range list {
		if c.IsEnabled() {
			wanted[c.ID] = c
		}
	}

	for id := range s.runtimes {
		if _, ok := wanted[id]; !ok {
			delete(s.runtimes, id)
			log.Printf("➖ [SYNC] Clinic %s removed", id)
		}
	}

	var errs []error
	for id, c := range wanted {
		fp := fingerprint(c)
		if rt, ok := s.runtimes[id]; ok && rt.fingerprint == fp {
			continue
		}
		runner, err := s.build(c)
		if err != nil {
			errs = append(errs, fmt.Errorf("clinic %s: %w", id, err))
			continue
		}
		s.runtimes[id] = &clinicRuntime{fingerprint: fp, runner: runner}
		log.Printf("➕ [SYNC] Clinic %s ready (%s)", id, c.Provider)
	}
	return errors.Join(errs...)
}

func (s *SyncService) buildOrchestrator(c clinics.Clinic) (clinicRunner, error) {
	client, err := pims.NewClient(s.pool, c.ClientConfig(s.settings.RequestsPerSecond))
	if err != nil {
		return nil, err
	}

	deps := casesync.Deps{
		ClinicID:         c.ID,
		Provider:         c.Provider,
		Cases:            s.deps.Cases,
		Audits:           s.deps.Audits,
		Progress:         s.deps.Progress,
		ProgressInterval: s.settings.ProgressInterval,
	}

	opts := []casesync.OrchestratorOption{
		casesync.WithBootstrapper(casesync.NewBootstrapper(c.ID, client.Auth, client, s.deps.Sessions, c.Credentials())),
	}
	if s.deps.Lock != nil {
		opts = append(opts, casesync.WithRunLock(s.deps.Lock))
	}
	if s.deps.Events != nil {
		opts = append(opts, casesync.WithEventPublisher(s.deps.Events))
	}

	var dispatcher casesync.AIDispatcher = noDispatch{}
	if s.deps.Dispatcher != nil {
		dispatcher = s.deps.Dispatcher
	}

	return casesync.NewOrchestrator(deps, client.Schedule, client.Consultations, dispatcher, s.settings.Orchestrator, opts...), nil
}

// RunClinic executes one orchestrated run
func (s *SyncService) RunClinic(ctx context.Context, clinicID string, mode models.SyncPhase) (*models.RunResult, error) {
	s.mu.RLock()
	rt, ok := s.runtimes[clinicID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClinicNotFound, clinicID)
	}
	return rt.runner.Run(ctx, mode)
}

// HasClinic reports whether clinicID is enabled
func (s *SyncService) HasClinic(clinicID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.runtimes[clinicID]
	return ok
}

// ClinicIDs lists the enabled clinics
func (s *SyncService) ClinicIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.runtimes))
	for id := range s.runtimes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type noDispatch struct{}

func (noDispatch) Dispatch(ctx context.Context, jobs ...ai.Job) {}
