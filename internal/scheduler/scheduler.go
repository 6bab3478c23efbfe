package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"pimssync/internal/casesync"
	"pimssync/internal/clinics"
	"pimssync/internal/models"
)

// Runner executes one orchestrated run for a clinic
type Runner interface {
	RunClinic(ctx context.Context, clinicID string, mode models.SyncPhase) (*models.RunResult, error)
}

type registration struct {
	job  gocron.Job
	spec string
}

// SyncScheduler runs each clinic's sync on its cron schedule
type SyncScheduler struct {
	scheduler  gocron.Scheduler
	runner     Runner
	runTimeout time.Duration

	mu   sync.Mutex
	jobs map[string]registration // clinicID -> job
}

// NewSyncScheduler creates a scheduler. runTimeout bounds each run.
func NewSyncScheduler(runner Runner, runTimeout time.Duration) (*SyncScheduler, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	if runTimeout <= 0 {
		runTimeout = time.Hour
	}
	return &SyncScheduler{
		scheduler:  scheduler,
		runner:     runner,
		runTimeout: runTimeout,
		jobs:       make(map[string]registration),
	}, nil
}

// Start begins firing registered jobs
func (s *SyncScheduler) Start() {
	s.scheduler.Start()
	log.Printf("✅ [SCHEDULER] Started with %d clinic schedules", s.JobCount())
}

// Stop waits for running jobs and shuts the scheduler down
func (s *SyncScheduler) Stop() error {
	log.Println("⏹️  [SCHEDULER] Stopping...")
	return s.scheduler.Shutdown()
}

// Sync brings the registered jobs in line with list. Unchanged schedules keep their
// job, so a reload never resets a clinic's next run.
func (s *SyncScheduler) Sync(list []clinics.Clinic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]clinics.Clinic, len(list))
	for _, c := range list {
		if c.IsEnabled() && c.Schedule != "" {
			wanted[c.ID] = c
		}
	}

	for id, reg := range s.jobs {
		c, keep := wanted[id]
		if keep && reg.spec == specOf(c) {
			continue
		}
		if err := s.scheduler.RemoveJob(reg.job.ID()); err != nil && !errors.Is(err, gocron.ErrJobNotFound) {
			log.Printf("⚠️  [SCHEDULER] Failed to remove job for clinic %s: %v", id, err)
		}
		delete(s.jobs, id)
	}

	var errs []error
	for id, c := range wanted {
		if _, ok := s.jobs[id]; ok {
			continue
		}
		if err := s.registerLocked(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func specOf(c clinics.Clinic) string {
	return fmt.Sprintf("CRON_TZ=%s %s|%s", c.Location().String(), c.Schedule, c.Mode)
}

func (s *SyncScheduler) registerLocked(c clinics.Clinic) error {
	mode, err := casesync.ParseMode(c.Mode)
	if err != nil {
		return fmt.Errorf("clinic %s: %w", c.ID, err)
	}

	// The cron fires in the clinic's timezone
	cronWithTZ := fmt.Sprintf("CRON_TZ=%s %s", c.Location().String(), c.Schedule)
	clinicID := c.ID

	job, err := s.scheduler.NewJob(
		gocron.CronJob(cronWithTZ, false),
		gocron.NewTask(func() {
			s.runClinic(clinicID, mode)
		}),
		gocron.WithName("sync:"+clinicID),
		gocron.WithTags(clinicID),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("clinic %s: failed to create job: %w", c.ID, err)
	}

	s.jobs[clinicID] = registration{job: job, spec: specOf(c)}
	log.Printf("⏰ [SCHEDULER] Clinic %s scheduled (%s, mode=%s)", clinicID, cronWithTZ, mode)
	return nil
}

func (s *SyncScheduler) runClinic(clinicID string, mode models.SyncPhase) {
	ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	defer cancel()

	result, err := s.runner.RunClinic(ctx, clinicID, mode)
	switch {
	case errors.Is(err, casesync.ErrSyncInProgress):
		log.Printf("⏭️  [SCHEDULER] Clinic %s already syncing, skipping this tick", clinicID)
	case err != nil:
		log.Printf("❌ [SCHEDULER] Scheduled %s sync for clinic %s failed: %v", mode, clinicID, err)
	case result != nil && !result.Success:
		log.Printf("⚠️  [SCHEDULER] Scheduled %s sync for clinic %s finished with %d errors", mode, clinicID, len(result.Errors))
	}
}

// JobCount returns the number of scheduled clinics
func (s *SyncScheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// NextRun returns the next fire time of a clinic's schedule
func (s *SyncScheduler) NextRun(clinicID string) (time.Time, error) {
	s.mu.Lock()
	reg, ok := s.jobs[clinicID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, fmt.Errorf("clinic %s has no schedule", clinicID)
	}
	return reg.job.NextRun()
}
