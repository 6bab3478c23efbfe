package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Job is a fixed-interval maintenance task
type Job interface {
	Run(ctx context.Context) error
	GetNextRunTime() time.Time
}

// JobScheduler runs maintenance jobs on their own timers
type JobScheduler struct {
	jobs    map[string]Job
	timers  map[string]*time.Timer
	status  map[string]JobStatus
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// JobStatus is the last known state of a job
type JobStatus struct {
	Name        string    `json:"name"`
	NextRunTime time.Time `json:"nextRunTime"`
	LastRunTime time.Time `json:"lastRunTime,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
}

// NewJobScheduler creates an idle scheduler
func NewJobScheduler() *JobScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &JobScheduler{
		jobs:   make(map[string]Job),
		timers: make(map[string]*time.Timer),
		status: make(map[string]JobStatus),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds a job. Jobs registered after Start are scheduled immediately.
func (s *JobScheduler) Register(name string, job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[name] = job
	s.status[name] = JobStatus{Name: name}
	if s.running {
		s.scheduleLocked(name, job)
	}
	log.Printf("✅ [JOBS] Registered job: %s", name)
}

// Start schedules every registered job
func (s *JobScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	log.Printf("🚀 [JOBS] Starting with %d jobs", len(s.jobs))

	for name, job := range s.jobs {
		s.scheduleLocked(name, job)
	}
}

func (s *JobScheduler) scheduleLocked(name string, job Job) {
	nextRun := job.GetNextRunTime()

	st := s.status[name]
	st.NextRunTime = nextRun
	s.status[name] = st

	s.timers[name] = time.AfterFunc(time.Until(nextRun), func() {
		s.runJob(name, job)
	})
}

func (s *JobScheduler) runJob(name string, job Job) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	started := time.Now()
	err := job.Run(s.ctx)
	if err != nil {
		log.Printf("❌ [JOBS] Job '%s' failed: %v", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.status[name]
	st.LastRunTime = started
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
	s.status[name] = st

	if s.running {
		s.scheduleLocked(name, job)
	}
}

// Stop cancels pending timers and waits for running jobs
func (s *JobScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}

	log.Println("🛑 [JOBS] Stopping job scheduler...")
	s.running = false
	for _, timer := range s.timers {
		timer.Stop()
	}
	s.timers = make(map[string]*time.Timer)
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	log.Println("✅ [JOBS] Job scheduler stopped")
}

// RunNow runs a job synchronously outside its schedule
func (s *JobScheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, exists := s.jobs[name]
	s.mu.Unlock()

	if !exists {
		return fmt.Errorf("job %s not registered", name)
	}
	return job.Run(ctx)
}

// GetStatus returns a snapshot of every job
func (s *JobScheduler) GetStatus() map[string]JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]JobStatus, len(s.status))
	for name, st := range s.status {
		out[name] = st
	}
	return out
}
