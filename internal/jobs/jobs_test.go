package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSweeper struct {
	maxIdle []time.Duration
}

func (f *fakeSweeper) CloseIdleContexts(maxIdle time.Duration) int {
	f.maxIdle = append(f.maxIdle, maxIdle)
	return 2
}

type fakeAudits struct {
	cutoffs []time.Time
	err     error
}

func (f *fakeAudits) FailStaleAudits(ctx context.Context, cutoff time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return 3, f.err
}

func TestPoolSweepJob(t *testing.T) {
	pool := &fakeSweeper{}
	job := NewPoolSweepJob(pool, time.Minute, 5*time.Minute)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return now }

	if got := job.GetNextRunTime(); !got.Equal(now.Add(time.Minute)) {
		t.Errorf("first run = %v", got)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(pool.maxIdle) != 1 || pool.maxIdle[0] != 5*time.Minute {
		t.Errorf("sweep called with %v", pool.maxIdle)
	}
	if got := job.GetNextRunTime(); !got.Equal(now.Add(time.Minute)) {
		t.Errorf("next run = %v", got)
	}
}

func TestStaleAuditCleanupJob(t *testing.T) {
	audits := &fakeAudits{}
	job := NewStaleAuditCleanupJob(audits, 10*time.Minute, time.Hour)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !audits.cutoffs[0].Equal(now.Add(-time.Hour)) {
		t.Errorf("cutoff = %v", audits.cutoffs[0])
	}

	audits.err = errors.New("mongo down")
	if err := job.Run(context.Background()); err == nil {
		t.Error("store errors must surface")
	}
}

type countingJob struct {
	runs  atomic.Int32
	delay time.Duration
}

func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	return errors.New("boom")
}

func (j *countingJob) GetNextRunTime() time.Time {
	return time.Now().Add(j.delay)
}

func TestJobScheduler_RunsAndRecordsStatus(t *testing.T) {
	s := NewJobScheduler()
	job := &countingJob{delay: 10 * time.Millisecond}
	s.Register("counting", job)
	s.Start()

	deadline := time.Now().Add(2 * time.Second)
	for job.runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if job.runs.Load() < 2 {
		t.Fatalf("expected the job to be rescheduled, ran %d times", job.runs.Load())
	}
	st := s.GetStatus()["counting"]
	if st.LastError != "boom" || st.LastRunTime.IsZero() {
		t.Errorf("status not recorded: %+v", st)
	}

	after := job.runs.Load()
	time.Sleep(50 * time.Millisecond)
	if job.runs.Load() != after {
		t.Error("no runs expected after Stop")
	}
}

func TestJobScheduler_RunNow(t *testing.T) {
	s := NewJobScheduler()
	job := &countingJob{delay: time.Hour}
	s.Register("counting", job)

	if err := s.RunNow(context.Background(), "counting"); err == nil {
		t.Error("expected the job error")
	}
	if job.runs.Load() != 1 {
		t.Errorf("runs = %d", job.runs.Load())
	}
	if err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Error("expected unknown job error")
	}
}
