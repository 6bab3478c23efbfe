package ai

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"pimssync/internal/metrics"
)

// Mode selects how AI jobs leave the sync pipeline
type Mode string

const (
	ModeInline     Mode = "inline"     // detached goroutine in this process
	ModeBackground Mode = "background" // handed to a queue for a worker
	ModeDisabled   Mode = "disabled"
)

// ParseMode maps a config value to a Mode, defaulting to disabled
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeInline:
		return ModeInline
	case ModeBackground:
		return ModeBackground
	default:
		return ModeDisabled
	}
}

// Queue is the background job collaborator
type Queue interface {
	ScheduleBatch(ctx context.Context, jobs []Job) ([]string, error)
}

// Dispatcher hands jobs off without blocking the caller. Outcomes never reach the
// caller's result; failures surface on Errors().
type Dispatcher struct {
	mode      Mode
	processor *Processor
	queue     Queue
	timeout   time.Duration

	errs chan error
	wg   sync.WaitGroup
}

// NewDispatcher creates a dispatcher. processor is required for inline mode, queue for
// background mode; a missing collaborator degrades the dispatcher to disabled.
func NewDispatcher(mode Mode, processor *Processor, queue Queue) *Dispatcher {
	if mode == ModeInline && processor == nil {
		log.Printf("⚠️  [AI] Inline mode without a processor, AI generation disabled")
		mode = ModeDisabled
	}
	if mode == ModeBackground && queue == nil {
		log.Printf("⚠️  [AI] Background mode without a queue, AI generation disabled")
		mode = ModeDisabled
	}
	return &Dispatcher{
		mode:      mode,
		processor: processor,
		queue:     queue,
		timeout:   2 * time.Minute,
		errs:      make(chan error, 64),
	}
}

// Mode returns the effective mode
func (d *Dispatcher) Mode() Mode {
	return d.mode
}

// Errors exposes failures of detached work. The channel is buffered; when nobody
// drains it, overflow is logged and dropped.
func (d *Dispatcher) Errors() <-chan error {
	return d.errs
}

// Dispatch starts detached work for jobs and returns immediately
func (d *Dispatcher) Dispatch(ctx context.Context, jobs ...Job) {
	if len(jobs) == 0 || d.mode == ModeDisabled {
		return
	}

	// the caller's cancellation must not abort work it is not waiting for
	detached := context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		runCtx, cancel := context.WithTimeout(detached, d.timeout)
		defer cancel()

		switch d.mode {
		case ModeInline:
			for _, job := range jobs {
				if err := d.processor.Process(runCtx, job); err != nil {
					metrics.AIDispatches.WithLabelValues(string(d.mode), "error").Inc()
					d.report(err)
					continue
				}
				metrics.AIDispatches.WithLabelValues(string(d.mode), "ok").Inc()
			}
		case ModeBackground:
			ids, err := d.queue.ScheduleBatch(runCtx, jobs)
			if err != nil {
				metrics.AIDispatches.WithLabelValues(string(d.mode), "error").Add(float64(len(jobs)))
				d.report(fmt.Errorf("failed to enqueue %d AI jobs: %w", len(jobs), err))
				return
			}
			metrics.AIDispatches.WithLabelValues(string(d.mode), "ok").Add(float64(len(ids)))
			log.Printf("📤 [AI] Enqueued %d AI jobs", len(ids))
		}
	}()
}

// Wait blocks until all detached work finished. Used on shutdown and in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) report(err error) {
	log.Printf("⚠️  [AI] %v", err)
	select {
	case d.errs <- err:
	default:
	}
}
