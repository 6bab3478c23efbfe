package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pimssync/internal/ai"
)

const (
	DefaultStream = "pimssync:ai-jobs"
	DefaultGroup  = "ai-workers"

	jobField = "job"
)

// JobProcessor runs one AI job. *ai.Processor satisfies it.
type JobProcessor interface {
	Process(ctx context.Context, job ai.Job) error
}

// RedisStreamQueue schedules AI jobs onto a Redis stream
type RedisStreamQueue struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// NewRedisStreamQueue creates a stream-backed queue. maxLen caps the stream
// approximately; 0 means unbounded.
func NewRedisStreamQueue(client redis.Cmdable, stream string, maxLen int64) *RedisStreamQueue {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStreamQueue{client: client, stream: stream, maxLen: maxLen}
}

// ScheduleBatch appends every job in one pipeline and returns the stream entry ids
func (q *RedisStreamQueue) ScheduleBatch(ctx context.Context, jobs []ai.Job) ([]string, error) {
	if len(jobs) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringCmd, 0, len(jobs))
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, job := range jobs {
			payload, err := json.Marshal(job)
			if err != nil {
				return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
			}
			args := &redis.XAddArgs{
				Stream: q.stream,
				Values: map[string]interface{}{jobField: string(payload)},
			}
			if q.maxLen > 0 {
				args.MaxLen = q.maxLen
				args.Approx = true
			}
			cmds = append(cmds, pipe.XAdd(ctx, args))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue jobs on %s: %w", q.stream, err)
	}

	ids := make([]string, 0, len(cmds))
	for _, cmd := range cmds {
		ids = append(ids, cmd.Val())
	}
	return ids, nil
}

// StreamWorker consumes the AI job stream through a consumer group
type StreamWorker struct {
	client    redis.Cmdable
	stream    string
	group     string
	consumer  string
	processor JobProcessor
	block     time.Duration
	count     int64
}

// NewStreamWorker creates a worker. consumer must be unique per process.
func NewStreamWorker(client redis.Cmdable, stream, group, consumer string, processor JobProcessor) *StreamWorker {
	if stream == "" {
		stream = DefaultStream
	}
	if group == "" {
		group = DefaultGroup
	}
	return &StreamWorker{
		client:    client,
		stream:    stream,
		group:     group,
		consumer:  consumer,
		processor: processor,
		block:     5 * time.Second,
		count:     10,
	}
}

// Run reads and processes jobs until ctx is cancelled
func (w *StreamWorker) Run(ctx context.Context) error {
	if err := w.ensureGroup(ctx); err != nil {
		return err
	}
	log.Printf("👷 [AI-WORKER] Consuming %s as %s/%s", w.stream, w.group, w.consumer)

	for {
		if ctx.Err() != nil {
			log.Printf("🛑 [AI-WORKER] Stopped")
			return nil
		}

		n, err := w.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("⚠️  [AI-WORKER] Read failed: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if n > 0 {
			log.Printf("✅ [AI-WORKER] Processed %d jobs", n)
		}
	}
}

// Poll reads one batch of new entries, processes and acknowledges them. Returns the
// number of entries handled.
func (w *StreamWorker) Poll(ctx context.Context) (int, error) {
	streams, err := w.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    w.group,
		Consumer: w.consumer,
		Streams:  []string{w.stream, ">"},
		Count:    w.count,
		Block:    w.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			w.handle(ctx, msg)
			// AI generation is best-effort; failed jobs are acked rather than redelivered
			if err := w.client.XAck(ctx, w.stream, w.group, msg.ID).Err(); err != nil {
				log.Printf("⚠️  [AI-WORKER] Failed to ack %s: %v", msg.ID, err)
			}
			handled++
		}
	}
	return handled, nil
}

func (w *StreamWorker) handle(ctx context.Context, msg redis.XMessage) {
	raw, ok := msg.Values[jobField].(string)
	if !ok {
		log.Printf("⚠️  [AI-WORKER] Entry %s has no job payload", msg.ID)
		return
	}
	var job ai.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		log.Printf("⚠️  [AI-WORKER] Entry %s is not a valid job: %v", msg.ID, err)
		return
	}
	if err := w.processor.Process(ctx, job); err != nil {
		log.Printf("❌ [AI-WORKER] Job %s failed: %v", job.ID, err)
	}
}

func (w *StreamWorker) ensureGroup(ctx context.Context) error {
	err := w.client.XGroupCreateMkStream(ctx, w.stream, w.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", w.group, err)
	}
	return nil
}
