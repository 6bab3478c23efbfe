package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Requires REDIS_TEST_URL
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set - skipping Redis integration test")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("invalid REDIS_TEST_URL: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisStream_RoundTrip(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()
	stream := "pimssync:test:" + uuid.New().String()
	defer client.Del(ctx, stream)

	q := NewRedisStreamQueue(client, stream, 1000)
	ids, err := q.ScheduleBatch(ctx, makeJobs(3))
	if err != nil {
		t.Fatalf("ScheduleBatch: %v", err)
	}
	if len(ids) != 3 || ids[0] == "" {
		t.Fatalf("unexpected ids %v", ids)
	}

	proc := &recordingProcessor{}
	w := NewStreamWorker(client, stream, "", "test-consumer", proc)
	w.block = 100 * time.Millisecond
	if err := w.ensureGroup(ctx); err != nil {
		t.Fatalf("ensureGroup: %v", err)
	}
	// creating the group twice is fine
	if err := w.ensureGroup(ctx); err != nil {
		t.Fatalf("ensureGroup again: %v", err)
	}

	n, err := w.Poll(ctx)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 3 || len(proc.jobs) != 3 || proc.jobs[0].ID != "job-0" {
		t.Errorf("expected 3 processed jobs, got %d (%+v)", n, proc.jobs)
	}

	pending, err := client.XPending(ctx, stream, DefaultGroup).Result()
	if err != nil {
		t.Fatalf("XPending: %v", err)
	}
	if pending.Count != 0 {
		t.Errorf("expected all entries acked, %d pending", pending.Count)
	}
}
