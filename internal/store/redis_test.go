package store

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"pimssync/internal/crypto"
	"pimssync/internal/models"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set, skipping Redis integration test")
	}

	client, err := NewRedisClient(context.Background(), url)
	if err != nil {
		t.Fatalf("failed to connect to Redis: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisRunLock_OwnerCheckedRelease(t *testing.T) {
	client := setupRedis(t)
	lock := NewRedisRunLock(client)
	ctx := context.Background()
	key := "pimssync:test:lock:" + time.Now().Format("150405.000000")
	t.Cleanup(func() { client.Del(ctx, key) })

	ok, err := lock.AcquireLock(ctx, key, "run-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: %v %v", ok, err)
	}
	ok, _ = lock.AcquireLock(ctx, key, "run-2", time.Minute)
	if ok {
		t.Fatal("second acquire must fail while held")
	}

	released, _ := lock.ReleaseLock(ctx, key, "run-2")
	if released {
		t.Error("a non-owner must not release the lock")
	}
	released, err = lock.ReleaseLock(ctx, key, "run-1")
	if err != nil || !released {
		t.Errorf("owner release: %v %v", released, err)
	}

	ok, _ = lock.AcquireLock(ctx, key, "run-2", time.Minute)
	if !ok {
		t.Error("lock must be free after release")
	}
}

func TestRedisSessionCache_EncryptsAtRest(t *testing.T) {
	client := setupRedis(t)
	key, _ := crypto.GenerateMasterKey()
	enc, err := crypto.NewEncryptionService(key)
	if err != nil {
		t.Fatal(err)
	}
	cache := NewRedisSessionCache(client, enc)
	ctx := context.Background()
	clinicID := "test-clinic-" + time.Now().Format("150405.000000")
	t.Cleanup(func() { cache.DeleteSession(ctx, clinicID) })

	got, err := cache.LoadSession(ctx, clinicID)
	if err != nil || got != "" {
		t.Fatalf("empty cache: %q %v", got, err)
	}

	credential := `{"token":"secret-token"}`
	if err := cache.SaveSession(ctx, clinicID, credential, time.Minute); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	raw, _ := client.Get(ctx, sessionKey(clinicID)).Result()
	if raw == credential {
		t.Error("session must not be stored in plain text")
	}

	got, err = cache.LoadSession(ctx, clinicID)
	if err != nil || got != credential {
		t.Errorf("LoadSession = %q %v", got, err)
	}

	if err := cache.DeleteSession(ctx, clinicID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	got, _ = cache.LoadSession(ctx, clinicID)
	if got != "" {
		t.Errorf("expected empty after delete, got %q", got)
	}
}

func TestRedisEventPublisher_PublishesJSON(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	channel := "pimssync:test:events:" + time.Now().Format("150405.000000")

	sub := client.Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	publisher := NewRedisEventPublisher(client, channel)
	event := models.SyncCompletedEvent{Type: "sync.completed", RunID: "run-1", ClinicID: "clinic-a", Success: true}
	if err := publisher.PublishSyncCompleted(ctx, event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var got models.SyncCompletedEvent
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if got.RunID != "run-1" || !got.Success {
			t.Errorf("unexpected event %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event not received")
	}
}
