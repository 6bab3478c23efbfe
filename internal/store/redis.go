package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"pimssync/internal/crypto"
	"pimssync/internal/models"
)

const (
	// EventsChannel carries sync.completed events
	EventsChannel = "pimssync:events"

	sessionKeyPrefix = "pimssync:session:"
)

// releaseScript deletes the lock only while it still holds the caller's token
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Println("✅ Redis connection established")
	return client, nil
}

// RedisRunLock is a per-key distributed lock
type RedisRunLock struct {
	client redis.Cmdable
}

// NewRedisRunLock creates a lock backed by client
func NewRedisRunLock(client redis.Cmdable) *RedisRunLock {
	return &RedisRunLock{client: client}
}

// AcquireLock takes key for owner unless someone else holds it
func (l *RedisRunLock) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, key, owner, ttl).Result()
}

// ReleaseLock frees key if owner still holds it
func (l *RedisRunLock) ReleaseLock(ctx context.Context, key, owner string) (bool, error) {
	result, err := releaseScript.Run(ctx, l.client, []string{key}, owner).Int64()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

// RedisEventPublisher publishes run events on a pub/sub channel
type RedisEventPublisher struct {
	client  redis.Cmdable
	channel string
}

// NewRedisEventPublisher publishes to EventsChannel when channel is empty
func NewRedisEventPublisher(client redis.Cmdable, channel string) *RedisEventPublisher {
	if channel == "" {
		channel = EventsChannel
	}
	return &RedisEventPublisher{client: client, channel: channel}
}

// PublishSyncCompleted sends event as JSON
func (p *RedisEventPublisher) PublishSyncCompleted(ctx context.Context, event models.SyncCompletedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.client.Publish(ctx, p.channel, payload).Err()
}

// RedisSessionCache stores serialized PIMS sessions, encrypted per clinic
type RedisSessionCache struct {
	client redis.Cmdable
	enc    *crypto.EncryptionService
}

// NewRedisSessionCache creates a session cache. enc may be nil, in which case
// sessions are stored as plain text.
func NewRedisSessionCache(client redis.Cmdable, enc *crypto.EncryptionService) *RedisSessionCache {
	return &RedisSessionCache{client: client, enc: enc}
}

func sessionKey(clinicID string) string {
	return sessionKeyPrefix + clinicID
}

// LoadSession returns the cached credential, or "" when none is cached
func (c *RedisSessionCache) LoadSession(ctx context.Context, clinicID string) (string, error) {
	raw, err := c.client.Get(ctx, sessionKey(clinicID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load session: %w", err)
	}
	if c.enc == nil {
		return raw, nil
	}

	plain, err := c.enc.DecryptString(clinicID, raw)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt session: %w", err)
	}
	return plain, nil
}

// SaveSession caches credential for ttl
func (c *RedisSessionCache) SaveSession(ctx context.Context, clinicID, credential string, ttl time.Duration) error {
	value := credential
	if c.enc != nil {
		sealed, err := c.enc.EncryptString(clinicID, credential)
		if err != nil {
			return fmt.Errorf("failed to encrypt session: %w", err)
		}
		value = sealed
	}
	return c.client.Set(ctx, sessionKey(clinicID), value, ttl).Err()
}

// DeleteSession drops the cached credential
func (c *RedisSessionCache) DeleteSession(ctx context.Context, clinicID string) error {
	return c.client.Del(ctx, sessionKey(clinicID)).Err()
}
