package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"pimssync/internal/browser"
	"pimssync/internal/casesync"
)

// Config holds all application configuration
type Config struct {
	Port        string
	Environment string
	MongoURI    string
	RedisURL    string
	ClinicsFile string

	// Credential cache encryption (hex, 32 bytes)
	EncryptionMasterKey string

	// Browser pool
	BrowserExecPath          string
	PoolMaxEngines           int
	PoolMaxContextsPerEngine int
	PoolOperationTimeout     time.Duration
	PoolAcquireTimeout       time.Duration
	PoolIdleTimeout          time.Duration
	PoolSweepInterval        time.Duration

	// Remote PIMS
	PimsRequestsPerSecond float64

	// Sync windows and pacing
	SyncLookbackDays    int
	SyncLookaheadDays   int
	SyncReconcileDays   int
	SyncRunTimeout      time.Duration
	SyncLockTTL         time.Duration
	ProgressMinInterval time.Duration
	AuditStaleAfter     time.Duration

	// AI generation
	AIMode       string // inline, background or disabled
	AIQueue      string // redis or sqs
	AIServiceURL string
	AIServiceKey string
	SQSQueueURL  string
	WorkerName   string

	// HTTP API
	APIJWTSecret   string
	AllowedOrigins string
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	hostname, _ := os.Hostname()

	return &Config{
		Port:        getEnv("PORT", "3001"),
		Environment: getEnv("ENVIRONMENT", "development"),
		MongoURI:    getEnv("MONGODB_URI", "mongodb://localhost:27017/pimssync"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),
		ClinicsFile: getEnv("CLINICS_FILE", "clinics.yaml"),

		EncryptionMasterKey: getEnv("ENCRYPTION_MASTER_KEY", ""),

		BrowserExecPath:          getEnv("BROWSER_EXEC_PATH", ""),
		PoolMaxEngines:           getIntEnv("POOL_MAX_ENGINES", 2),
		PoolMaxContextsPerEngine: getIntEnv("POOL_MAX_CONTEXTS_PER_ENGINE", 3),
		PoolOperationTimeout:     getDurationEnv("POOL_OPERATION_TIMEOUT", 30*time.Second),
		PoolAcquireTimeout:       getDurationEnv("POOL_ACQUIRE_TIMEOUT", 60*time.Second),
		PoolIdleTimeout:          getDurationEnv("POOL_IDLE_TIMEOUT", 5*time.Minute),
		PoolSweepInterval:        getDurationEnv("POOL_SWEEP_INTERVAL", time.Minute),

		PimsRequestsPerSecond: getFloatEnv("PIMS_REQUESTS_PER_SECOND", 4),

		SyncLookbackDays:    getIntEnv("SYNC_LOOKBACK_DAYS", 14),
		SyncLookaheadDays:   getIntEnv("SYNC_LOOKAHEAD_DAYS", 14),
		SyncReconcileDays:   getIntEnv("SYNC_RECONCILE_DAYS", 7),
		SyncRunTimeout:      getDurationEnv("SYNC_RUN_TIMEOUT", time.Hour),
		SyncLockTTL:         getDurationEnv("SYNC_LOCK_TTL", 30*time.Minute),
		ProgressMinInterval: getDurationEnv("PROGRESS_MIN_INTERVAL", time.Second),
		AuditStaleAfter:     getDurationEnv("AUDIT_STALE_AFTER", 2*time.Hour),

		AIMode:       strings.ToLower(getEnv("AI_MODE", "inline")),
		AIQueue:      strings.ToLower(getEnv("AI_QUEUE", "redis")),
		AIServiceURL: getEnv("AI_SERVICE_URL", ""),
		AIServiceKey: getEnv("AI_SERVICE_API_KEY", ""),
		SQSQueueURL:  getEnv("SQS_QUEUE_URL", ""),
		WorkerName:   getEnv("WORKER_NAME", hostname),

		APIJWTSecret:   getEnv("API_JWT_SECRET", ""),
		AllowedOrigins: getEnv("ALLOWED_ORIGINS", "*"),
	}
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	if c.PoolMaxEngines < 1 || c.PoolMaxContextsPerEngine < 1 {
		return fmt.Errorf("pool limits must be positive (engines=%d, contexts=%d)", c.PoolMaxEngines, c.PoolMaxContextsPerEngine)
	}
	if c.SyncLookbackDays < 0 || c.SyncLookaheadDays < 0 || c.SyncReconcileDays < 1 {
		return fmt.Errorf("invalid sync windows (lookback=%d, lookahead=%d, reconcile=%d)",
			c.SyncLookbackDays, c.SyncLookaheadDays, c.SyncReconcileDays)
	}
	switch c.AIMode {
	case "inline", "background", "disabled":
	default:
		return fmt.Errorf("AI_MODE must be inline, background or disabled, got %q", c.AIMode)
	}
	if c.AIMode == "background" {
		switch c.AIQueue {
		case "redis":
		case "sqs":
			if c.SQSQueueURL == "" {
				return fmt.Errorf("SQS_QUEUE_URL is required when AI_QUEUE=sqs")
			}
		default:
			return fmt.Errorf("AI_QUEUE must be redis or sqs, got %q", c.AIQueue)
		}
	}
	if c.IsProduction() {
		if c.EncryptionMasterKey == "" {
			return fmt.Errorf("ENCRYPTION_MASTER_KEY is required in production")
		}
		if c.APIJWTSecret == "" {
			return fmt.Errorf("API_JWT_SECRET is required in production")
		}
	}
	return nil
}

// IsProduction reports whether ENVIRONMENT=production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// PoolConfig returns the browser pool limits
func (c *Config) PoolConfig() browser.Config {
	return browser.Config{
		MaxEngines:           c.PoolMaxEngines,
		MaxContextsPerEngine: c.PoolMaxContextsPerEngine,
		OperationTimeout:     c.PoolOperationTimeout,
		AcquireTimeout:       c.PoolAcquireTimeout,
	}
}

// OrchestratorConfig returns the sync windows
func (c *Config) OrchestratorConfig() casesync.OrchestratorConfig {
	return casesync.OrchestratorConfig{
		LookbackDays:  c.SyncLookbackDays,
		LookaheadDays: c.SyncLookaheadDays,
		ReconcileDays: c.SyncReconcileDays,
		LockTTL:       c.SyncLockTTL,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getDurationEnv accepts Go durations ("90s") or plain milliseconds
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
