package config

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries every knob the api and worker binaries read. All
// values come from the environment with defaults suited to local dev;
// interval knobs are expressed in the unit their env var names.
type Config struct {
	Env              string
	Port             int
	WorkerHealthPort int

	DBURL      string
	DBMaxConns int32

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	OTLPEndpoint   string
	AllowedOrigins []string

	// AllowMockProviders opens routing to mock companies. Keep off in
	// production; integration environments turn it on.
	AllowMockProviders bool

	// EmbedWorkers runs the background workers inside the api process
	// so the admin worker endpoints have something to manage.
	EmbedWorkers bool

	// Worker cadences.
	OutboxInterval      time.Duration
	PollWindow          time.Duration
	PollTick            time.Duration
	SyncPendingInterval time.Duration
	RetryFailedInterval time.Duration

	// Sync behavior.
	MaxRetryAttempts  int
	BatchSize         int
	PollingBatchSize  int
	SyncSpacing       time.Duration
	StuckClaimAfter   time.Duration
	SyncConcurrency   int
	TaskTimeLimit     time.Duration
	TaskSoftTimeLimit time.Duration
	ProviderTimeout   time.Duration

	// Rate limits.
	SyncRateMax       int
	SyncRateWindow    time.Duration
	PollRateMax       int
	HTTPRateMax       int
	HTTPRateWindow    time.Duration
	MaxRoutingsPerJob int

	// Maintenance.
	CleanupOutboxEveryHours int
	CleanupRoutingsHour     int
	OutboxRetentionDays     int

	ShutdownGrace time.Duration
}

func Load() Config {
	return Config{
		Env:              getEnv("APP_ENV", "dev"),
		Port:             getEnvInt("PORT", 8080),
		WorkerHealthPort: getEnvInt("WORKER_HEALTH_PORT", 8081),

		DBURL:      buildDBURL(),
		DBMaxConns: int32(getEnvInt("DB_MAX_CONNS", 30)),

		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		OTLPEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),

		AllowMockProviders: getEnvBool("ALLOW_MOCK_PROVIDERS", true),
		EmbedWorkers:       getEnvBool("EMBED_WORKERS", true),

		OutboxInterval:      getEnvSeconds("OUTBOX_INTERVAL_SECONDS", 30),
		PollWindow:          getEnvSeconds("POLL_INTERVAL_SECONDS", 60),
		PollTick:            getEnvSeconds("POLL_JOB_UPDATES_INTERVAL_SECONDS", 20),
		SyncPendingInterval: getEnvSeconds("SYNC_PENDING_JOBS_INTERVAL_SECONDS", 120),
		RetryFailedInterval: getEnvSeconds("RETRY_FAILED_JOBS_INTERVAL_SECONDS", 600),

		MaxRetryAttempts:  getEnvInt("MAX_RETRY_ATTEMPTS", 3),
		BatchSize:         getEnvInt("BATCH_SIZE", 50),
		PollingBatchSize:  getEnvInt("POLLING_BATCH_SIZE", 100),
		SyncSpacing:       getEnvMinutes("SYNC_INTERVAL_MINUTES", 30),
		StuckClaimAfter:   getEnvMinutes("STUCK_CLAIM_MINUTES", 10),
		SyncConcurrency:   getEnvInt("SYNC_CONCURRENCY", 8),
		TaskTimeLimit:     getEnvSeconds("TASK_TIME_LIMIT_SECONDS", 600),
		TaskSoftTimeLimit: getEnvSeconds("TASK_SOFT_TIME_LIMIT_SECONDS", 480),
		ProviderTimeout:   getEnvSeconds("PROVIDER_TIMEOUT_SECONDS", 30),

		SyncRateMax:       getEnvInt("SYNC_RATE_MAX_PER_MINUTE", 30),
		SyncRateWindow:    time.Minute,
		PollRateMax:       getEnvInt("POLL_RATE_MAX_PER_WINDOW", 1),
		HTTPRateMax:       getEnvInt("HTTP_RATE_MAX_PER_MINUTE", 60),
		HTTPRateWindow:    time.Minute,
		MaxRoutingsPerJob: getEnvInt("MAX_ROUTINGS_PER_JOB", 1),

		CleanupOutboxEveryHours: getEnvInt("CLEANUP_OUTBOX_EVENTS_INTERVAL_HOURS", 12),
		CleanupRoutingsHour:     getEnvInt("CLEANUP_ORPHANED_ROUTINGS_HOUR", 2),
		OutboxRetentionDays:     getEnvInt("OUTBOX_RETENTION_DAYS", 7),

		ShutdownGrace: getEnvSeconds("SHUTDOWN_GRACE_SECONDS", 30),
	}
}

func buildDBURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}

	host := getEnv("DB_HOST", "127.0.0.1")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "dispatch")
	pass := getEnv("DB_PASSWORD", "dispatch")
	name := getEnv("DB_NAME", "dispatch")
	ssl := getEnv("DB_SSLMODE", "disable")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + name + "?sslmode=" + ssl
}

func WithTimeout(duration time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), duration)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}

func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}

	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		num, err := strconv.Atoi(v)

		if err != nil {
			// config loads before the JSON logger; the default slog
			// handler still lands this on stderr
			slog.Warn("ignoring unparsable env var", "key", key, "value", v, "error", err)
			return fallback
		}

		return num
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)

		if err != nil {
			slog.Warn("ignoring unparsable env var", "key", key, "value", v, "error", err)
			return fallback
		}

		return b
	}
	return fallback
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}

func getEnvMinutes(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Minute
}
