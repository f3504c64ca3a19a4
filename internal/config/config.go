package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Env  string
	Port int

	DBURL      string
	DBMaxConns int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret string

	// worker pool
	WorkerCount         int
	WorkerCommand       string
	TaskTimeout         time.Duration
	RestartOnCrash      bool
	MaxRestartAttempts  int
	RestartDelay        time.Duration
	HealthCheckInterval time.Duration
	WorkerIdleTimeout   time.Duration

	// scheduler
	PollInterval  time.Duration
	BatchSize     int
	MaxConcurrent int
	ScheduleTick  time.Duration
	StaleJobTTL   time.Duration

	// rate limiting
	RateLimitMax    int
	RateLimitWindow time.Duration

	// task sources
	TaskRoot string

	OTLPEndpoint string
}

func Load() Config {
	return Config{
		Env:  getEnv("APP_ENV", "dev"),
		Port: getEnvInt("PORT", 8080),

		DBURL:      buildDBURL(),
		DBMaxConns: getEnvInt("DB_MAX_CONNS", 10),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-me"),

		WorkerCount:         getEnvInt("WORKER_COUNT", 4),
		WorkerCommand:       getEnv("WORKER_COMMAND", "ratchet-worker"),
		TaskTimeout:         getEnvDuration("TASK_TIMEOUT", 5*time.Minute),
		RestartOnCrash:      getEnvBool("RESTART_ON_CRASH", true),
		MaxRestartAttempts:  getEnvInt("MAX_RESTART_ATTEMPTS", 3),
		RestartDelay:        getEnvDuration("RESTART_DELAY", 5*time.Second),
		HealthCheckInterval: getEnvDuration("HEALTH_CHECK_INTERVAL", 30*time.Second),
		WorkerIdleTimeout:   getEnvDuration("WORKER_IDLE_TIMEOUT", time.Hour),

		PollInterval:  getEnvDuration("POLL_INTERVAL", 2*time.Second),
		BatchSize:     getEnvInt("DEQUEUE_BATCH_SIZE", 10),
		MaxConcurrent: getEnvInt("MAX_CONCURRENT_JOBS", 4),
		ScheduleTick:  getEnvDuration("SCHEDULE_TICK", 15*time.Second),
		StaleJobTTL:   getEnvDuration("STALE_JOB_TTL", 10*time.Minute),

		RateLimitMax:    getEnvInt("RATE_LIMIT_MAX", 120),
		RateLimitWindow: getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),

		TaskRoot: getEnv("TASK_ROOT", "./tasks"),

		OTLPEndpoint: getEnv("OTLP_ENDPOINT", "localhost:4317"),
	}
}

func buildDBURL() string {
	if url := getEnv("DATABASE_URL", ""); url != "" {
		return url
	}

	host := getEnv("DB_HOST", "127.0.0.1")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "ratchet")
	pass := getEnv("DB_PASSWORD", "ratchet")
	name := getEnv("DB_NAME", "ratchet")
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

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		num, err := strconv.Atoi(v)
		if err != nil {
			fmt.Println(err)
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
			return fallback
		}
		return b
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			fmt.Println(err)
			return fallback
		}
		return d
	}
	return fallback
}
