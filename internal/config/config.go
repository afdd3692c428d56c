package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends.
const (
	StorageLocal    = "local"
	StorageSupabase = "supabase"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)
	SubmitRatePerMin   int    // Job submissions per client IP per minute (0 = unlimited)
	LogLevel           string

	// Job store: postgres://..., sqlite://path, or empty for in-memory
	DatabaseURL string

	// Redis queue (empty = in-process queue)
	RedisURL string

	// Object storage
	StorageBackend        string
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string
	LocalStorageDir       string
	SigningSecret         string // HMAC key for local signed URLs
	PublicBaseURL         string // Base URL used in local signed URLs
	SignedURLTTL          time.Duration

	// Media
	TempDir     string
	FFmpegPath  string
	FFprobePath string
	PresetsFile string // Optional YAML overriding the embedded presets

	// Worker
	MaxConcurrentJobs int
	JobTimeout        time.Duration
	MaxJobCost        float64 // Megapixel-seconds of output per job (0 = unlimited)
	MaxAudioSeconds   float64
	MaxInputBytes     int64
	MaxVideoSources   int

	// Webhooks
	WebhookTimeout    time.Duration
	WebhookWorkers    int
	WebhookRatePerSec float64
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:               getEnv("API_PORT", "8080"),
		WorkerEnabled:         getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:         getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		SubmitRatePerMin:      getEnvInt("SUBMIT_RATE_PER_MINUTE", 60),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", ""),
		StorageBackend:        strings.ToLower(getEnv("STORAGE_BACKEND", StorageLocal)),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "beatsync"),
		LocalStorageDir:       getEnv("LOCAL_STORAGE_DIR", "/var/lib/beatsync"),
		SigningSecret:         getEnv("SIGNING_SECRET", ""),
		PublicBaseURL:         getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		SignedURLTTL:          getEnvDuration("SIGNED_URL_TTL", 24*time.Hour),
		TempDir:               getEnv("TEMP_DIR", "/tmp/beatsync"),
		FFmpegPath:            getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:           getEnv("FFPROBE_PATH", "ffprobe"),
		PresetsFile:           getEnv("PRESETS_FILE", ""),
		MaxConcurrentJobs:     getEnvInt("MAX_CONCURRENT_JOBS", defaultConcurrency()),
		JobTimeout:            getEnvDuration("JOB_TIMEOUT", 30*time.Minute),
		MaxJobCost:            getEnvFloat("MAX_JOB_COST", 0),
		MaxAudioSeconds:       getEnvFloat("MAX_AUDIO_SECONDS", 900),
		MaxInputBytes:         getEnvInt64("MAX_INPUT_BYTES", 2<<30),
		MaxVideoSources:       getEnvInt("MAX_VIDEO_SOURCES", 50),
		WebhookTimeout:        getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		WebhookWorkers:        getEnvInt("WEBHOOK_WORKERS", 2),
		WebhookRatePerSec:     getEnvFloat("WEBHOOK_RATE_PER_SEC", 10),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case StorageSupabase:
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required for the supabase storage backend")
		}
	case StorageLocal:
		if c.LocalStorageDir == "" {
			return fmt.Errorf("LOCAL_STORAGE_DIR is required for the local storage backend")
		}
		if c.SigningSecret == "" {
			return fmt.Errorf("SIGNING_SECRET is required for the local storage backend")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}

	if c.DatabaseURL != "" &&
		!strings.HasPrefix(c.DatabaseURL, "postgres://") &&
		!strings.HasPrefix(c.DatabaseURL, "postgresql://") &&
		!strings.HasPrefix(c.DatabaseURL, "sqlite://") {
		return fmt.Errorf("DATABASE_URL must be a postgres:// or sqlite:// URL")
	}

	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1")
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("JOB_TIMEOUT must be positive")
	}
	if c.SignedURLTTL <= 0 || c.SignedURLTTL > 7*24*time.Hour {
		return fmt.Errorf("SIGNED_URL_TTL must be within (0, 168h]")
	}
	if c.SubmitRatePerMin < 0 {
		return fmt.Errorf("SUBMIT_RATE_PER_MINUTE must not be negative")
	}
	if c.WebhookWorkers < 1 {
		return fmt.Errorf("WEBHOOK_WORKERS must be at least 1")
	}

	return nil
}

// defaultConcurrency keeps rendering concurrency low: half the CPUs,
// clamped to [1, 4].
func defaultConcurrency() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	if n > 4 {
		n = 4
	}
	return n
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
