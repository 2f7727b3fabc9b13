package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	DBMaxConns  int
	RedisURL    string

	// Dispatch selects how admitted jobs reach a worker: "inproc" runs the
	// pipeline inside the API process, "queue" enqueues to Redis for cmd/worker.
	DispatchMode    string
	PipelineWorkers int

	LLMProvider     string
	LLMAPIKey       string
	LLMModel        string
	LLMBaseURL      string
	LLMTimeout      time.Duration
	AnthropicAPIKey string

	ImageProvider       string
	ImageAPIKey         string
	ImageBaseURL        string
	ImageTimeout        time.Duration
	ImageMaxConcurrent  int
	ImageGlobalInFlight int

	ModerationProvider string

	StorageBackend  string
	StoragePath     string
	StorageBaseURL  string
	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3UseSSL        bool
	S3PublicBaseURL string

	CreditCostPerBook  int
	CreditCostPerRegen int
	SignupBonusCredits int

	RateLimitRequests int
	RateLimitWindow   time.Duration

	DailyJobLimitPerUser int
	MaxPendingJobs       int

	JobSLA          time.Duration
	StuckAfter      time.Duration
	JobMaxRetries   int
	MonitorInterval time.Duration

	HTTPReadTimeout     time.Duration
	HTTPWriteTimeout    time.Duration
	HTTPIdleTimeout     time.Duration
	HTTPShutdownTimeout time.Duration

	CORSAllowedOrigins []string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBMaxConns:  getEnvInt("DB_MAX_CONNS", 10),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),

		DispatchMode:    getEnv("DISPATCH_MODE", "inproc"),
		PipelineWorkers: getEnvInt("PIPELINE_WORKERS", 4),

		LLMProvider: getEnv("LLM_PROVIDER", "static"),
		LLMAPIKey:   os.Getenv("LLM_API_KEY"),
		// Empty means each provider's own default model.
		LLMModel:   os.Getenv("LLM_MODEL"),
		LLMBaseURL: os.Getenv("LLM_BASE_URL"),
		LLMTimeout:      time.Second * time.Duration(getEnvInt("LLM_TIMEOUT_SECONDS", 30)),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),

		ImageProvider:       getEnv("IMAGE_PROVIDER", "synthetic"),
		ImageAPIKey:         os.Getenv("IMAGE_API_KEY"),
		ImageBaseURL:        getEnv("IMAGE_BASE_URL", "https://api.replicate.com/v1"),
		ImageTimeout:        time.Second * time.Duration(getEnvInt("IMAGE_TIMEOUT_SECONDS", 90)),
		ImageMaxConcurrent:  getEnvInt("IMAGE_MAX_CONCURRENT", 3),
		ImageGlobalInFlight: getEnvInt("IMAGE_GLOBAL_IN_FLIGHT", 8),

		ModerationProvider: getEnv("MODERATION_PROVIDER", "lexicon"),

		StorageBackend:  getEnv("STORAGE_BACKEND", "filesystem"),
		StoragePath:     getEnv("STORAGE_PATH", "./data/assets"),
		StorageBaseURL:  getEnv("STORAGE_BASE_URL", "http://localhost:8080/static"),
		S3Endpoint:      getEnv("S3_ENDPOINT", "localhost:9000"),
		S3AccessKey:     os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:     os.Getenv("S3_SECRET_KEY"),
		S3Bucket:        getEnv("S3_BUCKET", "storybook-assets"),
		S3UseSSL:        getEnvBool("S3_USE_SSL", false),
		S3PublicBaseURL: os.Getenv("S3_PUBLIC_BASE_URL"),

		CreditCostPerBook:  getEnvInt("CREDIT_COST_PER_BOOK", 1),
		CreditCostPerRegen: getEnvInt("CREDIT_COST_PER_REGEN", 1),
		SignupBonusCredits: getEnvInt("SIGNUP_BONUS_CREDITS", 3),

		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 10),
		RateLimitWindow:   time.Second * time.Duration(getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 60)),

		DailyJobLimitPerUser: getEnvInt("DAILY_JOB_LIMIT_PER_USER", 20),
		MaxPendingJobs:       getEnvInt("MAX_PENDING_JOBS", 100),

		JobSLA:          time.Second * time.Duration(getEnvInt("JOB_SLA_SECONDS", 600)),
		StuckAfter:      time.Minute * time.Duration(getEnvInt("STUCK_AFTER_MINUTES", 15)),
		JobMaxRetries:   getEnvInt("JOB_MAX_RETRIES", 3),
		MonitorInterval: time.Second * time.Duration(getEnvInt("MONITOR_INTERVAL_SECONDS", 300)),

		HTTPReadTimeout:     time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:    time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:     time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		HTTPShutdownTimeout: time.Second * time.Duration(getEnvInt("HTTP_SHUTDOWN_TIMEOUT_SECONDS", 10)),

		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	switch cfg.DispatchMode {
	case "inproc", "queue":
	default:
		return nil, fmt.Errorf("DISPATCH_MODE must be inproc or queue, got %q", cfg.DispatchMode)
	}

	if cfg.ImageMaxConcurrent < 1 {
		cfg.ImageMaxConcurrent = 1
	}
	if cfg.ImageGlobalInFlight < cfg.ImageMaxConcurrent {
		cfg.ImageGlobalInFlight = cfg.ImageMaxConcurrent
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
