package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	HTTPAddr     string
	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Upstream UpstreamConfig
	Pipeline PipelineConfig

	StatsEngine  string
	SeedDemoData bool
}

// UpstreamConfig carries the subscriber-management API credentials and endpoint.
type UpstreamConfig struct {
	BaseURL        string
	Username       string
	Password       string
	PasswordSalt   string
	APIToken       string
	RequestTimeout time.Duration
}

// PipelineConfig controls the ingest+merge chain cadence and batch sizes.
type PipelineConfig struct {
	RunInterval    time.Duration
	PageSize       int
	MergeBatchSize int
	StageTimeout   time.Duration
	RetryAttempts  int
	RetryDelay     time.Duration
	LeaseTTL       time.Duration
}

var Module = fx.Module("config",
	fx.Provide(Load),
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "telemetria"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "telemetria"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		Upstream: UpstreamConfig{
			BaseURL:        strings.TrimSpace(getenv("UPSTREAM_BASE_URL", "")),
			Username:       strings.TrimSpace(getenv("UPSTREAM_USERNAME", "")),
			Password:       getenv("UPSTREAM_PASSWORD", ""),
			PasswordSalt:   getenv("UPSTREAM_PASSWORD_SALT", ""),
			APIToken:       strings.TrimSpace(getenv("UPSTREAM_API_TOKEN", "")),
			RequestTimeout: getenvDuration("UPSTREAM_REQUEST_TIMEOUT", 2*time.Minute),
		},
		Pipeline: PipelineConfig{
			RunInterval:    getenvDuration("PIPELINE_RUN_INTERVAL", 2*time.Minute),
			PageSize:       getenvInt("PIPELINE_PAGE_SIZE", 1000),
			MergeBatchSize: getenvInt("PIPELINE_MERGE_BATCH_SIZE", 500),
			StageTimeout:   getenvDuration("PIPELINE_STAGE_TIMEOUT", 10*time.Minute),
			RetryAttempts:  getenvInt("PIPELINE_RETRY_ATTEMPTS", 3),
			RetryDelay:     getenvDuration("PIPELINE_RETRY_DELAY", time.Minute),
			LeaseTTL:       getenvDuration("PIPELINE_LEASE_TTL", 15*time.Minute),
		},

		StatsEngine:  strings.ToLower(strings.TrimSpace(getenv("STATS_ENGINE", "basic"))),
		SeedDemoData: getenvBool("SEED_DEMO_DATA", false),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvBool(key string, def bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
