// Package config reads service configuration from the environment and
// builds the process logger.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the sync server.
type Config struct {
	// Postgres
	DatabaseURL string
	CatalogURL  string // repository catalog; defaults to DatabaseURL

	// GitHub connector
	GitHubBaseURL  string
	GitHubToken    string
	PageSize       int
	NestedPageSize int
	MaxRetries     int
	QuotaFloor     int

	// Engine
	JobName      string
	BatchSize    int
	SyncInterval time.Duration
	MaxRetryRuns int

	// Change notifications
	NotifyBuffer int

	// Archive sink
	ArchiveEnabled  bool
	ArchiveLocalDir string // when set, archive to local disk instead of S3
	ArchiveBucket   string
	ArchivePrefix   string
	MinioEndpoint   string
	MinioAccessKey  string
	MinioSecretKey  string
	MinioRegion     string
	MinioUseSSL     bool

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables.
func Load() Config {
	cfg := Config{
		DatabaseURL: getEnv("PRSYNC_DATABASE_URL", "postgres://localhost:5432/prsync?sslmode=disable"),
		CatalogURL:  getEnv("PRSYNC_CATALOG_URL", ""),

		GitHubBaseURL:  getEnv("PRSYNC_GITHUB_BASE_URL", "https://api.github.com"),
		GitHubToken:    getEnv("PRSYNC_GITHUB_TOKEN", ""),
		PageSize:       getEnvInt("PRSYNC_PAGE_SIZE", 50),
		NestedPageSize: getEnvInt("PRSYNC_NESTED_PAGE_SIZE", 50),
		MaxRetries:     getEnvInt("PRSYNC_MAX_RETRIES", 3),
		QuotaFloor:     getEnvInt("PRSYNC_QUOTA_FLOOR", 50),

		JobName:      getEnv("PRSYNC_JOB_NAME", "github-pr-sync"),
		BatchSize:    getEnvInt("PRSYNC_BATCH_SIZE", 50),
		SyncInterval: getEnvDuration("PRSYNC_SYNC_INTERVAL", 5*time.Minute),
		MaxRetryRuns: getEnvInt("PRSYNC_MAX_RETRY_RUNS", 5),

		NotifyBuffer: getEnvInt("PRSYNC_NOTIFY_BUFFER", 256),

		ArchiveEnabled:  getEnvBool("PRSYNC_ARCHIVE_ENABLED", false),
		ArchiveLocalDir: getEnv("PRSYNC_ARCHIVE_LOCAL_DIR", ""),
		ArchiveBucket:   getEnv("PRSYNC_ARCHIVE_BUCKET", "prsync-archive"),
		ArchivePrefix:   getEnv("PRSYNC_ARCHIVE_PREFIX", "github"),
		MinioEndpoint:   getEnv("PRSYNC_MINIO_ENDPOINT", "http://localhost:9000"),
		MinioAccessKey:  getEnv("PRSYNC_MINIO_ACCESS_KEY", ""),
		MinioSecretKey:  getEnv("PRSYNC_MINIO_SECRET_KEY", ""),
		MinioRegion:     getEnv("PRSYNC_MINIO_REGION", ""),
		MinioUseSSL:     getEnvBool("PRSYNC_MINIO_USE_SSL", false),

		LogFile:  getEnv("PRSYNC_LOG_FILE", ""),
		LogLevel: parseLogLevel(getEnv("PRSYNC_LOG_LEVEL", "INFO")),
	}
	if cfg.CatalogURL == "" {
		cfg.CatalogURL = cfg.DatabaseURL
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
