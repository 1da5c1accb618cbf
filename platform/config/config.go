// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// MigrationConfig provides the optional on-disk migrations directory.
// An empty directory means the embedded migrations are used.
type MigrationConfig interface {
	DatabaseConfig
	GetMigrationsDir() string
}

// JWTConfig provides JWT validation settings for middleware.
type JWTConfig interface {
	GetJWTAccessSecret() string
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
}

// SchedulerConfig provides Redis/asynq settings for the sync scheduler.
type SchedulerConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
	GetSyncCron() string
	GetSyncLockTTL() time.Duration
}

// CRMConfig provides settings for the CRM REST API.
type CRMConfig interface {
	GetCRMBaseURL() string
	GetCRMAccessToken() string
	GetCRMPipelineID() int64
	GetCRMPageLimit() int
	GetCRMPageDelay() time.Duration
	GetCRMRequestsPerSecond() float64
	GetCRMTimeout() time.Duration
}

// TrackingConfig provides settings for the stage tracking pipeline.
type TrackingConfig interface {
	GetStageConfigPath() string
	GetDefaultStageName() string
	GetPersistChunkSize() int
	GetPersistChunkDelay() time.Duration
	GetBackfillConcurrency() int
}

// MetricsConfig provides the address of the standalone metrics listener.
type MetricsConfig interface {
	GetMetricsAddr() string
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env                  string
	HTTPAddr             string
	DatabaseURL          string
	MigrationsDir        string
	JWTAccessSecret      string
	CORSAllowAll         bool
	CORSOrigins          []string
	RedisURL             string
	RedisTLSInsecure     bool
	AsynqQueueName       string
	AsynqConcurrency     int
	SyncCron             string
	SyncLockTTL          time.Duration
	CRMBaseURL           string
	CRMAccessToken       string
	CRMPipelineID        int64
	CRMPageLimit         int
	CRMPageDelay         time.Duration
	CRMRequestsPerSecond float64
	CRMTimeout           time.Duration
	StageConfigPath      string
	DefaultStageName     string
	PersistChunkSize     int
	PersistChunkDelay    time.Duration
	BackfillConcurrency  int
	MetricsAddr          string
	LogBufferSize        int
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string   { return c.DatabaseURL }
func (c *Config) GetMigrationsDir() string { return c.MigrationsDir }

// JWTConfig implementation
func (c *Config) GetJWTAccessSecret() string { return c.JWTAccessSecret }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool    { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }

// SchedulerConfig implementation
func (c *Config) GetRedisURL() string           { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool     { return c.RedisTLSInsecure }
func (c *Config) GetAsynqQueueName() string     { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int      { return c.AsynqConcurrency }
func (c *Config) GetSyncCron() string           { return c.SyncCron }
func (c *Config) GetSyncLockTTL() time.Duration { return c.SyncLockTTL }
func (c *Config) IsSchedulerEnabled() bool      { return c.RedisURL != "" }

// CRMConfig implementation
func (c *Config) GetCRMBaseURL() string            { return c.CRMBaseURL }
func (c *Config) GetCRMAccessToken() string        { return c.CRMAccessToken }
func (c *Config) GetCRMPipelineID() int64          { return c.CRMPipelineID }
func (c *Config) GetCRMPageLimit() int             { return c.CRMPageLimit }
func (c *Config) GetCRMPageDelay() time.Duration   { return c.CRMPageDelay }
func (c *Config) GetCRMRequestsPerSecond() float64 { return c.CRMRequestsPerSecond }
func (c *Config) GetCRMTimeout() time.Duration     { return c.CRMTimeout }

// TrackingConfig implementation
func (c *Config) GetStageConfigPath() string          { return c.StageConfigPath }
func (c *Config) GetDefaultStageName() string         { return c.DefaultStageName }
func (c *Config) GetPersistChunkSize() int            { return c.PersistChunkSize }
func (c *Config) GetPersistChunkDelay() time.Duration { return c.PersistChunkDelay }
func (c *Config) GetBackfillConcurrency() int         { return c.BackfillConcurrency }

// MetricsConfig implementation
func (c *Config) GetMetricsAddr() string { return c.MetricsAddr }

// Load reads configuration from the environment, after applying a .env file
// when one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	corsOrigins := splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200"))
	corsAllowAll := strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true")
	if containsWildcard(corsOrigins) {
		corsAllowAll = true
	}

	cfg := &Config{
		Env:                  getEnv("APP_ENV", "development"),
		HTTPAddr:             getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		MigrationsDir:        getEnv("MIGRATIONS_DIR", ""),
		JWTAccessSecret:      getEnv("JWT_ACCESS_SECRET", ""),
		CORSAllowAll:         corsAllowAll,
		CORSOrigins:          corsOrigins,
		RedisURL:             getEnv("REDIS_URL", ""),
		RedisTLSInsecure:     strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		AsynqQueueName:       getEnv("ASYNQ_QUEUE", "default"),
		AsynqConcurrency:     mustInt(getEnv("ASYNQ_CONCURRENCY", "2")),
		SyncCron:             getEnv("SYNC_CRON", "0 6,18 * * *"),
		SyncLockTTL:          mustDuration(getEnv("SYNC_LOCK_TTL", "2h")),
		CRMBaseURL:           strings.TrimRight(getEnv("CRM_BASE_URL", ""), "/"),
		CRMAccessToken:       getEnv("CRM_ACCESS_TOKEN", ""),
		CRMPipelineID:        mustInt64(getEnv("CRM_PIPELINE_ID", "0")),
		CRMPageLimit:         mustInt(getEnv("CRM_PAGE_LIMIT", "250")),
		CRMPageDelay:         mustDuration(getEnv("CRM_PAGE_DELAY", "200ms")),
		CRMRequestsPerSecond: mustFloat(getEnv("CRM_REQUESTS_PER_SECOND", "5")),
		CRMTimeout:           mustDuration(getEnv("CRM_TIMEOUT", "30s")),
		StageConfigPath:      getEnv("STAGE_CONFIG_PATH", ""),
		DefaultStageName:     getEnv("DEFAULT_STAGE_NAME", ""),
		PersistChunkSize:     mustInt(getEnv("PERSIST_CHUNK_SIZE", "500")),
		PersistChunkDelay:    mustDuration(getEnv("PERSIST_CHUNK_DELAY", "100ms")),
		BackfillConcurrency:  mustInt(getEnv("BACKFILL_CONCURRENCY", "4")),
		MetricsAddr:          getEnv("METRICS_ADDR", ""),
		LogBufferSize:        mustInt(getEnv("LOG_BUFFER_SIZE", "500")),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.CRMBaseURL == "" || c.CRMAccessToken == "" {
		return fmt.Errorf("CRM_BASE_URL and CRM_ACCESS_TOKEN are required")
	}
	if c.CRMPipelineID <= 0 {
		return fmt.Errorf("CRM_PIPELINE_ID must be a positive pipeline id")
	}
	if c.CRMPageLimit <= 0 || c.CRMPageLimit > 250 {
		return fmt.Errorf("CRM_PAGE_LIMIT must be between 1 and 250")
	}
	if c.PersistChunkSize <= 0 {
		return fmt.Errorf("PERSIST_CHUNK_SIZE must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return result
}

func mustInt64(value string) int64 {
	result, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0
	}
	return result
}

func mustFloat(value string) float64 {
	result, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0
	}
	return result
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if value == "*" {
			return true
		}
	}
	return false
}
