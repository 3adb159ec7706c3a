package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	appErrors "github.com/noah-isme/sma-warehouse-api/pkg/errors"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	// HardMaxResultRows caps every query regardless of configuration.
	HardMaxResultRows = 10000
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database  DatabaseConfig
	Replica   ReplicaConfig
	Redis     RedisConfig
	CORS      CORSConfig
	Log       LogConfig
	Warehouse WarehouseConfig
	Scheduler SchedulerConfig
	Recorder  RecorderConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	AutoMigrate  bool
}

// ReplicaConfig describes the optional read replica connection.
type ReplicaConfig struct {
	Enabled       bool
	Database      DatabaseConfig
	RetryInterval time.Duration
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// WarehouseConfig governs query execution limits and caching.
type WarehouseConfig struct {
	StatementTimeout   time.Duration
	RefreshTimeout     time.Duration
	CacheEnabled       bool
	CacheTTL           time.Duration
	MaxResultRows      int
	SlowQueryThreshold time.Duration
	ViewStaleAfter     time.Duration
	RunRetention       time.Duration
}

// SchedulerConfig controls the scheduled refresh, statistics and warm-up jobs.
type SchedulerConfig struct {
	Enabled            bool
	Timezone           string
	RefreshSchedule    string
	StatisticsSchedule string
	WarmSchedule       string
	MaxAttempts        int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	WarmQueries        []string
}

// RecorderConfig sizes the execution run persistence queue.
type RecorderConfig struct {
	Workers    int
	BufferSize int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = databaseConfig(v, "DB")
	cfg.Replica = ReplicaConfig{
		Enabled:       v.GetBool("REPLICA_ENABLED"),
		Database:      databaseConfig(v, "REPLICA_DB"),
		RetryInterval: parseDuration(v.GetString("REPLICA_RETRY_INTERVAL"), 30*time.Second),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Warehouse = WarehouseConfig{
		StatementTimeout:   time.Duration(v.GetInt("STATEMENT_TIMEOUT_SECONDS")) * time.Second,
		RefreshTimeout:     time.Duration(v.GetInt("REFRESH_TIMEOUT_SECONDS")) * time.Second,
		CacheEnabled:       v.GetBool("ENABLE_CACHE"),
		CacheTTL:           time.Duration(v.GetInt("CACHE_TTL_SECONDS")) * time.Second,
		MaxResultRows:      v.GetInt("MAX_RESULT_ROWS"),
		SlowQueryThreshold: parseDuration(v.GetString("SLOW_QUERY_THRESHOLD"), time.Second),
		ViewStaleAfter:     parseDuration(v.GetString("VIEW_STALE_AFTER"), 48*time.Hour),
		RunRetention:       parseDuration(v.GetString("RUN_RETENTION"), 30*24*time.Hour),
	}

	cfg.Scheduler = SchedulerConfig{
		Enabled:            v.GetBool("ENABLE_SCHEDULER"),
		Timezone:           v.GetString("SCHEDULER_TIMEZONE"),
		RefreshSchedule:    v.GetString("JOB_REFRESH_SCHEDULE"),
		StatisticsSchedule: v.GetString("JOB_STATISTICS_SCHEDULE"),
		WarmSchedule:       v.GetString("JOB_WARM_SCHEDULE"),
		MaxAttempts:        v.GetInt("JOB_MAX_ATTEMPTS"),
		BackoffInitial:     parseDuration(v.GetString("JOB_BACKOFF_INITIAL"), 30*time.Second),
		BackoffMax:         parseDuration(v.GetString("JOB_BACKOFF_MAX"), 5*time.Minute),
		WarmQueries:        splitAndTrim(v.GetString("WARM_QUERIES")),
	}

	cfg.Recorder = RecorderConfig{
		Workers:    v.GetInt("RECORDER_WORKERS"),
		BufferSize: v.GetInt("RECORDER_BUFFER"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the warehouse cannot serve traffic with.
func (c *Config) Validate() error {
	if c.Warehouse.StatementTimeout <= 0 {
		return appErrors.Clone(appErrors.ErrConfiguration, "STATEMENT_TIMEOUT_SECONDS must be positive")
	}
	if c.Warehouse.RefreshTimeout <= 0 {
		return appErrors.Clone(appErrors.ErrConfiguration, "REFRESH_TIMEOUT_SECONDS must be positive")
	}
	if c.Warehouse.CacheTTL <= 0 {
		return appErrors.Clone(appErrors.ErrConfiguration, "CACHE_TTL_SECONDS must be positive")
	}
	if c.Warehouse.MaxResultRows <= 0 || c.Warehouse.MaxResultRows > HardMaxResultRows {
		return appErrors.Clone(appErrors.ErrConfiguration, fmt.Sprintf("MAX_RESULT_ROWS must be within 1..%d", HardMaxResultRows))
	}
	if c.Scheduler.MaxAttempts <= 0 {
		return appErrors.Clone(appErrors.ErrConfiguration, "JOB_MAX_ATTEMPTS must be positive")
	}
	if c.Replica.Enabled && c.Replica.Database.Host == "" {
		return appErrors.Clone(appErrors.ErrConfiguration, "REPLICA_DB_HOST is required when REPLICA_ENABLED is set")
	}
	return nil
}

func databaseConfig(v *viper.Viper, prefix string) DatabaseConfig {
	return DatabaseConfig{
		Host:         v.GetString(prefix + "_HOST"),
		Port:         v.GetInt(prefix + "_PORT"),
		User:         v.GetString(prefix + "_USER"),
		Password:     v.GetString(prefix + "_PASSWORD"),
		Name:         v.GetString(prefix + "_NAME"),
		SSLMode:      v.GetString(prefix + "_SSL_MODE"),
		MaxOpenConns: v.GetInt(prefix + "_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt(prefix + "_MAX_IDLE_CONNS"),
		AutoMigrate:  v.GetBool("AUTO_MIGRATE"),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "admin_panel_sma")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("AUTO_MIGRATE", true)

	v.SetDefault("REPLICA_ENABLED", false)
	v.SetDefault("REPLICA_DB_HOST", "")
	v.SetDefault("REPLICA_DB_PORT", 5432)
	v.SetDefault("REPLICA_DB_USER", "postgres")
	v.SetDefault("REPLICA_DB_PASSWORD", "postgres")
	v.SetDefault("REPLICA_DB_NAME", "admin_panel_sma")
	v.SetDefault("REPLICA_DB_SSL_MODE", "disable")
	v.SetDefault("REPLICA_DB_MAX_OPEN_CONNS", 20)
	v.SetDefault("REPLICA_DB_MAX_IDLE_CONNS", 10)
	v.SetDefault("REPLICA_RETRY_INTERVAL", "30s")

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("STATEMENT_TIMEOUT_SECONDS", 30)
	v.SetDefault("REFRESH_TIMEOUT_SECONDS", 600)
	v.SetDefault("ENABLE_CACHE", true)
	v.SetDefault("CACHE_TTL_SECONDS", 3600)
	v.SetDefault("MAX_RESULT_ROWS", HardMaxResultRows)
	v.SetDefault("SLOW_QUERY_THRESHOLD", "1s")
	v.SetDefault("VIEW_STALE_AFTER", "48h")
	v.SetDefault("RUN_RETENTION", "720h")

	v.SetDefault("ENABLE_SCHEDULER", true)
	v.SetDefault("SCHEDULER_TIMEZONE", "Local")
	v.SetDefault("JOB_REFRESH_SCHEDULE", "0 2 * * *")
	v.SetDefault("JOB_STATISTICS_SCHEDULE", "0 3 * * *")
	v.SetDefault("JOB_WARM_SCHEDULE", "0 7 * * *")
	v.SetDefault("JOB_MAX_ATTEMPTS", 3)
	v.SetDefault("JOB_BACKOFF_INITIAL", "30s")
	v.SetDefault("JOB_BACKOFF_MAX", "5m")
	v.SetDefault("WARM_QUERIES", "top_performers,bottom_performers,engagement_metrics")

	v.SetDefault("RECORDER_WORKERS", 2)
	v.SetDefault("RECORDER_BUFFER", 1024)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
