package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	envPrefix                 = "MARGINALIA"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = "sqlite"
	defaultDatabasePath       = "marginalia.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultIssuer             = "tauth"
	defaultCookieName         = "app_session"
	defaultSchedule           = "@every 15m"
	defaultConcurrency        = 4
	defaultLockTTL            = 5 * time.Minute
	defaultWritesPerMinute    = 60
	defaultWriteBurst         = 10
	DatabaseDriverSQLite      = "sqlite"
	DatabaseDriverPostgres    = "postgres"
	keyHTTPAddress            = "http.address"
	keyHTTPAllowedOrigins     = "http.allowed_origins"
	keyDatabaseDriver         = "database.driver"
	keyDatabasePath           = "database.path"
	keyDatabaseDSN            = "database.dsn"
	keyLogLevel               = "log.level"
	keyLogFormat              = "log.format"
	keyAuthSigningSecret      = "auth.signing_secret"
	keyAuthIssuer             = "auth.issuer"
	keyAuthCookieName         = "auth.cookie_name"
	keyRedisURL               = "redis.url"
	keyAggregationSchedule    = "aggregation.schedule"
	keyAggregationConcurrency = "aggregation.concurrency"
	keyAggregationLockTTL     = "aggregation.lock_ttl"
	keyRateWritesPerMinute    = "ratelimit.writes_per_minute"
	keyRateBurst              = "ratelimit.burst"
)

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Driver string `validate:"oneof=sqlite postgres"`
	Path   string `validate:"required_if=Driver sqlite"`
	DSN    string `validate:"required_if=Driver postgres"`
}

// AuthConfig describes how session tokens are verified.
type AuthConfig struct {
	SigningSecret string `validate:"required"`
	Issuer        string `validate:"required"`
	CookieName    string `validate:"required"`
}

// AggregationConfig tunes the popular-highlights job.
type AggregationConfig struct {
	Schedule    string
	Concurrency int           `validate:"min=1,max=64"`
	LockTTL     time.Duration `validate:"min=1s"`
}

// RateLimitConfig bounds each reader's write requests. Zero WritesPerMinute
// disables the limit.
type RateLimitConfig struct {
	WritesPerMinute int `validate:"min=0"`
	Burst           int `validate:"min=1"`
}

// AppConfig captures runtime configuration for the API server and jobs.
type AppConfig struct {
	HTTPAddress    string `validate:"required"`
	AllowedOrigins []string
	Database       DatabaseConfig
	LogLevel       string `validate:"oneof=debug info warn warning error"`
	LogFormat      string `validate:"oneof=json console"`
	Auth           AuthConfig
	RedisURL       string
	Aggregation    AggregationConfig
	RateLimit      RateLimitConfig
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault(keyHTTPAddress, defaultHTTPAddress)
	configViper.SetDefault(keyHTTPAllowedOrigins, []string{"*"})
	configViper.SetDefault(keyDatabaseDriver, defaultDatabaseDriver)
	configViper.SetDefault(keyDatabasePath, defaultDatabasePath)
	configViper.SetDefault(keyLogLevel, defaultLogLevel)
	configViper.SetDefault(keyLogFormat, defaultLogFormat)
	configViper.SetDefault(keyAuthIssuer, defaultIssuer)
	configViper.SetDefault(keyAuthCookieName, defaultCookieName)
	configViper.SetDefault(keyAggregationSchedule, defaultSchedule)
	configViper.SetDefault(keyAggregationConcurrency, defaultConcurrency)
	configViper.SetDefault(keyAggregationLockTTL, defaultLockTTL)
	configViper.SetDefault(keyRateWritesPerMinute, defaultWritesPerMinute)
	configViper.SetDefault(keyRateBurst, defaultWriteBurst)
}

// Load parses and validates runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    strings.TrimSpace(configViper.GetString(keyHTTPAddress)),
		AllowedOrigins: configViper.GetStringSlice(keyHTTPAllowedOrigins),
		Database: DatabaseConfig{
			Driver: strings.ToLower(strings.TrimSpace(configViper.GetString(keyDatabaseDriver))),
			Path:   strings.TrimSpace(configViper.GetString(keyDatabasePath)),
			DSN:    strings.TrimSpace(configViper.GetString(keyDatabaseDSN)),
		},
		LogLevel:  strings.ToLower(strings.TrimSpace(configViper.GetString(keyLogLevel))),
		LogFormat: strings.ToLower(strings.TrimSpace(configViper.GetString(keyLogFormat))),
		Auth: AuthConfig{
			SigningSecret: strings.TrimSpace(configViper.GetString(keyAuthSigningSecret)),
			Issuer:        strings.TrimSpace(configViper.GetString(keyAuthIssuer)),
			CookieName:    strings.TrimSpace(configViper.GetString(keyAuthCookieName)),
		},
		RedisURL: strings.TrimSpace(configViper.GetString(keyRedisURL)),
		Aggregation: AggregationConfig{
			Schedule:    strings.TrimSpace(configViper.GetString(keyAggregationSchedule)),
			Concurrency: configViper.GetInt(keyAggregationConcurrency),
			LockTTL:     configViper.GetDuration(keyAggregationLockTTL),
		},
		RateLimit: RateLimitConfig{
			WritesPerMinute: configViper.GetInt(keyRateWritesPerMinute),
			Burst:           configViper.GetInt(keyRateBurst),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return AppConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
