// Package config loads application settings from a .env file and environment variables.
// Environment variables always take precedence over .env file values.
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Store and feed drivers.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	FeedMirror = "mirror"
	FeedNative = "native"
	FeedNone   = "none"
)

// Config holds all application configuration.
type Config struct {
	// PostgreSQL – either set DatabaseURL directly, or the individual fields.
	DatabaseURL string
	DBUser      string
	DBPass      string
	DBHost      string
	DBPort      string
	DBName      string
	DBSSLMode   string
	StoreDriver string

	// JWT signing secret for the operator endpoints.
	JWTSecret string

	// Server
	Debug      bool
	Port       string
	TLSDomains []string

	Feed  FeedConfig
	Sync  SyncConfig
	Redis RedisConfig
	S3    S3Config

	TelegramToken  string
	TelegramChatID int64
}

// FeedConfig selects and tunes the vendor feed client.
type FeedConfig struct {
	Driver      string
	MySQLDSN    string
	PageSize    int
	CallTimeout time.Duration

	// Native client only.
	SID            string
	ProgID         string
	BulkSpec       string
	StructuralSpec string
	RealtimeSpec   string
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	Enabled            bool
	BatchSize          int
	StructuralInterval time.Duration
	RealtimeInterval   time.Duration
	MaxAttempts        int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
}

// RedisConfig enables the writer lock and the query cache when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LockKey  string
	LockTTL  time.Duration
	CacheTTL time.Duration
}

// S3Config enables the dead letter archive when Bucket is set.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
}

// Load reads configuration from a .env file (if present) and then from
// environment variables. Environment variables always win.
func Load() *Config {
	cfg := FromViper(newViper())
	if err := cfg.Validate(); err != nil {
		log.Fatal("config: ", err)
	}
	return cfg
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("DB_USER", "racesync")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_NAME", "racesync")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("STORE_DRIVER", StorePostgres)
	v.SetDefault("PORT", ":9000")
	v.SetDefault("TLS_DOMAINS", "")
	v.SetDefault("DEBUG", false)

	v.SetDefault("FEED_DRIVER", FeedMirror)
	v.SetDefault("FEED_PAGE_SIZE", 1000)
	v.SetDefault("FEED_CALL_TIMEOUT", 30*time.Second)
	v.SetDefault("FEED_SID", "UNKNOWN")
	v.SetDefault("FEED_NATIVE_PROGID", "JVDTLab.JVLink")
	v.SetDefault("FEED_NATIVE_BULK_SPEC", "RACEBLODDIFF")
	v.SetDefault("FEED_NATIVE_STRUCTURAL_SPEC", "RACEBLODDIFF")
	v.SetDefault("FEED_NATIVE_REALTIME_SPEC", "0B41")

	v.SetDefault("SYNC_ENABLED", true)
	v.SetDefault("SYNC_BATCH_SIZE", 500)
	v.SetDefault("SYNC_STRUCTURAL_INTERVAL", 24*time.Hour)
	v.SetDefault("SYNC_REALTIME_INTERVAL", time.Minute)
	v.SetDefault("SYNC_MAX_ATTEMPTS", 5)
	v.SetDefault("SYNC_BACKOFF_INITIAL", time.Second)
	v.SetDefault("SYNC_BACKOFF_MAX", time.Minute)

	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_LOCK_KEY", "racesync:writer")
	v.SetDefault("REDIS_LOCK_TTL", 30*time.Second)
	v.SetDefault("REDIS_CACHE_TTL", 10*time.Minute)

	v.SetDefault("S3_REGION", "ap-northeast-1")
	v.SetDefault("S3_PREFIX", "archive/dead_letters")
}

// FromViper builds a Config from v after applying defaults. It does not validate.
func FromViper(v *viper.Viper) *Config {
	SetDefaults(v)
	return &Config{
		DatabaseURL: v.GetString("DATABASE_URL"),
		DBUser:      v.GetString("DB_USER"),
		DBPass:      v.GetString("DB_PASS"),
		DBHost:      v.GetString("DB_HOST"),
		DBPort:      v.GetString("DB_PORT"),
		DBName:      v.GetString("DB_NAME"),
		DBSSLMode:   v.GetString("DB_SSLMODE"),
		StoreDriver: strings.ToLower(v.GetString("STORE_DRIVER")),
		JWTSecret:   v.GetString("JWT_SECRET"),
		Debug:       v.GetBool("DEBUG"),
		Port:        v.GetString("PORT"),
		TLSDomains:  splitTrimmed(v.GetString("TLS_DOMAINS")),
		Feed: FeedConfig{
			Driver:         strings.ToLower(v.GetString("FEED_DRIVER")),
			MySQLDSN:       v.GetString("MYSQL_DSN"),
			PageSize:       v.GetInt("FEED_PAGE_SIZE"),
			CallTimeout:    v.GetDuration("FEED_CALL_TIMEOUT"),
			SID:            v.GetString("FEED_SID"),
			ProgID:         v.GetString("FEED_NATIVE_PROGID"),
			BulkSpec:       v.GetString("FEED_NATIVE_BULK_SPEC"),
			StructuralSpec: v.GetString("FEED_NATIVE_STRUCTURAL_SPEC"),
			RealtimeSpec:   v.GetString("FEED_NATIVE_REALTIME_SPEC"),
		},
		Sync: SyncConfig{
			Enabled:            v.GetBool("SYNC_ENABLED"),
			BatchSize:          v.GetInt("SYNC_BATCH_SIZE"),
			StructuralInterval: v.GetDuration("SYNC_STRUCTURAL_INTERVAL"),
			RealtimeInterval:   v.GetDuration("SYNC_REALTIME_INTERVAL"),
			MaxAttempts:        v.GetInt("SYNC_MAX_ATTEMPTS"),
			BackoffInitial:     v.GetDuration("SYNC_BACKOFF_INITIAL"),
			BackoffMax:         v.GetDuration("SYNC_BACKOFF_MAX"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
			LockKey:  v.GetString("REDIS_LOCK_KEY"),
			LockTTL:  v.GetDuration("REDIS_LOCK_TTL"),
			CacheTTL: v.GetDuration("REDIS_CACHE_TTL"),
		},
		S3: S3Config{
			Bucket:    v.GetString("S3_BUCKET"),
			Region:    v.GetString("S3_REGION"),
			Endpoint:  v.GetString("S3_ENDPOINT"),
			AccessKey: v.GetString("S3_ACCESS_KEY"),
			SecretKey: v.GetString("S3_SECRET_KEY"),
			Prefix:    strings.Trim(v.GetString("S3_PREFIX"), "/"),
		},
		TelegramToken:  v.GetString("TELEGRAM_TOKEN"),
		TelegramChatID: v.GetInt64("TELEGRAM_CHAT_ID"),
	}
}

// PostgresDSN returns the full PostgreSQL connection string.
// DATABASE_URL takes precedence over individual fields.
func (c *Config) PostgresDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser,
		c.DBPass,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

// JWTKey returns the JWT signing key as a byte slice.
func (c *Config) JWTKey() []byte {
	return []byte(c.JWTSecret)
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" && c.DBPass == "" {
			errs = append(errs, errors.New("DATABASE_URL or DB_PASS must be set"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET must be set"))
	}
	switch c.Feed.Driver {
	case FeedMirror:
		if c.Feed.MySQLDSN == "" {
			errs = append(errs, errors.New("MYSQL_DSN must be set for the mirror feed"))
		}
	case FeedNative:
		if c.Feed.SID == "" || c.Feed.ProgID == "" {
			errs = append(errs, errors.New("FEED_SID and FEED_NATIVE_PROGID must be set for the native feed"))
		}
	case FeedNone:
	default:
		errs = append(errs, fmt.Errorf("unknown FEED_DRIVER %q", c.Feed.Driver))
	}
	if c.Feed.PageSize <= 0 || c.Feed.CallTimeout <= 0 {
		errs = append(errs, errors.New("FEED_PAGE_SIZE and FEED_CALL_TIMEOUT must be positive"))
	}
	s := c.Sync
	if s.BatchSize <= 0 {
		errs = append(errs, errors.New("SYNC_BATCH_SIZE must be positive"))
	}
	if s.StructuralInterval <= 0 || s.RealtimeInterval <= 0 {
		errs = append(errs, errors.New("sync intervals must be positive"))
	}
	if s.MaxAttempts < 1 {
		errs = append(errs, errors.New("SYNC_MAX_ATTEMPTS must be at least 1"))
	}
	if s.BackoffInitial <= 0 || s.BackoffMax < s.BackoffInitial {
		errs = append(errs, errors.New("SYNC_BACKOFF_INITIAL must be positive and not above SYNC_BACKOFF_MAX"))
	}
	if c.Redis.Addr != "" && c.Redis.LockTTL <= 0 {
		errs = append(errs, errors.New("REDIS_LOCK_TTL must be positive"))
	}
	if c.S3.Bucket != "" && c.S3.Region == "" {
		errs = append(errs, errors.New("S3_REGION must be set with S3_BUCKET"))
	}
	if (c.TelegramToken == "") != (c.TelegramChatID == 0) {
		errs = append(errs, errors.New("TELEGRAM_TOKEN and TELEGRAM_CHAT_ID go together"))
	}
	return errors.Join(errs...)
}

func newViper() *viper.Viper {
	// Silently load .env – OK if the file doesn't exist (production uses real env vars).
	if err := godotenv.Load(); err != nil {
		log.Println("config: no .env file found, using environment variables only")
	}

	v := viper.New()
	v.AutomaticEnv()
	return v
}

func splitTrimmed(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
