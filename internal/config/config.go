package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverFile     = "file"
)

type Config struct {
	Server   ServerConfig
	Auth     AuthConfig
	Store    StoreConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Browser  BrowserConfig
	Extract  ExtractConfig
	Sync     SyncConfig
	API      APIConfig
	Snapshot SnapshotConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// PublicBaseURL is the address vendors' browsers use to reach the API.
	PublicBaseURL string
}

type AuthConfig struct {
	CronSecret string
	AdminToken string
}

type StoreConfig struct {
	Driver         string
	File           string
	MigrateOnStart bool
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	// Outbox relay settings; the relay runs only with Postgres and Redis.
	StreamMaxLen    int64
	OutboxRetention time.Duration
}

type BrowserConfig struct {
	Headless  bool
	Timeout   time.Duration
	UserAgent string
	Locale    string
}

type ExtractConfig struct {
	MaxProducts   int
	Scroll        bool
	MaxScrolls    int
	ScrollWait    time.Duration
	OverridesFile string
}

type SyncConfig struct {
	// Interval of zero disables the scheduler.
	Interval    time.Duration
	VendorDelay time.Duration
	LockTTL     time.Duration
	// BatchTimeout bounds a triggered sync of all vendors; it is not tied
	// to the HTTP request that started it.
	BatchTimeout time.Duration
}

type APIConfig struct {
	RateLimit       float64
	RateBurst       int
	PushMaxProducts int
}

type SnapshotConfig struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvInt("PORT", 8085),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 5*time.Minute),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			PublicBaseURL:   getEnv("PUBLIC_BASE_URL", ""),
		},
		Auth: AuthConfig{
			CronSecret: getEnv("CRON_SECRET", ""),
			AdminToken: getEnv("ADMIN_TOKEN", ""),
		},
		Store: StoreConfig{
			Driver:         getEnv("STORE_DRIVER", StoreDriverPostgres),
			File:           getEnv("STORE_FILE", "vendor-sync.json"),
			MigrateOnStart: getEnvBool("MIGRATE_ON_START", true),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", "vendor_sync"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 20)),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", true),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),

			StreamMaxLen:    int64(getEnvInt("REDIS_STREAM_MAXLEN", 100000)),
			OutboxRetention: getEnvDuration("OUTBOX_RETENTION", 7*24*time.Hour),
		},
		Browser: BrowserConfig{
			Headless:  getEnvBool("BROWSER_HEADLESS", true),
			Timeout:   getEnvDuration("BROWSER_TIMEOUT", 30*time.Second),
			UserAgent: getEnv("BROWSER_USER_AGENT", ""),
			Locale:    getEnv("BROWSER_LOCALE", "en-US"),
		},
		Extract: ExtractConfig{
			MaxProducts:   getEnvInt("EXTRACT_MAX_PRODUCTS", 100),
			Scroll:        getEnvBool("EXTRACT_SCROLL", true),
			MaxScrolls:    getEnvInt("EXTRACT_MAX_SCROLLS", 10),
			ScrollWait:    getEnvDuration("EXTRACT_SCROLL_WAIT", 1500*time.Millisecond),
			OverridesFile: getEnv("EXTRACTOR_OVERRIDES_FILE", ""),
		},
		Sync: SyncConfig{
			Interval:     getEnvDuration("SYNC_INTERVAL", 0),
			VendorDelay:  getEnvDuration("SYNC_VENDOR_DELAY", 5*time.Second),
			LockTTL:      getEnvDuration("SYNC_LOCK_TTL", 15*time.Minute),
			BatchTimeout: getEnvDuration("SYNC_BATCH_TIMEOUT", 2*time.Hour),
		},
		API: APIConfig{
			RateLimit:       getEnvFloat("API_RATE_LIMIT", 5),
			RateBurst:       getEnvInt("API_RATE_BURST", 10),
			PushMaxProducts: getEnvInt("PUSH_MAX_PRODUCTS", 500),
		},
		Snapshot: SnapshotConfig{
			Bucket:    getEnv("SNAPSHOT_BUCKET", ""),
			Region:    getEnv("SNAPSHOT_REGION", "us-east-1"),
			Endpoint:  getEnv("SNAPSHOT_ENDPOINT", ""),
			AccessKey: getEnv("SNAPSHOT_ACCESS_KEY", ""),
			SecretKey: getEnv("SNAPSHOT_SECRET_KEY", ""),
			Prefix:    getEnv("SNAPSHOT_PREFIX", "snapshots"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Store.Driver {
	case StoreDriverPostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Name == "" {
			return fmt.Errorf("database name is required")
		}
	case StoreDriverFile:
		if c.Store.File == "" {
			return fmt.Errorf("STORE_FILE is required for the file store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("REDIS_ADDR is required when redis is enabled")
	}

	if c.Extract.MaxProducts < 1 {
		return fmt.Errorf("EXTRACT_MAX_PRODUCTS must be at least 1")
	}

	if c.Sync.Interval < 0 {
		return fmt.Errorf("SYNC_INTERVAL cannot be negative")
	}

	if c.API.PushMaxProducts < 1 {
		return fmt.Errorf("PUSH_MAX_PRODUCTS must be at least 1")
	}

	if c.Snapshot.Bucket != "" && c.Snapshot.Region == "" {
		return fmt.Errorf("SNAPSHOT_REGION is required when SNAPSHOT_BUCKET is set")
	}

	if c.Server.PublicBaseURL != "" && !strings.HasPrefix(c.Server.PublicBaseURL, "http") {
		return fmt.Errorf("PUBLIC_BASE_URL must be an http(s) url")
	}

	return nil
}

// BaseURL is the public API address, falling back to localhost.
func (c *Config) BaseURL() string {
	if c.Server.PublicBaseURL != "" {
		return strings.TrimRight(c.Server.PublicBaseURL, "/")
	}
	return fmt.Sprintf("http://localhost:%d", c.Server.Port)
}

func (c *LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *LoggingConfig) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if strings.EqualFold(c.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
