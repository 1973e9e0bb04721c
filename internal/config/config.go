package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Reports  ReportsConfig  `mapstructure:"reports"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type StorageConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
}

type IngestConfig struct {
	// MaxFileSize bounds uploads; files above it are rejected before any
	// row is read.
	MaxFileSize int64 `mapstructure:"max_file_size"`
	// ChunkSize is the number of rows streamed per parse chunk.
	ChunkSize int `mapstructure:"chunk_size"`
	// ErrorTolerancePct is the maximum percentage of malformed rows a file
	// may contain and still succeed.
	ErrorTolerancePct float64 `mapstructure:"error_tolerance_pct"`
}

type JobsConfig struct {
	Workers       int           `mapstructure:"workers"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffCap    time.Duration `mapstructure:"backoff_cap"`
	Timeout       time.Duration `mapstructure:"timeout"`
	SoftWarnAfter time.Duration `mapstructure:"soft_warn_after"`
	// LockLeaseMargin is added to the job timeout to size the source-file
	// lock lease, so a crashed worker's lock always expires.
	LockLeaseMargin time.Duration `mapstructure:"lock_lease_margin"`
}

type MetricsConfig struct {
	// ActiveTTL applies while a job is still eligible for reprocessing.
	ActiveTTL time.Duration `mapstructure:"active_ttl"`
	// TerminalTTL applies once the job's finding set is immutable.
	TerminalTTL time.Duration `mapstructure:"terminal_ttl"`
}

type ReportsConfig struct {
	// PDFEnabled toggles the fixed-layout converter. When disabled,
	// fixed-layout requests surface converter_unavailable and the styled
	// artifact remains retrievable.
	PDFEnabled bool `mapstructure:"pdf_enabled"`
}

type WebhookConfig struct {
	// URL receives a POST with the job's terminal status. Empty disables
	// the notifier.
	URL        string        `mapstructure:"url"`
	RetryCount int           `mapstructure:"retry_count"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/clearlens.db")
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.bucket", "clearlens-artifacts")
	v.SetDefault("ingest.max_file_size", int64(50*1024*1024))
	v.SetDefault("ingest.chunk_size", 1000)
	v.SetDefault("ingest.error_tolerance_pct", 5.0)
	v.SetDefault("jobs.workers", 4)
	v.SetDefault("jobs.poll_interval", 2*time.Second)
	v.SetDefault("jobs.max_attempts", 3)
	v.SetDefault("jobs.backoff_base", 2*time.Second)
	v.SetDefault("jobs.backoff_cap", 30*time.Second)
	v.SetDefault("jobs.timeout", 10*time.Minute)
	v.SetDefault("jobs.soft_warn_after", 9*time.Minute)
	v.SetDefault("jobs.lock_lease_margin", time.Minute)
	v.SetDefault("metrics.active_ttl", 5*time.Minute)
	v.SetDefault("metrics.terminal_ttl", 6*time.Hour)
	v.SetDefault("reports.pdf_enabled", true)
	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.retry_count", 3)
	v.SetDefault("webhook.timeout", 10*time.Second)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("database.dsn", "DATABASE_DSN")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("storage.use_ssl", "STORAGE_USE_SSL")
	v.BindEnv("storage.bucket", "STORAGE_BUCKET")
	v.BindEnv("webhook.url", "WEBHOOK_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// DSNString returns the connection string for the configured driver.
func (c *DatabaseConfig) DSNString() string {
	if c.DSN != "" {
		return c.DSN
	}
	return c.Path
}
