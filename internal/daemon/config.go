// Package daemon manages the estimator lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/car-repair/estimator/internal/logging"
)

// Config holds all daemon configuration.
type Config struct {
	API       APIConfig       `toml:"api"`
	Storage   StorageConfig   `toml:"storage"`
	Queue     QueueConfig     `toml:"queue"`
	Worker    WorkerConfig    `toml:"worker"`
	Analysis  AnalysisConfig  `toml:"analysis"`
	Mail      MailConfig      `toml:"mail"`
	Notify    NotifyConfig    `toml:"notify"`
	Payments  PaymentsConfig  `toml:"payments"`
	Redis     RedisConfig     `toml:"redis"`
	Kafka     KafkaConfig     `toml:"kafka"`
	Archive   ArchiveConfig   `toml:"archive"`
	Auth      AuthConfig      `toml:"auth"`
	Logging   logging.Config  `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver      string `toml:"driver"` // sqlite or postgres
	Dir         string `toml:"dir"`    // sqlite database directory
	DatabaseURL string `toml:"database_url"`
	MaxConns    int32  `toml:"max_conns"`
	UploadsDir  string `toml:"uploads_dir"`
}

// QueueConfig is the retry policy applied to new jobs.
type QueueConfig struct {
	MaxAttempts int    `toml:"max_attempts"`
	Backoff     string `toml:"backoff"`
	MaxBackoff  string `toml:"max_backoff"`
	Priority    int    `toml:"priority"`
}

// WorkerConfig controls the job runtime.
type WorkerConfig struct {
	Enabled       bool   `toml:"enabled"`
	Concurrency   int    `toml:"concurrency"`
	RateInterval  string `toml:"rate_interval"`
	RateBurst     int    `toml:"rate_burst"`
	PollInterval  string `toml:"poll_interval"`
	Lease         string `toml:"lease"`
	PruneInterval string `toml:"prune_interval"`
	KeepCompleted int    `toml:"keep_completed"`
	KeepFailed    int    `toml:"keep_failed"`
	EventLogSize  int    `toml:"event_log_size"`
	DrainTimeout  string `toml:"drain_timeout"`
}

// AnalysisConfig controls the vision model client.
type AnalysisConfig struct {
	APIKey       string `toml:"api_key"`
	Model        string `toml:"model"`
	BaseURL      string `toml:"base_url"`
	Timeout      string `toml:"timeout"`
	MaxImageEdge int    `toml:"max_image_edge"`
	JPEGQuality  int    `toml:"jpeg_quality"`

	// Circuit breaker around the service
	BreakerThreshold int    `toml:"breaker_threshold"`
	BreakerReset     string `toml:"breaker_reset"`
}

// MailConfig controls SMTP delivery. Empty host logs emails instead.
type MailConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	From     string `toml:"from"`
	FromName string `toml:"from_name"`
	Timeout  string `toml:"timeout"`
}

// NotifyConfig controls report links in emails.
type NotifyConfig struct {
	FrontendURL string `toml:"frontend_url"`
	LinkTTL     string `toml:"link_ttl"`
}

// PaymentsConfig controls payment webhooks.
type PaymentsConfig struct {
	WebhookSecret string `toml:"webhook_secret"`
}

// RedisConfig enables the status cache and distributed task lock.
type RedisConfig struct {
	Enabled   bool   `toml:"enabled"`
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	StatusTTL string `toml:"status_ttl"`
	LockTTL   string `toml:"lock_ttl"`
}

// KafkaConfig enables the payment consumer and job event producer.
type KafkaConfig struct {
	Enabled       bool     `toml:"enabled"`
	Brokers       []string `toml:"brokers"`
	GroupID       string   `toml:"group_id"`
	PaymentsTopic string   `toml:"payments_topic"`
	EventsTopic   string   `toml:"events_topic"`
}

// ArchiveConfig enables report upload to S3-compatible storage.
type ArchiveConfig struct {
	Enabled   bool   `toml:"enabled"`
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	Region    string `toml:"region"`
	UseSSL    bool   `toml:"use_ssl"`
	URLExpiry string `toml:"url_expiry"`
}

// AuthConfig controls direct-access sessions.
type AuthConfig struct {
	JWTSecret       string `toml:"jwt_secret"`
	SessionTTL      string `toml:"session_ttl"`
	CleanupInterval string `toml:"cleanup_interval"`
}

// TelemetryConfig controls metrics and health checks.
type TelemetryConfig struct {
	Prometheus     bool   `toml:"prometheus"`
	HealthInterval string `toml:"health_interval"`
	MaxPendingJobs int    `toml:"max_pending_jobs"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	homeDir := estimatorHome()
	return Config{
		API: APIConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ShutdownTimeout: "30s",
		},
		Storage: StorageConfig{
			Driver:     "sqlite",
			Dir:        homeDir,
			MaxConns:   10,
			UploadsDir: filepath.Join(homeDir, "uploads"),
		},
		Queue: QueueConfig{
			MaxAttempts: 3,
			Backoff:     "60s",
			MaxBackoff:  "1h",
			Priority:    1,
		},
		Worker: WorkerConfig{
			Enabled:       true,
			Concurrency:   1,
			RateInterval:  "5s",
			RateBurst:     1,
			PollInterval:  "1s",
			Lease:         "150s",
			PruneInterval: "10m",
			KeepCompleted: 100,
			KeepFailed:    50,
			EventLogSize:  100,
			DrainTimeout:  "2m",
		},
		Analysis: AnalysisConfig{
			Model:            "gemini-2.5-flash",
			BaseURL:          "https://generativelanguage.googleapis.com",
			Timeout:          "120s",
			MaxImageEdge:     1600,
			JPEGQuality:      85,
			BreakerThreshold: 5,
			BreakerReset:     "1m",
		},
		Mail: MailConfig{
			Port:     587,
			FromName: "Car RepAIr Estimator",
			Timeout:  "30s",
		},
		Notify: NotifyConfig{
			FrontendURL: "http://localhost:5173",
			LinkTTL:     "168h",
		},
		Redis: RedisConfig{
			Addr:      "127.0.0.1:6379",
			StatusTTL: "1h",
			LockTTL:   "5m",
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"127.0.0.1:9092"},
			GroupID:       "estimator",
			PaymentsTopic: "payments.confirmed",
			EventsTopic:   "inspection.jobs",
		},
		Archive: ArchiveConfig{
			Bucket:    "reports",
			URLExpiry: "24h",
		},
		Auth: AuthConfig{
			SessionTTL:      "24h",
			CleanupInterval: "1h",
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Prometheus:     true,
			HealthInterval: "60s",
			MaxPendingJobs: 1000,
		},
	}
}

// LoadConfig reads config from $ESTIMATOR_HOME/config.toml, falling back
// to defaults, then applies environment overrides.
func LoadConfig() (Config, error) {
	return LoadConfigFrom(filepath.Join(estimatorHome(), "config.toml"))
}

// LoadConfigFrom reads config from path. A missing file is not an error.
func LoadConfigFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("stat config: %w", err)
	}

	applyEnv(&cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides secrets from the environment.
func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("GEMINI_API_KEY"); v != "" {
		cfg.Analysis.APIKey = v
	}
	if v := getenv("SMTP_PASSWORD"); v != "" {
		cfg.Mail.Password = v
	}
	if v := getenv("STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.Payments.WebhookSecret = v
	}
	if v := getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
		cfg.Storage.Driver = "postgres"
	}
}

// Validate reports configuration that cannot start.
func (c Config) Validate() error {
	switch strings.ToLower(c.Storage.Driver) {
	case "", "sqlite":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("storage: postgres driver requires database_url")
		}
	default:
		return fmt.Errorf("storage: unknown driver %q", c.Storage.Driver)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka: enabled without brokers")
	}
	if c.Archive.Enabled && (c.Archive.Endpoint == "" || c.Archive.Bucket == "") {
		return fmt.Errorf("archive: endpoint and bucket are required")
	}
	if c.Worker.Concurrency < 0 {
		return fmt.Errorf("worker: concurrency must not be negative")
	}
	return nil
}

// estimatorHome returns the estimator data directory.
func estimatorHome() string {
	if env := os.Getenv("ESTIMATOR_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".estimator")
}

// Home is exported for use by other packages.
func Home() string {
	return estimatorHome()
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
