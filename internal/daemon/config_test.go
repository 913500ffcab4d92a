package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Port != 8080 {
		t.Errorf("API.Port = %d, want %d", cfg.API.Port, 8080)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver = %q, want %q", cfg.Storage.Driver, "sqlite")
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("Queue.MaxAttempts = %d, want %d", cfg.Queue.MaxAttempts, 3)
	}
	if cfg.Worker.Concurrency != 1 {
		t.Errorf("Worker.Concurrency = %d, want %d", cfg.Worker.Concurrency, 1)
	}
	if cfg.Worker.RateInterval != "5s" {
		t.Errorf("Worker.RateInterval = %q, want %q", cfg.Worker.RateInterval, "5s")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}

func TestLoadConfigFrom_File(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("GEMINI_API_KEY", "")
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[api]
port = 9090

[worker]
concurrency = 4
rate_interval = "2s"

[kafka]
enabled = true
brokers = ["kafka:9092"]

[analysis]
api_key = "from-file"
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFrom(path)
	if err != nil {
		t.Fatalf("LoadConfigFrom() error: %v", err)
	}
	if cfg.API.Port != 9090 {
		t.Errorf("API.Port = %d, want 9090", cfg.API.Port)
	}
	if cfg.Worker.Concurrency != 4 || cfg.Worker.RateInterval != "2s" {
		t.Errorf("Worker = %+v", cfg.Worker)
	}
	if !cfg.Kafka.Enabled || cfg.Kafka.Brokers[0] != "kafka:9092" {
		t.Errorf("Kafka = %+v", cfg.Kafka)
	}
	// Untouched sections keep their defaults.
	if cfg.Queue.Backoff != "60s" {
		t.Errorf("Queue.Backoff = %q, want 60s", cfg.Queue.Backoff)
	}
	if cfg.Analysis.APIKey != "from-file" {
		t.Errorf("Analysis.APIKey = %q, want from-file", cfg.Analysis.APIKey)
	}
}

func TestLoadConfigFrom_Missing(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	cfg, err := LoadConfigFrom(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("LoadConfigFrom() error: %v", err)
	}
	if cfg.API.Port != 8080 {
		t.Errorf("API.Port = %d, want default", cfg.API.Port)
	}
}

func TestLoadConfigFrom_BadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	os.WriteFile(path, []byte("[api\nport = "), 0600)
	if _, err := LoadConfigFrom(path); err == nil {
		t.Error("LoadConfigFrom() should fail on invalid TOML")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"GEMINI_API_KEY":        "gk",
		"SMTP_PASSWORD":         "smtp",
		"STRIPE_WEBHOOK_SECRET": "whsec",
		"JWT_SECRET":            "jwt",
		"DATABASE_URL":          "postgres://localhost/estimator",
	}
	cfg := DefaultConfig()
	applyEnv(&cfg, func(k string) string { return env[k] })

	if cfg.Analysis.APIKey != "gk" {
		t.Errorf("Analysis.APIKey = %q", cfg.Analysis.APIKey)
	}
	if cfg.Mail.Password != "smtp" {
		t.Errorf("Mail.Password = %q", cfg.Mail.Password)
	}
	if cfg.Payments.WebhookSecret != "whsec" {
		t.Errorf("Payments.WebhookSecret = %q", cfg.Payments.WebhookSecret)
	}
	if cfg.Auth.JWTSecret != "jwt" {
		t.Errorf("Auth.JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DatabaseURL == "" {
		t.Errorf("Storage = %+v, want postgres", cfg.Storage)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"postgres without url", func(c *Config) { c.Storage.Driver = "postgres" }, true},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mysql" }, true},
		{"kafka without brokers", func(c *Config) { c.Kafka.Enabled = true; c.Kafka.Brokers = nil }, true},
		{"archive without endpoint", func(c *Config) { c.Archive.Enabled = true }, true},
		{"negative concurrency", func(c *Config) { c.Worker.Concurrency = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"5s", 5 * time.Second},
		{"1h", time.Hour},
		{"", time.Minute},     // fallback
		{"junk", time.Minute}, // fallback
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseDuration(tt.input, time.Minute); got != tt.want {
				t.Errorf("parseDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestHome_Env(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ESTIMATOR_HOME", dir)
	if got := Home(); got != dir {
		t.Errorf("Home() = %q, want %q", got, dir)
	}
}
