package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Brevo    BrevoConfig    `yaml:"brevo"`
	Workers  WorkersConfig  `yaml:"workers"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

// BrevoConfig configures the outbound email gateway. The stored settings
// row wins when it carries an API key; the key here is the fallback so a
// fresh deployment can send before an operator saves settings.
type BrevoConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the gateway request timeout as a duration.
func (c BrevoConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type WorkersConfig struct {
	SendWorkers       int `yaml:"send_workers"`
	SendRatePerSec    int `yaml:"send_rate_per_sec"`
	FollowupWorkers   int `yaml:"followup_workers"`
	FollowupRate      int `yaml:"followup_rate_per_sec"`
	AnalyticsWorkers  int `yaml:"analytics_workers"`
	AnalyticsRate     int `yaml:"analytics_rate_per_sec"`
	PollIntervalMsecs int `yaml:"poll_interval_msecs"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "redis://localhost:6379/0"
	}
	if cfg.Brevo.BaseURL == "" {
		cfg.Brevo.BaseURL = "https://api.brevo.com/v3"
	}
	if cfg.Brevo.TimeoutSeconds == 0 {
		cfg.Brevo.TimeoutSeconds = 30
	}
	if cfg.Workers.SendWorkers == 0 {
		cfg.Workers.SendWorkers = 5
	}
	if cfg.Workers.SendRatePerSec == 0 {
		cfg.Workers.SendRatePerSec = 10
	}
	if cfg.Workers.FollowupWorkers == 0 {
		cfg.Workers.FollowupWorkers = 3
	}
	if cfg.Workers.FollowupRate == 0 {
		cfg.Workers.FollowupRate = 5
	}
	if cfg.Workers.AnalyticsWorkers == 0 {
		cfg.Workers.AnalyticsWorkers = 2
	}
	if cfg.Workers.AnalyticsRate == 0 {
		cfg.Workers.AnalyticsRate = 10
	}
	if cfg.Workers.PollIntervalMsecs == 0 {
		cfg.Workers.PollIntervalMsecs = 500
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("BREVO_API_KEY"); v != "" {
		cfg.Brevo.APIKey = v
	}
	if v := os.Getenv("BREVO_BASE_URL"); v != "" {
		cfg.Brevo.BaseURL = v
	}
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, nil
}
