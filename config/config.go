// Package config loads service configuration from .env, an optional YAML
// file and the environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Server struct {
		Port         string  `yaml:"port" validate:"required,numeric"`
		BaseURL      string  `yaml:"base_url" validate:"omitempty,url"`
		TriggerToken string  `yaml:"trigger_token"`
		RateLimit    float64 `yaml:"rate_limit" validate:"gt=0"` // requests per second per client
		RateBurst    int     `yaml:"rate_burst" validate:"gte=1"`
	} `yaml:"server"`

	Storage struct {
		DatabaseURL string `yaml:"database_url"`
		Bucket      string `yaml:"bucket"`
		LocalPath   string `yaml:"local_path" validate:"required_without_all=DatabaseURL Bucket"`
	} `yaml:"storage"`

	Redis struct {
		URL string `yaml:"url" validate:"omitempty,url"`
	} `yaml:"redis"`

	Email struct {
		BrevoAPIKey           string `yaml:"brevo_api_key"`
		From                  string `yaml:"from" validate:"omitempty,email"`
		FromName              string `yaml:"from_name"`
		GoogleCredentialsJSON string `yaml:"google_credentials_json"`
	} `yaml:"email"`

	Sweep struct {
		Schedule    string        `yaml:"schedule"`
		Workers     int           `yaml:"workers" validate:"gte=1,lte=64"`
		SendTimeout time.Duration `yaml:"send_timeout" validate:"gt=0"`
		LeaseTTL    time.Duration `yaml:"lease_ttl" validate:"gt=0"`
	} `yaml:"sweep"`

	Logging struct {
		Level string `yaml:"level" validate:"oneof=debug info warn error"`
	} `yaml:"logging"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} references, leaving unknown ones untouched.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if val, ok := os.LookupEnv(match[2 : len(match)-1]); ok {
			return val
		}
		return match
	})
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	c := &Config{}
	c.Server.Port = "8080"
	c.Server.BaseURL = "http://localhost:8080"
	c.Server.RateLimit = 5
	c.Server.RateBurst = 20
	c.Email.FromName = "Job Alerts"
	c.Sweep.Schedule = "@every 1h"
	c.Sweep.Workers = 4
	c.Sweep.SendTimeout = 30 * time.Second
	c.Sweep.LeaseTTL = 2 * time.Minute
	c.Logging.Level = "info"
	return c
}

// Load reads configuration. configPath may be empty or point at a missing
// file; a present but malformed file is an error.
func Load(configPath string) (*Config, error) {
	// Load .env file if it exists (ignore errors if file doesn't exist)
	_ = godotenv.Load()

	c := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), c); err != nil {
				return nil, fmt.Errorf("parse %s: %w", configPath, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("read %s: %w", configPath, err)
		}
	}

	if err := c.loadFromEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// loadFromEnv overrides values with environment variables.
func (c *Config) loadFromEnv() error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setString("PORT", &c.Server.Port)
	setString("BASE_URL", &c.Server.BaseURL)
	setString("TRIGGER_TOKEN", &c.Server.TriggerToken)
	setString("DATABASE_URL", &c.Storage.DatabaseURL)
	setString("STORAGE_BUCKET", &c.Storage.Bucket)
	setString("LOCAL_STORAGE", &c.Storage.LocalPath)
	setString("REDIS_URL", &c.Redis.URL)
	setString("BREVO_API_KEY", &c.Email.BrevoAPIKey)
	setString("EMAIL_FROM", &c.Email.From)
	setString("EMAIL_FROM_NAME", &c.Email.FromName)
	setString("GOOGLE_CREDENTIALS_JSON", &c.Email.GoogleCredentialsJSON)
	setString("SWEEP_SCHEDULE", &c.Sweep.Schedule)
	setString("LOG_LEVEL", &c.Logging.Level)
	c.Logging.Level = strings.ToLower(c.Logging.Level)

	if v := os.Getenv("SWEEP_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SWEEP_WORKERS: %w", err)
		}
		c.Sweep.Workers = n
	}
	if v := os.Getenv("SEND_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SEND_TIMEOUT: %w", err)
		}
		c.Sweep.SendTimeout = d
	}
	if v := os.Getenv("LEASE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LEASE_TTL: %w", err)
		}
		c.Sweep.LeaseTTL = d
	}
	return nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Email.BrevoAPIKey != "" && c.Email.From == "" {
		return errors.New("invalid configuration: EMAIL_FROM is required with BREVO_API_KEY")
	}
	// A lease renewed right before a send must outlive the send and the
	// writes that record it.
	if c.Sweep.LeaseTTL < c.Sweep.SendTimeout+leaseMargin {
		return fmt.Errorf("invalid configuration: LEASE_TTL %s must be at least SEND_TIMEOUT %s plus %s",
			c.Sweep.LeaseTTL, c.Sweep.SendTimeout, leaseMargin)
	}
	return nil
}

// leaseMargin covers the reads before a send and the writes after it.
const leaseMargin = 30 * time.Second

// SlogLevel maps the configured level name to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.Logging.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
