// Package config loads the service configuration from a YAML file with
// environment-variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when no --config flag is provided.
const DefaultConfigPath = "config.yaml"

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	JWT       JWTConfig       `yaml:"jwt"`
	Logging   LoggingConfig   `yaml:"logging"`
	Twilio    TwilioConfig    `yaml:"twilio"`
	SendGrid  SendGridConfig  `yaml:"sendgrid"`
	Bitly     BitlyConfig     `yaml:"bitly"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Verify    VerifyConfig    `yaml:"verify"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr string `yaml:"addr"` // host:port to listen on.
}

// DatabaseConfig holds the database DSN.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig holds the verification code store connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// JWTConfig holds admin token signing settings.
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Expiry time.Duration `yaml:"expiry"`
}

// LoggingConfig holds log level and optional rotating file output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"` // Empty means stdout only.
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TwilioConfig holds SMS provider credentials.
type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	FromNumber string `yaml:"from_number"`
}

// SendGridConfig holds email provider credentials.
type SendGridConfig struct {
	APIKey    string `yaml:"api_key"`
	FromEmail string `yaml:"from_email"`
	FromName  string `yaml:"from_name"`
}

// BitlyConfig holds link shortener credentials.
type BitlyConfig struct {
	AccessToken string `yaml:"access_token"`
}

// SweepConfig controls the orphan reconciliation sweeper.
type SweepConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// VerifyConfig controls the one-time verification code flow.
type VerifyConfig struct {
	CodeTTL time.Duration `yaml:"code_ttl"`
}

// RetentionConfig controls diagnostic log cleanup.
type RetentionConfig struct {
	SMSEventDays int `yaml:"sms_event_days"` // 0 disables cleanup.
}

// Load reads and parses the configuration file, then applies environment
// overrides and defaults.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultConfigPath
	}
	data, errRead := os.ReadFile(path)
	if errRead != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, errRead)
	}
	var cfg Config
	if errParse := yaml.Unmarshal(data, &cfg); errParse != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, errParse)
	}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return nil, fmt.Errorf("config: database.dsn is required")
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	overrides := map[string]*string{
		"DATABASE_DSN":       &c.Database.DSN,
		"REDIS_ADDR":         &c.Redis.Addr,
		"REDIS_PASSWORD":     &c.Redis.Password,
		"JWT_SECRET":         &c.JWT.Secret,
		"TWILIO_ACCOUNT_SID": &c.Twilio.AccountSID,
		"TWILIO_AUTH_TOKEN":  &c.Twilio.AuthToken,
		"TWILIO_FROM_NUMBER": &c.Twilio.FromNumber,
		"SENDGRID_API_KEY":   &c.SendGrid.APIKey,
		"BITLY_ACCESS_TOKEN": &c.Bitly.AccessToken,
	}
	for key, target := range overrides {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			*target = value
		}
	}
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Server.Addr) == "" {
		c.Server.Addr = ":8080"
	}
	if c.JWT.Expiry <= 0 {
		c.JWT.Expiry = 12 * time.Hour
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if c.Sweep.Interval <= 0 {
		c.Sweep.Interval = 6 * time.Hour
	}
	if c.Verify.CodeTTL <= 0 {
		c.Verify.CodeTTL = 10 * time.Minute
	}
}
