// Package config loads service configuration from a YAML file with
// environment-variable overrides. Credentials always come from the
// environment; a provider without credentials is simply not registered.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the relay.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Providers ProvidersConfig `yaml:"providers"`
	Queue     QueueConfig     `yaml:"queue"`
	Health    HealthConfig    `yaml:"health"`
	Notify    NotifyConfig    `yaml:"notify"`
	Templates TemplatesConfig `yaml:"templates"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// RedisConfig holds the Redis connection settings. Redis is optional; the
// queue degrades to process-local pause flags without it.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ProviderConfig holds one ESP's routing settings. The credential itself is
// environment-only.
type ProviderConfig struct {
	Priority int     `yaml:"priority"`
	Cost     float64 `yaml:"cost_per_message"`
}

// ProvidersConfig holds per-vendor settings.
type ProvidersConfig struct {
	SES       SESConfig      `yaml:"ses"`
	SendGrid  ProviderConfig `yaml:"sendgrid"`
	Mailgun   MailgunConfig  `yaml:"mailgun"`
	SparkPost ProviderConfig `yaml:"sparkpost"`

	// SendTimeout bounds one provider call; a timeout counts as a failure.
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// SESConfig extends ProviderConfig with the AWS region.
type SESConfig struct {
	ProviderConfig `yaml:",inline"`
	Region         string `yaml:"region"`
}

// MailgunConfig extends ProviderConfig with the sending domain.
type MailgunConfig struct {
	ProviderConfig `yaml:",inline"`
	Domain         string `yaml:"domain"`
}

// QueueConfig holds lane concurrency and recovery settings.
type QueueConfig struct {
	LaneConcurrency  map[string]int `yaml:"lane_concurrency"`
	RecoveryInterval time.Duration  `yaml:"recovery_interval"`
	StaleAge         time.Duration  `yaml:"stale_age"`
	DeadLetterPoll   time.Duration  `yaml:"dead_letter_poll"`
}

// HealthConfig holds monitor timing.
type HealthConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	ReprobeDelay  time.Duration `yaml:"reprobe_delay"`
}

// NotifyConfig holds the operator alert webhook.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// TemplatesConfig holds the template source location.
type TemplatesConfig struct {
	Dir string `yaml:"dir"`
}

// Credentials are environment-only and never serialized.
type Credentials struct {
	AWSAccessKey    string
	AWSSecretKey    string
	SendGridAPIKey  string
	MailgunAPIKey   string
	SparkPostAPIKey string
}

// LoadFromEnv reads the YAML file (if present), then applies environment
// overrides. A missing file is not an error; defaults plus environment are
// enough to run.
func LoadFromEnv(path string) (*Config, error) {
	// .env is a development convenience; ignore absence
	godotenv.Load()

	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database URL not configured (set DATABASE_URL)")
	}
	return cfg, nil
}

// LoadCredentials reads provider credentials from the environment.
func LoadCredentials() Credentials {
	return Credentials{
		AWSAccessKey:    os.Getenv("AWS_ACCESS_KEY_ID"),
		AWSSecretKey:    os.Getenv("AWS_SECRET_ACCESS_KEY"),
		SendGridAPIKey:  os.Getenv("SENDGRID_API_KEY"),
		MailgunAPIKey:   os.Getenv("MAILGUN_API_KEY"),
		SparkPostAPIKey: os.Getenv("SPARKPOST_API_KEY"),
	}
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{
			MaxOpenConns: 20,
		},
		Providers: ProvidersConfig{
			SES:         SESConfig{ProviderConfig: ProviderConfig{Priority: 1, Cost: 0.0001}, Region: "us-east-1"},
			SparkPost:   ProviderConfig{Priority: 2, Cost: 0.0002},
			SendGrid:    ProviderConfig{Priority: 3, Cost: 0.0006},
			Mailgun:     MailgunConfig{ProviderConfig: ProviderConfig{Priority: 4, Cost: 0.0008}},
			SendTimeout: 30 * time.Second,
		},
		Queue: QueueConfig{
			LaneConcurrency: map[string]int{
				"critical": 10,
				"high":     5,
				"normal":   5,
				"low":      2,
			},
			RecoveryInterval: 2 * time.Minute,
			StaleAge:         5 * time.Minute,
			DeadLetterPoll:   30 * time.Second,
		},
		Health: HealthConfig{
			SweepInterval: 60 * time.Second,
			ReprobeDelay:  5 * time.Minute,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Providers.SES.Region = v
	}
	if v := os.Getenv("MAILGUN_DOMAIN"); v != "" {
		cfg.Providers.Mailgun.Domain = v
	}
	if v := os.Getenv("DEAD_LETTER_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("TEMPLATES_DIR"); v != "" {
		cfg.Templates.Dir = v
	}
}
