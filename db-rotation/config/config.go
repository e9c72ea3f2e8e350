// Package config loads rotator settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ConfigEnv names the environment variable holding the config file path.
	ConfigEnv = "ROTATOR_CONFIG"
	// DefaultFile is read when ConfigEnv is unset. A missing file is not an error.
	DefaultFile = "rotator.yaml"
)

const (
	ProviderAWS = "aws"
	ProviderGCP = "gcp"
)

type Config struct {
	Provider    string `yaml:"provider"`
	SecretID    string `yaml:"secret_id"`
	Region      string `yaml:"region"`
	ProjectID   string `yaml:"project_id"`
	AWSEndpoint string `yaml:"aws_endpoint"`
	LogLevel    string `yaml:"log_level"`

	Password  PasswordConfig `yaml:"password"`
	Database  DatabaseConfig `yaml:"database"`
	Metrics   MetricsConfig  `yaml:"metrics"`
	Notifiers NotifierConfig `yaml:"notifiers"`
}

type PasswordConfig struct {
	Length int `yaml:"length"`
	// ExcludeCharacters is excluded on top of the characters that are never used.
	ExcludeCharacters string `yaml:"exclude_characters"`
}

type DatabaseConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	SSLMode        string        `yaml:"ssl_mode"`
	// MySQLUserHost is the account host of rotated MySQL users.
	MySQLUserHost string `yaml:"mysql_user_host"`
}

type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

type NotifierConfig struct {
	SentryDSN         string `yaml:"sentry_dsn"`
	SentryEnvironment string `yaml:"sentry_environment"`
	SlackBotToken     string `yaml:"slack_bot_token"`
	SlackChannelID    string `yaml:"slack_channel_id"`

	// SlackSigningSecret verifies slash commands sent to the status bot.
	SlackSigningSecret string `yaml:"slack_signing_secret"`
}

var sslModes = map[string]bool{
	"disable": true, "allow": true, "prefer": true,
	"require": true, "verify-ca": true, "verify-full": true,
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Provider: ProviderAWS,
		LogLevel: "info",
		Password: PasswordConfig{Length: 32},
		Database: DatabaseConfig{
			ConnectTimeout: 5 * time.Second,
			SSLMode:        "require",
			MySQLUserHost:  "%",
		},
		Metrics:   MetricsConfig{Job: "credential-rotator"},
		Notifiers: NotifierConfig{SentryEnvironment: "production"},
	}
}

// FromEnv loads the file named by ROTATOR_CONFIG, or rotator.yaml, then applies
// environment overrides.
func FromEnv() (Config, error) {
	path := DefaultFile
	if v := os.Getenv(ConfigEnv); v != "" {
		path = v
	}
	return Load(path, os.LookupEnv)
}

// Load reads path on top of the defaults, applies overrides from lookup and
// validates the result.
func Load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"PROVIDER":             &c.Provider,
		"SECRET_ID":            &c.SecretID,
		"REGION":               &c.Region,
		"PROJECT_ID":           &c.ProjectID,
		"AWS_ENDPOINT":         &c.AWSEndpoint,
		"LOG_LEVEL":            &c.LogLevel,
		"EXCLUDE_CHARACTERS":   &c.Password.ExcludeCharacters,
		"SSL_MODE":             &c.Database.SSLMode,
		"MYSQL_USER_HOST":      &c.Database.MySQLUserHost,
		"PUSHGATEWAY_URL":      &c.Metrics.PushgatewayURL,
		"SENTRY_DSN":           &c.Notifiers.SentryDSN,
		"SENTRY_ENVIRONMENT":   &c.Notifiers.SentryEnvironment,
		"SLACK_BOT_TOKEN":      &c.Notifiers.SlackBotToken,
		"SLACK_CHANNEL_ID":     &c.Notifiers.SlackChannelID,
		"SLACK_SIGNING_SECRET": &c.Notifiers.SlackSigningSecret,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("PASSWORD_LENGTH"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PASSWORD_LENGTH %q: %w", v, err)
		}
		c.Password.Length = n
	}
	if v, ok := lookup("CONNECT_TIMEOUT"); ok && v != "" {
		d, err := parseTimeout(v)
		if err != nil {
			return fmt.Errorf("invalid CONNECT_TIMEOUT %q: %w", v, err)
		}
		c.Database.ConnectTimeout = d
	}
	c.Provider = strings.ToLower(c.Provider)
	return nil
}

// parseTimeout accepts a Go duration or a number of seconds.
func parseTimeout(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// Validate checks that the settings are usable.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderAWS:
		if c.Region == "" {
			return errors.New("region is required for the aws provider (or REGION env var)")
		}
	case ProviderGCP:
		if c.ProjectID == "" {
			return errors.New("project_id is required for the gcp provider (or PROJECT_ID env var)")
		}
	default:
		return fmt.Errorf("unsupported provider %q", c.Provider)
	}

	if c.Password.Length < 32 {
		return fmt.Errorf("password length must be at least 32, got %d", c.Password.Length)
	}
	if c.Database.ConnectTimeout <= 0 {
		return errors.New("connect_timeout must be positive")
	}
	if !sslModes[c.Database.SSLMode] {
		return fmt.Errorf("unsupported ssl_mode %q", c.Database.SSLMode)
	}
	return nil
}

// StoreConfig returns the settings passed to the secret store's Setup.
func (c *Config) StoreConfig() map[string]string {
	switch c.Provider {
	case ProviderGCP:
		return map[string]string{"projectID": c.ProjectID}
	default:
		return map[string]string{"region": c.Region, "endpoint": c.AWSEndpoint}
	}
}
