package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"migline/internal/db"
	"migline/internal/field"
	"migline/internal/logger"
)

const FileName = "migline.yml"

// Status store backends.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

// Config models migline.yml.
type Config struct {
	InstanceID string          `yaml:"instance_id"`
	Store      StoreConfig     `yaml:"store"`
	Field      FieldConfig     `yaml:"field"`
	Retry      RetryConfig     `yaml:"retry"`
	Migration  MigrationConfig `yaml:"migration"`
	Log        logger.Config   `yaml:"log"`
	Server     ServerConfig    `yaml:"server"`
	Webhooks   []WebhookConfig `yaml:"webhooks"`
}

type StoreConfig struct {
	Backend     string        `yaml:"backend"`
	BoltPath    string        `yaml:"bolt_path"`
	BoltTimeout time.Duration `yaml:"bolt_timeout"`
}

type FieldConfig struct {
	MaxDepth int `yaml:"max_depth"`
}

type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

// DB converts the retry settings for the storage layer.
func (r RetryConfig) DB() db.RetryConfig {
	return db.RetryConfig{Attempts: r.Attempts, Delay: r.Delay, MaxDelay: r.MaxDelay}
}

type MigrationConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int           `yaml:"concurrency"`
	BatchSize   int           `yaml:"batch_size"`
}

type ServerConfig struct {
	Addr string     `yaml:"addr"`
	Auth AuthConfig `yaml:"auth"`
}

type AuthConfig struct {
	Disabled  bool   `yaml:"disabled"`
	JWTSecret string `yaml:"jwt_secret"`
}

// WebhookConfig delivers journal events to an HTTP endpoint. An empty
// Events list selects every event type.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Default returns the configuration used when no migline.yml exists.
func Default() *Config {
	retry := db.DefaultRetryConfig()
	return &Config{
		Store: StoreConfig{Backend: BackendSQLite, BoltTimeout: time.Second},
		Field: FieldConfig{MaxDepth: field.DefaultMaxDepth},
		Retry: RetryConfig{Attempts: retry.Attempts, Delay: retry.Delay, MaxDelay: retry.MaxDelay},
		Migration: MigrationConfig{
			Concurrency: 4,
			BatchSize:   200,
		},
		Log:    logger.NewConfig(),
		Server: ServerConfig{Addr: "127.0.0.1:8080"},
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendSQLite, BackendMemory:
	case BackendBolt:
		if c.Store.BoltTimeout < 0 {
			return fmt.Errorf("store.bolt_timeout must not be negative")
		}
	default:
		return fmt.Errorf("store.backend must be one of sqlite, bolt, memory; got %q", c.Store.Backend)
	}
	if c.Field.MaxDepth < 1 {
		return fmt.Errorf("field.max_depth must be at least 1")
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be at least 1")
	}
	if c.Retry.Delay < 0 || c.Retry.MaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.MaxDelay < c.Retry.Delay {
		return fmt.Errorf("retry.max_delay must not be below retry.delay")
	}
	if c.Migration.Timeout < 0 {
		return fmt.Errorf("migration.timeout must not be negative")
	}
	if c.Migration.Concurrency < 1 {
		return fmt.Errorf("migration.concurrency must be at least 1")
	}
	if c.Migration.BatchSize < 1 {
		return fmt.Errorf("migration.batch_size must be at least 1")
	}
	if err := c.Log.Validate(); err != nil {
		return err
	}
	for i, hook := range c.Webhooks {
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhooks[%d].url must be an absolute http(s) url", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("webhooks[%d] has an empty event type", i)
			}
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads the workspace config, falling back to Default when the file
// does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
