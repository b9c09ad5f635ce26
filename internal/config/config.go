package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up when no --config flag is given.
const DefaultPath = "kiln.yml"

// Environment overrides applied after the file is parsed.
const (
	EnvRedisURL = "KILN_REDIS_URL"
	EnvInstance = "KILN_INSTANCE"
)

// Validator isolation modes.
const (
	ValidatorModeProcess   = "process"
	ValidatorModeInProcess = "in-process"
	ValidatorModeDocker    = "docker"
)

// KilnConfig represents the top-level kiln.yml configuration
type KilnConfig struct {
	Version   string          `yaml:"version"`
	Instance  string          `yaml:"instance,omitempty"`
	RedisURL  string          `yaml:"redis_url,omitempty"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Generator GeneratorConfig `yaml:"generator"`
	Validator ValidatorConfig `yaml:"validator"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	API       APIConfig       `yaml:"api"`
	Health    HealthConfig    `yaml:"health"`
	Events    *EventsConfig   `yaml:"events,omitempty"`  // Kafka publication of lifecycle events; off when absent
	Archive   *ArchiveConfig  `yaml:"archive,omitempty"` // S3 archival of promoted artifacts; off when absent
}

// ArtifactsConfig locates the four artifact trees. Each directory defaults
// to a fixed layout under Root.
type ArtifactsConfig struct {
	Root               string `yaml:"root,omitempty"`
	StablePlugins      string `yaml:"stable_plugins,omitempty"`
	StablePlatforms    string `yaml:"stable_platforms,omitempty"`
	CandidatePlugins   string `yaml:"candidate_plugins,omitempty"`
	CandidatePlatforms string `yaml:"candidate_platforms,omitempty"`
}

// GeneratorConfig points at an OpenAI-compatible chat completions endpoint
type GeneratorConfig struct {
	Endpoint   string        `yaml:"endpoint,omitempty"`
	Model      string        `yaml:"model,omitempty"`
	APIKeyEnv  string        `yaml:"api_key_env,omitempty"` // Name of the env var holding the bearer key
	Timeout    time.Duration `yaml:"timeout,omitempty"`
	MaxRetries *int          `yaml:"max_retries,omitempty"` // 0 disables retries, default 3
}

// ValidatorConfig specifies how smoke tests are isolated
type ValidatorConfig struct {
	Mode    string        `yaml:"mode,omitempty"` // "process", "in-process" or "docker"
	Timeout time.Duration `yaml:"timeout,omitempty"`
	Command []string      `yaml:"command,omitempty"` // Child command for process and docker modes
	Image   string        `yaml:"image,omitempty"`   // Image holding the kiln binary, docker mode only
	Memory  int64         `yaml:"memory,omitempty"`  // Container memory limit in bytes, docker mode only
}

// LifecycleConfig holds orchestrator policy switches
type LifecycleConfig struct {
	RequireTestedForOverride bool `yaml:"require_tested_for_override,omitempty"`
}

// ResolverConfig tunes registry resolution
type ResolverConfig struct {
	Workers int `yaml:"workers,omitempty"`
}

// APIConfig configures the kilnd HTTP API
type APIConfig struct {
	Addr         string `yaml:"addr,omitempty"`
	JWTSecretEnv string `yaml:"jwt_secret_env,omitempty"` // Auth is disabled when the variable is unset
}

// HealthConfig configures the health/metrics listener and heartbeat
type HealthConfig struct {
	Addr              string        `yaml:"addr,omitempty"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`
}

// EventsConfig configures Kafka publication of lifecycle events
type EventsConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// ArchiveConfig configures S3 archival of promoted artifacts
type ArchiveConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix,omitempty"`
	Region string `yaml:"region,omitempty"`
}

// Default returns a configuration with every default applied.
func Default() *KilnConfig {
	cfg := &KilnConfig{Version: "1.0"}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return cfg
}

// Validate applies defaults and performs strict validation on the configuration
func (c *KilnConfig) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Instance == "" {
		c.Instance = "default"
	}
	if c.RedisURL == "" {
		c.RedisURL = "redis://localhost:6379/0"
	}
	if _, err := redis.ParseURL(c.RedisURL); err != nil {
		return fmt.Errorf("invalid redis_url: %w", err)
	}

	c.Artifacts.applyDefaults()

	if err := c.Generator.validate(); err != nil {
		return err
	}
	if err := c.Validator.validate(); err != nil {
		return err
	}

	if c.Resolver.Workers == 0 {
		c.Resolver.Workers = 4
	}
	if c.Resolver.Workers < 1 {
		return fmt.Errorf("resolver.workers must be >= 1, got %d", c.Resolver.Workers)
	}

	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
	if c.API.JWTSecretEnv == "" {
		c.API.JWTSecretEnv = "KILN_JWT_SECRET"
	}

	if c.Health.Addr == "" {
		c.Health.Addr = ":8081"
	}
	if c.Health.HeartbeatInterval == 0 {
		c.Health.HeartbeatInterval = 10 * time.Second
	}
	if c.Health.HeartbeatInterval < 0 {
		return fmt.Errorf("health.heartbeat_interval must be positive")
	}

	if c.Events != nil {
		if len(c.Events.Brokers) == 0 {
			return fmt.Errorf("events.brokers is required when events is configured")
		}
		if c.Events.Topic == "" {
			return fmt.Errorf("events.topic is required when events is configured")
		}
	}

	if c.Archive != nil && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required when archive is configured")
	}

	return nil
}

func (a *ArtifactsConfig) applyDefaults() {
	if a.Root == "" {
		a.Root = "."
	}
	if a.StablePlugins == "" {
		a.StablePlugins = filepath.Join(a.Root, "stable", "plugins")
	}
	if a.StablePlatforms == "" {
		a.StablePlatforms = filepath.Join(a.Root, "stable", "platforms")
	}
	if a.CandidatePlugins == "" {
		a.CandidatePlugins = filepath.Join(a.Root, "candidates", "plugins")
	}
	if a.CandidatePlatforms == "" {
		a.CandidatePlatforms = filepath.Join(a.Root, "candidates", "platforms")
	}
}

func (g *GeneratorConfig) validate() error {
	if g.Endpoint == "" {
		g.Endpoint = "https://api.openai.com/v1/chat/completions"
	}
	if g.Model == "" {
		g.Model = "gpt-4o-mini"
	}
	if g.APIKeyEnv == "" {
		g.APIKeyEnv = "KILN_API_KEY"
	}
	if g.Timeout == 0 {
		g.Timeout = 60 * time.Second
	}
	if g.Timeout < 0 {
		return fmt.Errorf("generator.timeout must be positive")
	}
	if g.MaxRetries == nil {
		defaultRetries := 3
		g.MaxRetries = &defaultRetries
	}
	if *g.MaxRetries < 0 {
		return fmt.Errorf("generator.max_retries must be >= 0, got %d", *g.MaxRetries)
	}
	return nil
}

func (v *ValidatorConfig) validate() error {
	if v.Mode == "" {
		v.Mode = ValidatorModeProcess
	}
	switch v.Mode {
	case ValidatorModeProcess, ValidatorModeInProcess:
	case ValidatorModeDocker:
		if v.Image == "" {
			return fmt.Errorf("validator.image is required in %s mode", ValidatorModeDocker)
		}
		if v.Memory < 0 {
			return fmt.Errorf("validator.memory must be >= 0, got %d", v.Memory)
		}
	default:
		return fmt.Errorf("invalid validator.mode: %s (must be '%s', '%s' or '%s')", v.Mode, ValidatorModeProcess, ValidatorModeInProcess, ValidatorModeDocker)
	}
	if v.Timeout == 0 {
		v.Timeout = 10 * time.Second
	}
	if v.Timeout < 0 {
		return fmt.Errorf("validator.timeout must be positive")
	}
	return nil
}

// RedisOptions parses RedisURL into go-redis connection options.
func (c *KilnConfig) RedisOptions() (*redis.Options, error) {
	opts, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis_url: %w", err)
	}
	return opts, nil
}

// applyEnv overlays environment overrides onto the parsed file.
func (c *KilnConfig) applyEnv() {
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv(EnvInstance); v != "" {
		c.Instance = v
	}
}

// Load reads and validates kiln.yml from the specified path
func Load(path string) (*KilnConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config KilnConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// LoadOrDefault behaves like Load but falls back to Default (plus
// environment overrides) when the file does not exist.
func LoadOrDefault(path string) (*KilnConfig, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	config := KilnConfig{Version: "1.0"}
	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}
