package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "kiln.yml")
	require.NoError(t, os.WriteFile(configPath, []byte(body), 0644))
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `version: "1.0"
instance: staging
redis_url: redis://cache:6379/2
artifacts:
  root: /srv/kiln
  stable_plugins: /opt/host/plugins
generator:
  model: local-coder
  timeout: 30s
  max_retries: 0
validator:
  mode: in-process
  timeout: 2s
lifecycle:
  require_tested_for_override: true
events:
  brokers: ["kafka:9092"]
  topic: kiln.events
`)

	config, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "staging", config.Instance)
	assert.Equal(t, "/opt/host/plugins", config.Artifacts.StablePlugins)
	assert.Equal(t, filepath.Join("/srv/kiln", "candidates", "platforms"), config.Artifacts.CandidatePlatforms)
	assert.Equal(t, "local-coder", config.Generator.Model)
	assert.Equal(t, 30*time.Second, config.Generator.Timeout)
	assert.Equal(t, 0, *config.Generator.MaxRetries)
	assert.Equal(t, ValidatorModeInProcess, config.Validator.Mode)
	assert.Equal(t, 2*time.Second, config.Validator.Timeout)
	assert.True(t, config.Lifecycle.RequireTestedForOverride)
	require.NotNil(t, config.Events)
	assert.Equal(t, "kiln.events", config.Events.Topic)
	assert.Nil(t, config.Archive)

	opts, err := config.RedisOptions()
	require.NoError(t, err)
	assert.Equal(t, "cache:6379", opts.Addr)
	assert.Equal(t, 2, opts.DB)
}

func TestLoad_Defaults(t *testing.T) {
	config, err := Load(writeConfig(t, `version: "1.0"`))
	require.NoError(t, err)

	assert.Equal(t, "default", config.Instance)
	assert.Equal(t, ValidatorModeProcess, config.Validator.Mode)
	assert.Equal(t, 10*time.Second, config.Validator.Timeout)
	assert.Equal(t, 3, *config.Generator.MaxRetries)
	assert.Equal(t, 4, config.Resolver.Workers)
	assert.Equal(t, 10*time.Second, config.Health.HeartbeatInterval)
	assert.False(t, config.Lifecycle.RequireTestedForOverride)
	assert.Equal(t, filepath.Join(".", "stable", "plugins"), config.Artifacts.StablePlugins)
}

func TestLoad_FileNotFound(t *testing.T) {
	config, err := Load("/nonexistent/kiln.yml")
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	config, err := Load(writeConfig(t, `version: "1.0"
artifacts:
  - this is invalid
    yaml syntax
`))
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvRedisURL, "redis://override:6380/0")
	t.Setenv(EnvInstance, "from-env")

	config, err := Load(writeConfig(t, `version: "1.0"
instance: from-file
`))
	require.NoError(t, err)
	assert.Equal(t, "from-env", config.Instance)
	assert.Equal(t, "redis://override:6380/0", config.RedisURL)
}

func TestLoadOrDefault(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		t.Setenv(EnvInstance, "fallback")
		config, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yml"))
		require.NoError(t, err)
		assert.Equal(t, "fallback", config.Instance)
	})

	t.Run("invalid file is still an error", func(t *testing.T) {
		_, err := LoadOrDefault(writeConfig(t, `version: "9"`))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *KilnConfig)
		wantErr string
	}{
		{"unsupported version", func(c *KilnConfig) { c.Version = "2.0" }, "unsupported version: 2.0"},
		{"bad redis url", func(c *KilnConfig) { c.RedisURL = "http://nope" }, "invalid redis_url"},
		{"bad validator mode", func(c *KilnConfig) { c.Validator.Mode = "vm" }, "invalid validator.mode"},
		{"docker without image", func(c *KilnConfig) { c.Validator.Mode = ValidatorModeDocker }, "validator.image is required"},
		{"negative memory", func(c *KilnConfig) {
			c.Validator.Mode, c.Validator.Image, c.Validator.Memory = ValidatorModeDocker, "kiln:dev", -1
		}, "validator.memory"},
		{"negative retries", func(c *KilnConfig) { n := -1; c.Generator.MaxRetries = &n }, "generator.max_retries"},
		{"negative workers", func(c *KilnConfig) { c.Resolver.Workers = -2 }, "resolver.workers"},
		{"events without topic", func(c *KilnConfig) { c.Events = &EventsConfig{Brokers: []string{"k:9092"}} }, "events.topic"},
		{"events without brokers", func(c *KilnConfig) { c.Events = &EventsConfig{Topic: "t"} }, "events.brokers"},
		{"archive without bucket", func(c *KilnConfig) { c.Archive = &ArchiveConfig{} }, "archive.bucket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := &KilnConfig{Version: "1.0"}
			tt.mutate(config)
			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateDockerMode(t *testing.T) {
	config := &KilnConfig{Version: "1.0", Validator: ValidatorConfig{Mode: ValidatorModeDocker, Image: "ghcr.io/dyluth/kiln:latest"}}
	require.NoError(t, config.Validate())
	assert.Equal(t, 10*time.Second, config.Validator.Timeout)
	assert.Zero(t, config.Validator.Memory)
}

func TestDefault(t *testing.T) {
	config := Default()
	assert.Equal(t, "1.0", config.Version)
	assert.Equal(t, ":8080", config.API.Addr)
	assert.Equal(t, "KILN_JWT_SECRET", config.API.JWTSecretEnv)
}
