// Package config loads the ModelRunner node configuration: the broker
// connection, this node's public URL(s), its local data directory, and
// (for workers) the model it serves and the command line used to run it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	modelerrors "github.com/modelrunner/modelrunner/pkg/errors"
)

// Config is the full configuration for a primary or worker node.
// Every field documented in §6 of the spec has a home here.
type Config struct {
	RedisURL string `yaml:"redis_url" json:"redis_url"`
	Prefix   string `yaml:"prefix" json:"prefix"`

	PrimaryURL string `yaml:"primary_url" json:"primary_url"`
	WorkerURL  string `yaml:"worker_url" json:"worker_url"`
	DataDir    string `yaml:"data_dir" json:"data_dir"`

	// Model is the single model name this worker process serves. Unused
	// by a primary-only process.
	Model string `yaml:"model" json:"model"`

	// ModelCommand maps model name -> command line used to invoke it.
	ModelCommand map[string]string `yaml:"model_command" json:"model_command"`

	Port int `yaml:"port" json:"port"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// LoggingConfig controls the node's logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Output string `yaml:"output" json:"output"`
}

// Default returns the built-in default configuration.
func Default() *Config {
	return &Config{
		RedisURL:     "localhost:6379",
		Prefix:       "modelrunner",
		PrimaryURL:   "http://localhost:8000",
		WorkerURL:    "http://localhost:8001",
		DataDir:      "./data",
		Model:        "test",
		ModelCommand: map[string]string{},
		Port:         8000,
		Logging: LoggingConfig{
			Level:  "INFO",
			Output: "stdout",
		},
	}
}

// configPaths lists where Load looks for a YAML file, in order, unless
// MODELRUNNER_CONFIG_PATH names one explicitly.
func configPaths() []string {
	return []string{
		os.Getenv("MODELRUNNER_CONFIG_PATH"),
		"./modelrunner.yml",
		"./config/modelrunner.yml",
		"/etc/modelrunner/modelrunner.yml",
	}
}

// Load builds a Config from (in increasing precedence): built-in
// defaults, the first YAML file found on configPaths(), then
// MODELRUNNER_* environment variable overrides. It returns the
// resolved Config and the path the file was loaded from ("built-in
// defaults (no config file found)" if none was found).
func Load() (*Config, string, error) {
	cfg := Default()

	path, err := loadFromFile(cfg)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, path, nil
}

func loadFromFile(cfg *Config) (string, error) {
	for _, path := range configPaths() {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return "", fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		return path, nil
	}

	return "built-in defaults (no config file found)", nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MODELRUNNER_REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("MODELRUNNER_PREFIX"); v != "" {
		cfg.Prefix = v
	}
	if v := os.Getenv("MODELRUNNER_PRIMARY_URL"); v != "" {
		cfg.PrimaryURL = v
	}
	if v := os.Getenv("MODELRUNNER_WORKER_URL"); v != "" {
		cfg.WorkerURL = v
	}
	if v := os.Getenv("MODELRUNNER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("MODELRUNNER_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("MODELRUNNER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("MODELRUNNER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// MODELRUNNER_MODEL_COMMAND_<NAME>=<command line>
	const prefix = "MODELRUNNER_MODEL_COMMAND_"
	for _, kv := range os.Environ() {
		k, v, found := strings.Cut(kv, "=")
		if !found || !strings.HasPrefix(k, prefix) {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(k, prefix))
		if name == "" {
			continue
		}
		if cfg.ModelCommand == nil {
			cfg.ModelCommand = map[string]string{}
		}
		cfg.ModelCommand[name] = v
	}
}

// Validate reports the first configuration problem found, or nil.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: %w", c.Port, modelerrors.ErrInvalidConfig)
	}
	if strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("redis_url must not be empty: %w", modelerrors.ErrInvalidConfig)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir must not be empty: %w", modelerrors.ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Prefix) == "" {
		return fmt.Errorf("prefix must not be empty: %w", modelerrors.ErrInvalidConfig)
	}
	return nil
}

// CommandFor returns the configured command line for a model, or an
// error if the worker has no command registered for it.
func (c *Config) CommandFor(model string) (string, error) {
	cmd, ok := c.ModelCommand[model]
	if !ok || strings.TrimSpace(cmd) == "" {
		return "", fmt.Errorf("no model_command configured for model %q", model)
	}
	return cmd, nil
}
