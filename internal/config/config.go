// Package config resolves the worker home directory and loads the worker
// configuration file from <home>/config.yaml. Environment variables override
// the file for secrets so keys never have to live on disk.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the worker configuration. Zero values fall back to the defaults
// applied by applyDefaults.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	APIKey     string `yaml:"api_key"`

	Model struct {
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
		Name    string `yaml:"name"`
	} `yaml:"model"`

	Sandbox struct {
		Root string `yaml:"root"` // base dir for run sandboxes; empty = system temp
	} `yaml:"sandbox"`

	Budgets struct {
		MaxAgentSteps     int `yaml:"max_agent_steps"`
		MaxCommands       int `yaml:"max_commands"`
		MaxConcurrentRuns int `yaml:"max_concurrent_runs"`
	} `yaml:"budgets"`
}

// Defaults applied when the file leaves fields unset.
const (
	DefaultListenAddr   = "127.0.0.1:8330"
	DefaultModelBaseURL = "https://api.openai.com"
	DefaultModelName    = "gpt-4.1"
)

// ConfigPath returns <home>/config.yaml.
func ConfigPath(home string) string {
	return filepath.Join(home, "config.yaml")
}

// Load reads the config file under home. A missing file yields the defaults;
// a malformed file is an error.
func Load(home string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(ConfigPath(home))
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", ConfigPath(home), err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

// Save writes the config file under home.
func Save(home string, cfg *Config) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(ConfigPath(home), data, 0o600)
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.Model.BaseURL == "" {
		c.Model.BaseURL = DefaultModelBaseURL
	}
	if c.Model.Name == "" {
		c.Model.Name = DefaultModelName
	}
}

// applyEnv lets the environment override file-based secrets.
func (c *Config) applyEnv() {
	if v := os.Getenv("SANDBOX_WORKER_MODEL_API_KEY"); v != "" {
		c.Model.APIKey = v
	}
	if v := os.Getenv("SANDBOX_WORKER_API_KEY"); v != "" {
		c.APIKey = v
	}
}
