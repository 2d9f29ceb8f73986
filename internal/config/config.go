// Package config loads the YAML settings file shared by all commands.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DirName is the per-user settings directory under the home directory.
const DirName = ".imagedecloner"

type LocalConfig struct {
	Recursive  bool   `yaml:"recursive"`
	DeleteMode string `yaml:"delete_mode"`
	MoveTo     string `yaml:"move_to,omitempty"`
}

type RemoteConfig struct {
	BaseURL           string        `yaml:"base_url,omitempty"`
	ClientID          string        `yaml:"client_id,omitempty"`
	ClientSecret      string        `yaml:"client_secret,omitempty"`
	TokenPath         string        `yaml:"token_path"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
}

type Config struct {
	Strategy string `yaml:"strategy"`
	// Threshold below zero selects the strategy default.
	Threshold     float64       `yaml:"threshold"`
	Workers       int           `yaml:"workers"`
	ItemTimeout   time.Duration `yaml:"item_timeout"`
	HistoryDB     string        `yaml:"history_db"`
	ThumbnailSize int           `yaml:"thumbnail_size"`
	Local         LocalConfig   `yaml:"local"`
	Remote        RemoteConfig  `yaml:"remote"`
}

// Dir returns ~/.imagedecloner, or a relative fallback when the home
// directory is unknown.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DirName
	}
	return filepath.Join(home, DirName)
}

// DefaultPath is the config file location used when --config is not given.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

func Default() *Config {
	dir := Dir()
	return &Config{
		Strategy:      "phash",
		Threshold:     -1,
		Workers:       8,
		ItemTimeout:   30 * time.Second,
		HistoryDB:     filepath.Join(dir, "history.db"),
		ThumbnailSize: 100,
		Local: LocalConfig{
			DeleteMode: "trash",
		},
		Remote: RemoteConfig{
			TokenPath:         filepath.Join(dir, "token.json"),
			Timeout:           30 * time.Second,
			MaxRetries:        3,
			RequestsPerSecond: 10,
			MaxConcurrent:     4,
		},
	}
}

// Load reads path over the defaults. A missing file yields Default().
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// Validate rejects values no command can run with.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.ItemTimeout < 0 {
		return fmt.Errorf("item_timeout must not be negative")
	}
	if c.ThumbnailSize < 1 {
		return fmt.Errorf("thumbnail_size must be at least 1, got %d", c.ThumbnailSize)
	}
	switch c.Local.DeleteMode {
	case "", "trash", "permanent":
	case "move":
		if c.Local.MoveTo == "" {
			return fmt.Errorf("local.move_to is required when local.delete_mode is move")
		}
	default:
		return fmt.Errorf("unknown local.delete_mode %q", c.Local.DeleteMode)
	}
	if c.Remote.MaxRetries < 0 {
		return fmt.Errorf("remote.max_retries must not be negative")
	}
	return nil
}
