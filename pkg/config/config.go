package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/agentboard/agentboard/pkg/logging"
	"github.com/agentboard/agentboard/pkg/redisstream"
)

// Config is one resolved configuration profile.
type Config struct {
	Project     string               `yaml:"project"`
	BackendURL  string               `yaml:"backend_url"`
	HistoryPath string               `yaml:"history_path"`
	Logging     logging.Settings     `yaml:"logging"`
	Redis       redisstream.Settings `yaml:"redis"`
}

// File is the on-disk layout: base settings plus named profiles that
// override them field by field.
type File struct {
	Config   `yaml:",inline"`
	Profiles map[string]Config `yaml:"profiles"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		BackendURL: "http://localhost:8088",
		Logging:    logging.Settings{Level: "info"},
		Redis:      redisstream.DefaultSettings(),
	}
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "agentboard", "config.yaml")
}

// Load reads the config file and resolves the requested profile on top
// of the file's base settings. A missing file yields the defaults; a
// missing named profile is an error.
func Load(path, profile string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if profile != "" {
				return Config{}, errors.Errorf("config: profile %q requested but %s does not exist", profile, path)
			}
			return cfg, nil
		}
		return Config{}, errors.Wrapf(err, "config: read %s", path)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Config{}, errors.Wrapf(err, "config: parse %s", path)
	}
	overlay(&cfg, f.Config)

	if profile != "" {
		p, ok := f.Profiles[profile]
		if !ok {
			return Config{}, errors.Errorf("config: unknown profile %q in %s", profile, path)
		}
		overlay(&cfg, p)
	}
	return cfg, nil
}

// overlay applies src's non-zero fields onto dst.
func overlay(dst *Config, src Config) {
	if src.Project != "" {
		dst.Project = src.Project
	}
	if src.BackendURL != "" {
		dst.BackendURL = src.BackendURL
	}
	if src.HistoryPath != "" {
		dst.HistoryPath = src.HistoryPath
	}
	if src.Logging.Level != "" {
		dst.Logging.Level = src.Logging.Level
	}
	if src.Logging.File != "" {
		dst.Logging.File = src.Logging.File
	}
	if src.Logging.WithCaller {
		dst.Logging.WithCaller = true
	}
	if src.Redis.Enabled {
		dst.Redis.Enabled = true
	}
	if src.Redis.Addr != "" {
		dst.Redis.Addr = src.Redis.Addr
	}
	if src.Redis.Group != "" {
		dst.Redis.Group = src.Redis.Group
	}
	if src.Redis.Consumer != "" {
		dst.Redis.Consumer = src.Redis.Consumer
	}
}
