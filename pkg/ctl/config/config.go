// Package config holds the devgatectl configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the devgatectl configuration.
type Config struct {
	ServerURL         string        `yaml:"server_url" json:"server_url"`
	Token             string        `yaml:"token" json:"-"`
	DashboardPassword string        `yaml:"dashboard_password" json:"-"`
	OutputFormat      string        `yaml:"output_format" json:"output_format"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultPath returns the default config file path: ~/.devgate/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".devgate", "config.yaml")
	}
	return filepath.Join(home, ".devgate", "config.yaml")
}

// Load reads the configuration from the given YAML file path. If the file
// does not exist, it returns the defaults with no error. DEVGATE_TOKEN and
// DEVGATE_DASHBOARD_PASSWORD override the file.
func Load(path string) (*Config, error) {
	cfg := &Config{
		ServerURL:    "http://localhost:8080",
		OutputFormat: "table",
		Timeout:      15 * time.Second,
	}

	info, err := os.Stat(path)
	switch {
	case err == nil:
		// The file holds a session token and the dashboard password.
		if perm := info.Mode().Perm(); perm&0o077 != 0 {
			fmt.Fprintf(os.Stderr,
				"warning: config file %s has permissions %04o, expected 0600; "+
					"credentials may be exposed to other users.\n",
				path, perm)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	if v := os.Getenv("DEVGATE_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("DEVGATE_DASHBOARD_PASSWORD"); v != "" {
		cfg.DashboardPassword = v
	}
	return cfg, nil
}

// Save writes cfg to path with owner-only permissions.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
