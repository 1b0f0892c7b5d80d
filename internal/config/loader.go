package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads and parses a factory configuration from the given YAML file path,
// loads the referenced .env file (if any) and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if cfg.Factory.EnvFile != "" {
		envPath := cfg.Factory.EnvFile
		if !filepath.IsAbs(envPath) {
			envPath = filepath.Join(filepath.Dir(path), envPath)
		}
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("loading env file %s: %w", envPath, err)
		}
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the first
// one found. Search order: ./factory.yaml, ~/.factory/config.yaml. When none
// exists the built-in defaults are returned. A ./.env file is loaded
// opportunistically; variables already set in the environment win.
func LoadDefault() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}

	for _, path := range SearchPaths() {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return Default(), nil
}

// SearchPaths lists the locations LoadDefault consults.
func SearchPaths() []string {
	candidates := []string{"factory.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".factory", "config.yaml"))
	}
	return candidates
}

// APIKey resolves the service's API key from its configured environment variable.
func (s Service) APIKey() string {
	if s.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(s.APIKeyEnv)
}
