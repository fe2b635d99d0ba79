package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort     = 8080
	defaultSpoolDir = "spool"
	defaultLimit    = 5
	maxLimit        = 5
)

// Config describes runtime configuration for the uploader service and CLI.
// The account triplet is issued in the Polyv admin console.
type Config struct {
	Port     int    `yaml:"port"`
	SpoolDir string `yaml:"spool_dir"`

	UserID     string `yaml:"user_id"`
	SecretKey  string `yaml:"secret_key"`
	WriteToken string `yaml:"write_token"`
	BaseURL    string `yaml:"base_url"`

	Limit              int      `yaml:"limit"`
	AcceptedExtensions []string `yaml:"accepted_extensions"`
}

// Default returns sane defaults. Credentials have no default; commands that
// need them validate before use.
func Default() Config {
	return Config{
		Port:     defaultPort,
		SpoolDir: defaultSpoolDir,
		Limit:    defaultLimit,
	}
}

// Load reads YAML config from the provided path. If the file does not exist
// or is empty, defaults are returned with no error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(fileData, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	// basic normalization
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = defaultSpoolDir
	}
	if cfg.Limit == 0 {
		cfg.Limit = defaultLimit
	}
	// validate concurrency explicitly: the platform caps parallel uploads
	if cfg.Limit < 1 || cfg.Limit > maxLimit {
		return cfg, fmt.Errorf("invalid limit: %d (must be 1..%d)", cfg.Limit, maxLimit)
	}
	cfg.AcceptedExtensions = normalizeExtensions(cfg.AcceptedExtensions)
	return cfg, nil
}

// ValidateCredentials reports whether the account triplet is complete.
func (c Config) ValidateCredentials() error {
	if c.UserID == "" || c.SecretKey == "" || c.WriteToken == "" {
		return errors.New("user_id, secret_key and write_token are all required")
	}
	return nil
}

// normalizeExtensions lowercases, dot-prefixes and dedupes. An empty list
// stays empty: it means "accept any video content" rather than a fixed set.
func normalizeExtensions(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	normalized := make([]string, 0, len(in))
	for _, ext := range in {
		e := strings.ToLower(strings.TrimSpace(ext))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		normalized = append(normalized, e)
	}
	return normalized
}
