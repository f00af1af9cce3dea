package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port         string `yaml:"port"`
		ReadTimeout  string `yaml:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	SQLite struct {
		Path string `yaml:"path"`
	} `yaml:"sqlite"`
	Store struct {
		// Driver is one of memory, postgres or sqlite. Empty picks postgres
		// when a URL is configured and memory otherwise.
		Driver  string `yaml:"driver"`
		Timeout string `yaml:"timeout"`
	} `yaml:"store"`
	Study struct {
		ConfigPath   string `yaml:"config_path"`
		ContentRoot  string `yaml:"content_root"`
		PoolSource   string `yaml:"pool_source"`
		PoolTTL      string `yaml:"pool_ttl"`
		VerifyAssets bool   `yaml:"verify_assets"`
	} `yaml:"study"`
	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// StoreDriver resolves the configured persistence backend.
func (c Config) StoreDriver() string {
	if c.Store.Driver != "" {
		return c.Store.Driver
	}
	if c.Postgres.URL != "" {
		return "postgres"
	}
	return "memory"
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
