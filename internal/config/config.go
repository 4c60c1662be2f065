// Package config loads the settings of the command-line tools from an
// optional YAML file and DISCOVERY_* environment variables. The environment
// wins over the file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Endpoints      []string          `yaml:"endpoints"`
	Username       string            `yaml:"username"`
	Password       string            `yaml:"password"`
	Prefix         string            `yaml:"prefix"`
	LeaseTTL       time.Duration     `yaml:"lease_ttl"`
	KeepAlive      time.Duration     `yaml:"keepalive"`
	ResyncSchedule string            `yaml:"resync_schedule"`
	LogLevel       string            `yaml:"log_level"`
	Keys           map[string]string `yaml:"keys"`
}

func defaults() *Config {
	return &Config{
		Endpoints:      []string{"127.0.0.1:2379"},
		Prefix:         "/hello",
		LeaseTTL:       30 * time.Second,
		KeepAlive:      10 * time.Second,
		ResyncSchedule: "@every 5m",
		LogLevel:       "info",
		Keys:           map[string]string{"/hello/1": "http://world"},
	}
}

// Load reads path when it is not empty, in which case its keys replace the
// default ones, applies the environment and
// validates the result, reporting every problem at once.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		bs, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		cfg.Keys = nil
		if err := yaml.Unmarshal(bs, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	var errs []string
	cfg.Endpoints = envList("DISCOVERY_ENDPOINTS", cfg.Endpoints)
	cfg.Username = envStr("DISCOVERY_USERNAME", cfg.Username)
	cfg.Password = envStr("DISCOVERY_PASSWORD", cfg.Password)
	cfg.Prefix = envStr("DISCOVERY_PREFIX", cfg.Prefix)
	cfg.LeaseTTL = envDuration("DISCOVERY_LEASE_TTL", cfg.LeaseTTL, &errs)
	cfg.KeepAlive = envDuration("DISCOVERY_KEEPALIVE", cfg.KeepAlive, &errs)
	cfg.ResyncSchedule = envStr("DISCOVERY_RESYNC_SCHEDULE", cfg.ResyncSchedule)
	cfg.LogLevel = envStr("LOG_LEVEL", cfg.LogLevel)

	if len(cfg.Endpoints) == 0 {
		errs = append(errs, "DISCOVERY_ENDPOINTS must not be empty")
	}
	if cfg.Prefix == "" {
		errs = append(errs, "DISCOVERY_PREFIX must not be empty")
	}
	if cfg.LeaseTTL <= 0 {
		errs = append(errs, "DISCOVERY_LEASE_TTL must be positive")
	}
	if cfg.KeepAlive <= 0 {
		errs = append(errs, "DISCOVERY_KEEPALIVE must be positive")
	} else if cfg.KeepAlive >= cfg.LeaseTTL {
		errs = append(errs, "DISCOVERY_KEEPALIVE must be shorter than DISCOVERY_LEASE_TTL")
	}
	if cfg.ResyncSchedule != "" {
		if _, err := cron.ParseStandard(cfg.ResyncSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("DISCOVERY_RESYNC_SCHEDULE: invalid cron expression %q: %v", cfg.ResyncSchedule, err))
		}
	}
	for key := range cfg.Keys {
		if !strings.HasPrefix(key, cfg.Prefix) {
			errs = append(errs, fmt.Sprintf("keys: %q is outside prefix %q", key, cfg.Prefix))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envList(key string, defaultVal []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}
