// Tickwatch - Client-Side Advisory Sync Engine
// Copyright 2026 Tickwatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tickwatch/tickwatch

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/tickwatch/tickwatch/internal/conn"
	"github.com/tickwatch/tickwatch/internal/store"
)

// DefaultConfigPaths lists where config files are searched, in priority
// order. The first file found wins.
var DefaultConfigPaths = []string{
	"tickwatch.yaml",
	"tickwatch.yml",
	"/etc/tickwatch/config.yaml",
	"/etc/tickwatch/config.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "TICKWATCH_CONFIG"

// envPrefix scopes environment overrides: TICKWATCH_SYNC__BACKOFF_CAP
// maps to sync.backoff_cap.
const envPrefix = "TICKWATCH_"

func defaultConfig() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			BaseURL:        "https://api.tickwatch.example.com",
			RequestTimeout: 15 * time.Second,
		},
		Client: ClientConfig{
			ID:         "", // minted on first run
			AppVersion: "0.1.0",
			Locale:     "zh",
		},
		Sync: SyncConfig{
			HeartbeatInterval: conn.DefaultHeartbeatInterval,
			ReadDeadline:      conn.DefaultReadDeadline,
			BackoffStep:       conn.DefaultBackoffStep,
			BackoffCap:        conn.DefaultBackoffCap,
		},
		Store: StoreConfig{
			Dir:                 "/data/tickwatch",
			InMemory:            false,
			RecommendationLimit: store.DefaultRecommendationLimit,
		},
		Notifications: NotificationsConfig{
			RatePerMinute: 10,
		},
		Admin: AdminConfig{
			Enabled: true,
			Listen:  "127.0.0.1:7390",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// TICKWATCH_* environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the first existing config file, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps TICKWATCH_SECTION__FIELD_NAME to
// section.field_name. TICKWATCH_CONFIG is the file-path override, not a
// config key, and is skipped.
func envTransformFunc(key string) string {
	key = strings.TrimPrefix(key, envPrefix)
	if key == "CONFIG" {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}
