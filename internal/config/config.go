// Tickwatch - Client-Side Advisory Sync Engine
// Copyright 2026 Tickwatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tickwatch/tickwatch

// Package config loads and validates the agent configuration from layered
// sources: built-in defaults, an optional YAML file, and TICKWATCH_*
// environment variables, in ascending precedence.
package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root agent configuration.
type Config struct {
	Endpoint      EndpointConfig      `koanf:"endpoint"`
	Client        ClientConfig        `koanf:"client"`
	Sync          SyncConfig          `koanf:"sync"`
	Store         StoreConfig         `koanf:"store"`
	Notifications NotificationsConfig `koanf:"notifications"`
	Admin         AdminConfig         `koanf:"admin"`
	Log           LogConfig           `koanf:"log"`
}

// EndpointConfig locates the advisory service. BaseURL serves both the
// REST client and the websocket, which derives its ws:// URL from it.
type EndpointConfig struct {
	BaseURL        string        `koanf:"base_url" validate:"required,url"`
	RequestTimeout time.Duration `koanf:"request_timeout" validate:"gt=0"`
}

// ClientConfig identifies this installation. An empty ID is minted and
// persisted on first run.
type ClientConfig struct {
	ID         string `koanf:"id"`
	AppVersion string `koanf:"app_version" validate:"required"`
	Locale     string `koanf:"locale" validate:"required"`
}

// SyncConfig tunes the realtime connection.
type SyncConfig struct {
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"gt=0"`
	ReadDeadline      time.Duration `koanf:"read_deadline" validate:"gt=0"`
	BackoffStep       time.Duration `koanf:"backoff_step" validate:"gt=0"`
	BackoffCap        time.Duration `koanf:"backoff_cap" validate:"gt=0"`
}

// StoreConfig configures the local Badger cache.
type StoreConfig struct {
	Dir                 string `koanf:"dir"`
	InMemory            bool   `koanf:"in_memory"`
	RecommendationLimit int    `koanf:"recommendation_limit" validate:"min=1"`
}

// NotificationsConfig tunes local notification delivery. Whether
// notifications fire at all is a user preference synced with the server;
// RatePerMinute is a flood guard layered on top (0 disables the guard).
type NotificationsConfig struct {
	RatePerMinute int `koanf:"rate_per_minute" validate:"min=0"`
}

// AdminConfig configures the local diagnostics HTTP listener.
type AdminConfig struct {
	Enabled bool   `koanf:"enabled"`
	Listen  string `koanf:"listen"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks field constraints and cross-field invariants, returning
// an error describing the first problem found.
func (c *Config) Validate() error {
	if err := getValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("config field %s failed %q validation", first.Namespace(), first.Tag())
		}
		return err
	}

	if c.Sync.BackoffCap < c.Sync.BackoffStep {
		return fmt.Errorf("sync.backoff_cap (%s) must be >= sync.backoff_step (%s)",
			c.Sync.BackoffCap, c.Sync.BackoffStep)
	}
	if c.Admin.Enabled && c.Admin.Listen == "" {
		return errors.New("admin.listen is required when admin.enabled is true")
	}
	if !c.Store.InMemory && c.Store.Dir == "" {
		return errors.New("store.dir is required unless store.in_memory is true")
	}
	return nil
}
