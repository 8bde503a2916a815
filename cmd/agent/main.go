// Tickwatch - Client-Side Advisory Sync Engine
// Copyright 2026 Tickwatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tickwatch/tickwatch

// Package main is the entry point for the Tickwatch sync agent.
//
// The agent keeps a mobile installation's advisory data in sync with the
// Tickwatch service: it maintains a realtime websocket connection with
// heartbeat and reconnect backoff, mirrors recommendations into a local
// Badger cache, pushes watchlist and preference changes to the server,
// and surfaces recommendation notifications subject to user preferences.
//
// # Startup order
//
//  1. Configuration: defaults, optional YAML file, TICKWATCH_* env vars
//  2. Logging: zerolog, level/format per config
//  3. Store: local Badger cache (on disk or in-memory)
//  4. Repository: client identity, REST fallback, notification policy
//  5. Supervisor: sync connection and admin listener under a suture tree
//
// # Signal handling
//
// SIGINT and SIGTERM stop the supervisor tree: the websocket closes
// gracefully, the admin listener drains, and the store is closed last.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tickwatch/tickwatch/internal/admin"
	"github.com/tickwatch/tickwatch/internal/config"
	"github.com/tickwatch/tickwatch/internal/conn"
	"github.com/tickwatch/tickwatch/internal/logging"
	"github.com/tickwatch/tickwatch/internal/repo"
	"github.com/tickwatch/tickwatch/internal/store"
	"github.com/tickwatch/tickwatch/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tickwatch-agent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	log := logging.With().Str("component", "main").Logger()

	st, err := store.Open(store.Options{
		Dir:                 cfg.Store.Dir,
		InMemory:            cfg.Store.InMemory,
		RecommendationLimit: cfg.Store.RecommendationLimit,
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("closing store")
		}
	}()

	r, err := repo.New(repo.Options{
		Endpoint:       cfg.Endpoint.BaseURL,
		ClientID:       cfg.Client.ID,
		AppVersion:     cfg.Client.AppVersion,
		Locale:         cfg.Client.Locale,
		RequestTimeout: cfg.Endpoint.RequestTimeout,
		NotifyRate:     cfg.Notifications.RatePerMinute,
		Conn: conn.Options{
			HeartbeatInterval: cfg.Sync.HeartbeatInterval,
			ReadDeadline:      cfg.Sync.ReadDeadline,
			BackoffStep:       cfg.Sync.BackoffStep,
			BackoffCap:        cfg.Sync.BackoffCap,
		},
	}, st)
	if err != nil {
		return fmt.Errorf("building repository: %w", err)
	}
	defer r.Shutdown()
	log.Info().Str("client_id", r.ClientID()).Msg("starting tickwatch agent")

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddSyncService(r)
	if cfg.Admin.Enabled {
		tree.AddAPIService(admin.NewServer(cfg.Admin.Listen, r))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = tree.Serve(ctx)
	if ctx.Err() != nil {
		log.Info().Msg("shutdown complete")
		return nil
	}
	return err
}
