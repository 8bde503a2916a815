// Tickwatch - Client-Side Advisory Sync Engine
// Copyright 2026 Tickwatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tickwatch/tickwatch

// Package admin serves the local diagnostics HTTP interface: health,
// sync status, Prometheus metrics, and a manual run trigger. It binds to
// loopback by default and carries no authentication; it is not meant to
// be exposed.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tickwatch/tickwatch/internal/conn"
	"github.com/tickwatch/tickwatch/internal/logging"
	"github.com/tickwatch/tickwatch/internal/models"
)

const shutdownTimeout = 5 * time.Second

// Repo is the repository slice the admin interface exposes.
type Repo interface {
	ClientID() string
	ConnState() conn.State
	Recommendations(ctx context.Context) ([]models.Recommendation, error)
	TriggerRun(ctx context.Context) models.RunTrigger
	RunStatus(ctx context.Context) models.RunStatus
}

// Server is the diagnostics HTTP listener, run as a supervised service.
type Server struct {
	listen string
	repo   Repo
	log    zerolog.Logger
}

func NewServer(listen string, repo Repo) *Server {
	return &Server{
		listen: listen,
		repo:   repo,
		log:    logging.With().Str("component", "admin").Logger(),
	}
}

// Handler builds the route tree. Split out from Serve for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/api/trigger", s.handleTrigger)
	r.Get("/api/run-status", s.handleRunStatus)
	return r
}

// Serve runs the listener until the context ends. A bind failure is
// returned so the supervisor can back off and retry.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info().Str("listen", s.listen).Msg("admin interface up")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("admin shutdown")
		}
		return ctx.Err()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	ClientID              string `json:"client_id"`
	ConnectionStatus      string `json:"connection_status"`
	ConnectionDetail      string `json:"connection_detail,omitempty"`
	CachedRecommendations int    `json:"cached_recommendations"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	recs, err := s.repo.Recommendations(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	st := s.repo.ConnState()
	s.respond(w, http.StatusOK, statusResponse{
		ClientID:              s.repo.ClientID(),
		ConnectionStatus:      string(st.Status),
		ConnectionDetail:      st.Detail,
		CachedRecommendations: len(recs),
	})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	trigger := s.repo.TriggerRun(r.Context())
	status := http.StatusAccepted
	if !trigger.OK {
		status = http.StatusBadGateway
	}
	s.respond(w, status, trigger)
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.repo.RunStatus(r.Context()))
}

func (s *Server) respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn().Err(err).Msg("encoding admin response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	s.respond(w, status, map[string]string{"error": err.Error()})
}
