// Tickwatch - Client-Side Advisory Sync Engine
// Copyright 2026 Tickwatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tickwatch/tickwatch

package rest

import (
	"context"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tickwatch/tickwatch/internal/logging"
	"github.com/tickwatch/tickwatch/internal/metrics"
	"github.com/tickwatch/tickwatch/internal/models"
)

// Resilient wraps Client with a circuit breaker and degrade-to-empty
// semantics: every operation returns a usable zero value on failure and
// logs the cause. Callers treat empty results as "no data available now",
// not as a definitive empty state.
type Resilient struct {
	client *Client
	cb     *gobreaker.CircuitBreaker[any]
}

// NewResilient wraps the client. Breaker settings: opens at a 60% failure
// rate over at least 6 requests in a 1-minute window, half-opens after 30s.
func NewResilient(client *Client) *Resilient {
	metrics.RestBreakerState.Set(0)

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "advisory-rest",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 6 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("REST circuit breaker state change")
			metrics.RestBreakerState.Set(breakerStateValue(to))
		},
	})

	return &Resilient{client: client, cb: cb}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// call runs fn through the breaker and records outcome metrics.
func (r *Resilient) call(op string, fn func() (any, error)) (any, error) {
	result, err := r.cb.Execute(fn)
	if err != nil {
		metrics.RestRequests.WithLabelValues(op, "error").Inc()
		logging.Warn().Err(err).Str("operation", op).Msg("REST fallback call degraded to empty result")
		return nil, err
	}
	metrics.RestRequests.WithLabelValues(op, "ok").Inc()
	return result, nil
}

// Recommendations returns the bulk pull, or nil when the call fails.
func (r *Resilient) Recommendations(ctx context.Context, clientID string, limit int, before time.Time) []models.Recommendation {
	result, err := r.call("recommendations", func() (any, error) {
		return r.client.Recommendations(ctx, clientID, limit, before)
	})
	if err != nil {
		return nil
	}
	items, _ := result.([]models.Recommendation)
	return items
}

// SubmitFeedback reports whether the feedback was accepted.
func (r *Resilient) SubmitFeedback(ctx context.Context, fb models.Feedback) bool {
	_, err := r.call("feedback", func() (any, error) {
		return nil, r.client.SubmitFeedback(ctx, fb)
	})
	return err == nil
}

// News returns recent headlines, or nil when the call fails.
func (r *Resilient) News(ctx context.Context, clientID string, hours, limit int, symbols, names []string) []models.NewsItem {
	result, err := r.call("news", func() (any, error) {
		return r.client.News(ctx, clientID, hours, limit, symbols, names)
	})
	if err != nil {
		return nil
	}
	items, _ := result.([]models.NewsItem)
	return items
}

// TriggerRun returns the server acknowledgement, or a zero RunTrigger with
// OK false when the call fails.
func (r *Resilient) TriggerRun(ctx context.Context, clientID string) models.RunTrigger {
	result, err := r.call("trigger", func() (any, error) {
		return r.client.TriggerRun(ctx, clientID)
	})
	if err != nil {
		return models.RunTrigger{ClientID: clientID}
	}
	trigger, _ := result.(models.RunTrigger)
	return trigger
}

// RunStatus returns the run status, defaulting to idle when the call fails.
func (r *Resilient) RunStatus(ctx context.Context, clientID string) models.RunStatus {
	result, err := r.call("status", func() (any, error) {
		return r.client.RunStatus(ctx, clientID)
	})
	if err != nil {
		return models.RunStatus{ClientID: clientID, State: models.RunStateIdle}
	}
	status, _ := result.(models.RunStatus)
	return status
}

// ServerConfig returns the advertised engine settings, or the zero value
// when the call fails.
func (r *Resilient) ServerConfig(ctx context.Context) models.ServerConfig {
	result, err := r.call("config", func() (any, error) {
		return r.client.ServerConfig(ctx)
	})
	if err != nil {
		return models.ServerConfig{}
	}
	cfg, _ := result.(models.ServerConfig)
	return cfg
}
