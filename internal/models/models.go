// Tickwatch - Client-Side Advisory Sync Engine
// Copyright 2026 Tickwatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tickwatch/tickwatch

// Package models defines the domain types shared across the agent: the
// locally cached entities (recommendations, watchlist items, preferences)
// and the DTOs exchanged with the advisory service. JSON tags follow the
// service's snake_case wire contract.
package models

import (
	"time"

	"github.com/goccy/go-json"
)

// Action is the advisory action attached to a recommendation.
type Action string

// Valid advisory actions.
const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// QuietHours is a local-time window during which notifications are
// suppressed. Hours are 0-23; StartHour == EndHour disables the window.
type QuietHours struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

// Preferences is the per-client notification and advisory configuration.
// It is pushed to the server wholesale as part of every sync-state snapshot.
type Preferences struct {
	Locale               string     `json:"locale"`
	NotificationsEnabled bool       `json:"notifications_enabled"`
	QuietHours           QuietHours `json:"quiet_hours"`
	RiskProfile          string     `json:"risk_profile"`
}

// DefaultPreferences returns the preferences used before the user has
// configured anything.
func DefaultPreferences() Preferences {
	return Preferences{
		Locale:               "zh",
		NotificationsEnabled: true,
		RiskProfile:          "neutral",
	}
}

// WatchlistItem is a user-curated symbol, keyed by (ClientID, Symbol).
// Watchlist items are only ever created or removed by explicit user action,
// never by inbound sync traffic.
type WatchlistItem struct {
	ClientID  string `json:"client_id"`
	Symbol    string `json:"symbol"`
	Name      string `json:"name"`
	Group     string `json:"group"`
	SortIndex int    `json:"sort_index"`
}

// Recommendation is a server-generated advisory, keyed by ID. It is written
// only by idempotent upsert (full replace, never field-level merge) from
// either a push event or a REST bulk pull.
type Recommendation struct {
	ID                int64           `json:"id"`
	ClientID          string          `json:"client_id"`
	Symbol            string          `json:"symbol"`
	CreatedAt         time.Time       `json:"created_at"`
	Action            Action          `json:"action"`
	TargetPositionPct float64         `json:"target_position_pct"`
	SummaryZH         string          `json:"summary_zh"`
	SummaryEN         string          `json:"summary_en"`
	Confidence        float64         `json:"confidence"`
	Risk              json.RawMessage `json:"risk"`
	Evidence          json.RawMessage `json:"evidence"`
}

// Summary returns the locale-appropriate summary variant, falling back to
// the other variant when the requested one is empty.
func (r Recommendation) Summary(locale string) string {
	if locale == "en" {
		if r.SummaryEN != "" {
			return r.SummaryEN
		}
		return r.SummaryZH
	}
	if r.SummaryZH != "" {
		return r.SummaryZH
	}
	return r.SummaryEN
}

// SyncSnapshot is the authoritative local state pushed to the server on
// connect and after every local mutation. It is replaced wholesale
// (last-write-wins), never merged.
type SyncSnapshot struct {
	ClientID    string
	Preferences Preferences
	Watchlist   []WatchlistItem
}

// NewsItem is a headline returned by the news fallback endpoint.
type NewsItem struct {
	Source        string `json:"source"`
	URL           string `json:"url"`
	Title         string `json:"title"`
	Snippet       string `json:"snippet"`
	PublishedAt   string `json:"published_at"`
	Symbol        string `json:"symbol"`
	Name          string `json:"name"`
	SentimentHint string `json:"sentiment_hint"`
}

// Feedback is the user's verdict on a recommendation, posted to the server.
type Feedback struct {
	ClientID         string `json:"client_id"`
	RecommendationID int64  `json:"recommendation_id"`
	Helpful          bool   `json:"helpful"`
	Reason           string `json:"reason,omitempty"`
}

// RunTrigger is the server's acknowledgement of a manual recommendation run.
type RunTrigger struct {
	OK       bool   `json:"ok"`
	ClientID string `json:"client_id"`
	State    string `json:"state"`
	Message  string `json:"message"`
}

// Recommendation run states reported by the status endpoint.
const (
	RunStateIdle      = "idle"
	RunStateRunning   = "running"
	RunStateSucceeded = "succeeded"
	RunStateFailed    = "failed"
)

// RunStatus reports progress of a server-side recommendation run.
type RunStatus struct {
	ClientID string `json:"client_id"`
	State    string `json:"state"`
	Step     string `json:"step"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
	Error    string `json:"error,omitempty"`
}

// ServerConfig mirrors the server's advertised engine settings.
type ServerConfig struct {
	ScanIntervalMinutes int                `json:"scan_interval_minutes"`
	CooldownMinutes     int                `json:"cooldown_minutes"`
	EvidenceMinItems    int                `json:"evidence_min_items"`
	MaxPositionPct      map[string]float64 `json:"max_position_pct"`
	LLMConcurrency      int                `json:"llm_concurrency"`
}
