// Tickwatch - Client-Side Advisory Sync Engine
// Copyright 2026 Tickwatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tickwatch/tickwatch

// Package notify decides whether and how an inbound event is surfaced to
// the user. The decision depends only on current preferences and the local
// clock; actual delivery is the caller's concern and is always best-effort.
package notify

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/tickwatch/tickwatch/internal/metrics"
	"github.com/tickwatch/tickwatch/internal/models"
)

// Suppression reasons reported in Decision.Reason.
const (
	ReasonDisabled    = "notifications_disabled"
	ReasonQuietHours  = "quiet_hours"
	ReasonRateLimited = "rate_limited"
)

// Decision is the outcome of evaluating an event against preferences.
type Decision struct {
	Deliver bool
	Reason  string // set when Deliver is false
	Title   string
	Body    string
}

// Policy evaluates events. A token bucket caps delivery bursts so a
// reconnect replay cannot flood the notifier; suppression by rate limit is
// counted, never blocking.
type Policy struct {
	limiter *rate.Limiter
}

// NewPolicy creates a policy allowing at most perMinute deliveries per
// minute (burst of perMinute). perMinute <= 0 disables rate limiting.
func NewPolicy(perMinute int) *Policy {
	var limiter *rate.Limiter
	if perMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
	}
	return &Policy{limiter: limiter}
}

// IsQuiet reports whether hour falls inside the quiet window [start, end).
// start == end means the window is disabled; start > end wraps past
// midnight.
func IsQuiet(start, end, hour int) bool {
	switch {
	case start == end:
		return false
	case start < end:
		return start <= hour && hour < end
	default:
		return hour >= start || hour < end
	}
}

// ForRecommendation evaluates an inbound recommendation. now is the local
// time used for the quiet-hours test.
func (p *Policy) ForRecommendation(rec models.Recommendation, prefs models.Preferences, now time.Time) Decision {
	if d, suppressed := p.gate(prefs, now); suppressed {
		return d
	}
	return Decision{
		Deliver: true,
		Title:   fmt.Sprintf("%s %s", ActionLabel(rec.Action, prefs.Locale), rec.Symbol),
		Body:    rec.Summary(prefs.Locale),
	}
}

// ForDebugResult evaluates an inbound diagnostic summary.
func (p *Policy) ForDebugResult(summary string, prefs models.Preferences, now time.Time) Decision {
	if d, suppressed := p.gate(prefs, now); suppressed {
		return d
	}
	title := "Diagnostics"
	if prefs.Locale == "zh" {
		title = "诊断结果"
	}
	return Decision{Deliver: true, Title: title, Body: summary}
}

// gate applies the enablement, quiet-hours, and rate-limit checks shared by
// all event kinds.
func (p *Policy) gate(prefs models.Preferences, now time.Time) (Decision, bool) {
	if !prefs.NotificationsEnabled {
		metrics.NotificationsSuppressed.WithLabelValues(ReasonDisabled).Inc()
		return Decision{Reason: ReasonDisabled}, true
	}
	if IsQuiet(prefs.QuietHours.StartHour, prefs.QuietHours.EndHour, now.Hour()) {
		metrics.NotificationsSuppressed.WithLabelValues(ReasonQuietHours).Inc()
		return Decision{Reason: ReasonQuietHours}, true
	}
	if p.limiter != nil && !p.limiter.Allow() {
		metrics.NotificationsSuppressed.WithLabelValues(ReasonRateLimited).Inc()
		return Decision{Reason: ReasonRateLimited}, true
	}
	metrics.NotificationsDelivered.Inc()
	return Decision{}, false
}

// ActionLabel maps an advisory action to its display label in the given
// locale.
func ActionLabel(action models.Action, locale string) string {
	if locale == "zh" {
		switch action {
		case models.ActionBuy:
			return "买入"
		case models.ActionSell:
			return "卖出"
		case models.ActionHold:
			return "持有"
		}
		return string(action)
	}
	switch action {
	case models.ActionBuy:
		return "Buy"
	case models.ActionSell:
		return "Sell"
	case models.ActionHold:
		return "Hold"
	}
	return string(action)
}
