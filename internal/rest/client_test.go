// Tickwatch - Client-Side Advisory Sync Engine
// Copyright 2026 Tickwatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tickwatch/tickwatch

package rest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tickwatch/tickwatch/internal/models"
)

func TestRecommendationsQueryAndDecode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/recommendations" {
			t.Errorf("path = %q", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("client_id") != "c1" || q.Get("limit") != "50" {
			t.Errorf("query = %v", q)
		}
		if q.Get("before") != "2026-08-30T00:00:00Z" {
			t.Errorf("before = %q", q.Get("before"))
		}
		_, _ = w.Write([]byte(`{"items":[{"id":1,"client_id":"c1","symbol":"AAPL","created_at":"2026-08-29T10:00:00Z","action":"hold","target_position_pct":5,"summary_zh":"观望","summary_en":"Wait","confidence":0.5,"risk":{},"evidence":{}}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	before := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	items, err := c.Recommendations(context.Background(), "c1", 50, before)
	if err != nil {
		t.Fatalf("Recommendations failed: %v", err)
	}
	if len(items) != 1 || items[0].ID != 1 || items[0].Action != models.ActionHold {
		t.Errorf("items = %+v", items)
	}
}

func TestRecommendationsOmitsZeroCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.URL.Query()["before"]; ok {
			t.Error("before param sent for zero cursor")
		}
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	if _, err := c.Recommendations(context.Background(), "c1", 10, time.Time{}); err != nil {
		t.Fatalf("Recommendations failed: %v", err)
	}
}

func TestSubmitFeedbackBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/feedback" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		var fb models.Feedback
		if err := json.Unmarshal(body, &fb); err != nil {
			t.Fatalf("body unmarshal failed: %v", err)
		}
		if fb.ClientID != "c1" || fb.RecommendationID != 42 || !fb.Helpful {
			t.Errorf("feedback = %+v", fb)
		}
		_, _ = w.Write([]byte(`{"ok":true,"id":7}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	err := c.SubmitFeedback(context.Background(), models.Feedback{
		ClientID:         "c1",
		RecommendationID: 42,
		Helpful:          true,
	})
	if err != nil {
		t.Fatalf("SubmitFeedback failed: %v", err)
	}
}

func TestNewsRepeatedParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if got := q["symbols"]; len(got) != 2 || got[0] != "AAPL" || got[1] != "TSLA" {
			t.Errorf("symbols = %v", got)
		}
		if got := q["names"]; len(got) != 2 {
			t.Errorf("names = %v", got)
		}
		_, _ = w.Write([]byte(`{"items":[{"source":"wire","url":"http://x","title":"t","snippet":"s","published_at":"2026-08-30","symbol":"AAPL","name":"Apple","sentiment_hint":"positive"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	items, err := c.News(context.Background(), "c1", 24, 20, []string{"AAPL", "TSLA"}, []string{"Apple", "Tesla"})
	if err != nil {
		t.Fatalf("News failed: %v", err)
	}
	if len(items) != 1 || items[0].SentimentHint != "positive" {
		t.Errorf("items = %+v", items)
	}
}

func TestTriggerAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/recommendations/trigger":
			_, _ = w.Write([]byte(`{"ok":true,"client_id":"c1","state":"started","message":""}`))
		case "/v1/recommendations/status":
			_, _ = w.Write([]byte(`{"client_id":"c1","state":"running","step":"news","progress":40,"message":"fetching"}`))
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)

	trigger, err := c.TriggerRun(context.Background(), "c1")
	if err != nil {
		t.Fatalf("TriggerRun failed: %v", err)
	}
	if !trigger.OK || trigger.State != "started" {
		t.Errorf("trigger = %+v", trigger)
	}

	status, err := c.RunStatus(context.Background(), "c1")
	if err != nil {
		t.Fatalf("RunStatus failed: %v", err)
	}
	if status.State != models.RunStateRunning || status.Progress != 40 {
		t.Errorf("status = %+v", status)
	}
}

func TestErrorStatusSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.Recommendations(context.Background(), "c1", 10, time.Time{})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestResilientDegradesToEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewResilient(NewClient(srv.URL, time.Second))
	ctx := context.Background()

	if items := r.Recommendations(ctx, "c1", 10, time.Time{}); items != nil {
		t.Errorf("Recommendations = %v, want nil", items)
	}
	if items := r.News(ctx, "c1", 24, 10, nil, nil); items != nil {
		t.Errorf("News = %v, want nil", items)
	}
	if ok := r.SubmitFeedback(ctx, models.Feedback{ClientID: "c1"}); ok {
		t.Error("SubmitFeedback reported success against a failing server")
	}
	if trigger := r.TriggerRun(ctx, "c1"); trigger.OK {
		t.Errorf("TriggerRun = %+v, want degraded default", trigger)
	}
	status := r.RunStatus(ctx, "c1")
	if status.State != models.RunStateIdle {
		t.Errorf("RunStatus state = %q, want idle default", status.State)
	}
}

func TestResilientPassesThroughOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"items":[{"id":9,"client_id":"c1","symbol":"NVDA","created_at":"2026-08-30T09:00:00Z","action":"buy","target_position_pct":8,"summary_zh":"买","summary_en":"buy","confidence":0.7,"risk":{},"evidence":{}}]}`))
	}))
	defer srv.Close()

	r := NewResilient(NewClient(srv.URL, time.Second))
	items := r.Recommendations(context.Background(), "c1", 10, time.Time{})
	if len(items) != 1 || items[0].ID != 9 {
		t.Errorf("items = %+v", items)
	}
}
