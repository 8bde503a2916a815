// Tickwatch - Client-Side Advisory Sync Engine
// Copyright 2026 Tickwatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tickwatch/tickwatch

// Package rest implements the polling-fallback client for the advisory
// service's HTTP API. Client returns errors for testability; Resilient
// wraps it with a circuit breaker and converts every failure into the
// empty/default result the rest of the agent expects ("no data available
// now", never a hard failure).
package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/tickwatch/tickwatch/internal/models"
)

// maxErrorBodySize bounds how much of an error response body is read for
// diagnostics.
const maxErrorBodySize = 16 * 1024

// Client talks to the advisory service's /v1 endpoints. Safe for concurrent
// use; each request builds its own *http.Request.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a REST client for the given base URL (e.g.
// "https://advisor.example.com").
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Recommendations fetches up to limit rows for the client, optionally only
// those created before the given cursor (zero time means no cursor).
func (c *Client) Recommendations(ctx context.Context, clientID string, limit int, before time.Time) ([]models.Recommendation, error) {
	params := url.Values{}
	params.Set("client_id", clientID)
	params.Set("limit", strconv.Itoa(limit))
	if !before.IsZero() {
		params.Set("before", before.UTC().Format(time.RFC3339))
	}

	var resp struct {
		Items []models.Recommendation `json:"items"`
	}
	if err := c.get(ctx, "/v1/recommendations", params, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// SubmitFeedback posts the user's verdict on a recommendation.
func (c *Client) SubmitFeedback(ctx context.Context, fb models.Feedback) error {
	return c.post(ctx, "/v1/feedback", fb, nil)
}

// News fetches recent headlines for the given symbols.
func (c *Client) News(ctx context.Context, clientID string, hours, limit int, symbols, names []string) ([]models.NewsItem, error) {
	params := url.Values{}
	params.Set("client_id", clientID)
	params.Set("hours", strconv.Itoa(hours))
	params.Set("limit", strconv.Itoa(limit))
	for _, s := range symbols {
		params.Add("symbols", s)
	}
	for _, n := range names {
		params.Add("names", n)
	}

	var resp struct {
		Items []models.NewsItem `json:"items"`
	}
	if err := c.get(ctx, "/v1/news", params, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// TriggerRun asks the server to start a recommendation run for the client.
func (c *Client) TriggerRun(ctx context.Context, clientID string) (models.RunTrigger, error) {
	var resp models.RunTrigger
	err := c.post(ctx, "/v1/recommendations/trigger", map[string]string{"client_id": clientID}, &resp)
	return resp, err
}

// RunStatus fetches progress of the client's current or last run.
func (c *Client) RunStatus(ctx context.Context, clientID string) (models.RunStatus, error) {
	params := url.Values{}
	params.Set("client_id", clientID)

	var resp models.RunStatus
	err := c.get(ctx, "/v1/recommendations/status", params, &resp)
	return resp, err
}

// ServerConfig fetches the server's advertised engine settings.
func (c *Client) ServerConfig(ctx context.Context) (models.ServerConfig, error) {
	var resp models.ServerConfig
	err := c.get(ctx, "/v1/config", nil, &resp)
	return resp, err
}

func (c *Client) get(ctx context.Context, path string, params url.Values, result interface{}) error {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	return c.do(req, path, result)
}

func (c *Client) post(ctx context.Context, path string, body, result interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, result)
}

func (c *Client) do(req *http.Request, path string, result interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := readBodyForError(resp.Body)
		return fmt.Errorf("%s request failed with status %d: %s", path, resp.StatusCode, string(body))
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// readBodyForError reads a bounded amount of the response body for error
// reporting.
func readBodyForError(r io.Reader) []byte {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return []byte("(failed to read response body)")
	}
	if len(body) == maxErrorBodySize {
		body = append(body, []byte("... (truncated)")...)
	}
	return body
}
