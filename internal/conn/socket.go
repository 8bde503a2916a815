// Tickwatch - Client-Side Advisory Sync Engine
// Copyright 2026 Tickwatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tickwatch/tickwatch

package conn

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	dialHandshakeTimeout = 10 * time.Second
	writeTimeout         = 10 * time.Second
	closeWriteTimeout    = time.Second
)

// Socket is the minimal transport surface the manager needs. The gorilla
// connection satisfies it through gorillaSocket; tests substitute fakes.
type Socket interface {
	// ReadMessage blocks for the next frame. The returned error is
	// inspected with isGracefulClose to distinguish close from failure.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one text frame. Safe for concurrent use.
	WriteMessage(data []byte) error

	// SetReadDeadline bounds the next ReadMessage call.
	SetReadDeadline(t time.Time) error

	// Close sends a close frame with the given code and reason, then tears
	// down the transport. Safe to call more than once.
	Close(code int, reason string) error
}

// DialFunc opens a Socket to the given websocket URL.
type DialFunc func(ctx context.Context, wsURL string) (Socket, error)

// Dial is the production DialFunc using gorilla/websocket.
func Dial(ctx context.Context, wsURL string) (Socket, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout:  dialHandshakeTimeout,
		EnableCompression: true,
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &gorillaSocket{conn: conn}, nil
}

// gorillaSocket adapts *websocket.Conn to Socket. Gorilla permits one
// concurrent writer, so writes are serialized here.
type gorillaSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *gorillaSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

func (s *gorillaSocket) WriteMessage(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *gorillaSocket) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

func (s *gorillaSocket) Close(code int, reason string) error {
	s.writeMu.Lock()
	// Best effort: the peer may already be gone.
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(closeWriteTimeout),
	)
	s.writeMu.Unlock()
	return s.conn.Close()
}

// isGracefulClose reports whether the read error represents a clean
// close handshake rather than a transport failure.
func isGracefulClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// buildSocketURL translates the configured base endpoint into the websocket
// URL: http(s) becomes ws(s) and the /ws path is appended.
func buildSocketURL(endpoint string) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}

	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("endpoint %q: unsupported scheme %q", endpoint, parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("endpoint %q: missing host", endpoint)
	}

	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/ws"
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String(), nil
}
