// Tickwatch - Client-Side Advisory Sync Engine
// Copyright 2026 Tickwatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tickwatch/tickwatch

// Package protocol implements the websocket envelope codec.
//
// Every frame is a JSON envelope {"type": string, "payload": object}.
// Inbound frames are decoded exactly once into the closed Message sum type
// before any routing happens; unknown types and malformed frames yield
// sentinel errors so the receive loop can drop them without terminating the
// connection. Forward compatibility rule: unknown fields and unknown message
// types must never kill the connection.
package protocol

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/tickwatch/tickwatch/internal/models"
)

// Outbound envelope types.
const (
	TypeClientHello     = "client.hello"
	TypeClientSyncState = "client.sync_state"
	TypePing            = "ping"
)

// Inbound envelope types.
const (
	TypePong                  = "pong"
	TypeHelloAck              = "server.hello.ack"
	TypeSyncStateAck          = "server.sync_state.ack"
	TypeRecommendationCreated = "server.recommendation.created"
	TypeDebugResult           = "server.debug.result"
	TypeServerError           = "server.error"
)

// Decode failure sentinels. Both are per-frame conditions, not connection
// failures.
var (
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	ErrUnknownType    = errors.New("protocol: unknown envelope type")
)

// Envelope is the wire wrapper around every frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Message is the closed sum of inbound message kinds. Exactly one concrete
// type is returned per successfully decoded frame.
type Message interface {
	Type() string
}

// Pong is the server's liveness reply to a client ping. It carries no data.
type Pong struct{}

// HelloAck acknowledges a client.hello.
type HelloAck struct {
	OK bool `json:"ok"`
}

// SyncStateAck acknowledges a client.sync_state snapshot.
type SyncStateAck struct {
	OK bool `json:"ok"`
}

// RecommendationCreated delivers a freshly generated recommendation.
type RecommendationCreated struct {
	Recommendation models.Recommendation `json:"recommendation"`
}

// DebugResult echoes the outcome of a server-side diagnostic run.
type DebugResult struct {
	Summary string          `json:"summary"`
	Result  json.RawMessage `json:"result"`
}

// ServerError reports a protocol-level complaint from the server, e.g.
// {"code": "invalid_envelope"}.
type ServerError struct {
	Code string `json:"code"`
}

func (Pong) Type() string                  { return TypePong }
func (HelloAck) Type() string              { return TypeHelloAck }
func (SyncStateAck) Type() string          { return TypeSyncStateAck }
func (RecommendationCreated) Type() string { return TypeRecommendationCreated }
func (DebugResult) Type() string           { return TypeDebugResult }
func (ServerError) Type() string           { return TypeServerError }

// Decode parses an inbound frame into its Message. Returns
// ErrMalformedFrame (wrapped) when the envelope or payload cannot be parsed
// and ErrUnknownType for types outside the known set.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	switch env.Type {
	case TypePong:
		return Pong{}, nil
	case TypeHelloAck:
		var msg HelloAck
		if err := unmarshalPayload(env.Payload, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeSyncStateAck:
		var msg SyncStateAck
		if err := unmarshalPayload(env.Payload, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeRecommendationCreated:
		var msg RecommendationCreated
		if err := unmarshalPayload(env.Payload, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeDebugResult:
		var msg DebugResult
		if err := unmarshalPayload(env.Payload, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeServerError:
		var msg ServerError
		if err := unmarshalPayload(env.Payload, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func unmarshalPayload(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrMalformedFrame, err)
	}
	return nil
}

type helloPayload struct {
	ClientID   string `json:"client_id"`
	AppVersion string `json:"app_version"`
	Locale     string `json:"locale"`
}

// syncWatchlistEntry is the wire form of a watchlist item. The client_id is
// carried once at the payload level, not per entry.
type syncWatchlistEntry struct {
	Symbol    string `json:"symbol"`
	Name      string `json:"name"`
	Group     string `json:"group"`
	SortIndex int    `json:"sort_index"`
}

type syncStatePayload struct {
	ClientID    string               `json:"client_id"`
	Watchlist   []syncWatchlistEntry `json:"watchlist"`
	Preferences models.Preferences   `json:"preferences"`
}

func encode(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	data, err := json.Marshal(Envelope{Type: msgType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return data, nil
}

// EncodeHello builds the client.hello frame sent first on every connection.
func EncodeHello(clientID, appVersion, locale string) ([]byte, error) {
	return encode(TypeClientHello, helloPayload{
		ClientID:   clientID,
		AppVersion: appVersion,
		Locale:     locale,
	})
}

// EncodeSyncState builds the client.sync_state frame carrying the full local
// snapshot.
func EncodeSyncState(snap models.SyncSnapshot) ([]byte, error) {
	entries := make([]syncWatchlistEntry, 0, len(snap.Watchlist))
	for _, item := range snap.Watchlist {
		entries = append(entries, syncWatchlistEntry{
			Symbol:    item.Symbol,
			Name:      item.Name,
			Group:     item.Group,
			SortIndex: item.SortIndex,
		})
	}
	return encode(TypeClientSyncState, syncStatePayload{
		ClientID:    snap.ClientID,
		Watchlist:   entries,
		Preferences: snap.Preferences,
	})
}

// EncodePing builds the heartbeat frame.
func EncodePing() ([]byte, error) {
	return encode(TypePing, struct{}{})
}
