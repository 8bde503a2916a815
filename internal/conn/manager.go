// Tickwatch - Client-Side Advisory Sync Engine
// Copyright 2026 Tickwatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tickwatch/tickwatch

// Package conn owns the persistent websocket connection to the advisory
// service: handshake, heartbeat, reconnect backoff, and staleness
// detection across reconnect attempts.
//
// # Architecture
//
// All connection state lives inside a single control-loop goroutine.
// Public methods (Start, UpdateSyncState, Stop) and socket callbacks
// (dial result, inbound frame, close, failure) are messages on internal
// channels consumed by that loop, so there is no shared mutable state and
// no lock between "the socket" and "the manager".
//
// Every connection attempt mints a monotonically increasing epoch. Each
// socket event carries the epoch it was issued under; the loop discards
// events whose epoch is not current. This is the core correctness guard:
// a superseded socket that is slow to tear down can never corrupt state
// after a newer attempt has started.
//
// Three auxiliary tasks run per connected epoch: the read loop, the
// heartbeat loop, and (between attempts) the reconnect timer. They are
// supervised, not linked: a failure in one posts an event and the control
// loop decides what dies.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tickwatch/tickwatch/internal/logging"
	"github.com/tickwatch/tickwatch/internal/metrics"
	"github.com/tickwatch/tickwatch/internal/models"
	"github.com/tickwatch/tickwatch/internal/protocol"
)

// Status is the externally observable connection status.
type Status string

// Connection statuses. Failed and Reconnecting differ only in how the
// previous connection ended (abnormal vs graceful); the reconnect
// scheduler treats them identically.
const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
)

// gaugeValue maps a status onto the connection-state metric.
func (s Status) gaugeValue() float64 {
	switch s {
	case StatusConnecting:
		return 1
	case StatusConnected:
		return 2
	case StatusReconnecting:
		return 3
	case StatusFailed:
		return 4
	default:
		return 0
	}
}

// State is a status plus a free-form diagnostic detail (attempt count,
// close reason, ...). Raw transport errors surface only here.
type State struct {
	Status Status
	Detail string
}

// Session is the authoritative local snapshot the manager pushes to the
// server. It is owned by the manager once Start is called and replaced
// wholesale by UpdateSyncState; fields are never merged.
type Session struct {
	Endpoint    string
	ClientID    string
	AppVersion  string
	Locale      string
	Preferences models.Preferences
	Watchlist   []models.WatchlistItem
}

func (s Session) snapshot() models.SyncSnapshot {
	return models.SyncSnapshot{
		ClientID:    s.ClientID,
		Preferences: s.Preferences,
		Watchlist:   s.Watchlist,
	}
}

// Sink receives routed inbound events. Calls are sequential: within one
// connection epoch, messages arrive in transport order, one at a time.
type Sink interface {
	HandleRecommendation(rec models.Recommendation)
	HandleDebugResult(summary string, result json.RawMessage)
}

// Default timing parameters.
const (
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultBackoffStep       = 1500 * time.Millisecond
	DefaultBackoffCap        = 30 * time.Second

	// DefaultReadDeadline bounds the silent-server gap: three missed
	// heartbeat rounds without any inbound frame (pong included) and the
	// read loop errors out into the standard drop path.
	DefaultReadDeadline = 75 * time.Second
)

// Options configures a Manager. Zero values take the defaults above;
// Dial defaults to the gorilla dialer.
type Options struct {
	Dial              DialFunc
	HeartbeatInterval time.Duration
	ReadDeadline      time.Duration
	BackoffStep       time.Duration
	BackoffCap        time.Duration
}

func (o Options) withDefaults() Options {
	if o.Dial == nil {
		o.Dial = Dial
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.ReadDeadline <= 0 {
		o.ReadDeadline = DefaultReadDeadline
	}
	if o.BackoffStep <= 0 {
		o.BackoffStep = DefaultBackoffStep
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = DefaultBackoffCap
	}
	return o
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdUpdate
	cmdStop
)

type command struct {
	kind      cmdKind
	session   Session
	prefs     models.Preferences
	watchlist []models.WatchlistItem
	done      chan struct{}
}

type eventKind int

const (
	evOpened eventKind = iota
	evFrame
	evClosed
	evFailed
)

// socketEvent is one transport callback, tagged with the epoch it was
// issued under.
type socketEvent struct {
	epoch uint64
	kind  eventKind
	sock  Socket // evOpened only
	data  []byte // evFrame only
	err   error
}

// Manager supervises the websocket connection. Construct with New; all
// methods are safe for concurrent use.
type Manager struct {
	opts Options
	sink Sink
	log  zerolog.Logger

	cmds   chan command
	events chan socketEvent
	states chan State
	quit   chan struct{}
	once   sync.Once
	last   atomic.Value // State

	// Everything below is owned by the run goroutine.
	epoch          uint64
	shouldRun      bool
	session        Session
	sock           Socket
	attempt        int
	epochDone      chan struct{}
	reconnectTimer *time.Timer
	reconnectC     <-chan time.Time
}

// New creates a Manager and starts its control loop. The manager is idle
// (Disconnected) until Start is called; Shutdown ends the loop for good.
func New(opts Options, sink Sink) *Manager {
	m := &Manager{
		opts:   opts.withDefaults(),
		sink:   sink,
		log:    logging.With().Str("component", "conn").Logger(),
		cmds:   make(chan command),
		events: make(chan socketEvent, 16),
		states: make(chan State, 16),
		quit:   make(chan struct{}),
	}
	m.last.Store(State{Status: StatusDisconnected})
	go m.run()
	return m
}

// Start records the session and immediately attempts a connection,
// superseding any in-flight attempt. Idempotent: calling it again with new
// session data mints a new epoch, resets the attempt counter, and cancels
// any pending reconnect timer.
func (m *Manager) Start(session Session) {
	m.submit(command{kind: cmdStart, session: session})
}

// UpdateSyncState replaces the session's preferences and watchlist. If a
// connection is open the new snapshot is transmitted immediately;
// otherwise it rides along on the next successful handshake.
func (m *Manager) UpdateSyncState(prefs models.Preferences, watchlist []models.WatchlistItem) {
	m.submit(command{kind: cmdUpdate, prefs: prefs, watchlist: watchlist})
}

// Stop halts reconnection permanently (until the next Start), closes the
// socket gracefully, and publishes Disconnected with detail "stopped".
func (m *Manager) Stop() {
	m.submit(command{kind: cmdStop})
}

// Shutdown terminates the control loop. The manager is unusable afterward.
func (m *Manager) Shutdown() {
	m.once.Do(func() { close(m.quit) })
}

// States returns the connection state stream. The channel is buffered;
// when a slow consumer falls behind, the oldest unread state is dropped in
// favor of the newest. The channel closes on Shutdown.
func (m *Manager) States() <-chan State {
	return m.states
}

// State returns the most recently published state.
func (m *Manager) State() State {
	return m.last.Load().(State)
}

// submit sends a command to the control loop and waits until it has been
// processed, so callers observe their own effects.
func (m *Manager) submit(cmd command) {
	cmd.done = make(chan struct{})
	select {
	case m.cmds <- cmd:
	case <-m.quit:
		return
	}
	select {
	case <-cmd.done:
	case <-m.quit:
	}
}

func (m *Manager) run() {
	for {
		select {
		case <-m.quit:
			m.teardown()
			return
		case cmd := <-m.cmds:
			m.handleCommand(cmd)
			close(cmd.done)
		case ev := <-m.events:
			m.handleEvent(ev)
		case <-m.reconnectC:
			m.reconnectC = nil
			m.reconnectTimer = nil
			if m.shouldRun {
				m.connect(fmt.Sprintf("reconnect attempt %d", m.attempt))
			}
		}
	}
}

func (m *Manager) teardown() {
	m.cancelReconnect()
	m.supersede()
	if m.sock != nil {
		sock := m.sock
		m.sock = nil
		go func() { _ = sock.Close(websocket.CloseGoingAway, "shutdown") }()
	}
	close(m.states)
}

func (m *Manager) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdStart:
		m.session = cmd.session
		m.shouldRun = true
		m.attempt = 0
		m.cancelReconnect()
		m.connect("start")

	case cmdUpdate:
		m.session.Preferences = cmd.prefs
		m.session.Watchlist = cmd.watchlist
		if m.sock == nil {
			return // sent on next handshake
		}
		data, err := protocol.EncodeSyncState(m.session.snapshot())
		if err == nil {
			err = m.sock.WriteMessage(data)
		}
		if err != nil {
			m.failCurrent(fmt.Errorf("send sync_state: %w", err))
		}

	case cmdStop:
		m.shouldRun = false
		m.cancelReconnect()
		m.supersede()
		if m.sock != nil {
			sock := m.sock
			m.sock = nil
			go func() { _ = sock.Close(websocket.CloseNormalClosure, "stopped") }()
		}
		m.setState(StatusDisconnected, "stopped")
	}
}

// supersede invalidates every outstanding callback by minting a new epoch
// and cancelling the per-epoch heartbeat.
func (m *Manager) supersede() {
	m.epoch++
	if m.epochDone != nil {
		close(m.epochDone)
		m.epochDone = nil
	}
}

func (m *Manager) cancelReconnect() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.reconnectC = nil
}

// connect supersedes any in-flight attempt and dials a fresh socket under
// a new epoch.
func (m *Manager) connect(detail string) {
	m.supersede()
	if m.sock != nil {
		sock := m.sock
		m.sock = nil
		go func() { _ = sock.Close(websocket.CloseNormalClosure, "superseded") }()
	}

	wsURL, err := buildSocketURL(m.session.Endpoint)
	if err != nil {
		m.setState(StatusFailed, err.Error())
		m.scheduleReconnect()
		return
	}

	m.setState(StatusConnecting, detail)
	metrics.ConnectAttempts.Inc()
	m.epochDone = make(chan struct{})

	epoch := m.epoch
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dialHandshakeTimeout)
		defer cancel()

		sock, err := m.opts.Dial(ctx, wsURL)
		if err != nil {
			m.post(socketEvent{epoch: epoch, kind: evFailed, err: err})
			return
		}
		m.post(socketEvent{epoch: epoch, kind: evOpened, sock: sock})
	}()
}

// post delivers a socket event to the control loop, discarding it if the
// manager is shutting down.
func (m *Manager) post(ev socketEvent) {
	select {
	case m.events <- ev:
	case <-m.quit:
		if ev.sock != nil {
			_ = ev.sock.Close(websocket.CloseGoingAway, "shutdown")
		}
	}
}

func (m *Manager) handleEvent(ev socketEvent) {
	if ev.epoch != m.epoch {
		// Superseded attempt: no side effects beyond closing a socket the
		// stale attempt may have opened.
		metrics.StaleEventsDropped.Inc()
		m.log.Debug().
			Uint64("event_epoch", ev.epoch).
			Uint64("current_epoch", m.epoch).
			Msg("dropping stale socket event")
		if ev.sock != nil {
			sock := ev.sock
			go func() { _ = sock.Close(websocket.CloseNormalClosure, "stale epoch") }()
		}
		return
	}

	switch ev.kind {
	case evOpened:
		m.onOpened(ev.sock)
	case evFrame:
		m.onFrame(ev.data)
	case evClosed:
		m.setState(StatusReconnecting, closeDetail(ev.err))
		m.dropAndReschedule()
	case evFailed:
		m.setState(StatusFailed, closeDetail(ev.err))
		m.dropAndReschedule()
	}
}

func closeDetail(err error) string {
	if err == nil {
		return "socket closed"
	}
	return err.Error()
}

// onOpened completes the handshake: hello first, then the full sync-state
// snapshot, then heartbeat and read loops.
func (m *Manager) onOpened(sock Socket) {
	m.sock = sock

	hello, err := protocol.EncodeHello(m.session.ClientID, m.session.AppVersion, m.session.Locale)
	if err == nil {
		err = sock.WriteMessage(hello)
	}
	if err != nil {
		m.failCurrent(fmt.Errorf("send hello: %w", err))
		return
	}

	syncState, err := protocol.EncodeSyncState(m.session.snapshot())
	if err == nil {
		err = sock.WriteMessage(syncState)
	}
	if err != nil {
		m.failCurrent(fmt.Errorf("send sync_state: %w", err))
		return
	}

	m.attempt = 0
	m.setState(StatusConnected, "")
	m.startReadLoop(m.epoch, sock)
	m.startHeartbeat(m.epoch, sock, m.epochDone)
}

// failCurrent routes a local failure (handshake or in-band send) through
// the same drop path as a transport failure.
func (m *Manager) failCurrent(err error) {
	m.setState(StatusFailed, err.Error())
	m.dropAndReschedule()
}

// dropAndReschedule is the single socket-dropped handler. Superseding the
// epoch first makes it idempotent: any further events from this connection
// arrive stale and are discarded.
func (m *Manager) dropAndReschedule() {
	m.supersede()
	if m.sock != nil {
		sock := m.sock
		m.sock = nil
		go func() { _ = sock.Close(websocket.CloseNormalClosure, "dropped") }()
	}
	if m.shouldRun {
		m.scheduleReconnect()
	}
}

// scheduleReconnect arms the backoff timer. At most one timer is ever
// pending; a call while one is armed is a no-op.
func (m *Manager) scheduleReconnect() {
	if m.reconnectC != nil {
		return
	}
	m.attempt++
	delay := backoffDelay(m.attempt, m.opts.BackoffStep, m.opts.BackoffCap)
	metrics.Reconnects.Inc()
	m.log.Info().
		Int("attempt", m.attempt).
		Dur("delay", delay).
		Msg("reconnect scheduled")

	m.reconnectTimer = time.NewTimer(delay)
	m.reconnectC = m.reconnectTimer.C
}

// backoffDelay computes min(cap, attempt*step) for attempt >= 1.
func backoffDelay(attempt int, step, limit time.Duration) time.Duration {
	delay := time.Duration(attempt) * step
	if delay > limit {
		delay = limit
	}
	return delay
}

func (m *Manager) startReadLoop(epoch uint64, sock Socket) {
	go func() {
		for {
			if err := sock.SetReadDeadline(time.Now().Add(m.opts.ReadDeadline)); err != nil {
				m.post(socketEvent{epoch: epoch, kind: evFailed, err: fmt.Errorf("set read deadline: %w", err)})
				return
			}
			data, err := sock.ReadMessage()
			if err != nil {
				kind := evFailed
				if isGracefulClose(err) {
					kind = evClosed
				}
				m.post(socketEvent{epoch: epoch, kind: kind, err: err})
				return
			}
			m.post(socketEvent{epoch: epoch, kind: evFrame, data: data})
		}
	}()
}

func (m *Manager) startHeartbeat(epoch uint64, sock Socket, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(m.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-m.quit:
				return
			case <-ticker.C:
				data, err := protocol.EncodePing()
				if err == nil {
					err = sock.WriteMessage(data)
				}
				if err != nil {
					m.post(socketEvent{epoch: epoch, kind: evFailed, err: fmt.Errorf("heartbeat: %w", err)})
					return
				}
				metrics.HeartbeatsSent.Inc()
			}
		}
	}()
}

// onFrame decodes and routes one inbound frame. Decode failures are
// swallowed per-message: forward compatibility requires that unknown or
// malformed frames never terminate the connection.
func (m *Manager) onFrame(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, protocol.ErrUnknownType) {
			reason = "unknown_type"
		}
		metrics.FrameDecodeFailures.WithLabelValues(reason).Inc()
		m.log.Debug().Err(err).Msg("dropping undecodable frame")
		return
	}
	metrics.FramesReceived.WithLabelValues(msg.Type()).Inc()

	switch msg := msg.(type) {
	case protocol.Pong:
		// Liveness no-op.
	case protocol.RecommendationCreated:
		m.sink.HandleRecommendation(msg.Recommendation)
	case protocol.DebugResult:
		m.sink.HandleDebugResult(msg.Summary, msg.Result)
	case protocol.ServerError:
		m.log.Warn().Str("code", msg.Code).Msg("server rejected a frame")
	default:
		// hello/sync_state acks carry no client-side effect.
	}
}

// setState publishes the new state to the stream and the state gauge. A
// full stream drops its oldest entry so the newest is always deliverable.
func (m *Manager) setState(status Status, detail string) {
	st := State{Status: status, Detail: detail}
	m.last.Store(st)
	metrics.ConnectionState.Set(status.gaugeValue())
	m.log.Info().Str("status", string(status)).Str("detail", detail).Msg("connection state")

	for {
		select {
		case m.states <- st:
			return
		default:
		}
		select {
		case <-m.states:
		default:
		}
	}
}
