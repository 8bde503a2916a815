// Tickwatch - Client-Side Advisory Sync Engine
// Copyright 2026 Tickwatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tickwatch/tickwatch

package conn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tickwatch/tickwatch/internal/models"
	"github.com/tickwatch/tickwatch/internal/protocol"
)

const waitTimeout = 2 * time.Second

// fakeSocket is an in-memory Socket. Inbound frames and read errors are
// injected through channels; writes and the close code/reason are
// recorded.
type fakeSocket struct {
	in   chan []byte
	errs chan error
	done chan struct{}

	mu          sync.Mutex
	writes      [][]byte
	writeErr    error
	closed      bool
	closeCode   int
	closeReason string

	wrote chan struct{}
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:    make(chan []byte, 16),
		errs:  make(chan error, 1),
		done:  make(chan struct{}),
		wrote: make(chan struct{}, 64),
	}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case data := <-s.in:
		return data, nil
	case err := <-s.errs:
		return nil, err
	case <-s.done:
		return nil, errors.New("fake socket closed")
	}
}

func (s *fakeSocket) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.writes = append(s.writes, cp)
	select {
	case s.wrote <- struct{}{}:
	default:
	}
	return nil
}

func (s *fakeSocket) SetReadDeadline(time.Time) error { return nil }

func (s *fakeSocket) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.closeCode = code
	s.closeReason = reason
	close(s.done)
	return nil
}

func (s *fakeSocket) awaitClosed(t *testing.T) (int, string) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for socket close")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closeReason
}

func (s *fakeSocket) awaitWrites(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		s.mu.Lock()
		if len(s.writes) >= n {
			cp := append([][]byte(nil), s.writes...)
			s.mu.Unlock()
			return cp
		}
		got := len(s.writes)
		s.mu.Unlock()
		select {
		case <-s.wrote:
		case <-deadline:
			t.Fatalf("timed out waiting for %d writes, have %d", n, got)
		}
	}
}

type dialResult struct {
	sock Socket
	err  error
}

// fakeDialer parks every dial call on its own result channel so tests can
// release individual attempts in any order.
type fakeDialer struct {
	mu    sync.Mutex
	calls []chan dialResult
	added chan struct{}
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{added: make(chan struct{}, 64)}
}

func (d *fakeDialer) dial(ctx context.Context, _ string) (Socket, error) {
	c := make(chan dialResult, 1)
	d.mu.Lock()
	d.calls = append(d.calls, c)
	d.mu.Unlock()
	select {
	case d.added <- struct{}{}:
	default:
	}
	select {
	case res := <-c:
		return res.sock, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// awaitCall blocks until the n-th dial attempt (1-based) is in flight and
// returns its release channel.
func (d *fakeDialer) awaitCall(t *testing.T, n int) chan dialResult {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		d.mu.Lock()
		if len(d.calls) >= n {
			c := d.calls[n-1]
			d.mu.Unlock()
			return c
		}
		got := len(d.calls)
		d.mu.Unlock()
		select {
		case <-d.added:
		case <-deadline:
			t.Fatalf("timed out waiting for dial attempt %d, have %d", n, got)
		}
	}
}

type recordingSink struct {
	mu        sync.Mutex
	recs      []models.Recommendation
	summaries []string
	got       chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{got: make(chan struct{}, 16)}
}

func (s *recordingSink) HandleRecommendation(rec models.Recommendation) {
	s.mu.Lock()
	s.recs = append(s.recs, rec)
	s.mu.Unlock()
	s.got <- struct{}{}
}

func (s *recordingSink) HandleDebugResult(summary string, _ json.RawMessage) {
	s.mu.Lock()
	s.summaries = append(s.summaries, summary)
	s.mu.Unlock()
	s.got <- struct{}{}
}

func (s *recordingSink) await(t *testing.T) {
	t.Helper()
	select {
	case <-s.got:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for sink delivery")
	}
}

func testSession() Session {
	return Session{
		Endpoint:    "https://advisory.example.com",
		ClientID:    "client-1",
		AppVersion:  "1.2.3",
		Locale:      "zh",
		Preferences: models.DefaultPreferences(),
		Watchlist: []models.WatchlistItem{
			{Symbol: "AAPL", Name: "Apple", Group: "tech", SortIndex: 1},
		},
	}
}

func newTestManager(t *testing.T, dialer *fakeDialer, sink Sink, opts Options) *Manager {
	t.Helper()
	opts.Dial = dialer.dial
	if sink == nil {
		sink = newRecordingSink()
	}
	m := New(opts, sink)
	t.Cleanup(m.Shutdown)
	return m
}

func awaitStatus(t *testing.T, m *Manager, want Status) State {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case st, ok := <-m.States():
			if !ok {
				t.Fatalf("state stream closed while waiting for %s", want)
			}
			if st.Status == want {
				return st
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s, last %s", want, m.State().Status)
		}
	}
}

func decodeEnvelope(t *testing.T, data []byte) protocol.Envelope {
	t.Helper()
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func TestStartSendsHelloThenSyncState(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(t, dialer, nil, Options{})

	m.Start(testSession())
	awaitStatus(t, m, StatusConnecting)

	sock := newFakeSocket()
	dialer.awaitCall(t, 1) <- dialResult{sock: sock}
	awaitStatus(t, m, StatusConnected)

	writes := sock.awaitWrites(t, 2)
	if got := decodeEnvelope(t, writes[0]).Type; got != protocol.TypeClientHello {
		t.Fatalf("first frame type = %q, want %q", got, protocol.TypeClientHello)
	}
	if got := decodeEnvelope(t, writes[1]).Type; got != protocol.TypeClientSyncState {
		t.Fatalf("second frame type = %q, want %q", got, protocol.TypeClientSyncState)
	}

	var hello struct {
		ClientID   string `json:"client_id"`
		AppVersion string `json:"app_version"`
		Locale     string `json:"locale"`
	}
	if err := json.Unmarshal(decodeEnvelope(t, writes[0]).Payload, &hello); err != nil {
		t.Fatalf("unmarshal hello payload: %v", err)
	}
	if hello.ClientID != "client-1" || hello.AppVersion != "1.2.3" || hello.Locale != "zh" {
		t.Fatalf("unexpected hello payload: %+v", hello)
	}
}

func TestStaleDialResultIsDiscarded(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(t, dialer, nil, Options{})

	m.Start(testSession())
	first := dialer.awaitCall(t, 1)

	// A second Start supersedes the in-flight attempt.
	m.Start(testSession())
	second := dialer.awaitCall(t, 2)

	stale := newFakeSocket()
	first <- dialResult{sock: stale}

	code, reason := stale.awaitClosed(t)
	if code != websocket.CloseNormalClosure || reason != "stale epoch" {
		t.Fatalf("stale socket closed with (%d, %q)", code, reason)
	}
	stale.mu.Lock()
	staleWrites := len(stale.writes)
	stale.mu.Unlock()
	if staleWrites != 0 {
		t.Fatalf("stale socket received %d writes, want 0", staleWrites)
	}

	// The current attempt still connects normally.
	sock := newFakeSocket()
	second <- dialResult{sock: sock}
	awaitStatus(t, m, StatusConnected)
	sock.awaitWrites(t, 2)
}

func TestReadFailureTriggersBackoffReconnect(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(t, dialer, nil, Options{
		BackoffStep: 5 * time.Millisecond,
		BackoffCap:  20 * time.Millisecond,
	})

	m.Start(testSession())
	sock := newFakeSocket()
	dialer.awaitCall(t, 1) <- dialResult{sock: sock}
	awaitStatus(t, m, StatusConnected)
	sock.awaitWrites(t, 2)

	sock.errs <- errors.New("connection reset")
	awaitStatus(t, m, StatusFailed)

	// Backoff elapses and a fresh attempt dials.
	next := newFakeSocket()
	dialer.awaitCall(t, 2) <- dialResult{sock: next}
	awaitStatus(t, m, StatusConnected)
	next.awaitWrites(t, 2)
}

func TestGracefulCloseReportsReconnecting(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(t, dialer, nil, Options{
		BackoffStep: 5 * time.Millisecond,
	})

	m.Start(testSession())
	sock := newFakeSocket()
	dialer.awaitCall(t, 1) <- dialResult{sock: sock}
	awaitStatus(t, m, StatusConnected)

	sock.errs <- &websocket.CloseError{Code: websocket.CloseNormalClosure}
	awaitStatus(t, m, StatusReconnecting)
	dialer.awaitCall(t, 2)
}

func TestStopIsFinal(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(t, dialer, nil, Options{
		BackoffStep: time.Millisecond,
	})

	m.Start(testSession())
	sock := newFakeSocket()
	dialer.awaitCall(t, 1) <- dialResult{sock: sock}
	awaitStatus(t, m, StatusConnected)

	m.Stop()
	st := awaitStatus(t, m, StatusDisconnected)
	if st.Detail != "stopped" {
		t.Fatalf("stop detail = %q, want %q", st.Detail, "stopped")
	}
	code, reason := sock.awaitClosed(t)
	if code != websocket.CloseNormalClosure || reason != "stopped" {
		t.Fatalf("socket closed with (%d, %q)", code, reason)
	}

	// No reconnect attempt fires after Stop, however long we wait.
	time.Sleep(50 * time.Millisecond)
	if n := dialer.callCount(); n != 1 {
		t.Fatalf("dial attempts after stop = %d, want 1", n)
	}
	if got := m.State().Status; got != StatusDisconnected {
		t.Fatalf("status after stop = %s", got)
	}
}

func TestUpdateBeforeConnectRidesHandshake(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(t, dialer, nil, Options{})

	m.Start(testSession())
	call := dialer.awaitCall(t, 1)

	prefs := models.DefaultPreferences()
	prefs.RiskProfile = "aggressive"
	m.UpdateSyncState(prefs, []models.WatchlistItem{
		{Symbol: "TSLA", Name: "Tesla", Group: "auto", SortIndex: 0},
	})

	sock := newFakeSocket()
	call <- dialResult{sock: sock}
	awaitStatus(t, m, StatusConnected)

	writes := sock.awaitWrites(t, 2)
	var payload struct {
		Watchlist []struct {
			Symbol string `json:"symbol"`
		} `json:"watchlist"`
		Preferences struct {
			RiskProfile string `json:"risk_profile"`
		} `json:"preferences"`
	}
	if err := json.Unmarshal(decodeEnvelope(t, writes[1]).Payload, &payload); err != nil {
		t.Fatalf("unmarshal sync_state payload: %v", err)
	}
	if len(payload.Watchlist) != 1 || payload.Watchlist[0].Symbol != "TSLA" {
		t.Fatalf("handshake snapshot watchlist = %+v", payload.Watchlist)
	}
	if payload.Preferences.RiskProfile != "aggressive" {
		t.Fatalf("handshake snapshot risk profile = %q", payload.Preferences.RiskProfile)
	}
}

func TestUpdateWhileConnectedSendsImmediately(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(t, dialer, nil, Options{})

	m.Start(testSession())
	sock := newFakeSocket()
	dialer.awaitCall(t, 1) <- dialResult{sock: sock}
	awaitStatus(t, m, StatusConnected)
	sock.awaitWrites(t, 2)

	m.UpdateSyncState(models.DefaultPreferences(), nil)
	writes := sock.awaitWrites(t, 3)
	if got := decodeEnvelope(t, writes[2]).Type; got != protocol.TypeClientSyncState {
		t.Fatalf("third frame type = %q, want %q", got, protocol.TypeClientSyncState)
	}
}

func TestMalformedFramesDoNotDropConnection(t *testing.T) {
	dialer := newFakeDialer()
	sink := newRecordingSink()
	m := newTestManager(t, dialer, sink, Options{})

	m.Start(testSession())
	sock := newFakeSocket()
	dialer.awaitCall(t, 1) <- dialResult{sock: sock}
	awaitStatus(t, m, StatusConnected)

	sock.in <- []byte("{not json")
	sock.in <- []byte(`{"type":"server.telemetry.request","payload":{}}`)
	sock.in <- []byte(`{"type":"server.recommendation.created","payload":{"recommendation":{"id":7,"client_id":"client-1","symbol":"AAPL","action":"buy","summary_zh":"建议买入","confidence":0.8}}}`)

	sink.await(t)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.recs) != 1 || sink.recs[0].ID != 7 || sink.recs[0].Action != models.ActionBuy {
		t.Fatalf("sink recommendations = %+v", sink.recs)
	}
	if got := m.State().Status; got != StatusConnected {
		t.Fatalf("status after bad frames = %s", got)
	}
}

func TestDebugResultRoutedToSink(t *testing.T) {
	dialer := newFakeDialer()
	sink := newRecordingSink()
	m := newTestManager(t, dialer, sink, Options{})

	m.Start(testSession())
	sock := newFakeSocket()
	dialer.awaitCall(t, 1) <- dialResult{sock: sock}
	awaitStatus(t, m, StatusConnected)

	sock.in <- []byte(`{"type":"server.debug.result","payload":{"summary":"pipeline ok","result":{"rows":12}}}`)
	sink.await(t)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.summaries) != 1 || sink.summaries[0] != "pipeline ok" {
		t.Fatalf("sink summaries = %+v", sink.summaries)
	}
}

func TestHeartbeatPingsOnInterval(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(t, dialer, nil, Options{
		HeartbeatInterval: 10 * time.Millisecond,
	})

	m.Start(testSession())
	sock := newFakeSocket()
	dialer.awaitCall(t, 1) <- dialResult{sock: sock}
	awaitStatus(t, m, StatusConnected)

	writes := sock.awaitWrites(t, 4)
	for _, frame := range writes[2:] {
		if got := decodeEnvelope(t, frame).Type; got != protocol.TypePing {
			t.Fatalf("heartbeat frame type = %q, want %q", got, protocol.TypePing)
		}
	}
}

func TestHandshakeWriteFailureReschedules(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(t, dialer, nil, Options{
		BackoffStep: 5 * time.Millisecond,
	})

	m.Start(testSession())
	sock := newFakeSocket()
	sock.writeErr = errors.New("broken pipe")
	dialer.awaitCall(t, 1) <- dialResult{sock: sock}

	awaitStatus(t, m, StatusFailed)
	dialer.awaitCall(t, 2)
}

func TestDialFailureEntersBackoff(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(t, dialer, nil, Options{
		BackoffStep: 5 * time.Millisecond,
	})

	m.Start(testSession())
	dialer.awaitCall(t, 1) <- dialResult{err: errors.New("connection refused")}
	awaitStatus(t, m, StatusFailed)
	dialer.awaitCall(t, 2)
}

func TestBackoffDelay(t *testing.T) {
	step := 1500 * time.Millisecond
	limit := 30 * time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1500 * time.Millisecond},
		{2, 3 * time.Second},
		{10, 15 * time.Second},
		{20, 30 * time.Second},
		{21, 30 * time.Second},
		{1000, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.attempt, step, limit); got != tc.want {
			t.Errorf("backoffDelay(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestStateStreamDropsOldestWhenFull(t *testing.T) {
	dialer := newFakeDialer()
	m := newTestManager(t, dialer, nil, Options{})

	// Nobody reads the stream while states churn well past its capacity.
	for i := 0; i < 40; i++ {
		m.Start(testSession())
		m.Stop()
	}

	// The newest state is still observable both ways.
	if got := m.State().Status; got != StatusDisconnected {
		t.Fatalf("last state = %s, want %s", got, StatusDisconnected)
	}
	var last State
	drained := false
	for !drained {
		select {
		case st := <-m.States():
			last = st
		default:
			drained = true
		}
	}
	if last.Status != StatusDisconnected {
		t.Fatalf("newest buffered state = %s, want %s", last.Status, StatusDisconnected)
	}
}
