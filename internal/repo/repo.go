// Tickwatch - Client-Side Advisory Sync Engine
// Copyright 2026 Tickwatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tickwatch/tickwatch

// Package repo is the single entry point the rest of the app talks to. It
// owns the local cache, the realtime connection, the REST fallback, and
// the notification policy, and keeps them consistent: every local
// mutation is persisted first, then pushed to the server as a full
// sync-state snapshot.
package repo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tickwatch/tickwatch/internal/conn"
	"github.com/tickwatch/tickwatch/internal/logging"
	"github.com/tickwatch/tickwatch/internal/metrics"
	"github.com/tickwatch/tickwatch/internal/models"
	"github.com/tickwatch/tickwatch/internal/notify"
	"github.com/tickwatch/tickwatch/internal/rest"
	"github.com/tickwatch/tickwatch/internal/store"
)

// sinkTimeout bounds store work done on behalf of an inbound socket event.
const sinkTimeout = 5 * time.Second

// ConnManager is the slice of conn.Manager the repository drives.
type ConnManager interface {
	Start(conn.Session)
	UpdateSyncState(prefs models.Preferences, watchlist []models.WatchlistItem)
	Stop()
	Shutdown()
	States() <-chan conn.State
	State() conn.State
}

// RestAPI is the degraded-by-default REST surface (see rest.Resilient):
// methods return empty values instead of errors when the service is
// unreachable or the breaker is open.
type RestAPI interface {
	Recommendations(ctx context.Context, clientID string, limit int, before time.Time) []models.Recommendation
	SubmitFeedback(ctx context.Context, fb models.Feedback) bool
	News(ctx context.Context, clientID string, hours, limit int, symbols, names []string) []models.NewsItem
	TriggerRun(ctx context.Context, clientID string) models.RunTrigger
	RunStatus(ctx context.Context, clientID string) models.RunStatus
	ServerConfig(ctx context.Context) models.ServerConfig
}

// Notifier presents a notification to the user. The default
// implementation only logs; a mobile shell injects the platform bridge.
type Notifier interface {
	Notify(title, body string)
}

type logNotifier struct {
	log zerolog.Logger
}

func (n logNotifier) Notify(title, body string) {
	n.log.Info().Str("title", title).Str("body", body).Msg("notification")
}

// Options configures a Repository. NewManager and NewREST are test
// seams; left nil they build the real conn.Manager and rest.Resilient.
type Options struct {
	Endpoint       string
	ClientID       string
	AppVersion     string
	Locale         string
	RequestTimeout time.Duration
	NotifyRate     int
	Conn           conn.Options

	Notifier   Notifier
	NewManager func(sink conn.Sink) ConnManager
	NewREST    func(endpoint string, timeout time.Duration) RestAPI
}

// Repository coordinates store, connection, REST, and notifications.
type Repository struct {
	clientID   string
	appVersion string
	locale     string
	timeout    time.Duration

	st       *store.Store
	mgr      ConnManager
	policy   *notify.Policy
	notifier Notifier
	log      zerolog.Logger

	newREST func(endpoint string, timeout time.Duration) RestAPI

	mu       sync.RWMutex
	endpoint string
	api      RestAPI

	subMu   sync.Mutex
	subs    map[int]chan conn.State
	nextSub int
}

// New assembles a Repository over an opened store. The installation's
// client ID is resolved in priority order: explicit option, persisted
// value, freshly minted UUID (persisted for subsequent runs). Default
// preferences are seeded on first run so a snapshot can always be built.
func New(opts Options, st *store.Store) (*Repository, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("repo: endpoint is required")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.NewREST == nil {
		opts.NewREST = func(endpoint string, timeout time.Duration) RestAPI {
			return rest.NewResilient(rest.NewClient(endpoint, timeout))
		}
	}

	log := logging.With().Str("component", "repo").Logger()
	if opts.Notifier == nil {
		opts.Notifier = logNotifier{log: log}
	}

	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	clientID, err := ensureClientID(ctx, st, opts.ClientID)
	if err != nil {
		return nil, fmt.Errorf("resolve client id: %w", err)
	}
	if err := ensurePreferences(ctx, st, clientID); err != nil {
		return nil, fmt.Errorf("seed preferences: %w", err)
	}

	r := &Repository{
		clientID:   clientID,
		appVersion: opts.AppVersion,
		locale:     opts.Locale,
		timeout:    opts.RequestTimeout,
		st:         st,
		policy:     notify.NewPolicy(opts.NotifyRate),
		notifier:   opts.Notifier,
		log:        log,
		newREST:    opts.NewREST,
		endpoint:   opts.Endpoint,
		api:        opts.NewREST(opts.Endpoint, opts.RequestTimeout),
		subs:       make(map[int]chan conn.State),
	}

	if opts.NewManager != nil {
		r.mgr = opts.NewManager(r)
	} else {
		r.mgr = conn.New(opts.Conn, r)
	}
	return r, nil
}

func ensureClientID(ctx context.Context, st *store.Store, explicit string) (string, error) {
	if explicit != "" {
		if err := st.SetClientID(ctx, explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}
	id, err := st.ClientID(ctx)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	id = uuid.NewString()
	if err := st.SetClientID(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

func ensurePreferences(ctx context.Context, st *store.Store, clientID string) error {
	_, err := st.Preferences(ctx, clientID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return st.UpsertPreferences(ctx, clientID, models.DefaultPreferences())
}

// ClientID returns the resolved installation identity.
func (r *Repository) ClientID() string {
	return r.clientID
}

// session builds the connection session from the current cache contents.
func (r *Repository) session(ctx context.Context) conn.Session {
	prefs, err := r.st.Preferences(ctx, r.clientID)
	if err != nil {
		prefs = models.DefaultPreferences()
	}
	watchlist, err := r.st.Watchlist(ctx, r.clientID)
	if err != nil {
		r.log.Warn().Err(err).Msg("loading watchlist for session")
	}
	r.mu.RLock()
	endpoint := r.endpoint
	r.mu.RUnlock()
	return conn.Session{
		Endpoint:    endpoint,
		ClientID:    r.clientID,
		AppVersion:  r.appVersion,
		Locale:      r.locale,
		Preferences: prefs,
		Watchlist:   watchlist,
	}
}

// Serve runs the repository as a supervised service: it connects, logs
// state transitions, and disconnects when the context ends.
func (r *Repository) Serve(ctx context.Context) error {
	r.mgr.Start(r.session(ctx))
	for {
		select {
		case <-ctx.Done():
			r.mgr.Stop()
			return ctx.Err()
		case st, ok := <-r.mgr.States():
			if !ok {
				return nil
			}
			r.log.Debug().
				Str("status", string(st.Status)).
				Str("detail", st.Detail).
				Msg("sync state")
			r.publishConnState(st)
		}
	}
}

// SubscribeConnState registers a connection-state subscriber for UI
// bindings. Slow subscribers lose intermediate states, never the newest.
// The cancel func must be called to release the subscription.
func (r *Repository) SubscribeConnState() (<-chan conn.State, func()) {
	ch := make(chan conn.State, 4)
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.subMu.Unlock()

	cancel := func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		if c, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (r *Repository) publishConnState(st conn.State) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		for {
			select {
			case ch <- st:
			default:
				// Full: drop the oldest buffered state and retry.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Shutdown releases the connection manager. The store is closed by its
// owner.
func (r *Repository) Shutdown() {
	r.mgr.Shutdown()
}

// ConnState returns the current connection state.
func (r *Repository) ConnState() conn.State {
	return r.mgr.State()
}

// SetEndpoint repoints the repository at a different advisory service.
// The REST client is rebuilt and the realtime connection redials
// immediately; a dial already in flight to the old endpoint is superseded.
func (r *Repository) SetEndpoint(ctx context.Context, endpoint string) error {
	if endpoint == "" {
		return errors.New("repo: endpoint is required")
	}
	r.mu.Lock()
	r.endpoint = endpoint
	r.api = r.newREST(endpoint, r.timeout)
	r.mu.Unlock()

	r.mgr.Start(r.session(ctx))
	return nil
}

func (r *Repository) restAPI() RestAPI {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.api
}

// --- local reads ---

// Recommendations returns cached recommendations, newest first.
func (r *Repository) Recommendations(ctx context.Context) ([]models.Recommendation, error) {
	return r.st.Recommendations(ctx, r.clientID)
}

// Watchlist returns the cached watchlist in display order.
func (r *Repository) Watchlist(ctx context.Context) ([]models.WatchlistItem, error) {
	return r.st.Watchlist(ctx, r.clientID)
}

// Preferences returns the cached preferences.
func (r *Repository) Preferences(ctx context.Context) (models.Preferences, error) {
	return r.st.Preferences(ctx, r.clientID)
}

// WatchRecommendations exposes the store's change ticks for UI bindings.
func (r *Repository) WatchRecommendations() (<-chan struct{}, func()) {
	return r.st.WatchRecommendations(r.clientID)
}

// WatchWatchlist exposes the store's change ticks for UI bindings.
func (r *Repository) WatchWatchlist() (<-chan struct{}, func()) {
	return r.st.WatchWatchlist(r.clientID)
}

// --- local mutations, pushed to the server ---

// SetPreferences persists new preferences and pushes a fresh snapshot.
func (r *Repository) SetPreferences(ctx context.Context, prefs models.Preferences) error {
	if err := r.st.UpsertPreferences(ctx, r.clientID, prefs); err != nil {
		return err
	}
	return r.pushSyncState(ctx)
}

// PutWatchlistItem adds or replaces a watchlist entry and pushes a fresh
// snapshot.
func (r *Repository) PutWatchlistItem(ctx context.Context, item models.WatchlistItem) error {
	item.ClientID = r.clientID
	if err := r.st.UpsertWatchlistItem(ctx, item); err != nil {
		return err
	}
	return r.pushSyncState(ctx)
}

// RemoveWatchlistItem deletes a watchlist entry and pushes a fresh
// snapshot. Removing an absent symbol is a no-op.
func (r *Repository) RemoveWatchlistItem(ctx context.Context, symbol string) error {
	if err := r.st.DeleteWatchlistItem(ctx, r.clientID, symbol); err != nil {
		return err
	}
	return r.pushSyncState(ctx)
}

func (r *Repository) pushSyncState(ctx context.Context) error {
	prefs, err := r.st.Preferences(ctx, r.clientID)
	if err != nil {
		return fmt.Errorf("load preferences: %w", err)
	}
	watchlist, err := r.st.Watchlist(ctx, r.clientID)
	if err != nil {
		return fmt.Errorf("load watchlist: %w", err)
	}
	r.mgr.UpdateSyncState(prefs, watchlist)
	return nil
}

// --- REST fallback ---

// RefreshRecommendations pulls recent recommendations over REST and
// merges them into the cache. Used on cold start and as a fallback while
// the socket is down; an unreachable service merges nothing.
func (r *Repository) RefreshRecommendations(ctx context.Context, limit int) error {
	recs := r.restAPI().Recommendations(ctx, r.clientID, limit, time.Time{})
	if len(recs) == 0 {
		return nil
	}
	if err := r.st.UpsertRecommendations(ctx, r.clientID, recs); err != nil {
		return err
	}
	r.updateCachedGauge(ctx)
	return nil
}

// OlderRecommendations pages past the cached window without touching the
// cache.
func (r *Repository) OlderRecommendations(ctx context.Context, limit int, before time.Time) []models.Recommendation {
	return r.restAPI().Recommendations(ctx, r.clientID, limit, before)
}

// SubmitFeedback posts the user's verdict on a recommendation. Returns
// false when the service was unreachable.
func (r *Repository) SubmitFeedback(ctx context.Context, recommendationID int64, helpful bool, reason string) bool {
	return r.restAPI().SubmitFeedback(ctx, models.Feedback{
		ClientID:         r.clientID,
		RecommendationID: recommendationID,
		Helpful:          helpful,
		Reason:           reason,
	})
}

// News fetches recent headlines for the cached watchlist.
func (r *Repository) News(ctx context.Context, hours, limit int) []models.NewsItem {
	watchlist, err := r.st.Watchlist(ctx, r.clientID)
	if err != nil {
		r.log.Warn().Err(err).Msg("loading watchlist for news")
	}
	symbols := make([]string, 0, len(watchlist))
	names := make([]string, 0, len(watchlist))
	for _, item := range watchlist {
		symbols = append(symbols, item.Symbol)
		names = append(names, item.Name)
	}
	return r.restAPI().News(ctx, r.clientID, hours, limit, symbols, names)
}

// TriggerRun asks the server for an immediate recommendation run.
func (r *Repository) TriggerRun(ctx context.Context) models.RunTrigger {
	return r.restAPI().TriggerRun(ctx, r.clientID)
}

// RunStatus reports the server-side run state.
func (r *Repository) RunStatus(ctx context.Context) models.RunStatus {
	return r.restAPI().RunStatus(ctx, r.clientID)
}

// ServerConfig fetches the server's advertised engine settings.
func (r *Repository) ServerConfig(ctx context.Context) models.ServerConfig {
	return r.restAPI().ServerConfig(ctx)
}

// --- conn.Sink ---

// HandleRecommendation caches an inbound recommendation, then applies the
// notification policy. Cache failures skip notification: never notify
// about something the UI cannot show.
func (r *Repository) HandleRecommendation(rec models.Recommendation) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	if err := r.st.UpsertRecommendations(ctx, r.clientID, []models.Recommendation{rec}); err != nil {
		r.log.Error().Err(err).Int64("id", rec.ID).Msg("caching recommendation")
		return
	}
	r.updateCachedGauge(ctx)

	prefs, err := r.st.Preferences(ctx, r.clientID)
	if err != nil {
		r.log.Warn().Err(err).Msg("loading preferences for notification")
		return
	}
	if d := r.policy.ForRecommendation(rec, prefs, time.Now()); d.Deliver {
		r.notifier.Notify(d.Title, d.Body)
	}
}

// HandleDebugResult surfaces a server diagnostic summary, subject to the
// same notification policy as recommendations.
func (r *Repository) HandleDebugResult(summary string, result json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	r.log.Info().RawJSON("result", normalizeRawJSON(result)).Msg(summary)
	prefs, err := r.st.Preferences(ctx, r.clientID)
	if err != nil {
		prefs = models.DefaultPreferences()
	}
	if d := r.policy.ForDebugResult(summary, prefs, time.Now()); d.Deliver {
		r.notifier.Notify(d.Title, d.Body)
	}
}

// normalizeRawJSON keeps zerolog's RawJSON from emitting invalid output
// when the payload was absent.
func normalizeRawJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}

func (r *Repository) updateCachedGauge(ctx context.Context) {
	if n, err := r.st.RecommendationCount(ctx, r.clientID); err == nil {
		metrics.CachedRecommendations.Set(float64(n))
	}
}
