// Tickwatch - Client-Side Advisory Sync Engine
// Copyright 2026 Tickwatch contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tickwatch/tickwatch

// Package store implements the durable local cache on BadgerDB.
//
// Two entity kinds are stored: recommendations (keyed by id, with a
// per-client created_at index for ordering and trimming) and watchlist
// items (keyed by client+symbol). All writes are idempotent upserts; reads
// return point-in-time snapshots. Change observation is signal-based:
// watchers get a coalesced "something changed" tick and re-read the
// snapshot, which keeps the store free of subscriber bookkeeping beyond a
// channel list.
//
// Key layout:
//
//	rec:<client>:<id20>              -> Recommendation JSON
//	recidx:<client>:<ts20>:<id20>    -> empty (created_at ordering index)
//	wl:<client>:<symbol>             -> WatchlistItem JSON
//	pref:<client>                    -> Preferences JSON
//
// The 20-digit zero-padded encodings make lexicographic key order equal
// numeric order, so badger prefix iteration yields created_at order
// directly.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tickwatch/tickwatch/internal/models"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

const (
	recPrefix    = "rec:"
	recIdxPrefix = "recidx:"
	wlPrefix     = "wl:"
	prefPrefix   = "pref:"
	metaClientID = "meta:client_id"
)

// DefaultRecommendationLimit is the per-client retention cap applied after
// every upsert batch.
const DefaultRecommendationLimit = 1000

// Store is the badger-backed local cache. Safe for concurrent use.
type Store struct {
	db    *badger.DB
	limit int

	mu         sync.Mutex
	recWatch   map[string][]chan struct{}
	wlWatch    map[string][]chan struct{}
	watchClose bool
}

// Options configures a Store.
type Options struct {
	// Dir is the badger data directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps all data in memory; used by tests and ephemeral runs.
	InMemory bool

	// RecommendationLimit caps retained recommendations per client.
	// Zero means DefaultRecommendationLimit.
	RecommendationLimit int
}

// Open opens (creating if necessary) the local cache.
func Open(opts Options) (*Store, error) {
	limit := opts.RecommendationLimit
	if limit <= 0 {
		limit = DefaultRecommendationLimit
	}

	badgerOpts := badger.DefaultOptions(opts.Dir).
		WithInMemory(opts.InMemory).
		WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", opts.Dir, err)
	}

	return &Store{
		db:       db,
		limit:    limit,
		recWatch: make(map[string][]chan struct{}),
		wlWatch:  make(map[string][]chan struct{}),
	}, nil
}

// Close releases the underlying database. Watch channels are closed.
func (s *Store) Close() error {
	s.mu.Lock()
	s.watchClose = true
	for _, chans := range s.recWatch {
		for _, ch := range chans {
			close(ch)
		}
	}
	for _, chans := range s.wlWatch {
		for _, ch := range chans {
			close(ch)
		}
	}
	s.recWatch = make(map[string][]chan struct{})
	s.wlWatch = make(map[string][]chan struct{})
	s.mu.Unlock()

	return s.db.Close()
}

func recKey(clientID string, id int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", recPrefix, clientID, id))
}

func recIdxKey(clientID string, createdAtNanos int64, id int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%020d", recIdxPrefix, clientID, createdAtNanos, id))
}

func wlKey(clientID, symbol string) []byte {
	return []byte(wlPrefix + clientID + ":" + symbol)
}

func prefKey(clientID string) []byte {
	return []byte(prefPrefix + clientID)
}

// UpsertRecommendations writes the batch with replace-by-id semantics and
// then trims the client's retained rows to the configured limit, evicting
// oldest-by-created_at first. Applying the same batch twice leaves the
// store unchanged.
func (s *Store) UpsertRecommendations(ctx context.Context, clientID string, items []models.Recommendation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, rec := range items {
			rec.ClientID = clientID
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal recommendation %d: %w", rec.ID, err)
			}

			key := recKey(clientID, rec.ID)

			// Replacing an existing row may move its created_at; the old
			// index entry has to go or trim ordering would see a ghost.
			if item, err := txn.Get(key); err == nil {
				var prev models.Recommendation
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &prev)
				}); err != nil {
					return fmt.Errorf("read existing recommendation %d: %w", rec.ID, err)
				}
				if !prev.CreatedAt.Equal(rec.CreatedAt) {
					if err := txn.Delete(recIdxKey(clientID, prev.CreatedAt.UnixNano(), prev.ID)); err != nil {
						return fmt.Errorf("delete stale index for %d: %w", rec.ID, err)
					}
				}
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("lookup recommendation %d: %w", rec.ID, err)
			}

			if err := txn.Set(key, data); err != nil {
				return fmt.Errorf("set recommendation %d: %w", rec.ID, err)
			}
			if err := txn.Set(recIdxKey(clientID, rec.CreatedAt.UnixNano(), rec.ID), nil); err != nil {
				return fmt.Errorf("set index for %d: %w", rec.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.TrimRecommendations(ctx, clientID, s.limit); err != nil {
		return err
	}

	s.notify(s.recWatch, clientID)
	return nil
}

// TrimRecommendations deletes all but the newest limit rows (by created_at)
// for the client.
func (s *Store) TrimRecommendations(ctx context.Context, clientID string, limit int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if limit <= 0 {
		limit = s.limit
	}

	prefix := []byte(recIdxPrefix + clientID + ":")

	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		var idxKeys [][]byte
		it := txn.NewIterator(opts)
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			idxKeys = append(idxKeys, it.Item().KeyCopy(nil))
		}
		it.Close()

		excess := len(idxKeys) - limit
		for i := 0; i < excess; i++ {
			idxKey := idxKeys[i] // ascending created_at, oldest first
			id, err := idFromIdxKey(idxKey)
			if err != nil {
				return err
			}
			if err := txn.Delete(idxKey); err != nil {
				return fmt.Errorf("delete index entry: %w", err)
			}
			if err := txn.Delete(recKey(clientID, id)); err != nil {
				return fmt.Errorf("delete trimmed recommendation %d: %w", id, err)
			}
		}
		return nil
	})
}

// idFromIdxKey recovers the recommendation id from the trailing 20 digits
// of an index key.
func idFromIdxKey(key []byte) (int64, error) {
	i := bytes.LastIndexByte(key, ':')
	if i < 0 || i+1 >= len(key) {
		return 0, fmt.Errorf("store: malformed index key %q", key)
	}
	var id int64
	if _, err := fmt.Sscanf(string(key[i+1:]), "%d", &id); err != nil {
		return 0, fmt.Errorf("store: malformed index key %q: %w", key, err)
	}
	return id, nil
}

// Recommendations returns the client's retained rows, newest created_at
// first.
func (s *Store) Recommendations(ctx context.Context, clientID string) ([]models.Recommendation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(recIdxPrefix + clientID + ":")
	var out []models.Recommendation

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration: seek just past the prefix, walk newest-first.
		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			id, err := idFromIdxKey(it.Item().KeyCopy(nil))
			if err != nil {
				return err
			}
			item, err := txn.Get(recKey(clientID, id))
			if err != nil {
				return fmt.Errorf("load recommendation %d: %w", id, err)
			}
			var rec models.Recommendation
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("unmarshal recommendation %d: %w", id, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertWatchlistItem writes the item keyed by (client, symbol), replacing
// any previous row.
func (s *Store) UpsertWatchlistItem(ctx context.Context, item models.WatchlistItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal watchlist item: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(wlKey(item.ClientID, item.Symbol), data)
	})
	if err != nil {
		return fmt.Errorf("set watchlist item %s: %w", item.Symbol, err)
	}

	s.notify(s.wlWatch, item.ClientID)
	return nil
}

// DeleteWatchlistItem removes the row; deleting an absent row is a no-op.
func (s *Store) DeleteWatchlistItem(ctx context.Context, clientID, symbol string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(wlKey(clientID, symbol))
	})
	if err != nil {
		return fmt.Errorf("delete watchlist item %s: %w", symbol, err)
	}

	s.notify(s.wlWatch, clientID)
	return nil
}

// Watchlist returns the client's items ordered by (group, sort_index,
// symbol).
func (s *Store) Watchlist(ctx context.Context, clientID string) ([]models.WatchlistItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(wlPrefix + clientID + ":")
	var out []models.WatchlistItem

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			var item models.WatchlistItem
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &item)
			}); err != nil {
				return fmt.Errorf("unmarshal watchlist item: %w", err)
			}
			out = append(out, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		if out[i].SortIndex != out[j].SortIndex {
			return out[i].SortIndex < out[j].SortIndex
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out, nil
}

// UpsertPreferences persists the client's preferences.
func (s *Store) UpsertPreferences(ctx context.Context, clientID string, prefs models.Preferences) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(prefKey(clientID), data)
	})
	if err != nil {
		return fmt.Errorf("set preferences: %w", err)
	}
	return nil
}

// Preferences loads the client's preferences; ErrNotFound when never saved.
func (s *Store) Preferences(ctx context.Context, clientID string) (models.Preferences, error) {
	var prefs models.Preferences
	if err := ctx.Err(); err != nil {
		return prefs, err
	}

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(prefKey(clientID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get preferences: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &prefs)
		})
	})
	return prefs, err
}

// ClientID returns the persisted installation identity; ErrNotFound on
// first run.
func (s *Store) ClientID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var id string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaClientID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get client id: %w", err)
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	return id, err
}

// SetClientID persists the installation identity.
func (s *Store) SetClientID(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(metaClientID), []byte(id))
	})
	if err != nil {
		return fmt.Errorf("set client id: %w", err)
	}
	return nil
}

// WatchRecommendations returns a channel that receives a coalesced tick
// whenever the client's recommendations change, plus a cancel func.
func (s *Store) WatchRecommendations(clientID string) (<-chan struct{}, func()) {
	return s.watch(s.recWatch, clientID)
}

// WatchWatchlist is the watchlist counterpart of WatchRecommendations.
func (s *Store) WatchWatchlist(clientID string) (<-chan struct{}, func()) {
	return s.watch(s.wlWatch, clientID)
}

func (s *Store) watch(m map[string][]chan struct{}, clientID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	if s.watchClose {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	m[clientID] = append(m[clientID], ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.watchClose {
			return
		}
		chans := m[clientID]
		for i, c := range chans {
			if c == ch {
				m[clientID] = append(chans[:i], chans[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// notify delivers a non-blocking tick to every watcher of the client. A
// watcher with an undrained tick keeps the one it has.
func (s *Store) notify(m map[string][]chan struct{}, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchClose {
		return
	}
	for _, ch := range m[clientID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// RecommendationCount reports the retained row count for the client. Used
// by metrics and tests.
func (s *Store) RecommendationCount(ctx context.Context, clientID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	prefix := []byte(recPrefix + clientID + ":")
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
