// Package cache holds the in-memory, per-kind cache of backend records and the
// registry of view subscriptions that are notified when a kind changes.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/lensdesk/internal/events"
	"github.com/kalambet/lensdesk/internal/model"
)

var (
	// ErrInvalidArgument is returned for malformed subscriptions or cache updates.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNoFetcher is reported when a kind has no registered Fetcher.
	ErrNoFetcher = errors.New("no fetcher registered")
)

// Fetcher loads every record of one kind from the backend.
type Fetcher func(ctx context.Context) ([]model.Entity, error)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Recorder receives cache metrics. Implemented by metrics.Metrics.
type Recorder interface {
	CacheHit(kind model.Kind)
	CacheMiss(kind model.Kind)
	FetchFailed(kind model.Kind)
	SubscriberTripped(kind model.Kind)
}

type nopRecorder struct{}

func (nopRecorder) CacheHit(model.Kind)          {}
func (nopRecorder) CacheMiss(model.Kind)         {}
func (nopRecorder) FetchFailed(model.Kind)       {}
func (nopRecorder) SubscriberTripped(model.Kind) {}

// Options configures a Store. Zero values select the defaults.
type Options struct {
	MaxAge           time.Duration // default 10 minutes
	MemoryLimit      int64         // advisory, default 50 MiB
	BreakerThreshold int           // consecutive callback failures, default 5
	Fetchers         map[model.Kind]Fetcher
	Bus              *events.Bus // receives cache:* diagnostic events when set
	Logger           *slog.Logger
	Clock            Clock
	Recorder         Recorder
}

type record struct {
	entity     model.Entity
	cachedAt   time.Time
	modifiedAt time.Time
}

type entry struct {
	records     []record
	refreshedAt time.Time
}

func (e *entry) index(id string) int {
	for i, r := range e.records {
		if r.entity.EntityID() == id {
			return i
		}
	}
	return -1
}

func (e *entry) entities() []model.Entity {
	out := make([]model.Entity, len(e.records))
	for i, r := range e.records {
		out[i] = model.Clone(r.entity)
	}
	return out
}

// Store is the single in-memory cache per entity kind. It is safe for
// concurrent use.
type Store struct {
	maxAge      time.Duration
	memoryLimit int64
	threshold   int
	fetchers    map[model.Kind]Fetcher
	bus         *events.Bus
	logger      *slog.Logger
	clock       Clock
	recorder    Recorder

	mu      sync.RWMutex
	entries map[model.Kind]*entry
	group   singleflight.Group

	subMu   sync.RWMutex
	subs    map[string][]*subscription
	tripped map[string]*subscription

	hits          atomic.Int64
	misses        atomic.Int64
	fetchFailures atomic.Int64
	syncOps       atomic.Int64
	errorCount    atomic.Int64
}

// New creates a Store.
func New(opts Options) *Store {
	if opts.MaxAge <= 0 {
		opts.MaxAge = 10 * time.Minute
	}
	if opts.MemoryLimit <= 0 {
		opts.MemoryLimit = 50 << 20
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	fetchers := make(map[model.Kind]Fetcher, len(opts.Fetchers))
	for k, f := range opts.Fetchers {
		fetchers[k] = f
	}
	return &Store{
		maxAge:      opts.MaxAge,
		memoryLimit: opts.MemoryLimit,
		threshold:   opts.BreakerThreshold,
		fetchers:    fetchers,
		bus:         opts.Bus,
		logger:      opts.Logger,
		clock:       opts.Clock,
		recorder:    opts.Recorder,
		entries:     make(map[model.Kind]*entry),
		subs:        make(map[string][]*subscription),
		tripped:     make(map[string]*subscription),
	}
}

// SetFetcher registers or replaces the Fetcher for kind.
func (s *Store) SetFetcher(kind model.Kind, f Fetcher) {
	s.mu.Lock()
	s.fetchers[kind] = f
	s.mu.Unlock()
}

func (s *Store) fresh(e *entry) bool {
	return e != nil && s.clock.Now().Sub(e.refreshedAt) <= s.maxAge
}

// GetData returns the records of kind. A fresh entry is served from memory;
// otherwise the kind is fetched and the entry replaced. When the fetch fails
// a stale entry is returned if one exists, else an empty slice. GetData never
// returns nil.
func (s *Store) GetData(ctx context.Context, kind model.Kind) []model.Entity {
	s.mu.RLock()
	e := s.entries[kind]
	if s.fresh(e) {
		out := e.entities()
		s.mu.RUnlock()
		s.hits.Add(1)
		s.recorder.CacheHit(kind)
		return out
	}
	s.mu.RUnlock()

	s.misses.Add(1)
	s.recorder.CacheMiss(kind)

	fresh, err := s.load(ctx, kind)
	if err == nil {
		return fresh
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if e := s.entries[kind]; e != nil {
		s.logger.Warn("serving stale cache entry", "kind", kind, "records", len(e.records), "error", err)
		return e.entities()
	}
	s.logger.Warn("fetch failed with no cached entry", "kind", kind, "error", err)
	return []model.Entity{}
}

// load fetches kind through the singleflight group and replaces the entry as
// a whole on success.
func (s *Store) load(ctx context.Context, kind model.Kind) ([]model.Entity, error) {
	v, err, _ := s.group.Do(string(kind), func() (any, error) {
		s.mu.RLock()
		fetch := s.fetchers[kind]
		s.mu.RUnlock()
		if fetch == nil {
			return nil, fmt.Errorf("%w for %s", ErrNoFetcher, kind)
		}

		s.syncOps.Add(1)
		list, err := fetch(ctx)
		if err != nil {
			s.fetchFailures.Add(1)
			s.errorCount.Add(1)
			s.recorder.FetchFailed(kind)
			return nil, fmt.Errorf("fetching %s: %w", kind, err)
		}

		now := s.clock.Now()
		e := &entry{refreshedAt: now, records: make([]record, 0, len(list))}
		seen := make(map[string]bool, len(list))
		for _, ent := range list {
			if ent == nil || seen[ent.EntityID()] {
				continue
			}
			seen[ent.EntityID()] = true
			e.records = append(e.records, record{entity: ent, cachedAt: now})
		}

		s.mu.Lock()
		s.entries[kind] = e
		out := e.entities()
		s.mu.Unlock()
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	// Each caller gets its own slice header over the shared result.
	shared := v.([]model.Entity)
	out := make([]model.Entity, len(shared))
	copy(out, shared)
	return out, nil
}

// Get is GetData filtered to records of type T.
func Get[T model.Entity](ctx context.Context, s *Store, kind model.Kind) []T {
	list := s.GetData(ctx, kind)
	out := make([]T, 0, len(list))
	for _, e := range list {
		if v, ok := e.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// Lookup returns a cached record without fetching.
func (s *Store) Lookup(kind model.Kind, id string) (model.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.entries[kind]
	if e == nil {
		return nil, false
	}
	i := e.index(id)
	if i < 0 {
		return nil, false
	}
	return model.Clone(e.records[i].entity), true
}

// Entities converts a typed slice for use with UpdateCache(Replaced).
func Entities[T model.Entity](list []T) []model.Entity {
	out := make([]model.Entity, len(list))
	for i, v := range list {
		out[i] = v
	}
	return out
}

// UpdateCache mutates the entry of kind:
//
//	Created   insert data unless its id is already cached
//	Updated   replace the record with data's id, keeping cachedAt; insert if absent
//	Deleted   remove the record whose id equals data (a string)
//	Replaced  replace the entry with data ([]model.Entity or a single model.Entity)
//
// The entry's refresh time is bumped and cache:updated is emitted.
func (s *Store) UpdateCache(kind model.Kind, action model.Action, data any) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidArgument, kind)
	}

	now := s.clock.Now()
	s.mu.Lock()
	e := s.entries[kind]
	if e == nil {
		e = &entry{}
	}

	switch action {
	case model.Created, model.Updated:
		ent, err := entityArg(data)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		i := e.index(ent.EntityID())
		switch {
		case i < 0:
			e.records = append(e.records, record{entity: model.Clone(ent), cachedAt: now})
		case action == model.Updated:
			e.records[i].entity = model.Clone(ent)
			e.records[i].modifiedAt = now
		}
	case model.Deleted:
		id, ok := data.(string)
		if !ok || id == "" {
			s.mu.Unlock()
			return fmt.Errorf("%w: delete expects a record id, got %T", ErrInvalidArgument, data)
		}
		if i := e.index(id); i >= 0 {
			e.records = append(e.records[:i:i], e.records[i+1:]...)
		}
	case model.Replaced:
		var list []model.Entity
		switch v := data.(type) {
		case []model.Entity:
			list = v
		case model.Entity:
			list = []model.Entity{v}
		default:
			s.mu.Unlock()
			return fmt.Errorf("%w: replace expects records, got %T", ErrInvalidArgument, data)
		}
		records := make([]record, 0, len(list))
		seen := make(map[string]bool, len(list))
		for _, ent := range list {
			if ent == nil || seen[ent.EntityID()] {
				continue
			}
			seen[ent.EntityID()] = true
			records = append(records, record{entity: model.Clone(ent), cachedAt: now})
		}
		e.records = records
	default:
		s.mu.Unlock()
		s.logger.Warn("ignoring cache update", "kind", kind, "action", action)
		return fmt.Errorf("%w: %v", model.ErrUnknownAction, action)
	}

	e.refreshedAt = now
	s.entries[kind] = e
	count := len(e.records)
	s.mu.Unlock()

	s.syncOps.Add(1)
	s.publish(events.CacheUpdated, events.CacheChange{Kind: kind, Action: action.String(), Count: count})
	return nil
}

// Patch applies fn to the cached record id of kind under the store lock.
// It reports false when the record is not cached.
func (s *Store) Patch(kind model.Kind, id string, fn func(model.Entity) model.Entity) (model.Entity, bool) {
	now := s.clock.Now()
	s.mu.Lock()
	e := s.entries[kind]
	if e == nil {
		s.mu.Unlock()
		return nil, false
	}
	i := e.index(id)
	if i < 0 {
		s.mu.Unlock()
		return nil, false
	}
	next := fn(model.Clone(e.records[i].entity))
	if next == nil || next.EntityID() != id {
		s.mu.Unlock()
		return nil, false
	}
	e.records[i].entity = next
	e.records[i].modifiedAt = now
	e.refreshedAt = now
	count := len(e.records)
	s.mu.Unlock()

	s.syncOps.Add(1)
	s.publish(events.CacheUpdated, events.CacheChange{Kind: kind, Action: model.Updated.String(), Count: count})
	return model.Clone(next), true
}

func entityArg(data any) (model.Entity, error) {
	ent, ok := data.(model.Entity)
	if !ok || ent == nil {
		return nil, fmt.Errorf("%w: expected a record, got %T", ErrInvalidArgument, data)
	}
	if ent.EntityID() == "" {
		return nil, fmt.Errorf("%w: record without id", ErrInvalidArgument)
	}
	return ent, nil
}

// RefreshData drops the entry of kind, fetches it again and notifies every
// subscriber of kind with a Replaced notification carrying the fresh records.
// Subscribers are notified even when the fetch fails: the entry is gone, so
// they receive an empty list and stay consistent with the store.
func (s *Store) RefreshData(ctx context.Context, kind model.Kind) ([]model.Entity, error) {
	s.InvalidateCache(kind)
	fresh, err := s.load(ctx, kind)
	if err != nil || fresh == nil {
		fresh = []model.Entity{}
	}
	s.Notify(Notification{Action: model.Replaced, Data: fresh, Kind: kind, Source: SourceRefresh})
	return fresh, err
}

// RefreshAllData refreshes every known kind in order. A failing kind does not
// stop the others; the outcome of each kind is returned.
func (s *Store) RefreshAllData(ctx context.Context) map[model.Kind]error {
	out := make(map[model.Kind]error, len(model.Kinds()))
	for _, kind := range model.Kinds() {
		_, err := s.RefreshData(ctx, kind)
		if err != nil {
			s.logger.Warn("refresh failed", "kind", kind, "error", err)
		}
		out[kind] = err
	}
	return out
}

// InvalidateCache evicts the entry of kind. It reports whether one existed.
func (s *Store) InvalidateCache(kind model.Kind) bool {
	s.mu.Lock()
	e, ok := s.entries[kind]
	delete(s.entries, kind)
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.publish(events.CacheInvalidated, events.CacheChange{Kind: kind, Action: "invalidated", Count: len(e.records)})
	return true
}

// ClearAllCache evicts every entry and returns how many were dropped.
func (s *Store) ClearAllCache() int {
	s.mu.Lock()
	n := len(s.entries)
	s.entries = make(map[model.Kind]*entry)
	s.mu.Unlock()
	s.publish(events.CacheCleared, events.CacheChange{Action: "cleared", Count: n})
	return n
}

func (s *Store) publish(t events.Topic[events.CacheChange], c events.CacheChange) {
	if s.bus == nil {
		return
	}
	events.Publish(s.bus, t, c)
}
