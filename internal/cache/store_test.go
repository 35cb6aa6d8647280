package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/lensdesk/internal/events"
	"github.com/kalambet/lensdesk/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

// countingFetcher returns fixed products and counts invocations.
type countingFetcher struct {
	calls    atomic.Int32
	products []model.Product
	err      error
}

func (f *countingFetcher) fetch(ctx context.Context) ([]model.Entity, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return Entities(f.products), nil
}

func newTestStore(t *testing.T, clock *fakeClock, f *countingFetcher) *Store {
	t.Helper()
	return New(Options{
		Clock:    clock,
		Fetchers: map[model.Kind]Fetcher{model.KindProducts: f.fetch},
	})
}

func TestGetDataServesFreshEntryFromMemory(t *testing.T) {
	clock := newClock()
	f := &countingFetcher{products: []model.Product{{ID: "p1", Name: "LenteX", Stock: 10}}}
	s := newTestStore(t, clock, f)

	first := s.GetData(context.Background(), model.KindProducts)
	clock.Advance(5 * time.Minute)
	second := s.GetData(context.Background(), model.KindProducts)

	if got := f.calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("len(first) = %d, len(second) = %d", len(first), len(second))
	}
	st := s.Stats()
	if st.Hits != 1 || st.Misses != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestGetDataRefetchesAfterMaxAge(t *testing.T) {
	clock := newClock()
	f := &countingFetcher{products: []model.Product{{ID: "p1"}}}
	s := newTestStore(t, clock, f)

	s.GetData(context.Background(), model.KindProducts)
	clock.Advance(11 * time.Minute)
	s.GetData(context.Background(), model.KindProducts)

	if got := f.calls.Load(); got != 2 {
		t.Errorf("fetch calls = %d, want 2", got)
	}
}

func TestGetDataServesStaleEntryOnFetchFailure(t *testing.T) {
	clock := newClock()
	f := &countingFetcher{products: []model.Product{{ID: "p1"}, {ID: "p2"}}}
	s := newTestStore(t, clock, f)

	s.GetData(context.Background(), model.KindProducts)
	clock.Advance(11 * time.Minute)
	f.err = errors.New("backend down")

	got := s.GetData(context.Background(), model.KindProducts)
	if len(got) != 2 {
		t.Fatalf("stale fallback returned %d records, want 2", len(got))
	}
	if f.calls.Load() != 2 {
		t.Errorf("fetch calls = %d, want 2", f.calls.Load())
	}
	if st := s.Stats(); st.FetchFailures != 1 {
		t.Errorf("FetchFailures = %d, want 1", st.FetchFailures)
	}
}

func TestGetDataWithoutEntryReturnsEmptyOnFailure(t *testing.T) {
	f := &countingFetcher{err: errors.New("backend down")}
	s := newTestStore(t, newClock(), f)

	got := s.GetData(context.Background(), model.KindProducts)
	if got == nil || len(got) != 0 {
		t.Errorf("GetData = %#v, want empty non-nil slice", got)
	}

	if got := s.GetData(context.Background(), model.KindSales); len(got) != 0 {
		t.Errorf("kind without fetcher returned %d records", len(got))
	}
}

func TestGetDataCoalescesConcurrentMisses(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	s := New(Options{
		Fetchers: map[model.Kind]Fetcher{
			model.KindProducts: func(ctx context.Context) ([]model.Entity, error) {
				calls.Add(1)
				<-release
				return []model.Entity{model.Product{ID: "p1"}}, nil
			},
		},
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := s.GetData(context.Background(), model.KindProducts); len(got) != 1 {
				t.Errorf("len = %d, want 1", len(got))
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
}

func TestGetTyped(t *testing.T) {
	f := &countingFetcher{products: []model.Product{{ID: "p1", Name: "LenteX"}}}
	s := newTestStore(t, newClock(), f)

	products := Get[model.Product](context.Background(), s, model.KindProducts)
	if len(products) != 1 || products[0].Name != "LenteX" {
		t.Errorf("products = %+v", products)
	}
}

func TestUpdateCacheCreatedIsIdempotent(t *testing.T) {
	s := New(Options{Clock: newClock()})
	p := model.Product{ID: "p1", Name: "LenteX"}

	for i := 0; i < 2; i++ {
		if err := s.UpdateCache(model.KindProducts, model.Created, p); err != nil {
			t.Fatalf("UpdateCache: %v", err)
		}
	}
	if n := len(s.entries[model.KindProducts].records); n != 1 {
		t.Errorf("records = %d, want 1", n)
	}
}

func TestUpdateCacheUpdatedUpserts(t *testing.T) {
	clock := newClock()
	s := New(Options{Clock: clock})

	if err := s.UpdateCache(model.KindProducts, model.Updated, model.Product{ID: "p1", Name: "old", Stock: 1}); err != nil {
		t.Fatalf("UpdateCache: %v", err)
	}
	inserted := s.entries[model.KindProducts].records[0].cachedAt

	clock.Advance(time.Minute)
	if err := s.UpdateCache(model.KindProducts, model.Updated, model.Product{ID: "p1", Name: "new", Stock: 7}); err != nil {
		t.Fatalf("UpdateCache: %v", err)
	}

	e := s.entries[model.KindProducts]
	if len(e.records) != 1 {
		t.Fatalf("records = %d, want 1", len(e.records))
	}
	rec := e.records[0]
	p := rec.entity.(model.Product)
	if p.Name != "new" || p.Stock != 7 {
		t.Errorf("record = %+v", p)
	}
	if !rec.cachedAt.Equal(inserted) {
		t.Errorf("cachedAt = %v, want %v", rec.cachedAt, inserted)
	}
	if !rec.modifiedAt.Equal(clock.Now()) {
		t.Errorf("modifiedAt = %v, want %v", rec.modifiedAt, clock.Now())
	}
}

func TestUpdateCacheDeletedAndReplaced(t *testing.T) {
	s := New(Options{Clock: newClock()})
	list := Entities([]model.Product{{ID: "p1"}, {ID: "p2"}, {ID: "p2"}})

	if err := s.UpdateCache(model.KindProducts, model.Replaced, list); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if n := len(s.entries[model.KindProducts].records); n != 2 {
		t.Fatalf("records after replace = %d, want 2 (duplicates dropped)", n)
	}

	if err := s.UpdateCache(model.KindProducts, model.Deleted, "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := s.Lookup(model.KindProducts, "p1"); ok {
		t.Error("p1 still cached after delete")
	}
	if _, ok := s.Lookup(model.KindProducts, "p2"); !ok {
		t.Error("p2 missing after delete of p1")
	}

	if err := s.UpdateCache(model.KindProducts, model.Replaced, model.Product{ID: "p9"}); err != nil {
		t.Fatalf("replace single: %v", err)
	}
	if n := len(s.entries[model.KindProducts].records); n != 1 {
		t.Errorf("records after single replace = %d, want 1", n)
	}
}

func TestUpdateCacheRejectsBadInput(t *testing.T) {
	s := New(Options{})
	tests := []struct {
		name   string
		kind   model.Kind
		action model.Action
		data   any
		want   error
	}{
		{"unknown kind", "lenses", model.Created, model.Product{ID: "p1"}, ErrInvalidArgument},
		{"create without id", model.KindProducts, model.Created, model.Product{}, ErrInvalidArgument},
		{"create with string", model.KindProducts, model.Created, "p1", ErrInvalidArgument},
		{"delete with record", model.KindProducts, model.Deleted, model.Product{ID: "p1"}, ErrInvalidArgument},
		{"replace with string", model.KindProducts, model.Replaced, "p1", ErrInvalidArgument},
		{"unknown action", model.KindProducts, model.Action(42), model.Product{ID: "p1"}, model.ErrUnknownAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.UpdateCache(tt.kind, tt.action, tt.data); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestUpdateCacheBumpsRefreshAndEmits(t *testing.T) {
	clock := newClock()
	bus := events.New(events.Options{})
	s := New(Options{Clock: clock, Bus: bus})

	var changes []events.CacheChange
	events.Subscribe(bus, events.CacheUpdated, func(c events.CacheChange) error {
		changes = append(changes, c)
		return nil
	})

	s.UpdateCache(model.KindProducts, model.Created, model.Product{ID: "p1"})
	clock.Advance(time.Minute)
	s.UpdateCache(model.KindProducts, model.Created, model.Product{ID: "p1"})

	if got := s.entries[model.KindProducts].refreshedAt; !got.Equal(clock.Now()) {
		t.Errorf("refreshedAt = %v, want %v", got, clock.Now())
	}
	if len(changes) != 2 || changes[0].Kind != model.KindProducts || changes[0].Action != "created" || changes[1].Count != 1 {
		t.Errorf("changes = %+v", changes)
	}
}

func TestPatchMergesCachedRecord(t *testing.T) {
	s := New(Options{})
	s.UpdateCache(model.KindProducts, model.Created, model.Product{ID: "p1", Name: "LenteX", Stock: 10})

	surtido := 4
	upd := model.StockUpdate{ProductID: "p1", Stock: 3, StockSurtido: &surtido}
	got, ok := s.Patch(model.KindProducts, "p1", func(e model.Entity) model.Entity {
		return upd.Apply(e.(model.Product))
	})
	if !ok {
		t.Fatal("Patch reported missing record")
	}
	p := got.(model.Product)
	if p.Name != "LenteX" || p.Stock != 3 || p.StockSurtido != 4 {
		t.Errorf("patched = %+v", p)
	}
	if _, ok := s.Patch(model.KindProducts, "nope", func(e model.Entity) model.Entity { return e }); ok {
		t.Error("Patch of uncached id should report false")
	}
}

func TestRefreshDataNotifiesReplaced(t *testing.T) {
	f := &countingFetcher{products: []model.Product{{ID: "p1"}, {ID: "p2"}}}
	s := newTestStore(t, newClock(), f)
	s.GetData(context.Background(), model.KindProducts)

	var got []Notification
	s.Subscribe("products-view", model.KindProducts, func(n Notification) error {
		got = append(got, n)
		return nil
	})

	fresh, err := s.RefreshData(context.Background(), model.KindProducts)
	if err != nil {
		t.Fatalf("RefreshData: %v", err)
	}
	if len(fresh) != 2 || f.calls.Load() != 2 {
		t.Errorf("fresh = %d, calls = %d", len(fresh), f.calls.Load())
	}
	if len(got) != 1 || got[0].Action != model.Replaced {
		t.Fatalf("notifications = %+v", got)
	}
	if data, ok := got[0].Data.([]model.Entity); !ok || len(data) != 2 {
		t.Errorf("notification data = %#v", got[0].Data)
	}
}

func TestRefreshDataFailureNotifiesEmpty(t *testing.T) {
	f := &countingFetcher{products: []model.Product{{ID: "p1"}}}
	s := newTestStore(t, newClock(), f)
	s.GetData(context.Background(), model.KindProducts)

	var got []Notification
	s.Subscribe("products-view", model.KindProducts, func(n Notification) error {
		got = append(got, n)
		return nil
	})

	f.err = errors.New("down")
	fresh, err := s.RefreshData(context.Background(), model.KindProducts)
	if err == nil {
		t.Fatal("expected fetch error")
	}
	if fresh == nil || len(fresh) != 0 {
		t.Errorf("fresh = %#v, want empty", fresh)
	}
	if len(got) != 1 || got[0].Action != model.Replaced {
		t.Fatalf("notifications = %+v", got)
	}
	if data, ok := got[0].Data.([]model.Entity); !ok || len(data) != 0 {
		t.Errorf("notification data = %#v, want empty list", got[0].Data)
	}
	if _, ok := s.Lookup(model.KindProducts, "p1"); ok {
		t.Error("p1 still cached after failed refresh")
	}
}

func TestRefreshAllDataCollectsPerKindOutcome(t *testing.T) {
	f := &countingFetcher{products: []model.Product{{ID: "p1"}}}
	s := New(Options{Fetchers: map[model.Kind]Fetcher{
		model.KindProducts: f.fetch,
		model.KindSales: func(ctx context.Context) ([]model.Entity, error) {
			return nil, errors.New("sales down")
		},
		model.KindTransactions: func(ctx context.Context) ([]model.Entity, error) {
			return nil, nil
		},
	}})

	res := s.RefreshAllData(context.Background())
	if len(res) != len(model.Kinds()) {
		t.Fatalf("results = %d, want %d", len(res), len(model.Kinds()))
	}
	if res[model.KindProducts] != nil || res[model.KindTransactions] != nil {
		t.Errorf("unexpected failures: %v", res)
	}
	if res[model.KindSales] == nil {
		t.Error("sales refresh should fail")
	}
	if !errors.Is(res[model.KindUsers], ErrNoFetcher) {
		t.Errorf("users error = %v, want ErrNoFetcher", res[model.KindUsers])
	}
}

func TestInvalidateAndClear(t *testing.T) {
	bus := events.New(events.Options{})
	s := New(Options{Bus: bus})
	var cleared int
	events.Subscribe(bus, events.CacheCleared, func(c events.CacheChange) error { cleared = c.Count; return nil })

	s.UpdateCache(model.KindProducts, model.Created, model.Product{ID: "p1"})
	s.UpdateCache(model.KindUsers, model.Created, model.User{ID: "u1"})

	if !s.InvalidateCache(model.KindProducts) {
		t.Error("InvalidateCache returned false")
	}
	if s.InvalidateCache(model.KindProducts) {
		t.Error("second InvalidateCache returned true")
	}
	if n := s.ClearAllCache(); n != 1 {
		t.Errorf("ClearAllCache = %d, want 1", n)
	}
	if cleared != 1 {
		t.Errorf("cleared event count = %d", cleared)
	}
}

func TestHealthReportsStaleKinds(t *testing.T) {
	clock := newClock()
	s := New(Options{Clock: clock, MaxAge: time.Minute})
	s.UpdateCache(model.KindProducts, model.Created, model.Product{ID: "p1"})

	if h := s.Health(); !h.Healthy {
		t.Fatalf("fresh cache unhealthy: %+v", h)
	}
	clock.Advance(2 * time.Minute)
	h := s.Health()
	if h.Healthy || len(h.StaleKinds) != 1 || h.StaleKinds[0] != model.KindProducts {
		t.Errorf("health = %+v", h)
	}
}

func TestHealthFlagsMemoryLimit(t *testing.T) {
	s := New(Options{MemoryLimit: 10})
	s.UpdateCache(model.KindProducts, model.Created, model.Product{ID: "p1", Name: "a rather long lens name"})
	h := s.Health()
	if h.Healthy || h.MemoryBytes <= 10 {
		t.Errorf("health = %+v", h)
	}
}

func TestRecordsLeaveTheStoreAsCopies(t *testing.T) {
	s := newTestStore(t, newClock(), &countingFetcher{})
	sale := model.Sale{ID: "s1", Items: []model.SaleItem{{ProductID: "p1", Quantity: 1}}}
	if err := s.UpdateCache(model.KindSales, model.Created, sale); err != nil {
		t.Fatalf("UpdateCache: %v", err)
	}
	sale.Items[0].Quantity = 2

	s.Subscribe("sales-view", model.KindSales, func(n Notification) error {
		if got, ok := n.Data.(model.Sale); ok {
			got.Items[0].Quantity = 7
		}
		return nil
	})
	cached, _ := s.Lookup(model.KindSales, "s1")
	s.NotifySubscribers(model.KindSales, model.Updated, cached)
	cached.(model.Sale).Items[0].Quantity = 5

	again, ok := s.Lookup(model.KindSales, "s1")
	if !ok {
		t.Fatal("s1 not cached")
	}
	if q := again.(model.Sale).Items[0].Quantity; q != 1 {
		t.Errorf("cached quantity = %d, want 1", q)
	}
}
