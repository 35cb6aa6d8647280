package syncer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/lensdesk/internal/api"
	"github.com/kalambet/lensdesk/internal/apiclient"
	"github.com/kalambet/lensdesk/internal/cache"
	"github.com/kalambet/lensdesk/internal/events"
	"github.com/kalambet/lensdesk/internal/model"
	"github.com/kalambet/lensdesk/internal/offline"
	"github.com/kalambet/lensdesk/internal/storage"
)

type fixture struct {
	bus   *events.Bus
	cache *cache.Store
	queue *offline.Queue
	coord *Coordinator
}

func newFixture(t *testing.T, fetchers map[model.Kind]cache.Fetcher) *fixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := events.New(events.Options{})
	c := cache.New(cache.Options{Bus: bus, Fetchers: fetchers})
	q := offline.New(store, offline.Options{
		Sleep: func(ctx context.Context, d time.Duration) error { return ctx.Err() },
	})
	return &fixture{
		bus:   bus,
		cache: c,
		queue: q,
		coord: New(Options{Cache: c, Bus: bus, Queue: q}),
	}
}

// recorder collects everything a test wants to assert on, in order.
type recorder struct {
	mu  sync.Mutex
	log []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.log = append(r.log, s)
	r.mu.Unlock()
}

func (r *recorder) entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSubscribeValidation(t *testing.T) {
	f := newFixture(t, nil)
	if _, _, err := f.coord.Subscribe("", func(string, any) {}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty view: %v", err)
	}
	if _, _, err := f.coord.Subscribe("products", nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("nil listener: %v", err)
	}

	calls := 0
	_, unsubscribe, err := f.coord.Subscribe("products", func(string, any) { calls++ })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	f.coord.BroadcastProductUpdate(model.Product{ID: "p1"})
	if !unsubscribe() {
		t.Error("unsubscribe reported false")
	}
	f.coord.BroadcastProductUpdate(model.Product{ID: "p1"})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestBroadcastProductUpdate(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.coord.BroadcastProductUpdate(model.Product{Name: "no id"}); !errors.Is(err, ErrMissingID) {
		t.Fatalf("missing id: %v", err)
	}

	var got []cache.Notification
	f.cache.Subscribe("products-view", model.KindProducts, func(n cache.Notification) error {
		got = append(got, n)
		return nil
	})
	var generic []string
	f.coord.Subscribe("sales-view", func(ev string, data any) { generic = append(generic, ev) })
	var confirmed []events.SyncConfirmation
	events.Subscribe(f.bus, events.ProductSynced, func(c events.SyncConfirmation) error {
		confirmed = append(confirmed, c)
		return nil
	})

	p := model.Product{ID: "p1", Name: "Lente", Stock: 3}
	if err := f.coord.BroadcastProductUpdate(p); err != nil {
		t.Fatalf("BroadcastProductUpdate: %v", err)
	}

	if cached, ok := f.cache.Lookup(model.KindProducts, "p1"); !ok || cached.(model.Product).Name != "Lente" {
		t.Errorf("cached = %v, %v", cached, ok)
	}
	if len(got) != 1 || got[0].Action != model.Updated || got[0].Source != cache.SourceLocal {
		t.Errorf("notifications = %+v", got)
	}
	if !equal(generic, []string{EventProductUpdated}) {
		t.Errorf("generic = %v", generic)
	}
	if len(confirmed) != 1 || confirmed[0].ID != "p1" || confirmed[0].Source != cache.SourceLocal {
		t.Errorf("confirmations = %+v", confirmed)
	}
}

func TestBroadcastStockUpdateMergesCachedProduct(t *testing.T) {
	f := newFixture(t, nil)
	f.cache.UpdateCache(model.KindProducts, model.Created, model.Product{ID: "p1", Name: "Lente", Stock: 3, StockSurtido: 2})

	var got []model.Product
	f.cache.Subscribe("products-view", model.KindProducts, func(n cache.Notification) error {
		got = append(got, n.Data.(model.Product))
		return nil
	})

	if err := f.coord.BroadcastStockUpdate(model.StockUpdate{}); !errors.Is(err, ErrMissingID) {
		t.Fatalf("missing id: %v", err)
	}
	if err := f.coord.BroadcastStockUpdate(model.StockUpdate{ProductID: "p1", Stock: 9}); err != nil {
		t.Fatalf("BroadcastStockUpdate: %v", err)
	}
	if len(got) != 1 || got[0].Stock != 9 || got[0].StockSurtido != 2 || got[0].Name != "Lente" {
		t.Errorf("merged = %+v", got)
	}

	// An uncached product only reaches generic listeners.
	var generic []any
	f.coord.Subscribe("dashboard", func(ev string, data any) { generic = append(generic, data) })
	f.coord.BroadcastStockUpdate(model.StockUpdate{ProductID: "p404", Stock: 1})
	if len(got) != 1 {
		t.Errorf("subscriber saw uncached product: %+v", got)
	}
	if len(generic) != 1 {
		t.Errorf("generic = %v", generic)
	}
}

func TestHandleExternalUpdateShowsNotice(t *testing.T) {
	f := newFixture(t, nil)
	var sources []string
	f.cache.Subscribe("products-view", model.KindProducts, func(n cache.Notification) error {
		sources = append(sources, n.Source)
		return nil
	})
	var notices []events.Notice
	events.Subscribe(f.bus, events.NoticeShown, func(n events.Notice) error {
		notices = append(notices, n)
		return nil
	})

	if err := f.coord.HandleExternalUpdate(model.Product{ID: "p1", Name: "Armazon"}); err != nil {
		t.Fatalf("HandleExternalUpdate: %v", err)
	}
	if err := f.coord.HandleExternalStockUpdate(model.StockUpdate{ProductID: "p1", Stock: 4}); err != nil {
		t.Fatalf("HandleExternalStockUpdate: %v", err)
	}
	if err := f.coord.HandleExternalUpdate(model.Product{}); !errors.Is(err, ErrMissingID) {
		t.Errorf("missing id: %v", err)
	}

	if !equal(sources, []string{cache.SourceExternal, cache.SourceExternal}) {
		t.Errorf("sources = %v", sources)
	}
	if len(notices) != 2 || notices[0].Level != "info" {
		t.Errorf("notices = %+v", notices)
	}
}

func TestForceGlobalSync(t *testing.T) {
	f := newFixture(t, map[model.Kind]cache.Fetcher{
		model.KindProducts: func(context.Context) ([]model.Entity, error) {
			return []model.Entity{model.Product{ID: "p1"}}, nil
		},
		model.KindSales: func(context.Context) ([]model.Entity, error) {
			return nil, errors.New("backend down")
		},
		model.KindTransactions: func(context.Context) ([]model.Entity, error) { return nil, nil },
		model.KindUsers:        func(context.Context) ([]model.Entity, error) { return nil, nil },
	})

	var report events.ForceRefresh
	f.coord.Subscribe("products-view", func(ev string, data any) {
		if ev == EventForceRefresh {
			report = data.(events.ForceRefresh)
		}
	})

	outcome := f.coord.ForceGlobalSync(context.Background())
	if outcome[model.KindProducts] != nil || outcome[model.KindSales] == nil {
		t.Errorf("outcome = %v", outcome)
	}
	if _, ok := f.cache.Lookup(model.KindProducts, "p1"); !ok {
		t.Error("products not refreshed")
	}
	if len(report.Failed) != 1 || report.Failed[model.KindSales] == "" {
		t.Errorf("report = %+v", report)
	}
}

func TestAttachRoutesBusTopics(t *testing.T) {
	f := newFixture(t, nil)
	regs, err := f.coord.Attach(f.bus)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if len(regs) != 4 {
		t.Fatalf("registrations = %d, want 4", len(regs))
	}

	events.Publish(f.bus, events.ProductUpdated, model.Product{ID: "p1", Stock: 1})
	events.Publish(f.bus, events.ExternalStockUpdated, model.StockUpdate{ProductID: "p1", Stock: 6})

	cached, ok := f.cache.Lookup(model.KindProducts, "p1")
	if !ok || cached.(model.Product).Stock != 6 {
		t.Errorf("cached = %+v, %v", cached, ok)
	}

	// A bad payload fails the listener, which the bus reports.
	if ok := events.Publish(f.bus, events.ProductUpdated, model.Product{}); ok {
		t.Error("emit with missing id reported success")
	}
}

func TestSubmitRoutesByConnectivity(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	op, _ := offline.NewOperation(offline.ProductUpdate, "update Lente", model.Product{ID: "p1"})

	writes := 0
	ok := func(context.Context) error { writes++; return nil }
	queued, err := f.coord.Submit(ctx, op, ok)
	if err != nil || queued || writes != 1 {
		t.Fatalf("online submit = %v, %v (writes %d)", queued, err, writes)
	}

	rejected := &apiclient.Error{Status: 409, Type: "conflict", Message: "barcode exists"}
	if _, err := f.coord.Submit(ctx, op, func(context.Context) error { return rejected }); !errors.Is(err, rejected) {
		t.Fatalf("rejected submit error = %v", err)
	}

	var queuedEvents []events.OfflineQueued
	events.Subscribe(f.bus, events.OpQueued, func(e events.OfflineQueued) error {
		queuedEvents = append(queuedEvents, e)
		return nil
	})
	unreachable := &apiclient.Error{Type: apiclient.ErrorTypeUnreachable, Message: "connection refused"}
	queued, err = f.coord.Submit(ctx, op, func(context.Context) error { return unreachable })
	if err != nil || !queued {
		t.Fatalf("unreachable submit = %v, %v", queued, err)
	}
	if f.coord.State() != Disconnected {
		t.Errorf("state = %v, want disconnected", f.coord.State())
	}

	// Once offline, writes are not attempted.
	queued, _ = f.coord.Submit(ctx, op, ok)
	if !queued || writes != 1 {
		t.Errorf("offline submit queued=%v writes=%d", queued, writes)
	}
	if n, _ := f.queue.Len(); n != 2 {
		t.Errorf("queue length = %d, want 2", n)
	}
	if len(queuedEvents) != 2 {
		t.Errorf("offline:queued events = %d, want 2", len(queuedEvents))
	}
}

// Operations queued offline are replayed before any push event that arrived
// while the queue was draining.
func TestSetOnlineDrainsQueueBeforeBufferedPushEvents(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	rec := &recorder{}

	f.coord.Subscribe("products-view", func(ev string, data any) {
		if p, ok := data.(model.Product); ok {
			rec.add("push:" + p.ID)
		}
	})
	pushed := false
	f.queue.Register(offline.ProductUpdate, func(ctx context.Context, op offline.Operation) error {
		var p model.Product
		op.Decode(&p)
		rec.add("op:" + p.ID)
		if !pushed {
			pushed = true
			if err := f.coord.HandleExternalUpdate(model.Product{ID: "ext"}); err != nil {
				t.Errorf("HandleExternalUpdate: %v", err)
			}
		}
		return nil
	})

	f.coord.SetOnline(ctx, false)
	for _, id := range []string{"A", "B"} {
		op, _ := offline.NewOperation(offline.ProductUpdate, "update "+id, model.Product{ID: id})
		if queued, err := f.coord.Submit(ctx, op, nil); err != nil || !queued {
			t.Fatalf("Submit %s = %v, %v", id, queued, err)
		}
	}

	rep, err := f.coord.SetOnline(ctx, true)
	if err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	if rep.Succeeded != 2 {
		t.Errorf("report = %+v", rep)
	}
	if got := rec.entries(); !equal(got, []string{"op:A", "op:B", "push:ext"}) {
		t.Errorf("order = %v", got)
	}
	if f.coord.State() != Connected {
		t.Errorf("state = %v, want connected", f.coord.State())
	}

	// Already online: nothing to do.
	rep, _ = f.coord.SetOnline(ctx, true)
	if len(rep.Results) != 0 {
		t.Errorf("second SetOnline report = %+v", rep)
	}
}

func TestReplayQueueFromConnected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.queue.Register(offline.UserDelete, func(context.Context, offline.Operation) error { return nil })
	op, _ := offline.NewOperation(offline.UserDelete, "delete ana", "u1")
	f.queue.Enqueue(ctx, op)

	rep, err := f.coord.ReplayQueue(ctx)
	if err != nil || rep.Succeeded != 1 {
		t.Fatalf("ReplayQueue = %+v, %v", rep, err)
	}
	if f.coord.State() != Connected {
		t.Errorf("state = %v", f.coord.State())
	}
}

func TestPushClientFollowsHub(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.coord.Attach(f.bus); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	hub := api.NewHub(nil)
	mux := http.NewServeMux()
	mux.Handle("/ws", hub.Handler())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	pc, err := NewPushClient(f.coord, PushOptions{
		BaseURL:    srv.URL,
		Bus:        f.bus,
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewPushClient: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pc.Run(ctx) }()

	waitFor(t, "push client connected", func() bool { return hub.Clients() == 1 })

	hub.Broadcast(model.PushProductUpdated, model.Product{ID: "p1", Name: "Lente", Stock: 2})
	hub.Broadcast(model.PushStockUpdated, model.StockUpdate{ProductID: "p1", Stock: 5})
	waitFor(t, "stock applied", func() bool {
		cached, ok := f.cache.Lookup(model.KindProducts, "p1")
		return ok && cached.(model.Product).Stock == 5
	})

	hub.Close()
	waitFor(t, "coordinator offline", func() bool { return f.coord.State() == Disconnected })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestNewPushClientRejectsBadURL(t *testing.T) {
	if _, err := NewPushClient(New(Options{}), PushOptions{BaseURL: "ftp://host"}); err == nil {
		t.Error("expected error for ftp scheme")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
