package app

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kalambet/lensdesk/internal/api"
	"github.com/kalambet/lensdesk/internal/apiclient"
	"github.com/kalambet/lensdesk/internal/config"
	"github.com/kalambet/lensdesk/internal/events"
	"github.com/kalambet/lensdesk/internal/metrics"
	"github.com/kalambet/lensdesk/internal/model"
	"github.com/kalambet/lensdesk/internal/offline"
	"github.com/kalambet/lensdesk/internal/storage"
)

const testToken = "test-token"

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// newBackend serves the embedded backend over backendStore on httptest.
func newBackend(t *testing.T, backendStore *storage.Store) *httptest.Server {
	t.Helper()
	n := 0
	srv := httptest.NewServer(api.NewHandler(api.Deps{
		Store: backendStore,
		Token: testToken,
		NewID: func() string {
			n++
			return fmt.Sprintf("id%d", n)
		},
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(backendURL string) config.Config {
	return config.Config{
		Client:  config.ClientConfig{BackendURL: backendURL, Timeout: 2 * time.Second},
		Offline: config.OfflineConfig{ReplayDelay: time.Millisecond, FailurePolicy: "drop", MaxAttempts: 1},
		Auth:    config.AuthConfig{APIToken: testToken},
	}
}

func newTestCore(t *testing.T, cfg config.Config, clientStore *storage.Store, m *metrics.Metrics) *Core {
	t.Helper()
	c, err := New(Options{Config: cfg, Store: clientStore, Metrics: m})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCoreWritesThroughAndServesInventory(t *testing.T) {
	srv := newBackend(t, openTestStore(t))
	c := newTestCore(t, testConfig(srv.URL), openTestStore(t), nil)
	ctx := context.Background()

	p, queued, err := c.ProductsView.Create(ctx, model.Product{Name: "Armazon", Barcode: "7501", Stock: 4})
	if err != nil || queued {
		t.Fatalf("Create = %v, queued %v", err, queued)
	}

	if got := c.Products(ctx); len(got) != 1 || got[0].ID != p.ID {
		t.Fatalf("Products = %+v", got)
	}
	found, err := c.LookupBarcode(ctx, "7501")
	if err != nil || found.ID != p.ID {
		t.Fatalf("LookupBarcode = %+v, %v", found, err)
	}

	if queued, err := c.SetStock(ctx, p.ID, 9, nil); err != nil || queued {
		t.Fatalf("SetStock = %v, queued %v", err, queued)
	}
	if got := c.ProductsView.Products(); len(got) != 1 || got[0].Stock != 9 {
		t.Errorf("view after SetStock = %+v", got)
	}

	pending, dead, err := c.QueueStatus()
	if err != nil || pending != 0 || dead != 0 {
		t.Errorf("QueueStatus = %d, %d, %v", pending, dead, err)
	}
}

func TestCoreQueuesWhileDownAndReplaysOnStart(t *testing.T) {
	backendStore := openTestStore(t)
	clientStore := openTestStore(t)
	ctx := context.Background()

	down := newBackend(t, backendStore)
	down.Close()
	first, err := New(Options{Config: testConfig(down.URL), Store: clientStore})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := first.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, queued, err := first.ProductsView.Create(ctx, model.Product{Name: "LenteX", Stock: 2}); err != nil || !queued {
		t.Fatalf("Create while down = %v, queued %v", err, queued)
	}
	if _, queued, err := first.AddUser(ctx, model.User{Username: "ana", Role: "seller"}); err != nil || !queued {
		t.Fatalf("AddUser while down = %v, queued %v", err, queued)
	}
	st, err := first.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Link != "disconnected" || st.Pending != 2 {
		t.Fatalf("status while down = %+v", st)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	up := newBackend(t, backendStore)
	second := newTestCore(t, testConfig(up.URL), clientStore, nil)

	if pending, _, _ := second.QueueStatus(); pending != 0 {
		t.Fatalf("pending after replay = %d", pending)
	}
	products, err := backendStore.ListProducts()
	if err != nil || len(products) != 1 || products[0].Name != "LenteX" {
		t.Fatalf("backend products = %+v, %v", products, err)
	}
	if users := second.Users(ctx); len(users) != 1 || users[0].Username != "ana" {
		t.Errorf("Users = %+v", users)
	}
	if got := second.ProductsView.Products(); len(got) != 1 {
		t.Errorf("view after replay = %+v", got)
	}

	entries, err := second.Events.Recent(0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	logged := map[string]bool{}
	for _, e := range entries {
		logged[e.Event] = true
	}
	for _, name := range []string{events.ProductCreated.Name(), events.UserCreated.Name(), events.OpsProcessed.Name()} {
		if !logged[name] {
			t.Errorf("event log is missing %s: %v", name, logged)
		}
	}
}

func TestCoreRecordsMetrics(t *testing.T) {
	srv := newBackend(t, openTestStore(t))
	m := metrics.New(false)
	c := newTestCore(t, testConfig(srv.URL), openTestStore(t), m)
	ctx := context.Background()

	if _, _, err := c.ProductsView.Create(ctx, model.Product{Name: "Gotas", Stock: 1}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	c.Products(ctx)

	snap, err := m.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap["lensdesk_cache_hits_total"] == 0 || snap["lensdesk_cache_misses_total"] == 0 {
		t.Errorf("cache lookups not recorded: %v", snap)
	}
	if snap["lensdesk_events_emitted_total"] == 0 {
		t.Errorf("emissions not recorded: %v", snap)
	}
}

func TestRecentSalesNewestFirst(t *testing.T) {
	srv := newBackend(t, openTestStore(t))
	c := newTestCore(t, testConfig(srv.URL), openTestStore(t), nil)
	ctx := context.Background()

	p, _, err := c.ProductsView.Create(ctx, model.Product{Name: "Estuche", Price: 50, Stock: 10})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, customer := range []string{"first", "second", "third"} {
		sale := model.Sale{Customer: customer, Items: []model.SaleItem{{ProductID: p.ID, Quantity: 1, UnitPrice: 50}}}
		if _, _, err := c.SalesView.Ring(ctx, sale); err != nil {
			t.Fatalf("Ring: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	got := c.RecentSales(ctx, 2)
	if len(got) != 2 || got[0].Customer != "third" || got[1].Customer != "second" {
		t.Errorf("RecentSales = %+v", got)
	}
}

func TestNewRejectsUnknownPolicy(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Offline.FailurePolicy = "ignore"
	if _, err := New(Options{Config: cfg, Store: openTestStore(t)}); err == nil {
		t.Fatal("expected error for unknown failure policy")
	}
}

func TestDefaultBusTripsListenerAfterThreeErrors(t *testing.T) {
	cfg := config.Defaults()
	cfg.Client = config.ClientConfig{BackendURL: "http://127.0.0.1:1", Timeout: time.Second}
	cfg.Auth = config.AuthConfig{APIToken: testToken}
	cfg.Push.Enabled = false
	c := newTestCore(t, cfg, openTestStore(t), nil)

	calls := 0
	if _, err := c.Bus.On("diag:failing", func(any) error {
		calls++
		return errors.New("broken")
	}); err != nil {
		t.Fatalf("On: %v", err)
	}
	for i := 0; i < 5; i++ {
		c.Bus.Emit("diag:failing", nil)
	}

	if calls != 3 {
		t.Errorf("listener called %d times, want 3", calls)
	}
	if n := c.Bus.ListenerCount("diag:failing"); n != 0 {
		t.Errorf("ListenerCount = %d, want 0", n)
	}
	if n := len(c.Bus.Tripped()); n != 1 {
		t.Errorf("Tripped = %d listeners, want 1", n)
	}
}

func TestStartTwice(t *testing.T) {
	c := newTestCore(t, testConfig("http://127.0.0.1:1"), openTestStore(t), nil)
	if err := c.Start(context.Background()); err == nil {
		t.Error("second Start succeeded")
	}
}

func TestClassifyWrapsByCause(t *testing.T) {
	unreachable := &apiclient.Error{Type: apiclient.ErrorTypeUnreachable, Message: "connection refused"}
	for _, err := range []error{
		&apiclient.Error{Status: 409, Type: "conflict"},
		&apiclient.Error{Status: 400, Type: "invalid_request"},
		unreachable,
	} {
		got := classify(err)
		if got == err {
			t.Errorf("classify(%v) left the error unmarked", err)
		}
		if !errors.Is(got, err) {
			t.Errorf("classify(%v) lost the original error", err)
		}
	}

	for _, err := range []error{&apiclient.Error{Status: 503, Type: "unavailable"}, errors.New("boom")} {
		if got := classify(err); got != err {
			t.Errorf("classify(%v) = %v, want it unchanged", err, got)
		}
	}
}

func TestReplayHaltsWhenBackendGoesAway(t *testing.T) {
	clientStore := openTestStore(t)
	down := newBackend(t, openTestStore(t))
	down.Close()
	c := newTestCore(t, testConfig(down.URL), clientStore, nil)
	ctx := context.Background()

	if _, queued, err := c.SalesView.Ring(ctx, model.Sale{Items: []model.SaleItem{{ProductID: "p", Quantity: 1, UnitPrice: 5}}}); err != nil || !queued {
		t.Fatalf("Ring while down = %v, queued %v", err, queued)
	}
	if _, err := c.Sync.ReplayQueue(ctx); !errors.Is(err, offline.ErrHalted) {
		t.Fatalf("ReplayQueue error = %v, want ErrHalted", err)
	}
	if pending, _, _ := c.QueueStatus(); pending != 1 {
		t.Errorf("pending = %d, want the sale kept", pending)
	}
	if c.Sync.Online() {
		t.Error("link reported online after a halted replay")
	}
}
