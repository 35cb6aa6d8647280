package views

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/lensdesk/internal/api"
	"github.com/kalambet/lensdesk/internal/apiclient"
	"github.com/kalambet/lensdesk/internal/cache"
	"github.com/kalambet/lensdesk/internal/events"
	"github.com/kalambet/lensdesk/internal/model"
	"github.com/kalambet/lensdesk/internal/offline"
	"github.com/kalambet/lensdesk/internal/storage"
	"github.com/kalambet/lensdesk/internal/syncer"
)

const testToken = "test-token"

type stack struct {
	srv    *httptest.Server
	client *apiclient.Client
	bus    *events.Bus
	cache  *cache.Store
	queue  *offline.Queue
	coord  *syncer.Coordinator
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// newStack wires a backend on httptest to a client-side sync core.
func newStack(t *testing.T) *stack {
	t.Helper()
	n := 0
	srv := httptest.NewServer(api.NewHandler(api.Deps{
		Store: openTestStore(t),
		Token: testToken,
		NewID: func() string {
			n++
			return fmt.Sprintf("p%d", n)
		},
	}))
	t.Cleanup(srv.Close)

	client := apiclient.New(srv.URL, testToken, apiclient.WithTimeout(2*time.Second))
	bus := events.New(events.Options{})
	c := cache.New(cache.Options{Bus: bus, Fetchers: client.Fetchers()})
	if _, err := c.Attach(bus); err != nil {
		t.Fatalf("cache Attach: %v", err)
	}
	q := offline.New(openTestStore(t), offline.Options{
		Sleep: func(ctx context.Context, d time.Duration) error { return ctx.Err() },
	})
	coord := syncer.New(syncer.Options{Cache: c, Bus: bus, Queue: q})
	if _, err := coord.Attach(bus); err != nil {
		t.Fatalf("coordinator Attach: %v", err)
	}
	return &stack{srv: srv, client: client, bus: bus, cache: c, queue: q, coord: coord}
}

func (s *stack) products(t *testing.T) (*ProductsView, *[]cache.Notification) {
	t.Helper()
	v := NewProducts(ProductsOptions{Cache: s.cache, Bus: s.bus, API: s.client, Sync: s.coord})
	var seen []cache.Notification
	v.OnChange(func(n cache.Notification) { seen = append(seen, n) })
	if err := v.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(v.Close)
	return v, &seen
}

func TestCreateProductReachesCacheAndView(t *testing.T) {
	s := newStack(t)
	v, seen := s.products(t)
	ctx := context.Background()

	created, queued, err := v.Create(ctx, model.Product{Name: "LenteX", Stock: 10})
	if err != nil || queued {
		t.Fatalf("Create = %v, queued %v", err, queued)
	}
	if created.ID != "p1" {
		t.Fatalf("created id = %q, want p1", created.ID)
	}

	cached := cache.Get[model.Product](ctx, s.cache, model.KindProducts)
	if len(cached) != 1 || cached[0].ID != "p1" {
		t.Fatalf("cache = %+v", cached)
	}
	if len(*seen) != 1 || (*seen)[0].Action != model.Created || (*seen)[0].Kind != model.KindProducts {
		t.Fatalf("notifications = %+v", *seen)
	}
	if got := v.Products(); len(got) != 1 || got[0].Name != "LenteX" {
		t.Errorf("view copy = %+v", got)
	}
}

func TestProductWritesKeepViewCurrent(t *testing.T) {
	s := newStack(t)
	v, _ := s.products(t)
	ctx := context.Background()

	p, _, err := v.Create(ctx, model.Product{Name: "Armazon", Barcode: "7501", Stock: 8, StockSurtido: 2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	p.Price = 1200
	if _, _, err := v.Update(ctx, p); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := v.Products()[0]; got.Price != 1200 {
		t.Errorf("price after update = %v", got.Price)
	}

	if _, err := v.SetStock(ctx, p.ID, 3, nil); err != nil {
		t.Fatalf("SetStock: %v", err)
	}
	got := v.Products()[0]
	if got.Stock != 3 || got.StockSurtido != 2 || got.Price != 1200 {
		t.Errorf("after stock update = %+v", got)
	}
	if low := v.LowStock(); len(low) != 1 {
		t.Errorf("low stock = %+v", low)
	}
	if _, err := v.SetStock(ctx, p.ID, -1, nil); err == nil {
		t.Error("negative stock accepted")
	}

	if _, err := v.Delete(ctx, p.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(v.Products()) != 0 {
		t.Errorf("products after delete = %+v", v.Products())
	}
}

func TestBackendRejectionIsReturned(t *testing.T) {
	s := newStack(t)
	v, seen := s.products(t)

	_, queued, err := v.Create(context.Background(), model.Product{Stock: 1})
	if err == nil || queued {
		t.Fatalf("Create without name = %v, queued %v", err, queued)
	}
	var apiErr *apiclient.Error
	if !errors.As(err, &apiErr) || apiErr.Status != 400 {
		t.Errorf("error = %v", err)
	}
	if len(*seen) != 0 {
		t.Errorf("view notified about a rejected write: %+v", *seen)
	}
}

func TestWritesQueueWhileBackendDown(t *testing.T) {
	s := newStack(t)
	v, seen := s.products(t)
	s.srv.Close()

	_, queued, err := v.Create(context.Background(), model.Product{Name: "LenteY", Stock: 1})
	if err != nil || !queued {
		t.Fatalf("Create = %v, queued %v", err, queued)
	}
	if s.coord.Online() {
		t.Error("coordinator still online")
	}
	if n, _ := s.queue.Len(); n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
	if len(*seen) != 0 {
		t.Errorf("queued write reached the view: %+v", *seen)
	}
}

type fakeProductAPI struct {
	ProductAPI
	lookups int
	byCode  func(code string) (model.Product, error)
}

func (f *fakeProductAPI) GetProductByBarcode(_ context.Context, code string) (model.Product, error) {
	f.lookups++
	return f.byCode(code)
}

func TestLookupBarcodePrefersCache(t *testing.T) {
	bus := events.New(events.Options{})
	c := cache.New(cache.Options{Bus: bus, Fetchers: map[model.Kind]cache.Fetcher{
		model.KindProducts: func(context.Context) ([]model.Entity, error) {
			return []model.Entity{model.Product{ID: "p1", Name: "Lente", Barcode: "7501"}}, nil
		},
	}})
	fake := &fakeProductAPI{byCode: func(code string) (model.Product, error) {
		if code == "7502" {
			return model.Product{ID: "p2", Barcode: code}, nil
		}
		return model.Product{}, &apiclient.Error{Status: 404, Type: "not_found", Message: "no product"}
	}}
	v := NewProducts(ProductsOptions{Cache: c, Bus: bus, API: fake})
	if err := v.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ctx := context.Background()

	if p, err := v.LookupBarcode(ctx, "7501"); err != nil || p.ID != "p1" || fake.lookups != 0 {
		t.Errorf("cached lookup = %+v, %v (api calls %d)", p, err, fake.lookups)
	}
	if p, err := v.LookupBarcode(ctx, "7502"); err != nil || p.ID != "p2" || fake.lookups != 1 {
		t.Errorf("backend lookup = %+v, %v (api calls %d)", p, err, fake.lookups)
	}
	if _, err := v.LookupBarcode(ctx, "0000"); !apiclient.IsNotFound(err) {
		t.Errorf("unknown barcode error = %v", err)
	}
	if _, err := v.LookupBarcode(ctx, " "); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty barcode error = %v", err)
	}
}

func TestRingSaleAndRecordTransaction(t *testing.T) {
	s := newStack(t)
	products, _ := s.products(t)
	ctx := context.Background()
	p, _, err := products.Create(ctx, model.Product{Name: "Lente", Price: 100, Stock: 5})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sales := NewSales(s.cache, s.bus, s.client, s.coord)
	if err := sales.Load(ctx); err != nil {
		t.Fatalf("sales Load: %v", err)
	}
	defer sales.Close()

	if _, _, err := sales.Ring(ctx, model.Sale{}); !errors.Is(err, ErrEmptySale) {
		t.Errorf("empty sale error = %v", err)
	}
	sale, queued, err := sales.Ring(ctx, model.Sale{
		Customer: "Optica Norte",
		Items:    []model.SaleItem{{ProductID: p.ID, Quantity: 2, UnitPrice: 100}},
	})
	if err != nil || queued {
		t.Fatalf("Ring = %v, queued %v", err, queued)
	}
	if sale.Total != 200 {
		t.Errorf("total = %v, want 200", sale.Total)
	}
	if got, ok := sales.Find(sale.ID); !ok || got.Customer != "Optica Norte" {
		t.Errorf("sales view missing sale %s", sale.ID)
	}
	if total, n := sales.TotalSince(time.Time{}); total != 200 || n != 1 {
		t.Errorf("TotalSince = %v, %d", total, n)
	}

	txs := NewTransactions(s.cache, s.bus, s.client, s.coord)
	if err := txs.Load(ctx); err != nil {
		t.Fatalf("transactions Load: %v", err)
	}
	defer txs.Close()
	before := len(txs.Transactions(""))
	if _, _, err := txs.Record(ctx, model.Transaction{Type: "payment", Amount: 50}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got := txs.Transactions("payment"); len(got) != 1 || got[0].Amount != 50 {
		t.Errorf("payments = %+v", got)
	}
	if len(txs.Transactions("")) != before+1 {
		t.Errorf("transactions did not grow by one")
	}
	if _, _, err := txs.Record(ctx, model.Transaction{}); err == nil {
		t.Error("transaction without type accepted")
	}
}

func TestForceRefreshReplacesViewCopy(t *testing.T) {
	s := newStack(t)
	v, seen := s.products(t)
	ctx := context.Background()

	// Written behind the client's back.
	if _, err := s.client.CreateProduct(ctx, model.Product{Name: "Directo", Stock: 1}); err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	if len(v.Products()) != 0 {
		t.Fatalf("view saw a write nobody announced")
	}

	s.coord.ForceGlobalSync(ctx)
	if got := v.Products(); len(got) != 1 || got[0].Name != "Directo" {
		t.Errorf("after force sync = %+v", got)
	}
	last := (*seen)[len(*seen)-1]
	if last.Action != model.Replaced || last.Source != cache.SourceRefresh {
		t.Errorf("last notification = %+v", last)
	}
}

func TestCollectionRejectsForeignPayload(t *testing.T) {
	c := newCollection[model.Product]("test-view", model.KindProducts, nil)
	if err := c.apply(cache.Notification{Action: model.Created, Data: model.Sale{ID: "s1"}}); err == nil {
		t.Error("sale accepted by a products collection")
	}
	if err := c.apply(cache.Notification{Action: model.Deleted, Data: 42}); err == nil {
		t.Error("non-string delete accepted")
	}
	if err := c.apply(cache.Notification{Action: model.Action(99), Data: nil}); !errors.Is(err, model.ErrUnknownAction) {
		t.Errorf("unknown action error = %v", err)
	}
	if c.notifications() != 0 {
		t.Errorf("rejected notifications counted")
	}
}

func TestRender(t *testing.T) {
	bus := events.New(events.Options{})
	c := cache.New(cache.Options{Bus: bus})
	v := NewProducts(ProductsOptions{Cache: c, Bus: bus})

	if out := v.Render(""); !strings.Contains(out, "no records") {
		t.Errorf("empty render = %q", out)
	}

	c.UpdateCache(model.KindProducts, model.Replaced, []model.Entity{
		model.Product{ID: "p1", Name: "Lente Progresivo", Barcode: "7501", Price: 950, Stock: 2},
		model.Product{ID: "p2", Name: "Armazon", Barcode: "7502", Price: 300, Stock: 40},
	})
	if err := v.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	out := v.Render("")
	for _, want := range []string{"Products (2)", "Lente Progresivo", "$950.00", "SURTIDO"} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q:\n%s", want, out)
		}
	}
	if out := v.Render("armazon"); strings.Contains(out, "Lente") {
		t.Errorf("filtered render still lists Lente:\n%s", out)
	}
}
