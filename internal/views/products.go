package views

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/kalambet/lensdesk/internal/cache"
	"github.com/kalambet/lensdesk/internal/events"
	"github.com/kalambet/lensdesk/internal/model"
	"github.com/kalambet/lensdesk/internal/offline"
)

// ProductsViewName is the subscription name of the products view.
const ProductsViewName = "products-view"

// DefaultLowStock is the stock level at or below which a product is flagged.
const DefaultLowStock = 5

// ErrNotFound is returned when a product is neither cached nor known to the backend.
var ErrNotFound = errors.New("product not found")

// ProductAPI is the part of the backend client the products view writes through.
type ProductAPI interface {
	CreateProduct(ctx context.Context, p model.Product) (model.Product, error)
	UpdateProduct(ctx context.Context, id string, p model.Product) (model.Product, error)
	DeleteProduct(ctx context.Context, id string) error
	UpdateProductStock(ctx context.Context, id string, stock int, surtido *int) (model.Product, error)
	GetProductByBarcode(ctx context.Context, code string) (model.Product, error)
}

// Submitter runs a write now or defers it to the offline queue.
type Submitter interface {
	Submit(ctx context.Context, op offline.Operation, write func(ctx context.Context) error) (bool, error)
}

// ProductsOptions configures a ProductsView.
type ProductsOptions struct {
	Cache    *cache.Store
	Bus      *events.Bus
	API      ProductAPI
	Sync     Submitter
	LowStock int
	Logger   *slog.Logger
}

// ProductsView lists the catalog and performs product writes. A successful
// write is announced on the bus as data:product:*; a write made while the
// backend is unreachable is queued and announced when it is replayed.
type ProductsView struct {
	items    *collection[model.Product]
	bus      *events.Bus
	api      ProductAPI
	sync     Submitter
	lowStock int
	logger   *slog.Logger
}

// NewProducts creates the products view. Call Load before reading from it.
func NewProducts(opts ProductsOptions) *ProductsView {
	if opts.LowStock <= 0 {
		opts.LowStock = DefaultLowStock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ProductsView{
		items:    newCollection[model.Product](ProductsViewName, model.KindProducts, opts.Cache),
		bus:      opts.Bus,
		api:      opts.API,
		sync:     opts.Sync,
		lowStock: opts.LowStock,
		logger:   opts.Logger,
	}
}

// Load reads the products from the cache and subscribes to their changes.
func (v *ProductsView) Load(ctx context.Context) error { return v.items.load(ctx) }

// Close drops the subscription.
func (v *ProductsView) Close() { v.items.close() }

// OnChange registers fn to run after every applied notification.
func (v *ProductsView) OnChange(fn func(cache.Notification)) { v.items.onChange(fn) }

// Notifications counts the notifications applied so far.
func (v *ProductsView) Notifications() int { return v.items.notifications() }

// Find returns the local copy of one product.
func (v *ProductsView) Find(id string) (model.Product, bool) { return v.items.find(id) }

// Products returns the local copy sorted by name.
func (v *ProductsView) Products() []model.Product {
	list := v.items.snapshot()
	sort.SliceStable(list, func(i, j int) bool {
		return strings.ToLower(list[i].Name) < strings.ToLower(list[j].Name)
	})
	return list
}

// Filter returns products whose name, barcode or category contains query.
func (v *ProductsView) Filter(query string) []model.Product {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return v.Products()
	}
	var out []model.Product
	for _, p := range v.Products() {
		if strings.Contains(strings.ToLower(p.Name), q) ||
			strings.Contains(strings.ToLower(p.Barcode), q) ||
			strings.Contains(strings.ToLower(p.Category), q) {
			out = append(out, p)
		}
	}
	return out
}

// LowStock returns products at or below the low-stock level.
func (v *ProductsView) LowStock() []model.Product {
	var out []model.Product
	for _, p := range v.Products() {
		if p.Stock <= v.lowStock {
			out = append(out, p)
		}
	}
	return out
}

// LookupBarcode answers from the local copy first and asks the backend
// only when no cached product carries code.
func (v *ProductsView) LookupBarcode(ctx context.Context, code string) (model.Product, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return model.Product{}, fmt.Errorf("%w: empty barcode", ErrNotFound)
	}
	for _, p := range v.items.snapshot() {
		if p.Barcode == code {
			return p, nil
		}
	}
	if v.api == nil {
		return model.Product{}, fmt.Errorf("%w: barcode %s", ErrNotFound, code)
	}
	p, err := v.api.GetProductByBarcode(ctx, code)
	if err != nil {
		return model.Product{}, fmt.Errorf("looking up barcode %s: %w", code, err)
	}
	return p, nil
}

// Create adds a product. It reports whether the write was queued offline;
// a queued product has no id until the queue replays it.
func (v *ProductsView) Create(ctx context.Context, p model.Product) (model.Product, bool, error) {
	op, err := offline.NewOperation(offline.ProductCreate, "create product "+p.Name, p)
	if err != nil {
		return model.Product{}, false, err
	}
	created := p
	queued, err := v.sync.Submit(ctx, op, func(ctx context.Context) error {
		var err error
		created, err = v.api.CreateProduct(ctx, p)
		return err
	})
	if err != nil || queued {
		return p, queued, err
	}
	v.publish(func() { events.Publish(v.bus, events.ProductCreated, created) })
	return created, false, nil
}

// Update replaces a product.
func (v *ProductsView) Update(ctx context.Context, p model.Product) (model.Product, bool, error) {
	if p.ID == "" {
		return model.Product{}, false, fmt.Errorf("%w: product without id", ErrNotFound)
	}
	op, err := offline.NewOperation(offline.ProductUpdate, "update product "+describe(p), p)
	if err != nil {
		return model.Product{}, false, err
	}
	updated := p
	queued, err := v.sync.Submit(ctx, op, func(ctx context.Context) error {
		var err error
		updated, err = v.api.UpdateProduct(ctx, p.ID, p)
		return err
	})
	if err != nil || queued {
		return p, queued, err
	}
	v.publish(func() { events.Publish(v.bus, events.ProductUpdated, updated) })
	return updated, false, nil
}

// Delete removes a product.
func (v *ProductsView) Delete(ctx context.Context, id string) (bool, error) {
	desc := id
	if p, ok := v.items.find(id); ok {
		desc = describe(p)
	}
	op, err := offline.NewOperation(offline.ProductDelete, "delete product "+desc, id)
	if err != nil {
		return false, err
	}
	queued, err := v.sync.Submit(ctx, op, func(ctx context.Context) error {
		return v.api.DeleteProduct(ctx, id)
	})
	if err != nil || queued {
		return queued, err
	}
	v.publish(func() { events.Publish(v.bus, events.ProductDeleted, id) })
	return false, nil
}

// SetStock changes the stock counters of a product. surtido is left alone
// when nil.
func (v *ProductsView) SetStock(ctx context.Context, id string, stock int, surtido *int) (bool, error) {
	if stock < 0 || (surtido != nil && *surtido < 0) {
		return false, fmt.Errorf("stock must not be negative")
	}
	update := model.StockUpdate{ProductID: id, Stock: stock, StockSurtido: surtido}
	desc := id
	if p, ok := v.items.find(id); ok {
		desc = describe(p)
	}
	op, err := offline.NewOperation(offline.ProductStock, "set stock of "+desc+" to "+strconv.Itoa(stock), update)
	if err != nil {
		return false, err
	}
	queued, err := v.sync.Submit(ctx, op, func(ctx context.Context) error {
		_, err := v.api.UpdateProductStock(ctx, id, stock, surtido)
		return err
	})
	if err != nil || queued {
		return queued, err
	}
	v.publish(func() { events.Publish(v.bus, events.ProductStockUpdated, update) })
	return false, nil
}

func (v *ProductsView) publish(fn func()) {
	if v.bus == nil {
		v.logger.Warn("no event bus, views will not see the change")
		return
	}
	fn()
}

// Render draws the products table. Low-stock rows are highlighted.
func (v *ProductsView) Render(query string) string {
	list := v.Filter(query)
	rows := make([][]string, 0, len(list))
	for _, p := range list {
		rows = append(rows, []string{
			p.Name,
			p.Barcode,
			p.Category,
			money(p.Price),
			strconv.Itoa(p.Stock),
			strconv.Itoa(p.StockSurtido),
		})
	}
	title := fmt.Sprintf(" Products (%d) ", len(list))
	return table(title, []string{"NAME", "BARCODE", "CATEGORY", "PRICE", "STOCK", "SURTIDO"}, rows, func(i int) bool {
		return list[i].Stock <= v.lowStock
	})
}

func describe(p model.Product) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}
