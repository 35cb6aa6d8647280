package views

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/kalambet/lensdesk/internal/cache"
	"github.com/kalambet/lensdesk/internal/events"
	"github.com/kalambet/lensdesk/internal/model"
	"github.com/kalambet/lensdesk/internal/offline"
)

const (
	SalesViewName        = "sales-view"
	TransactionsViewName = "transactions-view"
)

// ErrEmptySale is returned for a sale without items.
var ErrEmptySale = errors.New("sale has no items")

// SalesAPI is the part of the backend client the sales view writes through.
type SalesAPI interface {
	CreateSale(ctx context.Context, s model.Sale) (model.Sale, error)
}

// SalesView lists sales, newest first, and rings up new ones.
type SalesView struct {
	items *collection[model.Sale]
	bus   *events.Bus
	api   SalesAPI
	sync  Submitter
}

// NewSales creates the sales view.
func NewSales(store *cache.Store, bus *events.Bus, api SalesAPI, sync Submitter) *SalesView {
	return &SalesView{
		items: newCollection[model.Sale](SalesViewName, model.KindSales, store),
		bus:   bus,
		api:   api,
		sync:  sync,
	}
}

func (v *SalesView) Load(ctx context.Context) error       { return v.items.load(ctx) }
func (v *SalesView) Close()                               { v.items.close() }
func (v *SalesView) OnChange(fn func(cache.Notification)) { v.items.onChange(fn) }
func (v *SalesView) Notifications() int                   { return v.items.notifications() }
func (v *SalesView) Find(id string) (model.Sale, bool)    { return v.items.find(id) }

// Sales returns the local copy, newest first.
func (v *SalesView) Sales() []model.Sale {
	list := v.items.snapshot()
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list
}

// TotalSince sums the totals of sales made at or after since.
func (v *SalesView) TotalSince(since time.Time) (float64, int) {
	var total float64
	var n int
	for _, s := range v.items.snapshot() {
		if !s.CreatedAt.Before(since) {
			total += s.Total
			n++
		}
	}
	return total, n
}

// Ring records a sale. Line totals are computed here when the sale carries
// none. It reports whether the sale was queued offline.
func (v *SalesView) Ring(ctx context.Context, s model.Sale) (model.Sale, bool, error) {
	if len(s.Items) == 0 {
		return model.Sale{}, false, ErrEmptySale
	}
	if s.Total == 0 {
		for _, it := range s.Items {
			s.Total += float64(it.Quantity) * it.UnitPrice
		}
	}
	desc := fmt.Sprintf("sale of %d items (%s)", len(s.Items), money(s.Total))
	op, err := offline.NewOperation(offline.SaleCreate, desc, s)
	if err != nil {
		return model.Sale{}, false, err
	}
	created := s
	queued, err := v.sync.Submit(ctx, op, func(ctx context.Context) error {
		var err error
		created, err = v.api.CreateSale(ctx, s)
		return err
	})
	if err != nil || queued {
		return s, queued, err
	}
	if v.bus != nil {
		events.Publish(v.bus, events.SaleCreated, created)
	}
	return created, false, nil
}

// Render draws the sales table.
func (v *SalesView) Render() string {
	list := v.Sales()
	rows := make([][]string, 0, len(list))
	for _, s := range list {
		items := 0
		for _, it := range s.Items {
			items += it.Quantity
		}
		rows = append(rows, []string{
			s.CreatedAt.Local().Format("2006-01-02 15:04"),
			s.Customer,
			strconv.Itoa(items),
			money(s.Total),
		})
	}
	return table(fmt.Sprintf(" Sales (%d) ", len(list)), []string{"DATE", "CUSTOMER", "ITEMS", "TOTAL"}, rows, nil)
}

// TransactionsAPI is the part of the backend client the transactions view
// writes through.
type TransactionsAPI interface {
	CreateTransaction(ctx context.Context, t model.Transaction) (model.Transaction, error)
}

// TransactionsView lists stock movements and payments, newest first.
type TransactionsView struct {
	items *collection[model.Transaction]
	bus   *events.Bus
	api   TransactionsAPI
	sync  Submitter
}

// NewTransactions creates the transactions view.
func NewTransactions(store *cache.Store, bus *events.Bus, api TransactionsAPI, sync Submitter) *TransactionsView {
	return &TransactionsView{
		items: newCollection[model.Transaction](TransactionsViewName, model.KindTransactions, store),
		bus:   bus,
		api:   api,
		sync:  sync,
	}
}

func (v *TransactionsView) Load(ctx context.Context) error       { return v.items.load(ctx) }
func (v *TransactionsView) Close()                               { v.items.close() }
func (v *TransactionsView) OnChange(fn func(cache.Notification)) { v.items.onChange(fn) }
func (v *TransactionsView) Notifications() int                   { return v.items.notifications() }

// Transactions returns the local copy, newest first, optionally limited to
// one type.
func (v *TransactionsView) Transactions(typ string) []model.Transaction {
	var list []model.Transaction
	for _, t := range v.items.snapshot() {
		if typ == "" || t.Type == typ {
			list = append(list, t)
		}
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list
}

// Record registers a transaction, queueing it while offline.
func (v *TransactionsView) Record(ctx context.Context, t model.Transaction) (model.Transaction, bool, error) {
	if t.Type == "" {
		return model.Transaction{}, false, fmt.Errorf("transaction type is required")
	}
	op, err := offline.NewOperation(offline.TransactionCreate, fmt.Sprintf("%s of %s", t.Type, money(t.Amount)), t)
	if err != nil {
		return model.Transaction{}, false, err
	}
	created := t
	queued, err := v.sync.Submit(ctx, op, func(ctx context.Context) error {
		var err error
		created, err = v.api.CreateTransaction(ctx, t)
		return err
	})
	if err != nil || queued {
		return t, queued, err
	}
	if v.bus != nil {
		events.Publish(v.bus, events.TransactionCreated, created)
	}
	return created, false, nil
}

// Render draws the transactions table.
func (v *TransactionsView) Render(typ string) string {
	list := v.Transactions(typ)
	rows := make([][]string, 0, len(list))
	for _, t := range list {
		rows = append(rows, []string{
			t.CreatedAt.Local().Format("2006-01-02 15:04"),
			t.Type,
			t.ProductID,
			strconv.Itoa(t.Quantity),
			money(t.Amount),
			t.Note,
		})
	}
	return table(fmt.Sprintf(" Transactions (%d) ", len(list)), []string{"DATE", "TYPE", "PRODUCT", "QTY", "AMOUNT", "NOTE"}, rows, nil)
}
