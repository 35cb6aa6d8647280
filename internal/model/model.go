package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Kind partitions cached domain data.
type Kind string

const (
	KindProducts     Kind = "products"
	KindSales        Kind = "sales"
	KindTransactions Kind = "transactions"
	KindUsers        Kind = "users"
)

// Kinds lists every known entity kind in refresh order.
func Kinds() []Kind {
	return []Kind{KindProducts, KindSales, KindTransactions, KindUsers}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Singular returns the entity name used in event topics ("product" for products).
func (k Kind) Singular() string {
	return strings.TrimSuffix(string(k), "s")
}

// Entity is any domain record identified by a backend-assigned id.
type Entity interface {
	EntityID() string
}

// Cloner is implemented by records with reference-typed fields that a plain
// value copy would share.
type Cloner interface {
	CloneEntity() Entity
}

// Clone returns a copy of e that shares no mutable state with it.
func Clone(e Entity) Entity {
	if c, ok := e.(Cloner); ok {
		return c.CloneEntity()
	}
	return e
}

// CloneAll clones every record of list into a new slice.
func CloneAll(list []Entity) []Entity {
	out := make([]Entity, len(list))
	for i, e := range list {
		out[i] = Clone(e)
	}
	return out
}

// Action is the closed set of cache mutations.
type Action int

const (
	Created Action = iota + 1
	Updated
	Deleted
	Replaced
)

var ErrUnknownAction = errors.New("unknown action")

func (a Action) String() string {
	switch a {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	case Replaced:
		return "refreshed"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ParseAction maps wire keywords, including the legacy aliases, onto an Action.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "created", "add", "create":
		return Created, nil
	case "updated", "update":
		return Updated, nil
	case "deleted", "remove", "delete":
		return Deleted, nil
	case "replace", "refreshed":
		return Replaced, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// Product is a lens or accessory in the catalog.
type Product struct {
	ID           string    `json:"_id"`
	Name         string    `json:"name"`
	Barcode      string    `json:"barcode,omitempty"`
	Category     string    `json:"category,omitempty"`
	Price        float64   `json:"price"`
	Cost         float64   `json:"cost,omitempty"`
	Stock        int       `json:"stock"`
	StockSurtido int       `json:"stock_surtido,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

func (p Product) EntityID() string { return p.ID }

// StockUpdate patches stock counters of a single product.
type StockUpdate struct {
	ProductID    string `json:"_id"`
	Stock        int    `json:"stock"`
	StockSurtido *int   `json:"stock_surtido,omitempty"`
}

// Apply returns p with the stock counters from s.
func (s StockUpdate) Apply(p Product) Product {
	p.Stock = s.Stock
	if s.StockSurtido != nil {
		p.StockSurtido = *s.StockSurtido
	}
	return p
}

// SaleItem is one line of a sale.
type SaleItem struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name,omitempty"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// Sale is a completed point-of-sale ticket.
type Sale struct {
	ID        string     `json:"_id"`
	Customer  string     `json:"customer,omitempty"`
	Items     []SaleItem `json:"items"`
	Total     float64    `json:"total"`
	CreatedAt time.Time  `json:"created_at"`
}

func (s Sale) EntityID() string { return s.ID }

func (s Sale) CloneEntity() Entity {
	s.Items = slices.Clone(s.Items)
	return s
}

// Transaction is a stock movement or payment recorded by the backend.
type Transaction struct {
	ID        string    `json:"_id"`
	Type      string    `json:"type"`
	ProductID string    `json:"product_id,omitempty"`
	Quantity  int       `json:"quantity,omitempty"`
	Amount    float64   `json:"amount"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (t Transaction) EntityID() string { return t.ID }

// User is an operator of the point of sale.
type User struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
	Role     string `json:"role"`
}

func (u User) EntityID() string { return u.ID }

// Push channel event names.
const (
	PushProductUpdated = "product:updated"
	PushStockUpdated   = "product:stock-updated"
)

// PushMessage is one frame on the websocket push channel.
type PushMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}
