package apiclient

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kalambet/lensdesk/internal/model"
)

// --- Products ---

func (c *Client) GetProducts(ctx context.Context) ([]model.Product, error) {
	return call[[]model.Product](ctx, c, http.MethodGet, "/api/products", nil, nil)
}

func (c *Client) GetProduct(ctx context.Context, id string) (model.Product, error) {
	return call[model.Product](ctx, c, http.MethodGet, pathID("/api/products", id), nil, nil)
}

func (c *Client) GetProductByBarcode(ctx context.Context, code string) (model.Product, error) {
	return call[model.Product](ctx, c, http.MethodGet, pathID("/api/products/barcode", code), nil, nil)
}

func (c *Client) CreateProduct(ctx context.Context, p model.Product) (model.Product, error) {
	return call[model.Product](ctx, c, http.MethodPost, "/api/products", nil, p)
}

func (c *Client) UpdateProduct(ctx context.Context, id string, p model.Product) (model.Product, error) {
	return call[model.Product](ctx, c, http.MethodPut, pathID("/api/products", id), nil, p)
}

func (c *Client) DeleteProduct(ctx context.Context, id string) error {
	resp := c.Do(ctx, Request{Method: http.MethodDelete, Endpoint: pathID("/api/products", id), RequiresAuth: true})
	return resp.Err()
}

// UpdateProductStock sets stock and, when non-nil, stock_surtido.
func (c *Client) UpdateProductStock(ctx context.Context, id string, stock int, surtido *int) (model.Product, error) {
	body := model.StockUpdate{ProductID: id, Stock: stock, StockSurtido: surtido}
	return call[model.Product](ctx, c, http.MethodPatch, pathID("/api/products", id)+"/stock", nil, body)
}

// --- Users ---

func (c *Client) GetUsers(ctx context.Context) ([]model.User, error) {
	return call[[]model.User](ctx, c, http.MethodGet, "/api/users", nil, nil)
}

func (c *Client) GetUser(ctx context.Context, id string) (model.User, error) {
	return call[model.User](ctx, c, http.MethodGet, pathID("/api/users", id), nil, nil)
}

func (c *Client) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	return call[model.User](ctx, c, http.MethodPost, "/api/users", nil, u)
}

func (c *Client) UpdateUser(ctx context.Context, id string, u model.User) (model.User, error) {
	return call[model.User](ctx, c, http.MethodPut, pathID("/api/users", id), nil, u)
}

func (c *Client) DeleteUser(ctx context.Context, id string) error {
	resp := c.Do(ctx, Request{Method: http.MethodDelete, Endpoint: pathID("/api/users", id), RequiresAuth: true})
	return resp.Err()
}

// --- Transactions ---

// TransactionParams filters GetTransactions. Zero values are omitted.
type TransactionParams struct {
	Type      string
	ProductID string
	Since     time.Time
	Limit     int
}

func (p TransactionParams) query() url.Values {
	q := url.Values{}
	if p.Type != "" {
		q.Set("type", p.Type)
	}
	if p.ProductID != "" {
		q.Set("product_id", p.ProductID)
	}
	if !p.Since.IsZero() {
		q.Set("since", p.Since.UTC().Format(time.RFC3339))
	}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	return q
}

func (c *Client) GetTransactions(ctx context.Context, params TransactionParams) ([]model.Transaction, error) {
	return call[[]model.Transaction](ctx, c, http.MethodGet, "/api/transactions", params.query(), nil)
}

func (c *Client) GetTransaction(ctx context.Context, id string) (model.Transaction, error) {
	return call[model.Transaction](ctx, c, http.MethodGet, pathID("/api/transactions", id), nil, nil)
}

func (c *Client) CreateTransaction(ctx context.Context, t model.Transaction) (model.Transaction, error) {
	return call[model.Transaction](ctx, c, http.MethodPost, "/api/transactions", nil, t)
}

// --- Sales ---

func (c *Client) GetSales(ctx context.Context, limit int) ([]model.Sale, error) {
	var q url.Values
	if limit > 0 {
		q = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	return call[[]model.Sale](ctx, c, http.MethodGet, "/api/sales", q, nil)
}

func (c *Client) CreateSale(ctx context.Context, s model.Sale) (model.Sale, error) {
	return call[model.Sale](ctx, c, http.MethodPost, "/api/sales", nil, s)
}

// --- Diagnostics ---

// Activity is one row of the backend audit log.
type Activity struct {
	Action    string    `json:"action"`
	Entity    string    `json:"entity"`
	EntityID  string    `json:"entity_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (c *Client) GetActivity(ctx context.Context, limit int) ([]Activity, error) {
	var q url.Values
	if limit > 0 {
		q = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	return call[[]Activity](ctx, c, http.MethodGet, "/api/activity", q, nil)
}

// Health returns the backend health document.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	resp := c.Do(ctx, Request{Method: http.MethodGet, Endpoint: "/health"})
	var out map[string]any
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
