package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/lensdesk/internal/model"
	"github.com/kalambet/lensdesk/internal/storage"
)

func logActivity(deps Deps, action, entity, id, detail string) {
	if _, err := deps.Store.LogActivity(storage.Activity{
		Action:   action,
		Entity:   entity,
		EntityID: id,
		Detail:   detail,
	}); err != nil {
		deps.Logger.Warn("failed to write activity log", "action", action, "entity", entity, "id", id, "error", err)
	}
}

func pushProduct(deps Deps, p model.Product) {
	if deps.Hub != nil {
		deps.Hub.Broadcast(model.PushProductUpdated, p)
	}
}

func pushStock(deps Deps, p model.Product) {
	if deps.Hub != nil {
		surtido := p.StockSurtido
		deps.Hub.Broadcast(model.PushStockUpdated, model.StockUpdate{ProductID: p.ID, Stock: p.Stock, StockSurtido: &surtido})
	}
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

// --- Products ---

func validateProduct(p model.Product) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if p.Price < 0 || p.Cost < 0 {
		return fmt.Errorf("price and cost must not be negative")
	}
	if p.Stock < 0 || p.StockSurtido < 0 {
		return fmt.Errorf("stock must not be negative")
	}
	return nil
}

func handleListProducts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		products, err := deps.Store.ListProducts()
		if err != nil {
			storeError(w, deps.Logger, "products", err)
			return
		}
		writeJSON(w, http.StatusOK, products)
	}
}

func handleGetProduct(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		p, err := deps.Store.GetProduct(id)
		if err != nil {
			storeError(w, deps.Logger, "product "+id, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleProductByBarcode(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		p, err := deps.Store.GetProductByBarcode(code)
		if err != nil {
			storeError(w, deps.Logger, "barcode "+code, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleCreateProduct(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p model.Product
		if !decodeBody(w, r, &p) {
			return
		}
		if err := validateProduct(p); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if p.ID == "" {
			p.ID = deps.NewID()
		}
		created, err := deps.Store.CreateProduct(p)
		if err != nil {
			storeError(w, deps.Logger, "product", err)
			return
		}
		logActivity(deps, "create", "product", created.ID, created.Name)
		pushProduct(deps, created)
		writeJSON(w, http.StatusCreated, created)
	}
}

func handleUpdateProduct(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var p model.Product
		if !decodeBody(w, r, &p) {
			return
		}
		if err := validateProduct(p); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		updated, err := deps.Store.UpdateProduct(id, p)
		if err != nil {
			storeError(w, deps.Logger, "product "+id, err)
			return
		}
		logActivity(deps, "update", "product", id, updated.Name)
		pushProduct(deps, updated)
		writeJSON(w, http.StatusOK, updated)
	}
}

func handleUpdateStock(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req model.StockUpdate
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Stock < 0 || (req.StockSurtido != nil && *req.StockSurtido < 0) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "stock must not be negative")
			return
		}
		updated, err := deps.Store.UpdateProductStock(id, req.Stock, req.StockSurtido)
		if err != nil {
			storeError(w, deps.Logger, "product "+id, err)
			return
		}
		logActivity(deps, "stock", "product", id, fmt.Sprintf("stock=%d surtido=%d", updated.Stock, updated.StockSurtido))
		pushStock(deps, updated)
		writeJSON(w, http.StatusOK, updated)
	}
}

func handleDeleteProduct(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Store.DeleteProduct(id); err != nil {
			storeError(w, deps.Logger, "product "+id, err)
			return
		}
		logActivity(deps, "delete", "product", id, "")
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- Users ---

func handleListUsers(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users, err := deps.Store.ListUsers()
		if err != nil {
			storeError(w, deps.Logger, "users", err)
			return
		}
		writeJSON(w, http.StatusOK, users)
	}
}

func handleGetUser(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		u, err := deps.Store.GetUser(id)
		if err != nil {
			storeError(w, deps.Logger, "user "+id, err)
			return
		}
		writeJSON(w, http.StatusOK, u)
	}
}

func handleCreateUser(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var u model.User
		if !decodeBody(w, r, &u) {
			return
		}
		if strings.TrimSpace(u.Username) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "username is required")
			return
		}
		if u.ID == "" {
			u.ID = deps.NewID()
		}
		created, err := deps.Store.CreateUser(u)
		if err != nil {
			storeError(w, deps.Logger, "user", err)
			return
		}
		logActivity(deps, "create", "user", created.ID, created.Username)
		writeJSON(w, http.StatusCreated, created)
	}
}

func handleUpdateUser(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var u model.User
		if !decodeBody(w, r, &u) {
			return
		}
		if strings.TrimSpace(u.Username) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "username is required")
			return
		}
		updated, err := deps.Store.UpdateUser(id, u)
		if err != nil {
			storeError(w, deps.Logger, "user "+id, err)
			return
		}
		logActivity(deps, "update", "user", id, updated.Username)
		writeJSON(w, http.StatusOK, updated)
	}
}

func handleDeleteUser(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Store.DeleteUser(id); err != nil {
			storeError(w, deps.Logger, "user "+id, err)
			return
		}
		logActivity(deps, "delete", "user", id, "")
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- Transactions ---

func handleListTransactions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := storage.TransactionFilter{
			Type:      q.Get("type"),
			ProductID: q.Get("product_id"),
		}
		if raw := q.Get("since"); raw != "" {
			since, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid since %q: expected RFC 3339", raw)
				return
			}
			f.Since = since
		}
		limit, err := queryLimit(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		f.Limit = limit

		txs, err := deps.Store.ListTransactions(f)
		if err != nil {
			storeError(w, deps.Logger, "transactions", err)
			return
		}
		writeJSON(w, http.StatusOK, txs)
	}
}

func handleGetTransaction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		t, err := deps.Store.GetTransaction(id)
		if err != nil {
			storeError(w, deps.Logger, "transaction "+id, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func handleCreateTransaction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var t model.Transaction
		if !decodeBody(w, r, &t) {
			return
		}
		if strings.TrimSpace(t.Type) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "type is required")
			return
		}
		if t.ID == "" {
			t.ID = deps.NewID()
		}
		created, err := deps.Store.CreateTransaction(t)
		if err != nil {
			storeError(w, deps.Logger, "transaction", err)
			return
		}
		logActivity(deps, "create", "transaction", created.ID, created.Type)
		writeJSON(w, http.StatusCreated, created)
	}
}

// --- Sales ---

func handleListSales(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryLimit(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		sales, err := deps.Store.ListSales(limit)
		if err != nil {
			storeError(w, deps.Logger, "sales", err)
			return
		}
		writeJSON(w, http.StatusOK, sales)
	}
}

func handleGetSale(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		s, err := deps.Store.GetSale(id)
		if err != nil {
			storeError(w, deps.Logger, "sale "+id, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

// handleCreateSale records the sale and pushes the new stock of every product
// it touched.
func handleCreateSale(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var s model.Sale
		if !decodeBody(w, r, &s) {
			return
		}
		if len(s.Items) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "items is required and must not be empty")
			return
		}
		if s.ID == "" {
			s.ID = deps.NewID()
		}
		created, changed, err := deps.Store.CreateSale(s, deps.NewID)
		if err != nil {
			storeError(w, deps.Logger, "sale", err)
			return
		}
		logActivity(deps, "create", "sale", created.ID, fmt.Sprintf("%d items, total %.2f", len(created.Items), created.Total))
		for _, p := range changed {
			pushStock(deps, p)
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

// --- Activity ---

func handleListActivity(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryLimit(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		rows, err := deps.Store.RecentActivity(limit)
		if err != nil {
			storeError(w, deps.Logger, "activity", err)
			return
		}
		writeJSON(w, http.StatusOK, rows)
	}
}
