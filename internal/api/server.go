// Package api is the embedded backend: the REST routes the client talks to,
// the websocket push channel and the MCP tool server.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/kalambet/lensdesk/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// RequestRecorder receives per-request metrics. Implemented by metrics.Metrics.
type RequestRecorder interface {
	RequestServed(method, route string, status int, took time.Duration)
}

// Deps holds the backend's dependencies.
type Deps struct {
	Store    *storage.Store
	Token    string
	Hub      *Hub         // optional; product mutations are pushed when set
	Metrics  http.Handler // optional; served on /metrics
	Recorder RequestRecorder
	Logger   *slog.Logger
	NewID    func() string // default uuid
}

func (d *Deps) defaults() {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.NewID == nil {
		d.NewID = func() string { return uuid.New().String() }
	}
}

// NewHandler returns the backend router. Everything under /api and /ws needs
// the bearer token; /health and /metrics do not.
func NewHandler(deps Deps) http.Handler {
	deps.defaults()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if deps.Recorder != nil {
		r.Use(recordRequests(deps.Recorder))
	}

	r.Get("/health", handleHealth(deps))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	if deps.Hub != nil {
		r.With(BearerAuth(deps.Token)).Method(http.MethodGet, "/ws", deps.Hub.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/products", handleListProducts(deps))
		r.Post("/products", handleCreateProduct(deps))
		r.Get("/products/barcode/{code}", handleProductByBarcode(deps))
		r.Get("/products/{id}", handleGetProduct(deps))
		r.Put("/products/{id}", handleUpdateProduct(deps))
		r.Patch("/products/{id}/stock", handleUpdateStock(deps))
		r.Delete("/products/{id}", handleDeleteProduct(deps))

		r.Get("/users", handleListUsers(deps))
		r.Post("/users", handleCreateUser(deps))
		r.Get("/users/{id}", handleGetUser(deps))
		r.Put("/users/{id}", handleUpdateUser(deps))
		r.Delete("/users/{id}", handleDeleteUser(deps))

		r.Get("/transactions", handleListTransactions(deps))
		r.Post("/transactions", handleCreateTransaction(deps))
		r.Get("/transactions/{id}", handleGetTransaction(deps))

		r.Get("/sales", handleListSales(deps))
		r.Post("/sales", handleCreateSale(deps))
		r.Get("/sales/{id}", handleGetSale(deps))

		r.Get("/activity", handleListActivity(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok"}
		if deps.Hub != nil {
			body["push_clients"] = deps.Hub.Clients()
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func recordRequests(rec RequestRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			rec.RequestServed(r.Method, route, status, time.Since(start))
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// storeError maps storage sentinels onto HTTP statuses.
func storeError(w http.ResponseWriter, logger *slog.Logger, what string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%s not found", what)
	case errors.Is(err, storage.ErrConflict):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	case errors.Is(err, storage.ErrInsufficientStock):
		httpError(w, http.StatusConflict, "insufficient_stock", "%v", err)
	default:
		logger.Error("storage failure", "what", what, "error", err)
		httpError(w, http.StatusInternalServerError, "internal_error", "failed to access %s", what)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
