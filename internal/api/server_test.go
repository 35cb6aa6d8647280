package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/kalambet/lensdesk/internal/model"
	"github.com/kalambet/lensdesk/internal/storage"
)

const testToken = "test-token"

func newTestBackend(t *testing.T) (*httptest.Server, *storage.Store, *Hub) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	hub := NewHub(nil)
	n := 0
	srv := httptest.NewServer(NewHandler(Deps{
		Store: store,
		Token: testToken,
		Hub:   hub,
		NewID: func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		},
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return srv, store, hub
}

func doJSON(t *testing.T, srv *httptest.Server, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, srv.URL+path, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func errorType(t *testing.T, body []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decoding error envelope %q: %v", body, err)
	}
	return env.Error.Type
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, _, _ := newTestBackend(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", resp.StatusCode, body)
	}
}

func TestAPIRequiresBearerToken(t *testing.T) {
	srv, _, _ := newTestBackend(t)
	resp, err := http.Get(srv.URL + "/api/products")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestProductLifecycle(t *testing.T) {
	srv, store, _ := newTestBackend(t)

	resp, body := doJSON(t, srv, http.MethodPost, "/api/products", model.Product{Name: "Lente CR39", Barcode: "7501", Price: 120, Stock: 4})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d: %s", resp.StatusCode, body)
	}
	var created model.Product
	json.Unmarshal(body, &created)
	if created.ID != "id-1" {
		t.Fatalf("created = %+v", created)
	}

	resp, body = doJSON(t, srv, http.MethodGet, "/api/products/barcode/7501", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"_id":"id-1"`) {
		t.Errorf("barcode lookup = %d %s", resp.StatusCode, body)
	}

	created.Price = 130
	resp, body = doJSON(t, srv, http.MethodPut, "/api/products/id-1", created)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d: %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, srv, http.MethodPatch, "/api/products/id-1/stock", model.StockUpdate{Stock: 9})
	var stocked model.Product
	json.Unmarshal(body, &stocked)
	if resp.StatusCode != http.StatusOK || stocked.Stock != 9 || stocked.Price != 130 {
		t.Errorf("stock patch = %d %+v", resp.StatusCode, stocked)
	}

	resp, _ = doJSON(t, srv, http.MethodDelete, "/api/products/id-1", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	resp, body = doJSON(t, srv, http.MethodGet, "/api/products/id-1", nil)
	if resp.StatusCode != http.StatusNotFound || errorType(t, body) != "not_found" {
		t.Errorf("get deleted = %d %s", resp.StatusCode, body)
	}

	activity, err := store.RecentActivity(10)
	if err != nil {
		t.Fatalf("RecentActivity: %v", err)
	}
	var actions []string
	for _, a := range activity {
		actions = append(actions, a.Action)
	}
	if got := strings.Join(actions, ","); got != "delete,stock,update,create" {
		t.Errorf("activity = %s", got)
	}
}

func TestProductValidationAndConflict(t *testing.T) {
	srv, _, _ := newTestBackend(t)

	resp, body := doJSON(t, srv, http.MethodPost, "/api/products", model.Product{Price: 1})
	if resp.StatusCode != http.StatusBadRequest || errorType(t, body) != "invalid_request_error" {
		t.Errorf("missing name = %d %s", resp.StatusCode, body)
	}

	doJSON(t, srv, http.MethodPost, "/api/products", model.Product{Name: "A", Barcode: "1"})
	resp, body = doJSON(t, srv, http.MethodPost, "/api/products", model.Product{Name: "B", Barcode: "1"})
	if resp.StatusCode != http.StatusConflict || errorType(t, body) != "conflict" {
		t.Errorf("duplicate barcode = %d %s", resp.StatusCode, body)
	}
}

func TestCreateSaleAndTransactions(t *testing.T) {
	srv, _, _ := newTestBackend(t)
	doJSON(t, srv, http.MethodPost, "/api/products", model.Product{ID: "p1", Name: "Armazon", Price: 50, Stock: 3})

	resp, body := doJSON(t, srv, http.MethodPost, "/api/sales", model.Sale{Items: []model.SaleItem{{ProductID: "p1", Quantity: 2}}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("sale status = %d: %s", resp.StatusCode, body)
	}
	var sale model.Sale
	json.Unmarshal(body, &sale)
	if sale.Total != 100 {
		t.Errorf("sale total = %v, want 100", sale.Total)
	}

	resp, body = doJSON(t, srv, http.MethodPost, "/api/sales", model.Sale{Items: []model.SaleItem{{ProductID: "p1", Quantity: 2}}})
	if resp.StatusCode != http.StatusConflict || errorType(t, body) != "insufficient_stock" {
		t.Errorf("oversell = %d %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, srv, http.MethodPost, "/api/sales", model.Sale{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty sale = %d %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, srv, http.MethodGet, "/api/transactions?type=sale&product_id=p1", nil)
	var txs []model.Transaction
	json.Unmarshal(body, &txs)
	if resp.StatusCode != http.StatusOK || len(txs) != 1 || txs[0].Quantity != 2 {
		t.Errorf("transactions = %d %+v", resp.StatusCode, txs)
	}

	resp, _ = doJSON(t, srv, http.MethodGet, "/api/transactions?since=yesterday", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad since = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, srv, http.MethodGet, "/api/sales?limit=-1", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit = %d", resp.StatusCode)
	}
}

func TestUserRoutes(t *testing.T) {
	srv, _, _ := newTestBackend(t)

	resp, body := doJSON(t, srv, http.MethodPost, "/api/users", model.User{Username: "ana"})
	var u model.User
	json.Unmarshal(body, &u)
	if resp.StatusCode != http.StatusCreated || u.Role != "seller" {
		t.Fatalf("create user = %d %+v", resp.StatusCode, u)
	}

	u.Role = "admin"
	resp, body = doJSON(t, srv, http.MethodPut, "/api/users/"+u.ID, u)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"role":"admin"`) {
		t.Errorf("update user = %d %s", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, srv, http.MethodDelete, "/api/users/"+u.ID, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete user = %d", resp.StatusCode)
	}
}

func dialPush(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	cfg, err := websocket.NewConfig("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", srv.URL)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	cfg.Header = http.Header{"Authorization": {"Bearer " + testToken}}
	ws, err := websocket.DialConfig(cfg)
	if err != nil {
		t.Fatalf("dialing push channel: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("push clients = %d, want %d", hub.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPushChannelBroadcastsProductChanges(t *testing.T) {
	srv, _, hub := newTestBackend(t)
	ws := dialPush(t, srv)
	waitClients(t, hub, 1)

	doJSON(t, srv, http.MethodPost, "/api/products", model.Product{ID: "p1", Name: "Lente", Stock: 2})
	doJSON(t, srv, http.MethodPatch, "/api/products/p1/stock", model.StockUpdate{Stock: 7})

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, second model.PushMessage
	if err := websocket.JSON.Receive(ws, &first); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := websocket.JSON.Receive(ws, &second); err != nil {
		t.Fatalf("receive: %v", err)
	}

	if first.Event != model.PushProductUpdated {
		t.Errorf("first event = %q", first.Event)
	}
	var p model.Product
	json.Unmarshal(first.Data, &p)
	if p.ID != "p1" {
		t.Errorf("first data = %s", first.Data)
	}

	if second.Event != model.PushStockUpdated {
		t.Errorf("second event = %q", second.Event)
	}
	var s model.StockUpdate
	json.Unmarshal(second.Data, &s)
	if s.ProductID != "p1" || s.Stock != 7 {
		t.Errorf("second data = %s", second.Data)
	}
}

func TestPushChannelRequiresToken(t *testing.T) {
	srv, _, _ := newTestBackend(t)
	_, err := websocket.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", "", srv.URL)
	if err == nil {
		t.Fatal("expected handshake to fail without token")
	}
}

func TestPushChannelAcceptsQueryToken(t *testing.T) {
	srv, _, hub := newTestBackend(t)
	ws, err := websocket.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?access_token="+testToken, "", srv.URL)
	if err != nil {
		t.Fatalf("dialing with query token: %v", err)
	}
	defer ws.Close()
	waitClients(t, hub, 1)
}

func TestQueryTokenOnlyForPushChannel(t *testing.T) {
	srv, _, _ := newTestBackend(t)
	resp, err := http.Get(srv.URL + "/api/products?access_token=" + testToken)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	srv, _, hub := newTestBackend(t)
	ws := dialPush(t, srv)
	waitClients(t, hub, 1)

	hub.Close()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg model.PushMessage
	if err := websocket.JSON.Receive(ws, &msg); err == nil {
		t.Errorf("expected closed connection, got %+v", msg)
	}
	hub.Broadcast(model.PushProductUpdated, model.Product{ID: "late"})
	if hub.Clients() != 0 {
		t.Errorf("clients after close = %d", hub.Clients())
	}
}
