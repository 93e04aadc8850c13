package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	cachesync "github.com/hyperengineering/entitycache/internal/sync"
	"github.com/hyperengineering/entitycache/internal/types"
)

type testServer struct {
	router  http.Handler
	metrics *Metrics
}

func newTestServer(t *testing.T, apiKey string) *testServer {
	t.Helper()
	captureLogs(t)
	metrics := NewMetrics()
	h := NewHandler(newTestManager(t), apiKey, "1.2.3",
		WithMetrics(metrics), WithMaxSaveEntities(10))
	return &testServer{router: NewRouter(h), metrics: metrics}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %T: %v (%s)", v, err, w.Body.String())
	}
	return v
}

func newOrderSave(saveID string) cachesync.SaveRequest {
	return cachesync.SaveRequest{
		SaveID:   saveID,
		SourceID: "client-1",
		Entities: []cachesync.EntityPayload{
			{
				Ref:           "Order(-1)",
				Type:          "Order",
				Operation:     cachesync.OperationInsert,
				KeyProperties: []string{"OrderID"},
				KeyKinds:      []string{"int"},
				Key:           []any{-1},
				TemporaryKey:  true,
				Fields:        map[string]any{"OrderID": -1, "CustomerID": "ALFKI"},
			},
			{
				Ref:           "OrderDetail(-1,11)",
				Type:          "OrderDetail",
				Operation:     cachesync.OperationInsert,
				KeyProperties: []string{"OrderID", "ProductID"},
				KeyKinds:      []string{"int", "int"},
				Key:           []any{-1, 11},
				Fields:        map[string]any{"OrderID": -1, "ProductID": 11, "Quantity": 3},
				ForeignKeys:   []cachesync.ForeignKeyRef{{Properties: []string{"OrderID"}, TargetType: "Order"}},
			},
		},
	}
}

func TestHealth_NoAuthRequired(t *testing.T) {
	srv := newTestServer(t, testAPIKey)

	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	resp := decode[types.HealthResponse](t, w)
	if resp.Status != "healthy" || resp.Version != "1.2.3" || resp.SchemaVersion != 1 {
		t.Errorf("unexpected health %+v", resp)
	}
}

func TestProtectedRoutes_RequireAuth(t *testing.T) {
	srv := newTestServer(t, testAPIKey)

	for _, path := range []string{"/api/v1/stores", "/api/v1/stores/default", "/api/v1/stores/default/entities/Order"} {
		w := httptest.NewRecorder()
		srv.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without token = %d, want 401", path, w.Code)
		}
	}
}

func TestEmptyAPIKey_DisablesAuth(t *testing.T) {
	srv := newTestServer(t, "")

	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/stores", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestStoreLifecycle(t *testing.T) {
	srv := newTestServer(t, testAPIKey)

	// Create
	w := srv.do(t, http.MethodPost, "/api/v1/stores", types.CreateStoreRequest{
		StoreID: "org/northwind", Model: "northwind", Description: "Sample orders",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	created := decode[types.StoreInfoResponse](t, w)
	if created.ID != "org/northwind" || created.Model != "northwind" || created.SchemaVersion != 1 {
		t.Errorf("unexpected created store %+v", created)
	}

	// Duplicate
	if w := srv.do(t, http.MethodPost, "/api/v1/stores", types.CreateStoreRequest{StoreID: "org/northwind"}); w.Code != http.StatusConflict {
		t.Errorf("duplicate create status = %d, want 409", w.Code)
	}
	if w := srv.do(t, http.MethodPost, "/api/v1/stores", types.CreateStoreRequest{StoreID: "Bad ID"}); w.Code != http.StatusBadRequest {
		t.Errorf("invalid create status = %d, want 400", w.Code)
	}

	// List
	list := decode[types.ListStoresResponse](t, srv.do(t, http.MethodGet, "/api/v1/stores", nil))
	if list.Total != 1 || list.Stores[0].ID != "org/northwind" || list.Stores[0].Description != "Sample orders" {
		t.Errorf("unexpected list %+v", list)
	}

	// Info via escaped nested ID
	path := "/api/v1/stores/" + url.PathEscape("org/northwind")
	if w := srv.do(t, http.MethodGet, path, nil); w.Code != http.StatusOK {
		t.Errorf("info status = %d: %s", w.Code, w.Body.String())
	}

	// Delete
	if w := srv.do(t, http.MethodDelete, path, nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d: %s", w.Code, w.Body.String())
	}
	if w := srv.do(t, http.MethodGet, path, nil); w.Code != http.StatusNotFound {
		t.Errorf("info after delete = %d, want 404", w.Code)
	}
	if w := srv.do(t, http.MethodDelete, "/api/v1/stores/default", nil); w.Code != http.StatusForbidden {
		t.Errorf("delete default = %d, want 403", w.Code)
	}
}

func TestSave_ResolvesTemporaryKeys(t *testing.T) {
	// Given: An order with a temporary key and a detail referring to it
	srv := newTestServer(t, testAPIKey)

	// When: The save is submitted
	w := srv.do(t, http.MethodPost, "/api/v1/stores/default/save", newOrderSave("save-1"))

	// Then: Both are saved under the generated key
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	resp := decode[cachesync.SaveResponse](t, w)
	if resp.SaveID != "save-1" || len(resp.Outcomes) != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(resp.KeyMappings) != 1 || resp.KeyMappings[0].RealKey[0] != float64(1) {
		t.Errorf("key mappings = %+v", resp.KeyMappings)
	}
	detail := resp.Outcomes[1]
	if detail.Ref != "OrderDetail(-1,11)" || detail.Kind != cachesync.OutcomeSaved {
		t.Errorf("detail outcome = %+v", detail)
	}
	if detail.Fields["OrderID"] != float64(1) {
		t.Errorf("detail OrderID = %v, want 1", detail.Fields["OrderID"])
	}

	// And: The stored rows can be fetched
	w = srv.do(t, http.MethodGet, "/api/v1/stores/default/entities/OrderDetail?key="+url.QueryEscape("[1,11]"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("fetch status = %d: %s", w.Code, w.Body.String())
	}
	rec := decode[cachesync.EntityRecord](t, w)
	if rec.Fields["Quantity"] != float64(3) || rec.Version != 1 {
		t.Errorf("fetched %+v", rec)
	}

	list := decode[cachesync.FetchResponse](t, srv.do(t, http.MethodGet, "/api/v1/stores/default/entities/Order", nil))
	if list.Type != "Order" || len(list.Entities) != 1 {
		t.Errorf("list = %+v", list)
	}
}

func TestSave_LargeIntegersRoundTrip(t *testing.T) {
	// Given: A detail whose key and quantity exceed 2^53
	srv := newTestServer(t, testAPIKey)
	body := json.RawMessage(`{"save_id":"big","source_id":"client-1","entities":[{
		"ref":"OrderDetail(9007199254740993,11)","type":"OrderDetail","operation":"insert",
		"key_properties":["OrderID","ProductID"],"key_kinds":["int","int"],
		"key":[9007199254740993,11],
		"fields":{"OrderID":9007199254740993,"ProductID":11,"Quantity":9007199254740993}}]}`)

	// When: It is saved and fetched
	w := srv.do(t, http.MethodPost, "/api/v1/stores/default/save", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	saved := w.Body.String()
	w = srv.do(t, http.MethodGet, "/api/v1/stores/default/entities/OrderDetail?key="+url.QueryEscape("[9007199254740993,11]"), nil)

	// Then: Both responses carry the exact values
	if w.Code != http.StatusOK {
		t.Fatalf("fetch status = %d: %s", w.Code, w.Body.String())
	}
	for _, got := range []string{saved, w.Body.String()} {
		if !strings.Contains(got, `"Quantity":9007199254740993`) || !strings.Contains(got, `[9007199254740993,11]`) {
			t.Errorf("value lost precision: %s", got)
		}
	}
}

func TestSave_IdempotentReplay(t *testing.T) {
	srv := newTestServer(t, testAPIKey)

	first := srv.do(t, http.MethodPost, "/api/v1/stores/default/save", newOrderSave("save-1"))
	if first.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", first.Code, first.Body.String())
	}
	if first.Header().Get("X-Idempotent-Replay") != "" {
		t.Error("first response must not be marked as a replay")
	}

	second := srv.do(t, http.MethodPost, "/api/v1/stores/default/save", newOrderSave("save-1"))
	if second.Code != http.StatusOK {
		t.Fatalf("replay status = %d: %s", second.Code, second.Body.String())
	}
	if second.Header().Get("X-Idempotent-Replay") != "true" {
		t.Error("expected X-Idempotent-Replay: true")
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Errorf("replayed body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}

	list := decode[cachesync.FetchResponse](t, srv.do(t, http.MethodGet, "/api/v1/stores/default/entities/Order", nil))
	if len(list.Entities) != 1 {
		t.Errorf("replay must not insert again, got %d orders", len(list.Entities))
	}
}

func TestSave_Rejections(t *testing.T) {
	srv := newTestServer(t, testAPIKey)

	update := newOrderSave("save-update")
	update.Entities = update.Entities[:1]
	update.Entities[0].Operation = cachesync.OperationUpdate
	update.Entities[0].TemporaryKey = false
	update.Entities[0].Key = []any{42}

	invalid := newOrderSave("")

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"malformed json", `{"save_id":`, http.StatusBadRequest},
		{"invalid request", mustJSON(t, invalid), http.StatusUnprocessableEntity},
		{"update of missing row", mustJSON(t, update), http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/stores/default/save", strings.NewReader(tt.body))
			req.Header.Set("Authorization", "Bearer "+testAPIKey)
			w := httptest.NewRecorder()
			srv.router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
				t.Errorf("Content-Type = %q", ct)
			}
		})
	}

	// A rejected save leaves nothing behind
	list := decode[cachesync.FetchResponse](t, srv.do(t, http.MethodGet, "/api/v1/stores/default/entities/Order", nil))
	if len(list.Entities) != 0 {
		t.Errorf("expected no orders, got %d", len(list.Entities))
	}
}

func TestSave_TooManyEntities(t *testing.T) {
	srv := newTestServer(t, testAPIKey)

	req := newOrderSave("save-big")
	base := req.Entities[0]
	req.Entities = nil
	for i := 1; i <= 11; i++ {
		e := base
		e.Ref = fmt.Sprintf("Order(-%d)", i)
		e.Key = []any{-i}
		e.Fields = map[string]any{"OrderID": -i}
		req.Entities = append(req.Entities, e)
	}

	w := srv.do(t, http.MethodPost, "/api/v1/stores/default/save", req)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

func TestFetchEntities_Errors(t *testing.T) {
	srv := newTestServer(t, testAPIKey)

	if w := srv.do(t, http.MethodGet, "/api/v1/stores/default/entities/Order?key="+url.QueryEscape("[99]"), nil); w.Code != http.StatusNotFound {
		t.Errorf("missing entity = %d, want 404", w.Code)
	}
	if w := srv.do(t, http.MethodGet, "/api/v1/stores/default/entities/Order?key=99", nil); w.Code != http.StatusBadRequest {
		t.Errorf("non-array key = %d, want 400", w.Code)
	}
	if w := srv.do(t, http.MethodGet, "/api/v1/stores/missing/entities/Order", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown store = %d, want 404", w.Code)
	}
}

func TestSaveLog_Paging(t *testing.T) {
	srv := newTestServer(t, testAPIKey)
	for i := 1; i <= 3; i++ {
		if w := srv.do(t, http.MethodPost, "/api/v1/stores/default/save", newOrderSave(fmt.Sprintf("save-%d", i))); w.Code != http.StatusOK {
			t.Fatalf("save %d status = %d: %s", i, w.Code, w.Body.String())
		}
	}

	page := decode[types.SaveLogResponse](t, srv.do(t, http.MethodGet, "/api/v1/stores/default/saves?limit=2", nil))
	if len(page.Entries) != 2 || !page.HasMore || page.Entries[0].SaveID != "save-1" {
		t.Fatalf("first page = %+v", page)
	}

	next := decode[types.SaveLogResponse](t, srv.do(t, http.MethodGet,
		fmt.Sprintf("/api/v1/stores/default/saves?after=%d", page.LastSequence), nil))
	if len(next.Entries) != 1 || next.HasMore || next.Entries[0].SaveID != "save-3" {
		t.Errorf("second page = %+v", next)
	}
	if next.Entries[0].Inserted != 2 {
		t.Errorf("inserted = %d, want 2", next.Entries[0].Inserted)
	}

	if w := srv.do(t, http.MethodGet, "/api/v1/stores/default/saves?limit=0", nil); w.Code != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, testAPIKey)
	srv.do(t, http.MethodPost, "/api/v1/stores/default/save", newOrderSave("save-1"))

	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		`entitycache_saves_total{result="applied"} 1`,
		`entitycache_saved_entities_total{operation="insert"} 2`,
		`entitycache_http_requests_total{method="POST",route="/api/v1/stores/{store_id}/save",status="200"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}
