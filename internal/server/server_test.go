package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/ki2pixel/kimiproxy/internal/config"
	"github.com/ki2pixel/kimiproxy/internal/hub"
	"github.com/ki2pixel/kimiproxy/internal/router"
	"github.com/ki2pixel/kimiproxy/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()

	cfg := config.Defaults()
	cfg.Providers = map[string]config.Provider{
		"nvidia":           {Type: "nvidia", BaseURL: "https://example.invalid"},
		"managed:kimi-code": {Type: "openai", BaseURL: "https://example.invalid"},
	}
	cfg.Models = map[string]config.Model{
		"nvidia/kimi-k2.5":                  {Provider: "nvidia", Model: "kimi-for-coding"},
		"managed:kimi-code/kimi-for-coding": {Provider: "managed:kimi-code", Model: "kimi-for-coding"},
		"openrouter/google/codegemma":       {Provider: "nvidia", Model: "google/codegemma"},
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	return New(cfg, router.New(cfg), st, hub.New()), st
}

func doJSON(t *testing.T, srv *Server, method, path, body string) (*httptest.ResponseRecorder, any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var decoded any
	if rec.Body.Len() > 0 {
		json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, decoded := doJSON(t, srv, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := decoded.(map[string]any)
	if body["status"] != "ok" {
		t.Errorf("health = %v", body)
	}
}

func TestOpenAIModelsListing(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, decoded := doJSON(t, srv, http.MethodGet, "/models", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	body, _ := decoded.(map[string]any)
	if body["object"] != "list" {
		t.Errorf("object = %v", body["object"])
	}
	data, _ := body["data"].([]any)
	if len(data) != 3 {
		t.Fatalf("data len = %d", len(data))
	}
	first, _ := data[0].(map[string]any)
	for _, field := range []string{"id", "object", "created", "owned_by"} {
		if _, ok := first[field]; !ok {
			t.Errorf("field %q missing: %v", field, first)
		}
	}
}

func TestDashboardModelsListing(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, decoded := doJSON(t, srv, http.MethodGet, "/api/models", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	list, _ := decoded.([]any)
	if len(list) != 3 {
		t.Fatalf("list len = %d", len(list))
	}
	entry, _ := list[0].(map[string]any)
	for _, field := range []string{"key", "name", "provider", "model"} {
		if _, ok := entry[field]; !ok {
			t.Errorf("field %q missing: %v", field, entry)
		}
	}
}

func TestProvidersListing(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, decoded := doJSON(t, srv, http.MethodGet, "/api/providers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	list, _ := decoded.([]any)
	if len(list) != 2 {
		t.Errorf("providers = %v", list)
	}
}

func TestSessionCRUD(t *testing.T) {
	srv, _ := newTestServer(t)

	// No active session initially.
	rec, _ := doJSON(t, srv, http.MethodGet, "/api/sessions/active", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("active status = %d", rec.Code)
	}

	// Create.
	rec, decoded := doJSON(t, srv, http.MethodPost, "/api/sessions",
		`{"name": "S1", "provider": "nvidia", "model": "nvidia/kimi-k2.5"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	created, _ := decoded.(map[string]any)
	id := int64(created["id"].(float64))

	// Active reflects it.
	rec, decoded = doJSON(t, srv, http.MethodGet, "/api/sessions/active", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("active status = %d", rec.Code)
	}
	active, _ := decoded.(map[string]any)
	if active["model"] != "nvidia/kimi-k2.5" || active["active"] != true {
		t.Errorf("active = %v", active)
	}

	// List.
	rec, decoded = doJSON(t, srv, http.MethodGet, "/api/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	list, _ := decoded.([]any)
	if len(list) != 1 {
		t.Errorf("sessions = %v", list)
	}

	// Get by id.
	rec, _ = doJSON(t, srv, http.MethodGet, "/api/sessions/"+itoa(id), "")
	if rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}

	// Delete.
	rec, _ = doJSON(t, srv, http.MethodDelete, "/api/sessions/"+itoa(id), "")
	if rec.Code != http.StatusOK {
		t.Errorf("delete status = %d", rec.Code)
	}
	rec, _ = doJSON(t, srv, http.MethodGet, "/api/sessions/"+itoa(id), "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", rec.Code)
	}
}

func TestSessionCreateValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, _ := doJSON(t, srv, http.MethodPost, "/api/sessions", `{"name": "S"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for missing model", rec.Code)
	}
}

func TestMetricsListing(t *testing.T) {
	srv, st := newTestServer(t)
	sess, _ := st.CreateSession("S", "nvidia", "nvidia/kimi-k2.5")
	st.CreateMetric(sess.ID, "nvidia", "nvidia/kimi-k2.5")

	rec, decoded := doJSON(t, srv, http.MethodGet, "/api/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	list, _ := decoded.([]any)
	if len(list) != 1 {
		t.Errorf("metrics = %v", list)
	}
}

func TestUnknownModelOnChatEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, decoded := doJSON(t, srv, http.MethodPost, "/chat/completions",
		`{"model": "missing", "messages": []}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
	body, _ := decoded.(map[string]any)
	errObj, _ := body["error"].(map[string]any)
	if errObj == nil || errObj["type"] != "unknown_model" {
		t.Errorf("body = %v", body)
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
