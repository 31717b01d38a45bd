package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"market-analytics/config"
	"market-analytics/internal/bus"
	"market-analytics/internal/database"
	"market-analytics/internal/model"
	"market-analytics/internal/window"
)

func newTestServer(t *testing.T, authCfg config.AuthConfig) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	serverCfg := config.ServerConfig{
		Port:           8080,
		Host:           "127.0.0.1",
		AllowedOrigins: "*",
		ReadTimeout:    30,
		WriteTimeout:   30,
	}
	broadcastCfg := config.BroadcastConfig{
		Symbols:  []string{"BTC", "ETH"},
		Interval: time.Second,
	}

	store := database.NewRedisSnapshotStore(nil)
	windows := window.NewStore(window.DefaultCapacity)
	tickBus := bus.NewMemoryBus(nil)
	t.Cleanup(func() { tickBus.Close() })

	return NewServer(serverCfg, authCfg, broadcastCfg, store, windows, nil, nil, tickBus, nil, nil)
}

func doRequest(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func seedSnapshot(t *testing.T, s *Server, symbol string, price float64) {
	t.Helper()
	snapshot := &model.MarketSnapshot{
		Symbol:       symbol,
		Timestamp:    time.Now().UTC(),
		CurrentPrice: price,
		MarketState:  model.RegimeNeutralStable,
	}
	if err := s.store.Save(context.Background(), snapshot); err != nil {
		t.Fatalf("Failed to seed snapshot: %v", err)
	}
}

// TestHealthEndpoint tests that health always answers 200 and reports
// degradation through the status field.
func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	w := doRequest(s, http.MethodGet, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var response map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	// No upstream stream is wired in tests, so the service is degraded
	// but still serving.
	if response["status"] != "degraded" {
		t.Errorf("Expected status 'degraded', got '%v'", response["status"])
	}
	if response["redis"] != true {
		t.Errorf("Expected redis healthy (memory-only store), got %v", response["redis"])
	}
}

// TestGetSnapshot tests the latest-snapshot endpoint, including the
// not-found contract.
func TestGetSnapshot(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	w := doRequest(s, http.MethodGet, "/api/market/BTC")
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 before any snapshot, got %d", w.Code)
	}

	var errResp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("Failed to parse error response: %v", err)
	}
	if errResp["error"] != "No data available for BTC" {
		t.Errorf("Expected no-data error message, got %q", errResp["error"])
	}

	seedSnapshot(t, s, "BTC", 50000)

	// Lowercase path must resolve to the canonical symbol.
	w = doRequest(s, http.MethodGet, "/api/market/btc")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var snapshot model.MarketSnapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("Failed to parse snapshot: %v", err)
	}
	if snapshot.Symbol != "BTC" || snapshot.CurrentPrice != 50000 {
		t.Errorf("Expected BTC at 50000, got %s at %f", snapshot.Symbol, snapshot.CurrentPrice)
	}
}

// TestGetSymbols tests the stored-symbol listing.
func TestGetSymbols(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	seedSnapshot(t, s, "BTC", 50000)
	seedSnapshot(t, s, "ETH", 3000)

	w := doRequest(s, http.MethodGet, "/api/market/symbols")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var response struct {
		Symbols []string `json:"symbols"`
		Count   int      `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if response.Count != 2 {
		t.Errorf("Expected 2 symbols, got %d", response.Count)
	}
	// Sorted output.
	if len(response.Symbols) != 2 || response.Symbols[0] != "BTC" || response.Symbols[1] != "ETH" {
		t.Errorf("Expected [BTC ETH], got %v", response.Symbols)
	}
}

// TestHistoryDisabled tests that the history endpoint reports the
// archive as unavailable when Postgres is off.
func TestHistoryDisabled(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	w := doRequest(s, http.MethodGet, "/api/market/BTC/history")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503 without an archive, got %d", w.Code)
	}
}

// TestDeleteSnapshot tests the operator delete with auth disabled.
func TestDeleteSnapshot(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	seedSnapshot(t, s, "BTC", 50000)

	w := doRequest(s, http.MethodDelete, "/api/admin/snapshot/BTC")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	w = doRequest(s, http.MethodGet, "/api/market/BTC")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", w.Code)
	}
}

// TestResetWindow tests the operator window reset.
func TestResetWindow(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	for i := 0; i < 5; i++ {
		s.windows.Append("BTC", model.MarketTick{Symbol: "BTC", Price: 100})
	}

	w := doRequest(s, http.MethodPost, "/api/admin/window/BTC/reset")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if size := s.windows.Size("BTC"); size != 0 {
		t.Errorf("Expected empty window after reset, got %d", size)
	}
}

// TestAdminStats tests the stats aggregation endpoint.
func TestAdminStats(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{})

	w := doRequest(s, http.MethodGet, "/api/admin/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var stats map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("Failed to parse stats: %v", err)
	}
	for _, key := range []string{"store", "hub", "bus"} {
		if _, ok := stats[key]; !ok {
			t.Errorf("Expected stats key %q", key)
		}
	}
}

// TestAdminRequiresToken tests that enabling auth guards the admin
// group but leaves market data public.
func TestAdminRequiresToken(t *testing.T) {
	s := newTestServer(t, config.AuthConfig{
		Enabled:       true,
		JWTSecret:     "test-secret",
		TokenDuration: time.Minute,
	})

	w := doRequest(s, http.MethodGet, "/api/admin/stats")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without a token, got %d", w.Code)
	}

	seedSnapshot(t, s, "BTC", 50000)
	w = doRequest(s, http.MethodGet, "/api/market/BTC")
	if w.Code != http.StatusOK {
		t.Errorf("Expected market data to stay public, got %d", w.Code)
	}

	token, err := s.jwtManager.GenerateToken()
	if err != nil {
		t.Fatalf("Failed to mint token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 with a valid token, got %d", rec.Code)
	}
}
