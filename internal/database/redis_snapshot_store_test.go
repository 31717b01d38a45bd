package database

import (
	"context"
	"testing"
	"time"

	"market-analytics/internal/model"
)

func testSnapshot(symbol string, price float64) *model.MarketSnapshot {
	return &model.MarketSnapshot{
		Symbol:       symbol,
		Timestamp:    time.Now().UTC(),
		CurrentPrice: price,
		BayesianMetrics: &model.BayesianMetrics{
			Drift:      0.05,
			Volatility: 0.2,
		},
		MarketState: model.RegimeNeutralStable,
	}
}

// TestSnapshotStoreMemoryRoundTrip tests save and read in memory-only
// mode
func TestSnapshotStoreMemoryRoundTrip(t *testing.T) {
	store := NewRedisSnapshotStore(nil)
	ctx := context.Background()

	if err := store.Save(ctx, testSnapshot("BTC", 45000)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.FindLatest(ctx, "BTC")
	if err != nil {
		t.Fatalf("FindLatest failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected a snapshot, got nil")
	}
	if got.Symbol != "BTC" {
		t.Errorf("Expected symbol BTC, got %s", got.Symbol)
	}
	if got.CurrentPrice != 45000 {
		t.Errorf("Expected price 45000, got %v", got.CurrentPrice)
	}
	if got.MarketState != model.RegimeNeutralStable {
		t.Errorf("Expected state %s, got %s", model.RegimeNeutralStable, got.MarketState)
	}

	// The returned snapshot is a copy, mutations must not reach the store.
	got.CurrentPrice = 1

	again, err := store.FindLatest(ctx, "BTC")
	if err != nil {
		t.Fatalf("FindLatest failed: %v", err)
	}
	if again.CurrentPrice != 45000 {
		t.Errorf("Expected stored price 45000 after caller mutation, got %v", again.CurrentPrice)
	}
}

// TestSnapshotStoreSaveValidation tests rejection of unsaveable
// snapshots
func TestSnapshotStoreSaveValidation(t *testing.T) {
	store := NewRedisSnapshotStore(nil)
	ctx := context.Background()

	if err := store.Save(ctx, nil); err == nil {
		t.Error("Expected error saving nil snapshot")
	}
	if err := store.Save(ctx, &model.MarketSnapshot{}); err == nil {
		t.Error("Expected error saving snapshot without a symbol")
	}
}

// TestSnapshotStoreUnknownSymbol tests the miss contract
func TestSnapshotStoreUnknownSymbol(t *testing.T) {
	store := NewRedisSnapshotStore(nil)

	got, err := store.FindLatest(context.Background(), "DOGE")
	if err != nil {
		t.Fatalf("FindLatest failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil for unknown symbol, got %+v", got)
	}
}

// TestSnapshotStoreDelete tests removal of a stored snapshot
func TestSnapshotStoreDelete(t *testing.T) {
	store := NewRedisSnapshotStore(nil)
	ctx := context.Background()

	if err := store.Save(ctx, testSnapshot("ETH", 2500)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Delete(ctx, "ETH"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	got, err := store.FindLatest(ctx, "ETH")
	if err != nil {
		t.Fatalf("FindLatest failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil after delete, got %+v", got)
	}
}

// TestSnapshotStoreSymbols tests the sorted symbol listing
func TestSnapshotStoreSymbols(t *testing.T) {
	store := NewRedisSnapshotStore(nil)
	ctx := context.Background()

	for _, symbol := range []string{"ETH", "BTC", "SOL"} {
		if err := store.Save(ctx, testSnapshot(symbol, 100)); err != nil {
			t.Fatalf("Save failed for %s: %v", symbol, err)
		}
	}

	symbols, err := store.Symbols(ctx)
	if err != nil {
		t.Fatalf("Symbols failed: %v", err)
	}

	expected := []string{"BTC", "ETH", "SOL"}
	if len(symbols) != len(expected) {
		t.Fatalf("Expected %d symbols, got %d", len(expected), len(symbols))
	}
	for i, symbol := range expected {
		if symbols[i] != symbol {
			t.Errorf("Expected symbol %s at index %d, got %s", symbol, i, symbols[i])
		}
	}
}

// TestSnapshotStoreAsync tests the channel read used by the broadcaster
func TestSnapshotStoreAsync(t *testing.T) {
	store := NewRedisSnapshotStore(nil)
	ctx := context.Background()

	if err := store.Save(ctx, testSnapshot("BTC", 45000)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got := <-store.FindLatestAsync(ctx, "BTC")
	if got == nil || got.Symbol != "BTC" {
		t.Errorf("Expected BTC snapshot from async read, got %+v", got)
	}

	miss := <-store.FindLatestAsync(ctx, "DOGE")
	if miss != nil {
		t.Errorf("Expected nil for unknown symbol, got %+v", miss)
	}
}

// TestSnapshotStoreStats tests availability and mirror accounting
func TestSnapshotStoreStats(t *testing.T) {
	store := NewRedisSnapshotStore(nil)
	ctx := context.Background()

	if store.IsRedisAvailable() {
		t.Error("Expected Redis unavailable in memory-only mode")
	}
	if err := store.CheckConnection(ctx); err == nil {
		t.Error("Expected CheckConnection to fail without a client")
	}

	if err := store.Save(ctx, testSnapshot("BTC", 45000)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Save(ctx, testSnapshot("ETH", 2500)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	stats := store.GetStats()
	if stats.RedisAvailable {
		t.Error("Expected redis_available false")
	}
	if stats.MirrorSize != 2 {
		t.Errorf("Expected mirror size 2, got %d", stats.MirrorSize)
	}

	store.ClearMirror()
	if store.GetStats().MirrorSize != 0 {
		t.Error("Expected empty mirror after clear")
	}
}
