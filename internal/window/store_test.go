package window

import (
	"sync"
	"testing"
	"time"

	"market-analytics/internal/model"
)

func tick(symbol string, price float64) model.MarketTick {
	return model.MarketTick{
		Symbol:    symbol,
		Price:     price,
		Volume:    1,
		Timestamp: time.Now(),
		Exchange:  "BINANCE",
	}
}

// TestAppendAndSnapshot tests that snapshots preserve append order.
func TestAppendAndSnapshot(t *testing.T) {
	store := NewStore(500)

	for i := 1; i <= 10; i++ {
		store.Append("BTC", tick("BTC", float64(i)))
	}

	snapshot := store.Snapshot("BTC")
	if len(snapshot) != 10 {
		t.Fatalf("Expected 10 ticks, got %d", len(snapshot))
	}
	for i, tk := range snapshot {
		if tk.Price != float64(i+1) {
			t.Errorf("Expected price %d at index %d, got %f", i+1, i, tk.Price)
		}
	}
}

// TestEviction tests FIFO eviction at capacity: after 750 appends a
// 500-slot window holds exactly 500 ticks starting with the 251st.
func TestEviction(t *testing.T) {
	store := NewStore(500)

	for i := 1; i <= 750; i++ {
		store.Append("BTC", tick("BTC", float64(i)))
	}

	snapshot := store.Snapshot("BTC")
	if len(snapshot) != 500 {
		t.Fatalf("Expected 500 ticks after eviction, got %d", len(snapshot))
	}
	if snapshot[0].Price != 251 {
		t.Errorf("Expected oldest tick to be the 251st (price 251), got %f", snapshot[0].Price)
	}
	if snapshot[499].Price != 750 {
		t.Errorf("Expected newest tick to be the 750th (price 750), got %f", snapshot[499].Price)
	}
}

// TestSizeNeverExceedsCapacity tests the window bound invariant.
func TestSizeNeverExceedsCapacity(t *testing.T) {
	store := NewStore(5)

	for i := 0; i < 20; i++ {
		store.Append("ETH", tick("ETH", 100))
		if size := store.Size("ETH"); size > 5 {
			t.Fatalf("Window size %d exceeds capacity 5", size)
		}
	}
}

// TestPricesSkipsNonPositive tests that the analyzer input vector drops
// zero and negative prices.
func TestPricesSkipsNonPositive(t *testing.T) {
	store := NewStore(10)

	store.Append("BTC", tick("BTC", 100))
	store.Append("BTC", tick("BTC", 0))
	store.Append("BTC", tick("BTC", -5))
	store.Append("BTC", tick("BTC", 101))

	prices := store.Prices("BTC")
	if len(prices) != 2 {
		t.Fatalf("Expected 2 positive prices, got %d", len(prices))
	}
	if prices[0] != 100 || prices[1] != 101 {
		t.Errorf("Expected [100 101], got %v", prices)
	}
}

// TestLastPrice tests the most-recent-positive-price lookup.
func TestLastPrice(t *testing.T) {
	store := NewStore(10)

	if _, ok := store.LastPrice("BTC"); ok {
		t.Error("Expected no last price for an empty window")
	}

	store.Append("BTC", tick("BTC", 100))
	store.Append("BTC", tick("BTC", 0))

	price, ok := store.LastPrice("BTC")
	if !ok {
		t.Fatal("Expected a last price")
	}
	if price != 100 {
		t.Errorf("Expected last positive price 100, got %f", price)
	}
}

// TestReset tests that resetting one symbol leaves others untouched.
func TestReset(t *testing.T) {
	store := NewStore(10)

	store.Append("BTC", tick("BTC", 100))
	store.Append("ETH", tick("ETH", 200))

	store.Reset("BTC")

	if size := store.Size("BTC"); size != 0 {
		t.Errorf("Expected empty BTC window after reset, got %d", size)
	}
	if size := store.Size("ETH"); size != 1 {
		t.Errorf("Expected ETH window untouched, got size %d", size)
	}
}

// TestUnknownSymbol tests reads against a symbol that never ticked.
func TestUnknownSymbol(t *testing.T) {
	store := NewStore(10)

	if snapshot := store.Snapshot("DOGE"); len(snapshot) != 0 {
		t.Errorf("Expected empty snapshot, got %d ticks", len(snapshot))
	}
	if size := store.Size("DOGE"); size != 0 {
		t.Errorf("Expected size 0, got %d", size)
	}
}

// TestConcurrentAppendAndSnapshot tests that readers never observe a
// torn window while writers are appending.
func TestConcurrentAppendAndSnapshot(t *testing.T) {
	store := NewStore(100)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5000; i++ {
			store.Append("BTC", tick("BTC", float64(i+1)))
		}
		close(stop)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			snapshot := store.Snapshot("BTC")
			if len(snapshot) > 100 {
				t.Errorf("Snapshot size %d exceeds capacity 100", len(snapshot))
				return
			}
			for i := 1; i < len(snapshot); i++ {
				if snapshot[i].Price != snapshot[i-1].Price+1 {
					t.Errorf("Snapshot out of order at %d: %f after %f",
						i, snapshot[i].Price, snapshot[i-1].Price)
					return
				}
			}
		}
	}()

	wg.Wait()

	if size := store.Size("BTC"); size != 100 {
		t.Errorf("Expected full window of 100, got %d", size)
	}
}

// TestStats tests the occupancy report.
func TestStats(t *testing.T) {
	store := NewStore(10)

	for i := 0; i < 3; i++ {
		store.Append("BTC", tick("BTC", 100))
	}
	store.Append("ETH", tick("ETH", 200))

	stats := store.Stats()
	if stats["capacity"] != 10 {
		t.Errorf("Expected capacity 10, got %v", stats["capacity"])
	}
	if stats["total_appends"] != int64(4) {
		t.Errorf("Expected 4 total appends, got %v", stats["total_appends"])
	}

	symbols := store.Symbols()
	if len(symbols) != 2 {
		t.Errorf("Expected 2 symbols, got %d", len(symbols))
	}
}
