// Package window maintains the per-symbol sliding windows of recent
// ticks that feed the analyzer. Each window is a fixed-capacity ring:
// appends are O(1), the oldest tick is evicted on overflow, and reads
// copy so analytics never races with ingest.
package window

import (
	"sync"
	"sync/atomic"

	"market-analytics/internal/model"
)

// DefaultCapacity bounds a window when no explicit capacity is given.
const DefaultCapacity = 500

// symbolWindow is one symbol's ring buffer. The mutex covers buf, head
// and size; appended is read lock-free for stats.
type symbolWindow struct {
	mu       sync.Mutex
	buf      []model.MarketTick
	head     int // index of the oldest element
	size     int
	appended atomic.Int64
}

func (w *symbolWindow) append(tick model.MarketTick) {
	w.mu.Lock()
	if w.size < len(w.buf) {
		w.buf[(w.head+w.size)%len(w.buf)] = tick
		w.size++
	} else {
		w.buf[w.head] = tick
		w.head = (w.head + 1) % len(w.buf)
	}
	w.mu.Unlock()
	w.appended.Add(1)
}

func (w *symbolWindow) snapshot() []model.MarketTick {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]model.MarketTick, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return out
}

func (w *symbolWindow) reset() {
	w.mu.Lock()
	w.head = 0
	w.size = 0
	w.mu.Unlock()
}

// Store holds the sliding windows for every tracked symbol. Windows are
// created lazily on first append.
type Store struct {
	mu       sync.RWMutex
	windows  map[string]*symbolWindow
	capacity int
}

// NewStore creates a store whose windows hold up to capacity ticks.
// Non-positive capacities fall back to DefaultCapacity.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		windows:  make(map[string]*symbolWindow),
		capacity: capacity,
	}
}

func (s *Store) window(symbol string) *symbolWindow {
	s.mu.RLock()
	w, ok := s.windows[symbol]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok = s.windows[symbol]; ok {
		return w
	}
	w = &symbolWindow{buf: make([]model.MarketTick, s.capacity)}
	s.windows[symbol] = w
	return w
}

// Append records one tick for symbol, evicting the oldest tick when the
// window is full.
func (s *Store) Append(symbol string, tick model.MarketTick) {
	s.window(symbol).append(tick)
}

// Snapshot returns an ordered copy (oldest first) of the symbol's window.
// Unknown symbols yield an empty slice.
func (s *Store) Snapshot(symbol string) []model.MarketTick {
	s.mu.RLock()
	w, ok := s.windows[symbol]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return w.snapshot()
}

// Prices returns the window's positive prices in append order. This is
// the analyzer's input vector; non-positive prices are skipped.
func (s *Store) Prices(symbol string) []float64 {
	ticks := s.Snapshot(symbol)
	prices := make([]float64, 0, len(ticks))
	for _, t := range ticks {
		if t.Price > 0 {
			prices = append(prices, t.Price)
		}
	}
	return prices
}

// LastPrice returns the most recent positive price in the window, or
// false when none exists.
func (s *Store) LastPrice(symbol string) (float64, bool) {
	ticks := s.Snapshot(symbol)
	for i := len(ticks) - 1; i >= 0; i-- {
		if ticks[i].Price > 0 {
			return ticks[i].Price, true
		}
	}
	return 0, false
}

// Size reports how many ticks the symbol's window currently holds.
func (s *Store) Size(symbol string) int {
	s.mu.RLock()
	w, ok := s.windows[symbol]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Reset clears one symbol's window. Used by the operator API.
func (s *Store) Reset(symbol string) {
	s.mu.RLock()
	w, ok := s.windows[symbol]
	s.mu.RUnlock()
	if ok {
		w.reset()
	}
}

// Symbols lists every symbol that has received at least one tick.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.windows))
	for symbol := range s.windows {
		out = append(out, symbol)
	}
	return out
}

// Stats reports per-symbol occupancy and total appends.
func (s *Store) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perSymbol := make(map[string]interface{}, len(s.windows))
	var totalAppends int64
	for symbol, w := range s.windows {
		w.mu.Lock()
		size := w.size
		w.mu.Unlock()
		appended := w.appended.Load()
		totalAppends += appended
		perSymbol[symbol] = map[string]interface{}{
			"size":     size,
			"appended": appended,
		}
	}
	return map[string]interface{}{
		"capacity":      s.capacity,
		"symbols":       perSymbol,
		"total_appends": totalAppends,
	}
}
