package database

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"market-analytics/internal/model"
)

func newTestArchiver(limit int) *HistoryArchiver {
	// No database: these tests cover the paths that never reach the pool.
	return NewHistoryArchiver(nil, limit, zerolog.Nop())
}

// TestNewHistoryArchiverLimitFallback tests the read-cap default for
// non-positive limits.
func TestNewHistoryArchiverLimitFallback(t *testing.T) {
	if a := newTestArchiver(0); a.limit != DefaultHistoryLimit {
		t.Errorf("Expected limit %d, got %d", DefaultHistoryLimit, a.limit)
	}
	if a := newTestArchiver(-5); a.limit != DefaultHistoryLimit {
		t.Errorf("Expected limit %d, got %d", DefaultHistoryLimit, a.limit)
	}
	if a := newTestArchiver(250); a.limit != 250 {
		t.Errorf("Expected limit 250, got %d", a.limit)
	}
}

// TestSaveRejectsInvalidSnapshots tests that validation fails before
// any database round trip.
func TestSaveRejectsInvalidSnapshots(t *testing.T) {
	archiver := newTestArchiver(100)

	if err := archiver.Save(context.Background(), nil); err == nil {
		t.Error("Expected an error archiving a nil snapshot")
	}
	if err := archiver.Save(context.Background(), &model.MarketSnapshot{}); err == nil {
		t.Error("Expected an error archiving a snapshot without a symbol")
	}
}

// TestRunRetentionDisabled tests that a non-positive max age turns the
// retention loop into a no-op.
func TestRunRetentionDisabled(t *testing.T) {
	archiver := newTestArchiver(100)

	done := make(chan struct{})
	go func() {
		archiver.RunRetention(context.Background(), 0)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected RunRetention to return immediately when disabled")
	}
}

// TestRunRetentionStopsOnCancel tests that the loop exits with its
// context without waiting out the prune interval.
func TestRunRetentionStopsOnCancel(t *testing.T) {
	archiver := newTestArchiver(100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		archiver.RunRetention(ctx, 30*24*time.Hour)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected RunRetention to stop on context cancel")
	}
}
