package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"market-analytics/internal/model"
)

// DefaultHistoryLimit caps history reads when the caller asks for more
// than the archive is configured to serve.
const DefaultHistoryLimit = 100

// retentionPruneInterval is how often the retention loop checks for
// expired history rows.
const retentionPruneInterval = time.Hour

// HistoryArchiver appends every saved snapshot to the snapshot_history
// table. It sits behind the same writer interface as the latest-value
// store, so the scheduler treats archiving as just another save.
type HistoryArchiver struct {
	db     *DB
	limit  int
	logger zerolog.Logger
}

// NewHistoryArchiver creates an archiver over an established database
// connection. historyLimit caps Recent reads; non-positive values fall
// back to DefaultHistoryLimit.
func NewHistoryArchiver(db *DB, historyLimit int, logger zerolog.Logger) *HistoryArchiver {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &HistoryArchiver{
		db:     db,
		limit:  historyLimit,
		logger: logger.With().Str("component", "HistoryArchiver").Logger(),
	}
}

// Save appends one snapshot row. Failures are reported to the caller,
// which logs and carries on; a dead archive must not stall the
// scheduler.
func (a *HistoryArchiver) Save(ctx context.Context, snapshot *model.MarketSnapshot) error {
	if snapshot == nil {
		return fmt.Errorf("cannot archive nil snapshot")
	}
	if snapshot.Symbol == "" {
		return fmt.Errorf("cannot archive snapshot without a symbol")
	}

	doc, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot for %s: %w", snapshot.Symbol, err)
	}

	query := `
		INSERT INTO snapshot_history (symbol, snapshot_time, current_price, market_state, snapshot)
		VALUES ($1, $2, $3, $4, $5)
	`

	if _, err := a.db.Pool.Exec(ctx, query,
		snapshot.Symbol,
		snapshot.Timestamp,
		snapshot.CurrentPrice,
		snapshot.MarketState,
		doc,
	); err != nil {
		a.logger.Error().
			Err(err).
			Str("symbol", snapshot.Symbol).
			Msg("Failed to archive snapshot")
		return fmt.Errorf("failed to archive snapshot for %s: %w", snapshot.Symbol, err)
	}

	a.logger.Debug().
		Str("symbol", snapshot.Symbol).
		Float64("price", snapshot.CurrentPrice).
		Str("state", snapshot.MarketState).
		Msg("Snapshot archived")

	return nil
}

// HealthCheck reports whether the underlying database answers.
func (a *HistoryArchiver) HealthCheck(ctx context.Context) error {
	return a.db.HealthCheck(ctx)
}

// Recent returns up to limit archived snapshots for symbol, newest
// first. Requests beyond the configured cap are clamped.
func (a *HistoryArchiver) Recent(ctx context.Context, symbol string, limit int) ([]*model.MarketSnapshot, error) {
	if limit <= 0 || limit > a.limit {
		limit = a.limit
	}

	query := `
		SELECT snapshot
		FROM snapshot_history
		WHERE symbol = $1
		ORDER BY snapshot_time DESC
		LIMIT $2
	`

	rows, err := a.db.Pool.Query(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot history: %w", err)
	}
	defer rows.Close()

	var snapshots []*model.MarketSnapshot
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot history row: %w", err)
		}

		var snapshot model.MarketSnapshot
		if err := json.Unmarshal(doc, &snapshot); err != nil {
			// A single corrupt document must not hide the rest of the
			// history.
			a.logger.Warn().
				Err(err).
				Str("symbol", symbol).
				Msg("Skipping undecodable history document")
			continue
		}
		snapshots = append(snapshots, &snapshot)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshot history: %w", err)
	}

	return snapshots, nil
}

// Count returns how many history rows exist for symbol.
func (a *HistoryArchiver) Count(ctx context.Context, symbol string) (int64, error) {
	query := `SELECT COUNT(*) FROM snapshot_history WHERE symbol = $1`

	var count int64
	if err := a.db.Pool.QueryRow(ctx, query, symbol).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count snapshot history: %w", err)
	}
	return count, nil
}

// DeleteOlderThan removes history rows with a snapshot_time before
// cutoff and reports how many were dropped. Called by the retention
// loop.
func (a *HistoryArchiver) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM snapshot_history WHERE snapshot_time < $1`

	tag, err := a.db.Pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshot history: %w", err)
	}

	deleted := tag.RowsAffected()
	if deleted > 0 {
		a.logger.Info().
			Int64("deleted", deleted).
			Time("cutoff", cutoff).
			Msg("Pruned snapshot history")
	}
	return deleted, nil
}

// RunRetention prunes history rows older than maxAge on a fixed
// interval until ctx is cancelled. A non-positive maxAge disables
// pruning and returns immediately. Prune failures are logged and
// retried on the next interval.
func (a *HistoryArchiver) RunRetention(ctx context.Context, maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}

	a.logger.Info().
		Dur("maxAge", maxAge).
		Dur("interval", retentionPruneInterval).
		Msg("History retention started")

	ticker := time.NewTicker(retentionPruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruneCtx, cancel := context.WithTimeout(ctx, time.Minute)
			if _, err := a.DeleteOlderThan(pruneCtx, time.Now().Add(-maxAge)); err != nil {
				a.logger.Error().Err(err).Msg("History retention prune failed")
			}
			cancel()
		}
	}
}
