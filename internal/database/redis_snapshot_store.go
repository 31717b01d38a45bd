// Package database provides snapshot persistence: a Redis-backed
// latest-value store read by the API and broadcast layers, and the
// optional Postgres history archive.
//
// The latest-value store keeps an in-memory mirror of everything it
// writes. When Redis is unavailable the mirror keeps serving reads so
// the pipeline degrades to single-process mode instead of going dark,
// and the store resyncs once Redis recovers.
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"market-analytics/internal/model"
)

// Redis keys for the latest-snapshot store
const (
	// SnapshotKeyPrefix is the prefix for per-symbol snapshot keys
	// Format: latest_snapshot:{symbol}
	SnapshotKeyPrefix = "latest_snapshot"

	// SnapshotListKey is the set of symbols that currently have a
	// stored snapshot
	SnapshotListKey = "latest_snapshot:list"

	// SnapshotTTL expires snapshots that stop being refreshed. The
	// analyzer rewrites every tracked symbol each cycle, so anything
	// older than this is an orphan from a removed symbol.
	SnapshotTTL = 24 * time.Hour
)

// RedisSnapshotStore persists the latest MarketSnapshot per symbol in
// Redis with an in-memory mirror as fallback when Redis is unavailable.
type RedisSnapshotStore struct {
	client         *redis.Client
	mirror         map[string]*model.MarketSnapshot // fallback, keyed by symbol
	mirrorMu       sync.RWMutex
	redisAvailable atomic.Bool
}

// NewRedisSnapshotStore creates a snapshot store on client. A nil
// client puts the store in memory-only mode, used when Redis is
// disabled and in tests.
func NewRedisSnapshotStore(client *redis.Client) *RedisSnapshotStore {
	store := &RedisSnapshotStore{
		client: client,
		mirror: make(map[string]*model.MarketSnapshot),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("[SNAPSHOT-STORE] Redis unavailable at startup: %v, using in-memory mirror", err)
			store.redisAvailable.Store(false)
		} else {
			log.Printf("[SNAPSHOT-STORE] Redis connected successfully")
			store.redisAvailable.Store(true)
		}
	} else {
		log.Printf("[SNAPSHOT-STORE] No Redis client provided, using in-memory mirror only")
		store.redisAvailable.Store(false)
	}

	return store
}

// GetClient returns the underlying Redis client, nil in memory-only
// mode.
func (s *RedisSnapshotStore) GetClient() *redis.Client {
	return s.client
}

// snapshotKey generates the Redis key for a symbol's snapshot.
// Format: latest_snapshot:{symbol}
func (s *RedisSnapshotStore) snapshotKey(symbol string) string {
	return fmt.Sprintf("%s:%s", SnapshotKeyPrefix, symbol)
}

// Save stores snapshot as the latest value for its symbol. The mirror
// is always updated first; a Redis failure flips the store into
// fallback mode rather than failing the save.
func (s *RedisSnapshotStore) Save(ctx context.Context, snapshot *model.MarketSnapshot) error {
	if snapshot == nil {
		return fmt.Errorf("cannot save nil snapshot")
	}
	if snapshot.Symbol == "" {
		return fmt.Errorf("cannot save snapshot without a symbol")
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot for %s: %w", snapshot.Symbol, err)
	}

	s.updateMirror(snapshot)

	if s.client != nil && s.redisAvailable.Load() {
		// Pipeline so the snapshot and the symbol registry stay in step.
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, s.snapshotKey(snapshot.Symbol), data, SnapshotTTL)
		pipe.SAdd(ctx, SnapshotListKey, snapshot.Symbol)
		pipe.Expire(ctx, SnapshotListKey, SnapshotTTL)

		if _, err := pipe.Exec(ctx); err != nil {
			log.Printf("[SNAPSHOT-STORE] Failed to save to Redis: %v, using in-memory mirror", err)
			s.redisAvailable.Store(false)
			// Mirror already holds the snapshot, so the save stands.
			return nil
		}
	}

	return nil
}

// FindLatest returns the stored snapshot for symbol, or nil when none
// exists. A Redis miss or read error consults the mirror before giving
// up.
func (s *RedisSnapshotStore) FindLatest(ctx context.Context, symbol string) (*model.MarketSnapshot, error) {
	if s.client != nil && s.redisAvailable.Load() {
		data, err := s.client.Get(ctx, s.snapshotKey(symbol)).Result()
		if err != nil {
			if err == redis.Nil {
				return s.fromMirror(symbol), nil
			}
			log.Printf("[SNAPSHOT-STORE] Redis read error: %v, using in-memory mirror", err)
			s.redisAvailable.Store(false)
			return s.fromMirror(symbol), nil
		}

		// Redis answered, mark it available again.
		s.redisAvailable.Store(true)

		var snapshot model.MarketSnapshot
		if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot for %s: %w", symbol, err)
		}
		s.updateMirror(&snapshot)
		return &snapshot, nil
	}

	return s.fromMirror(symbol), nil
}

// FindLatestAsync runs FindLatest on its own goroutine and delivers
// the result on the returned channel, nil on miss or error. The
// broadcast loop consumes this so one slow read cannot stall a push
// cycle.
func (s *RedisSnapshotStore) FindLatestAsync(ctx context.Context, symbol string) <-chan *model.MarketSnapshot {
	out := make(chan *model.MarketSnapshot, 1)
	go func() {
		defer close(out)
		snapshot, err := s.FindLatest(ctx, symbol)
		if err != nil {
			log.Printf("[SNAPSHOT-STORE] Async read failed for %s: %v", symbol, err)
			out <- nil
			return
		}
		out <- snapshot
	}()
	return out
}

// Delete removes the stored snapshot for symbol from Redis and the
// mirror. Called by the operator API.
func (s *RedisSnapshotStore) Delete(ctx context.Context, symbol string) error {
	s.removeFromMirror(symbol)

	if s.client != nil && s.redisAvailable.Load() {
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, s.snapshotKey(symbol))
		pipe.SRem(ctx, SnapshotListKey, symbol)

		if _, err := pipe.Exec(ctx); err != nil {
			log.Printf("[SNAPSHOT-STORE] Failed to delete from Redis: %v", err)
			s.redisAvailable.Store(false)
			return nil
		}
		log.Printf("[SNAPSHOT-STORE] Deleted snapshot: %s", symbol)
	}

	return nil
}

// Symbols lists every symbol with a stored snapshot, sorted for stable
// API output.
func (s *RedisSnapshotStore) Symbols(ctx context.Context) ([]string, error) {
	if s.client != nil && s.redisAvailable.Load() {
		symbols, err := s.client.SMembers(ctx, SnapshotListKey).Result()
		if err != nil {
			if err != redis.Nil {
				log.Printf("[SNAPSHOT-STORE] Redis read error: %v, using in-memory mirror", err)
				s.redisAvailable.Store(false)
			}
			return s.mirrorSymbols(), nil
		}
		s.redisAvailable.Store(true)
		sort.Strings(symbols)
		return symbols, nil
	}

	return s.mirrorSymbols(), nil
}

// IsRedisAvailable reports whether the last Redis round trip succeeded.
func (s *RedisSnapshotStore) IsRedisAvailable() bool {
	return s.redisAvailable.Load()
}

// CheckConnection pings Redis and updates the availability flag.
func (s *RedisSnapshotStore) CheckConnection(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("no Redis client configured")
	}

	if err := s.client.Ping(ctx).Err(); err != nil {
		s.redisAvailable.Store(false)
		return fmt.Errorf("redis ping failed: %w", err)
	}

	wasUnavailable := !s.redisAvailable.Load()
	s.redisAvailable.Store(true)

	if wasUnavailable {
		log.Printf("[SNAPSHOT-STORE] Redis connection recovered")
	}

	return nil
}

// SyncMirrorToRedis pushes every mirrored snapshot to Redis. Called
// after CheckConnection reports a recovery so Redis catches up with
// what was written during the outage.
func (s *RedisSnapshotStore) SyncMirrorToRedis(ctx context.Context) error {
	if s.client == nil || !s.redisAvailable.Load() {
		return fmt.Errorf("redis not available for sync")
	}

	s.mirrorMu.RLock()
	defer s.mirrorMu.RUnlock()

	syncCount := 0
	for symbol, snapshot := range s.mirror {
		data, err := json.Marshal(snapshot)
		if err != nil {
			log.Printf("[SNAPSHOT-STORE] Failed to marshal snapshot for %s: %v", symbol, err)
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.Set(ctx, s.snapshotKey(symbol), data, SnapshotTTL)
		pipe.SAdd(ctx, SnapshotListKey, symbol)
		pipe.Expire(ctx, SnapshotListKey, SnapshotTTL)

		if _, err := pipe.Exec(ctx); err != nil {
			log.Printf("[SNAPSHOT-STORE] Failed to sync %s to Redis: %v", symbol, err)
			continue
		}
		syncCount++
	}

	if syncCount > 0 {
		log.Printf("[SNAPSHOT-STORE] Synced %d snapshots from in-memory mirror to Redis", syncCount)
	}

	return nil
}

// SnapshotStoreStats reports store health for the admin API.
type SnapshotStoreStats struct {
	RedisAvailable bool `json:"redis_available"`
	MirrorSize     int  `json:"mirror_size"`
}

// GetStats returns availability and mirror occupancy.
func (s *RedisSnapshotStore) GetStats() SnapshotStoreStats {
	s.mirrorMu.RLock()
	defer s.mirrorMu.RUnlock()

	return SnapshotStoreStats{
		RedisAvailable: s.redisAvailable.Load(),
		MirrorSize:     len(s.mirror),
	}
}

// --- In-memory mirror operations ---

// updateMirror stores a copy so mirror readers never alias the
// caller's struct.
func (s *RedisSnapshotStore) updateMirror(snapshot *model.MarketSnapshot) {
	if snapshot == nil {
		return
	}

	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()

	snapshotCopy := *snapshot
	s.mirror[snapshot.Symbol] = &snapshotCopy
}

// fromMirror retrieves a copy of the mirrored snapshot, nil when the
// symbol is unknown.
func (s *RedisSnapshotStore) fromMirror(symbol string) *model.MarketSnapshot {
	s.mirrorMu.RLock()
	defer s.mirrorMu.RUnlock()

	if snapshot, exists := s.mirror[symbol]; exists {
		snapshotCopy := *snapshot
		return &snapshotCopy
	}

	return nil
}

// mirrorSymbols lists the mirrored symbols, sorted.
func (s *RedisSnapshotStore) mirrorSymbols() []string {
	s.mirrorMu.RLock()
	defer s.mirrorMu.RUnlock()

	symbols := make([]string, 0, len(s.mirror))
	for symbol := range s.mirror {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// removeFromMirror removes one symbol's snapshot from the mirror.
func (s *RedisSnapshotStore) removeFromMirror(symbol string) {
	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()

	delete(s.mirror, symbol)
}

// ClearMirror clears the in-memory mirror. Primarily used for testing.
func (s *RedisSnapshotStore) ClearMirror() {
	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()

	s.mirror = make(map[string]*model.MarketSnapshot)
}
