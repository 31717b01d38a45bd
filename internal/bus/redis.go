package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"market-analytics/config"
	"market-analytics/internal/logging"
	"market-analytics/internal/model"
)

// redisSubscription pairs a go-redis PubSub with its drain goroutine
// lifetime.
type redisSubscription struct {
	id     string
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// RedisBus is the production TickBus, backed by Redis pub/sub on the
// configured server. Ticks travel as JSON, so subscribers in other
// processes (or the reference ingestion service) interoperate.
type RedisBus struct {
	client *redis.Client
	logger *logging.Logger

	mu   sync.Mutex
	subs map[string]*redisSubscription // subscription id -> state

	published atomic.Int64
	delivered atomic.Int64
	decodeErr atomic.Int64
}

// NewRedisBus connects to Redis and verifies the connection with a short
// ping before returning.
func NewRedisBus(cfg config.RedisConfig, logger *logging.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = logging.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis bus: ping %s: %w", cfg.Address, err)
	}

	return &RedisBus{
		client: client,
		logger: logger.WithComponent("redis-bus"),
		subs:   make(map[string]*redisSubscription),
	}, nil
}

// Publish serializes the tick and publishes it on the Redis channel.
func (b *RedisBus) Publish(ctx context.Context, channel string, tick model.MarketTick) error {
	payload, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("redis bus: marshal tick for %s: %w", tick.Symbol, err)
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis bus: publish %s: %w", channel, err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe opens a dedicated Redis subscription and drains it on a
// goroutine, invoking handler serially in receive order. Malformed
// payloads are counted and dropped.
func (b *RedisBus) Subscribe(ctx context.Context, channel string, handler Handler) (string, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	// Force the subscription onto the wire before returning so callers
	// observe at-least-once delivery from this point on.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return "", fmt.Errorf("redis bus: subscribe %s: %w", channel, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		id:     uuid.New().String(),
		pubsub: pubsub,
		cancel: cancel,
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go b.drain(subCtx, channel, sub, handler)
	return sub.id, nil
}

func (b *RedisBus) drain(ctx context.Context, channel string, sub *redisSubscription, handler Handler) {
	ch := sub.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var tick model.MarketTick
			if err := json.Unmarshal([]byte(msg.Payload), &tick); err != nil {
				b.decodeErr.Add(1)
				b.logger.Warn("dropping undecodable tick payload",
					"channel", channel, "error", err)
				continue
			}
			handler(tick)
			b.delivered.Add(1)
		}
	}
}

// Unsubscribe closes one subscription. The channel argument is accepted
// for interface symmetry; Redis subscriptions are tracked by id.
func (b *RedisBus) Unsubscribe(_, id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		sub.cancel()
		if err := sub.pubsub.Close(); err != nil {
			b.logger.Warn("error closing subscription", "subscriber", id, "error", err)
		}
	}
}

// Stats reports counters and the live subscription count.
func (b *RedisBus) Stats() map[string]interface{} {
	b.mu.Lock()
	subscriptions := len(b.subs)
	b.mu.Unlock()

	return map[string]interface{}{
		"backend":       "redis",
		"published":     b.published.Load(),
		"delivered":     b.delivered.Load(),
		"decode_errors": b.decodeErr.Load(),
		"subscriptions": subscriptions,
	}
}

// Close tears down every subscription and the client connection.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := make([]*redisSubscription, 0, len(b.subs))
	for id, sub := range b.subs {
		subs = append(subs, sub)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		sub.pubsub.Close()
	}
	return b.client.Close()
}
