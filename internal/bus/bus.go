// Package bus provides the tick distribution layer between the ingest
// feed and the analytics service. Delivery is at-least-once per
// subscriber; per-channel order from a single publisher is preserved. A
// restarting subscriber may miss in-flight ticks, which the sliding
// window tolerates.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"market-analytics/internal/logging"
	"market-analytics/internal/model"
)

// ChannelMarketStream is the well-known channel carrying normalized ticks.
const ChannelMarketStream = "market-stream"

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("bus: closed")

// Handler consumes one tick. Handlers for a single subscription are
// invoked serially in receive order.
type Handler func(tick model.MarketTick)

// TickBus is the pub/sub contract the pipeline is built against.
type TickBus interface {
	Publish(ctx context.Context, channel string, tick model.MarketTick) error
	Subscribe(ctx context.Context, channel string, handler Handler) (string, error)
	Unsubscribe(channel, id string)
	Stats() map[string]interface{}
	Close() error
}

const subscriberBuffer = 1024

// memorySubscription is one registered handler with its delivery queue.
type memorySubscription struct {
	id      string
	ticks   chan model.MarketTick
	done    chan struct{}
	handler Handler
}

// MemoryBus is the in-process TickBus used when Redis is disabled and in
// tests. Each subscription owns a buffered queue drained by a dedicated
// goroutine, so slow handlers never block the publisher; ticks beyond the
// buffer are dropped with a warning.
type MemoryBus struct {
	mu        sync.RWMutex
	channels  map[string]map[string]*memorySubscription
	closed    bool
	logger    *logging.Logger
	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus(logger *logging.Logger) *MemoryBus {
	if logger == nil {
		logger = logging.Default()
	}
	return &MemoryBus{
		channels: make(map[string]map[string]*memorySubscription),
		logger:   logger.WithComponent("memory-bus"),
	}
}

// Publish enqueues the tick for every subscription on the channel. A full
// subscriber queue drops the tick for that subscriber only.
func (b *MemoryBus) Publish(_ context.Context, channel string, tick model.MarketTick) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	b.published.Add(1)
	for _, sub := range b.channels[channel] {
		select {
		case sub.ticks <- tick:
		default:
			b.dropped.Add(1)
			b.logger.Warn("subscriber queue full, dropping tick",
				"channel", channel, "subscriber", sub.id, "symbol", tick.Symbol)
		}
	}
	return nil
}

// Subscribe registers handler on channel and starts its delivery
// goroutine. The returned id is used to Unsubscribe.
func (b *MemoryBus) Subscribe(_ context.Context, channel string, handler Handler) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrBusClosed
	}

	sub := &memorySubscription{
		id:      uuid.New().String(),
		ticks:   make(chan model.MarketTick, subscriberBuffer),
		done:    make(chan struct{}),
		handler: handler,
	}
	if b.channels[channel] == nil {
		b.channels[channel] = make(map[string]*memorySubscription)
	}
	b.channels[channel][sub.id] = sub

	go b.deliver(sub)
	return sub.id, nil
}

func (b *MemoryBus) deliver(sub *memorySubscription) {
	for {
		select {
		case tick := <-sub.ticks:
			sub.handler(tick)
			b.delivered.Add(1)
		case <-sub.done:
			// Drain what was enqueued before the unsubscribe.
			for {
				select {
				case tick := <-sub.ticks:
					sub.handler(tick)
					b.delivered.Add(1)
				default:
					return
				}
			}
		}
	}
}

// Unsubscribe removes one subscription; a no-op for unknown ids.
func (b *MemoryBus) Unsubscribe(channel, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.channels[channel]
	if !ok {
		return
	}
	if sub, ok := subs[id]; ok {
		close(sub.done)
		delete(subs, id)
	}
	if len(subs) == 0 {
		delete(b.channels, channel)
	}
}

// Stats reports publish/delivery counters and the live subscription count.
func (b *MemoryBus) Stats() map[string]interface{} {
	b.mu.RLock()
	subscriptions := 0
	for _, subs := range b.channels {
		subscriptions += len(subs)
	}
	b.mu.RUnlock()

	return map[string]interface{}{
		"backend":       "memory",
		"published":     b.published.Load(),
		"delivered":     b.delivered.Load(),
		"dropped":       b.dropped.Load(),
		"subscriptions": subscriptions,
	}
}

// Close stops all subscriptions. Publish and Subscribe fail afterwards.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for channel, subs := range b.channels {
		for id, sub := range subs {
			close(sub.done)
			delete(subs, id)
		}
		delete(b.channels, channel)
	}
	return nil
}
