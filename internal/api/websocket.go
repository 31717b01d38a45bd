package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"market-analytics/internal/database"
	"market-analytics/internal/logging"
)

const (
	// writeWait bounds a single frame write to a subscriber.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before it is
	// considered dead; pings go out at a third of that.
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// maxMessageSize caps inbound client frames. Clients only ever send
	// the "refresh" command.
	maxMessageSize = 512

	// sendBuffer is the per-subscriber outbound queue. A subscriber that
	// falls this far behind is disconnected.
	sendBuffer = 256

	// storeReadTimeout bounds snapshot reads issued on behalf of a
	// single session.
	storeReadTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Market data is public; origin is not restricted.
		return true
	},
}

// MarketClient is one subscriber session bound to a single symbol.
type MarketClient struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	hub    *MarketHub
	symbol string
}

// queue enqueues a frame without blocking. Returns false when the
// subscriber's buffer is full.
func (c *MarketClient) queue(message []byte) bool {
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// writePump is the single writer for the connection. It drains the send
// queue, pings on a timer and emits a close frame when the client is
// deregistered.
func (c *MarketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("Subscriber write failed", "symbol", c.symbol, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes inbound frames until the connection drops. The only
// recognized client message is "refresh", which triggers an immediate
// snapshot send to this session.
func (c *MarketClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("Subscriber read error", "symbol", c.symbol, "error", err)
			}
			return
		}

		if strings.EqualFold(strings.TrimSpace(string(message)), "refresh") {
			c.hub.sendCurrentSnapshot(c)
		}
	}
}

// MarketHub groups subscriber sessions by symbol and pushes the latest
// snapshot to every session on a fixed cadence.
type MarketHub struct {
	mu    sync.RWMutex
	rooms map[string]map[*MarketClient]bool

	store    *database.RedisSnapshotStore
	interval time.Duration
	allowed  map[string]bool // empty: every room is broadcast-eligible
	logger   *logging.Logger

	broadcasts atomic.Int64
	dropped    atomic.Int64
}

// NewMarketHub creates a hub reading from the given snapshot store.
// symbols is the configured broadcast list; rooms outside it still
// serve welcome and refresh frames but are skipped by the push
// cadence. An empty list broadcasts to every room.
func NewMarketHub(store *database.RedisSnapshotStore, interval time.Duration, symbols []string, logger *logging.Logger) *MarketHub {
	if logger == nil {
		logger = logging.Default()
	}
	if interval <= 0 {
		interval = 1 * time.Second
	}
	allowed := make(map[string]bool, len(symbols))
	for _, symbol := range symbols {
		allowed[strings.ToUpper(symbol)] = true
	}
	return &MarketHub{
		rooms:    make(map[string]map[*MarketClient]bool),
		store:    store,
		interval: interval,
		allowed:  allowed,
		logger:   logger.WithComponent("MarketHub"),
	}
}

// Register adds a session to its symbol's room.
func (h *MarketHub) Register(client *MarketClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[client.symbol]
	if !ok {
		room = make(map[*MarketClient]bool)
		h.rooms[client.symbol] = room
	}
	room[client] = true
}

// Unregister removes a session and signals its write pump. An empty room
// is dropped. Safe to call more than once per client.
func (h *MarketHub) Unregister(client *MarketClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[client.symbol]
	if !ok {
		return
	}
	if _, ok := room[client]; !ok {
		return
	}

	delete(room, client)
	close(client.done)
	if len(room) == 0 {
		delete(h.rooms, client.symbol)
	}
}

// ActiveSymbols returns the symbols that currently have subscribers.
func (h *MarketHub) ActiveSymbols() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	symbols := make([]string, 0, len(h.rooms))
	for symbol := range h.rooms {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// ConnectionCount returns the number of open sessions for a symbol.
func (h *MarketHub) ConnectionCount(symbol string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[symbol])
}

// ClientCount returns the total number of open sessions.
func (h *MarketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, room := range h.rooms {
		total += len(room)
	}
	return total
}

// Run drives the broadcast cadence until the context is canceled, then
// disconnects every session.
func (h *MarketHub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("Market hub started", "interval", h.interval.String())

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("Market hub stopped")
			return
		case <-ticker.C:
			h.broadcastSnapshots(ctx)
		}
	}
}

// eligibleSymbols returns the subscribed symbols the push cadence may
// broadcast to, honoring the configured symbol list when one is set.
func (h *MarketHub) eligibleSymbols() []string {
	symbols := h.ActiveSymbols()
	if len(h.allowed) == 0 {
		return symbols
	}
	eligible := symbols[:0]
	for _, symbol := range symbols {
		if h.allowed[symbol] {
			eligible = append(eligible, symbol)
		}
	}
	return eligible
}

// broadcastSnapshots pushes the latest snapshot to every eligible room
// with at least one subscriber. Store reads run concurrently so one
// slow read never delays the other symbols or the next tick.
func (h *MarketHub) broadcastSnapshots(ctx context.Context) {
	for _, symbol := range h.eligibleSymbols() {
		go func(symbol string) {
			readCtx, cancel := context.WithTimeout(ctx, storeReadTimeout)
			defer cancel()

			snapshot := <-h.store.FindLatestAsync(readCtx, symbol)
			if snapshot == nil {
				h.logger.Debug("No snapshot available", "symbol", symbol)
				return
			}

			data, err := json.Marshal(snapshot)
			if err != nil {
				h.logger.Error("Snapshot marshal failed", "symbol", symbol, "error", err)
				return
			}

			h.broadcastToRoom(symbol, data)
		}(symbol)
	}
}

// broadcastToRoom sends one frame to every session in a room. Sessions
// with a full queue are dropped so the rest keep receiving.
func (h *MarketHub) broadcastToRoom(symbol string, data []byte) {
	h.mu.RLock()
	clients := make([]*MarketClient, 0, len(h.rooms[symbol]))
	for client := range h.rooms[symbol] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if client.queue(data) {
			h.broadcasts.Add(1)
			continue
		}
		h.dropped.Add(1)
		h.logger.Warn("Dropping slow subscriber", "symbol", symbol)
		go h.Unregister(client)
	}
}

// sendCurrentSnapshot delivers the latest snapshot to a single session,
// or the error frame when none exists yet. Used for the welcome message
// and the "refresh" command.
func (h *MarketHub) sendCurrentSnapshot(client *MarketClient) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeReadTimeout)
		defer cancel()

		snapshot := <-h.store.FindLatestAsync(ctx, client.symbol)
		if snapshot == nil {
			client.queue([]byte(fmt.Sprintf(`{"error":"No data available for %s"}`, client.symbol)))
			return
		}

		data, err := json.Marshal(snapshot)
		if err != nil {
			h.logger.Error("Snapshot marshal failed", "symbol", client.symbol, "error", err)
			return
		}
		client.queue(data)
	}()
}

// closeAll disconnects every session and clears the rooms.
func (h *MarketHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for symbol, room := range h.rooms {
		for client := range room {
			close(client.done)
		}
		delete(h.rooms, symbol)
	}
}

// Stats returns hub statistics keyed for the admin stats endpoint.
func (h *MarketHub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	perSymbol := make(map[string]int, len(h.rooms))
	total := 0
	for symbol, room := range h.rooms {
		perSymbol[symbol] = len(room)
		total += len(room)
	}

	return map[string]interface{}{
		"clients":    total,
		"rooms":      perSymbol,
		"broadcasts": h.broadcasts.Load(),
		"dropped":    h.dropped.Load(),
	}
}
