// Package binance connects to the exchange combined stream and turns raw
// ticker, trade and kline events into normalized market ticks.
package binance

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"market-analytics/config"
	"market-analytics/internal/bus"
	"market-analytics/internal/logging"
	"market-analytics/internal/model"
)

const (
	// DefaultWSBaseURL is the production combined-stream endpoint.
	DefaultWSBaseURL = "wss://stream.binance.com:9443"

	// quoteSuffix completes a base symbol into the subscribed pair,
	// e.g. "btc" -> "btcusdt@ticker".
	quoteSuffix = "usdt@ticker"

	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	pingInterval     = 30 * time.Second
	publishTimeout   = 5 * time.Second

	// subscribeID is the fixed request id of the subscription frame.
	subscribeID = 1
)

// subscribeRequest is the outbound subscription frame.
type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// streamEnvelope is the combined-stream wrapper around a single event.
type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// tickerEvent is a 24hrTicker payload. Numeric fields arrive as strings.
type tickerEvent struct {
	EventType          string  `json:"e"`
	EventTime          int64   `json:"E"`
	Symbol             string  `json:"s"`
	LastPrice          float64 `json:"c,string"`
	Open               float64 `json:"o,string"`
	High               float64 `json:"h,string"`
	Low                float64 `json:"l,string"`
	Volume             float64 `json:"v,string"`
	PriceChange        float64 `json:"p,string"`
	PriceChangePercent float64 `json:"P,string"`
	BestBid            float64 `json:"b,string"`
	BestAsk            float64 `json:"a,string"`
}

// tradeEvent is a single executed trade.
type tradeEvent struct {
	EventType string  `json:"e"`
	EventTime int64   `json:"E"`
	Symbol    string  `json:"s"`
	Price     float64 `json:"p,string"`
	Quantity  float64 `json:"q,string"`
	TradeTime int64   `json:"T"`
}

// klineEvent is a candlestick update. Price fields live in the nested "k".
type klineEvent struct {
	EventType string       `json:"e"`
	EventTime int64        `json:"E"`
	Symbol    string       `json:"s"`
	Kline     klinePayload `json:"k"`
}

type klinePayload struct {
	Close     float64 `json:"c,string"`
	Open      float64 `json:"o,string"`
	High      float64 `json:"h,string"`
	Low       float64 `json:"l,string"`
	Volume    float64 `json:"v,string"`
	CloseTime int64   `json:"T"`
}

// MarketStreamClient maintains a single WebSocket connection to the exchange
// combined stream, decodes inbound events and publishes every normalized tick
// to the bus. Connection loss triggers a reconnect loop with bounded backoff;
// malformed frames are dropped without tearing down the stream.
type MarketStreamClient struct {
	mu sync.RWMutex

	cfg     config.BinanceConfig
	tickBus bus.TickBus
	logger  *logging.Logger

	dialer    *websocket.Dialer
	streamURL string
	streams   []string

	conn      *websocket.Conn
	isRunning bool
	connected atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	// Statistics
	messagesReceived atomic.Int64
	ticksPublished   atomic.Int64
	decodeFailures   atomic.Int64
	publishFailures  atomic.Int64
	reconnects       atomic.Int64
	lastEventTime    time.Time
}

// NewMarketStreamClient creates a stream client for the configured symbols.
// The connection is not opened until Start is called.
func NewMarketStreamClient(cfg config.BinanceConfig, tickBus bus.TickBus, logger *logging.Logger) *MarketStreamClient {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.WSBaseURL == "" {
		cfg.WSBaseURL = DefaultWSBaseURL
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "BINANCE"
	}
	if cfg.ReconnectInitialDelay <= 0 {
		cfg.ReconnectInitialDelay = 1 * time.Second
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectInitialDelay {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	if cfg.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	streams := BuildStreamList(cfg.Symbols)

	return &MarketStreamClient{
		cfg:       cfg,
		tickBus:   tickBus,
		logger:    logger.WithComponent("MarketStream"),
		dialer:    dialer,
		streams:   streams,
		streamURL: BuildStreamURL(cfg.WSBaseURL, streams),
		ctx:       context.Background(),
	}
}

// BuildStreamList maps base symbols to combined-stream names,
// ["btc","eth"] -> ["btcusdt@ticker","ethusdt@ticker"].
func BuildStreamList(symbols []string) []string {
	streams := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		symbol = strings.ToLower(strings.TrimSpace(symbol))
		if symbol == "" {
			continue
		}
		streams = append(streams, symbol+quoteSuffix)
	}
	return streams
}

// BuildStreamURL joins stream names onto the combined-stream endpoint.
func BuildStreamURL(baseURL string, streams []string) string {
	return fmt.Sprintf("%s/stream?streams=%s",
		strings.TrimRight(baseURL, "/"), strings.Join(streams, "/"))
}

// Start opens the stream connection and begins publishing ticks. The first
// dial happens in the background so a temporarily unreachable exchange does
// not block startup; the reconnect loop keeps retrying.
func (c *MarketStreamClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isRunning {
		return errors.New("market stream already started")
	}
	if len(c.streams) == 0 {
		return errors.New("market stream has no symbols configured")
	}
	if c.tickBus == nil {
		return errors.New("market stream requires a tick bus")
	}

	c.isRunning = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	if c.cfg.InsecureSkipVerify {
		c.logger.Warn("TLS certificate verification disabled for market stream")
	}
	c.logger.Info("Starting market stream", "url", c.streamURL, "streams", len(c.streams))

	go c.run()
	return nil
}

// Stop closes the connection and waits for the reconnect loop to exit.
// Safe to call more than once.
func (c *MarketStreamClient) Stop() {
	c.mu.Lock()
	if !c.isRunning {
		c.mu.Unlock()
		return
	}
	c.isRunning = false
	conn := c.conn
	done := c.done
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close()
	}
	<-done

	c.logger.Info("Market stream stopped")
}

// IsConnected reports whether the WebSocket connection is currently up.
func (c *MarketStreamClient) IsConnected() bool {
	return c.connected.Load()
}

// run dials the stream and services the connection until Stop is called.
// Failed dials and dropped connections are retried with delays doubling
// from the configured initial value up to the cap; a successful connect
// resets the delay.
func (c *MarketStreamClient) run() {
	defer close(c.done)

	backoff := c.cfg.ReconnectInitialDelay

	for attempt := 0; ; attempt++ {
		if c.ctx.Err() != nil {
			return
		}

		if attempt > 0 {
			c.reconnects.Add(1)
			c.logger.Warn("Reconnecting to market stream", "delay", backoff.String())
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.cfg.ReconnectMaxDelay {
				backoff = c.cfg.ReconnectMaxDelay
			}
		}

		conn, _, err := c.dialer.DialContext(c.ctx, c.streamURL, nil)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Error("Market stream dial failed", "error", err)
			continue
		}

		c.setConn(conn)
		c.connected.Store(true)
		backoff = c.cfg.ReconnectInitialDelay
		c.logger.Info("Connected to market stream", "streams", len(c.streams))

		if err := c.sendSubscribe(conn); err != nil {
			c.logger.Error("Subscription frame failed", "error", err)
			c.connected.Store(false)
			c.setConn(nil)
			conn.Close()
			continue
		}

		stopPing := make(chan struct{})
		go c.pingLoop(conn, stopPing)

		c.readLoop(conn)

		close(stopPing)
		c.connected.Store(false)
		c.setConn(nil)
		conn.Close()

		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("Market stream connection lost")
	}
}

// sendSubscribe sends the subscription frame covering all configured streams.
// The combined URL already selects them; the explicit frame keeps the
// subscription authoritative across server-side stream changes.
func (c *MarketStreamClient) sendSubscribe(conn *websocket.Conn) error {
	req := subscribeRequest{
		Method: "SUBSCRIBE",
		Params: c.streams,
		ID:     subscribeID,
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("subscribe frame: %w", err)
	}
	return nil
}

// pingLoop keeps the connection alive until the read loop exits.
func (c *MarketStreamClient) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("Market stream ping failed", "error", err)
				return
			}
		}
	}
}

// readLoop reads frames until the connection drops.
func (c *MarketStreamClient) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("Market stream closed by server")
			} else if c.ctx.Err() == nil {
				c.logger.Error("Market stream read error", "error", err)
			}
			return
		}

		c.messagesReceived.Add(1)
		c.handleMessage(message)
	}
}

// handleMessage unwraps the combined-stream envelope when present and routes
// the event on its "e" discriminator. Unknown kinds and subscription acks
// are ignored; undecodable frames are dropped.
func (c *MarketStreamClient) handleMessage(message []byte) {
	var envelope streamEnvelope
	if err := json.Unmarshal(message, &envelope); err == nil &&
		envelope.Stream != "" && len(envelope.Data) > 0 {
		message = envelope.Data
	}

	var baseEvent struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
	}
	if err := json.Unmarshal(message, &baseEvent); err != nil {
		c.decodeFailures.Add(1)
		c.logger.Debug("Dropping undecodable frame", "error", err)
		return
	}

	switch baseEvent.EventType {
	case "24hrTicker":
		c.handleTicker(message)
	case "trade":
		c.handleTrade(message)
	case "kline":
		c.handleKline(message)
	case "":
		// Subscription ack ({"result":null,"id":1}); nothing to do.
	default:
		c.logger.Debug("Ignoring unsupported event", "type", baseEvent.EventType)
	}
}

// handleTicker maps a 24hrTicker event to a tick. Price is the last trade
// price, volume the rolling 24h base volume, timestamp the event time.
func (c *MarketStreamClient) handleTicker(message []byte) {
	var event tickerEvent
	if err := json.Unmarshal(message, &event); err != nil {
		c.decodeFailures.Add(1)
		c.logger.Debug("Dropping malformed ticker frame", "error", err)
		return
	}

	c.publish(model.MarketTick{
		Symbol:    CleanSymbol(event.Symbol),
		Price:     event.LastPrice,
		Volume:    event.Volume,
		Timestamp: time.UnixMilli(event.EventTime).UTC(),
		Exchange:  c.cfg.Exchange,
		Bid:       event.BestBid,
		Ask:       event.BestAsk,
		High:      event.High,
		Low:       event.Low,
		Open:      event.Open,
	})
}

// handleTrade maps a single trade to a tick. Trades carry no open/high/low.
func (c *MarketStreamClient) handleTrade(message []byte) {
	var event tradeEvent
	if err := json.Unmarshal(message, &event); err != nil {
		c.decodeFailures.Add(1)
		c.logger.Debug("Dropping malformed trade frame", "error", err)
		return
	}

	c.publish(model.MarketTick{
		Symbol:    CleanSymbol(event.Symbol),
		Price:     event.Price,
		Volume:    event.Quantity,
		Timestamp: time.UnixMilli(event.TradeTime).UTC(),
		Exchange:  c.cfg.Exchange,
	})
}

// handleKline maps a candlestick update to a tick priced at the close.
func (c *MarketStreamClient) handleKline(message []byte) {
	var event klineEvent
	if err := json.Unmarshal(message, &event); err != nil {
		c.decodeFailures.Add(1)
		c.logger.Debug("Dropping malformed kline frame", "error", err)
		return
	}

	c.publish(model.MarketTick{
		Symbol:    CleanSymbol(event.Symbol),
		Price:     event.Kline.Close,
		Volume:    event.Kline.Volume,
		Timestamp: time.UnixMilli(event.Kline.CloseTime).UTC(),
		Exchange:  c.cfg.Exchange,
		High:      event.Kline.High,
		Low:       event.Kline.Low,
		Open:      event.Kline.Open,
	})
}

// publish validates the tick and sends it to the bus. A failed publish is
// logged and dropped; the read loop never blocks on downstream consumers.
func (c *MarketStreamClient) publish(tick model.MarketTick) {
	if tick.Symbol == "" || tick.Price <= 0 || math.IsNaN(tick.Price) || math.IsInf(tick.Price, 0) {
		c.decodeFailures.Add(1)
		c.logger.Debug("Dropping tick without a usable price", "symbol", tick.Symbol)
		return
	}

	c.mu.Lock()
	c.lastEventTime = time.Now()
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, publishTimeout)
	defer cancel()

	if err := c.tickBus.Publish(ctx, bus.ChannelMarketStream, tick); err != nil {
		c.publishFailures.Add(1)
		c.logger.Error("Tick publish failed", "symbol", tick.Symbol, "error", err)
		return
	}
	c.ticksPublished.Add(1)
}

func (c *MarketStreamClient) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

// CleanSymbol maps an exchange pair to its canonical symbol, BTCUSDT -> BTC.
func CleanSymbol(symbol string) string {
	if strings.HasSuffix(symbol, "USDT") {
		return strings.TrimSuffix(symbol, "USDT")
	}
	if strings.HasSuffix(symbol, "BUSD") {
		return strings.TrimSuffix(symbol, "BUSD")
	}
	return symbol
}

// Stats returns stream statistics.
func (c *MarketStreamClient) Stats() map[string]interface{} {
	c.mu.RLock()
	lastEvent := c.lastEventTime
	c.mu.RUnlock()

	return map[string]interface{}{
		"connected":        c.connected.Load(),
		"streams":          len(c.streams),
		"messagesReceived": c.messagesReceived.Load(),
		"ticksPublished":   c.ticksPublished.Load(),
		"decodeFailures":   c.decodeFailures.Load(),
		"publishFailures":  c.publishFailures.Load(),
		"reconnects":       c.reconnects.Load(),
		"lastEventTime":    lastEvent.Format(time.RFC3339),
	}
}
