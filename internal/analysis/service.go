package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"market-analytics/config"
	"market-analytics/internal/bus"
	"market-analytics/internal/logging"
	"market-analytics/internal/model"
	"market-analytics/internal/window"
)

// saveTimeout bounds a single snapshot write so one slow store cannot
// stall the whole cycle.
const saveTimeout = 5 * time.Second

// SnapshotWriter persists snapshots. Implemented by the latest-value
// store and by the optional history archiver.
type SnapshotWriter interface {
	Save(ctx context.Context, snapshot *model.MarketSnapshot) error
}

// Service consumes the tick stream, maintains the per-symbol windows
// and writes a fresh composite snapshot for every configured symbol on
// a fixed cadence. Symbols are processed sequentially within a cycle,
// so a snapshot never observes a half-updated window twice.
type Service struct {
	cfg     config.AnalyticsConfig
	windows *window.Store
	store   SnapshotWriter
	ticks   bus.TickBus
	logger  *logging.Logger

	abc        *ABCAnalyzer
	bayesian   *BayesianAnalyzer
	forecaster *ArimaForecaster
	simulator  *MonteCarloSimulator

	archive SnapshotWriter

	mu     sync.Mutex
	subID  string
	cancel context.CancelFunc
	done   chan struct{}

	ticksProcessed atomic.Int64
	ticksRejected  atomic.Int64
	snapshotsSaved atomic.Int64
	saveFailures   atomic.Int64
}

// NewService wires the analyzers to the window store and the snapshot
// store. Call Start to begin consuming ticks.
func NewService(cfg config.AnalyticsConfig, windows *window.Store, store SnapshotWriter, ticks bus.TickBus, logger *logging.Logger) *Service {
	return &Service{
		cfg:        cfg,
		windows:    windows,
		store:      store,
		ticks:      ticks,
		logger:     logger.WithComponent("analysis"),
		abc:        NewABCAnalyzer(cfg.MinWindowSize, cfg.MonteCarloSimulations, cfg.MonteCarloHorizonDays),
		bayesian:   NewBayesianAnalyzer(),
		forecaster: NewArimaForecaster(),
		simulator:  NewMonteCarloSimulator(),
	}
}

// SetArchiver registers an additional writer that receives every saved
// snapshot. Must be called before Start.
func (s *Service) SetArchiver(w SnapshotWriter) {
	s.archive = w
}

// Start subscribes to the market stream and launches the snapshot
// scheduler. The service stops when ctx is cancelled or Stop is
// called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return errors.New("analysis: service already started")
	}

	runCtx, cancel := context.WithCancel(ctx)

	subID, err := s.ticks.Subscribe(runCtx, bus.ChannelMarketStream, s.handleTick)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to %s: %w", bus.ChannelMarketStream, err)
	}

	s.subID = subID
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx)

	s.logger.Info("Analysis service started",
		"symbols", s.cfg.Symbols,
		"interval", s.cfg.SnapshotInterval.String(),
		"minWindow", s.cfg.MinWindowSize)
	return nil
}

// Stop unsubscribes from the stream and waits for the scheduler to
// drain. Safe to call more than once.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	subID := s.subID
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}

	s.ticks.Unsubscribe(bus.ChannelMarketStream, subID)
	cancel()
	<-done
	s.logger.Info("Analysis service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.generateSnapshots(ctx)
		}
	}
}

// handleTick feeds the window for the tick's symbol. Ticks without a
// symbol or with a non-finite price are rejected before they can
// poison the window.
func (s *Service) handleTick(tick model.MarketTick) {
	if tick.Symbol == "" || math.IsNaN(tick.Price) || math.IsInf(tick.Price, 0) {
		s.ticksRejected.Add(1)
		s.logger.Warn("Discarding invalid tick", "symbol", tick.Symbol, "price", tick.Price)
		return
	}

	s.windows.Append(tick.Symbol, tick)
	s.ticksProcessed.Add(1)
	s.logger.Debug("Processed tick", "symbol", tick.Symbol, "price", tick.Price, "windowSize", s.windows.Size(tick.Symbol))
}

func (s *Service) generateSnapshots(ctx context.Context) {
	for _, symbol := range s.cfg.Symbols {
		snapshot := s.BuildSnapshot(symbol)

		saveCtx, cancel := context.WithTimeout(ctx, saveTimeout)
		err := s.store.Save(saveCtx, snapshot)
		cancel()
		if err != nil {
			s.saveFailures.Add(1)
			s.logger.Error("Failed to save snapshot", "symbol", symbol, "error", err)
			continue
		}
		s.snapshotsSaved.Add(1)

		if s.archive != nil {
			archiveCtx, cancel := context.WithTimeout(ctx, saveTimeout)
			if err := s.archive.Save(archiveCtx, snapshot); err != nil {
				s.logger.Warn("Failed to archive snapshot", "symbol", symbol, "error", err)
			}
			cancel()
		}

		s.logger.Debug("Saved snapshot",
			"symbol", symbol,
			"price", snapshot.CurrentPrice,
			"state", snapshot.MarketState)
	}
}

// BuildSnapshot runs the full analysis stack over the current window
// for one symbol. Windows below the minimum size produce the default
// snapshot so consumers always receive a well-formed document.
func (s *Service) BuildSnapshot(symbol string) *model.MarketSnapshot {
	prices := s.windows.Prices(symbol)
	if len(prices) < s.cfg.MinWindowSize {
		s.logger.Debug("Insufficient data for snapshot", "symbol", symbol, "prices", len(prices))
		lastPrice, _ := s.windows.LastPrice(symbol)
		return defaultSnapshot(symbol, lastPrice)
	}

	currentPrice := prices[len(prices)-1]

	abc := s.abc.Analyze(prices, currentPrice)
	bayesian := s.bayesian.Analyze(prices)
	forecast := s.forecaster.Forecast(prices, s.cfg.ArimaHorizonPeriods)
	monteCarlo := s.simulator.Simulate(currentPrice, bayesian.Drift, bayesian.Volatility,
		s.cfg.MonteCarloSimulations, s.cfg.MonteCarloHorizonDays)

	return &model.MarketSnapshot{
		Symbol:            symbol,
		Timestamp:         time.Now().UTC(),
		CurrentPrice:      currentPrice,
		BayesianMetrics:   bayesian,
		ArimaForecast:     forecast,
		MonteCarloResults: monteCarlo,
		MarketState:       abc.MarketRegime,
		ABCAnalysis:       abc,
	}
}

// Stats reports processing counters plus the window fill levels.
func (s *Service) Stats() map[string]interface{} {
	return map[string]interface{}{
		"ticksProcessed": s.ticksProcessed.Load(),
		"ticksRejected":  s.ticksRejected.Load(),
		"snapshotsSaved": s.snapshotsSaved.Load(),
		"saveFailures":   s.saveFailures.Load(),
		"windows":        s.windows.Stats(),
	}
}

// defaultSnapshot is the placeholder served while a window is warming
// up. currentPrice is the last positive price seen, or zero before the
// first tick; sub-documents are present but zero valued, and no
// integrated analysis is attached.
func defaultSnapshot(symbol string, currentPrice float64) *model.MarketSnapshot {
	return &model.MarketSnapshot{
		Symbol:            symbol,
		Timestamp:         time.Now().UTC(),
		CurrentPrice:      currentPrice,
		BayesianMetrics:   &model.BayesianMetrics{},
		ArimaForecast:     &model.ArimaForecast{},
		MonteCarloResults: &model.MonteCarloResults{},
		MarketState:       model.RegimeUnknown,
	}
}
