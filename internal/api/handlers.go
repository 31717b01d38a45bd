package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// handleGetSymbols returns every symbol that currently has a stored
// snapshot.
// GET /api/market/symbols
func (s *Server) handleGetSymbols(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), storeReadTimeout)
	defer cancel()

	symbols, err := s.store.Symbols(ctx)
	if err != nil {
		s.logger.Error("Failed to list symbols", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list symbols"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"symbols": symbols,
		"count":   len(symbols),
	})
}

// handleGetSnapshot returns the latest snapshot for a symbol.
// GET /api/market/:symbol
func (s *Server) handleGetSnapshot(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), storeReadTimeout)
	defer cancel()

	snapshot, err := s.store.FindLatest(ctx, symbol)
	if err != nil {
		s.logger.Error("Failed to read snapshot", "symbol", symbol, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read snapshot"})
		return
	}
	if snapshot == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No data available for " + symbol})
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

// handleGetHistory returns archived snapshots, newest first. Responds
// 503 when the history archive is disabled.
// GET /api/market/:symbol/history?limit=N
func (s *Server) handleGetHistory(c *gin.Context) {
	if s.archiver == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "snapshot history archive is disabled"})
		return
	}

	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	snapshots, err := s.archiver.Recent(ctx, symbol, limit)
	if err != nil {
		s.logger.Error("Failed to read snapshot history", "symbol", symbol, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read snapshot history"})
		return
	}

	// Total archived rows, so clients can tell a short page from a short
	// history. A count failure degrades to -1 rather than failing the read.
	total, err := s.archiver.Count(ctx, symbol)
	if err != nil {
		s.logger.Warn("Failed to count snapshot history", "symbol", symbol, "error", err)
		total = -1
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol":    symbol,
		"count":     len(snapshots),
		"total":     total,
		"snapshots": snapshots,
	})
}

// handleAdminStats aggregates component statistics for operators.
// GET /api/admin/stats
func (s *Server) handleAdminStats(c *gin.Context) {
	stats := gin.H{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"store":     s.store.GetStats(),
		"hub":       s.hub.Stats(),
	}
	if s.stream != nil {
		stats["stream"] = s.stream.Stats()
	}
	if s.tickBus != nil {
		stats["bus"] = s.tickBus.Stats()
	}
	if s.analytics != nil {
		stats["analytics"] = s.analytics.Stats()
	}

	c.JSON(http.StatusOK, stats)
}

// handleDeleteSnapshot removes the stored snapshot for a symbol.
// DELETE /api/admin/snapshot/:symbol
func (s *Server) handleDeleteSnapshot(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), storeReadTimeout)
	defer cancel()

	if err := s.store.Delete(ctx, symbol); err != nil {
		s.logger.Error("Failed to delete snapshot", "symbol", symbol, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete snapshot"})
		return
	}

	s.logger.Info("Snapshot deleted by operator", "symbol", symbol)
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "deleted": true})
}

// handleResetWindow clears a symbol's sliding window. The next analysis
// cycles rebuild it from live ticks.
// POST /api/admin/window/:symbol/reset
func (s *Server) handleResetWindow(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}

	s.windows.Reset(symbol)
	s.logger.Info("Window reset by operator", "symbol", symbol)
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "reset": true})
}

// handleMarketWS upgrades the connection and registers the session with
// the broadcast hub. Each session is bound to exactly one symbol; the
// current snapshot (or the no-data error frame) is sent immediately on
// open.
// GET /ws/market/:symbol
func (s *Server) handleMarketWS(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}

	if !s.wsLimiter.allow(c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "symbol", symbol, "error", err)
		return
	}

	client := &MarketClient{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		hub:    s.hub,
		symbol: symbol,
	}

	s.hub.Register(client)
	s.logger.Debug("WebSocket subscriber connected",
		"symbol", symbol, "remote", conn.RemoteAddr().String())

	// Welcome frame: the latest snapshot, or the error document when no
	// analysis has run for this symbol yet.
	s.hub.sendCurrentSnapshot(client)

	go client.writePump()
	go client.readPump()
}
