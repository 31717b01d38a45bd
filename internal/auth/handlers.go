package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"market-analytics/config"
	"market-analytics/internal/logging"
)

// Handlers contains the auth HTTP handlers
type Handlers struct {
	cfg        config.AuthConfig
	jwtManager *JWTManager
	logger     *logging.Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(cfg config.AuthConfig, jwtManager *JWTManager, logger *logging.Logger) *Handlers {
	return &Handlers{
		cfg:        cfg,
		jwtManager: jwtManager,
		logger:     logger.WithComponent("auth"),
	}
}

// IssueToken handles operator login
// POST /api/auth/token
func (h *Handlers) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "VALIDATION_ERROR",
			"message": err.Error(),
		})
		return
	}

	if h.cfg.OperatorPasswordHash == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   ErrAuthNotConfigured.Code,
			"message": ErrAuthNotConfigured.Message,
		})
		return
	}

	if !VerifyOperatorPassword(req.Password, h.cfg.OperatorPasswordHash) {
		h.logger.Warn("Rejected operator login", "ip", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   ErrInvalidCredentials.Code,
			"message": ErrInvalidCredentials.Message,
		})
		return
	}

	token, err := h.jwtManager.GenerateToken()
	if err != nil {
		h.logger.Error("Failed to mint operator token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "INTERNAL_ERROR",
			"message": "failed to issue token",
		})
		return
	}

	h.logger.Info("Issued operator token", "ip", c.ClientIP())
	c.JSON(http.StatusOK, TokenResponse{
		AccessToken: token,
		ExpiresIn:   h.jwtManager.GetTokenDuration(),
		TokenType:   "Bearer",
	})
}
