package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/chainledger/chainledger/pkg/logger"
)

// CoreHandler serves health and liveness probes
type CoreHandler struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// NewCoreHandler creates a new core handler
func NewCoreHandler(db *sqlx.DB, log *logger.Logger) *CoreHandler {
	return &CoreHandler{db: db, logger: log}
}

// Health handles GET /health
func (h *CoreHandler) Health(c *gin.Context) {
	if err := h.db.PingContext(c.Request.Context()); err != nil {
		h.logger.Error("Health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Live handles GET /live
func (h *CoreHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}
