package handlers

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/chainledger/chainledger/internal/domain/entities"
	"github.com/chainledger/chainledger/pkg/logger"
)

// EventProjection lists recent transfer events
type EventProjection interface {
	ListRecent(ctx context.Context, limit, offset int) ([]*entities.ChainDepositEvent, error)
}

// RequestProjection lists recent deposit requests
type RequestProjection interface {
	ListRecent(ctx context.Context, limit, offset int) ([]*entities.DepositRequest, error)
}

// WithdrawalProjection lists recent withdrawal requests
type WithdrawalProjection interface {
	ListRecent(ctx context.Context, limit, offset int) ([]*entities.WithdrawalRequest, error)
}

// HeartbeatReader lists worker heartbeats
type HeartbeatReader interface {
	List(ctx context.Context) ([]entities.WorkerStatus, error)
}

// StatusHandler serves the read-only projections the admin layer renders.
// The core publishes these; it does not render them.
type StatusHandler struct {
	events      EventProjection
	requests    RequestProjection
	withdrawals WithdrawalProjection
	heartbeats  HeartbeatReader
	logger      *logger.Logger
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(events EventProjection, requests RequestProjection, withdrawals WithdrawalProjection, heartbeats HeartbeatReader, log *logger.Logger) *StatusHandler {
	return &StatusHandler{
		events:      events,
		requests:    requests,
		withdrawals: withdrawals,
		heartbeats:  heartbeats,
		logger:      log,
	}
}

func pagination(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ListEvents handles GET /api/v1/status/events
func (h *StatusHandler) ListEvents(c *gin.Context) {
	limit, offset := pagination(c)
	events, err := h.events.ListRecent(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger.Error("Failed to list events", "error", err)
		SendInternalError(c, "failed to list events")
		return
	}
	SendSuccess(c, events)
}

// ListRequests handles GET /api/v1/status/requests
func (h *StatusHandler) ListRequests(c *gin.Context) {
	limit, offset := pagination(c)
	requests, err := h.requests.ListRecent(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger.Error("Failed to list deposit requests", "error", err)
		SendInternalError(c, "failed to list deposit requests")
		return
	}
	SendSuccess(c, requests)
}

// ListWithdrawals handles GET /api/v1/status/withdrawals
func (h *StatusHandler) ListWithdrawals(c *gin.Context) {
	limit, offset := pagination(c)
	withdrawals, err := h.withdrawals.ListRecent(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger.Error("Failed to list withdrawals", "error", err)
		SendInternalError(c, "failed to list withdrawals")
		return
	}
	SendSuccess(c, withdrawals)
}

// ListWorkers handles GET /api/v1/status/workers
func (h *StatusHandler) ListWorkers(c *gin.Context) {
	statuses, err := h.heartbeats.List(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list worker heartbeats", "error", err)
		SendInternalError(c, "failed to list worker heartbeats")
		return
	}
	SendSuccess(c, statuses)
}
