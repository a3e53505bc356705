package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/chainledger/chainledger/internal/domain/services"
	"github.com/chainledger/chainledger/pkg/logger"
)

// signatureHeader carries the HMAC over the raw request body
const signatureHeader = "x-signature"

// WebhookHandler receives push notifications from the transfer-watch
// provider.
type WebhookHandler struct {
	webhooks *services.WebhookService
	logger   *logger.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(webhooks *services.WebhookService, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks, logger: log}
}

// ReceiveTransfers handles POST /api/v1/webhooks/transfers.
//
// The provider's registration handshake requires a 200 before any
// secret exists, so an unconfigured endpoint acknowledges and drops the
// payload instead of rejecting it.
func (h *WebhookHandler) ReceiveTransfers(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		SendBadRequest(c, "failed to read request body")
		return
	}

	if !h.webhooks.Configured() {
		h.logger.Info("Webhook received before secret configuration, acknowledging")
		SendSuccess(c, gin.H{"processed": 0})
		return
	}

	if !h.webhooks.VerifySignature(body, c.GetHeader(signatureHeader)) {
		h.logger.Warn("Webhook signature verification failed", "remote", c.ClientIP())
		SendUnauthorized(c, "signature verification failed")
		return
	}

	processed, err := h.webhooks.Process(c.Request.Context(), body)
	if err != nil {
		h.logger.Error("Failed to process webhook", "error", err)
		SendInternalError(c, "failed to process webhook")
		return
	}
	SendSuccess(c, gin.H{"processed": processed})
}
