package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/chainledger/chainledger/internal/domain/entities"
	"github.com/chainledger/chainledger/internal/domain/services"
	"github.com/chainledger/chainledger/internal/infrastructure/config"
	"github.com/chainledger/chainledger/pkg/logger"
	"github.com/chainledger/chainledger/pkg/metrics"
)

type nopIngestor struct{}

func (nopIngestor) Observe(_ context.Context, t *entities.TransferEvent) (*entities.ChainDepositEvent, bool, error) {
	return &entities.ChainDepositEvent{TxHash: t.TxHash}, true, nil
}

func newWebhookRouter(secrets ...string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	log := logger.New("error", "test")
	svc := services.NewWebhookService(nopIngestor{}, config.WebhookConfig{Secrets: secrets},
		config.ChainConfig{TokenAddress: "0xtoken", TokenDecimals: 18},
		metrics.New(prometheus.NewRegistry()), log)
	router := gin.New()
	router.POST("/api/v1/webhooks/transfers", NewWebhookHandler(svc, log).ReceiveTransfers)
	return router
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(router *gin.Engine, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/transfers", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("x-signature", signature)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestWebhookBootstrapAcknowledgesUnsigned(t *testing.T) {
	// Before the registration handshake installs a secret, the endpoint
	// must answer 200 or the provider refuses to register it
	router := newWebhookRouter()
	rec := postWebhook(router, []byte(`{"confirmed":true}`), "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	router := newWebhookRouter("real-secret")
	body := []byte(`{"confirmed":true,"erc20Transfers":[]}`)
	rec := postWebhook(router, body, sign("wrong-secret", body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookAcceptsValidSignature(t *testing.T) {
	router := newWebhookRouter("real-secret")
	body := []byte(`{
		"confirmed": true,
		"block": {"number": "100"},
		"erc20Transfers": [{"transactionHash": "0x1", "logIndex": "0", "contract": "0xtoken", "to": "0xu", "value": "1000000000000000000", "tokenDecimals": "18"}]
	}`)
	rec := postWebhook(router, body, sign("real-secret", body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"processed":1`)
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	router := newWebhookRouter("real-secret")
	body := []byte(`not json`)
	rec := postWebhook(router, body, sign("real-secret", body))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
