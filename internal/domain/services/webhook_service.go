package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/chainledger/chainledger/internal/domain/entities"
	"github.com/chainledger/chainledger/internal/infrastructure/config"
	"github.com/chainledger/chainledger/pkg/logger"
	"github.com/chainledger/chainledger/pkg/metrics"
)

// WebhookPayload is the push-notification body. Numeric fields arrive as
// strings, as the provider sends them.
type WebhookPayload struct {
	Confirmed      bool              `json:"confirmed"`
	ChainID        string            `json:"chainId"`
	Block          WebhookBlock      `json:"block"`
	ERC20Transfers []WebhookTransfer `json:"erc20Transfers"`
}

type WebhookBlock struct {
	Number string `json:"number"`
}

type WebhookTransfer struct {
	TransactionHash string `json:"transactionHash"`
	LogIndex        string `json:"logIndex"`
	Contract        string `json:"contract"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	TokenDecimals   string `json:"tokenDecimals"`
}

// WebhookService verifies and ingests push notifications. Verification
// recomputes an HMAC-SHA256 over the raw body and compares against the
// header signature; any configured secret may match, which keeps
// rotation a two-step deploy instead of an outage.
type WebhookService struct {
	credit  Ingestor
	cfg     config.WebhookConfig
	chain   config.ChainConfig
	metrics *metrics.Metrics
	logger  *logger.Logger
}

// NewWebhookService creates a new webhook service
func NewWebhookService(credit Ingestor, cfg config.WebhookConfig, chainCfg config.ChainConfig, m *metrics.Metrics, log *logger.Logger) *WebhookService {
	return &WebhookService{
		credit:  credit,
		cfg:     cfg,
		chain:   chainCfg,
		metrics: m,
		logger:  log,
	}
}

// Configured reports whether any shared secret is installed. Before the
// push-registration handshake completes there are none, and the
// endpoint must acknowledge unsigned payloads without processing them.
func (s *WebhookService) Configured() bool {
	return len(s.cfg.Secrets) > 0
}

// VerifySignature checks the header signature against every configured
// secret. Signatures compare constant-time and case-insensitively, with
// or without a 0x prefix.
func (s *WebhookService) VerifySignature(body []byte, signature string) bool {
	provided := strings.ToLower(strings.TrimPrefix(signature, "0x"))
	for _, secret := range s.cfg.Secrets {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		if hmac.Equal([]byte(expected), []byte(provided)) {
			return true
		}
	}
	return false
}

// Process ingests one verified payload. Unconfirmed notifications and
// transfers on other tokens are dropped; the scan and indexer paths
// pick up anything the filter is wrong about.
func (s *WebhookService) Process(ctx context.Context, body []byte) (int, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("decode webhook payload: %w", err)
	}
	if !payload.Confirmed {
		return 0, nil
	}

	blockNumber, _ := strconv.ParseInt(payload.Block.Number, 10, 64)

	observed := 0
	for _, t := range payload.ERC20Transfers {
		if !strings.EqualFold(t.Contract, s.chain.TokenAddress) {
			continue
		}
		raw, err := decimal.NewFromString(t.Value)
		if err != nil {
			s.logger.Warn("Skipping webhook transfer with unparseable value",
				"tx_hash", t.TransactionHash, "value", t.Value)
			continue
		}
		logIndex, err := strconv.ParseInt(t.LogIndex, 10, 64)
		if err != nil {
			s.logger.Warn("Skipping webhook transfer with unparseable log index",
				"tx_hash", t.TransactionHash, "log_index", t.LogIndex)
			continue
		}
		tokenDecimals := s.chain.TokenDecimals
		if d, err := strconv.ParseInt(t.TokenDecimals, 10, 32); err == nil && d > 0 {
			tokenDecimals = int32(d)
		}

		_, created, err := s.credit.Observe(ctx, &entities.TransferEvent{
			TxHash:        t.TransactionHash,
			LogIndex:      logIndex,
			BlockNumber:   blockNumber,
			TokenAddress:  t.Contract,
			ToAddress:     t.To,
			RawAmount:     raw,
			TokenDecimals: tokenDecimals,
			Source:        entities.SourceWebhook,
		})
		if err != nil {
			return observed, err
		}
		if created {
			observed++
		}
	}
	return observed, nil
}
