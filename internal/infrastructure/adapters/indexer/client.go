package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/chainledger/chainledger/internal/infrastructure/config"
	"github.com/chainledger/chainledger/pkg/logger"
)

// ErrRateLimited signals a 429; callers must back off and retry the
// same page without advancing their cursor.
var ErrRateLimited = errors.New("indexer rate limited")

// Client calls the third-party transfer-history API used as the polling
// fallback when push notifications are missed.
type Client struct {
	baseURL  string
	apiKey   string
	pageSize int
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   *logger.Logger
}

// NewClient creates an indexer client with a circuit breaker so a
// misbehaving provider cannot stall every scan pass.
func NewClient(cfg config.IndexerConfig, log *logger.Logger) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "indexer",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	return &Client{
		baseURL:  cfg.BaseURL,
		apiKey:   cfg.APIKey,
		pageSize: cfg.PageSize,
		http:     &http.Client{Timeout: time.Duration(cfg.TimeoutSecs) * time.Second},
		breaker:  breaker,
		logger:   log,
	}
}

// Enabled reports whether a provider is configured at all
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

// GetTransfers fetches one page of token transfers to address within
// [fromBlock, toBlock]. Pass the previous page's cursor to continue
// pagination; empty starts from the beginning of the range.
func (c *Client) GetTransfers(ctx context.Context, address string, fromBlock, toBlock int64, cursor string) (*TransfersPage, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.getTransfers(ctx, address, fromBlock, toBlock, cursor)
	})
	if err != nil {
		return nil, err
	}
	return result.(*TransfersPage), nil
}

func (c *Client) getTransfers(ctx context.Context, address string, fromBlock, toBlock int64, cursor string) (*TransfersPage, error) {
	endpoint := fmt.Sprintf("%s/%s/erc20/transfers", c.baseURL, url.PathEscape(address))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build indexer request: %w", err)
	}

	q := req.URL.Query()
	q.Set("from_block", strconv.FormatInt(fromBlock, 10))
	q.Set("to_block", strconv.FormatInt(toBlock, 10))
	q.Set("limit", strconv.Itoa(c.pageSize))
	q.Set("order", "ASC")
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("indexer request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read indexer response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("indexer returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var page TransfersPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to decode indexer response: %w", err)
	}
	return &page, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
