package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chainledger/chainledger/internal/domain/entities"
	"github.com/chainledger/chainledger/pkg/logger"
)

const (
	keyPrefix = "worker:status:"
	statusTTL = 24 * time.Hour
)

// Store publishes worker heartbeats to redis for the admin layer. The
// workers only ever write; a missing or expired key simply means the
// worker has not run lately, which is exactly what the admin wants to
// see.
type Store struct {
	client *redis.Client
	logger *logger.Logger
}

// NewStore creates a new heartbeat store
func NewStore(client *redis.Client, log *logger.Logger) *Store {
	return &Store{client: client, logger: log}
}

// Publish writes one worker's status blob. Publish failures are logged
// and swallowed: a heartbeat must never fail a reconciliation pass.
func (s *Store) Publish(ctx context.Context, status entities.WorkerStatus) {
	raw, err := json.Marshal(status)
	if err != nil {
		s.logger.Error("Failed to encode worker status", "error", err, "worker", status.Worker)
		return
	}
	if err := s.client.Set(ctx, keyPrefix+status.Worker, raw, statusTTL).Err(); err != nil {
		s.logger.Warn("Failed to publish worker status", "error", err, "worker", status.Worker)
	}
}

// Get returns one worker's latest status blob
func (s *Store) Get(ctx context.Context, worker string) (*entities.WorkerStatus, error) {
	raw, err := s.client.Get(ctx, keyPrefix+worker).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker status: %w", err)
	}
	var status entities.WorkerStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, fmt.Errorf("failed to decode worker status: %w", err)
	}
	return &status, nil
}

// List returns every published worker status
func (s *Store) List(ctx context.Context) ([]entities.WorkerStatus, error) {
	keys, err := s.client.Keys(ctx, keyPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list worker status keys: %w", err)
	}
	statuses := make([]entities.WorkerStatus, 0, len(keys))
	for _, key := range keys {
		raw, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get worker status %s: %w", key, err)
		}
		var status entities.WorkerStatus
		if err := json.Unmarshal(raw, &status); err != nil {
			continue
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}
