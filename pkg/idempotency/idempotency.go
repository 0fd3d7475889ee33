package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/photoproc/pkg/redis"
)

// Manager remembers resolved deliveries per consumer using Redis SETNX with a TTL.
// Keys follow the `photoproc:idempotency:delivery:<consumer>:<delivery_id>` pattern.
type Manager struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

// NewManager builds a guard that keeps resolved markers for the given TTL.
func NewManager(store redis.IdempotencyStore, ttl time.Duration) (*Manager, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &Manager{
		store: store,
		ttl:   ttl,
	}, nil
}

// Resolved reports whether the delivery was already acknowledged with a final outcome.
func (m *Manager) Resolved(ctx context.Context, consumer, deliveryID string) (bool, error) {
	key, err := m.resolvedKey(consumer, deliveryID)
	if err != nil {
		return false, err
	}
	_, err = m.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// MarkResolved records the outcome of an acknowledged delivery. It reports
// false when another worker marked it first.
func (m *Manager) MarkResolved(ctx context.Context, consumer, deliveryID, outcome string) (bool, error) {
	key, err := m.resolvedKey(consumer, deliveryID)
	if err != nil {
		return false, err
	}
	if outcome == "" {
		outcome = "1"
	}
	return m.store.SetNX(ctx, key, outcome, m.ttl)
}

func (m *Manager) resolvedKey(consumer, deliveryID string) (string, error) {
	consumer = strings.TrimSpace(consumer)
	deliveryID = strings.TrimSpace(deliveryID)
	if consumer == "" {
		return "", errors.New("consumer name is required")
	}
	if deliveryID == "" {
		return "", errors.New("delivery id is required")
	}
	return m.store.IdempotencyKey("delivery", fmt.Sprintf("%s:%s", consumer, deliveryID)), nil
}
