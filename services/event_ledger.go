package services

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultLedgerTTL    = 72 * time.Hour
	defaultLedgerPrefix = "stripe:event:"
)

// EventLedger remembers which webhook deliveries were already applied.
type EventLedger interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string) error
}

type RedisEventLedger struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisEventLedger(client *redis.Client, ttl time.Duration) *RedisEventLedger {
	if ttl <= 0 {
		ttl = DefaultLedgerTTL
	}
	return &RedisEventLedger{client: client, prefix: defaultLedgerPrefix, ttl: ttl}
}

// NewRedisClient parses a redis:// URL and pings the server once.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func (l *RedisEventLedger) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check event ledger: %w", err)
	}
	return n > 0, nil
}

func (l *RedisEventLedger) MarkProcessed(ctx context.Context, eventID string) error {
	if err := l.client.SetNX(ctx, l.key(eventID), time.Now().UTC().Format(time.RFC3339), l.ttl).Err(); err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

func (l *RedisEventLedger) key(eventID string) string {
	return l.prefix + eventID
}

// NoopEventLedger is used when no Redis is configured. Every event is
// processed; the handlers are idempotent on their own.
type NoopEventLedger struct{}

func (NoopEventLedger) Seen(context.Context, string) (bool, error) { return false, nil }

func (NoopEventLedger) MarkProcessed(context.Context, string) error { return nil }
