// Package redis provides the shared CounterStore implementation backing
// multi-instance deployments.
package redis

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/worldloom/gatekeeper/ports"
)

// Config configures the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// CounterStore implements ports.CounterStore on Redis. Increment and
// expiry run in one transactional pipeline, so concurrent callers across
// instances never lose updates.
type CounterStore struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*CounterStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &CounterStore{client: client}, nil
}

// Incr atomically increments the counter at key and refreshes its TTL.
func (s *CounterStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	counter := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis incr %q: %w", key, err)
	}
	return counter.Val(), nil
}

// Close releases the underlying connection pool.
func (s *CounterStore) Close() error {
	return s.client.Close()
}

// Ensure interface compliance.
var _ ports.CounterStore = (*CounterStore)(nil)
