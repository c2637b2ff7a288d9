package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	statusKeyPrefix = "lossly:batch:status:"
	defaultTTL      = 10 * time.Minute
)

// StatusCache stores snapshots of finished batches so status polling does not
// hit the database.
type StatusCache interface {
	// Get decodes the snapshot for batchID into out. It reports false on a miss.
	Get(ctx context.Context, batchID string, out interface{}) (bool, error)
	Set(ctx context.Context, batchID string, status interface{}) error
	Delete(ctx context.Context, batchID string) error
	Close() error
}

// Options configures the redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// RedisStatusCache is a StatusCache backed by redis.
type RedisStatusCache struct {
	client *redis.Client
	ttl    time.Duration
}

// Connect dials redis and verifies the connection.
func Connect(opts Options) (*RedisStatusCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		PoolTimeout:  5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStatusCache{client: client, ttl: ttl}, nil
}

func statusKey(batchID string) string {
	return statusKeyPrefix + batchID
}

func (c *RedisStatusCache) Get(ctx context.Context, batchID string, out interface{}) (bool, error) {
	data, err := c.client.Get(ctx, statusKey(batchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode cached status: %w", err)
	}
	return true, nil
}

func (c *RedisStatusCache) Set(ctx context.Context, batchID string, status interface{}) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, statusKey(batchID), data, c.ttl).Err()
}

func (c *RedisStatusCache) Delete(ctx context.Context, batchID string) error {
	return c.client.Del(ctx, statusKey(batchID)).Err()
}

func (c *RedisStatusCache) Close() error {
	return c.client.Close()
}

// Noop is a StatusCache that never stores anything. It is used when redis is
// not configured.
type Noop struct{}

func (Noop) Get(context.Context, string, interface{}) (bool, error) { return false, nil }
func (Noop) Set(context.Context, string, interface{}) error         { return nil }
func (Noop) Delete(context.Context, string) error                   { return nil }
func (Noop) Close() error                                           { return nil }
