package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"depthbook/internal/market"

	"github.com/redis/go-redis/v9"
)

// ErrMiss means no fresh copy of the book is cached.
var ErrMiss = errors.New("cache miss")

// RedisCache publishes book records for readers outside this process.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(addr string, password string, db int, ttl time.Duration) *RedisCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisCache{
		client: rdb,
		ttl:    ttl,
	}
}

func Key(exchange, symbol string) string { return "ob:" + exchange + ":" + symbol }

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) SetBook(ctx context.Context, r market.Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, Key(r.Exchange, r.Snapshot.Symbol), b, c.ttl).Err()
}

// SetBooks writes all records in one pipeline round trip.
func (c *RedisCache) SetBooks(ctx context.Context, records []market.Record) error {
	if len(records) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for _, r := range records {
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		pipe.Set(ctx, Key(r.Exchange, r.Snapshot.Symbol), b, c.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) GetBook(ctx context.Context, exchange, symbol string) (market.Record, error) {
	b, err := c.client.Get(ctx, Key(exchange, symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return market.Record{}, ErrMiss
	}
	if err != nil {
		return market.Record{}, err
	}
	var r market.Record
	if err := json.Unmarshal(b, &r); err != nil {
		return market.Record{}, err
	}
	return r, nil
}

func (c *RedisCache) Invalidate(ctx context.Context, exchange, symbol string) error {
	return c.client.Del(ctx, Key(exchange, symbol)).Err()
}

func (c *RedisCache) Close() error { return c.client.Close() }
