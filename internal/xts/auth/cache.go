package auth

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"
	"marketfeed.com/pkg/metrics"
)

// TokenCache keeps the session token between process restarts so a restart
// inside the trading day does not force a fresh login.
type TokenCache interface {
	Get(ctx context.Context) (Session, bool, error)
	Put(ctx context.Context, s Session, ttl time.Duration) error
	Drop(ctx context.Context) error
}

// kv is the slice of *redis.Client the cache uses.
type kv interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type RedisTokenCache struct {
	rdb kv
	key string
}

func NewRedisTokenCache(rdb *redis.Client, key string) *RedisTokenCache {
	return newRedisTokenCache(rdb, key)
}

func newRedisTokenCache(rdb kv, key string) *RedisTokenCache {
	if key == "" {
		key = "marketfeed:session"
	}
	return &RedisTokenCache{rdb: rdb, key: key}
}

func (c *RedisTokenCache) Get(ctx context.Context) (Session, bool, error) {
	start := time.Now()
	raw, err := c.rdb.Get(ctx, c.key).Bytes()
	observe("get", start, err)
	if errors.Is(err, redis.Nil) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil || s.Token == "" {
		// 坏数据当作没有
		return Session{}, false, nil
	}
	return s, true, nil
}

func (c *RedisTokenCache) Put(ctx context.Context, s Session, ttl time.Duration) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	start := time.Now()
	err = c.rdb.Set(ctx, c.key, b, ttl).Err()
	observe("set", start, err)
	return err
}

func (c *RedisTokenCache) Drop(ctx context.Context) error {
	start := time.Now()
	err := c.rdb.Del(ctx, c.key).Err()
	observe("del", start, err)
	return err
}

func observe(cmd string, start time.Time, err error) {
	status := "ok"
	if err != nil && !errors.Is(err, redis.Nil) {
		status = "error"
		metrics.RedisErrors.WithLabelValues(cmd).Inc()
	}
	metrics.RedisCmdDuration.WithLabelValues(cmd, status).Observe(time.Since(start).Seconds())
}
