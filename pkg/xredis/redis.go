package xredis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"marketfeed.com/pkg/metrics"
)

type Config struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// NewRedis 建连并 Ping 一次，确保连接通畅
func NewRedis(ctx context.Context, c *Config) (*redis.Client, error) {
	poolSize := c.PoolSize
	if poolSize <= 0 {
		poolSize = 16 // 单写入方，不需要大池子
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         c.Addr,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     poolSize,
		MinIdleConns: 2,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", c.Addr, err)
	}
	return rdb, nil
}

// ExportPoolStats 定时把连接池状态写到 metrics，ctx 结束时退出
func ExportPoolStats(ctx context.Context, rdb *redis.Client, every time.Duration) {
	if every <= 0 {
		every = 5 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	var lastTimeouts uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		st := rdb.PoolStats()
		metrics.RedisPoolOpen.Set(float64(st.TotalConns))
		metrics.RedisPoolIdle.Set(float64(st.IdleConns))
		if st.Timeouts > lastTimeouts {
			metrics.RedisPoolTimeouts.Add(float64(st.Timeouts - lastTimeouts))
		}
		lastTimeouts = st.Timeouts
	}
}
