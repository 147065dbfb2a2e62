package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Store 按 key 懒创建令牌桶；key 数量很少（每个上游接口一个），不做过期清理
type Store struct {
	mu      sync.Mutex
	entries map[string]*rate.Limiter
	rate    rate.Limit
	burst   int
}

func NewStore(r rate.Limit, burst int) *Store {
	if burst <= 0 {
		burst = 1
	}
	return &Store{
		entries: make(map[string]*rate.Limiter, 8),
		rate:    r,
		burst:   burst,
	}
}

func (s *Store) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.entries[key]
	if !ok {
		l = rate.NewLimiter(s.rate, s.burst)
		s.entries[key] = l
	}
	return l
}

// Allow 判断是否允许通过。允许则返回 true。
func (s *Store) Allow(key string) bool {
	return s.get(key).Allow()
}

// Wait 阻塞到拿到令牌或 ctx 结束
func (s *Store) Wait(ctx context.Context, key string) error {
	return s.get(key).Wait(ctx)
}
