package xredis

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"marketfeed.com/pkg/logger"
)

// 续期和释放都必须先比对持有者，用脚本保证原子
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Lease is a single-holder lock with a TTL, used so that only one process
// holds the upstream session for a user at a time.
type Lease struct {
	rdb leaseClient
	key string
	id  string
	ttl time.Duration
}

type leaseClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

func NewLease(rdb *redis.Client, key string, ttl time.Duration) *Lease {
	return newLease(rdb, key, ttl)
}

func newLease(rdb leaseClient, key string, ttl time.Duration) *Lease {
	host, _ := os.Hostname()
	return &Lease{
		rdb: rdb,
		key: key,
		id:  fmt.Sprintf("%s-%s", host, uuid.NewString()),
		ttl: ttl,
	}
}

func (l *Lease) ID() string { return l.id }

// TryAcquire takes the lease if free, or renews it if we already hold it.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	got, err := l.rdb.SetNX(ctx, l.key, l.id, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if got {
		return true, nil
	}
	return l.renew(ctx)
}

func (l *Lease) renew(ctx context.Context) (bool, error) {
	n, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.id, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release drops the lease if we hold it.
func (l *Lease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, l.id).Err()
}

// Hold blocks until the lease is acquired, then keeps renewing it every ttl/3.
// lost is closed if a renewal fails to keep the lease. Hold returns when ctx is
// done or the lease is lost, releasing it on the way out.
func (l *Lease) Hold(ctx context.Context, acquired func(lost <-chan struct{})) error {
	every := l.ttl / 3
	if every <= 0 {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		ok, err := l.TryAcquire(ctx)
		if err != nil {
			logger.Warn(ctx, "lease acquire failed", zap.String("key", l.key), zap.Error(err))
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	logger.Info(ctx, "lease acquired", zap.String("key", l.key), zap.String("id", l.id))

	lost := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		acquired(lost)
	}()

	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Release(rctx)
	}()
	for {
		select {
		case <-ctx.Done():
			<-done
			return ctx.Err()
		case <-done:
			return nil
		case <-t.C:
			ok, err := l.renew(ctx)
			if err == nil && ok {
				continue
			}
			logger.Error(ctx, "lease lost", zap.String("key", l.key), zap.Error(err))
			close(lost)
			<-done
			return fmt.Errorf("xredis: lease %s lost", l.key)
		}
	}
}
