package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"marketfeed.com/pkg/metrics"
	"marketfeed.com/pkg/xerr"
)

type Rule struct {
	// Half-Open 状态允许通过的探测请求数（MaxRequests=0 时库会当作 1）
	MaxRequests uint32

	// Closed 状态计数窗口
	Interval time.Duration

	// Open 状态持续时间，到期进入 Half-Open
	Timeout time.Duration

	// 触发熔断条件（两种之一即可）
	TripConsecutiveFailures uint32  // 连续失败阈值
	TripFailureRate         float64 // 失败率阈值（0~1）
	TripMinRequests         uint32  // 失败率计算的最小样本数
}

// Manager 按名字管理熔断器（每个上游接口一个）
type Manager struct {
	mu sync.RWMutex
	m  map[string]*gobreaker.CircuitBreaker[[]byte]

	defaultRule Rule
	rules       map[string]Rule
}

func NewManager(defaultRule Rule, perName map[string]Rule) *Manager {
	if defaultRule.MaxRequests == 0 {
		defaultRule.MaxRequests = 1
	}
	if defaultRule.Timeout <= 0 {
		defaultRule.Timeout = 30 * time.Second
	}
	if defaultRule.Interval <= 0 {
		defaultRule.Interval = time.Minute
	}
	if defaultRule.TripConsecutiveFailures == 0 && defaultRule.TripFailureRate == 0 {
		defaultRule.TripConsecutiveFailures = 5
	}
	if defaultRule.TripMinRequests == 0 {
		defaultRule.TripMinRequests = 10
	}

	return &Manager{
		m:           make(map[string]*gobreaker.CircuitBreaker[[]byte], 8),
		defaultRule: defaultRule,
		rules:       perName,
	}
}

// Execute 通过名为 name 的熔断器执行 fn；熔断打开时直接返回 gobreaker.ErrOpenState
func (m *Manager) Execute(name string, fn func() ([]byte, error)) ([]byte, error) {
	body, err := m.Get(name).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.CBRejectTotal.WithLabelValues(name).Inc()
	}
	return body, err
}

func (m *Manager) Get(name string) *gobreaker.CircuitBreaker[[]byte] {
	// 快路径：读锁
	m.mu.RLock()
	cb := m.m[name]
	m.mu.RUnlock()
	if cb != nil {
		return cb
	}

	// 慢路径：创建
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb = m.m[name]; cb != nil {
		return cb
	}

	rule, ok := m.rules[name]
	if !ok {
		rule = m.defaultRule
	}
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: rule.MaxRequests,
		Interval:    rule.Interval,
		Timeout:     rule.Timeout,

		ReadyToTrip: func(c gobreaker.Counts) bool {
			if rule.TripConsecutiveFailures > 0 && c.ConsecutiveFailures >= rule.TripConsecutiveFailures {
				return true
			}
			if rule.TripFailureRate > 0 && c.Requests >= rule.TripMinRequests {
				failRate := float64(c.TotalFailures) / float64(c.Requests)
				return failRate >= rule.TripFailureRate
			}
			return false
		},

		OnStateChange: func(name string, _ gobreaker.State, to gobreaker.State) {
			metrics.SetBreakerState(name, to.String())
		},

		IsSuccessful: isSuccessfulForBreaker,
	}

	cb = gobreaker.NewCircuitBreaker[[]byte](st)
	metrics.SetBreakerState(name, gobreaker.StateClosed.String())
	m.m[name] = cb
	return cb
}

// 4xx（凭证错误、参数错误）不代表上游不健康，不计入熔断失败
func isSuccessfulForBreaker(err error) bool {
	if err == nil {
		return true
	}
	return xerr.IsClientSide(err)
}
