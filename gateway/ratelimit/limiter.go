// Package ratelimit 提供按 用户+动作 维度的窗口限流。
// 与 HTTP 层的 genesis ratelimit 中间件不同，socket 事件需要把
// remaining / reset_time 回传给客户端做退避，因此这里维护显式的桶状态。
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/ceyewan/genesis/clog"
)

// Action socket 事件的限流动作类别
type Action string

const (
	ActionSendMessage Action = "send_message"
	ActionRoomOp      Action = "room_op"
	ActionTyping      Action = "typing"
)

// Rule 单个动作的限流规则
type Rule struct {
	Max    int           // 窗口内允许的最大次数
	Window time.Duration // 窗口长度
}

// Result 一次限流判定的结果
type Result struct {
	Limited   bool      // 是否超限
	Remaining int       // 窗口内剩余额度，可为负（反映持续压力）
	ResetAt   time.Time // 窗口重置时间
}

// 过期桶的回收宽限期
const sweepGrace = 60 * time.Second

type bucket struct {
	count   int
	resetAt time.Time
}

// Limiter 按 (userID, action) 维护独立的窗口桶
type Limiter struct {
	mu      sync.Mutex
	rules   map[Action]Rule
	buckets map[string]*bucket
	logger  clog.Logger
}

// Option 配置 Limiter 的选项
type Option func(*Limiter)

// WithRules 覆盖默认规则表
func WithRules(rules map[Action]Rule) Option {
	return func(l *Limiter) {
		l.rules = rules
	}
}

// DefaultRules 默认规则表
func DefaultRules() map[Action]Rule {
	return map[Action]Rule{
		ActionSendMessage: {Max: 10, Window: 10 * time.Second},
		ActionRoomOp:      {Max: 30, Window: 60 * time.Second},
		ActionTyping:      {Max: 5, Window: 5 * time.Second},
	}
}

// NewLimiter 创建限流器
func NewLimiter(logger clog.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = clog.Discard()
	}
	l := &Limiter{
		rules:   DefaultRules(),
		buckets: make(map[string]*bucket),
		logger:  logger.WithNamespace("ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check 判定一次动作是否超限
// 计数无条件递增（超限后继续累加），remaining 因此能反映持续压力。
// 未知动作永不限流：对新增事件类型 fail-open 是明确策略，而不是遗漏。
func (l *Limiter) Check(userID string, action Action) Result {
	rule, ok := l.rules[action]
	if !ok {
		return Result{Limited: false, Remaining: 1, ResetAt: time.Now()}
	}

	key := bucketKey(userID, action)
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{resetAt: now.Add(rule.Window)}
		l.buckets[key] = b
	}

	if now.After(b.resetAt) {
		b.count = 0
		b.resetAt = now.Add(rule.Window)
	}

	b.count++

	return Result{
		Limited:   b.count > rule.Max,
		Remaining: rule.Max - b.count,
		ResetAt:   b.resetAt,
	}
}

// Cleanup 回收过期超过宽限期的桶，返回回收数量
// 由 Gateway 的维护定时器每小时调用一次，限制不活跃用户占用的内存。
func (l *Limiter) Cleanup() int {
	return l.sweep(time.Now())
}

func (l *Limiter) sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.buckets {
		if now.After(b.resetAt.Add(sweepGrace)) {
			delete(l.buckets, key)
			removed++
		}
	}

	if removed > 0 {
		l.logger.Debug("swept stale rate limit buckets", clog.Int("removed", removed))
	}
	return removed
}

// BucketCount 当前桶数量，仅用于观测
func (l *Limiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func bucketKey(userID string, action Action) string {
	return fmt.Sprintf("%s:%s", userID, action)
}
