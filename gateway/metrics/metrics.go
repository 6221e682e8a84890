// Package metrics 维护网关的进程内计数器。
// 与 observability 的 Prometheus 指标并行：这里的快照通过管理端
// get_metrics 事件直接回给管理员，进程重启后归零。
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/towline/realtime/gateway/observability"
)

// Collector 进程内指标聚合器
// 由 Gateway 组合根持有并注入各 handler，不做任何持久化。
type Collector struct {
	mu sync.Mutex

	startedAt time.Time

	connections    int64
	disconnections int64
	messages       int64
	rateLimited    int64
	notifications  int64
	errors         int64

	disconnectReasons map[string]int64
	errorKinds        map[string]int64
}

// Snapshot 指标快照，uptime 为派生值
type Snapshot struct {
	Uptime            time.Duration    `json:"uptime_ms"`
	Connections       int64            `json:"connections"`
	Disconnections    int64            `json:"disconnections"`
	ActiveEstimate    int64            `json:"active_estimate"`
	Messages          int64            `json:"messages"`
	RateLimited       int64            `json:"rate_limited"`
	Notifications     int64            `json:"notifications"`
	Errors            int64            `json:"errors"`
	DisconnectReasons map[string]int64 `json:"disconnect_reasons"`
	ErrorKinds        map[string]int64 `json:"error_kinds"`
}

// NewCollector 创建指标聚合器
func NewCollector() *Collector {
	return &Collector{
		startedAt:         time.Now(),
		disconnectReasons: make(map[string]int64),
		errorKinds:        make(map[string]int64),
	}
}

// RecordConnection 记录一次新建连接
func (c *Collector) RecordConnection() {
	c.mu.Lock()
	c.connections++
	c.mu.Unlock()

	observability.RecordConnectionEstablished(context.Background())
}

// RecordDisconnection 记录一次连接断开
// reason 是有限的断开原因枚举，不是用户可控的自由文本。
func (c *Collector) RecordDisconnection(reason string) {
	c.mu.Lock()
	c.disconnections++
	c.disconnectReasons[reason]++
	c.mu.Unlock()

	observability.RecordDisconnect(context.Background(), reason)
}

// RecordMessage 记录一次消息处理，rateLimited 表示该次发送被限流拒绝
func (c *Collector) RecordMessage(rateLimited bool) {
	c.mu.Lock()
	c.messages++
	if rateLimited {
		c.rateLimited++
	}
	c.mu.Unlock()

	observability.RecordMessage(context.Background(), rateLimited)
}

// RecordNotifications 记录本次 flush 持久化的通知条数
func (c *Collector) RecordNotifications(count int) {
	c.mu.Lock()
	c.notifications += int64(count)
	c.mu.Unlock()

	observability.RecordNotifications(context.Background(), count)
}

// RecordError 记录一次 handler 错误
func (c *Collector) RecordError(kind string) {
	c.mu.Lock()
	c.errors++
	c.errorKinds[kind]++
	c.mu.Unlock()

	observability.RecordError(context.Background(), kind)
}

// Snapshot 返回当前指标快照
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	reasons := make(map[string]int64, len(c.disconnectReasons))
	for k, v := range c.disconnectReasons {
		reasons[k] = v
	}
	kinds := make(map[string]int64, len(c.errorKinds))
	for k, v := range c.errorKinds {
		kinds[k] = v
	}

	return Snapshot{
		Uptime:            time.Since(c.startedAt),
		Connections:       c.connections,
		Disconnections:    c.disconnections,
		ActiveEstimate:    c.connections - c.disconnections,
		Messages:          c.messages,
		RateLimited:       c.rateLimited,
		Notifications:     c.notifications,
		Errors:            c.errors,
		DisconnectReasons: reasons,
		ErrorKinds:        kinds,
	}
}
