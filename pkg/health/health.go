// Package health 提供就绪/存活探针状态，挂载到网关的 HTTP 路由。
package health

import (
	"net/http"
	"sync/atomic"
)

// Probe 维护健康检查状态
// liveness 只要进程活着就返回 200；readiness 在依赖就绪前、
// 优雅关闭开始后返回 503，让负载均衡器摘除节点。
type Probe struct {
	ready    atomic.Bool
	shutdown atomic.Bool
}

// NewProbe 创建健康探针
func NewProbe() *Probe {
	return &Probe{}
}

// SetReady 设置服务就绪状态
func (p *Probe) SetReady(ready bool) {
	p.ready.Store(ready)
}

// SetShutdown 标记服务进入关闭流程
func (p *Probe) SetShutdown(shutdown bool) {
	p.shutdown.Store(shutdown)
}

// Ready 当前是否可接收流量
func (p *Probe) Ready() bool {
	return p.ready.Load() && !p.shutdown.Load()
}

// LivenessHandler 返回 liveness handler（/health）
func (p *Probe) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}
}

// ReadinessHandler 返回 readiness handler（/ready）
func (p *Probe) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !p.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"not_ready"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	}
}
