package handler

import (
	"github.com/ceyewan/genesis/clog"
	"github.com/towline/realtime/gateway/metrics"
	"github.com/towline/realtime/gateway/notify"
	"github.com/towline/realtime/gateway/protocol"
	"github.com/towline/realtime/gateway/ratelimit"
	"github.com/towline/realtime/repo"
)

// Registry 连接索引的抽象，由 connection.Manager 实现
type Registry interface {
	JoinRoom(connID, roomID string) bool
	InRoom(connID, roomID string) bool
	BroadcastRoom(roomID string, frame *protocol.Frame, excludeConnID string) int
	BroadcastAll(frame *protocol.Frame) int
	SendToUser(userID string, frame *protocol.Frame) bool
	KickUser(userID string) int
	IsOnline(userID string) bool
	OnlineCount() (conns int, users int)
}

// IDGenerator 为消息分配唯一 ID
type IDGenerator interface {
	Next() int64
}

// Handler 聚合各事件的业务逻辑
// 校验失败通过 error 返回，由 dispatcher 统一转为失败 ack；
// 成功 ack 携带业务数据，由各方法自行发送。
type Handler struct {
	chatRepo  repo.ChatRepo
	registry  Registry
	limiter   *ratelimit.Limiter
	batcher   *notify.Batcher
	idGen     IDGenerator
	collector *metrics.Collector
	logger    clog.Logger
}

// NewHandler 创建事件处理器
func NewHandler(
	chatRepo repo.ChatRepo,
	registry Registry,
	limiter *ratelimit.Limiter,
	batcher *notify.Batcher,
	idGen IDGenerator,
	collector *metrics.Collector,
	logger clog.Logger,
) *Handler {
	return &Handler{
		chatRepo:  chatRepo,
		registry:  registry,
		limiter:   limiter,
		batcher:   batcher,
		idGen:     idGen,
		collector: collector,
		logger:    logger,
	}
}
