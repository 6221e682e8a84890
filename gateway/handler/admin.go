package handler

import (
	"context"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/xerrors"
	"github.com/towline/realtime/gateway/metrics"
	"github.com/towline/realtime/gateway/observability"
	"github.com/towline/realtime/gateway/protocol"
)

// MetricsData get_metrics 的响应载荷
type MetricsData struct {
	metrics.Snapshot
	ActiveConnections int `json:"active_connections"`
	OnlineUsers       int `json:"online_users"`
}

// HandleBroadcast 处理管理端 broadcast 事件，向全站连接下发公告
func (h *Handler) HandleBroadcast(ctx context.Context, conn protocol.Connection, frame *protocol.Frame) error {
	var p protocol.BroadcastPayload
	if err := protocol.DecodePayload(frame, &p); err != nil {
		return xerrors.Wrapf(ErrInvalidPayload, "%v", err)
	}
	if p.Message == "" {
		return xerrors.Wrapf(ErrInvalidPayload, "message is required")
	}

	start := time.Now()
	sent := h.registry.BroadcastAll(protocol.NewEventFrame(protocol.EventAnnouncement, &protocol.AnnouncementPayload{
		Message: p.Message,
		SentAt:  start,
	}))
	observability.RecordBroadcastDuration(ctx, time.Since(start))

	h.logger.Info("announcement broadcast",
		clog.String("admin_id", conn.UserID()),
		clog.Int("recipients", sent))

	conn.Send(protocol.NewAckFrame(frame.Seq, map[string]any{"recipients": sent}))
	return nil
}

// HandleKickUser 处理管理端 kick_user 事件，断开目标用户的全部连接
func (h *Handler) HandleKickUser(ctx context.Context, conn protocol.Connection, frame *protocol.Frame) error {
	var p protocol.KickUserPayload
	if err := protocol.DecodePayload(frame, &p); err != nil {
		return xerrors.Wrapf(ErrInvalidPayload, "%v", err)
	}
	if p.UserID == "" {
		return xerrors.Wrapf(ErrInvalidPayload, "user_id is required")
	}

	kicked := h.registry.KickUser(p.UserID)

	h.logger.Info("user kicked",
		clog.String("admin_id", conn.UserID()),
		clog.String("target_user_id", p.UserID),
		clog.Int("connections", kicked))

	conn.Send(protocol.NewAckFrame(frame.Seq, map[string]any{
		"user_id":     p.UserID,
		"connections": kicked,
	}))
	return nil
}

// HandleGetMetrics 处理 get_metrics 事件，返回进程内指标快照
func (h *Handler) HandleGetMetrics(ctx context.Context, conn protocol.Connection, frame *protocol.Frame) error {
	conns, users := h.registry.OnlineCount()
	conn.Send(protocol.NewAckFrame(frame.Seq, &MetricsData{
		Snapshot:          h.collector.Snapshot(),
		ActiveConnections: conns,
		OnlineUsers:       users,
	}))
	return nil
}
