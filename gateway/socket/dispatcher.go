package socket

import (
	"context"
	"fmt"

	"github.com/ceyewan/genesis/clog"
	"github.com/towline/realtime/gateway/handler"
	"github.com/towline/realtime/gateway/metrics"
	"github.com/towline/realtime/gateway/protocol"
)

// Dispatcher 将入站帧路由到对应的业务处理方法
// 所有业务错误统一转为失败 ack；单帧的 panic 被 recover，
// 不影响同连接的后续帧。
type Dispatcher struct {
	handler   *handler.Handler
	collector *metrics.Collector
	logger    clog.Logger
}

// NewDispatcher 创建分发器
func NewDispatcher(h *handler.Handler, collector *metrics.Collector, logger clog.Logger) *Dispatcher {
	return &Dispatcher{
		handler:   h,
		collector: collector,
		logger:    logger,
	}
}

// HandleFrame 实现 protocol.Handler 接口
func (d *Dispatcher) HandleFrame(ctx context.Context, conn protocol.Connection, frame *protocol.Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.collector.RecordError("panic")
			d.logger.Error("panic while handling frame",
				clog.String("event", frame.Event),
				clog.String("user_id", conn.UserID()),
				clog.String("panic", fmt.Sprintf("%v", r)))
			conn.Send(protocol.NewErrorAckFrame(frame.Seq, handler.CodeInternal, "internal error"))
			err = fmt.Errorf("panic handling %s: %v", frame.Event, r)
		}
	}()

	// 心跳不进业务层
	if frame.Event == protocol.EventPing {
		return conn.Send(protocol.NewPongFrame(frame.Seq))
	}

	switch frame.Event {
	case protocol.EventSendMessage:
		err = d.handler.HandleSendMessage(ctx, conn, frame)
	case protocol.EventMarkRead:
		err = d.handler.HandleMarkRead(ctx, conn, frame)
	case protocol.EventTyping:
		err = d.handler.HandleTyping(ctx, conn, frame)
	case protocol.EventStopTyping:
		err = d.handler.HandleStopTyping(ctx, conn, frame)
	case protocol.EventGetMetrics:
		if conn.Role() != protocol.RoleAdmin {
			d.reject(conn, frame.Seq, handler.CodeForbidden, "admin role required")
			return nil
		}
		err = d.handler.HandleGetMetrics(ctx, conn, frame)
	case protocol.EventBroadcast:
		if conn.Role() != protocol.RoleAdmin {
			d.reject(conn, frame.Seq, handler.CodeForbidden, "admin role required")
			return nil
		}
		err = d.handler.HandleBroadcast(ctx, conn, frame)
	case protocol.EventKickUser:
		if conn.Role() != protocol.RoleAdmin {
			d.reject(conn, frame.Seq, handler.CodeForbidden, "admin role required")
			return nil
		}
		err = d.handler.HandleKickUser(ctx, conn, frame)
	default:
		d.reject(conn, frame.Seq, handler.CodeInvalid, "unknown event "+frame.Event)
		return nil
	}

	if err != nil {
		code := handler.ErrorCode(err)
		d.collector.RecordError(code)
		d.logger.Warn("frame rejected",
			clog.String("event", frame.Event),
			clog.String("user_id", conn.UserID()),
			clog.String("code", code),
			clog.Error(err))
		d.reject(conn, frame.Seq, code, handler.ClientMessage(err))
	}
	return err
}

// reject 拒绝一帧：失败 ack 回传 seq，同时下发独立的 error 事件
// 供不按 seq 关联请求的客户端统一处理
func (d *Dispatcher) reject(conn protocol.Connection, seq, code, message string) {
	conn.Send(protocol.NewErrorAckFrame(seq, code, message))
	conn.Send(protocol.NewErrorFrame(code, message))
}
