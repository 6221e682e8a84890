package handler

import (
	"context"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/xerrors"
	"github.com/towline/realtime/gateway/protocol"
	"github.com/towline/realtime/gateway/ratelimit"
)

// JoinUserRooms 连接建立后自动订阅用户所属的全部房间
func (h *Handler) JoinUserRooms(ctx context.Context, conn protocol.Connection) error {
	roomIDs, err := h.chatRepo.RoomIDsForUser(ctx, conn.UserID())
	if err != nil {
		return xerrors.Wrapf(err, "failed to load rooms for user %s", conn.UserID())
	}

	for _, roomID := range roomIDs {
		h.registry.JoinRoom(conn.ID(), roomID)
	}

	h.logger.Debug("user rooms joined",
		clog.String("user_id", conn.UserID()),
		clog.String("conn_id", conn.ID()),
		clog.Int("rooms", len(roomIDs)))
	return nil
}

// HandleMarkRead 处理 mark_read 事件
// 同一事务内翻转未读消息并推进成员的 last_read 水位，
// 已读回执只发给请求方连接。
func (h *Handler) HandleMarkRead(ctx context.Context, conn protocol.Connection, frame *protocol.Frame) error {
	var p protocol.RoomPayload
	if err := protocol.DecodePayload(frame, &p); err != nil {
		return xerrors.Wrapf(ErrInvalidPayload, "%v", err)
	}
	if p.RoomID == "" {
		return xerrors.Wrapf(ErrInvalidPayload, "room_id is required")
	}

	if result := h.limiter.Check(conn.UserID(), ratelimit.ActionRoomOp); result.Limited {
		return ErrRateLimited
	}

	participant, err := h.chatRepo.GetParticipant(ctx, p.RoomID, conn.UserID())
	if err != nil {
		return xerrors.Wrapf(err, "failed to check participant %s in room %s", conn.UserID(), p.RoomID)
	}
	if participant == nil {
		return ErrNotParticipant
	}

	readAt := time.Now()
	count, err := h.chatRepo.MarkRead(ctx, p.RoomID, conn.UserID(), readAt)
	if err != nil {
		return xerrors.Wrapf(err, "failed to mark room %s read for user %s", p.RoomID, conn.UserID())
	}

	payload := &protocol.MessagesReadPayload{
		RoomID: p.RoomID,
		Count:  count,
		ReadAt: readAt,
	}
	conn.Send(protocol.NewAckFrame(frame.Seq, payload))
	conn.Send(protocol.NewEventFrame(protocol.EventMessagesRead, payload))
	return nil
}

// HandleTyping 处理 typing 事件
// 输入状态是尽力而为的信号：限流命中或未加入房间时静默丢弃，不报错。
func (h *Handler) HandleTyping(ctx context.Context, conn protocol.Connection, frame *protocol.Frame) error {
	return h.relayTyping(conn, frame, protocol.EventUserTyping, true)
}

// HandleStopTyping 处理 stop_typing 事件，不限流以便状态及时清除
func (h *Handler) HandleStopTyping(ctx context.Context, conn protocol.Connection, frame *protocol.Frame) error {
	return h.relayTyping(conn, frame, protocol.EventUserStopTyping, false)
}

func (h *Handler) relayTyping(conn protocol.Connection, frame *protocol.Frame, event string, limited bool) error {
	var p protocol.RoomPayload
	if err := protocol.DecodePayload(frame, &p); err != nil {
		return xerrors.Wrapf(ErrInvalidPayload, "%v", err)
	}
	if p.RoomID == "" {
		return xerrors.Wrapf(ErrInvalidPayload, "room_id is required")
	}

	if limited {
		if result := h.limiter.Check(conn.UserID(), ratelimit.ActionTyping); result.Limited {
			return nil
		}
	}
	if !h.registry.InRoom(conn.ID(), p.RoomID) {
		return nil
	}

	h.registry.BroadcastRoom(p.RoomID, protocol.NewEventFrame(event, &protocol.TypingPayload{
		RoomID: p.RoomID,
		UserID: conn.UserID(),
	}), conn.ID())
	return nil
}
