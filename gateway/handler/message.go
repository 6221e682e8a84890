package handler

import (
	"context"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/xerrors"
	"github.com/towline/realtime/gateway/notify"
	"github.com/towline/realtime/gateway/protocol"
	"github.com/towline/realtime/gateway/ratelimit"
	"github.com/towline/realtime/model"
)

// 消息长度上限，按 Unicode 字符计
const maxMessageRunes = 5000

// HandleSendMessage 处理 send_message 事件
// 校验顺序：限流 -> 长度 -> 成员资格。非成员仅允许在空房间发首条消息，
// 对应买家首次咨询时房间刚创建、成员尚未落库的场景。
func (h *Handler) HandleSendMessage(ctx context.Context, conn protocol.Connection, frame *protocol.Frame) error {
	var p protocol.SendMessagePayload
	if err := protocol.DecodePayload(frame, &p); err != nil {
		return xerrors.Wrapf(ErrInvalidPayload, "%v", err)
	}
	if p.RoomID == "" {
		return xerrors.Wrapf(ErrInvalidPayload, "room_id is required")
	}

	if result := h.limiter.Check(conn.UserID(), ratelimit.ActionSendMessage); result.Limited {
		h.collector.RecordMessage(true)
		return ErrRateLimited
	}

	if n := utf8.RuneCountInString(p.Message); n < 1 || n > maxMessageRunes {
		return ErrMessageLength
	}

	if err := h.authorizeSender(ctx, p.RoomID, conn.UserID()); err != nil {
		return err
	}

	msg := &model.ChatMessage{
		MsgID:     h.idGen.Next(),
		RoomID:    p.RoomID,
		SenderID:  conn.UserID(),
		Content:   p.Message,
		CreatedAt: time.Now(),
	}
	if len(p.Attachments) > 0 {
		data, err := json.Marshal(p.Attachments)
		if err != nil {
			return xerrors.Wrapf(ErrInvalidPayload, "malformed attachments: %v", err)
		}
		msg.Attachments = string(data)
	}

	if err := h.chatRepo.CreateMessage(ctx, msg); err != nil {
		return xerrors.Wrapf(err, "failed to persist message %d", msg.MsgID)
	}

	h.collector.RecordMessage(false)

	payload := buildMessagePayload(msg, p.Attachments)
	conn.Send(protocol.NewAckFrame(frame.Seq, payload))
	// 排除的是发起连接本身：发送方的其他设备同样收到 new_message
	h.registry.BroadcastRoom(p.RoomID, protocol.NewEventFrame(protocol.EventNewMessage, payload), conn.ID())

	// 通知走异步批次，不阻塞发送方
	go h.notifyParticipants(p.RoomID, conn.UserID(), msg)

	return nil
}

// authorizeSender 发送方成员资格校验
func (h *Handler) authorizeSender(ctx context.Context, roomID, userID string) error {
	participant, err := h.chatRepo.GetParticipant(ctx, roomID, userID)
	if err != nil {
		return xerrors.Wrapf(err, "failed to check participant %s in room %s", userID, roomID)
	}
	if participant != nil {
		return nil
	}

	room, err := h.chatRepo.GetRoom(ctx, roomID)
	if err != nil {
		return xerrors.Wrapf(err, "failed to load room %s", roomID)
	}
	if room == nil {
		return ErrRoomNotFound
	}

	count, err := h.chatRepo.CountMessages(ctx, roomID)
	if err != nil {
		return xerrors.Wrapf(err, "failed to count messages in room %s", roomID)
	}
	if count > 0 {
		return ErrNotParticipant
	}
	return nil
}

// notifyParticipants 为房间内其他成员入队聊天通知
func (h *Handler) notifyParticipants(roomID, senderID string, msg *model.ChatMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	participants, err := h.chatRepo.ParticipantsExcluding(ctx, roomID, senderID)
	if err != nil {
		h.collector.RecordError("notify_lookup")
		h.logger.Error("failed to load participants for notification",
			clog.String("room_id", roomID),
			clog.Error(err))
		return
	}

	senderName := senderID
	if msg.Sender != nil && msg.Sender.Name != "" {
		senderName = msg.Sender.Name
	}

	for _, participant := range participants {
		h.batcher.Enqueue(participant.UserID, notify.Notice{
			Type:      model.NotificationTypeChat,
			Message:   "New message from " + senderName,
			ActionURL: "/chat/" + roomID,
			RoomID:    roomID,
		})
	}
}

// buildMessagePayload 构造 new_message / ack 共用的消息载荷
func buildMessagePayload(msg *model.ChatMessage, attachments []protocol.Attachment) *protocol.NewMessagePayload {
	payload := &protocol.NewMessagePayload{
		MsgID:       msg.MsgID,
		RoomID:      msg.RoomID,
		SenderID:    msg.SenderID,
		Message:     msg.Content,
		Attachments: attachments,
		CreatedAt:   msg.CreatedAt,
	}
	if msg.Sender != nil {
		payload.Sender = &protocol.SenderProfile{
			UserID: msg.Sender.UserID,
			Name:   msg.Sender.Name,
			Avatar: msg.Sender.Avatar,
		}
	}
	return payload
}
