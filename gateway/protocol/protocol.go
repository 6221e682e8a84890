// Package protocol 定义 WebSocket 的 JSON 帧格式与事件常量。
// 客户端 payload 是弱类型 JSON，统一在这里解析成带校验的结构体，
// 不合法的帧在进入任何 handler 之前就被拒绝。
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// 入站事件
const (
	EventSendMessage = "send_message"
	EventMarkRead    = "mark_read"
	EventTyping      = "typing"
	EventStopTyping  = "stop_typing"
	EventPing        = "ping"
	EventGetMetrics  = "get_metrics"

	// 管理命名空间入站事件
	EventBroadcast = "broadcast"
	EventKickUser  = "kick_user"
)

// 出站事件
const (
	EventAck            = "ack"
	EventPong           = "pong"
	EventNewMessage     = "new_message"
	EventMessagesRead   = "messages_read"
	EventUserTyping     = "user_typing"
	EventUserStopTyping = "user_stop_typing"
	EventNotification   = "notification"
	EventUserOffline    = "user_offline"
	EventError          = "error"
	EventAnnouncement   = "announcement"
)

// RoleAdmin 管理员角色声明，握手 JWT 的 role claim
const RoleAdmin = "ADMIN"

// Frame WebSocket 消息帧
// seq 由客户端生成，服务端在 ack 中原样携带，用于请求/响应配对。
type Frame struct {
	Event   string          `json:"event"`
	Seq     string          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Connection 表示一个 WebSocket 连接的抽象
type Connection interface {
	// ID 连接的唯一句柄
	ID() string
	// UserID 认证通过的用户 ID
	UserID() string
	// Role 握手时携带的角色声明，可为空
	Role() string
	// RemoteAddr 远程地址
	RemoteAddr() string
	// Send 发送帧到客户端
	Send(frame *Frame) error
	// Close 关闭连接
	Close() error
}

// Handler 处理入站帧的接口
type Handler interface {
	HandleFrame(ctx context.Context, conn Connection, frame *Frame) error
}

// ============================================================================
// 入站 payload
// ============================================================================

// Attachment 消息附件
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
}

// SendMessagePayload send_message 事件的 payload
type SendMessagePayload struct {
	RoomID      string       `json:"room_id"`
	Message     string       `json:"message"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// RoomPayload mark_read / typing / stop_typing 事件的 payload
type RoomPayload struct {
	RoomID string `json:"room_id"`
}

// BroadcastPayload 管理命名空间 broadcast 事件的 payload
type BroadcastPayload struct {
	Message string `json:"message"`
}

// KickUserPayload 管理命名空间 kick_user 事件的 payload
type KickUserPayload struct {
	UserID string `json:"user_id"`
}

// ============================================================================
// 出站 payload
// ============================================================================

// ErrorInfo ack / error 事件中的结构化错误
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AckPayload ack 事件的 payload
type AckPayload struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// SenderProfile 消息发送者的公开资料
type SenderProfile struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// NewMessagePayload new_message 事件的 payload
type NewMessagePayload struct {
	MsgID       int64          `json:"msg_id"`
	RoomID      string         `json:"room_id"`
	SenderID    string         `json:"sender_id"`
	Message     string         `json:"message"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	Sender      *SenderProfile `json:"sender,omitempty"`
}

// TypingPayload user_typing / user_stop_typing 事件的 payload
type TypingPayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

// MessagesReadPayload messages_read 事件的 payload
type MessagesReadPayload struct {
	RoomID string    `json:"room_id"`
	Count  int64     `json:"count"`
	ReadAt time.Time `json:"read_at"`
}

// PresencePayload user_offline 事件的 payload
type PresencePayload struct {
	UserID string `json:"user_id"`
}

// NoticeItem 通知批次中的单条通知
type NoticeItem struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	ActionURL string    `json:"action_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NotificationPayload notification 事件的 payload，一次携带一个完整批次
type NotificationPayload struct {
	Notices []NoticeItem `json:"notices"`
	Count   int          `json:"count"`
}

// AnnouncementPayload announcement 事件的 payload
type AnnouncementPayload struct {
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

// ============================================================================
// 编解码
// ============================================================================

// DecodeFrame 将字节流解码为帧
func DecodeFrame(data []byte) (*Frame, error) {
	frame := &Frame{}
	if err := json.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if frame.Event == "" {
		return nil, fmt.Errorf("frame missing event")
	}
	return frame, nil
}

// EncodeFrame 将帧编码为字节流
func EncodeFrame(frame *Frame) ([]byte, error) {
	return json.Marshal(frame)
}

// DecodePayload 将帧的 payload 解析到目标结构体
func DecodePayload(frame *Frame, v any) error {
	if len(frame.Payload) == 0 {
		return fmt.Errorf("event %s missing payload", frame.Event)
	}
	if err := json.Unmarshal(frame.Payload, v); err != nil {
		return fmt.Errorf("event %s malformed payload: %w", frame.Event, err)
	}
	return nil
}

// NewEventFrame 构造携带 payload 的出站帧
// payload 必须可被 json.Marshal；构造失败说明是编程错误，返回空 payload 帧兜底。
func NewEventFrame(event string, payload any) *Frame {
	data, err := json.Marshal(payload)
	if err != nil {
		return &Frame{Event: event}
	}
	return &Frame{Event: event, Payload: data}
}

// NewAckFrame 构造成功 ack
func NewAckFrame(seq string, data any) *Frame {
	frame := NewEventFrame(EventAck, &AckPayload{Success: true, Data: data})
	frame.Seq = seq
	return frame
}

// NewErrorAckFrame 构造失败 ack
func NewErrorAckFrame(seq string, code, message string) *Frame {
	frame := NewEventFrame(EventAck, &AckPayload{
		Success: false,
		Error:   &ErrorInfo{Code: code, Message: message},
	})
	frame.Seq = seq
	return frame
}

// NewErrorFrame 构造 error 事件帧
func NewErrorFrame(code, message string) *Frame {
	return NewEventFrame(EventError, &ErrorInfo{Code: code, Message: message})
}

// NewPongFrame 构造心跳应答
func NewPongFrame(seq string) *Frame {
	return &Frame{Event: EventPong, Seq: seq}
}
