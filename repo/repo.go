// Package repo 封装 realtime 网关的持久化访问。
// 网关只依赖这里声明的接口；Web 应用的其余表不属于本仓库。
package repo

import (
	"context"
	"time"

	"github.com/towline/realtime/model"
)

// ChatRepo 聊天消息 / 房间成员持久化接口
type ChatRepo interface {
	// GetParticipant 查询房间成员记录，不存在时返回 (nil, nil)
	GetParticipant(ctx context.Context, roomID, userID string) (*model.RoomParticipant, error)
	// GetRoom 查询房间，不存在时返回 (nil, nil)
	GetRoom(ctx context.Context, roomID string) (*model.ChatRoom, error)
	// CountMessages 返回房间内已存在的消息数
	CountMessages(ctx context.Context, roomID string) (int64, error)
	// CreateMessage 持久化消息，并回填发送者公开资料
	CreateMessage(ctx context.Context, msg *model.ChatMessage) error
	// ParticipantsExcluding 返回房间内除指定用户外的所有成员
	ParticipantsExcluding(ctx context.Context, roomID, userID string) ([]*model.RoomParticipant, error)
	// RoomIDsForUser 返回用户参与的所有房间 ID
	RoomIDsForUser(ctx context.Context, userID string) ([]string, error)
	// MarkRead 单事务内：upsert 成员 last_read 并把房间内非本人发送的消息置为已读，
	// 返回翻转的消息条数
	MarkRead(ctx context.Context, roomID, userID string, at time.Time) (int64, error)
	Close() error
}

// NotificationRepo 通知持久化接口
type NotificationRepo interface {
	// CreateNotifications 原子批量写入通知
	CreateNotifications(ctx context.Context, records []*model.Notification) error
	Close() error
}
