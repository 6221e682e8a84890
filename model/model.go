package model

import (
	"time"
)

// ============================================================================
// 持久化模型（PostgreSQL）
// 以下结构体的 GORM tag 是数据库表结构的唯一真相来源 (Single Source of Truth)。
// 表结构通过 Repo 构造时的 GORM AutoMigrate 自动创建/更新。
//
// 索引总览：
//
//	表                 索引名                  列                         类型       用途
//	────────────────── ────────────────────── ─────────────────────────── ────────── ─────────────────────────────
//	t_user             PK                     user_id                    主键       按用户 ID 精确查询
//	t_chat_room        PK                     room_id                    主键       按房间 ID 精确查询
//	t_room_participant PK                     (room_id, user_id)         复合主键   按房间查成员 / 判断成员资格
//	t_room_participant idx_participant_user   user_id                    普通       按用户反查所有房间（连接时自动加入）
//	t_chat_message     PK                     msg_id                     主键       按消息 ID 精确查询
//	t_chat_message     idx_room_created       (room_id, created_at)      复合       按房间拉取消息 / 标记已读
//	t_chat_message     idx_room_read          (room_id, read)            复合       统计房间未读消息
//	t_notification     PK                     id                         主键       —
//	t_notification     idx_notify_user        (user_id, created_at)      复合       按用户拉取通知流
//
// ============================================================================

// User 用户表（公开资料，realtime 层只读；账号数据归 Web 应用所有）
// 索引：PK(user_id)
type User struct {
	UserID    string `gorm:"primaryKey;column:user_id;type:varchar(64);not null"`
	Name      string `gorm:"column:name;type:varchar(128)"`
	Avatar    string `gorm:"column:avatar;type:varchar(255)"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChatRoom 聊天房间表（对应一次挂牌咨询会话）
// 索引：PK(room_id)
type ChatRoom struct {
	RoomID    string `gorm:"primaryKey;column:room_id;type:varchar(64);not null"`
	ListingID string `gorm:"column:listing_id;type:varchar(64)"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RoomParticipant 房间成员表
// 索引：PK(room_id, user_id) + idx_participant_user(user_id)
//   - PK 复合主键：快速判断某用户是否是某房间成员
//   - idx_participant_user：反查某用户加入的所有房间（连接建立时自动订阅）
type RoomParticipant struct {
	RoomID    string    `gorm:"primaryKey;column:room_id;type:varchar(64);not null"`
	UserID    string    `gorm:"primaryKey;column:user_id;type:varchar(64);not null;index:idx_participant_user"`
	LastRead  time.Time `gorm:"column:last_read"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChatMessage 聊天消息表
// 索引：PK(msg_id) + idx_room_created(room_id, created_at) + idx_room_read(room_id, read)
//   - idx_room_created：按房间拉取消息 / mark-read 批量更新
//   - idx_room_read：统计未读数
//
// read 标志是唯一允许的消息变更，由 mark-read 事务批量翻转。
type ChatMessage struct {
	MsgID       int64     `gorm:"primaryKey;column:msg_id;type:bigint;autoIncrement:false"`
	RoomID      string    `gorm:"column:room_id;type:varchar(64);not null;index:idx_room_created,priority:1;index:idx_room_read,priority:1"`
	SenderID    string    `gorm:"column:sender_id;type:varchar(64);not null"`
	Content     string    `gorm:"column:content;type:text;not null"`
	Attachments string    `gorm:"column:attachments;type:text"` // JSON 数组，可为空
	Read        bool      `gorm:"column:read;default:false;index:idx_room_read,priority:2"`
	CreatedAt   time.Time `gorm:"column:created_at;index:idx_room_created,priority:2"`

	// 发送者公开资料，持久化后回填，便于客户端直接渲染
	Sender *User `gorm:"foreignKey:SenderID;references:UserID" json:"sender,omitempty"`
}

// Notification 通知表，由 Batcher flush 批量写入
// 索引：PK(id) + idx_notify_user(user_id, created_at)
type Notification struct {
	ID        int64     `gorm:"primaryKey;column:id;type:bigint;autoIncrement:false"`
	UserID    string    `gorm:"column:user_id;type:varchar(64);not null;index:idx_notify_user,priority:1"`
	Type      string    `gorm:"column:type;type:varchar(32);not null"`
	Message   string    `gorm:"column:message;type:varchar(512);not null"`
	ActionURL string    `gorm:"column:action_url;type:varchar(255)"`
	CreatedAt time.Time `gorm:"column:created_at;index:idx_notify_user,priority:2"`
}

// ============================================================================
// 表名映射
// ============================================================================

func (User) TableName() string            { return "t_user" }
func (ChatRoom) TableName() string        { return "t_chat_room" }
func (RoomParticipant) TableName() string { return "t_room_participant" }
func (ChatMessage) TableName() string     { return "t_chat_message" }
func (Notification) TableName() string    { return "t_notification" }

// ============================================================================
// 常量
// ============================================================================

// 通知类型
const (
	NotificationTypeChat   = "chat_message"
	NotificationTypeSystem = "system"
)

// AllModels 返回所有需要 AutoMigrate 的模型列表
func AllModels() []any {
	return []any{
		&User{},
		&ChatRoom{},
		&RoomParticipant{},
		&ChatMessage{},
		&Notification{},
	}
}
