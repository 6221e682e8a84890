package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/db"
	"github.com/towline/realtime/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChatRepoOption 配置 ChatRepo 的选项
type ChatRepoOption func(*chatRepoOptions)

type chatRepoOptions struct {
	logger clog.Logger
}

// WithChatRepoLogger 设置日志记录器
func WithChatRepoLogger(logger clog.Logger) ChatRepoOption {
	return func(o *chatRepoOptions) {
		o.logger = logger
	}
}

// chatRepo 实现 ChatRepo 接口
type chatRepo struct {
	db     db.DB
	logger clog.Logger
}

// NewChatRepo 创建 ChatRepo 实例
func NewChatRepo(database db.DB, opts ...ChatRepoOption) (ChatRepo, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}

	options := &chatRepoOptions{}
	for _, opt := range opts {
		opt(options)
	}

	logger := options.logger
	if logger == nil {
		logger = clog.Discard()
	}
	logger = logger.WithNamespace("chat_repo")

	// 自动迁移表结构
	// 注意：生产环境建议使用专门的 migration 工具管理 schema，此处仅为简化开发
	if err := database.DB(context.Background()).AutoMigrate(model.AllModels()...); err != nil {
		return nil, fmt.Errorf("failed to migrate chat tables: %w", err)
	}

	return &chatRepo{
		db:     database,
		logger: logger,
	}, nil
}

// GetParticipant 查询房间成员记录
func (r *chatRepo) GetParticipant(ctx context.Context, roomID, userID string) (*model.RoomParticipant, error) {
	if roomID == "" || userID == "" {
		return nil, fmt.Errorf("room_id and user_id cannot be empty")
	}

	var participant model.RoomParticipant
	gormDB := r.db.DB(ctx)
	if err := gormDB.Where("room_id = ? AND user_id = ?", roomID, userID).
		First(&participant).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		r.logger.Error("查询房间成员失败",
			clog.String("room_id", roomID),
			clog.String("user_id", userID),
			clog.Error(err))
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	return &participant, nil
}

// GetRoom 查询房间
func (r *chatRepo) GetRoom(ctx context.Context, roomID string) (*model.ChatRoom, error) {
	if roomID == "" {
		return nil, fmt.Errorf("room_id cannot be empty")
	}

	var room model.ChatRoom
	gormDB := r.db.DB(ctx)
	if err := gormDB.Where("room_id = ?", roomID).First(&room).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		r.logger.Error("查询房间失败",
			clog.String("room_id", roomID),
			clog.Error(err))
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	return &room, nil
}

// CountMessages 返回房间内已存在的消息数
func (r *chatRepo) CountMessages(ctx context.Context, roomID string) (int64, error) {
	if roomID == "" {
		return 0, fmt.Errorf("room_id cannot be empty")
	}

	var count int64
	gormDB := r.db.DB(ctx)
	if err := gormDB.Model(&model.ChatMessage{}).
		Where("room_id = ?", roomID).
		Count(&count).Error; err != nil {
		r.logger.Error("统计房间消息数失败",
			clog.String("room_id", roomID),
			clog.Error(err))
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// CreateMessage 持久化消息并回填发送者公开资料
func (r *chatRepo) CreateMessage(ctx context.Context, msg *model.ChatMessage) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}
	if msg.RoomID == "" {
		return fmt.Errorf("room_id cannot be empty")
	}
	if msg.SenderID == "" {
		return fmt.Errorf("sender_id cannot be empty")
	}
	if msg.MsgID == 0 {
		return fmt.Errorf("msg_id cannot be zero")
	}

	gormDB := r.db.DB(ctx)
	if err := gormDB.Omit("Sender").Create(msg).Error; err != nil {
		r.logger.Error("保存消息失败",
			clog.String("room_id", msg.RoomID),
			clog.Int64("msg_id", msg.MsgID),
			clog.Error(err))
		return fmt.Errorf("failed to save message: %w", err)
	}

	// 回填发送者资料；资料缺失不视为失败
	var sender model.User
	if err := gormDB.Where("user_id = ?", msg.SenderID).First(&sender).Error; err == nil {
		msg.Sender = &sender
	}

	r.logger.Debug("保存消息成功",
		clog.String("room_id", msg.RoomID),
		clog.Int64("msg_id", msg.MsgID))
	return nil
}

// ParticipantsExcluding 返回房间内除指定用户外的所有成员
func (r *chatRepo) ParticipantsExcluding(ctx context.Context, roomID, userID string) ([]*model.RoomParticipant, error) {
	if roomID == "" {
		return nil, fmt.Errorf("room_id cannot be empty")
	}

	var participants []*model.RoomParticipant
	gormDB := r.db.DB(ctx)
	if err := gormDB.Where("room_id = ? AND user_id <> ?", roomID, userID).
		Find(&participants).Error; err != nil {
		r.logger.Error("查询房间其他成员失败",
			clog.String("room_id", roomID),
			clog.Error(err))
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	return participants, nil
}

// RoomIDsForUser 返回用户参与的所有房间 ID
func (r *chatRepo) RoomIDsForUser(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id cannot be empty")
	}

	var roomIDs []string
	gormDB := r.db.DB(ctx)
	if err := gormDB.Model(&model.RoomParticipant{}).
		Where("user_id = ?", userID).
		Pluck("room_id", &roomIDs).Error; err != nil {
		r.logger.Error("查询用户房间列表失败",
			clog.String("user_id", userID),
			clog.Error(err))
		return nil, fmt.Errorf("failed to get room ids: %w", err)
	}
	return roomIDs, nil
}

// MarkRead 标记已读事务
// 单事务内完成两步，保证 last_read 与消息 read 标志一致：
//  1. upsert 成员 last_read
//  2. 房间内非本人发送且未读的消息置为已读
func (r *chatRepo) MarkRead(ctx context.Context, roomID, userID string, at time.Time) (int64, error) {
	if roomID == "" || userID == "" {
		return 0, fmt.Errorf("room_id and user_id cannot be empty")
	}

	var flipped int64
	err := r.db.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		participant := &model.RoomParticipant{
			RoomID:   roomID,
			UserID:   userID,
			LastRead: at,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_read", "updated_at"}),
		}).Create(participant).Error; err != nil {
			return fmt.Errorf("failed to upsert participant: %w", err)
		}

		result := tx.Model(&model.ChatMessage{}).
			Where("room_id = ? AND sender_id <> ? AND read = ?", roomID, userID, false).
			Update("read", true)
		if result.Error != nil {
			return fmt.Errorf("failed to mark messages read: %w", result.Error)
		}
		flipped = result.RowsAffected
		return nil
	})

	if err != nil {
		r.logger.Error("标记已读失败",
			clog.String("room_id", roomID),
			clog.String("user_id", userID),
			clog.Error(err))
		return 0, err
	}

	r.logger.Debug("标记已读成功",
		clog.String("room_id", roomID),
		clog.String("user_id", userID),
		clog.Int64("flipped", flipped))
	return flipped, nil
}

// Close 释放资源
func (r *chatRepo) Close() error {
	// db 实例由外部管理，这里不需要关闭
	return nil
}
