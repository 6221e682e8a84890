package repo

import (
	"context"
	"fmt"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/db"
	"github.com/towline/realtime/model"
	"gorm.io/gorm"
)

// NotificationRepoOption 配置 NotificationRepo 的选项
type NotificationRepoOption func(*notificationRepoOptions)

type notificationRepoOptions struct {
	logger clog.Logger
}

// WithNotificationRepoLogger 设置日志记录器
func WithNotificationRepoLogger(logger clog.Logger) NotificationRepoOption {
	return func(o *notificationRepoOptions) {
		o.logger = logger
	}
}

// notificationRepo 实现 NotificationRepo 接口
type notificationRepo struct {
	db     db.DB
	logger clog.Logger
}

// NewNotificationRepo 创建 NotificationRepo 实例
func NewNotificationRepo(database db.DB, opts ...NotificationRepoOption) (NotificationRepo, error) {
	if database == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}

	options := &notificationRepoOptions{}
	for _, opt := range opts {
		opt(options)
	}

	logger := options.logger
	if logger == nil {
		logger = clog.Discard()
	}
	logger = logger.WithNamespace("notification_repo")

	if err := database.DB(context.Background()).AutoMigrate(&model.Notification{}); err != nil {
		return nil, fmt.Errorf("failed to migrate notification table: %w", err)
	}

	return &notificationRepo{
		db:     database,
		logger: logger,
	}, nil
}

// CreateNotifications 原子批量写入通知
// Batcher 在 flush 时调用；要么全部写入要么全部失败，失败的批次由调用方决定丢弃策略。
func (r *notificationRepo) CreateNotifications(ctx context.Context, records []*model.Notification) error {
	if len(records) == 0 {
		return nil
	}

	for _, record := range records {
		if record.UserID == "" {
			return fmt.Errorf("notification user_id cannot be empty")
		}
		if record.ID == 0 {
			return fmt.Errorf("notification id cannot be zero")
		}
	}

	err := r.db.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		if err := tx.Create(&records).Error; err != nil {
			return fmt.Errorf("failed to save notifications: %w", err)
		}
		return nil
	})

	if err != nil {
		r.logger.Error("批量写入通知失败",
			clog.Int("count", len(records)),
			clog.Error(err))
		return err
	}

	r.logger.Debug("批量写入通知成功", clog.Int("count", len(records)))
	return nil
}

// Close 释放资源
func (r *notificationRepo) Close() error {
	return nil
}
