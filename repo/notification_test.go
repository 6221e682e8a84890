package repo

import (
	"context"
	"testing"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/stretchr/testify/require"
	"github.com/towline/realtime/model"
)

func newTestNotificationRepo(t *testing.T) NotificationRepo {
	t.Helper()
	database := setupTestDB(t)
	cleanupTestData(t, database)

	notifRepo, err := NewNotificationRepo(database, WithNotificationRepoLogger(clog.Discard()))
	require.NoError(t, err)
	return notifRepo
}

func TestNotificationRepoBulkInsert(t *testing.T) {
	notifRepo := newTestNotificationRepo(t)
	ctx := context.Background()

	records := []*model.Notification{
		{
			ID:        3001,
			UserID:    "owner-1",
			Type:      model.NotificationTypeChat,
			Message:   "3 new messages",
			ActionURL: "/chat/room-1",
			CreatedAt: time.Now(),
		},
		{
			ID:        3002,
			UserID:    "owner-1",
			Type:      model.NotificationTypeSystem,
			Message:   "booking confirmed",
			CreatedAt: time.Now(),
		},
	}
	require.NoError(t, notifRepo.CreateNotifications(ctx, records))

	var count int64
	gormDB := globalDB.DB(ctx)
	require.NoError(t, gormDB.Model(&model.Notification{}).Where("user_id = ?", "owner-1").Count(&count).Error)
	require.Equal(t, int64(2), count)
}

func TestNotificationRepoValidatesRecords(t *testing.T) {
	notifRepo := newTestNotificationRepo(t)
	ctx := context.Background()

	// 空批次是空操作
	require.NoError(t, notifRepo.CreateNotifications(ctx, nil))

	// 缺 user_id 或 ID 的记录整批拒绝
	require.Error(t, notifRepo.CreateNotifications(ctx, []*model.Notification{
		{ID: 3003, Type: model.NotificationTypeSystem, Message: "orphan"},
	}))
	require.Error(t, notifRepo.CreateNotifications(ctx, []*model.Notification{
		{UserID: "owner-1", Type: model.NotificationTypeSystem, Message: "no id"},
	}))

	var count int64
	gormDB := globalDB.DB(context.Background())
	require.NoError(t, gormDB.Model(&model.Notification{}).Count(&count).Error)
	require.Zero(t, count)
}
