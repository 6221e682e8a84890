package notify

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/stretchr/testify/require"
	"github.com/towline/realtime/gateway/protocol"
	"github.com/towline/realtime/model"
)

// stubNotificationRepo 记录写入的通知，可模拟持久化失败
type stubNotificationRepo struct {
	mu      sync.Mutex
	records []*model.Notification
	fail    bool
}

func (s *stubNotificationRepo) CreateNotifications(ctx context.Context, records []*model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("database unavailable")
	}
	s.records = append(s.records, records...)
	return nil
}

func (s *stubNotificationRepo) Close() error { return nil }

func (s *stubNotificationRepo) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// stubIDGen 递增 ID 生成器
type stubIDGen struct {
	mu   sync.Mutex
	next int64
}

func (s *stubIDGen) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return s.next
}

// deliverRecorder 记录推送回调
type deliverRecorder struct {
	mu       sync.Mutex
	payloads map[string][]*protocol.NotificationPayload
}

func newDeliverRecorder() *deliverRecorder {
	return &deliverRecorder{payloads: make(map[string][]*protocol.NotificationPayload)}
}

func (d *deliverRecorder) deliver(userID string, payload *protocol.NotificationPayload) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.payloads[userID] = append(d.payloads[userID], payload)
}

func (d *deliverRecorder) get(userID string) []*protocol.NotificationPayload {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.payloads[userID]
}

func TestBatcherFlushesOnWindowExpiry(t *testing.T) {
	repo := &stubNotificationRepo{}
	rec := newDeliverRecorder()
	b := NewBatcher(repo, &stubIDGen{}, clog.Discard(),
		WithWindow(50*time.Millisecond),
		WithDeliver(rec.deliver))
	defer b.Close()

	b.Enqueue("user-1", Notice{Type: model.NotificationTypeSystem, Message: "booking confirmed"})
	b.Enqueue("user-1", Notice{Type: model.NotificationTypeSystem, Message: "payout sent"})

	require.Nil(t, rec.get("user-1"), "batch must not flush before the window expires")

	require.Eventually(t, func() bool {
		return len(rec.get("user-1")) == 1
	}, time.Second, 10*time.Millisecond)

	payloads := rec.get("user-1")
	require.Len(t, payloads[0].Notices, 2)
	require.Equal(t, 2, payloads[0].Count)
	require.Equal(t, 2, repo.count())
	require.Equal(t, 0, b.PendingUsers())
}

func TestBatcherFlushesWhenBatchFull(t *testing.T) {
	repo := &stubNotificationRepo{}
	rec := newDeliverRecorder()
	b := NewBatcher(repo, &stubIDGen{}, clog.Discard(),
		WithWindow(time.Hour),
		WithMaxBatch(3),
		WithDeliver(rec.deliver))
	defer b.Close()

	for i := 0; i < 3; i++ {
		b.Enqueue("user-1", Notice{Type: model.NotificationTypeSystem, Message: fmt.Sprintf("notice %d", i)})
	}

	payloads := rec.get("user-1")
	require.Len(t, payloads, 1, "full batch must flush without waiting for the window")
	require.Len(t, payloads[0].Notices, 3)
}

func TestBatcherCoalescesChatNoticesPerRoom(t *testing.T) {
	repo := &stubNotificationRepo{}
	rec := newDeliverRecorder()
	b := NewBatcher(repo, &stubIDGen{}, clog.Discard(),
		WithWindow(time.Hour),
		WithDeliver(rec.deliver))
	defer b.Close()

	for i := 0; i < 3; i++ {
		b.Enqueue("user-1", Notice{
			Type:      model.NotificationTypeChat,
			Message:   "New message from Dana",
			ActionURL: "/chat/room-1",
			RoomID:    "room-1",
		})
	}
	b.Enqueue("user-1", Notice{
		Type:      model.NotificationTypeChat,
		Message:   "New message from Lee",
		ActionURL: "/chat/room-2",
		RoomID:    "room-2",
	})

	b.Flush("user-1")

	payloads := rec.get("user-1")
	require.Len(t, payloads, 1)
	require.Len(t, payloads[0].Notices, 2, "same-room chat notices must fold into one")

	require.Equal(t, "3 new messages", payloads[0].Notices[0].Message)
	require.Equal(t, "/chat/room-1", payloads[0].Notices[0].ActionURL)
	require.Equal(t, "New message from Lee", payloads[0].Notices[1].Message)
}

func TestBatcherCoalescedNoticesCountTowardBatchLimit(t *testing.T) {
	repo := &stubNotificationRepo{}
	rec := newDeliverRecorder()
	b := NewBatcher(repo, &stubIDGen{}, clog.Discard(),
		WithWindow(time.Hour),
		WithMaxBatch(5),
		WithDeliver(rec.deliver))
	defer b.Close()

	// 同房间风暴：折叠后只占一个条目，但按入队条数触发数量 flush
	for i := 0; i < 5; i++ {
		b.Enqueue("user-1", Notice{
			Type:      model.NotificationTypeChat,
			Message:   "New message from Dana",
			ActionURL: "/chat/room-1",
			RoomID:    "room-1",
		})
	}

	payloads := rec.get("user-1")
	require.Len(t, payloads, 1, "storm must flush on the size trigger, not wait for the window")
	require.Len(t, payloads[0].Notices, 1)
	require.Equal(t, "5 new messages", payloads[0].Notices[0].Message)
	require.Equal(t, 0, b.PendingUsers())
}

func TestBatcherDropsBatchOnPersistFailure(t *testing.T) {
	repo := &stubNotificationRepo{fail: true}
	rec := newDeliverRecorder()

	var mu sync.Mutex
	dropped := 0
	b := NewBatcher(repo, &stubIDGen{}, clog.Discard(),
		WithWindow(time.Hour),
		WithDeliver(rec.deliver),
		WithDroppedCallback(func(err error, count int) {
			mu.Lock()
			dropped += count
			mu.Unlock()
		}))
	defer b.Close()

	b.Enqueue("user-1", Notice{Type: model.NotificationTypeSystem, Message: "hello"})
	b.Flush("user-1")

	require.Nil(t, rec.get("user-1"), "failed batch must not be pushed")
	mu.Lock()
	require.Equal(t, 1, dropped)
	mu.Unlock()
	require.Equal(t, 0, b.PendingUsers(), "failed batch is dropped, not retried")
}

func TestBatcherCloseFlushesPending(t *testing.T) {
	repo := &stubNotificationRepo{}
	rec := newDeliverRecorder()
	b := NewBatcher(repo, &stubIDGen{}, clog.Discard(),
		WithWindow(time.Hour),
		WithDeliver(rec.deliver))

	b.Enqueue("user-1", Notice{Type: model.NotificationTypeSystem, Message: "pending"})
	b.Close()

	require.Len(t, rec.get("user-1"), 1, "close must flush remaining batches")

	// 关闭后入队被忽略
	b.Enqueue("user-2", Notice{Type: model.NotificationTypeSystem, Message: "late"})
	require.Nil(t, rec.get("user-2"))
}

func TestBatcherIsolatesUsers(t *testing.T) {
	repo := &stubNotificationRepo{}
	rec := newDeliverRecorder()
	b := NewBatcher(repo, &stubIDGen{}, clog.Discard(),
		WithWindow(time.Hour),
		WithMaxBatch(2),
		WithDeliver(rec.deliver))
	defer b.Close()

	b.Enqueue("user-1", Notice{Type: model.NotificationTypeSystem, Message: "a"})
	b.Enqueue("user-2", Notice{Type: model.NotificationTypeSystem, Message: "b"})

	require.Nil(t, rec.get("user-1"))
	require.Nil(t, rec.get("user-2"))
	require.Equal(t, 2, b.PendingUsers())

	b.Enqueue("user-1", Notice{Type: model.NotificationTypeSystem, Message: "c"})
	require.Len(t, rec.get("user-1"), 1)
	require.Nil(t, rec.get("user-2"))
}
