// Package notify 聚合并下发用户通知。
// 同一用户短时间内的多条通知合并为一个批次，减少推送风暴；
// 同一房间的聊天通知在批次内折叠为一条计数通知。
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/towline/realtime/gateway/protocol"
	"github.com/towline/realtime/model"
	"github.com/towline/realtime/repo"
)

const (
	defaultWindow   = 2 * time.Second
	defaultMaxBatch = 5
	flushTimeout    = 5 * time.Second
)

// IDGenerator 为通知记录分配唯一 ID
type IDGenerator interface {
	Next() int64
}

// Notice 一条待下发的通知
type Notice struct {
	Type      string
	Message   string
	ActionURL string
	// RoomID 聊天通知的来源房间，批次内同房间的通知会被折叠
	RoomID string
}

// pendingNotice 批次内的一条通知，折叠时只递增计数
type pendingNotice struct {
	notice    Notice
	count     int
	createdAt time.Time
}

// pendingBatch 某个用户尚未 flush 的批次
// 窗口从第一条通知入队开始计时，到期或攒满 maxBatch 条即 flush。
type pendingBatch struct {
	notices []*pendingNotice
	// size 入队总条数，折叠进已有条目的通知也计入，
	// 数量触发按它判断而不是按折叠后的条目数
	size  int
	timer *time.Timer
}

// Batcher 通知批量器
// flush 先持久化再推送；持久化失败时整批丢弃（at-most-once），
// 只记录日志与指标，不重试。
type Batcher struct {
	repo   repo.NotificationRepo
	idGen  IDGenerator
	logger clog.Logger

	window   time.Duration
	maxBatch int

	// deliver 批次持久化成功后的推送回调
	deliver func(userID string, payload *protocol.NotificationPayload)
	// onDropped 批次持久化失败被丢弃时的回调，用于指标上报
	onDropped func(err error, dropped int)

	mu      sync.Mutex
	pending map[string]*pendingBatch
	closed  bool
}

// Option 配置 Batcher 的选项
type Option func(*Batcher)

// WithWindow 设置批次窗口
func WithWindow(window time.Duration) Option {
	return func(b *Batcher) {
		if window > 0 {
			b.window = window
		}
	}
}

// WithMaxBatch 设置批次上限，攒满立即 flush
func WithMaxBatch(max int) Option {
	return func(b *Batcher) {
		if max > 0 {
			b.maxBatch = max
		}
	}
}

// WithDeliver 设置持久化成功后的推送回调
func WithDeliver(fn func(userID string, payload *protocol.NotificationPayload)) Option {
	return func(b *Batcher) {
		b.deliver = fn
	}
}

// WithDroppedCallback 设置批次丢弃回调
func WithDroppedCallback(fn func(err error, dropped int)) Option {
	return func(b *Batcher) {
		b.onDropped = fn
	}
}

// NewBatcher 创建通知批量器
func NewBatcher(notificationRepo repo.NotificationRepo, idGen IDGenerator, logger clog.Logger, opts ...Option) *Batcher {
	b := &Batcher{
		repo:     notificationRepo,
		idGen:    idGen,
		logger:   logger,
		window:   defaultWindow,
		maxBatch: defaultMaxBatch,
		pending:  make(map[string]*pendingBatch),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Enqueue 将通知加入用户的当前批次
// 用户没有待 flush 批次时开启新窗口；聊天通知按房间折叠。
func (b *Batcher) Enqueue(userID string, notice Notice) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	batch, ok := b.pending[userID]
	if !ok {
		batch = &pendingBatch{}
		batch.timer = time.AfterFunc(b.window, func() {
			b.flushUser(userID)
		})
		b.pending[userID] = batch
	}

	batch.size++

	coalesced := false
	if notice.Type == model.NotificationTypeChat && notice.RoomID != "" {
		for _, pn := range batch.notices {
			if pn.notice.Type == model.NotificationTypeChat && pn.notice.RoomID == notice.RoomID {
				pn.count++
				coalesced = true
				break
			}
		}
	}
	if !coalesced {
		batch.notices = append(batch.notices, &pendingNotice{
			notice:    notice,
			count:     1,
			createdAt: time.Now(),
		})
	}
	full := batch.size >= b.maxBatch
	b.mu.Unlock()

	if full {
		b.flushUser(userID)
	}
}

// Flush 立即 flush 指定用户的批次，无批次时为空操作
func (b *Batcher) Flush(userID string) {
	b.flushUser(userID)
}

// PendingUsers 当前持有待 flush 批次的用户数
func (b *Batcher) PendingUsers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close 停止接收新通知并 flush 所有残留批次
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	remaining := b.pending
	b.pending = make(map[string]*pendingBatch)
	b.mu.Unlock()

	for userID, batch := range remaining {
		batch.timer.Stop()
		b.persistAndDeliver(userID, batch.notices)
	}

	b.logger.Info("notification batcher closed",
		clog.Int("flushed_users", len(remaining)))
}

// flushUser 取出用户批次并 flush，批次不存在时直接返回
// 定时触发与数量触发竞争时，先到者取走批次，后到者空转。
func (b *Batcher) flushUser(userID string) {
	b.mu.Lock()
	batch, ok := b.pending[userID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pending, userID)
	batch.timer.Stop()
	b.mu.Unlock()

	b.persistAndDeliver(userID, batch.notices)
}

// persistAndDeliver 持久化批次并推送
func (b *Batcher) persistAndDeliver(userID string, notices []*pendingNotice) {
	if len(notices) == 0 {
		return
	}

	records := make([]*model.Notification, 0, len(notices))
	items := make([]protocol.NoticeItem, 0, len(notices))
	for _, pn := range notices {
		message := pn.notice.Message
		if pn.count > 1 {
			message = fmt.Sprintf("%d new messages", pn.count)
		}
		id := b.idGen.Next()
		records = append(records, &model.Notification{
			ID:        id,
			UserID:    userID,
			Type:      pn.notice.Type,
			Message:   message,
			ActionURL: pn.notice.ActionURL,
			CreatedAt: pn.createdAt,
		})
		items = append(items, protocol.NoticeItem{
			ID:        id,
			Type:      pn.notice.Type,
			Message:   message,
			ActionURL: pn.notice.ActionURL,
			CreatedAt: pn.createdAt,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := b.repo.CreateNotifications(ctx, records); err != nil {
		b.logger.Error("failed to persist notification batch",
			clog.String("user_id", userID),
			clog.Int("count", len(records)),
			clog.Error(err))
		if b.onDropped != nil {
			b.onDropped(err, len(records))
		}
		return
	}

	b.logger.Debug("notification batch flushed",
		clog.String("user_id", userID),
		clog.Int("count", len(items)))

	if b.deliver != nil {
		b.deliver(userID, &protocol.NotificationPayload{
			Notices: items,
			Count:   len(items),
		})
	}
}
