package socket

import (
	"context"
	"sync"
	"testing"

	"github.com/ceyewan/genesis/clog"
	"github.com/stretchr/testify/require"
	"github.com/towline/realtime/gateway/handler"
	"github.com/towline/realtime/gateway/metrics"
	"github.com/towline/realtime/gateway/protocol"
	"github.com/towline/realtime/gateway/ratelimit"
)

// recordConn 记录出站帧的测试连接
type recordConn struct {
	userID string
	role   string

	mu     sync.Mutex
	frames []*protocol.Frame
}

func (c *recordConn) ID() string         { return "conn-1" }
func (c *recordConn) UserID() string     { return c.userID }
func (c *recordConn) Role() string       { return c.role }
func (c *recordConn) RemoteAddr() string { return "127.0.0.1:1234" }
func (c *recordConn) Close() error       { return nil }

func (c *recordConn) Send(frame *protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *recordConn) sent() []*protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Frame{}, c.frames...)
}

// noopRegistry 空实现，仅统计 BroadcastAll 调用
type noopRegistry struct {
	mu            sync.Mutex
	broadcastAlls int
}

func (r *noopRegistry) JoinRoom(connID, roomID string) bool { return true }
func (r *noopRegistry) InRoom(connID, roomID string) bool   { return false }
func (r *noopRegistry) BroadcastRoom(roomID string, frame *protocol.Frame, excludeConnID string) int {
	return 0
}

func (r *noopRegistry) BroadcastAll(frame *protocol.Frame) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastAlls++
	return 1
}

func (r *noopRegistry) SendToUser(userID string, frame *protocol.Frame) bool { return false }
func (r *noopRegistry) KickUser(userID string) int                           { return 0 }
func (r *noopRegistry) IsOnline(userID string) bool                          { return false }
func (r *noopRegistry) OnlineCount() (int, int)                              { return 1, 1 }

func newTestDispatcher(limiter *ratelimit.Limiter) (*Dispatcher, *noopRegistry, *metrics.Collector) {
	registry := &noopRegistry{}
	collector := metrics.NewCollector()
	h := handler.NewHandler(nil, registry, limiter, nil, nil, collector, clog.Discard())
	return NewDispatcher(h, collector, clog.Discard()), registry, collector
}

func TestDispatcherPingPong(t *testing.T) {
	d, _, _ := newTestDispatcher(ratelimit.NewLimiter(clog.Discard()))
	conn := &recordConn{userID: "user-1", role: "USER"}

	err := d.HandleFrame(context.Background(), conn, &protocol.Frame{Event: protocol.EventPing, Seq: "42"})
	require.NoError(t, err)

	frames := conn.sent()
	require.Len(t, frames, 1)
	require.Equal(t, protocol.EventPong, frames[0].Event)
	require.Equal(t, "42", frames[0].Seq)
}

func TestDispatcherUnknownEvent(t *testing.T) {
	d, _, _ := newTestDispatcher(ratelimit.NewLimiter(clog.Discard()))
	conn := &recordConn{userID: "user-1", role: "USER"}

	err := d.HandleFrame(context.Background(), conn, &protocol.Frame{Event: "bogus", Seq: "s1"})
	require.NoError(t, err)

	// 失败 ack 之外还下发独立的 error 事件
	frames := conn.sent()
	require.Len(t, frames, 2)
	require.Equal(t, protocol.EventError, frames[1].Event)

	var ack protocol.AckPayload
	require.NoError(t, protocol.DecodePayload(frames[0], &ack))
	require.False(t, ack.Success)
	require.Equal(t, handler.CodeInvalid, ack.Error.Code)
}

func TestDispatcherRejectsMalformedPayload(t *testing.T) {
	d, _, collector := newTestDispatcher(ratelimit.NewLimiter(clog.Discard()))
	conn := &recordConn{userID: "user-1", role: "USER"}

	frame := &protocol.Frame{Event: protocol.EventSendMessage, Seq: "s1", Payload: []byte(`{`)}
	err := d.HandleFrame(context.Background(), conn, frame)
	require.Error(t, err)

	frames := conn.sent()
	require.Len(t, frames, 2)
	require.Equal(t, protocol.EventError, frames[1].Event)

	var ack protocol.AckPayload
	require.NoError(t, protocol.DecodePayload(frames[0], &ack))
	require.False(t, ack.Success)
	require.Equal(t, handler.CodeInvalid, ack.Error.Code)

	require.Equal(t, int64(1), collector.Snapshot().Errors)
}

func TestDispatcherAdminEventsRequireAdminRole(t *testing.T) {
	d, registry, _ := newTestDispatcher(ratelimit.NewLimiter(clog.Discard()))

	for _, event := range []string{protocol.EventGetMetrics, protocol.EventBroadcast, protocol.EventKickUser} {
		conn := &recordConn{userID: "user-1", role: "USER"}
		err := d.HandleFrame(context.Background(), conn, &protocol.Frame{Event: event, Seq: "s1"})
		require.NoError(t, err)

		frames := conn.sent()
		require.Len(t, frames, 2, "event %s", event)
		require.Equal(t, protocol.EventError, frames[1].Event)

		var ack protocol.AckPayload
		require.NoError(t, protocol.DecodePayload(frames[0], &ack))
		require.False(t, ack.Success)
		require.Equal(t, handler.CodeForbidden, ack.Error.Code)
	}
	require.Equal(t, 0, registry.broadcastAlls)
}

func TestDispatcherAdminBroadcast(t *testing.T) {
	d, registry, _ := newTestDispatcher(ratelimit.NewLimiter(clog.Discard()))
	conn := &recordConn{userID: "admin-1", role: protocol.RoleAdmin}

	frame := &protocol.Frame{
		Event:   protocol.EventBroadcast,
		Seq:     "s1",
		Payload: []byte(`{"message":"scheduled maintenance tonight"}`),
	}
	require.NoError(t, d.HandleFrame(context.Background(), conn, frame))
	require.Equal(t, 1, registry.broadcastAlls)

	frames := conn.sent()
	require.Len(t, frames, 1)

	var ack protocol.AckPayload
	require.NoError(t, protocol.DecodePayload(frames[0], &ack))
	require.True(t, ack.Success)
}

func TestDispatcherAdminGetMetrics(t *testing.T) {
	d, _, _ := newTestDispatcher(ratelimit.NewLimiter(clog.Discard()))
	conn := &recordConn{userID: "admin-1", role: protocol.RoleAdmin}

	require.NoError(t, d.HandleFrame(context.Background(), conn, &protocol.Frame{Event: protocol.EventGetMetrics, Seq: "s1"}))

	frames := conn.sent()
	require.Len(t, frames, 1)

	var ack protocol.AckPayload
	require.NoError(t, protocol.DecodePayload(frames[0], &ack))
	require.True(t, ack.Success)
}

func TestDispatcherRecoversFromPanic(t *testing.T) {
	// limiter 为 nil，send_message 进入业务层即 panic
	d, _, collector := newTestDispatcher(nil)
	conn := &recordConn{userID: "user-1", role: "USER"}

	frame := &protocol.Frame{
		Event:   protocol.EventSendMessage,
		Seq:     "s1",
		Payload: []byte(`{"room_id":"room-1","message":"hello"}`),
	}
	err := d.HandleFrame(context.Background(), conn, frame)
	require.Error(t, err)

	frames := conn.sent()
	require.Len(t, frames, 1)

	var ack protocol.AckPayload
	require.NoError(t, protocol.DecodePayload(frames[0], &ack))
	require.False(t, ack.Success)
	require.Equal(t, handler.CodeInternal, ack.Error.Code)

	snap := collector.Snapshot()
	require.Equal(t, int64(1), snap.ErrorKinds["panic"])
}
