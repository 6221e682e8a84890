package connection

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/towline/realtime/gateway/protocol"
)

// newTestConn 建立一对真实的 WebSocket 连接，返回服务端侧的 Conn
func newTestConn(t *testing.T, id, userID, role string) (*Conn, func()) {
	t.Helper()

	serverConn := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConn <- ws
	}))

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	var ws *websocket.Conn
	select {
	case ws = <-serverConn:
	case <-time.After(time.Second):
		t.Fatal("server side connection not established")
	}

	c := NewConn(id, userID, role, ws, clog.Discard(), nil, nil, 1024, time.Minute, time.Minute)
	cleanup := func() {
		client.Close()
		srv.Close()
	}
	return c, cleanup
}

func TestManagerRegisterJoinsPersonalChannel(t *testing.T) {
	m := NewManager()
	c, cleanup := newTestConn(t, "conn-1", "user-1", "USER")
	defer cleanup()

	m.Register(c)

	require.True(t, m.IsOnline("user-1"))
	require.Equal(t, 1, m.RoomMemberCount(PersonalChannel("user-1")))

	conns, users := m.OnlineCount()
	require.Equal(t, 1, conns)
	require.Equal(t, 1, users)
}

func TestManagerPresenceCallbacksFireOncePerUser(t *testing.T) {
	var mu sync.Mutex
	online := 0
	offline := 0
	var offlineRooms []string

	m := NewManager(WithPresenceCallbacks(
		func(userID string) {
			mu.Lock()
			online++
			mu.Unlock()
		},
		func(userID string, roomIDs []string) {
			mu.Lock()
			offline++
			offlineRooms = roomIDs
			mu.Unlock()
		},
	))

	c1, cleanup1 := newTestConn(t, "conn-1", "user-1", "USER")
	defer cleanup1()
	c2, cleanup2 := newTestConn(t, "conn-2", "user-1", "USER")
	defer cleanup2()

	m.Register(c1)
	m.Register(c2)
	m.JoinRoom(c2.ID(), "room-42")

	mu.Lock()
	require.Equal(t, 1, online, "second connection of the same user must not re-fire online")
	mu.Unlock()

	// 第一个连接下线时用户仍在线
	m.Unregister(c1)
	mu.Lock()
	require.Equal(t, 0, offline)
	mu.Unlock()
	require.True(t, m.IsOnline("user-1"))

	// 最后一个连接下线触发 offline，携带其加入过的房间
	m.Unregister(c2)
	mu.Lock()
	require.Equal(t, 1, offline)
	require.Equal(t, []string{"room-42"}, offlineRooms)
	mu.Unlock()
	require.False(t, m.IsOnline("user-1"))

	// 重复注销不会再次触发
	m.Unregister(c2)
	mu.Lock()
	require.Equal(t, 1, offline)
	mu.Unlock()
}

func TestManagerBroadcastRoomExcludesConnection(t *testing.T) {
	m := NewManager()

	// user-1 开两个连接，只排除其中一个
	c1, cleanup1 := newTestConn(t, "conn-1", "user-1", "USER")
	defer cleanup1()
	c2, cleanup2 := newTestConn(t, "conn-2", "user-1", "USER")
	defer cleanup2()
	c3, cleanup3 := newTestConn(t, "conn-3", "user-2", "USER")
	defer cleanup3()
	c4, cleanup4 := newTestConn(t, "conn-4", "user-3", "USER")
	defer cleanup4()

	m.Register(c1)
	m.Register(c2)
	m.Register(c3)
	m.Register(c4)
	m.JoinRoom(c1.ID(), "room-1")
	m.JoinRoom(c2.ID(), "room-1")
	m.JoinRoom(c3.ID(), "room-1")

	frame := protocol.NewPongFrame("")
	sent := m.BroadcastRoom("room-1", frame, c1.ID())

	require.Equal(t, 2, sent)
	require.Len(t, c1.send, 0, "excluded connection must not receive the frame")
	require.Len(t, c2.send, 1, "same user's other connection must receive the frame")
	require.Len(t, c3.send, 1)
	require.Len(t, c4.send, 0, "user outside the room must not receive the frame")
}

func TestManagerSendToUserReachesAllConnections(t *testing.T) {
	m := NewManager()

	c1, cleanup1 := newTestConn(t, "conn-1", "user-1", "USER")
	defer cleanup1()
	c2, cleanup2 := newTestConn(t, "conn-2", "user-1", "USER")
	defer cleanup2()

	m.Register(c1)
	m.Register(c2)

	delivered := m.SendToUser("user-1", protocol.NewPongFrame(""))
	require.True(t, delivered)
	require.Len(t, c1.send, 1)
	require.Len(t, c2.send, 1)

	require.False(t, m.SendToUser("user-absent", protocol.NewPongFrame("")))
}

func TestManagerKickUserClosesAllConnections(t *testing.T) {
	m := NewManager()

	c1, cleanup1 := newTestConn(t, "conn-1", "user-1", "USER")
	defer cleanup1()
	c2, cleanup2 := newTestConn(t, "conn-2", "user-1", "USER")
	defer cleanup2()

	m.Register(c1)
	m.Register(c2)

	kicked := m.KickUser("user-1")
	require.Equal(t, 2, kicked)

	require.Error(t, c1.Send(protocol.NewPongFrame("")))
	require.Error(t, c2.Send(protocol.NewPongFrame("")))
}

func TestManagerBroadcastAll(t *testing.T) {
	m := NewManager()

	c1, cleanup1 := newTestConn(t, "conn-1", "user-1", "USER")
	defer cleanup1()
	c2, cleanup2 := newTestConn(t, "conn-2", "user-2", "USER")
	defer cleanup2()

	m.Register(c1)
	m.Register(c2)

	sent := m.BroadcastAll(protocol.NewPongFrame(""))
	require.Equal(t, 2, sent)
}

func TestConnCloseReasonReportedOnce(t *testing.T) {
	var mu sync.Mutex
	reasons := []string{}

	serverConn := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConn <- ws
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()
	ws := <-serverConn

	onClose := func(c *Conn, reason string) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	}
	c := NewConn("conn-1", "user-1", "USER", ws, clog.Discard(), nil, onClose, 1024, time.Minute, time.Minute)

	c.CloseWithReason(ReasonKicked)
	c.CloseWithReason(ReasonServerShutdown)
	c.Close()

	mu.Lock()
	require.Equal(t, []string{ReasonKicked}, reasons)
	mu.Unlock()
}
