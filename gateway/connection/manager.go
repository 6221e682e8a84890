package connection

import (
	"sync"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/towline/realtime/gateway/protocol"
)

// PersonalChannel 返回用户个人通道的房间名
// 通知下发与定向推送都走这一通道，连接注册时自动加入。
func PersonalChannel(userID string) string {
	return "user:" + userID
}

// Manager 管理所有活跃连接以及用户、房间两级索引
// 同一用户允许多个并发连接（多标签页），用户在线定义为至少存在一个连接。
type Manager struct {
	mu sync.RWMutex

	// conns 连接 ID -> 连接
	conns map[string]*Conn
	// users 用户 ID -> 该用户的连接集合
	users map[string]map[string]*Conn
	// rooms 房间 ID -> 房间内的连接集合
	rooms map[string]map[string]*Conn
	// joined 连接 ID -> 该连接加入的房间集合，用于注销时反向清理
	joined map[string]map[string]struct{}

	logger clog.Logger

	// onUserOnline 用户第一个连接注册时触发
	onUserOnline func(userID string)
	// onUserOffline 用户最后一个连接注销时触发，携带该用户曾加入的房间
	onUserOffline func(userID string, roomIDs []string)
}

// ManagerOption Manager 配置选项
type ManagerOption func(*Manager)

// WithManagerLogger 设置日志器
func WithManagerLogger(logger clog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithPresenceCallbacks 设置上下线回调
func WithPresenceCallbacks(online func(userID string), offline func(userID string, roomIDs []string)) ManagerOption {
	return func(m *Manager) {
		m.onUserOnline = online
		m.onUserOffline = offline
	}
}

// NewManager 创建连接管理器
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		conns:  make(map[string]*Conn),
		users:  make(map[string]map[string]*Conn),
		rooms:  make(map[string]map[string]*Conn),
		joined: make(map[string]map[string]struct{}),
		logger: clog.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register 注册新连接并自动加入用户个人通道
func (m *Manager) Register(c *Conn) {
	var firstConn bool

	m.mu.Lock()
	m.conns[c.ID()] = c
	userConns, ok := m.users[c.UserID()]
	if !ok {
		userConns = make(map[string]*Conn)
		m.users[c.UserID()] = userConns
		firstConn = true
	}
	userConns[c.ID()] = c
	m.joinLocked(c, PersonalChannel(c.UserID()))
	m.mu.Unlock()

	m.logger.Info("connection registered",
		clog.String("conn_id", c.ID()),
		clog.String("user_id", c.UserID()),
		clog.String("remote_addr", c.RemoteAddr()))

	if firstConn && m.onUserOnline != nil {
		m.onUserOnline(c.UserID())
	}
}

// Unregister 注销连接
// 若这是用户的最后一个连接，在锁外触发 onUserOffline，保证恰好一次。
func (m *Manager) Unregister(c *Conn) {
	var lastConn bool
	var roomIDs []string

	m.mu.Lock()
	if _, ok := m.conns[c.ID()]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, c.ID())

	personal := PersonalChannel(c.UserID())
	connRooms := make([]string, 0, len(m.joined[c.ID()]))
	for roomID := range m.joined[c.ID()] {
		if roomID != personal {
			connRooms = append(connRooms, roomID)
		}
		if members, ok := m.rooms[roomID]; ok {
			delete(members, c.ID())
			if len(members) == 0 {
				delete(m.rooms, roomID)
			}
		}
	}
	delete(m.joined, c.ID())

	if userConns, ok := m.users[c.UserID()]; ok {
		delete(userConns, c.ID())
		if len(userConns) == 0 {
			delete(m.users, c.UserID())
			lastConn = true
			roomIDs = connRooms
		}
	}
	m.mu.Unlock()

	m.logger.Info("connection unregistered",
		clog.String("conn_id", c.ID()),
		clog.String("user_id", c.UserID()),
		clog.Duration("session", time.Since(c.JoinedAt())))

	if lastConn && m.onUserOffline != nil {
		m.onUserOffline(c.UserID(), roomIDs)
	}
}

// JoinRoom 将连接加入房间，连接已注销时返回 false
func (m *Manager) JoinRoom(connID, roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connID]
	if !ok {
		return false
	}
	m.joinLocked(c, roomID)
	return true
}

func (m *Manager) joinLocked(c *Conn, roomID string) {
	members, ok := m.rooms[roomID]
	if !ok {
		members = make(map[string]*Conn)
		m.rooms[roomID] = members
	}
	members[c.ID()] = c

	joined, ok := m.joined[c.ID()]
	if !ok {
		joined = make(map[string]struct{})
		m.joined[c.ID()] = joined
	}
	joined[roomID] = struct{}{}
}

// BroadcastRoom 向房间内所有连接广播，可排除单个连接
// 排除按连接而非用户：发送方的其他设备也要收到房间事件。
func (m *Manager) BroadcastRoom(roomID string, frame *protocol.Frame, excludeConnID string) int {
	m.mu.RLock()
	members := make([]*Conn, 0, len(m.rooms[roomID]))
	for _, c := range m.rooms[roomID] {
		if excludeConnID != "" && c.ID() == excludeConnID {
			continue
		}
		members = append(members, c)
	}
	m.mu.RUnlock()

	sent := 0
	for _, c := range members {
		if err := c.Send(frame); err != nil {
			m.logger.Warn("failed to send to connection",
				clog.String("conn_id", c.ID()),
				clog.String("user_id", c.UserID()),
				clog.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// BroadcastAll 向所有活跃连接广播
func (m *Manager) BroadcastAll(frame *protocol.Frame) int {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if err := c.Send(frame); err != nil {
			continue
		}
		sent++
	}
	return sent
}

// SendToUser 向用户的所有连接发送消息，返回是否至少送达一个连接
func (m *Manager) SendToUser(userID string, frame *protocol.Frame) bool {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.users[userID]))
	for _, c := range m.users[userID] {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	delivered := false
	for _, c := range conns {
		if err := c.Send(frame); err == nil {
			delivered = true
		}
	}
	return delivered
}

// KickUser 强制断开用户的所有连接，返回被断开的连接数
func (m *Manager) KickUser(userID string) int {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.users[userID]))
	for _, c := range m.users[userID] {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.CloseWithReason(ReasonKicked)
	}
	return len(conns)
}

// InRoom 连接是否已加入指定房间
func (m *Manager) InRoom(connID, roomID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.joined[connID][roomID]
	return ok
}

// IsOnline 用户是否至少有一个活跃连接
func (m *Manager) IsOnline(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users[userID]) > 0
}

// OnlineCount 返回活跃连接数与在线用户数
func (m *Manager) OnlineCount() (conns int, users int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns), len(m.users)
}

// RoomMemberCount 返回房间内的连接数
func (m *Manager) RoomMemberCount(roomID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[roomID])
}

// Close 关闭所有连接
func (m *Manager) Close() {
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.CloseWithReason(ReasonServerShutdown)
	}
}
