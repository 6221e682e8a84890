package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/gorilla/websocket"
	"github.com/towline/realtime/gateway/protocol"
)

// 断开原因枚举，进入 metrics 的 disconnect_reasons 计数
const (
	ReasonTransportClose   = "transport close"
	ReasonClientDisconnect = "client disconnect"
	ReasonPingTimeout      = "ping timeout"
	ReasonServerShutdown   = "server shutdown"
	ReasonKicked           = "kicked"
)

// Conn 表示一个已认证的 WebSocket 连接
// 连接要么在握手时完成认证（userID 不可变），要么在进入任何状态之前被拒绝。
type Conn struct {
	id       string
	userID   string
	role     string
	joinedAt time.Time

	conn       *websocket.Conn
	send       chan *protocol.Frame
	logger     clog.Logger
	handler    protocol.Handler
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
	remoteAddr string

	// onClose 在连接关闭时触发一次，携带断开原因
	onClose func(c *Conn, reason string)

	mu          sync.Mutex
	closeReason string

	// 配置
	maxMessageSize int64
	pingInterval   time.Duration
	pongTimeout    time.Duration
}

// NewConn 创建新的连接
func NewConn(
	id string,
	userID string,
	role string,
	conn *websocket.Conn,
	logger clog.Logger,
	handler protocol.Handler,
	onClose func(c *Conn, reason string),
	maxMessageSize int64,
	pingInterval time.Duration,
	pongTimeout time.Duration,
) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:             id,
		userID:         userID,
		role:           role,
		joinedAt:       time.Now(),
		conn:           conn,
		send:           make(chan *protocol.Frame, 256),
		logger:         logger,
		handler:        handler,
		onClose:        onClose,
		ctx:            ctx,
		cancel:         cancel,
		remoteAddr:     conn.RemoteAddr().String(),
		maxMessageSize: maxMessageSize,
		pingInterval:   pingInterval,
		pongTimeout:    pongTimeout,
	}
}

// ID 实现 protocol.Connection 接口
func (c *Conn) ID() string {
	return c.id
}

// UserID 实现 protocol.Connection 接口
func (c *Conn) UserID() string {
	return c.userID
}

// Role 实现 protocol.Connection 接口
func (c *Conn) Role() string {
	return c.role
}

// RemoteAddr 实现 protocol.Connection 接口
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// JoinedAt 连接建立时间
func (c *Conn) JoinedAt() time.Time {
	return c.joinedAt
}

// Send 实现 protocol.Connection 接口
// 发送缓冲满时立即失败，避免慢客户端阻塞广播方。
func (c *Conn) Send(frame *protocol.Frame) error {
	select {
	case <-c.ctx.Done():
		return fmt.Errorf("connection closed")
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("connection closed")
	default:
		return fmt.Errorf("send buffer full")
	}
}

// Close 实现 protocol.Connection 接口
func (c *Conn) Close() error {
	return c.CloseWithReason(ReasonTransportClose)
}

// CloseWithReason 以指定原因关闭连接，onClose 回调恰好触发一次
func (c *Conn) CloseWithReason(reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.closeReason == "" {
			c.closeReason = reason
		}
		finalReason := c.closeReason
		c.mu.Unlock()

		c.cancel()
		c.conn.Close()

		if c.onClose != nil {
			c.onClose(c, finalReason)
		}
	})
	return nil
}

// Run 启动连接的读写协程
func (c *Conn) Run() {
	go c.writePump()
	go c.readPump()
}

// readPump 从 WebSocket 读取消息
func (c *Conn) readPump() {
	reason := ReasonTransportClose
	defer func() {
		c.CloseWithReason(reason)
	}()

	c.conn.SetReadLimit(c.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			reason = disconnectReason(err)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error",
					clog.String("user_id", c.userID),
					clog.String("conn_id", c.id),
					clog.Error(err))
			}
			break
		}

		frame, err := protocol.DecodeFrame(message)
		if err != nil {
			c.logger.Warn("failed to decode frame",
				clog.String("user_id", c.userID),
				clog.Error(err))
			c.Send(protocol.NewErrorFrame("INVALID", "malformed frame"))
			continue
		}

		if err := c.handler.HandleFrame(c.ctx, c, frame); err != nil {
			c.logger.Error("failed to handle frame",
				clog.String("user_id", c.userID),
				clog.String("event", frame.Event),
				clog.Error(err))
		}
	}
}

// writePump 向 WebSocket 写入消息
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			data, err := protocol.EncodeFrame(frame)
			if err != nil {
				c.logger.Error("failed to encode frame",
					clog.String("user_id", c.userID),
					clog.Error(err))
				continue
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error("failed to write message",
					clog.String("user_id", c.userID),
					clog.Error(err))
				return
			}

		case <-ticker.C:
			// 传输层心跳
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// disconnectReason 将读取错误映射为有限的断开原因
func disconnectReason(err error) string {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ReasonClientDisconnect
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonPingTimeout
	}
	return ReasonTransportClose
}
