package socket

import (
	"context"
	"net/http"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/towline/realtime/gateway/connection"
	"github.com/towline/realtime/gateway/handler"
	"github.com/towline/realtime/gateway/metrics"
	"github.com/towline/realtime/gateway/observability"
	"github.com/towline/realtime/gateway/protocol"
)

// WSConfig WebSocket 配置
type WSConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64 // KB
	PingInterval    int   // 秒
	PongTimeout     int   // 秒
}

// DefaultWSConfig 默认 WebSocket 配置
func DefaultWSConfig() *WSConfig {
	return &WSConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  64, // 64KB，足够容纳最长消息与附件元数据
		PingInterval:    30,
		PongTimeout:     60,
	}
}

// WebSocket 处理 WebSocket 握手与连接生命周期
type WebSocket struct {
	auth       *Authenticator
	manager    *connection.Manager
	dispatcher protocol.Handler
	handler    *handler.Handler
	collector  *metrics.Collector
	logger     clog.Logger
	upgrader   *websocket.Upgrader
	config     *WSConfig
}

// NewWebSocket 创建 WebSocket 处理器
func NewWebSocket(
	auth *Authenticator,
	manager *connection.Manager,
	dispatcher protocol.Handler,
	h *handler.Handler,
	collector *metrics.Collector,
	logger clog.Logger,
	cfg *WSConfig,
) *WebSocket {
	if cfg == nil {
		cfg = DefaultWSConfig()
	}

	upgrader := &websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			// 生产环境需要严格检查 Origin
			return true
		},
	}

	return &WebSocket{
		auth:       auth,
		manager:    manager,
		dispatcher: dispatcher,
		handler:    h,
		collector:  collector,
		logger:     logger,
		upgrader:   upgrader,
		config:     cfg,
	}
}

// HandleWebSocket 处理 /ws 连接请求
// token 从 URL 参数获取，认证失败在升级前以 401 拒绝。
func (ws *WebSocket) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws.serve(w, r, false)
}

// HandleAdminWebSocket 处理 /admin/ws 连接请求，仅限 ADMIN 角色
func (ws *WebSocket) HandleAdminWebSocket(w http.ResponseWriter, r *http.Request) {
	ws.serve(w, r, true)
}

func (ws *WebSocket) serve(w http.ResponseWriter, r *http.Request, adminOnly bool) {
	token := r.URL.Query().Get("token")
	if token == "" {
		ws.logger.Warn("websocket connection rejected: missing token",
			clog.String("remote_addr", r.RemoteAddr))
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	identity, err := ws.auth.Authenticate(token)
	if err != nil {
		ws.logger.Warn("websocket connection rejected: invalid token",
			clog.String("remote_addr", r.RemoteAddr),
			clog.Error(err))
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	if adminOnly && identity.Role != protocol.RoleAdmin {
		ws.logger.Warn("admin websocket rejected: insufficient role",
			clog.String("user_id", identity.UserID),
			clog.String("role", identity.Role))
		http.Error(w, "admin role required", http.StatusForbidden)
		return
	}

	wsConn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Error("failed to upgrade websocket",
			clog.String("user_id", identity.UserID),
			clog.String("remote_addr", r.RemoteAddr),
			clog.Error(err))
		return
	}

	conn := connection.NewConn(
		uuid.NewString(),
		identity.UserID,
		identity.Role,
		wsConn,
		ws.logger,
		ws.dispatcher,
		ws.onClose,
		ws.config.MaxMessageSize*1024,
		time.Duration(ws.config.PingInterval)*time.Second,
		time.Duration(ws.config.PongTimeout)*time.Second,
	)

	ws.manager.Register(conn)
	ws.collector.RecordConnection()

	// 自动订阅用户所属房间，失败不致命，后续消息仍可通过通知通道到达
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	if err := ws.handler.JoinUserRooms(ctx, conn); err != nil {
		ws.collector.RecordError("join_rooms")
		ws.logger.Error("failed to join user rooms",
			clog.String("user_id", identity.UserID),
			clog.Error(err))
	}
	cancel()

	conn.Run()

	conns, users := ws.manager.OnlineCount()
	observability.SetConnectionsActive(context.Background(), conns)
	ws.logger.Info("websocket connection established",
		clog.String("user_id", identity.UserID),
		clog.String("conn_id", conn.ID()),
		clog.String("remote_addr", r.RemoteAddr),
		clog.Int("online_users", users))
}

// onClose 连接关闭回调，登记断开原因并维护在线计数
func (ws *WebSocket) onClose(c *connection.Conn, reason string) {
	ws.manager.Unregister(c)
	ws.collector.RecordDisconnection(reason)

	conns, _ := ws.manager.OnlineCount()
	observability.SetConnectionsActive(context.Background(), conns)
}
