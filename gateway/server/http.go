// Package server 提供网关的 HTTP/WebSocket 服务入口。
package server

import (
	"context"
	"net/http"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/towline/realtime/gateway/config"
	"github.com/towline/realtime/gateway/middleware"
	"github.com/towline/realtime/gateway/socket"
	"github.com/towline/realtime/pkg/health"
)

// HTTPServer HTTP 服务包装器
// 承载 WebSocket 握手端点与健康检查，业务流量全部走升级后的连接。
type HTTPServer struct {
	config  *config.Config
	logger  clog.Logger
	ws      *socket.WebSocket
	limiter ratelimit.Limiter
	probe   *health.Probe
	server  *http.Server
}

// NewHTTPServer 创建 HTTP 服务
func NewHTTPServer(
	cfg *config.Config,
	logger clog.Logger,
	ws *socket.WebSocket,
	limiter ratelimit.Limiter,
	probe *health.Probe,
) *HTTPServer {
	return &HTTPServer{
		config:  cfg,
		logger:  logger,
		ws:      ws,
		limiter: limiter,
		probe:   probe,
	}
}

// Start 启动 HTTP 服务，阻塞直到服务关闭
func (s *HTTPServer) Start() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(middleware.Recovery(s.logger))
	router.Use(middleware.SkipLogger(s.logger, map[string]struct{}{
		"/health": {},
		"/ready":  {},
	}))
	if s.limiter != nil {
		router.Use(middleware.GlobalIP(s.limiter, s.logger, middleware.GlobalIPLimit))
	}

	router.GET("/ws", gin.WrapF(s.ws.HandleWebSocket))
	router.GET("/admin/ws", gin.WrapF(s.ws.HandleAdminWebSocket))

	router.GET("/health", gin.WrapF(s.probe.LivenessHandler()))
	router.GET("/ready", gin.WrapF(s.probe.ReadinessHandler()))

	s.server = &http.Server{
		Addr:    s.config.GetHTTPAddr(),
		Handler: router,
	}

	s.logger.Info("http server started", clog.String("addr", s.config.GetHTTPAddr()))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 优雅停止 HTTP 服务
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
