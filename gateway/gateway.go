// Package gateway 组装 realtime 网关的全部组件并管理其生命周期。
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/db"
	"github.com/ceyewan/genesis/idgen"
	genratelimit "github.com/ceyewan/genesis/ratelimit"
	"github.com/ceyewan/genesis/registry"
	"github.com/google/uuid"
	"github.com/towline/realtime/gateway/config"
	"github.com/towline/realtime/gateway/connection"
	"github.com/towline/realtime/gateway/handler"
	"github.com/towline/realtime/gateway/metrics"
	"github.com/towline/realtime/gateway/notify"
	"github.com/towline/realtime/gateway/observability"
	"github.com/towline/realtime/gateway/protocol"
	"github.com/towline/realtime/gateway/ratelimit"
	"github.com/towline/realtime/gateway/server"
	"github.com/towline/realtime/gateway/socket"
	"github.com/towline/realtime/pkg/health"
	"github.com/towline/realtime/repo"
)

// 限流桶的后台清扫周期
const limiterSweepInterval = time.Hour

// Gateway 网关服务生命周期管理器
type Gateway struct {
	config    *config.Config
	logger    clog.Logger
	registry  registry.Registry
	gatewayID string // 唯一服务实例 ID，例如 realtime-gateway-3f2a1b9c

	httpServer  *server.HTTPServer
	healthProbe *health.Probe

	resources *resources
	ctx       context.Context
	cancel    context.CancelFunc
}

// resources 内部资源聚合，方便统一关闭
type resources struct {
	redisConn    connector.RedisConnector
	etcdConn     connector.EtcdConnector
	postgresConn connector.PostgreSQLConnector
	database     db.DB

	chatRepo  repo.ChatRepo
	notifRepo repo.NotificationRepo

	connMgr *connection.Manager
	limiter *ratelimit.Limiter
	batcher *notify.Batcher
}

// New 创建 Gateway 实例
func New() (*Gateway, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := g.initComponents(); err != nil {
		g.Close()
		return nil, err
	}
	return g, nil
}

// initComponents 初始化所有组件
func (g *Gateway) initComponents() error {
	// 1. 可观测性（Trace + Metrics）
	if err := observability.Init(&g.config.Observability); err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	// 2. Logger（带 Trace Context 支持）
	logger, err := observability.NewLogger(&g.config.Log)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	g.logger = logger

	// 3. 外部连接（PostgreSQL、Redis、Etcd、Registry）
	res, err := g.initBaseResources()
	if err != nil {
		return err
	}
	g.resources = res

	g.gatewayID = fmt.Sprintf("%s-%s", g.config.GetServiceName(), uuid.NewString()[:8])

	// 4. 消息 / 通知 ID 生成器（WorkerID 由 Redis 协调）
	idGen, err := idgen.NewGenerator(&g.config.IDGen, idgen.WithRedisConnector(res.redisConn), idgen.WithLogger(g.logger))
	if err != nil {
		return fmt.Errorf("create id generator: %w", err)
	}

	// 5. 持久层
	database, err := db.New(&db.Config{
		Driver: "postgresql",
	}, db.WithPostgreSQLConnector(res.postgresConn), db.WithLogger(g.logger))
	if err != nil {
		return fmt.Errorf("create db component: %w", err)
	}
	res.database = database

	chatRepo, err := repo.NewChatRepo(database, repo.WithChatRepoLogger(g.logger))
	if err != nil {
		return fmt.Errorf("create chat repo: %w", err)
	}
	res.chatRepo = chatRepo

	notifRepo, err := repo.NewNotificationRepo(database, repo.WithNotificationRepoLogger(g.logger))
	if err != nil {
		return fmt.Errorf("create notification repo: %w", err)
	}
	res.notifRepo = notifRepo

	// 6. 进程内组件（连接索引、限流器、通知批量器、指标）
	collector := metrics.NewCollector()

	res.limiter = ratelimit.NewLimiter(g.logger)

	res.connMgr = connection.NewManager(
		connection.WithManagerLogger(g.logger),
		connection.WithPresenceCallbacks(g.onUserOnline, g.onUserOffline),
	)

	res.batcher = notify.NewBatcher(notifRepo, idGen, g.logger,
		notify.WithWindow(g.config.Batcher.GetWindow()),
		notify.WithMaxBatch(g.config.Batcher.GetMaxBatch()),
		notify.WithDeliver(func(userID string, payload *protocol.NotificationPayload) {
			collector.RecordNotifications(payload.Count)
			res.connMgr.BroadcastRoom(connection.PersonalChannel(userID),
				protocol.NewEventFrame(protocol.EventNotification, payload), "")
		}),
		notify.WithDroppedCallback(func(err error, dropped int) {
			collector.RecordError("notify_flush")
			observability.RecordNotificationFlushFailed(context.Background())
		}),
	)

	// 7. 业务层与接入层
	h := handler.NewHandler(chatRepo, res.connMgr, res.limiter, res.batcher, idGen, collector, g.logger)
	dispatcher := socket.NewDispatcher(h, collector, g.logger)

	auth := socket.NewAuthenticator(g.config.Auth.JWTSecret)
	wsHandler := socket.NewWebSocket(auth, res.connMgr, dispatcher, h, collector, g.logger, &socket.WSConfig{
		ReadBufferSize:  g.config.WSConfig.ReadBufferSize,
		WriteBufferSize: g.config.WSConfig.WriteBufferSize,
		MaxMessageSize:  int64(g.config.WSConfig.MaxMessageSize),
		PingInterval:    g.config.WSConfig.PingInterval,
		PongTimeout:     g.config.WSConfig.PongTimeout,
	})

	// 握手接口的 IP 限流（单机令牌桶）
	httpLimiter, err := genratelimit.New(&genratelimit.Config{
		Driver: genratelimit.DriverStandalone,
	}, genratelimit.WithLogger(g.logger))
	if err != nil {
		return fmt.Errorf("create http limiter: %w", err)
	}

	g.healthProbe = health.NewProbe()
	g.httpServer = server.NewHTTPServer(g.config, g.logger, wsHandler, httpLimiter, g.healthProbe)

	return nil
}

// initBaseResources 初始化外部连接
func (g *Gateway) initBaseResources() (*resources, error) {
	postgresConn, err := connector.NewPostgreSQL(&g.config.Postgres, connector.WithLogger(g.logger))
	if err != nil {
		return nil, fmt.Errorf("postgres init: %w", err)
	}
	if err := postgresConn.Connect(g.ctx); err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	redisConn, err := connector.NewRedis(&g.config.Redis, connector.WithLogger(g.logger))
	if err != nil {
		postgresConn.Close()
		return nil, fmt.Errorf("redis init: %w", err)
	}
	if err := redisConn.Connect(g.ctx); err != nil {
		postgresConn.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}

	etcdConn, err := connector.NewEtcd(&g.config.Etcd, connector.WithLogger(g.logger))
	if err != nil {
		postgresConn.Close()
		redisConn.Close()
		return nil, fmt.Errorf("etcd init: %w", err)
	}
	if err := etcdConn.Connect(g.ctx); err != nil {
		postgresConn.Close()
		redisConn.Close()
		return nil, fmt.Errorf("etcd connect: %w", err)
	}

	reg, err := registry.New(etcdConn, g.config.Registry.ToRegistryConfig(), registry.WithLogger(g.logger))
	if err != nil {
		postgresConn.Close()
		redisConn.Close()
		etcdConn.Close()
		return nil, fmt.Errorf("registry init: %w", err)
	}
	g.registry = reg

	return &resources{
		postgresConn: postgresConn,
		redisConn:    redisConn,
		etcdConn:     etcdConn,
	}, nil
}

// onUserOnline 用户第一个连接建立
func (g *Gateway) onUserOnline(userID string) {
	g.logger.Info("user online", clog.String("user_id", userID))
}

// onUserOffline 用户最后一个连接断开
// 向其所在房间广播离线事件，并立即 flush 残留的通知批次。
func (g *Gateway) onUserOffline(userID string, roomIDs []string) {
	g.logger.Info("user offline",
		clog.String("user_id", userID),
		clog.Int("rooms", len(roomIDs)))

	// 此时该用户已无活跃连接，无需排除
	frame := protocol.NewEventFrame(protocol.EventUserOffline, &protocol.PresencePayload{UserID: userID})
	for _, roomID := range roomIDs {
		g.resources.connMgr.BroadcastRoom(roomID, frame, "")
	}

	g.resources.batcher.Flush(userID)
}

// Run 启动所有服务并注册实例
func (g *Gateway) Run() error {
	g.logger.Info("starting realtime gateway...",
		clog.String("gateway_id", g.gatewayID))
	g.healthProbe.SetReady(false)
	g.healthProbe.SetShutdown(false)

	go g.httpServer.Start()
	go g.sweepLoop()

	if err := g.registerService(); err != nil {
		return err
	}
	g.healthProbe.SetReady(true)
	return nil
}

// sweepLoop 周期性清扫过期的限流桶
func (g *Gateway) sweepLoop() {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := g.resources.limiter.Cleanup()
			g.logger.Debug("ratelimit buckets swept", clog.Int("removed", removed))
		case <-g.ctx.Done():
			return
		}
	}
}

// registerService 注册服务实例到 etcd
func (g *Gateway) registerService() error {
	host := g.config.GetHost()

	service := &registry.ServiceInstance{
		ID:      g.gatewayID,
		Name:    g.config.GetServiceName(),
		Version: "1.0.0",
		Endpoints: []string{
			fmt.Sprintf("ws://%s:%d/ws", host, g.config.GetHTTPPort()),
		},
		Metadata: map[string]string{
			"http_addr": fmt.Sprintf("%s:%d", host, g.config.GetHTTPPort()),
		},
	}

	return g.registry.Register(g.ctx, service, g.config.Registry.DefaultTTL)
}

// Close 优雅关闭资源
func (g *Gateway) Close() error {
	if g.logger != nil {
		g.logger.Info("shutting down realtime gateway...")
	}
	if g.healthProbe != nil {
		g.healthProbe.SetReady(false)
		g.healthProbe.SetShutdown(true)
	}
	g.cancel()

	// 1. 注销服务实例
	if g.registry != nil {
		g.registry.Deregister(context.Background(), g.gatewayID)
		g.registry.Close()
	}

	// 2. 停止 HTTP 服务，不再接受新握手
	httpShutdownCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if g.httpServer != nil {
		g.httpServer.Stop(httpShutdownCtx)
	}

	// 3. 关闭连接与 flush 通知，再释放外部资源
	if g.resources != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		done := make(chan struct{})
		go func() {
			if g.resources.connMgr != nil {
				g.resources.connMgr.Close()
			}
			if g.resources.batcher != nil {
				g.resources.batcher.Close()
			}
			if g.resources.chatRepo != nil {
				g.resources.chatRepo.Close()
			}
			if g.resources.notifRepo != nil {
				g.resources.notifRepo.Close()
			}
			if g.resources.database != nil {
				g.resources.database.Close()
			}
			if g.resources.postgresConn != nil {
				g.resources.postgresConn.Close()
			}
			if g.resources.redisConn != nil {
				g.resources.redisConn.Close()
			}
			if g.resources.etcdConn != nil {
				g.resources.etcdConn.Close()
			}
			close(done)
		}()

		select {
		case <-done:
		case <-shutdownCtx.Done():
			if g.logger != nil {
				g.logger.Warn("resource shutdown timed out after 10s, some connections may not be closed cleanly")
			}
		}
	}

	// 4. 关闭可观测性组件
	if err := observability.Shutdown(context.Background()); err != nil && g.logger != nil {
		g.logger.Error("observability shutdown failed", clog.Error(err))
	}

	return nil
}
