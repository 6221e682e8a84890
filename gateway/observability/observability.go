// Package observability 提供 realtime 网关的可观测性支持
// 包括 Trace（分布式追踪）和 Metrics（Prometheus 指标）
package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
)

const (
	// ServiceName 服务名称
	ServiceName = "towline-realtime"

	// TracerName Tracer 名称
	TracerName = "realtime-gateway"
)

var (
	// 全局组件
	meter     metrics.Meter
	traceOnce sync.Once
	shutdown  func(context.Context) error

	// 业务指标 - WebSocket 连接
	connectionsActive metrics.Gauge
	connectionsTotal  metrics.Counter
	disconnectsTotal  metrics.Counter

	// 业务指标 - 消息
	messagesTotal       metrics.Counter
	messagesRateLimited metrics.Counter

	// 业务指标 - 通知
	notificationsTotal      metrics.Counter
	notificationFlushFailed metrics.Counter

	// 业务指标 - 错误
	errorsTotal metrics.Counter

	// 业务指标 - fan-out
	broadcastDuration metrics.Histogram
)

// Init 初始化可观测性组件
func Init(cfg *Config) error {
	var initErr error

	traceOnce.Do(func() {
		// 1. 初始化 Trace
		shutdownFunc, err := initTrace(cfg)
		if err != nil {
			initErr = fmt.Errorf("init trace: %w", err)
			return
		}
		shutdown = shutdownFunc

		// 2. 初始化 Metrics
		meter, err = initMetrics(cfg)
		if err != nil {
			initErr = fmt.Errorf("init metrics: %w", err)
			return
		}

		// 3. 初始化业务指标
		initBusinessMetrics()
	})

	return initErr
}

// Shutdown 优雅关闭
func Shutdown(ctx context.Context) error {
	if shutdown != nil {
		return shutdown(ctx)
	}
	if meter != nil {
		return meter.Shutdown(ctx)
	}
	return nil
}

// initTrace 初始化 Trace
func initTrace(cfg *Config) (func(context.Context) error, error) {
	if cfg.Trace.Disable {
		// 禁用 Trace，只生成 TraceID 不上报
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceNameKey.String(ServiceName),
			)),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		return tp.Shutdown, nil
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Trace.GetEndpoint()),
		otlptracegrpc.WithTimeout(5 * time.Second),
	}
	if cfg.Trace.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	ctx := context.Background()
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Trace.GetSampler()))),
	}
	tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))

	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// initMetrics 初始化 Metrics
func initMetrics(cfg *Config) (metrics.Meter, error) {
	return metrics.New(&metrics.Config{
		ServiceName:   ServiceName,
		Port:          cfg.Metrics.GetPort(),
		Path:          cfg.Metrics.GetPath(),
		EnableRuntime: cfg.Metrics.EnableRuntime,
	})
}

// initBusinessMetrics 初始化业务指标
func initBusinessMetrics() {
	connectionsActive, _ = meter.Gauge(
		"realtime_connections_active",
		"Current number of active WebSocket connections",
	)

	connectionsTotal, _ = meter.Counter(
		"realtime_connections_total",
		"Total number of WebSocket connections established",
	)

	disconnectsTotal, _ = meter.Counter(
		"realtime_disconnects_total",
		"Total number of disconnects, labeled by reason",
	)

	messagesTotal, _ = meter.Counter(
		"realtime_messages_total",
		"Total number of chat messages handled",
	)

	messagesRateLimited, _ = meter.Counter(
		"realtime_messages_rate_limited_total",
		"Total number of rate-limited message sends",
	)

	notificationsTotal, _ = meter.Counter(
		"realtime_notifications_total",
		"Total number of notifications persisted and pushed",
	)

	notificationFlushFailed, _ = meter.Counter(
		"realtime_notification_flush_failed_total",
		"Total number of dropped notification batches",
	)

	errorsTotal, _ = meter.Counter(
		"realtime_errors_total",
		"Total number of handler errors, labeled by kind",
	)

	broadcastDuration, _ = meter.Histogram(
		"realtime_broadcast_duration_seconds",
		"Room broadcast latency",
		metrics.WithUnit("s"),
		metrics.WithBuckets([]float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}),
	)
}

// ============================================================================
// Trace 辅助函数
// ============================================================================

// StartSpan 开始一个新的 Span
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func()) {
	tracer := otel.Tracer(TracerName)
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, func() {
		span.End()
	}
}

// ============================================================================
// Metrics 记录函数
// ============================================================================

// SetConnectionsActive 设置当前活跃连接数
func SetConnectionsActive(ctx context.Context, count int) {
	if connectionsActive != nil {
		connectionsActive.Set(ctx, float64(count))
	}
}

// RecordConnectionEstablished 记录新建连接
func RecordConnectionEstablished(ctx context.Context) {
	if connectionsTotal != nil {
		connectionsTotal.Inc(ctx)
	}
}

// RecordDisconnect 记录连接断开
func RecordDisconnect(ctx context.Context, reason string) {
	if disconnectsTotal != nil {
		disconnectsTotal.Inc(ctx, metrics.Label{Key: "reason", Value: reason})
	}
}

// RecordMessage 记录一次消息处理
func RecordMessage(ctx context.Context, rateLimited bool) {
	if messagesTotal != nil {
		messagesTotal.Inc(ctx)
	}
	if rateLimited && messagesRateLimited != nil {
		messagesRateLimited.Inc(ctx)
	}
}

// RecordNotifications 记录持久化并推送的通知
func RecordNotifications(ctx context.Context, count int) {
	if notificationsTotal != nil {
		for i := 0; i < count; i++ {
			notificationsTotal.Inc(ctx)
		}
	}
}

// RecordNotificationFlushFailed 记录被丢弃的通知批次
func RecordNotificationFlushFailed(ctx context.Context) {
	if notificationFlushFailed != nil {
		notificationFlushFailed.Inc(ctx)
	}
}

// RecordError 记录 handler 错误
func RecordError(ctx context.Context, kind string) {
	if errorsTotal != nil {
		errorsTotal.Inc(ctx, metrics.Label{Key: "kind", Value: kind})
	}
}

// RecordBroadcastDuration 记录房间广播耗时
func RecordBroadcastDuration(ctx context.Context, duration time.Duration) {
	if broadcastDuration != nil {
		broadcastDuration.Record(ctx, duration.Seconds())
	}
}

// ============================================================================
// Logger 创建辅助函数
// ============================================================================

// NewLogger 创建带有 Trace Context 的 Logger
func NewLogger(cfg *clog.Config) (clog.Logger, error) {
	return clog.New(cfg, clog.WithTraceContext())
}
