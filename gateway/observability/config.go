package observability

// 未显式配置时指向本机 collector，开发环境零配置可用
const (
	defaultTraceEndpoint = "localhost:4317"
	defaultSampler       = 1.0
	defaultMetricsPort   = 9092
	defaultMetricsPath   = "/metrics"
)

// Config 网关可观测性配置
// Trace 经 OTLP gRPC 上报，Prometheus 指标走独立端口暴露。
type Config struct {
	Trace   TraceConfig   `mapstructure:"trace"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// TraceConfig 链路追踪配置
type TraceConfig struct {
	Disable  bool    `mapstructure:"disable"`  // 禁用上报，仅本地生成 TraceID
	Endpoint string  `mapstructure:"endpoint"` // OTLP gRPC 端点
	Insecure bool    `mapstructure:"insecure"` // 与 collector 明文通信
	Sampler  float64 `mapstructure:"sampler"`  // 父级采样率（0-1]
}

// GetEndpoint 返回 OTLP 端点，未配置时使用本机 collector
func (c *TraceConfig) GetEndpoint() string {
	if c.Endpoint == "" {
		return defaultTraceEndpoint
	}
	return c.Endpoint
}

// GetSampler 返回采样率，未配置时全量采样
func (c *TraceConfig) GetSampler() float64 {
	if c.Sampler <= 0 {
		return defaultSampler
	}
	return c.Sampler
}

// MetricsConfig 指标暴露配置
type MetricsConfig struct {
	Port          int    `mapstructure:"port"`           // Prometheus 暴露端口
	Path          string `mapstructure:"path"`           // Prometheus 暴露路径
	EnableRuntime bool   `mapstructure:"enable_runtime"` // 采集 Go 运行时指标
}

// GetPort 返回指标端口
func (c *MetricsConfig) GetPort() int {
	if c.Port == 0 {
		return defaultMetricsPort
	}
	return c.Port
}

// GetPath 返回指标路径
func (c *MetricsConfig) GetPath() string {
	if c.Path == "" {
		return defaultMetricsPath
	}
	return c.Path
}
