// Package config 加载 realtime 网关配置。
// 配置加载顺序：环境变量 > .env > realtime.{env}.yaml > realtime.yaml
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/config"
	"github.com/ceyewan/genesis/connector"
	"github.com/ceyewan/genesis/idgen"
	"github.com/ceyewan/genesis/registry"
	"github.com/towline/realtime/gateway/observability"
)

// Config realtime 网关配置
type Config struct {
	// 服务基础配置
	Service struct {
		Name     string `mapstructure:"name"`      // 服务名称
		Host     string `mapstructure:"host"`      // 服务主机名（环境变量 HOSTNAME）
		HTTPPort int    `mapstructure:"http_port"` // HTTP/WebSocket 服务端口
	} `mapstructure:"service"`

	// 基础组件配置
	Log      clog.Config                `mapstructure:"log"`      // 日志配置
	Postgres connector.PostgreSQLConfig `mapstructure:"postgres"` // PostgreSQL 配置
	Redis    connector.RedisConfig      `mapstructure:"redis"`    // Redis 配置
	Etcd     connector.EtcdConfig       `mapstructure:"etcd"`     // Etcd 配置

	// 服务注册发现配置
	Registry RegistryConfig `mapstructure:"registry"`

	// Snowflake ID 生成器配置（WorkerID 由 Redis 协调）
	IDGen idgen.GeneratorConfig `mapstructure:"idgen"`

	// WebSocket 配置
	WSConfig WSConfig `mapstructure:"ws_config"`

	// 握手认证配置
	Auth AuthConfig `mapstructure:"auth"`

	// 通知批量配置
	Batcher BatcherConfig `mapstructure:"batcher"`

	// 可观测性配置
	Observability observability.Config `mapstructure:"observability"`
}

// RegistryConfig 服务注册配置
type RegistryConfig struct {
	Namespace  string        `mapstructure:"namespace"`   // 服务命名空间
	DefaultTTL time.Duration `mapstructure:"default_ttl"` // 默认租约
}

// ToRegistryConfig 转换为 registry.Config
func (c *RegistryConfig) ToRegistryConfig() *registry.Config {
	cfg := &registry.Config{
		Namespace:  c.Namespace,
		DefaultTTL: c.DefaultTTL,
	}

	if cfg.Namespace == "" {
		cfg.Namespace = "/towline/services"
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 30 * time.Second
	}
	return cfg
}

// WSConfig WebSocket 相关配置
type WSConfig struct {
	ReadBufferSize  int `mapstructure:"read_buffer_size"`  // 读缓冲区大小
	WriteBufferSize int `mapstructure:"write_buffer_size"` // 写缓冲区大小
	MaxMessageSize  int `mapstructure:"max_message_size"`  // 最大消息大小（KB）
	PingInterval    int `mapstructure:"ping_interval"`     // 心跳间隔（秒）
	PongTimeout     int `mapstructure:"pong_timeout"`      // 心跳超时（秒）
}

// AuthConfig 握手认证配置
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"` // 与 Web 应用共享的签名密钥
}

// BatcherConfig 通知批量配置
type BatcherConfig struct {
	WindowMS int `mapstructure:"window_ms"` // 批次窗口（毫秒）
	MaxBatch int `mapstructure:"max_batch"` // 批次上限
}

// GetWindow 获取批次窗口，默认 2 秒
func (c *BatcherConfig) GetWindow() time.Duration {
	if c.WindowMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.WindowMS) * time.Millisecond
}

// GetMaxBatch 获取批次上限，默认 5 条
func (c *BatcherConfig) GetMaxBatch() int {
	if c.MaxBatch <= 0 {
		return 5
	}
	return c.MaxBatch
}

// GetServiceName 获取服务名称，默认 "realtime-gateway"
func (c *Config) GetServiceName() string {
	if c.Service.Name != "" {
		return c.Service.Name
	}
	return "realtime-gateway"
}

// GetHost 获取服务主机名，优先使用配置，其次环境变量 HOSTNAME，最后 "localhost"
func (c *Config) GetHost() string {
	if c.Service.Host != "" {
		return c.Service.Host
	}
	if host := os.Getenv("HOSTNAME"); host != "" {
		return host
	}
	return "localhost"
}

// GetHTTPPort 获取 HTTP 端口
func (c *Config) GetHTTPPort() int {
	if c.Service.HTTPPort > 0 && c.Service.HTTPPort < 65536 {
		return c.Service.HTTPPort
	}
	return 8090
}

// GetHTTPAddr 获取 HTTP 绑定地址
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.GetHTTPPort())
}

// Load 创建并加载网关配置
func Load() (*Config, error) {
	loader, err := config.New(&config.Config{
		Name:      "realtime",
		FileType:  "yaml",
		Paths:     []string{"./configs"},
		EnvPrefix: "TOWLINE",
	})
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	if err := loader.Load(ctx); err != nil {
		return nil, err
	}

	var cfg Config
	if err := loader.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if os.Getenv("TOWLINE_DEBUG_CONFIG") == "true" {
		dumpConfig(&cfg)
	}

	return &cfg, nil
}

// dumpConfig 以 JSON 格式打印配置（脱敏敏感字段）
func dumpConfig(cfg *Config) {
	sanitized := *cfg
	if sanitized.Redis.Password != "" {
		sanitized.Redis.Password = "***"
	}
	if sanitized.Postgres.Password != "" {
		sanitized.Postgres.Password = "***"
	}
	if sanitized.Auth.JWTSecret != "" {
		sanitized.Auth.JWTSecret = "***"
	}

	data, _ := json.MarshalIndent(sanitized, "", "  ")
	fmt.Fprintf(os.Stderr, "\n=== Realtime Gateway Configuration ===\n%s\n=== End of Configuration ===\n\n", data)
}
