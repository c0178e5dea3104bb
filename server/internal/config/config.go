package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Cache    CacheConfig    `yaml:"cache"`
	Session  SessionConfig  `yaml:"session"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig 本地 HTTP 面（状态/会话/实时流）
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"` // 实时推送单帧写超时
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// APIConfig Culinary Atlas REST 后端
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig REST 熔断配置
type BreakerConfig struct {
	Enabled             bool          `yaml:"enabled"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
}

// RealtimeConfig 实时通道（WebSocket）
type RealtimeConfig struct {
	URL              string          `yaml:"url"`
	HandshakeTimeout time.Duration   `yaml:"handshake_timeout"`
	PingInterval     time.Duration   `yaml:"ping_interval"`
	Reconnect        ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig 断线重连策略。默认关闭：现有行为只在 token 变化时重连。
type ReconnectConfig struct {
	Enabled         bool          `yaml:"enabled"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time"`
}

// CacheConfig 查询缓存
type CacheConfig struct {
	// Backend: memory | redis
	Backend   string        `yaml:"backend"`
	StaleTime time.Duration `yaml:"stale_time"`
	Redis     RedisConfig   `yaml:"redis"`
}

// RedisConfig Redis 缓存后端
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Namespace string        `yaml:"namespace"`
	TTL       time.Duration `yaml:"ttl"`
}

// SessionConfig 会话持久化（浏览器 localStorage 的对应物）
type SessionConfig struct {
	StateFile string `yaml:"state_file"`
	Language  string `yaml:"language"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default 返回一份可直接本地运行的默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8090,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		API: APIConfig{
			BaseURL: "http://localhost:8080/api",
			Timeout: 15 * time.Second,
			Breaker: BreakerConfig{
				Enabled:             true,
				ConsecutiveFailures: 5,
				OpenTimeout:         30 * time.Second,
			},
		},
		Realtime: RealtimeConfig{
			URL:              "ws://localhost:8080/ws",
			HandshakeTimeout: 15 * time.Second,
			PingInterval:     30 * time.Second,
			Reconnect: ReconnectConfig{
				InitialInterval: time.Second,
				MaxInterval:     30 * time.Second,
				MaxElapsedTime:  5 * time.Minute,
			},
		},
		Cache: CacheConfig{
			Backend:   "memory",
			StaleTime: 30 * time.Second,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				Namespace: "atlas",
				TTL:       10 * time.Minute,
			},
		},
		Session: SessionConfig{
			Language: "en",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load 从文件加载配置，path 为空时只使用默认值与环境变量
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnv 从环境变量覆盖部署相关配置
func (c *Config) applyEnv() {
	if v := os.Getenv("ATLAS_API_BASE_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("ATLAS_WS_URL"); v != "" {
		c.Realtime.URL = v
	}
	if v := os.Getenv("ATLAS_REDIS_ADDR"); v != "" {
		c.Cache.Redis.Addr = v
	}
	if v := os.Getenv("ATLAS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// InitialToken 返回启动时通过环境变量注入的 token（可选）
func InitialToken() string {
	return strings.TrimSpace(os.Getenv("ATLAS_TOKEN"))
}

// Addr 返回 HTTP 监听地址
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required (set ATLAS_API_BASE_URL env var or config)")
	}
	if c.Realtime.URL == "" {
		return fmt.Errorf("realtime.url is required (set ATLAS_WS_URL env var or config)")
	}
	if !strings.HasPrefix(c.Realtime.URL, "ws://") && !strings.HasPrefix(c.Realtime.URL, "wss://") {
		return fmt.Errorf("realtime.url must use ws:// or wss://, got %q", c.Realtime.URL)
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr is required for redis backend")
		}
	default:
		return fmt.Errorf("unsupported cache backend: %s", c.Cache.Backend)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be positive")
	}
	return nil
}
