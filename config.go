package rcbridge

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 桥接进程的完整配置，通常从 YAML 文件加载
type Config struct {
	Listener ListenerConfig `yaml:"listener"`
	Backend  BackendConfig  `yaml:"backend"`
	Session  SessionConfig  `yaml:"session"`
	UI       UIConfig       `yaml:"ui"`
	Log      LogConfig      `yaml:"log"`
}

// ListenerConfig UDP 指令监听配置
type ListenerConfig struct {
	Addr       string `yaml:"addr"`        // 例如 ":8089"
	BufferSize int    `yaml:"buffer_size"` // 单个数据报的接收缓冲区大小
}

// BackendConfig 仿真后端地址
type BackendConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	AutoConnect        bool   `yaml:"auto_connect"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// SessionConfig 控制会话对后端调用的约束
type SessionConfig struct {
	CallTimeout        time.Duration `yaml:"call_timeout"` // 0 表示不设超时
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	ConnectRetries     int           `yaml:"connect_retries"`
	BreakerMaxFailures int           `yaml:"breaker_max_failures"` // 0 表示不启用断路器
	BreakerReset       time.Duration `yaml:"breaker_reset"`
}

// UIConfig websocket 界面适配器配置
type UIConfig struct {
	Addr           string        `yaml:"addr"` // 为空时不启动
	StatusInterval time.Duration `yaml:"status_interval"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"` // 为空时只输出到 stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	Console    bool   `yaml:"console"`
}

const defaultBufferSize = 1024

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Listener: ListenerConfig{
			Addr:       ":8089",
			BufferSize: defaultBufferSize,
		},
		Backend: BackendConfig{
			Host:               "127.0.0.1",
			Port:               41451,
			InsecureSkipVerify: true,
		},
		Session: SessionConfig{
			CallTimeout:        2 * time.Second,
			ConnectTimeout:     5 * time.Second,
			ConnectRetries:     3,
			BreakerMaxFailures: 5,
			BreakerReset:       10 * time.Second,
		},
		UI: UIConfig{
			StatusInterval: 100 * time.Millisecond,
		},
		Log: LogConfig{
			Level:     "info",
			MaxSizeMB: 32,
			Console:   true,
		},
	}
}

// LoadConfig 读取 YAML 配置，文件中未出现的字段保留默认值
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate 检查配置取值
func (c *Config) Validate() error {
	if c.Listener.Addr == "" {
		return fmt.Errorf("listener.addr must be set")
	}
	if c.Listener.BufferSize <= 0 {
		return fmt.Errorf("listener.buffer_size must be > 0, got %d", c.Listener.BufferSize)
	}
	if c.Backend.Port < 0 || c.Backend.Port > 65535 {
		return fmt.Errorf("backend.port out of range: %d", c.Backend.Port)
	}
	if c.Session.CallTimeout < 0 || c.Session.ConnectTimeout < 0 {
		return fmt.Errorf("session timeouts must not be negative")
	}
	if c.UI.Addr != "" && c.UI.StatusInterval <= 0 {
		return fmt.Errorf("ui.status_interval must be > 0")
	}
	return nil
}
