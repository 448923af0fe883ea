package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"busy-cloud/telemetry-relay/network"
	"busy-cloud/telemetry-relay/subscription"
)

// 传输方式
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config 中继的运行参数；端点是编译期常量，不在此处配置
type Config struct {
	Transport         string                `mapstructure:"transport"`
	WebSocketPath     string                `mapstructure:"websocket_path"`
	ClientName        string                `mapstructure:"client_name"`
	Topics            []string              `mapstructure:"topics"`
	DialTimeout       time.Duration         `mapstructure:"dial_timeout"`
	HandshakeTimeout  time.Duration         `mapstructure:"handshake_timeout"`
	HeartbeatInterval time.Duration         `mapstructure:"heartbeat_interval"`
	IdleTimeout       time.Duration         `mapstructure:"idle_timeout"`
	Backoff           network.BackoffConfig `mapstructure:"backoff"`
	EventQueueSize    int                   `mapstructure:"event_queue_size"`
	Log               LogConfig             `mapstructure:"log"`
	MetricsAddr       string                `mapstructure:"metrics_addr"`
}

// Default 返回默认配置
func Default() Config {
	return Config{
		Transport:         TransportTCP,
		WebSocketPath:     "/telemetry",
		ClientName:        "telemetry-relay",
		Topics:            []string{"#"},
		DialTimeout:       3 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		HeartbeatInterval: time.Second,
		IdleTimeout:       3 * time.Second,
		Backoff:           network.DefaultBackoffConfig(),
		EventQueueSize:    256,
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// Validate 检查所有字段，返回合并后的错误
func (c Config) Validate() error {
	var err error
	if c.Transport != TransportTCP && c.Transport != TransportWebSocket {
		err = multierr.Append(err, fmt.Errorf("%w: transport %q", ErrInvalidConfig, c.Transport))
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"dial_timeout", c.DialTimeout},
		{"handshake_timeout", c.HandshakeTimeout},
		{"heartbeat_interval", c.HeartbeatInterval},
		{"idle_timeout", c.IdleTimeout},
	} {
		if d.value <= 0 {
			err = multierr.Append(err, fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, d.name))
		}
	}
	if c.HeartbeatInterval > 0 && c.IdleTimeout > 0 && c.HeartbeatInterval >= c.IdleTimeout {
		err = multierr.Append(err, fmt.Errorf("%w: heartbeat_interval must be shorter than idle_timeout", ErrInvalidConfig))
	}
	if c.Backoff.Base <= 0 || c.Backoff.Max < c.Backoff.Base || c.Backoff.Multiplier <= 1 {
		err = multierr.Append(err, fmt.Errorf("%w: backoff needs base > 0, max >= base, multiplier > 1", ErrInvalidConfig))
	}
	if c.EventQueueSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("%w: event_queue_size must be positive", ErrInvalidConfig))
	}
	if len(c.Topics) == 0 {
		err = multierr.Append(err, fmt.Errorf("%w: at least one topic pattern is required", ErrInvalidConfig))
	}
	for _, pattern := range c.Topics {
		if perr := subscription.ValidatePattern(pattern); perr != nil {
			err = multierr.Append(err, perr)
		}
	}
	if _, lerr := c.Log.level(); lerr != nil {
		err = multierr.Append(err, lerr)
	}
	return err
}

// ManagerConfig 连接管理器参数
func (c Config) ManagerConfig() network.Config {
	return network.Config{
		ClientName:       c.ClientName,
		HandshakeTimeout: c.HandshakeTimeout,
		IdleTimeout:      c.IdleTimeout,
	}
}

// Dialer 按传输方式创建拨号器
func (c Config) Dialer() network.Dialer {
	if c.Transport == TransportWebSocket {
		return &network.WebSocketDialer{Path: c.WebSocketPath, Timeout: c.DialTimeout}
	}
	return &network.TCPDialer{Timeout: c.DialTimeout}
}

// Load 读取可选的 YAML 配置文件，path 为空时返回默认配置
func Load(path string) (Config, error) {
	def := Default()
	if path == "" {
		return def, nil
	}

	v := viper.New()
	v.SetDefault("transport", def.Transport)
	v.SetDefault("websocket_path", def.WebSocketPath)
	v.SetDefault("client_name", def.ClientName)
	v.SetDefault("topics", def.Topics)
	v.SetDefault("dial_timeout", def.DialTimeout.String())
	v.SetDefault("handshake_timeout", def.HandshakeTimeout.String())
	v.SetDefault("heartbeat_interval", def.HeartbeatInterval.String())
	v.SetDefault("idle_timeout", def.IdleTimeout.String())
	v.SetDefault("backoff.base", def.Backoff.Base.String())
	v.SetDefault("backoff.max", def.Backoff.Max.String())
	v.SetDefault("backoff.multiplier", def.Backoff.Multiplier)
	v.SetDefault("backoff.jitter", def.Backoff.Jitter)
	v.SetDefault("event_queue_size", def.EventQueueSize)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("log.max_size_mb", def.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", def.Log.MaxBackups)
	v.SetDefault("log.max_age_days", def.Log.MaxAgeDays)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("error reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
