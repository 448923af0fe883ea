package relay

import (
	"log/slog"

	"github.com/benbjohnson/clock"

	"busy-cloud/telemetry-relay/config"
	"busy-cloud/telemetry-relay/metrics"
	"busy-cloud/telemetry-relay/network"
)

// Option 中继选项
type Option func(*Relay)

// WithConfig 替换整份配置，应放在 WithTopics 之前
func WithConfig(cfg config.Config) Option {
	return func(r *Relay) {
		r.cfg = cfg
	}
}

// WithTopics 设置初始订阅，默认 "#"
func WithTopics(patterns ...string) Option {
	return func(r *Relay) {
		r.cfg.Topics = patterns
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

// WithClock 注入时钟，测试中使用 clock.NewMock()
func WithClock(clk clock.Clock) Option {
	return func(r *Relay) {
		r.clock = clk
	}
}

// WithDialer 覆盖按 Transport 选择的拨号器
func WithDialer(dialer network.Dialer) Option {
	return func(r *Relay) {
		r.dialer = dialer
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) {
		r.metrics = m
	}
}
