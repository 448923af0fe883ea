package network

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffConfig 重连退避配置
type BackoffConfig struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // 抖动比例 [0, Multiplier-1)
}

// DefaultBackoffConfig 返回默认退避配置
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:       250 * time.Millisecond,
		Max:        10 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.2,
	}
}

// Validate 修正无效值
func (c *BackoffConfig) Validate() {
	def := DefaultBackoffConfig()
	if c.Base <= 0 {
		c.Base = def.Base
	}
	if c.Max < c.Base {
		c.Max = max(def.Max, c.Base)
	}
	if c.Multiplier <= 1 {
		c.Multiplier = def.Multiplier
	}
	if c.Jitter < 0 || c.Jitter >= c.Multiplier-1 {
		c.Jitter = 0
	}
}

// Backoff 指数退避加抖动，连续失败时延迟单调不减直到上限，成功后重置
//
// 重连次数不设上限。
type Backoff struct {
	config  BackoffConfig
	attempt int
	last    time.Duration
	rand    func() float64
}

// NewBackoff 创建退避器
func NewBackoff(config BackoffConfig) *Backoff {
	config.Validate()
	return &Backoff{config: config, rand: rand.Float64}
}

// Next 返回下一次重连前的等待时间
func (b *Backoff) Next() time.Duration {
	exp := float64(b.config.Base) * math.Pow(b.config.Multiplier, float64(b.attempt))
	delay := exp + exp*b.config.Jitter*b.rand()
	if delay > float64(b.config.Max) {
		delay = float64(b.config.Max)
	}

	d := time.Duration(delay)
	if d < b.last {
		d = b.last
	}
	b.last = d
	b.attempt++
	return d
}

// Attempt 连续失败次数
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset 进入 Subscribed 后重置为基础延迟
func (b *Backoff) Reset() {
	b.attempt = 0
	b.last = 0
}
