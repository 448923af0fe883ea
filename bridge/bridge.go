// Package bridge 是中继中唯一接触宿主应用的组件。
//
// 它把内部的主题变更转换为宿主可见的事件，在独立协程中异步投递，
// 队列满时丢弃最旧的事件，慢速的界面不会反压到网络读循环。
package bridge

import (
	"context"
	"log/slog"
	"sync/atomic"

	"busy-cloud/telemetry-relay/metrics"
	"busy-cloud/telemetry-relay/types"
)

// 固定的宿主事件名，宿主监听方无需任何中继相关的配置
const (
	TopicEvent  = "telemetry://topic"
	StatusEvent = "telemetry://status"
)

// DefaultQueueSize 默认队列容量
const DefaultQueueSize = 256

// EventSink 宿主原生的事件发射能力，构造时注入一次
type EventSink interface {
	Emit(event string, payload any) error
}

// SinkFunc 函数适配器
type SinkFunc func(event string, payload any) error

func (f SinkFunc) Emit(event string, payload any) error {
	return f(event, payload)
}

type envelope struct {
	name    string
	payload any
}

// Bridge 事件桥
type Bridge struct {
	sink    EventSink
	queue   chan envelope
	dropped atomic.Uint64
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New 创建事件桥
func New(sink EventSink, queueSize int, m *metrics.Metrics, logger *slog.Logger) *Bridge {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		sink:    sink,
		queue:   make(chan envelope, queueSize),
		metrics: m,
		logger:  logger,
	}
}

// Deliver 投递主题变更，不阻塞调用方
func (b *Bridge) Deliver(ev types.TopicChangeEvent) {
	ev.Value = ev.Value.Clone()
	b.enqueue(envelope{name: TopicEvent, payload: ev})
}

// DeliverStatus 投递连接状态
func (b *Bridge) DeliverStatus(ev types.StatusEvent) {
	b.enqueue(envelope{name: StatusEvent, payload: ev})
}

// enqueue 队列满时丢弃最旧事件；只有中继协程一个生产者
func (b *Bridge) enqueue(e envelope) {
	for {
		select {
		case b.queue <- e:
			return
		default:
		}

		select {
		case old := <-b.queue:
			b.dropped.Add(1)
			b.metrics.EventDropped()
			b.logger.Debug("Event queue full, dropping oldest event", "event", old.name)
		default:
		}
	}
}

// Dropped 因队列满而丢弃的事件数
func (b *Bridge) Dropped() uint64 {
	return b.dropped.Load()
}

// Pending 队列中待投递的事件数
func (b *Bridge) Pending() int {
	return len(b.queue)
}

// Run 投递循环，直到 ctx 取消；取消时队列中剩余的事件被丢弃
func (b *Bridge) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-b.queue:
			if err := b.sink.Emit(e.name, e.payload); err != nil {
				b.logger.Warn("Host event sink failed", "event", e.name, "error", err)
				continue
			}
			b.metrics.EventDelivered(e.name)
		}
	}
}
