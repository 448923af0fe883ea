// Package relay 是遥测订阅中继的监督者。
//
// 一个中继协程独占订阅表与连接状态：连接、握手、重放订阅、按线上顺序应用报文，
// 失败后按退避重连，直到宿主取消 context。事件桥在另一个协程中把变更交给宿主。
package relay

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"busy-cloud/telemetry-relay/bridge"
	"busy-cloud/telemetry-relay/config"
	"busy-cloud/telemetry-relay/metrics"
	"busy-cloud/telemetry-relay/network"
	"busy-cloud/telemetry-relay/protocol"
	"busy-cloud/telemetry-relay/subscription"
	"busy-cloud/telemetry-relay/types"
)

// op 运行期的订阅变更，由中继协程应用
type op struct {
	pattern string
	want    bool
}

// Relay 遥测订阅中继
type Relay struct {
	endpoint types.Endpoint
	cfg      config.Config
	sink     bridge.EventSink
	dialer   network.Dialer
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	bridge  *bridge.Bridge
	table   *subscription.Table
	manager *network.Manager
	backoff *network.Backoff

	opsMu  sync.Mutex
	ops    []op
	notify chan struct{}

	running sync.Once
}

// New 创建中继；配置或端点无效时返回错误，不会启动任何协程
func New(sink bridge.EventSink, endpoint types.Endpoint, cfg config.Config, opts ...Option) (*Relay, error) {
	r := &Relay{
		endpoint: endpoint,
		cfg:      cfg,
		sink:     sink,
		notify:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := endpoint.Validate(); err != nil {
		return nil, err
	}
	if err := r.cfg.Validate(); err != nil {
		return nil, err
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	if r.dialer == nil {
		r.dialer = r.cfg.Dialer()
	}

	r.logger = r.logger.With("endpoint", endpoint.String())
	r.bridge = bridge.New(sink, r.cfg.EventQueueSize, r.metrics, r.logger)
	r.table = subscription.NewTable(r.clock, r.logger)
	r.backoff = network.NewBackoff(r.cfg.Backoff)
	r.manager = network.NewManager(endpoint, r.dialer, r.cfg.ManagerConfig(), r.clock, r.logger)
	r.manager.OnStateChange(r.stateChanged)

	for _, pattern := range r.cfg.Topics {
		if _, err := r.table.Want(pattern); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Want 运行期增加订阅，可在任意协程调用
func (r *Relay) Want(pattern string) error {
	if err := subscription.ValidatePattern(pattern); err != nil {
		return err
	}
	r.enqueue(op{pattern: pattern, want: true})
	return nil
}

// Unwant 运行期取消订阅，可在任意协程调用
func (r *Relay) Unwant(pattern string) {
	r.enqueue(op{pattern: pattern})
}

func (r *Relay) enqueue(o op) {
	r.opsMu.Lock()
	r.ops = append(r.ops, o)
	r.opsMu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// State 当前连接状态
func (r *Relay) State() network.State {
	return r.manager.State()
}

// Dropped 事件桥丢弃的事件数
func (r *Relay) Dropped() uint64 {
	return r.bridge.Dropped()
}

// Run 运行中继直到 ctx 取消，取消后返回 nil；只能调用一次
func (r *Relay) Run(ctx context.Context) error {
	started := false
	r.running.Do(func() { started = true })
	if !started {
		return errors.New("relay already running")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.bridge.Run(gctx)
	})
	g.Go(func() error {
		return r.loop(gctx)
	})
	return g.Wait()
}

// loop 监督循环：会话结束后退避重连，重连次数不设上限
func (r *Relay) loop(ctx context.Context) error {
	for {
		err := r.session(ctx)
		if ctx.Err() != nil {
			r.logger.Info("Telemetry relay stopped")
			return nil
		}

		delay := r.backoff.Next()
		r.metrics.Reconnect()
		r.logger.Warn("Telemetry session ended, reconnecting",
			"error", err,
			"attempt", r.backoff.Attempt(),
			"delay", delay)

		if !r.sleep(ctx, delay) {
			r.logger.Info("Telemetry relay stopped")
			return nil
		}
	}
}

// sleep 等待退避时间，期间的订阅变更只更新本地订阅表
func (r *Relay) sleep(ctx context.Context, delay time.Duration) bool {
	timer := r.clock.Timer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-r.notify:
			_ = r.applyOps(false)
		}
	}
}

// session 一次完整的连接生命周期，返回导致结束的错误
func (r *Relay) session(ctx context.Context) error {
	if err := r.manager.Connect(ctx); err != nil {
		return err
	}
	r.backoff.Reset()

	// 重放前先合并待处理的变更，重放内容即为当前订阅集合
	_ = r.applyOps(false)
	if patterns := r.table.Replay(); len(patterns) > 0 {
		if err := r.manager.Send(&protocol.SubscribePacket{Patterns: patterns}); err != nil {
			r.manager.Fail(err)
			return err
		}
		r.logger.Debug("Subscriptions replayed",
			"patterns", patterns,
			"session_id", r.manager.SessionID())
	}

	// 与握手应答同批到达的报文
	if err := r.process(ctx, r.manager.Decode(nil)); err != nil {
		return r.fail(ctx, err)
	}

	ticker := r.clock.Ticker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return r.fail(ctx, ctx.Err())
		case chunk, ok := <-r.manager.Chunks():
			if !ok {
				err := r.manager.ReadError()
				r.manager.Fail(err)
				return err
			}
			if err := r.process(ctx, r.manager.Decode(chunk)); err != nil {
				return r.fail(ctx, err)
			}
		case <-ticker.C:
			if err := r.manager.Heartbeat(); err != nil {
				r.manager.Fail(err)
				return err
			}
		case <-r.notify:
			if err := r.applyOps(true); err != nil {
				r.manager.Fail(err)
				return err
			}
		}
	}
}

// fail 结束会话；ctx 已取消时走 Draining 关闭
func (r *Relay) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if derr := r.manager.Drain(); derr != nil {
			r.logger.Debug("Close on shutdown", "error", derr)
		}
		return ctx.Err()
	}

	if types.IsProtocol(err) {
		r.metrics.FrameRejected(rejectReason(err))
		r.logger.Error("Protocol error, dropping connection",
			"error", err,
			"session_id", r.manager.SessionID())
	}
	r.manager.Fail(err)
	return err
}

// process 按线上顺序应用报文；每帧之前检查取消
func (r *Relay) process(ctx context.Context, packets iter.Seq[protocol.Packet]) error {
	for p := range packets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.handle(p); err != nil {
			return err
		}
	}
	return nil
}

func (r *Relay) handle(packet protocol.Packet) error {
	r.metrics.FrameDecoded(packet.Type().String())

	switch p := packet.(type) {
	case *protocol.HeartbeatPacket:
		// 心跳回显，只用于刷新空闲计时
		return nil
	case *protocol.ErrorPacket:
		return protocol.AsProtocolError(p)
	}

	ev, err := r.table.Apply(packet)
	if err != nil {
		return err
	}
	if ev != nil {
		r.logger.Debug("Topic changed",
			"topic", ev.Name,
			"version", ev.Version,
			"removed", ev.Removed)
		r.bridge.Deliver(*ev)
	}
	return nil
}

// applyOps 应用排队的订阅变更；send 为 true 时同步发送给服务端
//
// 发送失败后剩余的变更仍写入订阅表，由下次重放带上。
func (r *Relay) applyOps(send bool) error {
	r.opsMu.Lock()
	ops := r.ops
	r.ops = nil
	r.opsMu.Unlock()

	var sendErr error
	for _, o := range ops {
		var p protocol.Packet
		if o.want {
			added, err := r.table.Want(o.pattern)
			if err != nil {
				r.logger.Warn("Rejected topic pattern", "pattern", o.pattern, "error", err)
				continue
			}
			if added {
				p = &protocol.SubscribePacket{Patterns: []string{o.pattern}}
			}
		} else {
			if r.table.IsWanted(o.pattern) {
				p = &protocol.UnsubscribePacket{Patterns: []string{o.pattern}}
			}
		}

		// 先通知服务端，再交付本地的删除事件
		if p != nil && send && sendErr == nil {
			sendErr = r.manager.Send(p)
		}
		if !o.want {
			for _, ev := range r.table.Unwant(o.pattern) {
				r.bridge.Deliver(ev)
			}
		}
	}
	return sendErr
}

// stateChanged 状态迁移通知宿主；在中继协程中调用
func (r *Relay) stateChanged(from, to network.State, cause error) {
	r.metrics.SetState(int(to))

	ev := types.StatusEvent{State: to.String(), Attempt: r.backoff.Attempt()}
	if cause != nil {
		ev.Error = cause.Error()
	}
	r.bridge.DeliverStatus(ev)

	r.logger.Debug("Connection state changed",
		"from", from.String(),
		"to", to.String(),
		"cause", cause)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, types.ErrTypeMismatch):
		return "type_mismatch"
	case errors.Is(err, types.ErrMalformedFrame):
		return "malformed"
	case errors.Is(err, types.ErrUnexpectedFrame):
		return "unexpected"
	case errors.Is(err, types.ErrRemoteError):
		return "remote_error"
	default:
		return "other"
	}
}

// SubscribeTopics 宿主启动时调用一次的入口，阻塞直到 ctx 取消
//
// 端点或配置无效属于致命配置错误：以状态事件通知宿主一次并返回。
func SubscribeTopics(ctx context.Context, host bridge.EventSink, ip [4]byte, port uint16, opts ...Option) error {
	endpoint := types.NewEndpoint(ip, port)

	r, err := New(host, endpoint, config.Default(), opts...)
	if err != nil {
		if emitErr := host.Emit(bridge.StatusEvent, types.StatusEvent{State: "failed", Error: err.Error()}); emitErr != nil {
			slog.Default().Warn("Host event sink failed", "event", bridge.StatusEvent, "error", emitErr)
		}
		return fmt.Errorf("telemetry relay for %s: %w", endpoint, err)
	}
	return r.Run(ctx)
}
