package relay

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busy-cloud/telemetry-relay/bridge"
	"busy-cloud/telemetry-relay/config"
	"busy-cloud/telemetry-relay/metrics"
	"busy-cloud/telemetry-relay/network"
	"busy-cloud/telemetry-relay/protocol"
	"busy-cloud/telemetry-relay/simulator"
	"busy-cloud/telemetry-relay/subscription"
	"busy-cloud/telemetry-relay/types"
)

// hostSink 记录宿主收到的事件
type hostSink struct {
	mu       sync.Mutex
	topics   []types.TopicChangeEvent
	statuses []types.StatusEvent
	topicCh  chan types.TopicChangeEvent
}

func newHostSink() *hostSink {
	return &hostSink{topicCh: make(chan types.TopicChangeEvent, 256)}
}

func (h *hostSink) Emit(event string, payload any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch ev := payload.(type) {
	case types.TopicChangeEvent:
		if event != bridge.TopicEvent {
			panic("topic change on wrong event name " + event)
		}
		h.topics = append(h.topics, ev)
		h.topicCh <- ev
	case types.StatusEvent:
		h.statuses = append(h.statuses, ev)
	}
	return nil
}

func (h *hostSink) next(t *testing.T) types.TopicChangeEvent {
	t.Helper()
	select {
	case ev := <-h.topicCh:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for topic event")
		return types.TopicChangeEvent{}
	}
}

func (h *hostSink) topicCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics)
}

func (h *hostSink) sawStatus(state string, withError bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.statuses {
		if s.State == state && (!withError || s.Error != "") {
			return true
		}
	}
	return false
}

func testConfig(topics ...string) config.Config {
	cfg := config.Default()
	cfg.Topics = topics
	cfg.DialTimeout = time.Second
	cfg.HandshakeTimeout = 200 * time.Millisecond
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.IdleTimeout = time.Second
	cfg.Backoff = network.BackoffConfig{Base: 10 * time.Millisecond, Max: 100 * time.Millisecond, Multiplier: 2}
	return cfg
}

type harness struct {
	srv     *simulator.Server
	sink    *hostSink
	relay   *Relay
	metrics *metrics.Metrics
	cancel  context.CancelFunc
	done    chan error
}

func startHarness(t *testing.T, srv *simulator.Server, cfg config.Config) *harness {
	t.Helper()

	tcp := simulator.NewTCPServer("127.0.0.1:0", srv, 8, nil)
	require.NoError(t, tcp.Start(context.Background()))
	t.Cleanup(func() { _ = tcp.Stop() })

	endpoint, err := simulator.EndpointOf(tcp.Addr())
	require.NoError(t, err)

	h := &harness{
		srv:     srv,
		sink:    newHostSink(),
		metrics: metrics.New(prometheus.NewRegistry()),
		done:    make(chan error, 1),
	}
	h.relay, err = New(h.sink, endpoint, cfg, WithMetrics(h.metrics))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.relay.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
	}
}

func (h *harness) waitSubscribes(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.srv.Subscribes()) >= n }, 3*time.Second, 5*time.Millisecond)
}

func (h *harness) waitState(t *testing.T, state network.State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.relay.State() == state }, 3*time.Second, 5*time.Millisecond)
}

func TestRelayBatteryScenario(t *testing.T) {
	srv := simulator.NewServer("sim", nil)
	srv.Publish("robot/battery", types.FloatValue(12.1))

	h := startHarness(t, srv, testConfig("robot/battery"))

	ev := h.sink.next(t)
	assert.Equal(t, "robot/battery", ev.Name)
	assert.Equal(t, uint64(1), ev.Version)
	assert.Equal(t, 12.1, ev.Value.Float())
	assert.Equal(t, "float", ev.Type)

	srv.Publish("robot/battery", types.FloatValue(12.0))
	ev = h.sink.next(t)
	assert.Equal(t, uint64(2), ev.Version)
	assert.Equal(t, 12.0, ev.Value.Float())

	// 断线后服务端重发当前值，旧版本和重复版本都不产生事件
	srv.DisconnectAll()
	h.waitSubscribes(t, 2)
	srv.PublishVersion("robot/battery", types.FloatValue(11.0), 1)
	srv.PublishVersion("robot/battery", types.FloatValue(12.2), 3)

	ev = h.sink.next(t)
	assert.Equal(t, uint64(3), ev.Version)
	assert.Equal(t, 12.2, ev.Value.Float())
	assert.Equal(t, 3, h.sink.topicCount())
}

func TestRelayReplaysWantSetOncePerReconnect(t *testing.T) {
	srv := simulator.NewServer("sim", nil)
	h := startHarness(t, srv, testConfig("robot/#", "field/time"))

	h.waitSubscribes(t, 1)
	h.waitState(t, network.Subscribed)

	for i := 2; i <= 3; i++ {
		srv.DisconnectAll()
		h.waitSubscribes(t, i)
	}

	// 往返一次确认没有多余的重放
	srv.Publish("field/time", types.IntValue(90))
	h.sink.next(t)

	subs := srv.Subscribes()
	require.Len(t, subs, 3)
	for _, s := range subs {
		assert.Equal(t, []string{"robot/#", "field/time"}, s)
	}
	assert.GreaterOrEqual(t, testutil.ToFloat64(h.metrics.Reconnects), 2.0)
}

func TestRelayDeliversVersionsFromOutage(t *testing.T) {
	srv := simulator.NewServer("sim", nil)
	srv.Publish("robot/battery", types.FloatValue(12.1))
	h := startHarness(t, srv, testConfig("robot/#"))

	assert.Equal(t, uint64(1), h.sink.next(t).Version)

	// 服务端不回应答，中继握手超时并持续重连
	srv.SetWithholdAck(true)
	srv.DisconnectAll()
	require.Eventually(t, func() bool { return h.sink.sawStatus("disconnected", true) }, 3*time.Second, 5*time.Millisecond)

	srv.Publish("robot/battery", types.FloatValue(11.9))
	srv.Publish("robot/battery", types.FloatValue(11.8))
	srv.Publish("robot/arm", types.BoolValue(true))
	srv.SetWithholdAck(false)

	got := map[string]types.TopicChangeEvent{}
	for len(got) < 2 || got["robot/battery"].Version < 3 {
		ev := h.sink.next(t)
		got[ev.Name] = ev
	}
	assert.Equal(t, 11.8, got["robot/battery"].Value.Float())
	assert.True(t, got["robot/arm"].Value.Bool())
}

func TestRelayTypeMismatchReconnects(t *testing.T) {
	srv := simulator.NewServer("sim", nil)
	srv.Publish("robot/battery", types.FloatValue(12.1))
	h := startHarness(t, srv, testConfig("robot/battery"))

	assert.Equal(t, uint64(1), h.sink.next(t).Version)
	h.waitState(t, network.Subscribed)

	srv.Inject(&protocol.TopicUpdatePacket{Name: "robot/battery", Version: 9, Value: types.StringValue("low")})
	h.waitSubscribes(t, 2)

	srv.Publish("robot/battery", types.FloatValue(12.3))
	ev := h.sink.next(t)
	assert.Equal(t, uint64(2), ev.Version)
	assert.Equal(t, 12.3, ev.Value.Float())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.FramesRejected.WithLabelValues("type_mismatch")))
}

func TestRelayRemoteErrorAndMalformedFrameReconnect(t *testing.T) {
	srv := simulator.NewServer("sim", nil)
	h := startHarness(t, srv, testConfig("#"))
	h.waitSubscribes(t, 1)
	h.waitState(t, network.Subscribed)

	srv.Inject(&protocol.ErrorPacket{Code: protocol.CodeServerError, Message: "restarting"})
	h.waitSubscribes(t, 2)
	h.waitState(t, network.Subscribed)

	srv.InjectRaw([]byte{0x7E, 0x00})
	h.waitSubscribes(t, 3)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.FramesRejected.WithLabelValues("remote_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.FramesRejected.WithLabelValues("malformed")))
}

func TestRelayTopicRemoved(t *testing.T) {
	srv := simulator.NewServer("sim", nil)
	srv.Publish("robot/mode", types.StringValue("auto"))
	h := startHarness(t, srv, testConfig("robot/#"))

	assert.Equal(t, "auto", h.sink.next(t).Value.Str())

	srv.Remove("robot/mode")
	ev := h.sink.next(t)
	assert.True(t, ev.Removed)
	assert.Equal(t, "robot/mode", ev.Name)
}

func TestRelayWantAndUnwantAtRuntime(t *testing.T) {
	srv := simulator.NewServer("sim", nil)
	srv.Publish("field/time", types.IntValue(135))
	h := startHarness(t, srv, testConfig("robot/battery"))
	h.waitState(t, network.Subscribed)

	require.ErrorContains(t, h.relay.Want("field/#/x"), "invalid topic pattern")

	require.NoError(t, h.relay.Want("field/+"))
	ev := h.sink.next(t)
	assert.Equal(t, "field/time", ev.Name)
	assert.Equal(t, int64(135), ev.Value.Int())

	h.relay.Unwant("field/+")
	ev = h.sink.next(t)
	assert.True(t, ev.Removed)
	assert.Equal(t, "field/time", ev.Name)
	require.Eventually(t, func() bool {
		return slices.Equal(srv.Patterns(), []string{"robot/battery"})
	}, 2*time.Second, 5*time.Millisecond)

	// 取消订阅后服务端不再推送
	srv.Publish("field/time", types.IntValue(134))
	srv.Publish("robot/battery", types.FloatValue(12.0))
	ev = h.sink.next(t)
	assert.Equal(t, "robot/battery", ev.Name)

	subs := srv.Subscribes()
	require.GreaterOrEqual(t, len(subs), 2)
	assert.Equal(t, []string{"field/+"}, subs[1])
}

func TestRelayCancelReturnsPromptly(t *testing.T) {
	srv := simulator.NewServer("sim", nil)
	h := startHarness(t, srv, testConfig("#"))
	h.waitState(t, network.Subscribed)

	start := time.Now()
	h.cancel()
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop after cancellation")
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, network.Disconnected, h.relay.State())
	require.Eventually(t, func() bool { return srv.Sessions() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestRelayCancelDuringBackoff(t *testing.T) {
	sink := newHostSink()
	cfg := testConfig("#")
	cfg.Backoff = network.BackoffConfig{Base: time.Hour, Max: time.Hour, Multiplier: 2}

	// 没有服务端监听的端口
	r, err := New(sink, types.NewEndpoint([4]byte{127, 0, 0, 1}, 1), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return sink.sawStatus("disconnected", true) }, 3*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop during backoff")
	}
}

func TestRelayRunOnlyOnce(t *testing.T) {
	r, err := New(newHostSink(), types.NewEndpoint([4]byte{127, 0, 0, 1}, 1), testConfig("#"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))
	assert.Error(t, r.Run(ctx))
}

func TestSubscribeTopicsOverWebSocket(t *testing.T) {
	srv := simulator.NewServer("sim", nil)
	srv.Publish("robot/battery", types.FloatValue(12.1))

	ws := simulator.NewWebSocketServer("127.0.0.1:0", "/telemetry", srv, nil)
	require.NoError(t, ws.Start(context.Background()))
	defer ws.Stop()

	endpoint, err := simulator.EndpointOf(ws.Addr())
	require.NoError(t, err)

	cfg := testConfig("robot/#")
	cfg.Transport = config.TransportWebSocket
	cfg.WebSocketPath = "/telemetry"

	sink := newHostSink()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- SubscribeTopics(ctx, sink, endpoint.Addr.As4(), endpoint.Port, WithConfig(cfg))
	}()

	ev := sink.next(t)
	assert.Equal(t, 12.1, ev.Value.Float())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("SubscribeTopics did not return after cancellation")
	}
}

func TestSubscribeTopicsRejectsInvalidEndpoint(t *testing.T) {
	sink := newHostSink()

	err := SubscribeTopics(context.Background(), sink, [4]byte{0, 0, 0, 0}, 5810)
	require.ErrorIs(t, err, types.ErrInvalidEndpoint)
	assert.True(t, sink.sawStatus("failed", true))

	err = SubscribeTopics(context.Background(), sink, [4]byte{10, 12, 80, 2}, 0)
	require.ErrorIs(t, err, types.ErrInvalidEndpoint)
}

func TestSubscribeTopicsRejectsInvalidTopics(t *testing.T) {
	err := SubscribeTopics(context.Background(), newHostSink(), [4]byte{10, 12, 80, 2}, 5810, WithTopics("a/#/b"))
	assert.ErrorIs(t, err, subscription.ErrInvalidPattern)

	err = SubscribeTopics(context.Background(), newHostSink(), [4]byte{10, 12, 80, 2}, 5810, WithTopics())
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
