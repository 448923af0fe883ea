package network

import (
	"context"
	"errors"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busy-cloud/telemetry-relay/protocol"
	"busy-cloud/telemetry-relay/types"
)

type dialFunc func(ctx context.Context, endpoint types.Endpoint) (types.Conn, error)

func (f dialFunc) Dial(ctx context.Context, endpoint types.Endpoint) (types.Conn, error) {
	return f(ctx, endpoint)
}

// pipeServer 在 net.Pipe 另一端运行的假服务端
type pipeServer struct {
	conn    net.Conn
	decoder *protocol.Decoder
	buf     []byte
}

func (s *pipeServer) next(t *testing.T) protocol.Packet {
	t.Helper()
	for {
		for p := range s.decoder.Decode(nil) {
			return p
		}
		n, err := s.conn.Read(s.buf)
		if err != nil {
			t.Errorf("server read: %v", err)
			return nil
		}
		s.decoder.Decode(s.buf[:n])
	}
}

func (s *pipeServer) send(t *testing.T, packets ...protocol.Packet) {
	t.Helper()
	var out []byte
	for _, p := range packets {
		out = append(out, protocol.MustEncode(p)...)
	}
	if _, err := s.conn.Write(out); err != nil {
		t.Errorf("server write: %v", err)
	}
}

func newPipeManager(t *testing.T, config Config, clk clock.Clock, serve func(s *pipeServer)) *Manager {
	t.Helper()

	var wg sync.WaitGroup
	t.Cleanup(wg.Wait)

	dialer := dialFunc(func(ctx context.Context, endpoint types.Endpoint) (types.Conn, error) {
		client, server := net.Pipe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer server.Close()
			serve(&pipeServer{conn: server, decoder: protocol.NewDecoder(), buf: make([]byte, 1024)})
		}()
		return NewTCPConn(client), nil
	})

	endpoint := types.NewEndpoint([4]byte{127, 0, 0, 1}, 5810)
	return NewManager(endpoint, dialer, config, clk, nil)
}

func ack() *protocol.HandshakeAckPacket {
	return &protocol.HandshakeAckPacket{ProtocolVersion: protocol.ProtocolVersion, ServerName: "pipe"}
}

func TestManagerConnectHandshake(t *testing.T) {
	release := make(chan struct{})
	var hello *protocol.HelloPacket

	m := newPipeManager(t, Config{ClientName: "relay-test"}, nil, func(s *pipeServer) {
		hello, _ = s.next(t).(*protocol.HelloPacket)
		// ack 与第一帧数据在同一次写入中到达
		s.send(t, ack(), &protocol.TopicUpdatePacket{Name: "robot/battery", Version: 1, Value: types.FloatValue(12.1)})
		<-release
	})

	var transitions []State
	m.OnStateChange(func(from, to State, cause error) {
		transitions = append(transitions, to)
	})

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, Subscribed, m.State())
	assert.Equal(t, []State{Connecting, Handshaking, Subscribed}, transitions)
	require.NotNil(t, hello)
	assert.Equal(t, "relay-test", hello.ClientName)
	assert.NotEmpty(t, m.SessionID())

	buffered := slices.Collect(m.Decode(nil))
	require.Len(t, buffered, 1)
	assert.Equal(t, "robot/battery", buffered[0].(*protocol.TopicUpdatePacket).Name)

	close(release)
	require.NoError(t, m.Drain())
	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, []State{Connecting, Handshaking, Subscribed, Draining, Disconnected}, transitions)
}

func TestManagerHandshakeTimeout(t *testing.T) {
	release := make(chan struct{})
	m := newPipeManager(t, Config{HandshakeTimeout: 50 * time.Millisecond}, nil, func(s *pipeServer) {
		s.next(t)
		<-release
	})
	defer close(release)

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.True(t, types.IsTransient(err))
	assert.Equal(t, Disconnected, m.State())
}

func TestManagerUnexpectedFrameBeforeAck(t *testing.T) {
	m := newPipeManager(t, Config{}, nil, func(s *pipeServer) {
		s.next(t)
		s.send(t, &protocol.TopicUpdatePacket{Name: "x", Version: 1, Value: types.IntValue(1)})
	})

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsProtocol(err))
	assert.ErrorIs(t, err, types.ErrUnexpectedFrame)
	assert.Equal(t, Disconnected, m.State())
}

func TestManagerRemoteErrorDuringHandshake(t *testing.T) {
	m := newPipeManager(t, Config{}, nil, func(s *pipeServer) {
		s.next(t)
		s.send(t, &protocol.ErrorPacket{Code: protocol.CodeServerError, Message: "busy"})
	})

	err := m.Connect(context.Background())
	assert.ErrorIs(t, err, types.ErrRemoteError)
}

func TestManagerServerClosesDuringHandshake(t *testing.T) {
	m := newPipeManager(t, Config{}, nil, func(s *pipeServer) {
		s.next(t)
	})

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsTransient(err))
}

func TestManagerDialFailure(t *testing.T) {
	boom := errors.New("connection refused")
	m := NewManager(types.NewEndpoint([4]byte{127, 0, 0, 1}, 1), dialFunc(func(context.Context, types.Endpoint) (types.Conn, error) {
		return nil, boom
	}), Config{}, nil, nil)

	err := m.Connect(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.True(t, types.IsTransient(err))
	assert.Equal(t, Disconnected, m.State())

	err = m.Send(&protocol.HeartbeatPacket{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestManagerCancelDuringHandshake(t *testing.T) {
	release := make(chan struct{})
	m := newPipeManager(t, Config{}, nil, func(s *pipeServer) {
		s.next(t)
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	err := m.Connect(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Disconnected, m.State())
}

func TestManagerHeartbeatAndIdle(t *testing.T) {
	clk := clock.NewMock()
	heartbeats := make(chan struct{}, 4)
	release := make(chan struct{})

	m := newPipeManager(t, Config{IdleTimeout: 3 * time.Second}, clk, func(s *pipeServer) {
		s.next(t)
		s.send(t, ack())
		if _, ok := s.next(t).(*protocol.HeartbeatPacket); ok {
			heartbeats <- struct{}{}
		}
		<-release
	})
	defer close(release)

	require.NoError(t, m.Connect(context.Background()))

	clk.Add(time.Second)
	require.NoError(t, m.Heartbeat())
	select {
	case <-heartbeats:
	case <-time.After(time.Second):
		t.Fatal("heartbeat not received by server")
	}

	clk.Add(3 * time.Second)
	err := m.Heartbeat()
	require.ErrorIs(t, err, ErrIdleTimeout)
	assert.True(t, types.IsTransient(err))

	m.Fail(err)
	assert.Equal(t, Disconnected, m.State())
}

func TestManagerChunksCloseOnEOF(t *testing.T) {
	m := newPipeManager(t, Config{}, nil, func(s *pipeServer) {
		s.next(t)
		s.send(t, ack())
	})

	require.NoError(t, m.Connect(context.Background()))

	select {
	case _, ok := <-m.Chunks():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("chunks not closed after server EOF")
	}
	assert.True(t, types.IsTransient(m.ReadError()))
	m.Fail(m.ReadError())
}
