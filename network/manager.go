package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"busy-cloud/telemetry-relay/protocol"
	"busy-cloud/telemetry-relay/types"
)

var (
	ErrHandshakeTimeout = errors.New("handshake timeout")
	ErrIdleTimeout      = errors.New("idle timeout")
	ErrNotConnected     = errors.New("not connected")
)

// Config 连接管理器配置
type Config struct {
	ClientName       string
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	ReadBufferSize   int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		ClientName:       "telemetry-relay",
		HandshakeTimeout: 5 * time.Second,
		IdleTimeout:      3 * time.Second,
		ReadBufferSize:   4096,
	}
}

// StateFunc 状态变更回调，cause 为导致迁移的错误（可能为 nil）
type StateFunc func(from, to State, cause error)

// Manager 连接管理器
//
// 独占物理连接与连接状态。除 State 外的方法都只能由中继协程调用；
// 读协程只负责把字节块按序转交，不做解码。
type Manager struct {
	endpoint types.Endpoint
	dialer   Dialer
	config   Config
	clock    clock.Clock
	logger   *slog.Logger
	onState  StateFunc

	mu    sync.RWMutex
	state State

	conn      types.Conn
	sessionID string
	decoder   *protocol.Decoder
	chunks    chan []byte
	stop      chan struct{}
	readErr   error
	lastRecv  time.Time
	wg        sync.WaitGroup
}

// NewManager 创建新的连接管理器
func NewManager(endpoint types.Endpoint, dialer Dialer, config Config, clk clock.Clock, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = def.HandshakeTimeout
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = def.ReadBufferSize
	}
	if config.ClientName == "" {
		config.ClientName = def.ClientName
	}
	if dialer == nil {
		dialer = &TCPDialer{}
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		endpoint: endpoint,
		dialer:   dialer,
		config:   config,
		clock:    clk,
		logger:   logger,
		decoder:  protocol.NewDecoder(),
		state:    Disconnected,
	}
}

// OnStateChange 设置状态回调，须在 Connect 前调用
func (m *Manager) OnStateChange(fn StateFunc) {
	m.onState = fn
}

// State 当前连接状态，可并发读取
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// SessionID 当前连接的会话ID，用于日志关联
func (m *Manager) SessionID() string {
	return m.sessionID
}

// Connect 拨号并完成握手，成功后处于 Subscribed 状态
func (m *Manager) Connect(ctx context.Context) error {
	if m.conn != nil {
		_ = m.teardown()
	}
	m.fire(TriggerDial, nil)
	m.sessionID = uuid.NewString()

	m.logger.Debug("Dialing telemetry server",
		"endpoint", m.endpoint.String(),
		"session_id", m.sessionID)

	conn, err := m.dialer.Dial(ctx, m.endpoint)
	if err != nil {
		nerr := &types.NetworkError{Op: "dial", Err: err}
		m.fire(TriggerFailure, nerr)
		return nerr
	}
	m.attach(conn)
	m.fire(TriggerEstablished, nil)

	if err := m.handshake(ctx); err != nil {
		if ctx.Err() != nil {
			_ = m.Drain()
			return ctx.Err()
		}
		m.Fail(err)
		return err
	}

	m.fire(TriggerAck, nil)
	m.logger.Info("Telemetry session established",
		"endpoint", m.endpoint.String(),
		"remote_addr", conn.RemoteAddr().String(),
		"session_id", m.sessionID)
	return nil
}

// attach 接管新连接并启动读协程
func (m *Manager) attach(conn types.Conn) {
	m.conn = conn
	m.decoder.Reset()
	m.readErr = nil
	m.lastRecv = m.clock.Now()
	m.chunks = make(chan []byte, 16)
	m.stop = make(chan struct{})

	m.wg.Add(1)
	go m.readLoop(conn, m.chunks, m.stop)
}

// readLoop 读取循环，只转交字节块
func (m *Manager) readLoop(conn types.Conn, chunks chan<- []byte, stop <-chan struct{}) {
	defer m.wg.Done()
	defer close(chunks)

	buffer := make([]byte, m.config.ReadBufferSize)
	for {
		n, err := conn.Read(buffer)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buffer[:n])
			select {
			case chunks <- data:
			case <-stop:
				return
			}
		}
		if err != nil {
			m.readErr = err
			return
		}
	}
}

func (m *Manager) handshake(ctx context.Context) error {
	hello := &protocol.HelloPacket{ProtocolVersion: protocol.ProtocolVersion, ClientName: m.config.ClientName}
	if err := m.Send(hello); err != nil {
		return err
	}

	timer := m.clock.Timer(m.config.HandshakeTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return &types.NetworkError{Op: "handshake", Err: ErrHandshakeTimeout}
		case chunk, ok := <-m.chunks:
			if !ok {
				return m.ReadError()
			}
			for p := range m.Decode(chunk) {
				switch p := p.(type) {
				case *protocol.HandshakeAckPacket:
					if p.ProtocolVersion != protocol.ProtocolVersion {
						m.logger.Warn("Server protocol version differs",
							"server_version", p.ProtocolVersion,
							"client_version", protocol.ProtocolVersion,
							"server_name", p.ServerName)
					}
					return nil
				case *protocol.HeartbeatPacket:
				case *protocol.ErrorPacket:
					return protocol.AsProtocolError(p)
				default:
					return &types.ProtocolError{Err: fmt.Errorf("%w: %s before handshake ack", types.ErrUnexpectedFrame, p.Type())}
				}
			}
		}
	}
}

// Chunks 入站字节块序列，连接关闭后通道关闭，不可重启
func (m *Manager) Chunks() <-chan []byte {
	return m.chunks
}

// ReadError 读协程退出的原因，Chunks 关闭后调用
func (m *Manager) ReadError() error {
	err := m.readErr
	if err == nil {
		err = io.EOF
	}
	return &types.NetworkError{Op: "read", Err: err}
}

// Decode 解码入站字节块并记录流量时间；Decode(nil) 取出缓冲区中剩余的完整报文
func (m *Manager) Decode(chunk []byte) iter.Seq[protocol.Packet] {
	if len(chunk) > 0 {
		m.lastRecv = m.clock.Now()
	}
	return m.decoder.Decode(chunk)
}

// Send 编码并发送一个报文
func (m *Manager) Send(p protocol.Packet) error {
	if m.conn == nil {
		return &types.NetworkError{Op: "send", Err: ErrNotConnected}
	}
	b, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	if _, err := m.conn.Write(b); err != nil {
		return &types.NetworkError{Op: "write", Err: err}
	}
	return nil
}

// Heartbeat 检查空闲窗口并发送心跳；超过空闲窗口没有任何入站流量视为死连接
func (m *Manager) Heartbeat() error {
	if idle := m.clock.Now().Sub(m.lastRecv); idle > m.config.IdleTimeout {
		return &types.NetworkError{Op: "read", Err: fmt.Errorf("%w: no traffic for %s", ErrIdleTimeout, idle)}
	}
	return m.Send(&protocol.HeartbeatPacket{})
}

// Fail 因错误拆除连接，进入 Disconnected
func (m *Manager) Fail(cause error) {
	if err := m.teardown(); err != nil {
		m.logger.Debug("Close after failure", "error", err, "session_id", m.sessionID)
	}
	m.fire(TriggerFailure, cause)
}

// Drain 宿主关闭：Draining -> 关闭套接字 -> Disconnected
func (m *Manager) Drain() error {
	m.fire(TriggerShutdown, nil)
	err := m.teardown()
	m.fire(TriggerClosed, nil)
	return err
}

// teardown 关闭套接字并等待读协程退出
func (m *Manager) teardown() error {
	if m.conn == nil {
		return nil
	}
	close(m.stop)
	err := m.conn.Close()
	m.wg.Wait()
	m.conn = nil
	return err
}

func (m *Manager) fire(t Trigger, cause error) {
	m.mu.Lock()
	from := m.state
	to, err := Transition(from, t)
	if err != nil {
		m.mu.Unlock()
		m.logger.Debug("Ignoring state trigger", "state", from.String(), "trigger", t.String())
		return
	}
	m.state = to
	m.mu.Unlock()

	if from != to && m.onState != nil {
		m.onState(from, to, cause)
	}
}
