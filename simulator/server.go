// Package simulator 提供一个遥测服务端，用于集成测试和 telemsim 工具。
//
// 服务端维护带版本的主题表，按客户端订阅推送变更，回应心跳。
// 同一个 Server 可以同时挂在标准TCP、gnet 和 WebSocket 三种传输上。
package simulator

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"busy-cloud/telemetry-relay/protocol"
	"busy-cloud/telemetry-relay/subscription"
	"busy-cloud/telemetry-relay/types"
)

const sendQueueSize = 256

type topicState struct {
	value   types.Value
	version uint64
}

// session 单个客户端连接
type session struct {
	conn     types.Conn
	connType string
	decoder  *protocol.Decoder
	patterns []string
	sendChan chan []byte
	done     chan struct{}
	once     sync.Once
}

func (s *session) matches(name string) bool {
	for _, p := range s.patterns {
		if subscription.Match(p, name) {
			return true
		}
	}
	return false
}

func (s *session) close() {
	s.once.Do(func() { close(s.done) })
}

// Server 遥测服务端
type Server struct {
	name     string
	mu       sync.Mutex
	topics   map[string]*topicState
	sessions map[types.Conn]*session

	subscribes  [][]string
	withholdAck atomic.Bool
	logger      *slog.Logger
}

// NewServer 创建服务端
func NewServer(name string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		name:     name,
		topics:   make(map[string]*topicState),
		sessions: make(map[types.Conn]*session),
		logger:   logger,
	}
}

// OnOpen 注册新连接并启动发送协程
func (s *Server) OnOpen(conn types.Conn, connType string) {
	sess := &session{
		conn:     conn,
		connType: connType,
		decoder:  protocol.NewDecoder(),
		sendChan: make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	s.sessions[conn] = sess
	s.mu.Unlock()

	go s.sendLoop(sess)

	s.logger.Info("New client connected",
		"remote_addr", conn.RemoteAddr().String(),
		"conn_type", connType)
}

// OnClose 移除连接
func (s *Server) OnClose(conn types.Conn, err error) {
	s.mu.Lock()
	sess, ok := s.sessions[conn]
	delete(s.sessions, conn)
	s.mu.Unlock()

	if !ok {
		return
	}
	sess.close()
	s.logger.Info("Client disconnected",
		"remote_addr", conn.RemoteAddr().String(),
		"error", err)
}

// OnMessage 按连接解码字节流，一个字节块可能含多个或半个报文
func (s *Server) OnMessage(conn types.Conn, data []byte) {
	s.mu.Lock()
	sess, ok := s.sessions[conn]
	s.mu.Unlock()
	if !ok {
		return
	}

	for p := range sess.decoder.Decode(data) {
		if !s.handlePacket(sess, p) {
			conn.Close()
			return
		}
	}
}

// sendLoop 发送循环
func (s *Server) sendLoop(sess *session) {
	for {
		select {
		case <-sess.done:
			return
		case data := <-sess.sendChan:
			if _, err := sess.conn.Write(data); err != nil {
				s.logger.Error("Failed to send data to client",
					"error", err,
					"remote_addr", sess.conn.RemoteAddr().String())
				return
			}
		}
	}
}

// send 非阻塞入队；发送队列满时丢弃
func (s *Server) send(sess *session, p protocol.Packet) {
	data, err := protocol.Encode(p)
	if err != nil {
		s.logger.Error("Failed to encode packet", "type", p.Type().String(), "error", err)
		return
	}
	s.sendBytes(sess, data)
}

func (s *Server) sendBytes(sess *session, data []byte) {
	select {
	case <-sess.done:
	case sess.sendChan <- data:
	default:
		s.logger.Warn("Send channel full, dropping packet",
			"remote_addr", sess.conn.RemoteAddr().String())
	}
}

// reject 在关闭连接前同步写出最后一个错误报文
func (s *Server) reject(sess *session, p *protocol.ErrorPacket) {
	data, err := protocol.Encode(p)
	if err == nil {
		_, err = sess.conn.Write(data)
	}
	if err != nil {
		s.logger.Debug("Failed to send error packet", "error", err)
	}
}

// handlePacket 处理一个报文，返回 false 时关闭连接
func (s *Server) handlePacket(sess *session, packet protocol.Packet) bool {
	switch p := packet.(type) {
	case *protocol.HelloPacket:
		s.logger.Debug("Client hello",
			"client_name", p.ClientName,
			"protocol_version", p.ProtocolVersion)
		if !s.withholdAck.Load() {
			s.send(sess, &protocol.HandshakeAckPacket{ProtocolVersion: protocol.ProtocolVersion, ServerName: s.name})
		}
	case *protocol.SubscribePacket:
		s.handleSubscribe(sess, p)
	case *protocol.UnsubscribePacket:
		s.mu.Lock()
		sess.patterns = slices.DeleteFunc(sess.patterns, func(pattern string) bool {
			return slices.Contains(p.Patterns, pattern)
		})
		s.mu.Unlock()
	case *protocol.HeartbeatPacket:
		s.send(sess, &protocol.HeartbeatPacket{})
	case *protocol.ErrorPacket:
		if p.Local {
			s.logger.Warn("Malformed frame from client", "error", p.Message)
			s.reject(sess, &protocol.ErrorPacket{Code: protocol.CodeMalformedFrame, Message: p.Message})
			return false
		}
		s.logger.Warn("Client reported error", "code", p.Code, "message", p.Message)
	default:
		s.reject(sess, &protocol.ErrorPacket{Code: protocol.CodeUnknownType, Message: "unexpected " + p.Type().String()})
		return false
	}
	return true
}

// handleSubscribe 记录订阅并推送匹配主题的当前值
func (s *Server) handleSubscribe(sess *session, p *protocol.SubscribePacket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribes = append(s.subscribes, slices.Clone(p.Patterns))
	for _, pattern := range p.Patterns {
		if !slices.Contains(sess.patterns, pattern) {
			sess.patterns = append(sess.patterns, pattern)
		}
	}

	for _, name := range slices.Sorted(maps.Keys(s.topics)) {
		if !slices.ContainsFunc(p.Patterns, func(pattern string) bool { return subscription.Match(pattern, name) }) {
			continue
		}
		t := s.topics[name]
		s.send(sess, &protocol.TopicUpdatePacket{Name: name, Version: t.version, Value: t.value})
	}

	s.logger.Debug("Client subscribed",
		"remote_addr", sess.conn.RemoteAddr().String(),
		"patterns", p.Patterns)
}

// Publish 更新主题并推送给订阅者，返回新版本号
func (s *Server) Publish(name string, value types.Value) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.topics[name]
	if !ok {
		t = &topicState{}
		s.topics[name] = t
	}
	t.version++
	t.value = value.Clone()
	s.broadcast(name, &protocol.TopicUpdatePacket{Name: name, Version: t.version, Value: t.value})
	return t.version
}

// PublishVersion 以指定版本号推送，不检查版本；用于构造重复或回退的更新
func (s *Server) PublishVersion(name string, value types.Value, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.topics[name]
	if !ok {
		t = &topicState{}
		s.topics[name] = t
	}
	t.version = version
	t.value = value.Clone()
	s.broadcast(name, &protocol.TopicUpdatePacket{Name: name, Version: version, Value: t.value})
}

// Remove 删除主题并通知订阅者
func (s *Server) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.topics[name]; !ok {
		return false
	}
	delete(s.topics, name)
	s.broadcast(name, &protocol.TopicRemovedPacket{Name: name})
	return true
}

// Inject 向所有连接发送任意报文，不经过主题表
func (s *Server) Inject(p protocol.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		s.send(sess, p)
	}
}

// InjectRaw 向所有连接发送原始字节
func (s *Server) InjectRaw(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		s.sendBytes(sess, slices.Clone(data))
	}
}

func (s *Server) broadcast(name string, p protocol.Packet) {
	for _, sess := range s.sessions {
		if sess.matches(name) {
			s.send(sess, p)
		}
	}
}

// DisconnectAll 关闭所有客户端连接
func (s *Server) DisconnectAll() int {
	s.mu.Lock()
	conns := slices.Collect(maps.Keys(s.sessions))
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	return len(conns)
}

// SetWithholdAck 为 true 时不回应 Hello，用于握手超时
func (s *Server) SetWithholdAck(withhold bool) {
	s.withholdAck.Store(withhold)
}

// Sessions 当前连接数
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Subscribes 按到达顺序返回收到的每个 Subscribe 报文的过滤器
func (s *Server) Subscribes() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.subscribes))
	for i, p := range s.subscribes {
		out[i] = slices.Clone(p)
	}
	return out
}

// Patterns 所有连接当前订阅的过滤器，去重排序
func (s *Server) Patterns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, sess := range s.sessions {
		out = append(out, sess.patterns...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Version 主题当前版本，主题不存在时为 0
func (s *Server) Version(name string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.topics[name]; ok {
		return t.version
	}
	return 0
}
