package protocol

import (
	"encoding/binary"
	"fmt"

	"busy-cloud/telemetry-relay/types"
)

// PacketType 报文类型
type PacketType byte

// 控制报文（客户端发出）与数据报文（服务端发出）
const (
	HELLO        PacketType = 0x01
	SUBSCRIBE    PacketType = 0x02
	UNSUBSCRIBE  PacketType = 0x03
	HEARTBEAT    PacketType = 0x04
	HANDSHAKEACK PacketType = 0x10
	TOPICUPDATE  PacketType = 0x11
	TOPICREMOVED PacketType = 0x12
	ERROR        PacketType = 0x1F
)

// ProtocolVersion 当前协议版本
const ProtocolVersion uint16 = 1

// MaxFrameSize 单帧报文体上限（1MB）
const MaxFrameSize = 1 << 20

// 错误码，本地解码失败与服务端错误共用
const (
	CodeMalformedFrame uint16 = 1
	CodeUnknownType    uint16 = 2
	CodeFrameTooLarge  uint16 = 3
	CodeServerError    uint16 = 100
)

var packetNames = map[PacketType]string{
	HELLO:        "hello",
	SUBSCRIBE:    "subscribe",
	UNSUBSCRIBE:  "unsubscribe",
	HEARTBEAT:    "heartbeat",
	HANDSHAKEACK: "handshake_ack",
	TOPICUPDATE:  "topic_update",
	TOPICREMOVED: "topic_removed",
	ERROR:        "error",
}

func (t PacketType) String() string {
	if name, ok := packetNames[t]; ok {
		return name
	}
	return fmt.Sprintf("packet(0x%02x)", byte(t))
}

// Packet 线上的一个报文
type Packet interface {
	Type() PacketType
}

// HelloPacket 握手请求
type HelloPacket struct {
	ProtocolVersion uint16
	ClientName      string
}

// SubscribePacket 订阅请求
type SubscribePacket struct {
	Patterns []string
}

// UnsubscribePacket 取消订阅请求
type UnsubscribePacket struct {
	Patterns []string
}

// HeartbeatPacket 心跳，服务端原样回送
type HeartbeatPacket struct{}

// HandshakeAckPacket 握手确认
type HandshakeAckPacket struct {
	ProtocolVersion uint16
	ServerName      string
}

// TopicUpdatePacket 主题值更新
type TopicUpdatePacket struct {
	Name    string
	Version uint64
	Value   types.Value
}

// TopicRemovedPacket 主题被服务端删除
type TopicRemovedPacket struct {
	Name string
}

// ErrorPacket 错误报文；Local 为 true 表示由本地解码器产生
type ErrorPacket struct {
	Code    uint16
	Message string
	Local   bool
}

func (*HelloPacket) Type() PacketType        { return HELLO }
func (*SubscribePacket) Type() PacketType    { return SUBSCRIBE }
func (*UnsubscribePacket) Type() PacketType  { return UNSUBSCRIBE }
func (*HeartbeatPacket) Type() PacketType    { return HEARTBEAT }
func (*HandshakeAckPacket) Type() PacketType { return HANDSHAKEACK }
func (*TopicUpdatePacket) Type() PacketType  { return TOPICUPDATE }
func (*TopicRemovedPacket) Type() PacketType { return TOPICREMOVED }
func (*ErrorPacket) Type() PacketType        { return ERROR }

func (e *ErrorPacket) Error() string {
	return fmt.Sprintf("error packet: code=%d: %s", e.Code, e.Message)
}

// packetReader 辅助读取器，所有读取都带边界检查
type packetReader struct {
	buf []byte
	pos int
}

func (r *packetReader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *packetReader) readByte() (byte, error) {
	if r.remaining() < 1 {
		return 0, types.ErrMalformedFrame
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *packetReader) readBytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, types.ErrMalformedFrame
	}
	data := r.buf[r.pos : r.pos+n]
	r.pos += n
	return data, nil
}

func (r *packetReader) readUint16() (uint16, error) {
	b, err := r.readBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *packetReader) readUint32() (uint32, error) {
	b, err := r.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *packetReader) readUint64() (uint64, error) {
	b, err := r.readBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// readString 读取u16长度前缀的UTF-8字符串
func (r *packetReader) readString() (string, error) {
	length, err := r.readUint16()
	if err != nil {
		return "", err
	}
	b, err := r.readBytes(int(length))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// readPatterns 读取剩余部分的主题过滤器列表
func (r *packetReader) readPatterns() ([]string, error) {
	var patterns []string
	for r.remaining() > 0 {
		p, err := r.readString()
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}

// decodeBody 按报文类型解析报文体，body 为不含固定头的完整报文体
func decodeBody(packetType PacketType, body []byte) (Packet, error) {
	r := &packetReader{buf: body}

	var (
		p   Packet
		err error
	)
	switch packetType {
	case HELLO:
		p, err = decodeHello(r)
	case SUBSCRIBE:
		var patterns []string
		patterns, err = r.readPatterns()
		p = &SubscribePacket{Patterns: patterns}
	case UNSUBSCRIBE:
		var patterns []string
		patterns, err = r.readPatterns()
		p = &UnsubscribePacket{Patterns: patterns}
	case HEARTBEAT:
		p = &HeartbeatPacket{}
	case HANDSHAKEACK:
		p, err = decodeHandshakeAck(r)
	case TOPICUPDATE:
		p, err = decodeTopicUpdate(r)
	case TOPICREMOVED:
		var name string
		name, err = r.readString()
		p = &TopicRemovedPacket{Name: name}
	case ERROR:
		p, err = decodeError(r)
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownPacket, packetType)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", packetType, err)
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("decode %s: %d trailing bytes: %w", packetType, r.remaining(), types.ErrMalformedFrame)
	}
	return p, nil
}

func decodeHello(r *packetReader) (*HelloPacket, error) {
	version, err := r.readUint16()
	if err != nil {
		return nil, err
	}
	name, err := r.readString()
	if err != nil {
		return nil, err
	}
	return &HelloPacket{ProtocolVersion: version, ClientName: name}, nil
}

func decodeHandshakeAck(r *packetReader) (*HandshakeAckPacket, error) {
	version, err := r.readUint16()
	if err != nil {
		return nil, err
	}
	name, err := r.readString()
	if err != nil {
		return nil, err
	}
	return &HandshakeAckPacket{ProtocolVersion: version, ServerName: name}, nil
}

func decodeTopicUpdate(r *packetReader) (*TopicUpdatePacket, error) {
	p := &TopicUpdatePacket{}

	var err error
	p.Name, err = r.readString()
	if err != nil {
		return nil, err
	}

	// 版本号只解析，不解释
	p.Version, err = r.readUint64()
	if err != nil {
		return nil, err
	}

	p.Value, err = readValue(r)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func decodeError(r *packetReader) (*ErrorPacket, error) {
	code, err := r.readUint16()
	if err != nil {
		return nil, err
	}
	msg, err := r.readString()
	if err != nil {
		return nil, err
	}
	return &ErrorPacket{Code: code, Message: msg}, nil
}
