package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"iter"

	"github.com/valyala/bytebufferpool"

	"busy-cloud/telemetry-relay/types"
)

var (
	ErrInvalidLength = errors.New("invalid length")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrFieldTooLong  = errors.New("field too long")

	errUnknownPacket    = errors.New("unknown packet type")
	errUnknownValueType = errors.New("unknown value type")
)

// maxLengthBytes 剩余长度字段最多4字节
const maxLengthBytes = 4

// Decoder 流式解码器，处理TCP粘包与半包
//
// 每次 Decode 把新数据追加到内部缓冲区，返回的序列依次产出已完整的报文；
// 不完整的尾部留在缓冲区，下一次调用继续拼接。消费方提前停止迭代时，
// 剩余的完整报文也留在缓冲区，Decode(nil) 可以继续取出。
// 格式错误时产出一个 Local 的 ErrorPacket，之后不再产出任何报文，直到 Reset。
type Decoder struct {
	buffer bytes.Buffer
	err    error
}

// NewDecoder 创建解码器
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode 追加 chunk 并返回本次可解出的报文序列
func (d *Decoder) Decode(chunk []byte) iter.Seq[Packet] {
	if d.err == nil && len(chunk) > 0 {
		d.buffer.Write(chunk)
	}
	return d.frames
}

// Reset 清空缓冲区与错误状态，重连后调用
func (d *Decoder) Reset() {
	d.buffer.Reset()
	d.err = nil
}

// Buffered 缓冲区中尚未消费的字节数
func (d *Decoder) Buffered() int {
	return d.buffer.Len()
}

// Err 返回导致解码器停止的错误
func (d *Decoder) Err() error {
	return d.err
}

func (d *Decoder) frames(yield func(Packet) bool) {
	for d.err == nil {
		p, n, err := d.next()
		if err != nil {
			d.err = err
			d.buffer.Reset()
			yield(localError(err))
			return
		}
		if n == 0 {
			return
		}

		// 先从缓冲区移除，保证提前停止迭代时不会重复产出
		d.buffer.Next(n)
		if !yield(p) {
			return
		}
	}
}

// next 尝试解出一个完整报文，返回消耗的字节数；数据不足时返回 0
func (d *Decoder) next() (Packet, int, error) {
	data := d.buffer.Bytes()

	// 我们需要至少2个字节才能判断包长度
	if len(data) < 2 {
		return nil, 0, nil
	}

	length, lengthBytes, err := parseLength(data[1:])
	if err != nil {
		return nil, 0, err
	}
	if lengthBytes == 0 {
		return nil, 0, nil
	}
	if length > MaxFrameSize {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	totalLength := 1 + lengthBytes + length
	if len(data) < totalLength {
		return nil, 0, nil
	}

	p, err := decodeBody(PacketType(data[0]), data[1+lengthBytes:totalLength])
	if err != nil {
		return nil, 0, err
	}
	return p, totalLength, nil
}

// parseLength 解析可变字节整数；字节不足时返回 lengthBytes=0
func parseLength(data []byte) (value int, lengthBytes int, err error) {
	multiplier := 1
	for i := 0; i < maxLengthBytes; i++ {
		if i >= len(data) {
			return 0, 0, nil
		}
		encodedByte := data[i]
		value += int(encodedByte&127) * multiplier
		multiplier *= 128

		if (encodedByte & 128) == 0 {
			return value, i + 1, nil
		}
	}
	return 0, 0, ErrInvalidLength
}

// encodeLength 编码长度
func encodeLength(dst []byte, length int) []byte {
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		dst = append(dst, digit)
		if length == 0 {
			break
		}
	}
	return dst
}

func localError(err error) *ErrorPacket {
	code := CodeMalformedFrame
	switch {
	case errors.Is(err, errUnknownPacket), errors.Is(err, errUnknownValueType):
		code = CodeUnknownType
	case errors.Is(err, ErrFrameTooLarge):
		code = CodeFrameTooLarge
	}
	return &ErrorPacket{Code: code, Message: err.Error(), Local: true}
}

// Encode 编码一个完整报文（固定头 + 剩余长度 + 报文体）
func Encode(p Packet) ([]byte, error) {
	body := bytebufferpool.Get()
	defer bytebufferpool.Put(body)

	if err := encodeBody(body, p); err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.Type(), err)
	}
	if body.Len() > MaxFrameSize {
		return nil, fmt.Errorf("encode %s: %w: %d bytes", p.Type(), ErrFrameTooLarge, body.Len())
	}

	packet := make([]byte, 0, 1+maxLengthBytes+body.Len())
	packet = append(packet, byte(p.Type()))
	packet = encodeLength(packet, body.Len())
	packet = append(packet, body.B...)
	return packet, nil
}

// MustEncode 编码失败时 panic，仅用于常量报文与测试
func MustEncode(p Packet) []byte {
	b, err := Encode(p)
	if err != nil {
		panic(err)
	}
	return b
}

func encodeBody(bb *bytebufferpool.ByteBuffer, p Packet) error {
	switch p := p.(type) {
	case *HelloPacket:
		writeUint16(bb, p.ProtocolVersion)
		return writeString(bb, p.ClientName)
	case *SubscribePacket:
		return writePatterns(bb, p.Patterns)
	case *UnsubscribePacket:
		return writePatterns(bb, p.Patterns)
	case *HeartbeatPacket:
		return nil
	case *HandshakeAckPacket:
		writeUint16(bb, p.ProtocolVersion)
		return writeString(bb, p.ServerName)
	case *TopicUpdatePacket:
		if err := writeString(bb, p.Name); err != nil {
			return err
		}
		writeUint64(bb, p.Version)
		return writeValue(bb, p.Value)
	case *TopicRemovedPacket:
		return writeString(bb, p.Name)
	case *ErrorPacket:
		writeUint16(bb, p.Code)
		return writeString(bb, p.Message)
	default:
		return fmt.Errorf("%w: %T", errUnknownPacket, p)
	}
}

func writePatterns(bb *bytebufferpool.ByteBuffer, patterns []string) error {
	for _, pattern := range patterns {
		if err := writeString(bb, pattern); err != nil {
			return err
		}
	}
	return nil
}

// AsProtocolError 把错误报文转换为协议错误
func AsProtocolError(p *ErrorPacket) error {
	if p.Local {
		return &types.ProtocolError{Err: fmt.Errorf("%w: %s", types.ErrMalformedFrame, p.Message)}
	}
	return &types.ProtocolError{Err: fmt.Errorf("%w: code=%d: %s", types.ErrRemoteError, p.Code, p.Message)}
}
