package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/valyala/bytebufferpool"

	"busy-cloud/telemetry-relay/types"
)

// readValue 读取类型标签及其值
func readValue(r *packetReader) (types.Value, error) {
	tag, err := r.readByte()
	if err != nil {
		return types.Value{}, err
	}

	switch t := types.ValueType(tag); t {
	case types.TypeBoolean:
		b, err := r.readByte()
		if err != nil {
			return types.Value{}, err
		}
		return types.BoolValue(b != 0), nil
	case types.TypeInteger:
		u, err := r.readUint64()
		if err != nil {
			return types.Value{}, err
		}
		return types.IntValue(int64(u)), nil
	case types.TypeFloat:
		u, err := r.readUint64()
		if err != nil {
			return types.Value{}, err
		}
		return types.FloatValue(math.Float64frombits(u)), nil
	case types.TypeString:
		b, err := r.readBlob()
		if err != nil {
			return types.Value{}, err
		}
		return types.StringValue(string(b)), nil
	case types.TypeRaw:
		b, err := r.readBlob()
		if err != nil {
			return types.Value{}, err
		}
		return types.RawValue(b), nil
	case types.TypeBooleanArray:
		n, err := r.readCount(1)
		if err != nil {
			return types.Value{}, err
		}
		out := make([]bool, n)
		for i := range out {
			b, _ := r.readByte()
			out[i] = b != 0
		}
		return types.BoolArrayValue(out), nil
	case types.TypeIntegerArray:
		n, err := r.readCount(8)
		if err != nil {
			return types.Value{}, err
		}
		out := make([]int64, n)
		for i := range out {
			u, _ := r.readUint64()
			out[i] = int64(u)
		}
		return types.IntArrayValue(out), nil
	case types.TypeFloatArray:
		n, err := r.readCount(8)
		if err != nil {
			return types.Value{}, err
		}
		out := make([]float64, n)
		for i := range out {
			u, _ := r.readUint64()
			out[i] = math.Float64frombits(u)
		}
		return types.FloatArrayValue(out), nil
	case types.TypeStringArray:
		n, err := r.readCount(4)
		if err != nil {
			return types.Value{}, err
		}
		out := make([]string, n)
		for i := range out {
			b, err := r.readBlob()
			if err != nil {
				return types.Value{}, err
			}
			out[i] = string(b)
		}
		return types.StringArrayValue(out), nil
	default:
		return types.Value{}, fmt.Errorf("%w: value %s", errUnknownValueType, t)
	}
}

// readBlob 读取u32长度前缀的字节串
func (r *packetReader) readBlob() ([]byte, error) {
	n, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(r.remaining()) {
		return nil, types.ErrMalformedFrame
	}
	return r.readBytes(int(n))
}

// readCount 读取数组元素个数，并确认剩余长度至少容纳 n*minSize 字节
func (r *packetReader) readCount(minSize int) (int, error) {
	n, err := r.readUint32()
	if err != nil {
		return 0, err
	}
	if uint64(n)*uint64(minSize) > uint64(r.remaining()) {
		return 0, types.ErrMalformedFrame
	}
	return int(n), nil
}

func writeUint16(bb *bytebufferpool.ByteBuffer, v uint16) {
	bb.B = binary.BigEndian.AppendUint16(bb.B, v)
}

func writeUint32(bb *bytebufferpool.ByteBuffer, v uint32) {
	bb.B = binary.BigEndian.AppendUint32(bb.B, v)
}

func writeUint64(bb *bytebufferpool.ByteBuffer, v uint64) {
	bb.B = binary.BigEndian.AppendUint64(bb.B, v)
}

// writeString 写入u16长度前缀字符串
func writeString(bb *bytebufferpool.ByteBuffer, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("string of %d bytes: %w", len(s), ErrFieldTooLong)
	}
	writeUint16(bb, uint16(len(s)))
	_, _ = bb.WriteString(s)
	return nil
}

func writeBlob(bb *bytebufferpool.ByteBuffer, b []byte) {
	writeUint32(bb, uint32(len(b)))
	_, _ = bb.Write(b)
}

// writeValue 写入类型标签及其值
func writeValue(bb *bytebufferpool.ByteBuffer, v types.Value) error {
	if !v.Type().Valid() {
		return fmt.Errorf("%w: value %s", errUnknownValueType, v.Type())
	}
	_ = bb.WriteByte(byte(v.Type()))

	switch v.Type() {
	case types.TypeBoolean:
		_ = bb.WriteByte(boolByte(v.Bool()))
	case types.TypeInteger:
		writeUint64(bb, uint64(v.Int()))
	case types.TypeFloat:
		writeUint64(bb, math.Float64bits(v.Float()))
	case types.TypeString:
		writeBlob(bb, []byte(v.Str()))
	case types.TypeRaw:
		writeBlob(bb, v.Raw())
	case types.TypeBooleanArray:
		arr := v.BoolArray()
		writeUint32(bb, uint32(len(arr)))
		for _, b := range arr {
			_ = bb.WriteByte(boolByte(b))
		}
	case types.TypeIntegerArray:
		arr := v.IntArray()
		writeUint32(bb, uint32(len(arr)))
		for _, i := range arr {
			writeUint64(bb, uint64(i))
		}
	case types.TypeFloatArray:
		arr := v.FloatArray()
		writeUint32(bb, uint32(len(arr)))
		for _, f := range arr {
			writeUint64(bb, math.Float64bits(f))
		}
	case types.TypeStringArray:
		arr := v.StringArray()
		writeUint32(bb, uint32(len(arr)))
		for _, s := range arr {
			writeBlob(bb, []byte(s))
		}
	}
	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
