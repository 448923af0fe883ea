package types

import (
	"encoding/json"
	"fmt"
	"slices"
)

// ValueType 线上的值类型标签
type ValueType byte

const (
	TypeUnknown ValueType = iota
	TypeBoolean
	TypeInteger
	TypeFloat
	TypeString
	TypeRaw
	TypeBooleanArray
	TypeIntegerArray
	TypeFloatArray
	TypeStringArray
)

var typeNames = map[ValueType]string{
	TypeUnknown:      "unknown",
	TypeBoolean:      "boolean",
	TypeInteger:      "int",
	TypeFloat:        "float",
	TypeString:       "string",
	TypeRaw:          "raw",
	TypeBooleanArray: "boolean[]",
	TypeIntegerArray: "int[]",
	TypeFloatArray:   "float[]",
	TypeStringArray:  "string[]",
}

func (t ValueType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", byte(t))
}

// Valid 是否为已知的具体类型
func (t ValueType) Valid() bool {
	return t >= TypeBoolean && t <= TypeStringArray
}

// Value 带类型标签的主题值，零值表示尚未观察到类型
type Value struct {
	typ ValueType
	v   any
}

func BoolValue(b bool) Value { return Value{typ: TypeBoolean, v: b} }
func IntValue(i int64) Value { return Value{typ: TypeInteger, v: i} }
func FloatValue(f float64) Value { return Value{typ: TypeFloat, v: f} }
func StringValue(s string) Value { return Value{typ: TypeString, v: s} }
func RawValue(b []byte) Value { return Value{typ: TypeRaw, v: slices.Clone(b)} }
func BoolArrayValue(b []bool) Value { return Value{typ: TypeBooleanArray, v: slices.Clone(b)} }
func IntArrayValue(i []int64) Value { return Value{typ: TypeIntegerArray, v: slices.Clone(i)} }
func FloatArrayValue(f []float64) Value {
	return Value{typ: TypeFloatArray, v: slices.Clone(f)}
}
func StringArrayValue(s []string) Value {
	return Value{typ: TypeStringArray, v: slices.Clone(s)}
}

// Type 返回值类型
func (v Value) Type() ValueType { return v.typ }

// IsZero 是否尚未赋值
func (v Value) IsZero() bool { return v.typ == TypeUnknown }

func (v Value) Bool() bool {
	b, _ := v.v.(bool)
	return b
}

func (v Value) Int() int64 {
	i, _ := v.v.(int64)
	return i
}

func (v Value) Float() float64 {
	f, _ := v.v.(float64)
	return f
}

func (v Value) Str() string {
	s, _ := v.v.(string)
	return s
}

func (v Value) Raw() []byte {
	b, _ := v.v.([]byte)
	return b
}

func (v Value) BoolArray() []bool {
	b, _ := v.v.([]bool)
	return b
}

func (v Value) IntArray() []int64 {
	i, _ := v.v.([]int64)
	return i
}

func (v Value) FloatArray() []float64 {
	f, _ := v.v.([]float64)
	return f
}

func (v Value) StringArray() []string {
	s, _ := v.v.([]string)
	return s
}

// Interface 返回底层Go值
func (v Value) Interface() any { return v.v }

// Clone 深拷贝，交给宿主前必须调用，宿主不能持有中继内部数据的引用
func (v Value) Clone() Value {
	switch x := v.v.(type) {
	case []byte:
		return Value{typ: v.typ, v: slices.Clone(x)}
	case []bool:
		return Value{typ: v.typ, v: slices.Clone(x)}
	case []int64:
		return Value{typ: v.typ, v: slices.Clone(x)}
	case []float64:
		return Value{typ: v.typ, v: slices.Clone(x)}
	case []string:
		return Value{typ: v.typ, v: slices.Clone(x)}
	default:
		return v
	}
}

func (v Value) String() string {
	return fmt.Sprintf("%s(%v)", v.typ, v.v)
}

// MarshalJSON 输出原始Go值
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.v)
}
