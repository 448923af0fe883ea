package types

import (
	"errors"
	"fmt"
)

// 错误定义
var (
	// ErrInvalidEndpoint 端点无法使用，启动时一次性上报
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	ErrMalformedFrame  = errors.New("malformed frame")
	ErrTypeMismatch    = errors.New("topic type mismatch")
	ErrUnexpectedFrame = errors.New("unexpected frame")
	ErrRemoteError     = errors.New("remote error")
)

// NetworkError 瞬时网络错误，总是通过退避重试
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError 协议错误，对连接是致命的，处理方式与瞬时错误相同（重连）
type ProtocolError struct {
	Topic string
	Err   error
}

func (e *ProtocolError) Error() string {
	if e.Topic != "" {
		return fmt.Sprintf("protocol: topic %q: %v", e.Topic, e.Err)
	}
	return fmt.Sprintf("protocol: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsTransient 判断是否为瞬时网络错误
func IsTransient(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsProtocol 判断是否为协议错误
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
