package network

import (
	"errors"
	"fmt"
)

// State 连接状态，每个中继只有一个权威实例，由 Manager 持有
type State int

const (
	Disconnected State = iota
	Connecting
	Handshaking
	Subscribed
	Draining
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Subscribed:
		return "subscribed"
	case Draining:
		return "draining"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Trigger 驱动状态迁移的事件
type Trigger int

const (
	TriggerDial        Trigger = iota // 开始连接
	TriggerEstablished                // 套接字建立
	TriggerAck                        // 收到 HandshakeAck
	TriggerFailure                    // 套接字错误/EOF/超时/协议错误
	TriggerShutdown                   // 宿主请求关闭
	TriggerClosed                     // 套接字已关闭
)

func (t Trigger) String() string {
	switch t {
	case TriggerDial:
		return "dial"
	case TriggerEstablished:
		return "established"
	case TriggerAck:
		return "ack"
	case TriggerFailure:
		return "failure"
	case TriggerShutdown:
		return "shutdown"
	case TriggerClosed:
		return "closed"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

// ErrInvalidTransition 非法状态迁移
var ErrInvalidTransition = errors.New("invalid state transition")

// Transition 状态迁移函数
//
//	Disconnected -dial-> Connecting -established-> Handshaking -ack-> Subscribed
//	Connecting|Handshaking|Subscribed -failure-> Disconnected
//	* -shutdown-> Draining -closed-> Disconnected
func Transition(s State, t Trigger) (State, error) {
	switch {
	case t == TriggerShutdown:
		return Draining, nil
	case s == Disconnected && t == TriggerDial:
		return Connecting, nil
	case s == Connecting && t == TriggerEstablished:
		return Handshaking, nil
	case s == Handshaking && t == TriggerAck:
		return Subscribed, nil
	case t == TriggerFailure && (s == Connecting || s == Handshaking || s == Subscribed):
		return Disconnected, nil
	case s == Draining && (t == TriggerClosed || t == TriggerFailure):
		return Disconnected, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, t, s)
}
