package types

import (
	"fmt"
	"net"
	"net/netip"
)

// Conn 通用连接接口，TCP与WebSocket传输都包装成它
type Conn interface {
	Read(b []byte) (n int, err error)
	Write(b []byte) (n int, err error)
	Close() error
	RemoteAddr() net.Addr
}

// Endpoint 遥测服务端地址，进程生命周期内固定
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// NewEndpoint 由4字节IPv4地址和端口创建Endpoint
func NewEndpoint(ip [4]byte, port uint16) Endpoint {
	return Endpoint{Addr: netip.AddrFrom4(ip), Port: port}
}

// Validate 启动时校验地址，失败即 FatalConfigurationError
func (e Endpoint) Validate() error {
	if !e.Addr.IsValid() || e.Addr.IsUnspecified() {
		return fmt.Errorf("%w: address %q", ErrInvalidEndpoint, e.Addr)
	}
	if e.Port == 0 {
		return fmt.Errorf("%w: port 0", ErrInvalidEndpoint)
	}
	return nil
}

// String 返回 host:port
func (e Endpoint) String() string {
	return netip.AddrPortFrom(e.Addr, e.Port).String()
}
