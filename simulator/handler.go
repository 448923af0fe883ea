package simulator

import (
	"fmt"
	"net"
	"net/netip"

	"busy-cloud/telemetry-relay/types"
)

// ConnHandler 连接事件处理器，三种传输共用
type ConnHandler interface {
	OnOpen(conn types.Conn, connType string)
	OnMessage(conn types.Conn, data []byte)
	OnClose(conn types.Conn, err error)
}

// EndpointOf 把监听地址转换为客户端端点，监听在 "127.0.0.1:0" 时用于取得实际端口
func EndpointOf(addr net.Addr) (types.Endpoint, error) {
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return types.Endpoint{}, fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	return types.Endpoint{Addr: ap.Addr(), Port: ap.Port()}, nil
}
