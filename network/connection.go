package network

import (
	"context"
	"net"
	"time"

	"busy-cloud/telemetry-relay/types"
)

// Dialer 建立到遥测服务端的物理连接
type Dialer interface {
	Dial(ctx context.Context, endpoint types.Endpoint) (types.Conn, error)
}

// TCPConn 包装标准net.Conn实现types.Conn
type TCPConn struct {
	conn net.Conn
}

func NewTCPConn(conn net.Conn) types.Conn {
	return &TCPConn{conn: conn}
}

func (t *TCPConn) Read(b []byte) (n int, err error) {
	return t.conn.Read(b)
}

func (t *TCPConn) Write(b []byte) (n int, err error) {
	return t.conn.Write(b)
}

func (t *TCPConn) Close() error {
	return t.conn.Close()
}

func (t *TCPConn) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// TCPDialer 标准TCP拨号器
type TCPDialer struct {
	Timeout time.Duration
}

// Dial 建立TCP连接并关闭Nagle
func (d *TCPDialer) Dial(ctx context.Context, endpoint types.Endpoint) (types.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint.String())
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return NewTCPConn(conn), nil
}
