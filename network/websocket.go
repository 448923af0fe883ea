package network

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"busy-cloud/telemetry-relay/types"
)

// WebSocketConn WebSocket连接包装器，每个二进制消息承载一段字节流
type WebSocketConn struct {
	conn    *websocket.Conn
	reader  io.Reader
	writeMu sync.Mutex
}

// NewWebSocketConn 包装已建立的WebSocket连接
func NewWebSocketConn(conn *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{conn: conn}
}

// Read 跨消息边界读取，一个消息读完后继续读下一个
func (w *WebSocketConn) Read(b []byte) (n int, err error) {
	for {
		if w.reader == nil {
			messageType, reader, err := w.conn.NextReader()
			if err != nil {
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				return 0, fmt.Errorf("unsupported message type: %d", messageType)
			}
			w.reader = reader
		}

		n, err = w.reader.Read(b)
		if err == io.EOF {
			w.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (w *WebSocketConn) Write(b []byte) (n int, err error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	writer, err := w.conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return 0, err
	}

	n, err = writer.Write(b)
	if closeErr := writer.Close(); err == nil {
		err = closeErr
	}
	return n, err
}

func (w *WebSocketConn) Close() error {
	return w.conn.Close()
}

func (w *WebSocketConn) RemoteAddr() net.Addr {
	return w.conn.RemoteAddr()
}

// WebSocketDialer 通过 ws://host:port/path 连接
type WebSocketDialer struct {
	Path    string
	Timeout time.Duration
}

// Dial 建立WebSocket连接
func (d *WebSocketDialer) Dial(ctx context.Context, endpoint types.Endpoint) (types.Conn, error) {
	u := url.URL{Scheme: "ws", Host: endpoint.String(), Path: d.Path}
	dialer := websocket.Dialer{HandshakeTimeout: d.Timeout}

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", u.String(), err)
	}
	return NewWebSocketConn(conn), nil
}
