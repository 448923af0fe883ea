package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"

	"busy-cloud/telemetry-relay/network"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketServer WebSocket服务器，每个二进制消息是字节流的一段
type WebSocketServer struct {
	address  string
	path     string
	handler  ConnHandler
	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *slog.Logger
}

// NewWebSocketServer 创建新的WebSocket服务器
func NewWebSocketServer(address, path string, handler ConnHandler, logger *slog.Logger) *WebSocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		path = "/"
	}
	return &WebSocketServer{
		address: address,
		path:    path,
		handler: handler,
		logger:  logger,
	}
}

// Start 启动WebSocket服务器
func (s *WebSocketServer) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWebSocket)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("WebSocket server started", "address", listener.Addr().String(), "path", s.path)

	s.wg.Add(1)
	go s.serve()

	return nil
}

// Addr 实际监听地址
func (s *WebSocketServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop 停止WebSocket服务器
func (s *WebSocketServer) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err = multierr.Append(err, s.server.Shutdown(shutdownCtx))
	}
	s.wg.Wait()
	s.logger.Info("WebSocket server stopped")
	return err
}

// serve 启动HTTP服务器
func (s *WebSocketServer) serve() {
	defer s.wg.Done()

	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("WebSocket server failed", "error", err)
	}
}

// handleWebSocket 处理WebSocket连接
func (s *WebSocketServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade to WebSocket", "error", err)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	// 被劫持的连接不受 Shutdown 管理，停止时主动关闭
	stop := context.AfterFunc(s.ctx, func() { conn.Close() })
	defer stop()

	wsConn := network.NewWebSocketConn(conn)
	s.logger.Debug("New WebSocket connection", "remote_addr", conn.RemoteAddr().String())

	s.handler.OnOpen(wsConn, "websocket")
	defer conn.Close()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			s.handler.OnClose(wsConn, err)
			return
		}

		if messageType == websocket.BinaryMessage {
			s.handler.OnMessage(wsConn, data)
		}
	}
}
