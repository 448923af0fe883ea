package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/multierr"

	"busy-cloud/telemetry-relay/network"
)

// DefaultMaxConns 标准TCP服务器默认的最大并发连接数
const DefaultMaxConns = 64

// TCPServer 标准Net TCP服务器，连接由 ants 协程池处理
type TCPServer struct {
	address  string
	handler  ConnHandler
	maxConns int
	listener net.Listener
	pool     *ants.Pool
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *slog.Logger
}

// NewTCPServer 创建新的TCP服务器
func NewTCPServer(address string, handler ConnHandler, maxConns int, logger *slog.Logger) *TCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}
	return &TCPServer{
		address:  address,
		handler:  handler,
		maxConns: maxConns,
		logger:   logger,
	}
}

// Start 启动TCP服务器
func (s *TCPServer) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	pool, err := ants.NewPool(s.maxConns,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			s.logger.Error("Connection handler panicked", "panic", p)
		}))
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	s.pool = pool

	s.listener, err = net.Listen("tcp", s.address)
	if err != nil {
		pool.Release()
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}

	s.logger.Info("TCP server started", "address", s.listener.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr 实际监听地址
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop 停止TCP服务器并关闭所有连接
func (s *TCPServer) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.listener != nil {
		if cerr := s.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	s.wg.Wait()
	if s.pool != nil {
		s.pool.Release()
	}
	s.logger.Info("TCP server stopped")
	return err
}

// acceptLoop 接受连接循环
func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Failed to accept connection", "error", err)
			continue
		}

		s.wg.Add(1)
		if err := s.pool.Submit(func() { s.handleConnection(conn) }); err != nil {
			s.wg.Done()
			s.logger.Warn("Connection rejected", "remote_addr", conn.RemoteAddr().String(), "error", err)
			conn.Close()
		}
	}
}

// handleConnection 处理单个连接
func (s *TCPServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	// 服务器停止时关闭连接，解除阻塞的读
	stop := context.AfterFunc(s.ctx, func() { conn.Close() })
	defer stop()

	s.logger.Debug("New TCP connection", "remote_addr", conn.RemoteAddr().String())

	tcpConn := network.NewTCPConn(conn)
	s.handler.OnOpen(tcpConn, "tcp")

	buffer := make([]byte, 4096)
	for {
		n, err := conn.Read(buffer)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buffer[:n])
			s.handler.OnMessage(tcpConn, data)
		}
		if err != nil {
			s.handler.OnClose(tcpConn, err)
			return
		}
	}
}
