package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/panjf2000/gnet/v2"
	"github.com/panjf2000/gnet/v2/pkg/logging"

	"busy-cloud/telemetry-relay/types"
)

// GnetServer 基于 gnet 事件循环的遥测服务端
type GnetServer struct {
	gnet.BuiltinEventEngine

	address   string
	multicore bool
	handler   ConnHandler
	eng       gnet.Engine
	ready     chan struct{}
	logger    *slog.Logger
}

// NewGnetServer 创建 gnet 服务端，address 形如 "127.0.0.1:5810"
func NewGnetServer(address string, multicore bool, handler ConnHandler, logger *slog.Logger) *GnetServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &GnetServer{
		address:   address,
		multicore: multicore,
		handler:   handler,
		ready:     make(chan struct{}),
		logger:    logger,
	}
}

// Run 运行事件循环直到 ctx 取消
func (g *GnetServer) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-done:
			return
		case <-g.ready:
		}
		select {
		case <-done:
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := g.eng.Stop(stopCtx); err != nil {
				g.logger.Warn("Gnet engine stop failed", "error", err)
			}
		}
	}()

	err := gnet.Run(g, "tcp://"+g.address,
		gnet.WithMulticore(g.multicore),
		gnet.WithReusePort(true),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithLogger(&gnetLogger{logger: g.logger}),
	)
	if err != nil {
		return fmt.Errorf("gnet server on %s: %w", g.address, err)
	}
	return nil
}

// Ready 事件循环启动后关闭
func (g *GnetServer) Ready() <-chan struct{} {
	return g.ready
}

func (g *GnetServer) OnBoot(eng gnet.Engine) (action gnet.Action) {
	g.eng = eng //缓存起来
	g.logger.Info("Gnet server started", "address", g.address, "multicore", g.multicore)
	close(g.ready)
	return
}

func (g *GnetServer) OnShutdown(eng gnet.Engine) {
	g.logger.Info("Gnet server stopped", "address", g.address)
}

func (g *GnetServer) OnOpen(c gnet.Conn) (out []byte, action gnet.Action) {
	conn := NewGnetConn(c)
	c.SetContext(conn)
	g.handler.OnOpen(conn, "gnet")
	return
}

func (g *GnetServer) OnClose(c gnet.Conn, err error) (action gnet.Action) {
	if conn, ok := c.Context().(types.Conn); ok {
		g.handler.OnClose(conn, err)
	}
	return
}

func (g *GnetServer) OnTraffic(c gnet.Conn) (action gnet.Action) {
	conn, ok := c.Context().(types.Conn)
	if !ok {
		return gnet.Close
	}

	// 读取所有可用数据；Next 返回的切片在下次读之前有效
	buf, err := c.Next(-1)
	if err != nil {
		return gnet.Close
	}
	data := make([]byte, len(buf))
	copy(data, buf)
	g.handler.OnMessage(conn, data)
	return
}

// GnetConn gnet连接包装器，读取在 OnTraffic 中完成
type GnetConn struct {
	conn gnet.Conn
}

var errGnetRead = errors.New("gnet connections are read by the event loop")

// NewGnetConn 创建Gnet连接包装器
func NewGnetConn(conn gnet.Conn) types.Conn {
	return &GnetConn{conn: conn}
}

func (g *GnetConn) Read(b []byte) (n int, err error) {
	return 0, errGnetRead
}

// Write 可在任意协程调用
func (g *GnetConn) Write(b []byte) (n int, err error) {
	buf := make([]byte, len(b))
	copy(buf, b)
	if err := g.conn.AsyncWrite(buf, nil); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (g *GnetConn) Close() error {
	return g.conn.Close()
}

func (g *GnetConn) RemoteAddr() net.Addr {
	return g.conn.RemoteAddr()
}

// gnetLogger 把 gnet 的日志接到 slog
type gnetLogger struct {
	logger *slog.Logger
}

var _ logging.Logger = (*gnetLogger)(nil)

func (l *gnetLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "gnet")
}

func (l *gnetLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...), "component", "gnet")
}

func (l *gnetLogger) Warnf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...), "component", "gnet")
}

func (l *gnetLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...), "component", "gnet")
}

func (l *gnetLogger) Fatalf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...), "component", "gnet")
	os.Exit(1)
}
