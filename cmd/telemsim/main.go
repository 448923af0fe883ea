// telemsim 在本地运行遥测服务端并发布合成数据，用于在没有真实服务端时调试中继。
package main

import (
	"context"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"busy-cloud/telemetry-relay/config"
	"busy-cloud/telemetry-relay/simulator"
	"busy-cloud/telemetry-relay/types"
)

func main() {
	gnetAddr := pflag.String("gnet-addr", "0.0.0.0:5810", "gnet TCP listen address")
	tcpAddr := pflag.String("tcp-addr", "", "standard TCP listen address (disabled when empty)")
	wsAddr := pflag.String("ws-addr", "0.0.0.0:5811", "WebSocket listen address (disabled when empty)")
	wsPath := pflag.String("ws-path", "/telemetry", "WebSocket path")
	interval := pflag.Duration("interval", 200*time.Millisecond, "publish interval")
	multicore := pflag.Bool("multicore", true, "run gnet with one event loop per CPU")
	logLevel := pflag.String("log-level", "info", "log level")
	logFile := pflag.String("log-file", "", "rotate logs into this file instead of stdout")
	pflag.Parse()

	logger, closer, err := config.LogConfig{
		Level:      *logLevel,
		File:       *logFile,
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 7,
	}.NewLogger()
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := simulator.NewServer("telemsim", logger)
	g, gctx := errgroup.WithContext(ctx)

	if *tcpAddr != "" {
		tcpServer := simulator.NewTCPServer(*tcpAddr, srv, simulator.DefaultMaxConns, logger)
		if err := tcpServer.Start(gctx); err != nil {
			logger.Error("TCP server failed", "error", err)
			os.Exit(1)
		}
		defer tcpServer.Stop()
	}

	if *wsAddr != "" {
		wsServer := simulator.NewWebSocketServer(*wsAddr, *wsPath, srv, logger)
		if err := wsServer.Start(gctx); err != nil {
			logger.Error("WebSocket server failed", "error", err)
			os.Exit(1)
		}
		defer wsServer.Stop()
	}

	gnetServer := simulator.NewGnetServer(*gnetAddr, *multicore, srv, logger)
	g.Go(func() error {
		return gnetServer.Run(gctx)
	})
	g.Go(func() error {
		publish(gctx, srv, *interval)
		return nil
	})

	slog.Info("Telemetry simulator started",
		"gnet", *gnetAddr,
		"std_tcp", *tcpAddr,
		"websocket", *wsAddr)

	if err := g.Wait(); err != nil {
		logger.Error("Telemetry simulator failed", "error", err)
		return
	}
	slog.Info("Telemetry simulator stopped")
}

// publish 按固定间隔发布一组合成主题
func publish(ctx context.Context, srv *simulator.Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	modes := []string{"disabled", "auto", "teleop"}
	for tick := 0; ; tick++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		elapsed := time.Since(start).Seconds()
		srv.Publish("robot/battery", types.FloatValue(math.Round((12.6-0.01*elapsed)*100)/100))
		srv.Publish("robot/pose", types.FloatArrayValue([]float64{math.Cos(elapsed), math.Sin(elapsed), elapsed}))
		srv.Publish("field/time", types.IntValue(int64(max(0, 150-int(elapsed)))))

		// 低频主题只在变化时发布
		if tick%25 == 0 {
			mode := modes[(tick/25)%len(modes)]
			srv.Publish("robot/mode", types.StringValue(mode))
			srv.Publish("robot/enabled", types.BoolValue(mode != "disabled"))
		}
	}
}
