package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"busy-cloud/telemetry-relay/config"
	"busy-cloud/telemetry-relay/metrics"
	"busy-cloud/telemetry-relay/relay"
)

// 遥测服务端地址，编译期固定
var ntableIP = [4]byte{10, 12, 80, 2}

const ntablePort = 5810

// logSink 无界面宿主：把事件写入日志
type logSink struct {
	logger *slog.Logger
}

func (s *logSink) Emit(event string, payload any) error {
	s.logger.Info("Host event", "event", event, "payload", payload)
	return nil
}

func main() {
	var path string
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("Failed to load configuration", "path", path, "error", err)
		os.Exit(1)
	}

	// 初始化slog日志
	logger, closer, err := cfg.Log.NewLogger()
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info("Metrics server started", "address", cfg.MetricsAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer stop()
		return relay.SubscribeTopics(gctx, &logSink{logger: logger}, ntableIP, ntablePort,
			relay.WithConfig(cfg),
			relay.WithLogger(logger),
			relay.WithMetrics(m),
		)
	})

	logger.Info("Telemetry relay started",
		"transport", cfg.Transport,
		"topics", cfg.Topics)

	if err := g.Wait(); err != nil {
		logger.Error("Telemetry relay failed", "error", err)
		closer.Close()
		os.Exit(1)
	}
	logger.Info("Telemetry relay stopped")
}
