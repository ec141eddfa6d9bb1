package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"

	"xdao.co/glyph/config"
	"xdao.co/glyph/crystal"
	"xdao.co/glyph/internal/app"
	"xdao.co/glyph/internal/logging"
	"xdao.co/glyph/internal/metrics"
	"xdao.co/glyph/rpc"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	os.Exit(run(ctx, os.Args[1:], os.Stderr))
}

func run(ctx context.Context, args []string, errOut io.Writer) int {
	fs := flag.NewFlagSet("glyphd", flag.ContinueOnError)
	fs.SetOutput(errOut)
	configPath := fs.String("config", "", "YAML configuration file")
	listen := fs.String("listen", "", "gRPC listen address (overrides server.listen)")
	metricsListen := fs.String("metrics-listen", "", "Metrics listen address (overrides server.metrics_listen, \"off\" disables)")
	dataDir := fs.String("data-dir", "", "Data directory (overrides data_dir)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *metricsListen != "" {
		cfg.Server.MetricsListen = *metricsListen
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	log := logging.NewLogger(cfg.Logging.Level, errOut)
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	a, err := app.Open(ctx, cfg, log, m)
	if err != nil {
		log.Error("open data directory", "dir", cfg.DataDir, "error", err)
		return 1
	}
	defer a.Close()

	lis, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		log.Error("listen", "addr", cfg.Server.Listen, "error", err)
		return 1
	}

	var opts []grpc.ServerOption
	if cfg.Server.MaxMsgBytes > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(cfg.Server.MaxMsgBytes), grpc.MaxSendMsgSize(cfg.Server.MaxMsgBytes))
	}
	s := grpc.NewServer(opts...)
	rpc.RegisterRegistryServer(s, registryServer(cfg, m.WrapRegistry(a.Ledger), log))

	var metricsSrv *http.Server
	if cfg.Server.MetricsListen != "" && cfg.Server.MetricsListen != "off" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsSrv = &http.Server{Addr: cfg.Server.MetricsListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", "addr", cfg.Server.MetricsListen, "error", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve(lis) }()
	log.Info("glyphd listening", "addr", lis.Addr().String(), "metrics", cfg.Server.MetricsListen, "data_dir", cfg.DataDir)

	code := 0
	select {
	case <-ctx.Done():
		log.Info("glyphd shutting down")
	case err := <-serveErr:
		if err != nil {
			log.Error("serve", "error", err)
			code = 1
		}
	}

	stopped := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		s.Stop()
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return code
}

// registryServer applies the engine's admission rules to remote writers.
func registryServer(cfg *config.Config, reg crystal.Registry, log *slog.Logger) *rpc.Server {
	ec := cfg.EngineConfig()
	return &rpc.Server{
		Registry:    reg,
		Log:         log,
		Threshold:   ec.Threshold,
		MaxDepth:    ec.MaxDepth,
		RequireSeal: cfg.Server.RequireSeal,
	}
}
