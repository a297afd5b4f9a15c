// ABOUTME: Entry point for relay-worker: hosts the agents declared in a config file.
// ABOUTME: Usage: relay-worker -config worker.yaml [-addr host:50051] [-id w1]

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/logging"
	"github.com/2389/relay-gateway/internal/worker"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("RELAY_WORKER_CONFIG"), "worker config file (YAML or TOML)")
	addr := flag.String("addr", "", "host gRPC address (overrides config)")
	workerID := flag.String("id", "", "worker id (overrides config)")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: relay-worker -config <file> [-addr host:port] [-id worker-id]")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, *addr, *workerID); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, addr, workerID string) error {
	cfg, err := config.LoadWorker(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if addr != "" {
		cfg.HostAddr = addr
	}
	if workerID != "" {
		cfg.WorkerID = workerID
	}

	logger := logging.New(cfg.Logging, os.Stderr)

	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	rt := worker.New(workerOptions(cfg, logger, reg))

	for _, a := range cfg.Agents {
		factory, err := buildFactory(a, logger)
		if err != nil {
			return err
		}
		if err := rt.Register(ctx, a.Type, factory); err != nil {
			return fmt.Errorf("registering %q: %w", a.Type, err)
		}
	}

	printStartup(cfg, rt.ID())

	var metricsServer *http.Server
	if reg != nil {
		metricsServer = serveMetrics(cfg.Metrics, reg, logger)
	}

	if err := rt.Start(ctx); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down worker")
	case <-rt.Done():
		runErr = rt.Err()
		logger.Error("worker session ended", "error", runErr)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+5*time.Second)
	defer stopCancel()
	if err := rt.Stop(stopCtx); err != nil {
		logger.Warn("stopping worker", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(stopCtx); err != nil {
			logger.Warn("stopping metrics server", "error", err)
		}
	}
	return runErr
}

func workerOptions(cfg *config.WorkerConfig, logger *slog.Logger, reg *prometheus.Registry) worker.Options {
	concurrency, _ := worker.ParseConcurrency(cfg.Concurrency)
	opts := worker.Options{
		HostAddr:              cfg.HostAddr,
		WorkerID:              cfg.WorkerID,
		RequestTimeout:        cfg.RequestTimeout,
		Concurrency:           concurrency,
		MaxConcurrentDispatch: cfg.MaxConcurrentDispatch,
		DrainTimeout:          cfg.DrainTimeout,
		HeartbeatInterval:     cfg.HeartbeatInterval,
		Retry: worker.RetryPolicy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
		},
		Logger: logger,
	}
	if reg != nil {
		opts.Registerer = reg
	}
	return opts
}

func serveMetrics(cfg config.WorkerMetricsConfig, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", "addr", cfg.Addr, "path", cfg.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()
	return srv
}

func printStartup(cfg *config.WorkerConfig, workerID string) {
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	gray.Printf("relay-worker %s\n\n", version)

	green.Print("    ▶ ")
	fmt.Printf("Worker:  %s\n", workerID)
	green.Print("    ▶ ")
	if cfg.HostAddr == "" {
		fmt.Println("Host:    (standalone)")
	} else {
		fmt.Printf("Host:    %s\n", cfg.HostAddr)
	}
	for _, a := range cfg.Agents {
		green.Print("    ▶ ")
		fmt.Printf("Agent:   %s ", a.Type)
		gray.Printf("(%s)\n", a.Role)
	}
	fmt.Println()
}
