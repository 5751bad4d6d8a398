// Package main implements the AugmentOS cloud event core: the app connection
// broker, the per-user result inbox, and the NATS relay that feeds them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/config"
	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/gateway"
	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/health"
	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/inbox"
	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/metric"
	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/natsclient"
	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/registry"
	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/relay"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "augmentos"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.LogLevel != "" {
		cfg.Log.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Log.Format = cliCfg.LogFormat
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	slog.Info("starting augmentos cloud", "version", Version,
		"config_path", cliCfg.ConfigPath)

	if cliCfg.Validate {
		slog.Info("configuration is valid")
		return nil
	}

	ctx := context.Background()
	metricsRegistry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()

	reg := registry.New(registry.Options{
		ConnectAttempts: cfg.Broker.ConnectAttempts,
		ConnectDelay:    cfg.Broker.ConnectDelay,
		WebhookTimeout:  cfg.Broker.WebhookTimeout,
		Metrics:         metricsRegistry.Metrics,
		Logger:          logger,
	})
	monitor.UpdateHealthy("registry", "ready")

	box, natsClient, rly, err := setupStorageAndRelay(ctx, cfg, reg, metricsRegistry, monitor, logger)
	if err != nil {
		return err
	}
	if natsClient != nil {
		defer natsClient.Close()
	}
	if rly != nil {
		defer rly.Stop()
	}

	gw, err := gateway.New(gateway.Options{
		Registry: reg,
		Inbox:    box,
		Health:   monitor,
		Metrics:  metricsRegistry,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	server := gateway.NewServer(cfg.Server.ListenAddr, gw, logger)

	return runWithSignalHandling(ctx, cfg, server, reg)
}

// setupStorageAndRelay builds the inbox and, when NATS is configured, the
// durable KV store and the relay. Without NATS the server runs with the
// in-memory store and no relay; that is the development mode.
func setupStorageAndRelay(
	ctx context.Context,
	cfg config.Config,
	reg *registry.Registry,
	metricsRegistry *metric.MetricsRegistry,
	monitor *health.Monitor,
	logger *slog.Logger,
) (*inbox.Inbox, *natsclient.Client, *relay.Relay, error) {
	if cfg.NATS.URL == "" {
		slog.Warn("nats not configured, using in-memory store without relay")
		monitor.UpdateDegraded("nats", "not configured")
		box := inbox.New(inbox.NewMemoryStore(), inbox.Options{
			LocationWindow: cfg.Inbox.LocationWindow,
			Metrics:        metricsRegistry.Metrics,
			Logger:         logger,
		})
		return box, nil, nil, nil
	}

	opts := natsclient.DefaultOptions(cfg.NATS.URL)
	opts.Name = cfg.NATS.Name
	natsClient := natsclient.New(opts, logger)
	if err := natsClient.Connect(); err != nil {
		return nil, nil, nil, fmt.Errorf("connect to nats: %w", err)
	}

	bucket, err := natsClient.EnsureKeyValue(ctx, cfg.Inbox.Bucket)
	if err != nil {
		natsClient.Close()
		return nil, nil, nil, fmt.Errorf("open kv bucket: %w", err)
	}

	box := inbox.New(inbox.NewKVStore(natsclient.NewKVStore(bucket, logger)), inbox.Options{
		LocationWindow: cfg.Inbox.LocationWindow,
		Metrics:        metricsRegistry.Metrics,
		Logger:         logger,
	})

	rly, err := relay.New(relay.Options{
		Client:   natsClient,
		Inbox:    box,
		Registry: reg,
		Metrics:  metricsRegistry.Metrics,
		Logger:   logger,
	})
	if err != nil {
		natsClient.Close()
		return nil, nil, nil, fmt.Errorf("create relay: %w", err)
	}
	if err := rly.Start(ctx); err != nil {
		natsClient.Close()
		return nil, nil, nil, fmt.Errorf("start relay: %w", err)
	}

	monitor.UpdateHealthy("nats", "connected")
	return box, natsClient, rly, nil
}

// runWithSignalHandling serves until SIGINT or SIGTERM, then shuts the
// broker and the HTTP server down within the configured timeout.
func runWithSignalHandling(
	ctx context.Context,
	cfg config.Config,
	server *gateway.Server,
	reg *registry.Registry,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-signalCtx.Done():
		slog.Info("received shutdown signal")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	reg.Shutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	slog.Info("augmentos cloud shutdown complete")
	return nil
}
