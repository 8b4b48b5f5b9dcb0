// Package main implements the entry point for the Qollective echo service.
// Qollective is an envelope-first messaging framework; this binary serves
// the reference echo handler over the REST, WebSocket, and NATS transports
// so operators can verify a deployment end to end.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/jocax/qollective-sub006/config"
	"github.com/jocax/qollective-sub006/handler"
	"github.com/jocax/qollective-sub006/health"
	"github.com/jocax/qollective-sub006/logging"
	"github.com/jocax/qollective-sub006/metric"
	"github.com/jocax/qollective-sub006/natsclient"
	"github.com/jocax/qollective-sub006/tenant"
	"github.com/jocax/qollective-sub006/transport"
	"github.com/jocax/qollective-sub006/transport/natsx"
	"github.com/jocax/qollective-sub006/transport/rest"
	"github.com/jocax/qollective-sub006/transport/websocket"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "qollective"

	echoRoute = "echo"
)

// stoppable is the shutdown surface shared by the transport servers.
type stoppable interface {
	Stop(timeout time.Duration) error
}

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
		slog.Error("Application failed", "error", err, "exit_code", 1)
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

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()
	transports := splitTransports(cliCfg.Transports)

	registry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()
	metricsServer := startMetricsServer(cfg, registry, monitor)
	defer stopMetricsServer(metricsServer)

	natsClient, err := setupNATS(ctx, cfg, registry, monitor, transports)
	if err != nil {
		return err
	}
	if natsClient != nil {
		defer closeNATS(natsClient)
	}

	logger := serviceLogger(cfg, natsClient)
	extractor := tenant.NewExtractor(tenant.DefaultConfig(), tenant.WithLogger(logger.With("tenant")))

	servers, err := startTransports(ctx, cfg, transports, serverDeps{
		logger:    logger,
		metrics:   registry.CoreMetrics(),
		extractor: extractor,
		nats:      natsClient,
		monitor:   monitor,
	})
	if err != nil {
		stopServers(servers, cliCfg.ShutdownTimeout)
		return err
	}
	defer stopServers(servers, cliCfg.ShutdownTimeout)

	return waitForShutdown(ctx)
}

// initializeCLI parses flags and sets up logging.
func initializeCLI() (*CLIConfig, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}

	if cliCfg.ShowHelp {
		printHelp()
		return nil, true, nil
	}

	slog.SetDefault(setupSlog(cliCfg.LogLevel, cliCfg.LogFormat))

	slog.Info("Starting Qollective (envelope-first messaging)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"transports", cliCfg.Transports)

	return cliCfg, false, nil
}

// serviceLogger builds the framework logger, mirroring to NATS when the
// connection exists and mirroring is configured.
func serviceLogger(cfg *config.Config, nc *natsclient.Client) *logging.Logger {
	opts := []logging.Option{logging.WithSlog(slog.Default())}
	if cfg.Logging.MirrorNATS && nc != nil && nc.IsHealthy() {
		opts = append(opts, logging.WithNATS(nc.Conn()))
	}
	return logging.New(cfg.Service.Name, opts...)
}

// startMetricsServer starts the Prometheus and health endpoint when enabled.
func startMetricsServer(cfg *config.Config, registry *metric.MetricsRegistry, monitor *health.Monitor) *metric.Server {
	if !cfg.Metrics.Enabled {
		return nil
	}

	srv := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry, cfg.TLS)
	srv.SetHealthHandler(monitor.Handler(cfg.Service.Name))
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("Metrics server stopped", "error", err)
		}
	}()
	slog.Info("Metrics server starting", "address", srv.Address())
	return srv
}

func stopMetricsServer(srv *metric.Server) {
	if srv == nil {
		return
	}
	if err := srv.Stop(); err != nil {
		slog.Warn("Metrics server stop", "error", err)
	}
}

// setupNATS connects the NATS client when the nats transport or log
// mirroring needs it. Returns nil when NATS is not required.
func setupNATS(
	ctx context.Context,
	cfg *config.Config,
	registry *metric.MetricsRegistry,
	monitor *health.Monitor,
	transports []string,
) (*natsclient.Client, error) {
	if !contains(transports, "nats") && !cfg.Logging.MirrorNATS {
		return nil, nil
	}

	opts := []natsclient.ClientOption{
		natsclient.WithName(cfg.Service.Name),
		natsclient.WithMetrics(registry.CoreMetrics()),
		natsclient.WithJetStreamMetrics(registry),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				monitor.UpdateHealthy("nats", "connected")
			} else {
				monitor.UpdateUnhealthy("nats", "connection lost")
			}
		}),
	}
	if cfg.NATS.Name != "" {
		opts = append(opts, natsclient.WithName(cfg.NATS.Name))
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	if cfg.NATS.NKeySeedFile != "" {
		opts = append(opts, natsclient.WithNKeySeed(cfg.NATS.NKeySeedFile))
	}
	if cfg.NATS.TLS != nil && cfg.NATS.TLS.Enabled {
		opts = append(opts, natsclient.WithTLSConfig(cfg.NATS.TLS))
	}

	nc, err := natsclient.NewClient(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "url", cfg.NATS.URL)
	if err := nc.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := nc.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}

	return nc, nil
}

func closeNATS(nc *natsclient.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := nc.Close(ctx); err != nil {
		slog.Warn("NATS close", "error", err)
	}
}

// serverDeps bundles the shared transport server dependencies.
type serverDeps struct {
	logger    *logging.Logger
	metrics   *metric.Metrics
	extractor *tenant.Extractor
	nats      *natsclient.Client
	monitor   *health.Monitor
}

// startTransports creates, registers, and starts the requested servers.
func startTransports(
	ctx context.Context,
	cfg *config.Config,
	transports []string,
	deps serverDeps,
) ([]stoppable, error) {
	var servers []stoppable
	echo := handler.NewEchoHandler()

	for _, name := range transports {
		switch name {
		case "rest":
			srv, err := rest.NewServer(serverPreset(cfg, "rest"),
				rest.WithLogger(deps.logger.With("rest")),
				rest.WithMetrics(deps.metrics),
				rest.WithTenantExtractor(deps.extractor))
			if err != nil {
				return servers, fmt.Errorf("create REST server: %w", err)
			}
			if err := srv.Register(echoRoute, echo); err != nil {
				return servers, fmt.Errorf("register REST echo: %w", err)
			}
			if err := srv.Start(ctx); err != nil {
				return servers, fmt.Errorf("start REST server: %w", err)
			}
			servers = append(servers, srv)

		case "websocket":
			srv, err := websocket.NewServer(serverPreset(cfg, "websocket"),
				websocket.WithLogger(deps.logger.With("websocket")),
				websocket.WithMetrics(deps.metrics),
				websocket.WithTenantExtractor(deps.extractor))
			if err != nil {
				return servers, fmt.Errorf("create WebSocket server: %w", err)
			}
			if err := srv.Register(echoRoute, echo); err != nil {
				return servers, fmt.Errorf("register WebSocket echo: %w", err)
			}
			if err := srv.Start(ctx); err != nil {
				return servers, fmt.Errorf("start WebSocket server: %w", err)
			}
			servers = append(servers, srv)

		case "nats":
			srv, err := natsx.NewServer(deps.nats,
				natsx.WithLogger(deps.logger.With("natsx")),
				natsx.WithMetrics(deps.metrics),
				natsx.WithTenantExtractor(deps.extractor))
			if err != nil {
				return servers, fmt.Errorf("create NATS server: %w", err)
			}
			if err := srv.Register(echoRoute, echo); err != nil {
				return servers, fmt.Errorf("register NATS echo: %w", err)
			}
			if err := srv.Start(ctx); err != nil {
				return servers, fmt.Errorf("start NATS server: %w", err)
			}
			servers = append(servers, srv)
		}

		deps.monitor.UpdateHealthy(name, "serving")
	}

	return servers, nil
}

// serverPreset resolves a named server preset, falling back to "default"
// then the built-in defaults.
func serverPreset(cfg *config.Config, name string) transport.ServerConfig {
	if sc, err := cfg.Server(name); err == nil {
		return sc
	}
	if sc, err := cfg.Server("default"); err == nil {
		return sc
	}
	return transport.DefaultServerConfig()
}

func stopServers(servers []stoppable, timeout time.Duration) {
	for i := len(servers) - 1; i >= 0; i-- {
		if err := servers[i].Stop(timeout); err != nil {
			slog.Warn("Server stop", "error", err)
		}
	}
}

// waitForShutdown blocks until SIGINT or SIGTERM.
func waitForShutdown(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()
	slog.Info("Shutdown signal received")
	return nil
}
