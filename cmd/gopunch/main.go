// Gopunch daemon -- NAT traversal rendezvous server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dantte-lp/gopunch/internal/config"
	punchmetrics "github.com/dantte-lp/gopunch/internal/metrics"
	"github.com/dantte-lp/gopunch/internal/registry"
	"github.com/dantte-lp/gopunch/internal/server"
	appversion "github.com/dantte-lp/gopunch/internal/version"
	"github.com/dantte-lp/gopunch/pkg/punchpb/punch/v1/punchv1connect"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// flightRecorderMinAge is the minimum window age for the flight recorder.
// Captures the last second of execution traces for debugging punch failures.
const flightRecorderMinAge = time.Second

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	// 2. Load config.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("gopunch starting",
		slog.String("version", appversion.Version),
		slog.String("rpc_addr", cfg.RPC.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	// 4. Start flight recorder for post-mortem debugging of punch failures.
	fr := startFlightRecorder(logger)

	// 5. Create Prometheus metrics collector.
	promReg := prometheus.NewRegistry()
	collector := punchmetrics.NewCollector(promReg)

	// 6. Create the session registry with metrics wired in.
	reg := registry.New(logger,
		registry.WithMetrics(collector),
		registry.WithSessionTimeout(cfg.Punch.SessionTimeout),
		registry.WithSweepChance(cfg.Punch.SweepChance),
	)

	// 7. Run servers.
	if err := runServers(cfg, reg, promReg, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("gopunch exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("gopunch stopped")
	return 0
}

// runServers sets up and runs the RPC and metrics HTTP servers using an
// errgroup with signal-aware context for graceful shutdown.
func runServers(
	cfg *config.Config,
	reg *registry.Registry,
	promReg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	metricsSrv := newMetricsServer(cfg.Metrics, promReg)
	rpcSrv := newRPCServer(cfg.RPC, cfg.Punch, reg, logger)

	// errgroup with signal-aware context.
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	startHTTPServers(gCtx, g, cfg, rpcSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, logger)

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, fr, rpcSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// startHTTPServers registers the RPC and metrics HTTP server goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	rpcSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("rpc server listening", slog.String("addr", cfg.RPC.Addr))
		return listenAndServe(ctx, &lc, rpcSrv, cfg.RPC.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady reports the daemon as initialized and serving.
func notifyReady(logger *slog.Logger) {
	sdNotify(logger, daemon.SdNotifyReady, "READY")
}

// notifyStopping reports the start of graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sdNotify(logger, daemon.SdNotifyStopping, "STOPPING")
}

// sdNotify delivers one sd_notify state to systemd. Delivery failures are
// logged and ignored: a rendezvous server run outside systemd (tests, plain
// shells, containers without the notify socket) must behave identically.
func sdNotify(logger *slog.Logger, state, label string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		logger.Warn("sd_notify failed",
			slog.String("state", label),
			slog.String("error", err.Error()),
		)
	case sent:
		logger.Info("notified systemd", slog.String("state", label))
	}
}

// runWatchdog feeds the systemd watchdog, if one is configured, until the
// context ends. Beats go out at half the configured WatchdogSec so a single
// delayed beat never trips the supervisor.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	window, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if window == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	beat := window / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("window", window),
		slog.Duration("beat", beat),
	)

	ticker := time.NewTicker(beat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// Beats are too frequent to log on success.
			if _, beatErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); beatErr != nil {
				logger.Warn("failed to send watchdog beat",
					slog.String("error", beatErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — dynamic log level
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP signals and reloads configuration.
// On reload, the log level is updated dynamically via the shared LevelVar.
// The listen addresses and timing parameters are fixed for the process
// lifetime. Blocks until the context is cancelled (graceful shutdown).
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, logger)
		}
	}
}

// reloadConfig loads a fresh configuration from the given path and updates
// the dynamic log level. Errors during reload are logged but do not stop
// the daemon -- the previous configuration remains in effect.
func reloadConfig(
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown performs an orderly shutdown: signals systemd, stops the
// flight recorder (its trace window is not written out), then shuts down
// HTTP servers. Stopping the RPC server
// ends every session stream, which runs each session's cleanup path.
//
// The parent context is already cancelled when this function is called.
// A fresh timeout context is created internally for server drain.
func gracefulShutdown(
	ctx context.Context,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	// Stop flight recorder.
	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	// Derive a fresh shutdown context from the parent (which is cancelled).
	// context.WithoutCancel detaches from the parent's cancellation so we
	// can enforce our own drain timeout.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Flight Recorder — runtime/trace
// -------------------------------------------------------------------------

// startFlightRecorder initializes and starts the FlightRecorder for
// post-mortem debugging of punch orchestration failures. The recorder
// maintains a rolling window of execution trace data that can be dumped on
// demand.
func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder",
			slog.String("error", err.Error()),
		)
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// headerTimeout guards both HTTP servers against slow-header connections.
// Session streams are exempt once established; only the initial headers race
// this clock.
const headerTimeout = 10 * time.Second

// listenAndServe binds addr and serves srv until shutdown. A bind failure is
// fatal for the daemon: a rendezvous server that cannot accept clients has
// nothing else to do, so the error propagates up through the errgroup and
// out of run() as a non-zero exit.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	err = srv.Serve(ln)
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("serve on %s: %w", addr, err)
}

// newMetricsServer builds the Prometheus scrape endpoint. It stays a
// separate listener from the RPC server so operators can firewall the two
// surfaces independently.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: headerTimeout,
	}
}

// newRPCServer creates an HTTP server for the ConnectRPC endpoint.
// The handler is wrapped with h2c to support HTTP/2 without TLS, which the
// bidirectional session stream requires over plaintext; unary calls are also
// accepted over plain HTTP/1.1. Includes standard gRPC health checking
// (grpc.health.v1).
func newRPCServer(
	rpcCfg config.RPCConfig,
	punchCfg config.PunchConfig,
	reg *registry.Registry,
	logger *slog.Logger,
) *http.Server {
	mux := http.NewServeMux()

	opts := []connect.HandlerOption{
		connect.WithInterceptors(
			server.LoggingInterceptor(logger),
			server.RecoveryInterceptor(logger, reg.Metrics()),
		),
	}
	if rpcCfg.RatePerSec > 0 {
		limiter := rate.NewLimiter(rate.Limit(rpcCfg.RatePerSec), rpcCfg.RateBurst)
		opts = append(opts, connect.WithInterceptors(server.RateLimitInterceptor(limiter)))
	}

	// Rendezvous service handler.
	path, handler := server.New(reg, punchCfg.JoinTimeout, logger, opts...)
	mux.Handle(path, handler)

	// gRPC health check handler (grpc.health.v1).
	// Reports SERVING for the overall server and the punch service.
	checker := grpchealth.NewStaticChecker(
		grpchealth.HealthV1ServiceName,
		punchv1connect.PunchServiceName,
	)
	mux.Handle(grpchealth.NewHandler(checker))

	return &http.Server{
		Addr:              rpcCfg.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: headerTimeout,
	}
}

// loadConfig resolves the effective configuration: the YAML file when a path
// was given, the built-in defaults otherwise. Either way env overrides and
// validation have been applied by the config package.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}
	return cfg, nil
}

// newLoggerWithLevel builds the daemon's structured logger on stdout in the
// configured format. The handler shares level with the given LevelVar so a
// SIGHUP reload retunes verbosity without recreating the logger.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
