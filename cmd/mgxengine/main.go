package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kirayoXkaki/mgxEngine/internal/artifacts"
	"github.com/kirayoXkaki/mgxEngine/internal/bus"
	"github.com/kirayoXkaki/mgxEngine/internal/config"
	"github.com/kirayoXkaki/mgxEngine/internal/gateway"
	"github.com/kirayoXkaki/mgxEngine/internal/janitor"
	otelPkg "github.com/kirayoXkaki/mgxEngine/internal/otel"
	"github.com/kirayoXkaki/mgxEngine/internal/persistence"
	"github.com/kirayoXkaki/mgxEngine/internal/pipeline"
	"github.com/kirayoXkaki/mgxEngine/internal/ratelimit"
	"github.com/kirayoXkaki/mgxEngine/internal/runner"
	"github.com/kirayoXkaki/mgxEngine/internal/sandbox"
	"github.com/kirayoXkaki/mgxEngine/internal/task"
	"github.com/kirayoXkaki/mgxEngine/internal/telemetry"
	"go.opentelemetry.io/otel/metric"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the engine daemon
  %s status                   Show daemon health status (/healthz)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  MGX_HOME                Data directory (default: ~/.mgx)
  MGX_BIND_ADDR           Listen address override
  MGX_TEST_MODE           Set to 1 for the shorter test deadline
`)
}

func main() {
	loadDotEnv(".env")

	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	instruments, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	eventBus := bus.New(store, logger)
	eventBus.OnEmit(func(taskID string, typ task.EventType) {
		instruments.EventsEmitted.Add(context.Background(), 1,
			metric.WithAttributes(otelPkg.AttrEventType.String(string(typ))))
	})
	limiter := ratelimit.New(cfg.LLMMaxConcurrency, logger)
	limiter.Instrument(
		func() { instruments.ActivePermits.Add(context.Background(), 1) },
		func() { instruments.ActivePermits.Add(context.Background(), -1) },
		func() { instruments.PermitSaturation.Add(context.Background(), 1) },
	)
	artStore := artifacts.NewStore(store, logger)

	exec, execClose := buildExecutor(cfg, logger)
	defer execClose()

	pipe := pipeline.New(limiter, artStore, eventBus, exec, nil, logger)
	run := runner.New(pipe, eventBus, store, instruments, logger,
		cfg.TaskDeadline(),
		time.Duration(cfg.CancelAckTimeoutSeconds)*time.Second,
	)

	sweeper, err := janitor.New(janitor.Config{
		Evictor:   run,
		Logger:    logger,
		Schedule:  cfg.Janitor.Schedule,
		Retention: time.Duration(cfg.Janitor.RetentionMinutes) * time.Minute,
	})
	if err != nil {
		fatalStartup(logger, "E_JANITOR_INIT", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	gw, err := gateway.New(gateway.Config{
		Runner:            run,
		Bus:               eventBus,
		Artifacts:         artStore,
		Limiter:           limiter,
		Editor:            pipe,
		Store:             store,
		Logger:            logger,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		ReplayEventCount:  cfg.ReplayEventCount,
		WSIdleTimeout:     time.Duration(cfg.WSIdleTimeoutSeconds) * time.Second,
	})
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  another process is using %s; stop it or change bind_addr in config.yaml", err, cfg.BindAddr))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws/tasks/{id}")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then let in-flight tasks finish or hit their
	// deadline; deferred closes flush the store.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	for _, id := range run.ListActive() {
		if _, err := run.Cancel(id); err != nil {
			logger.Warn("cancel on shutdown failed", "task_id", id, "error", err)
		}
	}
	logger.Info("shutdown complete")
}

// buildExecutor picks the docker sandbox when enabled, falling back to a
// plain subprocess when docker is unavailable.
func buildExecutor(cfg config.Config, logger *slog.Logger) (sandbox.Executor, func()) {
	if cfg.Sandbox.Enabled {
		docker, err := sandbox.NewDockerExecutor(
			cfg.Sandbox.Image,
			cfg.Sandbox.MemoryMB,
			cfg.Sandbox.Network,
			cfg.Sandbox.Workspace,
		)
		if err == nil {
			logger.Info("docker sandbox enabled", "image", cfg.Sandbox.Image)
			return docker, func() {
				if err := docker.Close(); err != nil {
					logger.Warn("docker sandbox close failed", "error", err)
				}
			}
		}
		logger.Warn("docker sandbox init failed, falling back to subprocess execution", "error", err)
	}
	return sandbox.NewProcessExecutor("", ""), func() {}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
