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
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/crosstalk/ct-bridge/internal/agent"
	"github.com/crosstalk/ct-bridge/internal/audit"
	"github.com/crosstalk/ct-bridge/internal/bridge"
	"github.com/crosstalk/ct-bridge/internal/config"
	"github.com/crosstalk/ct-bridge/internal/otelx"
	"github.com/crosstalk/ct-bridge/internal/permission"
	"github.com/crosstalk/ct-bridge/internal/retention"
	"github.com/crosstalk/ct-bridge/internal/sandbox"
	"github.com/crosstalk/ct-bridge/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the bridge daemon

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CTBRIDGE_HOME            Data directory (default: ~/.ct-bridge)
  CTBRIDGE_BIND_ADDR       Listen address (default: 127.0.0.1:8137)
  CTBRIDGE_AGENT_CMD       Agent command, overrides agent.command in config.yaml
  CTBRIDGE_ALLOW_ORIGINS   Comma-separated Origin allow-list
  CTBRIDGE_PROJECT_ROOTS   Comma-separated project roots for fs access
`)
}

func main() {
	flag.Usage = printUsage
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("ct-bridge", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint(), "version", Version)

	if cfg.Agent.Command == "" {
		fatalStartup(logger, "E_AGENT_CMD_MISSING",
			errors.New("no agent command configured; set agent.command in config.yaml or CTBRIDGE_AGENT_CMD"))
	}

	// OpenTelemetry (no-op when disabled).
	otelProvider, err := otelx.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelx.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	auditLog, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer auditLog.Close()

	store, err := permission.OpenStore(ctx, cfg.PolicyStorePath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()

	engine, err := permission.NewEngine(ctx, store, auditLog, logger)
	if err != nil {
		fatalStartup(logger, "E_POLICY_REHYDRATE", err)
	}
	logger.Info("startup phase", "phase", "policy_store_loaded", "path", cfg.PolicyStorePath)

	// Live snapshot of the hot-reloadable fields; the origin check and the
	// sandbox consult it per call.
	live := config.NewLive(cfg)

	transport, err := agent.Spawn(agent.Config{
		Command: cfg.Agent.Command,
		Args:    cfg.Agent.Args,
		Env:     cfg.Agent.Env,
		Dir:     cfg.Agent.Dir,
		Logger:  logger,
		OnExit: func(err error) {
			if err != nil {
				logger.Error("agent process exited", "error", err)
			} else {
				logger.Info("agent process exited")
			}
			stop()
		},
	})
	if err != nil {
		fatalStartup(logger, "E_AGENT_SPAWN", err)
	}
	defer transport.Close()
	logger.Info("startup phase", "phase", "agent_spawned", "command", cfg.Agent.Command)

	srv, err := bridge.New(bridge.Config{
		BridgeID:     uuid.NewString(),
		Origins:      live.Origins,
		ProjectRoots: live.ProjectRoots,
		Guard:        sandbox.New(live.ProjectRoots),
		Permissions:  engine,
		Audit:        auditLog,
		Transport:    transport,
		Logger:       logger,
		Metrics:      metrics,
		CLIBinName:   cfg.Agent.CLIBin,
	})
	if err != nil {
		fatalStartup(logger, "E_BRIDGE_INIT", err)
	}

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		logger.Error("startup failure", "reason_code", "E_LISTENER_BIND", "error", err.Error())
		if isAddrInUse(err) {
			fmt.Fprintf(os.Stderr, "Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.\n", cfg.BindAddr)
		}
		os.Exit(2)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)

	server := &http.Server{Handler: srv.Handler()}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Config hot-reload: only the origin allow-list and project roots apply
	// without a restart; everything else needs a new process.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start; hot-reload disabled", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				newCfg, err := config.Load()
				if err != nil {
					logger.Error("config reload failed; keeping previous config", "path", ev.Path, "error", err)
					continue
				}
				live.Update(newCfg)
				logger.Info("config hot-reloaded", "fingerprint", newCfg.Fingerprint())
			}
		}()
	}

	sweeper, err := retention.NewSweeper(retention.Config{
		Log:      auditLog,
		Logger:   logger,
		Schedule: cfg.Retention.Schedule,
		MaxAge:   time.Duration(cfg.Retention.AuditLogDays) * 24 * time.Hour,
	})
	if err != nil {
		fatalStartup(logger, "E_RETENTION_SCHEDULE", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	logger.Info("bridge ready", "addr", cfg.BindAddr, "origins", cfg.AllowOrigins, "roots", cfg.ProjectRoots)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
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
			`{"timestamp":"%s","level":"ERROR","component":"bridge","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}
