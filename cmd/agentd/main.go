// Package main is the entry point for the agentd session daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sandboxagent/agentd/internal/config"
	"github.com/sandboxagent/agentd/internal/driver"
	"github.com/sandboxagent/agentd/internal/driver/server"
	"github.com/sandboxagent/agentd/internal/driver/subprocess"
	"github.com/sandboxagent/agentd/internal/driver/subprocess/codexproto"
	"github.com/sandboxagent/agentd/internal/driver/subprocess/copilot"
	"github.com/sandboxagent/agentd/internal/driver/subprocess/streamjson"
	"github.com/sandboxagent/agentd/internal/hitl"
	"github.com/sandboxagent/agentd/internal/httpapi"
	"github.com/sandboxagent/agentd/internal/logging"
	"github.com/sandboxagent/agentd/internal/mcpserver"
	"github.com/sandboxagent/agentd/internal/persistence"
	"github.com/sandboxagent/agentd/internal/registry"
	"github.com/sandboxagent/agentd/internal/session"
	"github.com/sandboxagent/agentd/internal/tracing"
	"github.com/sandboxagent/agentd/pkg/agent"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logging.SetDefault(log)

	log.Info("starting agentd")

	// 3. Initialize tracing (no-op unless cfg.Tracing.Enabled)
	shutdownTracing, err := tracing.Init(cfg.Tracing)
	if err != nil {
		log.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	// 4. Load the Agent Registry
	reg, err := registry.New(cfg.Registry.CataloguePath)
	if err != nil {
		log.Fatal("failed to load agent registry", zap.Error(err))
	}

	// 5. Optional persistence hook (§6); disabled by default
	persist, closePersist := newPersistenceHook(cfg.Persistence, log)
	defer closePersist()

	// 6. Wire one driver factory per protocol the registry can name
	pool := server.NewPool(server.PoolConfig{
		PortRangeStart:   cfg.Drivers.ServerPortRangeStart,
		PortRangeEnd:     cfg.Drivers.ServerPortRangeEnd,
		HealthCheckEvery: time.Duration(cfg.Drivers.ServerHealthCheckMillis) * time.Millisecond,
		LaunchTimeout:    cfg.Drivers.LaunchTimeout(),
		RestartAttempts:  cfg.Drivers.ServerRestartAttempts,
	}, log)

	factories := map[agent.Protocol]driver.Factory{
		agent.ProtocolClaudeCode: func(startCfg driver.StartConfig) (driver.Driver, error) {
			return subprocess.New(startCfg, streamjson.NewClaude(), cfg.Drivers.StderrRingSize), nil
		},
		agent.ProtocolAmp: func(startCfg driver.StartConfig) (driver.Driver, error) {
			return subprocess.New(startCfg, streamjson.NewAmp(), cfg.Drivers.StderrRingSize), nil
		},
		agent.ProtocolCodex: func(startCfg driver.StartConfig) (driver.Driver, error) {
			return subprocess.New(startCfg, codexproto.Converter{}, cfg.Drivers.StderrRingSize), nil
		},
		agent.ProtocolCopilot: func(startCfg driver.StartConfig) (driver.Driver, error) {
			return copilot.New(startCfg), nil
		},
		agent.ProtocolOpenCode: func(startCfg driver.StartConfig) (driver.Driver, error) {
			return server.New(pool, startCfg), nil
		},
	}

	// 7. Build the Session Manager. The MCP server URL is computed up front
	// since it must be threaded into NewManager so Create can hand it to
	// agents with the mcpTools capability; the mcpserver.Server itself is
	// built afterward, once mgr exists for it to forward tool calls into.
	mcpURL := fmt.Sprintf("http://%s:%d/mcp", loopbackHost(cfg.Server.Host), cfg.Server.Port)
	coord := hitl.New()
	mgr := session.NewManager(
		reg,
		coord,
		factories,
		cfg.EventLog.RetentionPerSession,
		cfg.EventLog.SubscriberBuffer,
		log,
		session.WithPersistence(persist),
		session.WithMCPServerURL(mcpURL),
	)

	mcpSrv := mcpserver.New(mgr, reg, log)

	// 8. Build the HTTP API
	apiServer := httpapi.NewServer(cfg.Server, mgr, reg, log, mcpSrv)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 9. Start serving
	go func() {
		log.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	// 10. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down agentd")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	if err := mcpSrv.Close(shutdownCtx); err != nil {
		log.Warn("mcp server shutdown error", zap.Error(err))
	}

	mgr.Shutdown(shutdownCtx)

	log.Info("agentd stopped")
}

// newPersistenceHook builds the configured persistence.Hook and a matching
// close function. Errors opening a sqlite store are fatal: a daemon
// configured to persist that silently falls back to Noop would lose data
// without anyone noticing.
func newPersistenceHook(cfg config.PersistenceConfig, log *logging.Logger) (persistence.Hook, func()) {
	if !cfg.Enabled || cfg.Driver == "noop" {
		return persistence.Noop{}, func() {}
	}

	store, err := persistence.NewSQLite(cfg.Path)
	if err != nil {
		log.Fatal("failed to open persistence store", zap.String("path", cfg.Path), zap.Error(err))
	}
	return store, func() {
		if err := store.Close(); err != nil {
			log.Warn("error closing persistence store", zap.Error(err))
		}
	}
}

// loopbackHost maps a listen host to the address another process on this
// host should use to reach it. "0.0.0.0" (listen on every interface) isn't
// a valid dial target, so spawned agent subprocesses need 127.0.0.1 instead.
func loopbackHost(listenHost string) string {
	if listenHost == "" || listenHost == "0.0.0.0" || listenHost == "::" {
		return "127.0.0.1"
	}
	return listenHost
}
