package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/c360studio/semstreams/natsclient"

	"github.com/c360studio/semflow/config"
	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/workflow"
	"github.com/c360studio/semflow/workflow/fanout"
	"github.com/c360studio/semflow/workflow/protocol"
)

// App wires the orchestration core together: NATS, the record store, the
// audit log, the protocol registry, and the engine.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	embeddedServer *server.Server
	nc             *natsclient.Client

	store    *workflow.RecordStore
	audit    *storage.AuditLog
	registry *protocol.Registry
	engine   *workflow.Engine
}

// NewApp creates an application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}
}

// Start brings up NATS and initializes the stores and engine.
func (a *App) Start(ctx context.Context) error {
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	store, err := workflow.NewRecordStore(a.nc)
	if err != nil {
		return fmt.Errorf("initialize record store: %w", err)
	}
	a.store = store

	audit, err := storage.NewAuditLog(a.nc, a.logger)
	if err != nil {
		return fmt.Errorf("initialize audit log: %w", err)
	}
	a.audit = audit

	registry, err := a.loadRegistry()
	if err != nil {
		return fmt.Errorf("load protocol registry: %w", err)
	}
	a.registry = registry

	engine, err := workflow.NewEngine(store, fanout.NewNATSInvoker(a.nc),
		workflow.WithRegistry(registry),
		workflow.WithAuditor(audit),
		workflow.WithEvents(workflow.NewEventPublisher(a.nc, a.logger)),
		workflow.WithEngineLogger(a.logger),
		workflow.WithEngineConfig(workflow.EngineConfig{
			Retry:  a.cfg.Retry,
			Fanout: a.cfg.Fanout,
		}),
	)
	if err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}
	a.engine = engine

	a.logger.Info("Semflow ready",
		"protocols", registry.Len(),
		"embedded_nats", a.embeddedServer != nil)
	return nil
}

func (a *App) loadRegistry() (*protocol.Registry, error) {
	if a.cfg.Protocols.CatalogPath != "" {
		return protocol.LoadRegistry(a.cfg.Protocols.CatalogPath)
	}
	return protocol.LoadRegistryFromDir(a.cfg.Repo.Path)
}

func (a *App) startNATS(ctx context.Context) error {
	url := a.cfg.NATS.URL

	if url == "" || a.cfg.NATS.Embedded {
		// Start embedded NATS server
		a.logger.Info("Starting embedded NATS server")
		opts := &server.Options{
			Port:      -1, // Random available port
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}

		a.embeddedServer = ns
		url = ns.ClientURL()
	} else {
		a.logger.Info("Connecting to NATS", "url", url)
	}

	client, err := natsclient.NewClient(url,
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithCircuitBreakerThreshold(20),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	if err := client.WaitForConnection(ctx); err != nil {
		return fmt.Errorf("wait for NATS connection: %w", err)
	}

	a.nc = client
	return nil
}

// Shutdown gracefully stops NATS.
func (a *App) Shutdown(ctx context.Context) {
	if a.nc != nil {
		if err := a.nc.Close(ctx); err != nil {
			a.logger.Warn("NATS close failed", "error", err)
		}
	}
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
}
