package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/t77yq/agentspace/internal/backend"
	"github.com/t77yq/agentspace/internal/config"
	"github.com/t77yq/agentspace/internal/executor"
	"github.com/t77yq/agentspace/internal/handler"
	"github.com/t77yq/agentspace/internal/messaging"
	"github.com/t77yq/agentspace/internal/metrics"
	"github.com/t77yq/agentspace/internal/monitor"
	"github.com/t77yq/agentspace/internal/orchestrator"
	"github.com/t77yq/agentspace/internal/scheduler"
	"github.com/t77yq/agentspace/internal/state"
	"github.com/t77yq/agentspace/internal/storage"
)

const natsConnectAttempts = 5

// runtime holds every long lived component of the daemon
type runtime struct {
	logger    *zap.Logger
	cfg       *config.Config
	registry  *prometheus.Registry
	store     *storage.Store
	states    *state.Manager
	bus       *messaging.Bus
	orch      *orchestrator.Orchestrator
	collector *monitor.MetricsCollector
	conns     *handler.ConnectorRegistry
	backend   *backend.ProcessBackend
	nc        *nats.Conn
}

func openStore(cfg *config.Config, logger *zap.Logger) (*storage.Store, error) {
	return storage.Open(cfg.Storage.Path, storage.Options{
		BusyTimeout:  cfg.Storage.BusyTimeout,
		WriteRetries: cfg.Storage.WriteRetries,
	}, logger)
}

func buildRuntime(cfg *config.Config, logger *zap.Logger) (rt *runtime, err error) {
	rt = &runtime{
		logger:   logger,
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			rt.close()
			rt = nil
		}
	}()

	rt.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(rt.registry)

	rt.store, err = openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	rt.states, err = state.NewManager(rt.store, state.Options{CacheEntries: cfg.Runtime.CacheEntries}, m, logger)
	if err != nil {
		return nil, err
	}

	var relay messaging.Relay
	if cfg.NATS.Enabled {
		rt.nc, err = connectNATS(cfg, logger)
		if err != nil {
			return nil, err
		}
		js, err := rt.nc.JetStream()
		if err != nil {
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}
		relay, err = messaging.NewNATSRelay(js, cfg.NATS.Stream, logger)
		if err != nil {
			return nil, err
		}
	}

	rt.bus = messaging.NewBus(messaging.Options{
		MaxHistory:       cfg.Runtime.MaxHistory,
		InboxSize:        cfg.Runtime.InboxSize,
		SubscriberBuffer: cfg.Runtime.SubscriberBuffer,
	}, relay, m, logger)

	tools, err := rt.buildToolkit(logger)
	if err != nil {
		return nil, err
	}

	rt.orch = orchestrator.New(rt.store, rt.states, rt.bus, tools, orchestrator.Options{
		AutoRetry: cfg.Runtime.AutoRetry,
		RetryStrategy: &scheduler.ExponentialBackoff{
			InitialDelay: cfg.Runtime.RetryDelay,
			MaxDelay:     cfg.Runtime.RetryMaxDelay,
			Multiplier:   2,
		},
		QueueSize: cfg.Runtime.QueueSize,
		Scheduler: scheduler.Options{TickInterval: cfg.Runtime.TickInterval},
	}, m, logger)

	rt.collector = monitor.NewMetricsCollector(rt.bus, rt.orch, tools.Resources, cfg.Metrics.SampleInterval, m, logger)
	return rt, nil
}

func (rt *runtime) buildToolkit(logger *zap.Logger) (executor.Toolkit, error) {
	cfg := rt.cfg

	connectors := handler.NewConnectorRegistry(handler.NewMemoryConnector("memory"))
	if cfg.Connectors.FilesystemRoot != "" {
		fs, err := handler.NewFilesystemConnector(logger, "filesystem", cfg.Connectors.FilesystemRoot)
		if err != nil {
			return executor.Toolkit{}, err
		}
		connectors.Register(fs)
	}
	if cfg.Connectors.SQL {
		sqlConn, err := handler.NewSQLConnector(logger, "sqlite", rt.store.DB())
		if err != nil {
			return executor.Toolkit{}, err
		}
		connectors.Register(sqlConn)
	}
	rt.conns = connectors
	logger.Info("Data connectors ready", zap.Strings("connectors", connectors.Names()))

	tools := executor.Toolkit{
		Connectors: connectors,
		Processors: handler.NewDataProcessingHandler(logger),
		Email:      handler.NewEmailSender(logger, cfg.Email),
		Webhook:    handler.NewWebhookHandler(logger, cfg.Connectors.WebhookRate, cfg.Connectors.WebhookBurst),
		Commands:   handler.NewCommandHandler(logger, cfg.Connectors.CommandDir),
		Watcher:    handler.NewFileWatcher(logger),
		Custom:     handler.NewCustomRegistry(),
		Resources:  executor.NewResourceMonitor(logger),
	}

	if cfg.Backend.Enabled() {
		proc, err := backend.StartProcess(cfg.Backend.Process(), logger)
		if err != nil {
			return executor.Toolkit{}, fmt.Errorf("failed to start action backend: %w", err)
		}
		rt.backend = proc
		tools.Backend = backend.NewReliableBackend(proc, cfg.Backend.Reliability(), logger)
	}
	return tools, nil
}

func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	attempt := 0
	err := retry.New(
		retry.Attempts(natsConnectAttempts),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
	).Do(func() error {
		attempt++
		var err error
		nc, err = nats.Connect(cfg.NATS.URL, opts...)
		if err != nil {
			logger.Warn("Failed to connect to NATS, retrying",
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", attempt, err)
	}

	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

func (rt *runtime) start(ctx context.Context) error {
	if err := rt.orch.Start(ctx); err != nil {
		return err
	}
	rt.collector.Start(ctx)
	return nil
}

// stop shuts the orchestrator down first so the final checkpoints are
// written before the store closes
func (rt *runtime) stop(ctx context.Context) error {
	rt.collector.Stop()
	err := rt.orch.Stop(ctx)
	rt.close()
	return err
}

func (rt *runtime) close() {
	var errs []error
	if rt.backend != nil {
		errs = append(errs, rt.backend.Close())
	}
	if rt.nc != nil {
		if err := rt.nc.Drain(); err != nil {
			rt.nc.Close()
		}
	}
	if rt.states != nil {
		rt.states.Close()
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		rt.logger.Warn("Failed to release resources", zap.Error(err))
	}
}
