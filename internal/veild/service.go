// Package veild assembles and runs the key management service.
package veild

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/merdocx/veil-xray/internal/veild/api"
	"github.com/merdocx/veil-xray/internal/veild/config"
	"github.com/merdocx/veil-xray/internal/veild/db"
	"github.com/merdocx/veil-xray/internal/veild/events"
	"github.com/merdocx/veil-xray/internal/veild/keys"
	"github.com/merdocx/veil-xray/internal/veild/queue"
	syncjob "github.com/merdocx/veil-xray/internal/veild/sync"
	"github.com/merdocx/veil-xray/internal/veild/xray"
	"github.com/merdocx/veil-xray/pkg/logger"
)

// Service owns every component and their start/stop order.
type Service struct {
	config  *config.Config
	logger  *logger.Logger
	store   db.Store
	bus     events.Bus
	control *xray.ControlClient
	queue   *queue.ConfigTaskQueue
	keys    *keys.Service
	syncer  *syncjob.Syncer
	server  *api.Server
	version string
}

// New builds the full service graph from configuration. Nothing is
// started yet; call Start.
func New(cfg *config.Config, log *logger.Logger, version string) (*Service, error) {
	store, err := db.NewStore(&db.Config{
		Path:            cfg.DB.Path,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	bus := events.NewBus(log)

	configStore := xray.NewConfigStore(xray.StoreConfig{
		ConfigPath:  cfg.Xray.ConfigPath,
		BinaryPath:  cfg.Xray.BinaryPath,
		TestTimeout: cfg.Xray.TestTimeout,
		DefaultFlow: cfg.Reality.Flow,
	}, log)

	control := xray.NewControlClient(xray.ClientConfig{
		APIBaseURL:     cfg.Xray.APIBaseURL(),
		BinaryPath:     cfg.Xray.BinaryPath,
		StatsServer:    cfg.Xray.StatsServerAddr(),
		RetryAttempts:  cfg.Xray.RetryAttempts,
		RetryBackoff:   cfg.Xray.RetryBackoff,
		RetryCap:       cfg.Xray.RetryCap,
		RequestTimeout: cfg.Xray.APITimeout,
		HealthTimeout:  cfg.Xray.HealthTimeout,
	}, log)

	q := queue.New(configMutator(configStore), log)

	keySvc := keys.NewService(store, q, control, bus, cfg.Reality, cfg.Xray.MutationWait, log)

	syncer := syncjob.NewSyncer(store, control, bus, cfg.Sync.Schedule, log)

	server := api.NewServer(api.ServerConfig{
		Address:     cfg.API.ListenAddr,
		SecretKey:   cfg.API.SecretKey,
		CORSOrigins: cfg.API.CORSOrigins,
		Version:     version,
	}, keySvc, control, log)

	return &Service{
		config:  cfg,
		logger:  log.WithComponent("service"),
		store:   store,
		bus:     bus,
		control: control,
		queue:   q,
		keys:    keySvc,
		syncer:  syncer,
		server:  server,
		version: version,
	}, nil
}

// configMutator routes queue tasks to the config store.
func configMutator(store *xray.ConfigStore) queue.Mutator {
	return queue.MutatorFunc(func(ctx context.Context, task queue.Task) error {
		switch task.Kind {
		case queue.KindAddUser:
			return store.AddUser(ctx, task.UUID, task.ShortID, task.Email)
		case queue.KindRemoveUser:
			return store.RemoveUser(ctx, task.UUID, task.ShortID)
		case queue.KindEnsureShortID:
			return store.EnsureShortID(ctx, task.ShortID)
		default:
			return fmt.Errorf("unknown config task kind %q", task.Kind)
		}
	})
}

// Start brings the service up: queue first so mutations can flow, then
// the startup reconcile, the sync job, and finally the API server.
func (s *Service) Start(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting veild",
		slog.String("version", s.version))

	s.queue.Start()

	if err := s.keys.Reconcile(ctx); err != nil {
		s.logger.ErrorCtx(ctx, "startup reconcile failed", err)
		// Keys already in the config keep working; only the catch-up is lost.
	}

	if s.config.Sync.Enabled {
		if err := s.syncer.Start(); err != nil {
			return fmt.Errorf("failed to start traffic sync: %w", err)
		}
	}

	if err := s.server.Start(ctx); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "veild started",
		slog.String("api", s.config.API.ListenAddr))
	return nil
}

// WaitForShutdown blocks until SIGINT or SIGTERM, then stops the
// service gracefully.
func (s *Service) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

	if err := s.Stop(context.Background()); err != nil {
		s.logger.Error("shutdown finished with errors", slog.String("error", err.Error()))
	}
}

// Stop shuts components down in reverse order: stop accepting requests,
// stop the sync job, drain the queue, then close the bus and database.
func (s *Service) Stop(ctx context.Context) error {
	s.logger.InfoContext(ctx, "stopping veild")

	timeout := s.config.Service.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var firstErr error

	if err := s.server.Stop(shutdownCtx); err != nil {
		s.logger.ErrorCtx(shutdownCtx, "api server stop failed", err)
		firstErr = err
	}

	if err := s.syncer.Stop(shutdownCtx); err != nil {
		s.logger.ErrorCtx(shutdownCtx, "traffic sync stop failed", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	if err := s.queue.Stop(shutdownCtx); err != nil {
		s.logger.ErrorCtx(shutdownCtx, "config queue stop failed", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	if err := s.bus.Close(); err != nil {
		s.logger.ErrorCtx(shutdownCtx, "event bus close failed", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	if err := s.store.Close(); err != nil {
		s.logger.ErrorCtx(shutdownCtx, "database close failed", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	s.logger.Info("veild stopped")
	return firstErr
}
