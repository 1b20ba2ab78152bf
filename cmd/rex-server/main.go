// rex-server — узел оркестратора графов удалённых tasks.
//
// Узел:
//   - принимает графы, административные команды и callbacks по HTTP
//   - выполняет отложенные эффекты транзакций (удалённые вызовы, уведомления)
//   - следит за heartbeat и таймаутами отмены через кластерные job
//   - запускает фоновые проходы обслуживания по cron-расписанию
//
// Все узлы равноправны и работают с общим хранилищем (postgres или etcd).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/shaiso/rex/internal/api"
	"github.com/shaiso/rex/internal/config"
	"github.com/shaiso/rex/internal/controller"
	"github.com/shaiso/rex/internal/dispatch"
	"github.com/shaiso/rex/internal/jobs"
	"github.com/shaiso/rex/internal/maintenance"
	"github.com/shaiso/rex/internal/mq"
	"github.com/shaiso/rex/internal/queue"
	"github.com/shaiso/rex/internal/remote"
	"github.com/shaiso/rex/internal/telemetry"
	"github.com/shaiso/rex/internal/txn"
)

var startTime = time.Now()

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "rex-server:", err)
		os.Exit(1)
	}
}

func run() (err error) {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("starting rex-server",
		"instance", cfg.InstanceID,
		"store", cfg.Store.Backend,
	)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, st.Close()) }()
	logger.Info("store ready", "backend", cfg.Store.Backend)

	// RabbitMQ (optional)
	var (
		mqConn    *mq.Connection
		publisher dispatch.Publisher
	)
	if cfg.Broker.URL != "" {
		mqConn, err = mq.NewConnection(cfg.Broker.URL, logger)
		if err != nil {
			if cfg.Broker.DistributeEffects {
				return fmt.Errorf("connect broker: %w", err)
			}
			logger.Warn("RabbitMQ not available, running without events", "error", err)
			mqConn = nil
		} else {
			defer func() { err = multierr.Append(err, mqConn.Close()) }()
			if err := mq.SetupTopology(ctx, mqConn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			} else {
				logger.Debug("topology declared", "layout", mq.TopologyInfo())
			}
			publisher = mq.NewPublisher(mqConn, "rex-server/"+cfg.InstanceID, logger)
			logger.Info("RabbitMQ connected")
		}
	}

	clk := clock.New()

	runner := txn.NewRunner(txn.Config{
		Store: st,
		Retry: txn.RetryPolicy{
			MaxAttempts:     cfg.Txn.MaxAttempts,
			InitialInterval: cfg.Txn.InitialInterval,
			MaxInterval:     cfg.Txn.MaxInterval,
		},
		Logger: logger,
	})

	registry := jobs.NewRegistry(cfg.InstanceID)
	manager := jobs.NewManager(jobs.Config{
		Runner:        runner,
		Registry:      registry,
		Clock:         clk,
		LeaseTTL:      cfg.Jobs.LeaseTTL,
		TouchInterval: cfg.Jobs.TouchInterval,
		Logger:        logger,
	})

	dispatcher := dispatch.New(dispatch.Config{
		Caller: remote.NewClient(remote.Config{
			MaxAttempts:     cfg.Remote.MaxAttempts,
			InitialInterval: cfg.Remote.InitialInterval,
			MaxInterval:     cfg.Remote.MaxInterval,
			IdleTimeout:     cfg.Remote.IdleTimeout,
			Logger:          logger,
		}),
		Scheduler:  manager,
		Publisher:  publisher,
		Conn:       mqConn,
		Distribute: cfg.Broker.DistributeEffects,
		Logger:     logger,
	})
	runner.SetSink(dispatcher)

	ctrl := controller.New(controller.Config{
		Runner:              runner,
		Ledger:              queue.NewLedger(cfg.Controller.DefaultConcurrency, logger),
		Jobs:                registry,
		Clock:               clk,
		CallbackBaseURL:     cfg.Server.CallbackBaseURL,
		ProcessingTolerance: cfg.Jobs.ProcessingTolerance,
		RollbackLimit:       cfg.Controller.RollbackLimit,
		NotificationLimit:   cfg.Controller.NotificationLimit,
		CleanOnFinish:       cfg.Controller.CleanOnFinish,
		Logger:              logger,
	})
	dispatcher.Bind(ctrl)
	manager.Bind(ctrl)

	sweeper, err := maintenance.New(maintenance.Config{
		Engine: ctrl,
		Jobs:   manager,
		Schedule: maintenance.Schedule{
			TryClean:     cfg.Maintenance.TryClean,
			SyncCounters: cfg.Maintenance.SyncCounters,
			AdoptJobs:    cfg.Maintenance.AdoptJobs,
			Reconcile:    cfg.Maintenance.Reconcile,
			PokeQueues:   cfg.Maintenance.PokeQueues,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	defer dispatcher.Stop()

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start job manager: %w", err)
	}
	defer manager.Stop()

	// Эффекты, потерянные при остановке предыдущего узла
	if repaired, err := ctrl.Reconcile(ctx); err != nil {
		logger.Warn("startup reconcile failed", "error", err)
	} else if repaired > 0 {
		logger.Info("startup reconcile repaired tasks", "repaired", repaired)
	}

	sweeper.Start(ctx)
	defer sweeper.Stop()

	mux := http.NewServeMux()

	// Health и metrics
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime).Round(time.Second))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if dispatcher.IsStopped() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "jobs %d", manager.Active())
	})
	mux.Handle("/metrics", promhttp.Handler())

	// Регистрируем API маршруты
	api.NewHandler(api.Config{Controller: ctrl, Logger: logger}).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Ожидаем сигнал завершения
	select {
	case <-ctx.Done():
	case err = <-serverErr:
		logger.Error("http server error", "error", err)
	}
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		err = multierr.Append(err, fmt.Errorf("shutdown http server: %w", shutdownErr))
	}

	logger.Info("rex-server stopped")
	return err
}
