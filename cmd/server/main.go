package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/catalog/internal/config"
	"github.com/JonMunkholm/catalog/internal/core"
	"github.com/JonMunkholm/catalog/internal/logging"
	"github.com/JonMunkholm/catalog/internal/progress"
	"github.com/JonMunkholm/catalog/internal/queue"
	"github.com/JonMunkholm/catalog/internal/store/gormstore"
	"github.com/JonMunkholm/catalog/internal/store/postgres"
	"github.com/JonMunkholm/catalog/internal/web"
)

// catalogStore is a core.Store that owns its connections.
type catalogStore interface {
	core.Store
	Migrate(ctx context.Context) error
}

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded", "config", cfg.String())

	if err := run(cfg); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// pool is shared by the pgx catalog store and the postgres progress store.
	var pool *pgxpool.Pool
	if cfg.Database.Driver == config.DriverPgx || cfg.Progress.Driver == config.ProgressPostgres {
		p, err := newPool(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer p.Close()
		pool = p
	}

	store, closeStore, err := openStore(cfg, pool)
	if err != nil {
		return err
	}
	defer closeStore()
	if cfg.Database.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate catalog: %w", err)
		}
	}

	prog, err := openProgress(ctx, cfg, pool)
	if err != nil {
		return err
	}
	janitor, err := progress.NewJanitor(prog, cfg.Progress.TTL, cfg.Progress.SweepSchedule, slog.Default())
	if err != nil {
		return err
	}
	janitor.Start()
	defer janitor.Stop()

	imports, deliveries, err := openQueues(ctx, cfg.Queue)
	if err != nil {
		return err
	}

	metrics := &core.Metrics{}
	log := slog.Default()

	publisher := core.NewPublisher(store, deliveries, log, metrics)
	publisher.SetLookupTimeout(cfg.Webhook.LookupTimeout)
	dispatcher := core.NewDispatcher(store, core.DispatcherOptions{
		Timeout:       cfg.Webhook.Timeout,
		TestTimeout:   cfg.Webhook.TestTimeout,
		LookupTimeout: cfg.Webhook.LookupTimeout,
		Retry: core.RetryPolicy{
			MaxAttempts:       cfg.Webhook.MaxAttempts,
			InitialBackoff:    cfg.Webhook.InitialBackoff,
			MaxBackoff:        cfg.Webhook.MaxBackoff,
			BackoffMultiplier: 2,
			JitterFraction:    0.1,
		},
		Logger:   log,
		Observer: metrics,
	})
	importer := core.NewImporter(store, prog, core.ImporterOptions{
		BatchSize:    cfg.Import.BatchSize,
		Timeout:      cfg.Import.Timeout,
		FlushTimeout: cfg.Import.FlushTimeout,
		Logger:       log,
		Observer:     metrics,
	})
	receiver := core.NewReceiver(
		core.NewUploadLimiter(cfg.Upload.MaxConcurrent, cfg.Upload.MaxWaitTime),
		prog, imports, cfg.Upload.StagingDir, log,
	)

	importPool := queue.NewPool("import", imports, cfg.Queue.ImportWorkers, log)
	importPool.Handle(core.JobKindImport, importer.Handle)
	deliveryPool := queue.NewPool("delivery", deliveries, cfg.Queue.DeliveryWorkers, log)
	deliveryPool.Handle(core.JobKindDelivery, dispatcher.Handle)

	server := web.NewServer(cfg, web.Deps{
		Products: core.NewProductService(store, publisher),
		Webhooks: core.NewWebhookService(store, dispatcher),
		Receiver: receiver,
		Progress: prog,
		Store:    store,
		Metrics:  metrics,
	})

	// Workers outlive the signal so in-flight jobs can finish during shutdown.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return importPool.Run(workerCtx) })
	g.Go(func() error { return deliveryPool.Run(workerCtx) })
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}

		// Wait for uploads still being staged.
		if st := receiver.Limiter().Status(); st.Active > 0 {
			slog.Info("waiting for uploads to complete", "active", st.Active)
			if err := receiver.Limiter().WaitForDrain(shutdownCtx); err != nil {
				slog.Warn("uploads did not complete in time", "error", err)
			}
		}

		// Closed queues drain, then the pools return. Past the deadline,
		// in-flight jobs are cancelled.
		for _, q := range []queue.Queue{imports, deliveries} {
			if err := q.Close(); err != nil {
				slog.Warn("queue close", "error", err)
			}
		}
		go func() {
			<-shutdownCtx.Done()
			cancelWorkers()
		}()
		return nil
	})

	err = g.Wait()
	slog.Info("server stopped", "imports", metrics.Snapshot().ImportsSucceeded)
	return err
}

func newPool(ctx context.Context, db config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(db.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolConfig.MaxConns = int32(db.MaxConns)
	poolConfig.MinConns = int32(db.MinConns)
	poolConfig.MaxConnLifetime = db.MaxConnLifetime
	poolConfig.MaxConnIdleTime = db.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if u, err := url.Parse(db.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}
	return pool, nil
}

func openStore(cfg *config.Config, pool *pgxpool.Pool) (catalogStore, func(), error) {
	silent := !strings.EqualFold(cfg.Logging.Level, "debug")

	switch cfg.Database.Driver {
	case config.DriverPgx:
		return postgres.New(pool), func() {}, nil

	case config.DriverGormPostgres, config.DriverSQLite:
		dialect, dsn := gormstore.DialectPostgres, cfg.Database.URL
		if cfg.Database.Driver == config.DriverSQLite {
			dialect, dsn = gormstore.DialectSQLite, cfg.Database.SQLitePath
		}
		db, err := gormstore.Open(dialect, dsn, silent)
		if err != nil {
			return nil, nil, err
		}
		s := gormstore.New(db)
		slog.Info("catalog store opened", "driver", cfg.Database.Driver)
		return s, func() {
			if err := s.Close(); err != nil {
				slog.Warn("close catalog store", "error", err)
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Database.Driver)
	}
}

func openProgress(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (progress.Store, error) {
	if cfg.Progress.Driver != config.ProgressPostgres {
		return progress.NewMemoryStore(), nil
	}
	s := progress.NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate progress: %w", err)
	}
	return s, nil
}

func openQueues(ctx context.Context, qc config.QueueConfig) (imports, deliveries queue.Queue, err error) {
	if qc.Driver != config.QueueSQS {
		return queue.NewMemoryQueue(qc.Buffer), queue.NewMemoryQueue(qc.Buffer), nil
	}

	client, err := queue.NewSQSClient(ctx, qc.AWSRegion, qc.AWSEndpoint)
	if err != nil {
		return nil, nil, err
	}
	opts := queue.SQSOptions{
		WaitTime:          qc.WaitTime,
		VisibilityTimeout: qc.VisibilityTimeout,
		Logger:            slog.Default(),
	}
	return queue.NewSQSQueue(client, qc.ImportQueueURL, opts),
		queue.NewSQSQueue(client, qc.DeliveryQueueURL, opts), nil
}
