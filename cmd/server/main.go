package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/ride-dispatch/internal/checkout"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/fleet"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/jobs"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/market"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/offers"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trips"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel, "ride-dispatch")
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var g geo.Geo = geo.NewIndex()
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer rg.Close()
		g = rg
		logger.Info("using redis geo index", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	}

	var (
		locations fleet.Publisher
		eventPub  events.Publisher
	)
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaEventTopic)
		defer producer.Close()
		locations, eventPub = producer, producer
		logger.Info("streaming to kafka", "brokers", cfg.KafkaBrokers)
	}

	provider := config.NewProvider(store, logger)
	if err := provider.Refresh(ctx); err != nil {
		logger.Warn("initial config load failed, using defaults", "err", err)
	}

	ws := notify.NewWSRegistry()
	var push notify.Sink = notify.LogSink{Logger: logger}
	if cfg.PushEndpoint != "" {
		push = notify.NewPushSink(cfg.PushEndpoint, cfg.PushToken)
	}
	notifier := &notify.Fanout{WS: ws, Push: push}

	if cfg.StripeSecretKey == "" {
		logger.Warn("STRIPE_SECRET_KEY not set, payment calls will fail")
	}
	stripe := payments.NewStripeClient(cfg.StripeSecretKey, cfg.StripeWebhookSecret, cfg.Currency)

	recorder := events.NewRecorder(store, eventPub, logger)
	tripSvc := trips.NewService(store, market.NewResolver(store), provider, notifier, recorder, logger)
	engine := dispatch.NewEngine(store, provider, notifier, recorder, logger)
	ledgerEngine := ledger.NewEngine(store, stripe, provider, notifier, logger, ledger.WithParallelism(cfg.BatchPayoutParallelism))

	scheduler, err := jobs.NewManager(logger)
	if err != nil {
		return err
	}
	toRun := []jobs.Job{
		jobs.NewBatchPayoutJob(ledgerEngine, cfg.BatchPayoutCron, logger),
		jobs.NewConfigRefreshJob(provider, cfg.ConfigRefreshInterval),
	}
	if cfg.RedispatchInterval > 0 {
		toRun = append(toRun, jobs.NewRedispatchJob(store, engine, tripSvc, cfg.RedispatchInterval, cfg.RedispatchMaxAge, logger))
	}
	if err := scheduler.Register(toRun...); err != nil {
		return err
	}
	scheduler.Start()
	defer func() {
		if err := scheduler.Stop(); err != nil {
			logger.Warn("scheduler shutdown", "err", err)
		}
	}()

	api := httpapi.NewServer(httpapi.Services{
		Trips:    tripSvc,
		Dispatch: engine,
		Offers:   offers.NewManager(store, provider, notifier, recorder, logger),
		Ledger:   ledgerEngine,
		Checkout: checkout.NewService(store, stripe, ledgerEngine, notifier, recorder, logger),
		Fleet:    fleet.NewService(store, g, locations, provider, logger),
		Webhooks: stripe,
		Events:   store,
		WS:       ws,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openStore picks Postgres when a DSN is configured and the in-memory store
// otherwise.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), func() {}, nil
	}
	pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RunMigrations {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		logger.Info("migrations applied")
	}
	return pg, func() { _ = pg.Close() }, nil
}
