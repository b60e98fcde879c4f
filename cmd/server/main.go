package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"

	"github.com/example/cleaner-tracking/internal/config"
	"github.com/example/cleaner-tracking/internal/dispatch"
	"github.com/example/cleaner-tracking/internal/geo"
	httpapi "github.com/example/cleaner-tracking/internal/http"
	"github.com/example/cleaner-tracking/internal/ingest"
	"github.com/example/cleaner-tracking/internal/lifecycle"
	"github.com/example/cleaner-tracking/internal/logging"
	"github.com/example/cleaner-tracking/internal/payments"
	"github.com/example/cleaner-tracking/internal/relay"
	"github.com/example/cleaner-tracking/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("server", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var locations geo.Store = geo.NewIndex()
	if cfg.RedisAddr != "" {
		rl := geo.NewRedisLocations(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		if err := rl.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, keeping locations in memory", "addr", cfg.RedisAddr, "error", err)
			_ = rl.Close()
		} else {
			defer rl.Close()
			locations = rl
			logger.Info("redis location store enabled", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
		}
	}

	var publisher relay.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		publisher = producer
		logger.Info("kafka location stream enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("open job store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	var releaser lifecycle.PaymentReleaser = payments.NewLedger()
	if cfg.StripeAPIKey != "" {
		releaser = payments.NewStripeClient(cfg.StripeAPIKey, cfg.Currency)
		logger.Info("stripe payments enabled", "currency", cfg.Currency)
	} else {
		logger.Warn("STRIPE_API_KEY not set, payment holds are kept in memory")
	}

	hub := relay.NewHub(relay.Config{
		LocationRate:  cfg.RelayLocationRate,
		LocationBurst: cfg.RelayLocationBurst,
		SendBuffer:    cfg.RelaySendBuffer,
	}, locations, publisher, logger)
	defer hub.Shutdown()

	notifier := &dispatch.Fanout{Live: hub, Logger: logger, Timeout: cfg.PushTimeout}
	if cfg.FCMKey != "" {
		notifier.Push = dispatch.NewFCMDispatcher(cfg.FCMEndpoint, cfg.FCMKey)
	}

	jobs := lifecycle.NewService(store,
		lifecycle.WithPayments(releaser),
		lifecycle.WithNotifier(notifier),
		lifecycle.WithLogger(logger),
	)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(jobs, locations, http.HandlerFunc(hub.ServeWS), logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("cleaner-tracking listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	logger.Info("server stopped")
}

func openStore(ctx context.Context, cfg config.ServerConfig) (storage.JobStore, func(), error) {
	if cfg.PGDSN == "" {
		return storage.NewMemoryStore(), func() {}, nil
	}
	pg, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RunMigrations {
		script, err := os.ReadFile(cfg.MigrationFile)
		if err != nil {
			_ = pg.Close()
			return nil, nil, errors.Wrapf(err, "read migration %s", cfg.MigrationFile)
		}
		if err := pg.Migrate(ctx, string(script)); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
	}
	return pg, func() { _ = pg.Close() }, nil
}
