package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var checks []func(context.Context) error

	var (
		geoIndex geo.GeoIndex      = geo.NewIndex()
		bindings registry.Bindings = registry.NewMemoryBindings()
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		geoIndex = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		bindings = registry.NewRedisBindings(rc)
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		logger.Info("redis geo index enabled", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	}

	var archive storage.RideArchive = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied")
		}
		archive = pg
		checks = append(checks, pg.Ping)
	}

	var (
		publisher events.Publisher = events.LogPublisher{Logger: logger}
		producer  *ingest.KafkaProducer
	)
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer kp.Close()
		publisher = kp
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		logger.Info("kafka enabled", "brokers", cfg.KafkaBrokers, "locations_topic", cfg.KafkaTopic, "events_topic", cfg.KafkaEventsTopic)
	}

	var fares payments.FareHolder = payments.Nop{}
	if cfg.StripeAPIKey != "" {
		fares = payments.NewStripeClient(cfg.StripeAPIKey, cfg.FareCurrency)
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), DefaultSpeed: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Routing = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	var fallback dispatch.Pusher
	if cfg.PushEndpoint != "" {
		fallback = dispatch.NewFCMPusher(cfg.PushEndpoint, cfg.PushKey)
	}
	sessions := dispatch.NewWSRegistry(fallback, logger)

	engine := matcher.New(cfg.Matching, matcher.Deps{
		Registry: registry.New(geoIndex, bindings),
		Rides:    rides.NewStore(cfg.Matching.OneActiveRequest),
		Gateway:  sessions,
		ETA:      estimator,
		Events:   publisher,
		Payments: fares,
		Archive:  archive,
		Logger:   logger,
	})
	defer engine.Close()
	go engine.Timers().Run(ctx, engine, cfg.Matching.SweepInterval)

	var locations httpapi.LocationPublisher
	if producer != nil {
		locations = producer
		consumer := ingest.NewKafkaLocationConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup, engine, logger)
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("location consumer stopped", "err", err)
			}
		}()
	}

	api := httpapi.NewServer(httpapi.Options{
		Engine:    engine,
		Sessions:  sessions,
		Locations: locations,
		Logger:    logger,
		Ready: func(ctx context.Context) error {
			var errs []error
			for _, check := range checks {
				errs = append(errs, check(ctx))
			}
			return errors.Join(errs...)
		},
	})
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
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
