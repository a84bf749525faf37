package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-tracking/internal/config"
	"github.com/example/ride-tracking/internal/geo"
	httpapi "github.com/example/ride-tracking/internal/http"
	"github.com/example/ride-tracking/internal/ingest"
	"github.com/example/ride-tracking/internal/lifecycle"
	"github.com/example/ride-tracking/internal/logging"
	"github.com/example/ride-tracking/internal/payments"
	"github.com/example/ride-tracking/internal/presence"
	"github.com/example/ride-tracking/internal/relay"
	"github.com/example/ride-tracking/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var checks []httpapi.ReadyCheck

	var store storage.RideStore = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		store = ps
		checks = append(checks, httpapi.ReadyCheck{Name: "postgres", Check: ps.Ping})
	} else {
		logger.Warn("PG_DSN not set, rides are kept in memory")
	}

	// positions always feed the local index; Kafka carries them to the
	// consumer that maintains Redis GEO
	index := geo.NewIndex()
	sinks := []presence.PositionSink{index}
	var nearby geo.Geo = index

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaPositionTopic, cfg.KafkaRideTopic)
		defer producer.Close()
		sinks = append(sinks, producer)
	}

	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		rg := geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		nearby = rg
		if producer == nil {
			sinks = append(sinks, rg)
		}
		checks = append(checks, httpapi.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rc.Ping(ctx).Err()
		}})
	}

	reg := presence.NewRegistry(logger, sinks...)
	rl := relay.New(reg, logger)
	reg.OnOffline(rl.DriverOffline)
	go reg.Run(ctx)

	var settler lifecycle.Settler = payments.LogSettler{Logger: logger}
	if cfg.StripeAPIKey != "" {
		settler = payments.NewStripeClient(cfg.StripeAPIKey, cfg.PaymentCurrency, nil, logger)
	} else {
		logger.Warn("STRIPE_API_KEY not set, settlements are only logged")
	}

	rides := lifecycle.NewService(store, reg, rl, settler, logger)
	rides.SettlementTimeout = cfg.SettlementTimeout
	if producer != nil {
		rides.Events = producer
	}

	api := httpapi.NewServer(rides, reg, rl, nearby, httpapi.NewAuthenticator(cfg.JWTSecret), logger, httpapi.Options{
		WSSendBuffer:  cfg.WSSendBuffer,
		NearbyRadiusM: cfg.NearbyRadiusM,
		NearbyLimit:   cfg.NearbyLimit,
		ReadyChecks:   checks,
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
		logger.Info("ride-tracking listening", "addr", cfg.HTTPAddr)
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
	err := srv.Shutdown(shutdownCtx)
	rides.WaitSettlements()
	return err
}
