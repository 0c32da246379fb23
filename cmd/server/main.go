package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fleet"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "dispatch-api")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	calc, err := eta.NewCalculator(cfg.VehicleSpeeds, cfg.FallbackSpeedKmh, cfg.Rates)
	if err != nil {
		return err
	}
	principals := storage.NewPrincipals()
	hub := dispatch.NewHub(cfg.SubscriberBuffer)

	var (
		readyChecks []func(context.Context) error
		sinks       []fleet.PositionSink
		notifiers   = []booking.Notifier{hub}
		mgrOpts     = []booking.Option{booking.WithLogger(logger), booking.WithDefaultClass(cfg.DefaultVehicleClass)}
	)

	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migration applied", "table", "bookings")
		}
		last, err := pg.MaxBookingID(ctx)
		if err != nil {
			return err
		}
		mgrOpts = append(mgrOpts, booking.WithStore(pg), booking.WithStartID(last))
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEventTopic, cfg.KafkaPositionTopic, logger)
		defer producer.Close()
		go producer.Run(ctx)
		notifiers = append(notifiers, producer)
		sinks = append(sinks, producer)
		logger.Info("kafka export enabled", "brokers", cfg.KafkaBrokers, "event_topic", cfg.KafkaEventTopic)
	}

	var nearby httpapi.Nearby
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer rg.Close()
		sinks = append(sinks, rg)
		nearby = rg
		readyChecks = append(readyChecks, rg.Ping)
	}

	if cfg.PushEndpoint != "" {
		push := dispatch.NewPushDispatcher(cfg.PushEndpoint, 256, logger)
		push.Key = cfg.PushKey
		go push.Run(ctx)
		notifiers = append(notifiers, push)
	}

	sim, err := fleet.NewSimulator(fleet.Config{
		Box:           cfg.Box,
		Roster:        cfg.FleetRoster,
		MaxStepMeters: cfg.MaxStepMeters,
	}, logger, sinks...)
	if err != nil {
		return err
	}
	go sim.Run(ctx, cfg.FleetTick)

	mgr := booking.NewManager(calc, principals, append(mgrOpts, booking.WithNotifiers(notifiers...))...)

	srv := httpapi.NewServer(httpapi.Deps{
		Bookings:    mgr,
		Principals:  principals,
		Fleet:       sim,
		Calc:        calc,
		ETA:         &eta.Service{Calc: calc, Fleet: sim, Cache: eta.NewCache(cfg.ETACacheTTL)},
		Hub:         hub,
		Nearby:      nearby,
		ReadyChecks: readyChecks,
	}, logger, httpapi.WithJWTSecret(cfg.JWTSecret), httpapi.WithBaseContext(ctx))

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dispatch api listening", "addr", cfg.HTTPAddr, "vehicles", len(sim.Vehicles()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
	return httpServer.Shutdown(shutdownCtx)
}
