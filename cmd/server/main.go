package main // Entry point package

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/ticket-booking/internal/catalog"
	"github.com/iliyamo/ticket-booking/internal/config"
	"github.com/iliyamo/ticket-booking/internal/database"
	"github.com/iliyamo/ticket-booking/internal/handler"
	"github.com/iliyamo/ticket-booking/internal/identity"
	"github.com/iliyamo/ticket-booking/internal/logger"
	"github.com/iliyamo/ticket-booking/internal/middleware"
	"github.com/iliyamo/ticket-booking/internal/queue"
	"github.com/iliyamo/ticket-booking/internal/repository"
	"github.com/iliyamo/ticket-booking/internal/reservation"
	"github.com/iliyamo/ticket-booking/internal/router"
	"github.com/iliyamo/ticket-booking/internal/service"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ticket-booking:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(logger.Options{Dir: cfg.LogDir, File: "ticket-booking.log", Debug: cfg.LogDebug})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledger, ledgerPing, closeLedger, err := openLedger(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeLedger()

	rdb, err := config.NewRedisClient(ctx, config.LoadRedisConfig())
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	layout := catalog.NewLayout(cfg.SeatPriceCents, cfg.EventCapacity, cfg.EventCapacities)
	store := reservation.NewStore(rdb, layout, reservation.Options{
		HoldTTL:  cfg.BookingHold,
		CacheTTL: cfg.AvailabilityTTL,
	}, log)

	publisher := service.NewAMQPPublisher(cfg.AMQPURL, log)
	defer func() { _ = publisher.Close() }()
	relay := service.NewRelay(publisher, service.RelayOptions{Buffer: cfg.EventBuffer, Timeout: cfg.StoreTimeout}, log)

	coord := service.NewCoordinator(ledger, store, layout, relay, service.Config{
		Hold:           cfg.BookingHold,
		SeatPriceCents: cfg.SeatPriceCents,
		StoreTimeout:   cfg.StoreTimeout,
		MaxSeats:       cfg.MaxSeats,
		MaxExtension:   cfg.MaxExtension,
		ReconcileBatch: cfg.ReconcileBatch,
	}, log)
	defer coord.Scheduler().Stop()
	svc := service.NewService(coord, ledger, cfg.TransientRetries, log)

	bookingLog, err := logger.RotatingFile(cfg.LogDir, "bookings.log")
	if err != nil {
		return fmt.Errorf("booking log: %w", err)
	}
	defer func() { _ = bookingLog.Close() }()
	consumer := queue.NewConsumer(cfg.AMQPURL, layout, bookingLog, log)

	e := newServer(cfg, log, rdb, svc, layout, map[string]handler.Check{
		"ledger": ledgerPing,
		"redis":  store.Ping,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", ":"+cfg.Port), zap.String("env", cfg.Env))
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(sctx)
	})
	g.Go(func() error { return store.RunSweeper(gctx, cfg.SweepInterval) })
	g.Go(func() error { return coord.Scheduler().RunReconciler(gctx, cfg.ReconcileInterval) })
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return relay.Run(gctx) })

	err = g.Wait()
	log.Info("shutdown complete", zap.Error(err))
	return err
}

// openLedger connects the configured booking ledger and applies the
// schema when enabled.
func openLedger(ctx context.Context, cfg config.Config, log *zap.Logger) (service.Ledger, handler.Check, func(), error) {
	switch cfg.LedgerDriver {
	case config.DriverPostgres:
		pool, err := database.OpenPostgres(ctx, database.PostgresConfig{URL: cfg.PostgresURL, MaxConns: cfg.DBMaxConns})
		if err != nil {
			return nil, nil, nil, err
		}
		if cfg.AutoMigrate {
			if err := database.MigratePostgres(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, nil, err
			}
		}
		log.Info("ledger ready", zap.String("driver", cfg.LedgerDriver))
		return repository.NewPGBookingRepo(pool), pool.Ping, pool.Close, nil
	default:
		db, err := database.Open(database.MySQLConfig{
			User:     cfg.DBUser,
			Password: cfg.DBPass,
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			Name:     cfg.DBName,
			MaxConns: cfg.DBMaxConns,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		if cfg.AutoMigrate {
			if err := database.MigrateMySQL(ctx, db); err != nil {
				_ = db.Close()
				return nil, nil, nil, err
			}
		}
		log.Info("ledger ready", zap.String("driver", cfg.LedgerDriver))
		return repository.NewBookingRepo(db), db.PingContext, func() { _ = db.Close() }, nil
	}
}

func newServer(cfg config.Config, log *zap.Logger, rdb redis.UniversalClient, svc *service.Service, cat catalog.Catalog, checks map[string]handler.Check) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetOutput(io.Discard)
	e.Use(middleware.RequestLogger(log))

	limiter := middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb, log)
	auth := middleware.JWTAuth(identity.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer))
	bookings := handler.NewBookingHandler(svc, cat, log)

	router.RegisterRoutes(e, handler.NewHealth(checks), bookings, limiter)
	router.RegisterBookings(e, bookings, auth, limiter)
	return e
}
