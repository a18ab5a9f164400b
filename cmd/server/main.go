/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the PhilTech credit and incentive engine.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Build the logger and tracer provider
  3. Open the store (SQLite or PostgreSQL) and seed incentive programs
  4. Connect optional services: Redis (balance cache, OTP), Kafka (events)
  5. Wire ledger, incentive engine, invitation service and API handler
  6. Start the idempotency reaper and the HTTP server

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides SQLITE_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the reaper, flush events and traces
  4. Close database and Redis connections

ENVIRONMENT:
  See config/config.go for every key.

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Environment configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/philtech/credit-engine/api"
	"github.com/philtech/credit-engine/auth"
	"github.com/philtech/credit-engine/cache"
	"github.com/philtech/credit-engine/config"
	"github.com/philtech/credit-engine/credit"
	"github.com/philtech/credit-engine/events"
	"github.com/philtech/credit-engine/idempotency"
	"github.com/philtech/credit-engine/invitation"
	"github.com/philtech/credit-engine/logging"
	"github.com/philtech/credit-engine/observability"
	"github.com/philtech/credit-engine/referral"
	"github.com/philtech/credit-engine/store/postgres"
	"github.com/philtech/credit-engine/store/sqlite"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const serviceName = "credit-engine"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.SQLPath, "SQLite database path")
	flag.Parse()
	cfg.Port = *port
	cfg.SQLPath = *dbPath

	logger, err := logging.New(cfg.LogProduction)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

type closableStore interface {
	credit.TxStore
	Close() error
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (closableStore, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return postgres.New(ctx, cfg.DSN, logger)
	default:
		return sqlite.New(cfg.SQLPath)
	}
}

// warnOpenAdmin flags a server whose admin routes need no session.
func warnOpenAdmin(cfg *config.Config, logger *zap.Logger) {
	if cfg.RequireAuth {
		return
	}
	logger.Warn("REQUIRE_AUTH is off: top-ups, deductions and incentive application are open to anyone",
		zap.Int("port", cfg.Port))
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.OTLPEndpoint, serviceName, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			logger.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	// Initialize store
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()
	logger.Info("database ready", zap.String("driver", cfg.Driver))

	if _, err := referral.SeedPrograms(ctx, store, logger); err != nil {
		return fmt.Errorf("failed to seed incentive programs: %w", err)
	}

	// Events
	var publisher events.Publisher = events.LogPublisher{Logger: logger}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(strings.Join(cfg.KafkaBrokers, ","), cfg.KafkaTopic)
		if err != nil {
			return err
		}
		defer kp.Close()
		publisher = kp
		logger.Info("publishing events to kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	// Redis: balance cache and OTP records
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient, err = cache.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisClient.Close()
	} else {
		logger.Info("REDIS_ADDR not set, balance cache and one-time passwords disabled")
	}

	// Sessions
	var sessions *auth.Sessions
	if cfg.JWTSecret != "" {
		if sessions, err = auth.NewSessions(cfg.JWTSecret, cfg.JWTExpiry); err != nil {
			return err
		}
	} else if cfg.RequireAuth {
		return errors.New("REQUIRE_AUTH is set but env JWT_SECRET is not set")
	}

	warnOpenAdmin(cfg, logger)

	// Domain
	ledgerOpts := []credit.Option{credit.WithPublisher(publisher)}
	var balanceCache *cache.BalanceCache
	if redisClient != nil {
		balanceCache = cache.NewBalanceCache(redisClient, cache.DefaultTTL, logger)
		ledgerOpts = append(ledgerOpts, credit.WithCache(balanceCache))
	}
	ledger := credit.NewLedger(store, credit.Limits{TopUpMin: cfg.TopUpMin, TopUpMax: cfg.TopUpMax}, logger, ledgerOpts...)

	engine := referral.NewEngine(ledger, referral.Config{
		MaxGenerations: cfg.MaxGenerations,
		GenerationBand: cfg.GenerationBand,
		Lenient:        cfg.LenientPackages,
	}, logger, referral.WithPublisher(publisher))

	guard := idempotency.NewGuard(store, logger)
	invOpts := []invitation.Option{invitation.WithPublisher(publisher)}
	if sessions != nil {
		invOpts = append(invOpts, invitation.WithSessions(sessions))
	}
	invitations := invitation.NewService(ledger, guard, engine, logger, invOpts...)

	// Initialize handler
	handler := api.NewHandler(ledger, engine, invitations, logger)
	handler.Cache = balanceCache
	handler.Sessions = sessions
	if redisClient != nil {
		handler.OTP = auth.NewOTPService(redisClient, auth.LogSender{Logger: logger}, cfg.OTPTTL, logger)
	}

	// Reaper
	reaper := api.NewReaperScheduler(idempotency.NewReaper(store, cfg.IdempotencyTTL, cfg.IdempotencyRetention, logger), logger)
	reaper.CheckInterval = cfg.ReaperInterval
	reaper.Start()
	defer reaper.Stop()

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		RequireAuth:    cfg.RequireAuth,
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal or a listener failure
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down server")

	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(sctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
