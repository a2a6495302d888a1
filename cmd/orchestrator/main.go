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
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stablepay/batch-orchestrator/internal/alert"
	"github.com/stablepay/batch-orchestrator/internal/api"
	"github.com/stablepay/batch-orchestrator/internal/batch"
	"github.com/stablepay/batch-orchestrator/internal/circuitbreaker"
	"github.com/stablepay/batch-orchestrator/internal/config"
	"github.com/stablepay/batch-orchestrator/internal/executor"
	"github.com/stablepay/batch-orchestrator/internal/idempotency"
	"github.com/stablepay/batch-orchestrator/internal/metrics"
	"github.com/stablepay/batch-orchestrator/internal/reaper"
	"github.com/stablepay/batch-orchestrator/internal/settlement"
	"github.com/stablepay/batch-orchestrator/internal/store/postgres"
	redispkg "github.com/stablepay/batch-orchestrator/internal/store/redis"
	"github.com/stablepay/batch-orchestrator/internal/tracing"
)

const migrationsDir = "internal/store/postgres/migrations"

func main() {
	logLevel := slog.LevelInfo
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting batch-orchestrator",
		"port", cfg.Server.Port,
		"batch_workers", cfg.Batch.Workers,
		"claim_window", cfg.Claim.Window.String(),
		"sweep_interval", cfg.Claim.SweepInterval.String(),
		"redis_locking", cfg.Redis.URL != "",
		"routes", len(cfg.Batch.Routes),
	)

	shutdownTracing, err := tracing.Init(context.Background(), "batch-orchestrator", cfg.Tracing.OTLPEndpoint, true)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.RunMigrations(migrationsDir); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	var locker redispkg.Locker
	if cfg.Redis.URL != "" {
		redisLocker, err := redispkg.NewLocker(cfg.Redis.URL, "orchestrator")
		if err != nil {
			logger.Error("failed to connect to redis", "error", err, "redis_url", cfg.Redis.URL)
			os.Exit(1)
		}
		locker = redisLocker
		logger.Info("redis locking enabled")
	} else {
		locker = redispkg.NewMemoryLocker()
		logger.Warn("redis not configured; using in-process locking, single node only")
	}
	defer locker.Close()

	paymentRepo := postgres.NewPaymentRepo(db)
	idempotencyRepo := postgres.NewIdempotencyRepo(db)
	reservations := idempotency.New(locker, idempotencyRepo, cfg.Batch.LockTTL)

	var alerters []alert.Alerter
	if cfg.Alert.WebhookURL != "" {
		alerters = append(alerters, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
	}
	alerters = append(alerters, alert.NewLogAlerter(logger))
	alerter := alert.NewMultiAlerter(cfg.Alert.Cooldown, logger, alerters...)

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:             "settlement",
		FailureThreshold: cfg.Settlement.BreakerThreshold,
		OpenTimeout:      cfg.Settlement.BreakerOpenFor,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())

			a := alert.Alert{
				Type:    alert.AlertTypeCircuitOpen,
				Title:   "Settlement circuit breaker opened",
				Message: fmt.Sprintf("breaker %s moved %s -> %s", name, from, to),
			}
			if to == circuitbreaker.StateClosed {
				a.Type = alert.AlertTypeCircuitClosed
				a.Title = "Settlement circuit breaker recovered"
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerter.Send(ctx, a); err != nil {
				logger.Warn("breaker alert failed", "error", err)
			}
		},
	})

	resolver := settlement.NewResolverClient(cfg.Settlement.ResolverURL, cfg.Settlement.Timeout)
	backend := settlement.NewBackendClient(cfg.Settlement.BackendURL, cfg.Settlement.Timeout)
	ledger := settlement.NewLedgerClient(cfg.Settlement.LedgerURL, cfg.Settlement.Timeout)

	exec := executor.New(paymentRepo, resolver, backend, breaker,
		executor.Config{ClaimWindow: cfg.Claim.Window}, logger)

	orchestrator := batch.New(
		batch.NewValidator(cfg.Batch.Routes),
		reservations,
		exec,
		paymentRepo,
		batch.Config{
			Workers:      cfg.Batch.Workers,
			InFlightWait: time.Duration(cfg.Batch.InFlightWaitMs) * time.Millisecond,
		},
		logger,
	)

	claimReaper := reaper.New(paymentRepo, ledger, alerter, reaper.Config{
		Interval:  cfg.Claim.SweepInterval,
		BatchSize: cfg.Claim.SweepBatch,
	}, logger)

	rateLimiter := api.NewRateLimitMiddleware(cfg.Server.RequestsPerSec, cfg.Server.RateLimitBurst, logger)
	defer rateLimiter.Stop()
	server := api.NewServer(orchestrator, exec, paymentRepo, db, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHTTPServer(gCtx, cfg.Server, rateLimiter.Wrap(server.Handler()), logger)
	})

	g.Go(func() error {
		return claimReaper.Run(gCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("orchestrator exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("orchestrator stopped")
}

func runHTTPServer(ctx context.Context, cfg config.ServerConfig, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("http server shutdown error", "error", err)
		}
	}()

	logger.Info("http server started", "port", cfg.Port)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
