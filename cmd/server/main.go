package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"webhookd/internal/api"
	"webhookd/internal/api/handlers"
	"webhookd/internal/api/middleware"
	"webhookd/internal/engine/inbound"
	"webhookd/internal/engine/webhooks"
	"webhookd/internal/pkg/logger"
	"webhookd/internal/platform/audit"
	"webhookd/internal/platform/auth"
	"webhookd/internal/platform/config"
	"webhookd/internal/platform/database"
	"webhookd/internal/platform/repositories"
	"webhookd/internal/workers"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Logging)

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db.DB); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply migrations")
	}

	clock := clockwork.NewRealClock()

	// Repositories
	subRepo := repositories.NewSubscriptionRepository(db)
	deliveryRepo := repositories.NewDeliveryRepository(db)
	inboundRepo := repositories.NewInboundLogRepository(db)

	// Services
	tokenSvc := auth.NewTokenService(cfg.JWT)
	auditLog := audit.NewLogger(log.Logger)
	engine := webhooks.NewEngine(subRepo, deliveryRepo,
		webhooks.WithClock(clock),
		webhooks.WithLogger(logger.Component("webhooks")),
		webhooks.WithRequestTimeout(cfg.Webhooks.RequestTimeout),
		webhooks.WithMaxResponseBody(cfg.Webhooks.MaxResponseBody),
		webhooks.WithSweepBatch(cfg.Webhooks.RetrySweepBatch),
		webhooks.WithWorkers(cfg.Webhooks.WorkerCount, cfg.Webhooks.QueueSize),
	)
	receiver := inbound.NewReceiver(inboundRepo, inbound.NewRegistry(), cfg.Inbound.Secrets, logger.Component("inbound"))

	engine.Start()

	// Retries scheduled before the last shutdown only live in the database.
	if n, err := engine.ProcessPendingRetries(ctx); err != nil {
		log.Error().Err(err).Msg("Startup retry sweep failed")
	} else {
		log.Info().Int("count", n).Msg("Startup retry sweep complete")
	}

	rateLimiter := middleware.NewRateLimiter(cfg.Inbound.RateLimitPerMinute, clock)

	// Background jobs
	runner := workers.NewRunner(clock, logger.Component("workers"))
	runner.Add(workers.Job{
		Name:     "retry-sweep",
		Interval: cfg.Webhooks.RetrySweepInterval,
		Run: func(ctx context.Context) error {
			_, err := engine.ProcessPendingRetries(ctx)
			return err
		},
	})
	runner.Add(workers.Job{
		Name:     "rate-limit-cleanup",
		Interval: 10 * time.Minute,
		Run: func(context.Context) error {
			rateLimiter.Cleanup(10 * time.Minute)
			return nil
		},
	})
	runner.Start(ctx)

	// Router
	deps := &api.Dependencies{
		WebhookHandler: handlers.NewWebhookHandler(subRepo, deliveryRepo, engine, cfg.Webhooks, auditLog),
		EventHandler:   handlers.NewEventHandler(engine, auditLog),
		InboundHandler: handlers.NewInboundHandler(receiver, cfg.Server.MaxBodyBytes),
		HealthHandler:  handlers.NewHealthHandler(db),
		MetricsHandler: handlers.NewMetricsHandler(deliveryRepo),
		AuthMiddleware: middleware.NewAuthMiddleware(tokenSvc),
		RateLimiter:    rateLimiter,
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
	runner.Wait()
	if err := engine.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Webhook engine did not drain in time")
	}
}
