package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/tasklane/settlement/internal/breaker"
	"github.com/tasklane/settlement/internal/effect"
	"github.com/tasklane/settlement/internal/escrow"
	"github.com/tasklane/settlement/internal/export"
	"github.com/tasklane/settlement/internal/notify"
	"github.com/tasklane/settlement/internal/outbox"
	"github.com/tasklane/settlement/internal/providers"
	"github.com/tasklane/settlement/internal/queue"
	"github.com/tasklane/settlement/internal/reward"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	cfg := loadConfig()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("settlementd exited")
	}
}

func run(cfg AppConfig, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := setupDatabase(cfg.DB)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info().Str("database", cfg.DB.Database).Msg("connected to database")

	nc, js, err := connectNATS(cfg.NATSURL, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	queueCfg := queue.DefaultConfig()
	if cfg.QueueConfigPath != "" {
		queueCfg, err = queue.LoadConfig(cfg.QueueConfigPath)
		if err != nil {
			return err
		}
	}
	if err := ensureStream(ctx, js, queueCfg); err != nil {
		return err
	}

	clock := clockwork.NewRealClock()

	// Persistence
	outboxRepo := outbox.NewRepository(db)
	escrowRepo := escrow.NewRepository(db)
	effectStore := effect.NewPostgresStore(db)
	rewardStore := reward.NewPostgresStore(db)

	// Providers. Real payment and messaging adapters are wired here in
	// deployed builds; the logging stubs keep local runs self-contained.
	paymentProvider := providers.NewLogPaymentProvider(logger)
	messagingProvider := providers.NewLogMessagingProvider(logger)
	exportGenerator := export.NewLogGenerator(logger)

	// Domain services
	rewardService := reward.NewService(rewardStore, logger)
	escrowService := escrow.NewService(
		escrowRepo,
		paymentProvider,
		breaker.New("payments", breaker.DefaultConfig(), clock, logger),
		rewardService,
		logger,
	)

	// Effect executors
	notifyExecutor := effect.NewExecutor(
		effectStore, outboxRepo,
		notify.NewChannel(messagingProvider),
		breaker.New("messaging", breaker.DefaultConfig(), clock, logger),
		effect.ExecutorConfig{Clock: clock},
		logger,
	)
	exportExecutor := effect.NewExecutor(
		effectStore, outboxRepo,
		export.NewChannel(exportGenerator),
		breaker.New("exports", breaker.DefaultConfig(), clock, logger),
		effect.ExecutorConfig{StaleAfter: cfg.EffectStaleAfter, Clock: clock},
		logger,
	)

	// Consumers
	router := queue.NewRouter(js, queueCfg, logger)
	paymentsHandler := escrow.NewHandler(escrowService, outboxRepo, logger)
	for _, kind := range []queue.Kind{
		queue.KindEscrowFundConfirmed,
		queue.KindEscrowReleaseRequested,
		queue.KindEscrowRefundRequested,
		queue.KindEscrowSplitRequested,
	} {
		if err := router.Register(queue.QueuePayments, kind, paymentsHandler); err != nil {
			return err
		}
	}
	if err := router.Register(queue.QueueNotifications, queue.KindNotificationRequested, effect.NewQueueHandler(notifyExecutor)); err != nil {
		return err
	}
	if err := router.Register(queue.QueueExports, queue.KindExportRequested, effect.NewQueueHandler(exportExecutor)); err != nil {
		return err
	}
	if err := router.Start(ctx); err != nil {
		return err
	}
	defer router.Stop()

	// Outbox delivery
	metrics := outbox.NewLogMetricsCollector(logger)
	publisher := outbox.NewInstrumentedPublisher(
		outbox.NewJetStreamPublisher(js, queueCfg.SubjectPrefix, logger),
		metrics,
	)
	poller := outbox.NewPoller(outboxRepo, publisher, cfg.Poller, metrics, logger)
	if err := poller.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = poller.Stop() }()

	// Health endpoint
	health := outbox.NewHealthChecker(poller, db, nc, outboxRepo)
	mux := http.NewServeMux()
	mux.Handle("/healthz", health)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health server failed")
		}
	}()
	logger.Info().Str("addr", cfg.HTTPAddr).Msg("settlementd started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}
