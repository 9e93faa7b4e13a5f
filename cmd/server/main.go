package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/DukeRupert/tollgate/internal"
	"github.com/DukeRupert/tollgate/internal/abuse"
	"github.com/DukeRupert/tollgate/internal/ai"
	"github.com/DukeRupert/tollgate/internal/ai/anthropic"
	"github.com/DukeRupert/tollgate/internal/ai/mock"
	"github.com/DukeRupert/tollgate/internal/handler"
	"github.com/DukeRupert/tollgate/internal/jobs"
	"github.com/DukeRupert/tollgate/internal/ledger"
	"github.com/DukeRupert/tollgate/internal/metrics"
	"github.com/DukeRupert/tollgate/internal/middleware"
	"github.com/DukeRupert/tollgate/internal/moderation"
	"github.com/DukeRupert/tollgate/internal/notify"
	"github.com/DukeRupert/tollgate/internal/payment"
	"github.com/DukeRupert/tollgate/internal/posting"
	"github.com/DukeRupert/tollgate/internal/storage"
	"github.com/DukeRupert/tollgate/internal/store"
	"github.com/DukeRupert/tollgate/internal/store/memory"
	"github.com/DukeRupert/tollgate/internal/store/postgres"
	"github.com/DukeRupert/tollgate/internal/worker"
)

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)
	clock := quartz.NewReal()

	// ==========================================================================
	// Ledger store
	// ==========================================================================

	var (
		st store.Store
		db *sql.DB
	)
	switch cfg.StoreProvider {
	case "postgres":
		db, err = sql.Open("pgx", cfg.DatabaseUrl)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()

		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}

		if err := internal.RunMigrations(db); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		st = postgres.New(db, logger)
	default:
		logger.Warn("Using in-memory ledger store, balances are lost on restart")
		st = memory.New()
	}
	logger.Info("Ledger store ready", "provider", cfg.StoreProvider)

	// ==========================================================================
	// Services
	// ==========================================================================

	ledgerService := ledger.New(st, clock, ledger.Config{
		MaxAttempts:    cfg.LedgerTxMaxAttempts,
		RetryBaseDelay: cfg.LedgerRetryBaseDelay,
	}, logger)

	warmed, err := ledgerService.Warm(ctx, cfg.LedgerWarmLimit)
	if err != nil {
		return fmt.Errorf("balance warm-up failed: %w", err)
	}
	logger.Info("Balance cache warmed", "accounts", warmed)

	guard, err := abuse.NewGuard(abuse.Config{
		FreeDailyQuota:     cfg.FreeDailyQuota,
		ModerationWindow:   cfg.ModerationWindow,
		ModerationMaxCalls: cfg.ModerationMaxCalls,
		SpamHorizon:        cfg.SpamHorizon,
		SpamThreshold:      cfg.SpamThreshold,
		SpamBanDuration:    cfg.SpamBanDuration,
		MaxEntries:         cfg.GuardMaxEntries,
		SweepInterval:      cfg.GuardSweepInterval,
	}, clock, logger)
	if err != nil {
		return err
	}

	moderator, err := newModerator(cfg, logger)
	if err != nil {
		return fmt.Errorf("ai provider initialization failed: %w", err)
	}
	gateway := moderation.NewGateway(moderator, moderation.Config{
		MaxTextLength:  cfg.ModerationMaxTextLength,
		MaxAttempts:    cfg.AIMaxRetries,
		RetryBaseDelay: cfg.AIRetryBaseDelay,
	}, logger)

	gatekeeper := posting.NewGatekeeper(posting.Config{
		MaxLengthFree:  cfg.MaxLengthFree,
		MaxLengthPaid:  cfg.MaxLengthPaid,
		BlockEmojiFree: cfg.FreeBlockEmoji,
	}, guard, ledgerService, gateway, logger)

	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		return fmt.Errorf("notifier initialization failed: %w", err)
	}

	verifiers := map[payment.Rail]payment.Verifier{
		payment.RailB: payment.NewSecretTokenVerifier(cfg.TelegramWebhookSecret),
	}
	if cfg.CryptoPayAPIToken != "" {
		verifiers[payment.RailA] = payment.NewHMACVerifier(cfg.CryptoPayAPIToken)
	} else {
		logger.Warn("CRYPTO_PAY_API_TOKEN not set, crypto invoice webhooks will be rejected")
	}

	payments := payment.NewService(payment.Config{
		Pricing: payment.Pricing{
			PricePerUnit: cfg.PricePerUnit,
			StarsPerUnit: cfg.StarsPerUnit,
			MaxUnits:     cfg.MaxUnitsPerPurchase,
		},
		DedupTTL:        cfg.PaymentDedupTTL,
		DedupMaxEntries: cfg.PaymentDedupMaxEntries,
	}, verifiers, ledgerService, notifier, clock, logger)

	var invoices *payment.CryptoBotClient
	if cfg.CryptoPayAPIToken != "" {
		invoices, err = payment.NewCryptoBotClient(payment.CryptoBotConfig{
			APIToken:      cfg.CryptoPayAPIToken,
			BaseURL:       cfg.CryptoPayAPIURL,
			PaidButtonURL: cfg.BotURL,
		}, payments.Pricing(), logger)
		if err != nil {
			return fmt.Errorf("invoice client initialization failed: %w", err)
		}
	}

	// ==========================================================================
	// Housekeeping
	// ==========================================================================

	archive, err := newArchiveStorage(cfg, logger)
	if err != nil {
		return fmt.Errorf("archive storage initialization failed: %w", err)
	}

	webhookLimiter := abuse.NewFixedWindow(cfg.WebhookRateLimit, cfg.WebhookRateWindow, clock)

	w, err := worker.New(clock, worker.Config{
		TaskTimeout:     cfg.WorkerTaskTimeout,
		ShutdownTimeout: cfg.WorkerShutdownTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("worker initialization failed: %w", err)
	}
	w.Register(jobs.NewArchiveTransactionsTask(st, archive, clock, jobs.ArchiveConfig{
		Retention:  cfg.TransactionRetention,
		BatchSize:  cfg.ArchiveBatchSize,
		MaxBatches: jobs.DefaultArchiveConfig().MaxBatches,
		Interval:   cfg.ArchiveInterval,
	}, logger))
	w.Register(jobs.NewSweepDedupTask(payments.Dedup(), cfg.DedupSweepInterval, logger))
	w.Register(jobs.NewSweepRateLimitTask(webhookLimiter, cfg.RateLimitMaxIPs, cfg.WebhookRateWindow, logger))

	// ==========================================================================
	// Middleware
	// ==========================================================================

	tokens, err := middleware.ParseAPITokens(cfg.APITokens)
	if err != nil {
		return fmt.Errorf("API_TOKENS: %w", err)
	}
	if len(tokens) == 0 {
		logger.Warn("No API tokens configured, /api and /admin will reject every request")
	}
	tokenAuth := middleware.NewTokenAuthMiddleware(tokens, logger)
	rateLimit := middleware.NewRateLimitMiddleware(webhookLimiter, cfg.TrustProxyHeaders, logger)
	metricsAuth := middleware.NewMetricsAuthMiddleware(cfg.MetricsUsername, cfg.MetricsPassword)
	security := middleware.NewSecurityHeadersMiddleware(cfg.Env != "development")
	requestLogging := middleware.NewRequestLoggingMiddleware(logger)

	// ==========================================================================
	// Create router and register routes
	// ==========================================================================

	mux := http.NewServeMux()

	handler.NewHealthHandler(pinger(db), logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", metricsAuth.Handler(promhttp.Handler()))

	// Webhooks are public and rate limited per client IP
	webhooks := http.NewServeMux()
	handler.NewWebhookHandler(payments, notifier, logger).RegisterRoutes(webhooks)
	mux.Handle("/webhooks/", rateLimit.Limit(webhooks))

	handler.NewPostHandler(gatekeeper, logger).RegisterRoutes(mux, tokenAuth.Require)
	if invoices != nil {
		handler.NewInvoiceHandler(invoices, logger).RegisterRoutes(mux, tokenAuth.Require)
	}
	handler.NewAdminHandler(ledgerService, guard, w, logger).RegisterRoutes(mux, tokenAuth.Require)

	// ==========================================================================
	// Start server
	// ==========================================================================

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           metrics.Middleware(requestLogging.Handler(security.Handler(mux))),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Server started", "address", server.Addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return guard.Run(gctx)
	})

	if cfg.WorkerEnabled {
		w.Start(gctx)
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received, initiating graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
		if cfg.WorkerEnabled {
			w.Stop()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("Graceful shutdown complete")
	return nil
}

func newModerator(cfg *internal.Config, logger *slog.Logger) (ai.Moderator, error) {
	if cfg.AIProvider == "anthropic" {
		return anthropic.New(anthropic.Config{
			APIKey: cfg.AnthropicAPIKey,
			Model:  cfg.AnthropicModel,
			ProviderConfig: ai.ProviderConfig{
				RequestTimeout: cfg.AIRequestTimeout,
			},
		}, logger)
	}
	logger.Warn("Using mock moderation provider")
	return mock.New(logger), nil
}

func newNotifier(cfg *internal.Config, logger *slog.Logger) (notify.Notifier, error) {
	if cfg.TelegramBotToken == "" {
		logger.Warn("TELEGRAM_BOT_TOKEN not set, notifications are logged only")
		return notify.NewLog(logger), nil
	}
	return notify.NewTelegram(notify.TelegramConfig{
		BotToken: cfg.TelegramBotToken,
		Timeout:  10 * time.Second,
	}, logger)
}

func newArchiveStorage(cfg *internal.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.ArchiveProvider == storage.ProviderR2 {
		return storage.NewR2(storage.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			BucketName:      cfg.R2BucketName,
			Endpoint:        cfg.R2Endpoint,
		}, logger)
	}
	return storage.NewLocal(storage.LocalConfig{BasePath: cfg.ArchiveLocalPath}, logger)
}

// pinger avoids handing the health handler a typed nil.
func pinger(db *sql.DB) handler.Pinger {
	if db == nil {
		return nil
	}
	return db
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
