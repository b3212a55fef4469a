package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/devkekops/dropship/internal/app/accounts"
	"github.com/devkekops/dropship/internal/app/client"
	"github.com/devkekops/dropship/internal/app/config"
	"github.com/devkekops/dropship/internal/app/currency"
	"github.com/devkekops/dropship/internal/app/fees"
	"github.com/devkekops/dropship/internal/app/handlers"
	"github.com/devkekops/dropship/internal/app/logger"
	"github.com/devkekops/dropship/internal/app/orders"
	"github.com/devkekops/dropship/internal/app/payouts"
	"github.com/devkekops/dropship/internal/app/storage"
	"github.com/devkekops/dropship/internal/app/webhooks"
)

const shutdownTimeout = 10 * time.Second

func newRepo(cfg *config.Config) (storage.Repository, error) {
	if cfg.DatabaseURI == "" {
		logger.Logger.Warn().Msg("DATABASE_URI not set, using in-memory storage")
		return storage.NewRepoMemory(), nil
	}
	return storage.NewRepoDB(cfg.DatabaseURI)
}

func newCache(cfg *config.Config) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func Serve(cfg *config.Config) error {
	logger.Init(cfg.LogLevel, cfg.LogPretty)

	repo, err := newRepo(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer repo.Close()

	cache, err := newCache(cfg)
	if err != nil {
		return err
	}
	if cache != nil {
		defer cache.Close()
	}

	normalizer := currency.NewNormalizer(cfg.CanonicalCurrency, cfg.CurrencyRates)
	processor := client.NewStripe(cfg.StripeAPIKey, cfg.WebhookSecret, cfg.ClientTimeout)
	feeProvider := fees.NewProvider(repo, cache, cfg.FeeCacheTTL)
	engine := payouts.NewEngine(repo, processor, normalizer.Canonical())

	var baseHandler = handlers.NewBaseHandler(handlers.Services{
		Repo:       repo,
		Fees:       feeProvider,
		Orders:     orders.NewAssembler(repo, feeProvider, normalizer, processor),
		Aggregator: payouts.NewAggregator(repo),
		Engine:     engine,
		Accounts:   accounts.NewService(repo, processor),
		Reconciler: webhooks.NewReconciler(repo, processor),
		Normalizer: normalizer,
	}, cfg.SecretKey)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.PayoutInterval > 0 {
		scheduler := payouts.NewScheduler(repo, engine, cfg.PayoutInterval, cfg.PayoutWorkers)
		go scheduler.Run(ctx)
	}

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: baseHandler,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Logger.Err(err).Msg("shutdown")
		}
	}()

	logger.Logger.Info().
		Str("address", cfg.RunAddress).
		Str("canonical_currency", normalizer.Canonical()).
		Msg("dropship server started")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
