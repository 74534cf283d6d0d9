package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"koinpay/config"
	"koinpay/gateway/middleware"
	"koinpay/gateway/routes"
	"koinpay/inventory"
	"koinpay/jobs"
	"koinpay/locks"
	"koinpay/midtrans"
	"koinpay/models"
	"koinpay/observability/logging"
	"koinpay/order"
	"koinpay/pricing"
	"koinpay/quote"
	"koinpay/referral"
	api "koinpay/server"
	"koinpay/voucher"
	"koinpay/wallet"
	"koinpay/webhook"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.Setup("koinpayd", cfg.Environment, logging.Options{File: cfg.LogFile})

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("parse redis url: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	lockmgr := locks.NewManager(rdb)

	registry, err := config.LoadChainRegistry(cfg.ChainsFile)
	if err != nil {
		log.Fatalf("load chain registry: %v", err)
	}
	invLedger := inventory.NewLedger(db, logger)
	if err := seedChains(db, invLedger, registry); err != nil {
		log.Fatalf("seed chains: %v", err)
	}

	wallets := wallet.NewManager(lockmgr, logger)
	registerWallets(db, wallets, registry, cfg.WalletPassword, logger)

	restClient := pricing.NewRESTClient(cfg.PriceRESTBase)
	priceCache := pricing.NewCache(rdb, lockmgr, restClient, logger)
	symbols := activeSymbols(db)
	refresher := pricing.NewRefresher(restClient, priceCache, symbols, logger)
	feed := pricing.NewStreamFeed(cfg.PriceStreamURL, priceCache, symbols, logger)
	fx := pricing.NewFXService(db, cfg.FXEndpoint, cfg.DefaultUSDIDRRate, logger)

	if err := quote.EnsureGlobalMarkup(context.Background(), db, cfg.DefaultMarkup); err != nil {
		log.Fatalf("seed global markup: %v", err)
	}
	quotes := quote.NewService(db, priceCache, fx, logger)
	voucherLedger := voucher.NewLedger(db, logger)
	gateway := midtrans.NewClient(cfg.MidtransBaseURL, cfg.MidtransServerKey)

	asynqOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		log.Fatalf("parse redis url for queue: %v", err)
	}
	asynqClient := asynq.NewClient(asynqOpt)
	defer asynqClient.Close()
	queue := jobs.NewQueue(asynqClient)

	engine := order.NewEngine(db, invLedger, voucherLedger, gateway, wallets, queue, logger)
	referrals := referral.NewEngine(db, cfg.ReferralRewardIDR, cfg.ReferralThreshold, logger)
	reconciler := webhook.NewReconciler(db, engine, cfg.MidtransServerKey, logger)

	mux := jobs.NewServeMux(jobs.Deps{
		DB:        db,
		Orders:    engine,
		Referrals: referrals,
		Vouchers:  voucherLedger,
		Inventory: invLedger,
		Wallets:   wallets,
		Prices:    refresher,
		Logger:    logger,
	})
	worker := jobs.NewServer(asynqOpt, cfg.PayoutConcurrency, logger)
	if err := worker.Start(mux); err != nil {
		log.Fatalf("start worker: %v", err)
	}
	scheduler, err := jobs.NewScheduler(asynqOpt, logger)
	if err != nil {
		log.Fatalf("build scheduler: %v", err)
	}
	if err := scheduler.Start(); err != nil {
		log.Fatalf("start scheduler: %v", err)
	}

	feedCtx, stopFeed := context.WithCancel(context.Background())
	go feed.Run(feedCtx)

	auth := middleware.NewAuthenticator(cfg.JWTSecret)
	limiter := middleware.NewRateLimiter(middleware.DefaultLimits(), logger)
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: "koinpay",
		LogRequests: cfg.Environment != "production",
	}, logger)

	handlers := api.NewHandlers(quotes, engine, reconciler, logger)
	router := routes.New(routes.Config{
		Handlers:      handlers,
		Authenticator: auth,
		RateLimiter:   limiter,
		Observability: obs,
		CORS:          middleware.CORSConfig{AllowedOrigins: cfg.AllowedOrigins},
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("koinpayd listening", "addr", cfg.ListenAddress, "env", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	stopFeed()
	scheduler.Shutdown()
	worker.Shutdown()
}

// seedChains upserts the chain registry into the database and makes sure
// every chain has its native token and inventory row.
func seedChains(db *gorm.DB, inv *inventory.Ledger, registry *config.ChainRegistry) error {
	ctx := context.Background()
	for _, entry := range registry.Chains {
		var chain models.Chain
		err := db.First(&chain, "slug = ?", entry.Slug).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			chain = models.Chain{
				ID:            uuid.New(),
				Slug:          entry.Slug,
				Type:          models.ChainType(entry.Type),
				RPCURL:        entry.RPCURL,
				ExplorerURL:   entry.ExplorerURL,
				ChainID:       entry.ChainID,
				Confirmations: entry.Confirmations,
				MinOrderIDR:   entry.MinOrderIDR,
				Active:        true,
			}
			if entry.KeyEnv != "" {
				chain.KeyBlob = os.Getenv(entry.KeyEnv)
			}
			if err := db.Create(&chain).Error; err != nil {
				return fmt.Errorf("create chain %s: %w", entry.Slug, err)
			}
		case err != nil:
			return fmt.Errorf("lookup chain %s: %w", entry.Slug, err)
		default:
			updates := map[string]interface{}{
				"rpc_url":       entry.RPCURL,
				"explorer_url":  entry.ExplorerURL,
				"chain_id":      entry.ChainID,
				"confirmations": entry.Confirmations,
				"min_order_idr": entry.MinOrderIDR,
			}
			if entry.KeyEnv != "" {
				if blob := os.Getenv(entry.KeyEnv); blob != "" {
					updates["key_blob"] = blob
				}
			}
			if err := db.Model(&chain).Updates(updates).Error; err != nil {
				return fmt.Errorf("update chain %s: %w", entry.Slug, err)
			}
		}

		var token models.Token
		err = db.First(&token, "chain_id = ? AND symbol = ?", chain.ID, entry.NativeSymbol).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			token = models.Token{
				ID:       uuid.New(),
				ChainID:  chain.ID,
				Symbol:   entry.NativeSymbol,
				Decimals: entry.Decimals,
				IsNative: true,
				Active:   true,
			}
			if err := db.Create(&token).Error; err != nil {
				return fmt.Errorf("create token %s: %w", entry.NativeSymbol, err)
			}
		} else if err != nil {
			return fmt.Errorf("lookup token %s: %w", entry.NativeSymbol, err)
		}

		if err := inv.Ensure(ctx, chain.ID, entry.NativeSymbol); err != nil {
			return fmt.Errorf("ensure inventory %s/%s: %w", entry.Slug, entry.NativeSymbol, err)
		}
	}
	return nil
}

// registerWallets loads signing keys for every chain that has one. A chain
// without a key still quotes; payouts for it fail until the key arrives.
func registerWallets(db *gorm.DB, wallets *wallet.Manager, registry *config.ChainRegistry, password string, logger *slog.Logger) {
	decimalsBySlug := make(map[string]int, len(registry.Chains))
	for _, entry := range registry.Chains {
		decimalsBySlug[entry.Slug] = entry.Decimals
	}
	var chains []models.Chain
	if err := db.Where("active = ?", true).Find(&chains).Error; err != nil {
		logger.Warn("wallet registration: chain scan failed", "error", err)
		return
	}
	for _, chain := range chains {
		if chain.KeyBlob == "" {
			logger.Warn("no signing key for chain", "chain", chain.Slug)
			continue
		}
		decimals := decimalsBySlug[chain.Slug]
		if err := wallets.Register(chain, decimals, password); err != nil {
			logger.Warn("wallet registration failed", "chain", chain.Slug, "error", err)
		}
	}
}

// activeSymbols returns a live view of the symbols the price machinery
// should track.
func activeSymbols(db *gorm.DB) func() []string {
	return func() []string {
		var symbols []string
		err := db.Model(&models.Token{}).
			Where("active = ?", true).
			Distinct().
			Pluck("symbol", &symbols).Error
		if err != nil {
			return nil
		}
		return symbols
	}
}
