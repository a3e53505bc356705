package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/chainledger/chainledger/internal/api/handlers"
	"github.com/chainledger/chainledger/internal/api/routes"
	"github.com/chainledger/chainledger/internal/domain/services"
	"github.com/chainledger/chainledger/internal/infrastructure/adapters/indexer"
	"github.com/chainledger/chainledger/internal/infrastructure/chain"
	"github.com/chainledger/chainledger/internal/infrastructure/config"
	"github.com/chainledger/chainledger/internal/infrastructure/database"
	"github.com/chainledger/chainledger/internal/infrastructure/heartbeat"
	"github.com/chainledger/chainledger/internal/infrastructure/repositories"
	"github.com/chainledger/chainledger/internal/workers/deposit_worker"
	"github.com/chainledger/chainledger/internal/workers/withdrawal_worker"
	"github.com/chainledger/chainledger/pkg/clock"
	"github.com/chainledger/chainledger/pkg/graceful"
	"github.com/chainledger/chainledger/pkg/logger"
	"github.com/chainledger/chainledger/pkg/metrics"
	"github.com/chainledger/chainledger/pkg/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	log := logger.New(cfg.LogLevel, cfg.Environment)
	defer log.Sync()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}
	if err := database.RunMigrations(db, cfg.Database.MigrationsPath); err != nil {
		log.Fatal("Failed to run migrations", "error", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	chainClient, err := chain.NewClient(cfg.Chain, log)
	if err != nil {
		log.Fatal("Failed to connect to chain RPC", "error", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	clk := clock.Real{}

	// Repositories
	eventRepo := repositories.NewDepositEventRepository(db, log)
	walletRepo := repositories.NewWalletRepository(db, log)
	requestRepo := repositories.NewDepositRequestRepository(db, log)
	withdrawalRepo := repositories.NewWithdrawalRepository(db, log)
	cursorRepo := repositories.NewCursorRepository(db, log)
	addressRepo := repositories.NewUserAddressRepository(db, log)
	ledgerRepo := repositories.NewLedgerRepository(db, eventRepo, walletRepo, withdrawalRepo, log)

	// Services
	creditService := services.NewCreditService(eventRepo, addressRepo, ledgerRepo, chainClient, cfg.Chain, cfg.Deposit, m, log)
	matchingService := services.NewMatchingService(requestRepo, cfg.Deposit, clk, m, log)
	withdrawalService := services.NewWithdrawalService(withdrawalRepo, ledgerRepo, chainClient, cfg.Withdraw, cfg.Chain, clk, m, log)

	capabilities := chain.NewProviderCapabilities(cfg.Chain.MaxBlockRange)
	addressGate := ratelimit.NewGate(cfg.Worker.AddressInterval, clk)
	scanService := services.NewScanService(chainClient, cursorRepo, requestRepo, addressRepo, creditService, capabilities, addressGate, cfg.Deposit, cfg.Chain, m, log)

	indexerClient := indexer.NewClient(cfg.Indexer, log)
	indexerService := services.NewIndexerService(indexerClient, cursorRepo, chainClient, addressRepo, creditService, cfg.Indexer, cfg.Chain, clk, m, log)

	webhookService := services.NewWebhookService(creditService, cfg.Webhook, cfg.Chain, m, log)
	heartbeatStore := heartbeat.NewStore(redisClient, log)

	// Workers
	depositWorker := deposit_worker.NewWorker(creditService, matchingService, scanService, indexerService, heartbeatStore, clk, m, log, deposit_worker.Config{
		BusyInterval: cfg.Worker.BusyInterval,
		IdleInterval: cfg.Worker.IdleInterval,
		CreditBatch:  cfg.Worker.CreditBatch,
		RequestTTL:   cfg.Deposit.RequestTTL,
	})
	withdrawWorker := withdrawal_worker.NewWorker(withdrawalService, heartbeatStore, clk, m, log, withdrawal_worker.Config{
		BusyInterval: cfg.Worker.BusyInterval,
		IdleInterval: cfg.Worker.IdleInterval,
	})

	go depositWorker.Start(context.Background())
	go withdrawWorker.Start(context.Background())

	// The expiry sweep also runs from the deposit pass; the cron keeps
	// requests expiring even if that worker wedges on a provider
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Worker.ExpirySchedule, func() {
		if _, err := matchingService.ExpireStale(context.Background()); err != nil {
			log.Error("Scheduled expiry sweep failed", "error", err)
		}
	}); err != nil {
		log.Fatal("Failed to schedule expiry sweep", "error", err)
	}
	scheduler.Start()

	// HTTP surface
	coreHandler := handlers.NewCoreHandler(db, log)
	webhookHandler := handlers.NewWebhookHandler(webhookService, log)
	statusHandler := handlers.NewStatusHandler(eventRepo, requestRepo, withdrawalRepo, heartbeatStore, log)
	router := routes.SetupRoutes(coreHandler, webhookHandler, statusHandler, registry, log)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	shutdown := graceful.NewShutdownManager(server, db, log)
	shutdown.Register(depositWorker)
	shutdown.Register(withdrawWorker)
	shutdown.Register(stopperFunc(func() { scheduler.Stop() }))

	go func() {
		log.Info("Server starting", "port", cfg.Server.Port, "environment", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", "error", err)
		}
	}()

	shutdown.WaitForShutdown()
}

type stopperFunc func()

func (f stopperFunc) Stop() { f() }
