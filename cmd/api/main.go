package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"yieldvault/internal/alert"
	"yieldvault/internal/autodeposit"
	"yieldvault/internal/config"
	"yieldvault/internal/custody"
	"yieldvault/internal/database"
	"yieldvault/internal/handler"
	"yieldvault/internal/keys"
	"yieldvault/internal/lock"
	"yieldvault/internal/logging"
	"yieldvault/internal/metrics"
	"yieldvault/internal/middleware"
	"yieldvault/internal/model"
	"yieldvault/internal/monitor"
	"yieldvault/internal/signature"
	"yieldvault/internal/stellar"
	"yieldvault/internal/submit"
	"yieldvault/internal/txbuild"
	"yieldvault/internal/vault"
	"yieldvault/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Load .env file if it exists
	envErr := godotenv.Load()

	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	if envErr != nil {
		logger.Info("No .env file found")
	}
	if err := cfg.Stellar.Validate(); err != nil {
		logger.Fatal("Invalid Stellar configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	ledger := stellar.NewClient(cfg.Stellar.HorizonURL, cfg.Stellar.SorobanRPCURL, cfg.Stellar.IsTestnet(), logger)

	signer, err := custody.NewClient(custody.Config{
		BaseURL:        cfg.Custody.BaseURL,
		OrganizationID: cfg.Custody.OrganizationID,
		APIPublicKey:   cfg.Custody.APIPublicKey,
		APIPrivateKey:  cfg.Custody.APIPrivateKey,
		PollInterval:   cfg.Custody.PollInterval,
		MaxPolls:       cfg.Custody.MaxPolls,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize custody client", zap.Error(err))
	}

	notifier := alert.New(cfg.Alerts.TelegramBotToken, cfg.Alerts.TelegramChatID, logger)

	var locker lock.Locker = lock.NewMemory()
	if cfg.Lock.RedisURL != "" {
		redisLock, err := lock.NewRedis(ctx, cfg.Lock.RedisURL, cfg.Lock.TTL, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisLock.Close()
		locker = redisLock
	}

	pipeline := vault.NewPipeline(
		txbuild.NewAssembler(ledger, cfg.Stellar.BaseFee, cfg.Stellar.TxTimeoutSeconds, logger),
		signer,
		signature.NewAssembler(cfg.Signature.CandidateSearch, logger),
		submit.NewSubmitter(ledger, cfg.Submit.PollInterval, cfg.Submit.MaxAttempts, logger),
		notifier,
		cfg.Custody.SignFullTransaction,
		logger,
	)

	network := model.NetworkTestnet
	if !cfg.Stellar.IsTestnet() {
		network = model.NetworkMainnet
	}
	vaultService := vault.NewService(db, ledger, keys.NewProvisioner(signer, logger), pipeline, vault.Options{
		Network:          network,
		AssetCode:        cfg.Stellar.AssetCode,
		StrategyContract: cfg.Stellar.StrategyContract,
		TxTimeout:        time.Duration(cfg.Stellar.TxTimeoutSeconds) * time.Second,
	}, logger)

	orchestrator := autodeposit.NewOrchestrator(
		db,
		monitor.New(ledger, cfg.Stellar.AssetCode, cfg.Stellar.AssetIssuer),
		vaultService,
		locker,
		notifier,
		autodeposit.PolicyFromConfig(cfg.AutoDeposit),
		logger,
	)

	scheduler := worker.NewScheduler(db, orchestrator, vaultService, cfg.AutoDeposit.BatchSize, cfg.AutoDeposit.BatchDelay, logger)
	if err := scheduler.Start(cfg.AutoDeposit.Schedule); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}
	defer scheduler.Stop()

	h := handler.NewHandler(vaultService, orchestrator, cfg.AdminAPIKey, logger)
	router := setupRouter(h, middleware.NewIPRateLimiter(cfg.RateLimit), logger)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("Server starting",
			zap.String("port", cfg.Server.Port),
			zap.String("network", cfg.Stellar.Network),
			zap.String("strategy", cfg.Stellar.StrategyContract))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}

func setupRouter(h *handler.Handler, rateLimiter *middleware.IPRateLimiter, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Cors())

	// Health check endpoint
	router.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Format(time.RFC3339),
		})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("", rateLimiter.RateLimit())
	h.Register(api)

	return router
}
