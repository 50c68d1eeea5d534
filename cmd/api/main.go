package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"crowdchain/escrow-backend/internal/auth"
	"crowdchain/escrow-backend/internal/bootstrap"
	"crowdchain/escrow-backend/internal/campaigns"
	"crowdchain/escrow-backend/internal/config"
	"crowdchain/escrow-backend/internal/coordinator"
	"crowdchain/escrow-backend/internal/reconciliation"
	"crowdchain/escrow-backend/internal/verification"
)

func main() {
	cfg, err := config.LoadConfig(envOr("CONFIG_PATH", "config.json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := bootstrap.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	repo, closeMirror, err := bootstrap.OpenMirror(ctx, cfg.Mongo, logger)
	if err != nil {
		logger.Fatal("Failed to open mirror", zap.Error(err))
	}
	defer closeMirror()

	gov, closeGov, err := bootstrap.OpenGovernance(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open governance store", zap.Error(err))
	}
	defer closeGov()

	checker, err := bootstrap.OpenEvidence(ctx, cfg.Evidence, logger)
	if err != nil {
		logger.Fatal("Failed to configure evidence storage", zap.Error(err))
	}

	ledgerClient, conn, err := bootstrap.DialLedger(ctx, cfg.Ledger, logger)
	if err != nil {
		logger.Fatal("Failed to connect to ledger", zap.Error(err))
	}
	defer ledgerClient.Close()

	coord := coordinator.New(ledgerClient, cfg.Coordinator, logger)
	defer coord.Close()

	campaignService := campaigns.NewService(repo, coord, ledgerClient, gov.Audit, logger)
	verificationService := verification.NewService(verification.Deps{
		Repo:        repo,
		Coordinator: coord,
		Ledger:      ledgerClient,
		Authorizer:  gov.Authorizer,
		Evidence:    checker,
		Audit:       gov.Audit,
		Logger:      logger,
	})
	reconciliationService := reconciliation.NewService(reconciliation.Deps{
		Repo:        repo,
		Coordinator: coord,
		Ledger:      ledgerClient,
		Authorizer:  gov.Authorizer,
		Audit:       gov.Audit,
		Logger:      logger,
	})

	if cfg.Logging.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger), cors())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
		})
	})

	api := router.Group("/api/v1")
	api.Use(auth.Middleware([]byte(cfg.Security.JWTSecret)))
	{
		auth.RegisterRoutes(api, auth.NewHandler(gov.Authorizer, logger))
		campaigns.NewHandler(campaignService, conn, logger).RegisterRoutes(api)
		verification.NewHandler(verificationService, conn, logger).RegisterRoutes(api)
		reconciliation.NewHandler(reconciliationService, conn, logger).RegisterRoutes(api)
	}

	srv := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", srv.Addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exiting")
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("identity", auth.Identity(c)))
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
