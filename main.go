package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Yazington/aprv-ai-backend/config"
	"github.com/Yazington/aprv-ai-backend/handler"
	"github.com/Yazington/aprv-ai-backend/middleware"
	"github.com/Yazington/aprv-ai-backend/pkg/logger"
	"github.com/Yazington/aprv-ai-backend/service"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// .env feeds the environment overrides in config; absence is fine
	_ = godotenv.Load()

	cfg, err := config.Load("config.yaml")
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("failed to load config", "error", err)
			os.Exit(1)
		}
		cfg = config.Default()
	}

	logger.Init(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	slog.Info("configuration loaded", "store_driver", cfg.Store.Driver, "model", cfg.Inference.Model)

	fileStore, err := service.NewMinioFileStore(&cfg.Minio)
	if err != nil {
		slog.Error("failed to initialize MINIO file store", "error", err)
		os.Exit(1)
	}
	if err := fileStore.EnsureBucket(context.Background()); err != nil {
		slog.Error("failed to ensure MINIO bucket", "error", err)
		os.Exit(1)
	}

	var store service.Store
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := service.NewPostgresStore(context.Background(), cfg.Store.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		store = pg
	default:
		store = service.NewMemoryStore()
	}

	provider := service.NewOpenAIProvider(&cfg.Inference)
	gateway := service.NewGateway(provider, &cfg.Inference)
	comparator := service.NewComparator(gateway)
	extractor := service.NewExtractor(service.NewPopplerRasterizer())
	conversations := service.NewMemoryConversationStore()
	hub := service.NewProgressHub()
	approvals := service.NewApprovalService(store, conversations, fileStore, extractor, comparator, hub)

	authHandler := handler.NewAuthHandler(cfg)
	approvalHandler := handler.NewApprovalHandler(approvals, conversations, fileStore, hub)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(corsMiddleware())
	router.Use(middleware.RateLimit(100, time.Minute))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	api := router.Group("/api")
	{
		api.POST("/auth/login", authHandler.Login)
		// websocket clients authenticate at login; the socket itself is open
		api.GET("/ws/progress", approvalHandler.WSProgress)
	}

	protected := api.Group("/")
	protected.Use(middleware.AuthMiddleware(&cfg.Auth))
	{
		protected.GET("/auth/me", authHandler.GetCurrentUser)
		protected.POST("/conversations", approvalHandler.RegisterConversation)
		protected.POST("/conversations/:id/files", approvalHandler.Upload)
		protected.POST("/conversations/:id/process", approvalHandler.StartProcess)
		protected.GET("/conversations/:id/process-status", approvalHandler.GetProcessStatus)
		protected.GET("/conversations/:id/reviews", approvalHandler.GetConversationReviews)
		protected.GET("/tasks/:id/reviews", approvalHandler.GetReviews)
		protected.POST("/tasks/:id/cancel", approvalHandler.Cancel)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("server exited gracefully")
}

// corsMiddleware handles CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
