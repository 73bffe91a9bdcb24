package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/neo-agent/backend/internal/agent"
	"github.com/neo-agent/backend/internal/api/handlers"
	querycache "github.com/neo-agent/backend/internal/cache/query"
	redisclient "github.com/neo-agent/backend/internal/cache/redis"
	"github.com/neo-agent/backend/internal/cache/semantic"
	"github.com/neo-agent/backend/internal/engine"
	"github.com/neo-agent/backend/internal/llm"
	"github.com/neo-agent/backend/internal/metrics"
	"github.com/neo-agent/backend/internal/middleware/ratelimit"
	"github.com/neo-agent/backend/internal/middleware/security"
	"github.com/neo-agent/backend/internal/middleware/validation"
	"github.com/neo-agent/backend/internal/router"
	"github.com/neo-agent/backend/internal/storage/sqlite"
	"github.com/neo-agent/backend/internal/upstream"
	"github.com/neo-agent/backend/internal/vector/milvus"
	"github.com/neo-agent/backend/pkg/config"
	appLogger "github.com/neo-agent/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Neo Agent API Server")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	var redisClient *redisclient.Client
	if cfg.Redis.Enabled {
		redisClient, err = redisclient.NewClient(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Cache.EmbeddingTTL,
		)
		if err != nil {
			appLogger.Warn("Redis unavailable, embedding memoization disabled", zap.Error(err))
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.Model,
		cfg.LLM.EmbeddingModel,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
	)

	upstreamClient := upstream.NewClient(
		cfg.Databases.URLs,
		cfg.Databases.Secret,
		cfg.Databases.TimeoutSec,
		cfg.Databases.MaxRows,
	)

	queryCache := querycache.New(upstreamClient, cfg.Cache.QueryTTL, cfg.Cache.QueryMaxEntries)

	vectorStore, err := buildVectorStore(cfg, sqliteClient)
	if err != nil {
		appLogger.Fatal("Failed to initialize vector store", zap.Error(err))
	}

	semanticCache := semantic.New(
		llmClient,
		vectorStore,
		redisClient,
		float32(cfg.Cache.SemanticThreshold),
		cfg.Cache.SemanticTTL,
		cfg.Cache.SemanticMaxEntries,
	)

	questionRouter := router.New(cfg.Router.Enabled)

	eng := engine.New(questionRouter, queryCache, upstreamClient, nil, semanticCache, sqliteClient)
	loop := agent.NewLoop(
		llmClient,
		eng.DataSource(),
		cfg.Agent.MaxTurns,
		time.Duration(cfg.Agent.TimeoutSec)*time.Second,
	)
	eng.SetLoop(loop)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	corsOrigins := "*"
	if len(cfg.Server.AllowedOrigins) > 0 {
		corsOrigins = strings.Join(cfg.Server.AllowedOrigins, ",")
	}

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: corsOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Environment == "development",
	}))

	if cfg.RateLimit.Enabled {
		limiter := ratelimit.New(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
			ExemptPaths:       []string{"/api/v1/health", "/api/v1/ready", "/metrics"},
			Logger:            appLogger.GetLogger(),
		})
		defer limiter.Stop()
		app.Use(limiter.Middleware())
	}
	app.Use(validation.Middleware(validation.Config{Logger: appLogger.GetLogger()}))

	askHandler := handlers.NewAskHandler(eng, sqliteClient, upstreamClient)
	wsHandler := handlers.NewWebSocketHandler(eng)

	api := app.Group("/api/v1")
	api.Post("/ask", askHandler.HandleAsk)
	api.Get("/ask/history", askHandler.GetHistory)
	api.Get("/ask/:id/tools", askHandler.GetToolCalls)
	api.Get("/insights", askHandler.GetInsights)
	api.Get("/databases", askHandler.GetDatabases)
	api.Get("/databases/stats", askHandler.GetDatabaseStats)

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})
	api.Get("/ready", func(c *fiber.Ctx) error {
		if _, err := sqliteClient.CountQuestions(); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded"})
		}
		return c.JSON(fiber.Map{"status": "ready"})
	})

	app.Get("/metrics", metrics.MetricsHandler())

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/ask", websocket.New(wsHandler.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}

// buildVectorStore picks the semantic cache backend: Milvus when
// configured, otherwise the SQLite-persisted in-memory scan.
func buildVectorStore(cfg *config.Config, sqliteClient *sqlite.Client) (semantic.VectorStore, error) {
	if cfg.Milvus.Enabled {
		store, err := milvus.NewStore(cfg.Milvus.Endpoint, cfg.Milvus.CollectionName, cfg.Milvus.VectorDim)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureCollection(context.Background()); err != nil {
			return nil, err
		}
		return store, nil
	}
	return semantic.NewMemoryStore(sqliteClient)
}
