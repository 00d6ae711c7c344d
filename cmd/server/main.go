package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/docforge/engine/internal/auth"
	"github.com/docforge/engine/internal/client"
	"github.com/docforge/engine/internal/config"
	"github.com/docforge/engine/internal/handler"
	"github.com/docforge/engine/internal/middleware"
	"github.com/docforge/engine/internal/notify"
	"github.com/docforge/engine/internal/planner"
	"github.com/docforge/engine/internal/queue"
	"github.com/docforge/engine/internal/render"
	"github.com/docforge/engine/internal/repository"
	"github.com/docforge/engine/internal/service"
	"github.com/docforge/engine/internal/tokens"
	"github.com/docforge/engine/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()
	enqueuer := queue.NewEnqueuer(asynqClient)

	// Initialize the job store
	store, err := repository.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	// Initialize validator
	validate := validator.New()

	// Initialize notification hub
	hub := notify.NewHub()
	go hub.Run()
	gateway := notify.NewService(hub)

	// Initialize external clients
	modelClient := client.NewModelClient(&cfg.Provider)
	ragClient := client.NewRagClient(&cfg.Rag)
	counter := tokens.NewCounter(cfg.Provider.Encoding)

	// Initialize R2 client (optional - workers stay down without storage)
	var r2Client *client.R2Client
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		var err error
		r2Client, err = client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Printf("Warning: R2 client not initialized: %v", err)
		}
	} else {
		log.Println("Info: R2 storage not configured; generation workers disabled")
	}

	// Initialize JWKS verifier (optional - falls back to legacy JWT)
	var jwksVerifier *auth.JWKSVerifier
	if cfg.Identity.Issuer != "" {
		var err error
		jwksVerifier, err = auth.NewJWKSVerifier(&cfg.Identity)
		if err != nil {
			log.Printf("Warning: JWKS verifier not initialized: %v", err)
		} else {
			defer jwksVerifier.Close()
		}
	}

	// Initialize services and handlers
	generationService := service.NewGenerationService(store, store, enqueuer)
	generationHandler := handler.NewGenerationHandler(generationService, validate)

	// Initialize middleware (with fallback support)
	var authMiddleware *middleware.AuthMiddleware
	if jwksVerifier != nil && cfg.JWT.Secret != "" {
		authMiddleware = middleware.NewAuthMiddlewareWithFallback(jwksVerifier, cfg.JWT.Secret)
	} else if jwksVerifier != nil {
		authMiddleware = middleware.NewAuthMiddleware(jwksVerifier)
	} else {
		authMiddleware = middleware.NewLegacyAuthMiddleware(cfg.JWT.Secret)
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"provider": modelClient.IsConfigured(),
				"r2":       r2Client != nil,
				"auth":     jwksVerifier != nil || cfg.JWT.Secret != "",
			},
		})
	})

	// API routes
	api := app.Group("/api", authMiddleware.Authenticate())

	generation := api.Group("/generation")
	generation.Post("/start", rateLimiter.StartLimit(cfg.RateLimit.StartPerHour), generationHandler.Start)
	generation.Get("/status/:jobId", generationHandler.Status)
	generation.Get("/session/:sessionId/jobs", generationHandler.SessionJobs)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/notifications/:userId", websocket.New(func(c *websocket.Conn) {
		userID := c.Params("userId")
		hub.HandleConnection(c, userID)
	}))

	// Start Asynq worker server
	if r2Client != nil {
		go startWorkerServer(cfg, store, enqueuer, r2Client, ragClient, modelClient, counter, gateway)
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(
	cfg *config.Config,
	store *repository.SQLiteStore,
	enqueuer *queue.Enqueuer,
	r2Client *client.R2Client,
	ragClient *client.RagClient,
	modelClient *client.ModelClient,
	counter tokens.Counter,
	gateway notify.Gateway,
) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				queue.QueueGeneration: 10,
			},
			LogLevel: asynqLogLevel,
		},
	)

	resolver := planner.NewResolver(store, r2Client)
	stagePlanner := planner.New(resolver, store)
	renderer := render.NewRenderer(store, r2Client, cfg.R2.BucketName)

	orchestrator := worker.NewOrchestrator(store, store, stagePlanner, enqueuer, gateway)
	executor := worker.NewExecutor(store, store, r2Client, ragClient, modelClient, counter, gateway, cfg.Provider, cfg.R2.BucketName)
	renderRunner := worker.NewRenderRunner(store, renderer, gateway)
	dispatcher := worker.NewDispatcher(store, store, enqueuer, orchestrator, executor, renderRunner, gateway)

	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TaskTypeGeneration, dispatcher.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
