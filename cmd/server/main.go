package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	config "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/api"
	"github.com/maheshrc27/postflow/internal/api/handlers"
	"github.com/maheshrc27/postflow/internal/api/middleware"
	job "github.com/maheshrc27/postflow/internal/jobs"
	"github.com/maheshrc27/postflow/internal/lock"
	"github.com/maheshrc27/postflow/internal/platform"
	"github.com/maheshrc27/postflow/internal/queue"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/internal/service"
	"github.com/maheshrc27/postflow/pkg/utils"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: Failed to load environment variables", err)
	}

	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	zlog := newLogger(cfg)
	defer zlog.Sync()
	zap.ReplaceGlobals(zlog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sql.Open("postgres", cfg.PostgresURI)
	if err != nil {
		zlog.Fatal("failed to open database", zap.Error(err))
	}
	defer closeDB(db)

	if err := db.PingContext(ctx); err != nil {
		zlog.Fatal("database is unreachable", zap.Error(err))
	}
	if err := repository.EnsureSchema(ctx, db); err != nil {
		zlog.Fatal("failed to apply schema", zap.Error(err))
	}

	cipher, err := utils.NewCipher(cfg.SecretKey)
	if err != nil {
		zlog.Fatal("failed to build token cipher", zap.Error(err))
	}
	clock := utils.SystemClock()
	instanceID := uuid.NewString()

	postRepo := repository.NewPostRepository(db)
	socialAccountRepo := repository.NewSocialAccountRepository(db)
	selectedAccountRepo := repository.NewSelectedAccountRepository(db)
	postingHistoryRepo := repository.NewPostingHistoryRepository(db)
	postMediaRepo := repository.NewPostMediaRepository(db)

	var presigner service.ObjectPresigner
	if cfg.R2.BucketName != "" {
		r2, err := service.NewR2Client(ctx, cfg.R2)
		if err != nil {
			zlog.Fatal("failed to build R2 client", zap.Error(err))
		}
		presigner = s3.NewPresignClient(r2)
	}

	credentialStore := service.NewCredentialStore(socialAccountRepo, cipher, clock)
	mediaService := service.NewMediaService(postMediaRepo, presigner, cfg.R2.BucketName, cfg.R2.URLExpiry)
	postService := service.NewPostService(postRepo, selectedAccountRepo, postingHistoryRepo, clock, zlog)
	platformService := service.NewPlatformService(socialAccountRepo)
	backoff := service.NewBackoff(cfg.Scheduler.RetryBackoff)

	clients := platform.NewRegistry(
		platform.NewTikTokClient(platformOptions(cfg, zlog, cfg.Platforms.TiktokClientKey, cfg.Platforms.TiktokClientSecret)),
		platform.NewInstagramClient(platformOptions(cfg, zlog, "", cfg.Platforms.InstagramClientSecret)),
		platform.NewYouTubeClient(platformOptions(cfg, zlog, cfg.Platforms.GoogleClientID, cfg.Platforms.GoogleClientSecret)),
	)

	redisConn := asynq.RedisClientOpt{Addr: cfg.RedisURI, Password: cfg.RedisPassword}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURI, Password: cfg.RedisPassword})
	defer rdb.Close()

	refreshJob := job.NewTokenRefreshJob(socialAccountRepo, credentialStore, clients, lock.NewRedisLocker(rdb),
		clock, zlog.Named("tokens"), cfg.Tokens)

	worker := queue.NewWorker(
		postRepo,
		selectedAccountRepo,
		postingHistoryRepo,
		credentialStore,
		mediaService,
		clients,
		backoff,
		clock,
		zlog.Named("worker"),
		cfg.Scheduler.PublishConcurrency,
	).WithRefresher(refreshJob)

	var dispatcher job.Dispatcher
	var shutdownQueue func()

	switch cfg.DispatchBackend {
	case "amqp":
		dispatcher, shutdownQueue = startAMQP(ctx, cfg, worker, clock, zlog)
	case "inline":
		inline := queue.NewInlineDispatcher(ctx, worker, clock, zlog.Named("inline"))
		dispatcher, shutdownQueue = inline, inline.Close
	default:
		dispatcher, shutdownQueue = startAsynq(redisConn, worker, zlog)
	}

	scanner := job.NewScannerJob(postRepo, dispatcher, backoff, clock, zlog.Named("scanner"), cfg.Scheduler, instanceID)

	c := cron.New()
	mustSchedule(c, cfg.Scheduler.ScanInterval, scanner.ScanDuePosts, zlog)
	mustSchedule(c, cfg.Tokens.RefreshInterval, refreshJob.RefreshTokens, zlog)
	mustSchedule(c, cfg.Tokens.CleanupInterval, refreshJob.CleanupExpired, zlog)
	c.Start()

	app := fiber.New(fiber.Config{
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			zlog.Error("unhandled request error", zap.String("path", c.Path()), zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal server error"})
		},
	})

	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOriginsFunc: func(origin string) bool {
			return true
		},
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowCredentials: true,
		MaxAge:           3600,
	}))

	authMiddleware := middleware.NewAuthMiddleware(*cfg, zlog)
	api.RegisterRoutes(app, api.Handlers{
		Auth:     authMiddleware.AuthMiddleware(),
		Post:     handlers.NewPostHandler(postService),
		Platform: handlers.NewPlatformHandler(platformService, refreshJob),
		Health:   handlers.NewHealthHandler(db),
	})

	go func() {
		if err := app.Listen(":" + cfg.HTTPPort); err != nil {
			zlog.Fatal("failed to start server", zap.Error(err))
		}
	}()
	zlog.Info("server is running",
		zap.String("port", cfg.HTTPPort),
		zap.String("dispatch_backend", cfg.DispatchBackend),
		zap.String("instance_id", instanceID),
	)

	waitForSignal()
	zlog.Info("shutting down")

	c.Stop()
	cancel()
	shutdownQueue()

	if err := app.Shutdown(); err != nil {
		zlog.Error("failed to shut down server", zap.Error(err))
	}
	zlog.Info("shutdown complete")
}

func newLogger(cfg *config.Config) *zap.Logger {
	var zlog *zap.Logger
	var err error
	if cfg.IsDevelopment() {
		zlog, err = zap.NewDevelopment()
	} else {
		zlog, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	return zlog
}

func platformOptions(cfg *config.Config, zlog *zap.Logger, clientID, clientSecret string) platform.Options {
	return platform.Options{
		ClientID:          clientID,
		ClientSecret:      clientSecret,
		RequestTimeout:    cfg.Platforms.RequestTimeout,
		UploadTimeout:     cfg.Platforms.UploadTimeout,
		RequestsPerMinute: cfg.Platforms.RequestsPerMinute,
		Logger:            zlog.Named("platform"),
	}
}

func startAsynq(redisConn asynq.RedisClientOpt, worker *queue.Worker, zlog *zap.Logger) (job.Dispatcher, func()) {
	client := asynq.NewClient(redisConn)

	server := asynq.NewServer(redisConn, asynq.Config{
		Concurrency: 10,
		Logger:      zlog.Named("asynq").Sugar(),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TaskTypePublishPost, worker.HandlePublishPostTask)

	go func() {
		zlog.Info("starting the asynq server")
		if err := server.Run(mux); err != nil {
			zlog.Fatal("could not start asynq server", zap.Error(err))
		}
	}()

	return queue.NewAsynqDispatcher(client, zlog.Named("dispatch")), func() {
		server.Shutdown()
		client.Close()
	}
}

func startAMQP(ctx context.Context, cfg *config.Config, worker *queue.Worker, clock utils.Clock, zlog *zap.Logger) (job.Dispatcher, func()) {
	conn, err := amqp.Dial(cfg.AMQPURI)
	if err != nil {
		zlog.Fatal("failed to connect to broker", zap.Error(err))
	}

	pubCh, err := queue.DeclareQueue(conn, cfg.AMQPQueue)
	if err != nil {
		zlog.Fatal("failed to declare queue", zap.Error(err))
	}
	subCh, err := queue.DeclareQueue(conn, cfg.AMQPQueue)
	if err != nil {
		zlog.Fatal("failed to declare queue", zap.Error(err))
	}

	consumer := queue.NewAMQPConsumer(subCh, cfg.AMQPQueue, worker, clock, zlog.Named("consumer"))
	go func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			zlog.Fatal("amqp consumer stopped", zap.Error(err))
		}
	}()

	return queue.NewAMQPDispatcher(pubCh, cfg.AMQPQueue, zlog.Named("dispatch")), func() {
		pubCh.Close()
		subCh.Close()
		conn.Close()
	}
}

func mustSchedule(c *cron.Cron, every time.Duration, fn func(), zlog *zap.Logger) {
	if err := c.AddFunc(fmt.Sprintf("@every %s", every), fn); err != nil {
		zlog.Fatal("failed to schedule job", zap.Duration("every", every), zap.Error(err))
	}
}

func closeDB(db *sql.DB) {
	fmt.Fprint(os.Stdout, "Closing database connection... ")
	if err := db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to close database: %v", err)
		return
	}
	fmt.Fprintln(os.Stdout, "Done")
}

func waitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
}
