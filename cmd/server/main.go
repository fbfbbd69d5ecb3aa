package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storyfill-server/internal/auth"
	"storyfill-server/internal/config"
	"storyfill-server/internal/handler"
	"storyfill-server/internal/messaging"
	"storyfill-server/internal/models"
	"storyfill-server/internal/narration"
	"storyfill-server/internal/ratelimit"
	"storyfill-server/internal/repository"
	"storyfill-server/internal/service"
	"storyfill-server/internal/storage"
	"storyfill-server/internal/worker"
	"storyfill-server/pkg/database"
	sharedLogger "storyfill-server/pkg/logger"
	sharedMiddleware "storyfill-server/pkg/middleware"
	"storyfill-server/pkg/migration"
	"storyfill-server/pkg/taskmanager"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"
)

// Сколько держать завершенные задачи озвучки в таблице taskmanager.
const finishedTaskRetention = 10 * time.Minute

func main() {
	cfg, err := config.LoadConfig(".env")
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := sharedLogger.New(sharedLogger.Config{
		Level:    cfg.LogLevel,
		Encoding: cfg.LogEncoding,
		Service:  "storyfill-server",
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	zap.ReplaceGlobals(logger)
	zap.L().Info("Configuration loaded", cfg.LogFields()...)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	checks := make(map[string]handler.HealthCheck)

	// --- Хранилище комнат ---
	var store storage.KeyedStore
	var redisClient *redis.Client
	if cfg.StoreBackend == config.StoreRedis {
		redisClient, err = setupRedis(ctx, cfg)
		if err != nil {
			zap.L().Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		store = storage.NewRedisStore(redisClient, logger)
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
		zap.L().Info("Connected to Redis")
	} else {
		store = storage.NewMemoryStore()
		zap.L().Warn("Using in-memory room store, state is lost on restart")
	}

	// --- Аудио ---
	var objects storage.ObjectStore
	if cfg.ObjectBackend == config.ObjectsMinio {
		minioStore, err := storage.NewMinioObjectStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}, logger)
		if err != nil {
			zap.L().Fatal("Failed to connect to object storage", zap.Error(err))
		}
		objects = minioStore
		checks["objects"] = minioStore.Ping
		zap.L().Info("Connected to object storage", zap.String("bucket", cfg.MinioBucket))
	} else {
		objects = storage.NewMemoryObjectStore()
	}

	// --- Аудит ---
	var audit repository.AuditStore = repository.NopAuditStore{}
	if cfg.AuditEnabled {
		pool, err := setupPostgres(ctx, cfg, logger)
		if err != nil {
			zap.L().Fatal("Failed to connect to PostgreSQL", zap.Error(err))
		}
		defer pool.Close()
		audit = repository.NewPgAuditRepository(pool, logger)
		checks["postgres"] = pool.Ping
		zap.L().Info("Audit trail enabled")
	}

	// --- Realtime события ---
	var broadcaster messaging.Broadcaster
	var events messaging.Subscriber
	switch cfg.BroadcastTransport {
	case config.TransportRabbitMQ:
		mqConn, err := connectRabbitMQ(cfg.RabbitMQURL, logger)
		if err != nil {
			zap.L().Fatal("Failed to connect to RabbitMQ", zap.Error(err))
		}
		defer mqConn.Close()
		rabbit, err := messaging.NewRabbitMQBroadcaster(mqConn, cfg.RabbitMQExchange, logger)
		if err != nil {
			zap.L().Fatal("Failed to create RabbitMQ broadcaster", zap.Error(err))
		}
		defer rabbit.Close()
		broadcaster, events = rabbit, rabbit
		checks["rabbitmq"] = func(context.Context) error {
			if mqConn.IsClosed() {
				return errors.New("connection closed")
			}
			return nil
		}
	case config.TransportRedis:
		redisBus := messaging.NewRedisBroadcaster(redisClient, logger)
		broadcaster, events = redisBus, redisBus
	default:
		memoryBus := messaging.NewMemoryBroadcaster()
		broadcaster, events = memoryBus, memoryBus
	}

	// --- Сервисы ---
	tokens, err := auth.NewTokenIssuer(cfg.JWTSecret, cfg.RoomTTL)
	if err != nil {
		zap.L().Fatal("Failed to create token issuer", zap.Error(err))
	}

	var limiterClient redis.Cmdable
	if redisClient != nil {
		limiterClient = redisClient
	}
	limiter := ratelimit.New(limiterClient, logger)

	tasks := taskmanager.New(taskmanager.Config{MaxTasks: cfg.MaxNarrationWorkers}, logger)
	synth := narration.NewSynthesizer(narration.SynthesizerConfig{
		ServiceURL:       cfg.TTSServiceURL,
		APIKey:           cfg.TTSAPIKey,
		FailureThreshold: cfg.BreakerThreshold,
		OpenTimeout:      cfg.BreakerOpenTimeout,
	}, logger)
	cache := narration.NewAudioCache(store, objects, audit, cfg.NarrationCacheTTL, logger)
	pipeline := narration.NewPipeline(narration.Config{
		DefaultModel:     cfg.TTSDefaultModel,
		DefaultVoice:     cfg.TTSDefaultVoice,
		ResponseFormat:   cfg.TTSResponseFormat,
		SynthesisTimeout: cfg.SynthesisTimeout,
	}, cache, objects, synth, tasks, audit, logger)

	polisher := service.NewPolisher(service.PolishConfig{
		Enabled: cfg.PolishEnabled,
		APIKey:  cfg.PolishAPIKey,
		BaseURL: cfg.PolishBaseURL,
		Model:   cfg.PolishModel,
		Timeout: cfg.PolishTimeout,
	}, logger)

	rooms := repository.NewRoomRepository(store, cfg.RoomTTL, logger)
	// ключи должны пережить хотя бы два прохода sweeper после истечения
	rooms.SetStoreGrace(max(models.RoomStoreGrace, 2*cfg.SweepInterval))
	roomService := service.NewRoomService(service.Deps{
		Rooms:       rooms,
		Shares:      repository.NewShareRepository(store, audit, logger),
		Audit:       audit,
		Tokens:      tokens,
		Broadcaster: broadcaster,
		Narrator:    pipeline,
		Limiter:     limiter,
		Polisher:    polisher,
		WSURL:       cfg.WSURL,
		WebBaseURL:  cfg.WebBaseURL,
	}, logger)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	sweeper := worker.NewSweeper(rooms, roomService, cfg.SweepInterval, logger)
	go sweeper.Run(workerCtx)
	go reportNarrationStats(workerCtx, pipeline, tasks, cfg.SweepInterval)

	// --- HTTP ---
	gin.SetMode(gin.ReleaseMode)
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(sharedMiddleware.RequestID())
	router.Use(sharedMiddleware.ZapLoggingMiddlewareForGin(logger))
	router.Use(gin.Recovery())

	p := ginprometheus.NewPrometheus("gin")

	corsConfig := cors.DefaultConfig()
	if origins := cfg.GetAllowedOrigins(); len(origins) > 0 {
		corsConfig.AllowOrigins = origins
	} else {
		corsConfig.AllowAllOrigins = true
		zap.L().Info("CORS_ALLOWED_ORIGINS not set, allowing all origins")
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "HEAD", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"Retry-After", "Content-Disposition", "X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	handler.NewRoomHandler(roomService, events, checks, logger).RegisterRoutes(router)

	p.Use(router)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	zap.L().Info("Starting HTTP server", zap.String("port", cfg.ServerPort))
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Fatal("HTTP Server listen error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zap.L().Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("HTTP Server forced to shutdown", zap.Error(err))
	}
	stopWorkers()
	if err := tasks.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("Narration tasks did not finish before shutdown", zap.Error(err))
	}

	zap.L().Info("Server exiting")
}

// reportNarrationStats периодически обновляет gauge-метрики пайплайна
// и чистит завершенные задачи из таблицы taskmanager.
func reportNarrationStats(ctx context.Context, pipeline *narration.Pipeline, tasks *taskmanager.TaskManager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := pipeline.Stats(ctx)
			removed := tasks.CleanupTasks(finishedTaskRetention)
			zap.L().Debug("Narration stats",
				zap.Int("jobs", stats.RequestsTotal),
				zap.Int("cacheItems", stats.CacheItems),
				zap.Int("activeTasks", tasks.ActiveTasks()),
				zap.Int("tasksRemoved", removed))
		}
	}
}

func setupPostgres(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	pool, err := database.NewPool(ctx, database.Config{
		Host:        cfg.DBHost,
		Port:        cfg.DBPort,
		User:        cfg.DBUser,
		Password:    cfg.DBPassword,
		DBName:      cfg.DBName,
		SSLMode:     cfg.DBSSLMode,
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
		IdleTimeout: cfg.DBIdleTimeout,
		ConnTimeout: cfg.DBConnTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	migrationCfg := migration.Config{MigrationsTable: "storyfill_schema_migrations"}
	if cfg.MigrationsPath != "" {
		migrationCfg.MigrationsPath = cfg.MigrationsPath
	} else {
		migrationCfg.MigrationsFS = repository.MigrationsFS
		migrationCfg.MigrationsPath = repository.MigrationsPath
	}
	migrator := migration.NewMigrator(migrationCfg, pool, logger)
	if err := migrator.Up(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	if version, dirty, err := migrator.Version(ctx); err == nil {
		logger.Info("Audit schema ready", zap.Uint("version", version), zap.Bool("dirty", dirty))
	}
	return pool, nil
}

func setupRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	const maxRetries = 10
	const retryDelay = 2 * time.Second
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		lastErr = client.Ping(pingCtx).Err()
		pingCancel()
		if lastErr == nil {
			return client, nil
		}
		zap.L().Warn("Redis ping failed, retrying...",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(lastErr),
		)
		select {
		case <-ctx.Done():
			_ = client.Close()
			return nil, fmt.Errorf("redis connect cancelled: %w", ctx.Err())
		case <-time.After(retryDelay):
		}
	}
	_ = client.Close()
	return nil, fmt.Errorf("failed to connect to redis after %d attempts: %w", maxRetries, lastErr)
}

// connectRabbitMQ пытается подключиться к RabbitMQ с несколькими попытками.
func connectRabbitMQ(rawURL string, logger *zap.Logger) (*amqp.Connection, error) {
	const maxRetries = 10
	const retryDelay = 3 * time.Second
	logger.Info("Attempting to connect to RabbitMQ",
		zap.String("url", maskURL(rawURL)),
		zap.Int("max_retries", maxRetries),
	)

	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		var conn *amqp.Connection
		conn, err = amqp.Dial(rawURL)
		if err == nil {
			go func() {
				notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
				if closeErr := <-notifyClose; closeErr != nil {
					logger.Error("RabbitMQ connection closed unexpectedly", zap.Error(closeErr))
				}
			}()
			return conn, nil
		}
		logger.Warn("RabbitMQ connection failed, retrying...",
			zap.Int("attempt", attempt),
			zap.Duration("retry_delay", retryDelay),
			zap.Error(err),
		)
		time.Sleep(retryDelay)
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
}

// maskURL прячет пароль из URL для логов.
func maskURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url"
	}
	return u.Redacted()
}
