package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/graphforge/opsplane/internal/admission"
	"github.com/graphforge/opsplane/internal/api/handler"
	"github.com/graphforge/opsplane/internal/api/router"
	"github.com/graphforge/opsplane/internal/config"
	"github.com/graphforge/opsplane/internal/dispatch"
	"github.com/graphforge/opsplane/internal/dlq"
	"github.com/graphforge/opsplane/internal/graph"
	"github.com/graphforge/opsplane/internal/registry"
	"github.com/graphforge/opsplane/internal/stream"
	"github.com/graphforge/opsplane/shared/logger"
	"github.com/graphforge/opsplane/shared/postgresql"
	"github.com/graphforge/opsplane/shared/rabbitmq"
	sharedredis "github.com/graphforge/opsplane/shared/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	redisClient, err := initRedis(&cfg.Redis, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize redis: %w", err)
	}

	appLogger.Info("Redis connection established")

	rabbitClient, err := initRabbitMQ(cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	reg := registry.New(&registry.Config{
		KeyPrefix:  cfg.Registry.KeyPrefix,
		DefaultTTL: cfg.Registry.DefaultTTL,
	}, registry.NewRedisStore(redisClient.GetClient()), appLogger.Logger)

	dispatchCfg := buildDispatchConfig(&cfg.Dispatcher)
	dispatcher := dispatch.NewDispatcher(dispatchCfg, rabbitClient, appLogger.Logger)

	controller := admission.NewController(&admission.Config{
		GlobalMaxOperations: cfg.Admission.GlobalMaxOperations,
		PerDatabaseMax:      cfg.Admission.PerDatabaseMax,
		RetryAfter:          cfg.Admission.RetryAfter,
	}, admission.NewTracker(), appLogger.Logger)

	deps := &handler.Dependencies{
		Logger:   appLogger.Logger,
		Registry: reg,
		Streamer: stream.NewStreamer(reg, stream.Options{
			PollInterval:      cfg.Stream.PollInterval,
			HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		}, appLogger.Logger),
		Dispatcher: dispatcher,
		Admission:  controller,
		Engine:     graph.NewMemoryEngine(),
		DLQ: dlq.NewManager(rabbitClient, dispatcher, dlq.ManagerConfig{
			QueueName:         cfg.DLQ.QueueName,
			WarningThreshold:  cfg.DLQ.WarningThreshold,
			CriticalThreshold: cfg.DLQ.CriticalThreshold,
		}, appLogger.Logger),
		Health: map[string]handler.HealthCheck{
			"postgres": dbClient.HealthCheck,
			"redis":    redisClient.HealthCheck,
			"rabbitmq": func(context.Context) error {
				if !rabbitClient.IsConnected() {
					return fmt.Errorf("not connected")
				}
				return nil
			},
		},
	}

	r := router.SetupRouter(deps)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Stop admitting new gated work before tearing the server down
	controller.SetDraining(true)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	cleanup := func() {
		cancel()
		if dbClient != nil {
			dbClient.Close()
		}
		if redisClient != nil {
			redisClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	defer cleanup()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
}

// initRedis initializes the Redis client backing the operation registry
func initRedis(cfg *config.RedisConfig, logger *slog.Logger) (*sharedredis.Client, error) {
	return sharedredis.NewClient(&sharedredis.Config{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, logger)
}

// initRabbitMQ initializes the RabbitMQ client with the full queue topology
func initRabbitMQ(cfg *config.Config, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(buildRabbitConfig(cfg), logger)
}

// buildRabbitConfig maps the YAML sections onto the client config,
// declaring every dispatcher queue plus the dead letter queue
func buildRabbitConfig(cfg *config.Config) *rabbitmq.Config {
	queues := make([]rabbitmq.QueueSpec, 0, len(cfg.Dispatcher.Queues)+1)
	for _, q := range cfg.Dispatcher.Queues {
		queues = append(queues, rabbitmq.QueueSpec{
			Name:        q.Name,
			RoutingKey:  q.RoutingKey,
			Durable:     true,
			MaxPriority: q.MaxPriority,
			MessageTTL:  q.MessageTTL,
		})
	}
	queues = append(queues, rabbitmq.QueueSpec{
		Name:       cfg.DLQ.QueueName,
		RoutingKey: cfg.DLQ.RoutingKey,
		Durable:    true,
		MessageTTL: cfg.DLQ.MessageTTL,
	})

	return &rabbitmq.Config{
		Host:               cfg.RabbitMQ.Host,
		Port:               cfg.RabbitMQ.Port,
		User:               cfg.RabbitMQ.User,
		Password:           cfg.RabbitMQ.Password,
		VHost:              cfg.RabbitMQ.VHost,
		ExchangeName:       cfg.RabbitMQ.Exchange.Name,
		ExchangeType:       cfg.RabbitMQ.Exchange.Type,
		ExchangeDurable:    cfg.RabbitMQ.Exchange.Durable,
		ExchangeAutoDelete: cfg.RabbitMQ.Exchange.AutoDelete,
		Queues:             queues,
		RetryAttempts:      cfg.RabbitMQ.Connection.RetryAttempts,
		RetryInterval:      cfg.RabbitMQ.Connection.RetryInterval,
		Heartbeat:          cfg.RabbitMQ.Connection.Heartbeat,
		ConnectionTimeout:  cfg.RabbitMQ.Connection.ConnectionTimeout,
		PublishRetries:     cfg.RabbitMQ.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.RabbitMQ.Publish.RetryInterval,
		PublishBackoffMult: cfg.RabbitMQ.Publish.BackoffMultiplier,
	}
}

// buildDispatchConfig maps the dispatcher YAML section onto queue defs
func buildDispatchConfig(cfg *config.DispatcherConfig) *dispatch.Config {
	queues := make([]dispatch.QueueDef, 0, len(cfg.Queues))
	for _, q := range cfg.Queues {
		queues = append(queues, dispatch.QueueDef{
			Name:        q.Name,
			RoutingKey:  q.RoutingKey,
			Concurrency: q.Concurrency,
			Prefetch:    q.Prefetch,
			MaxPriority: q.MaxPriority,
		})
	}

	return &dispatch.Config{
		Queues:            queues,
		RetryBaseDelay:    cfg.RetryBaseDelay,
		RetryMaxDelay:     cfg.RetryMaxDelay,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
	}
}
