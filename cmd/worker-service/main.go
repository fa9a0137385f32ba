package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/graphforge/opsplane/internal/config"
	"github.com/graphforge/opsplane/internal/dispatch"
	"github.com/graphforge/opsplane/internal/dlq"
	"github.com/graphforge/opsplane/internal/graph"
	"github.com/graphforge/opsplane/internal/registry"
	"github.com/graphforge/opsplane/internal/worker"
	"github.com/graphforge/opsplane/internal/worker/storage"
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

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	redisClient, err := initRedis(&cfg.Redis, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize redis: %w", err)
	}
	defer redisClient.Close()

	appLogger.Info("Redis connection established")

	rabbitClient, err := initRabbitMQ(cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	reg := registry.New(&registry.Config{
		KeyPrefix:  cfg.Registry.KeyPrefix,
		DefaultTTL: cfg.Registry.DefaultTTL,
	}, registry.NewRedisStore(redisClient.GetClient()), appLogger.Logger)

	dispatchCfg := buildDispatchConfig(&cfg.Dispatcher)
	dispatcher := dispatch.NewDispatcher(dispatchCfg, rabbitClient, appLogger.Logger)

	hook := dlq.NewHook(rabbitClient, dispatchCfg, cfg.DLQ.RoutingKey, appLogger.Logger)

	handlers := worker.NewHandlers(
		graph.NewMemoryEngine(),
		storage.NewStorage(dbClient.GetDB(), appLogger.Logger),
		reg,
		dispatcher,
		appLogger.Logger,
	)

	w := worker.New(&worker.Config{
		OperationTimeout: cfg.Worker.OperationTimeout,
		ShutdownTimeout:  cfg.Worker.ShutdownTimeout,
	}, dispatchCfg, rabbitClient, dispatcher, handlers, hook, appLogger.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		appLogger.Info("Shutdown signal received")
		cancel()
	}()

	w.Start(ctx)

	// Bounded drain of in-flight handlers
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker service shutdown complete")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timed out, exiting with tasks in flight",
			slog.Duration("timeout", cfg.Worker.ShutdownTimeout),
		)
	}

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

	return rabbitmq.NewClient(&rabbitmq.Config{
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
	}, logger)
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
