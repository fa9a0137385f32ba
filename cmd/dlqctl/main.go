package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/graphforge/opsplane/internal/config"
	"github.com/graphforge/opsplane/internal/dispatch"
	"github.com/graphforge/opsplane/internal/dlq"
	"github.com/graphforge/opsplane/shared/logger"
	"github.com/graphforge/opsplane/shared/rabbitmq"
)

// exitCode lets health-style commands report severity without treating
// it as a command error. 0 normal, 1 error, 2 critical.
var exitCode int

var configPath string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dlqctl",
		Short:         "Operate on the dead letter queue",
		Long:          "dlqctl inspects, resubmits and purges quarantined operation tasks.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultConfigPath := os.Getenv("DLQCTL_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")

	root.AddCommand(statsCmd(), listCmd(), reprocessCmd(), purgeCmd(), healthCmd())
	return root
}

// setup builds the manager over a live broker connection. The returned
// close function must run before exit.
func setup() (*dlq.Manager, func(), error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateDLQConfig(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	// Tool output goes to stdout; keep client logging quiet
	appLogger, err := logger.New(&logger.Config{
		Level:      "error",
		Format:     "console",
		Output:     "stderr",
		TimeFormat: time.RFC3339,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	rabbitClient, err := rabbitmq.NewClient(buildRabbitConfig(cfg), appLogger.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	dispatchCfg := buildDispatchConfig(&cfg.Dispatcher)
	dispatcher := dispatch.NewDispatcher(dispatchCfg, rabbitClient, appLogger.Logger)

	manager := dlq.NewManager(rabbitClient, dispatcher, dlq.ManagerConfig{
		QueueName:         cfg.DLQ.QueueName,
		WarningThreshold:  cfg.DLQ.WarningThreshold,
		CriticalThreshold: cfg.DLQ.CriticalThreshold,
	}, appLogger.Logger)

	return manager, func() { rabbitClient.Close() }, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth and health",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, closeFn, err := setup()
			if err != nil {
				return err
			}
			defer closeFn()

			stats, err := manager.Stats()
			if err != nil {
				return err
			}
			if stats.Health == dlq.HealthCritical {
				exitCode = 2
			}
			return printJSON(stats)
		},
	}
}

func listCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Peek at quarantined tasks without consuming them",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, closeFn, err := setup()
			if err != nil {
				return err
			}
			defer closeFn()

			records, err := manager.List(limit)
			if err != nil {
				return err
			}
			return printJSON(records)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of records to show")
	return cmd
}

func reprocessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <task_id>",
		Short: "Resubmit a quarantined task under a fresh task id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, closeFn, err := setup()
			if err != nil {
				return err
			}
			defer closeFn()

			task, err := manager.Reprocess(context.Background(), args[0])
			if err != nil {
				return err
			}
			return printJSON(map[string]string{
				"original_task_id": args[0],
				"new_task_id":      task.TaskID,
				"queue":            task.Queue,
			})
		},
	}
}

func purgeCmd() *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Drop every quarantined task",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, closeFn, err := setup()
			if err != nil {
				return err
			}
			defer closeFn()

			removed, err := manager.Purge(confirm)
			if err != nil {
				return err
			}
			return printJSON(map[string]int{"removed": removed})
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm", false, "Required to actually purge")
	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report queue health, exit 2 when critical",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, closeFn, err := setup()
			if err != nil {
				return err
			}
			defer closeFn()

			stats, err := manager.Stats()
			if err != nil {
				return err
			}

			switch stats.Health {
			case dlq.HealthCritical:
				exitCode = 2
			case dlq.HealthWarning:
				exitCode = 1
			}

			fmt.Printf("%s (%d messages)\n", stats.Health, stats.MessageCount)
			return nil
		},
	}
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
