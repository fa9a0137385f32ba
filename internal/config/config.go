package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Admission  AdmissionConfig  `yaml:"admission"`
	Registry   RegistryConfig   `yaml:"registry"`
	Stream     StreamConfig     `yaml:"stream"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	DLQ        DLQConfig        `yaml:"dlq"`
	Logging    LoggingConfig    `yaml:"logging"`
	App        AppConfig        `yaml:"app"`
	Worker     WorkerConfig     `yaml:"worker"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig holds Redis connection configuration for the operation registry
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// AdmissionConfig holds admission controller limits
type AdmissionConfig struct {
	GlobalMaxOperations int           `yaml:"global_max_operations"`
	PerDatabaseMax      int           `yaml:"per_database_max"`
	RetryAfter          time.Duration `yaml:"retry_after"`
}

// RegistryConfig holds operation registry settings
type RegistryConfig struct {
	KeyPrefix  string        `yaml:"key_prefix"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// StreamConfig holds progress stream settings
type StreamConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// QueueConfig describes one dispatcher queue
type QueueConfig struct {
	Name        string        `yaml:"name"`
	RoutingKey  string        `yaml:"routing_key"`
	Concurrency int           `yaml:"concurrency"`
	Prefetch    int           `yaml:"prefetch"`
	MaxPriority int           `yaml:"max_priority"`
	MessageTTL  time.Duration `yaml:"message_ttl"`
}

// DispatcherConfig holds queue topology and retry policy
type DispatcherConfig struct {
	Queues            []QueueConfig `yaml:"queues"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	DefaultMaxRetries int           `yaml:"default_max_retries"`
}

// DLQConfig holds dead letter queue settings
type DLQConfig struct {
	QueueName         string        `yaml:"queue_name"`
	RoutingKey        string        `yaml:"routing_key"`
	MessageTTL        time.Duration `yaml:"message_ttl"`
	WarningThreshold  int           `yaml:"warning_threshold"`
	CriticalThreshold int           `yaml:"critical_threshold"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

// applyDefaults fills in production defaults for optional settings
func (c *Config) applyDefaults() {
	if c.Admission.RetryAfter <= 0 {
		c.Admission.RetryAfter = 5 * time.Second
	}
	if c.Registry.KeyPrefix == "" {
		c.Registry.KeyPrefix = "operation"
	}
	if c.Registry.DefaultTTL <= 0 {
		c.Registry.DefaultTTL = 2 * time.Hour
	}
	if c.Stream.PollInterval <= 0 {
		c.Stream.PollInterval = 2 * time.Second
	}
	if c.Stream.HeartbeatInterval <= 0 {
		c.Stream.HeartbeatInterval = 30 * time.Second
	}
	if c.Dispatcher.RetryBaseDelay <= 0 {
		c.Dispatcher.RetryBaseDelay = time.Second
	}
	if c.Dispatcher.RetryMaxDelay <= 0 {
		c.Dispatcher.RetryMaxDelay = 5 * time.Minute
	}
	if c.Dispatcher.DefaultMaxRetries <= 0 {
		c.Dispatcher.DefaultMaxRetries = 3
	}
	if c.DLQ.MessageTTL <= 0 {
		c.DLQ.MessageTTL = 7 * 24 * time.Hour
	}
	if c.DLQ.WarningThreshold <= 0 {
		c.DLQ.WarningThreshold = 10
	}
	if c.DLQ.CriticalThreshold <= 0 {
		c.DLQ.CriticalThreshold = 100
	}
}

// validateShared checks settings required by every binary
func (c *Config) validateShared() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if len(c.Dispatcher.Queues) == 0 {
		return fmt.Errorf("at least one dispatcher queue is required")
	}

	for _, q := range c.Dispatcher.Queues {
		if q.Name == "" {
			return fmt.Errorf("dispatcher queue name is required")
		}
		if q.RoutingKey == "" {
			return fmt.Errorf("dispatcher queue %s routing key is required", q.Name)
		}
	}

	if c.DLQ.QueueName == "" {
		return fmt.Errorf("dlq queue name is required")
	}

	return nil
}

// ValidateAPIConfig checks the configuration for the API service
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}

	if c.Admission.GlobalMaxOperations <= 0 {
		return fmt.Errorf("admission global_max_operations must be greater than 0")
	}

	if c.Admission.PerDatabaseMax <= 0 {
		return fmt.Errorf("admission per_database_max must be greater than 0")
	}

	return c.validateShared()
}

// ValidateWorkerConfig checks the configuration for the worker service
func (c *Config) ValidateWorkerConfig() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}

	for _, q := range c.Dispatcher.Queues {
		if q.Concurrency <= 0 {
			return fmt.Errorf("dispatcher queue %s concurrency must be greater than 0", q.Name)
		}
	}

	if c.Worker.OperationTimeout <= 0 {
		return fmt.Errorf("worker operation_timeout must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	return c.validateShared()
}

// ValidateDLQConfig checks the configuration for the dlqctl tool
func (c *Config) ValidateDLQConfig() error {
	return c.validateShared()
}
