package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds configuration for all services
type Config struct {
	// Service name
	ServiceName string `yaml:"service_name"`

	// gRPC server port (health service)
	GRPCPort int `yaml:"grpc_port"`

	// HTTP server port (REST API and websocket)
	HTTPPort int `yaml:"http_port"`

	// HTTP port for /healthz and /metrics
	HealthPort int `yaml:"health_port"`

	// Log level: debug, info, warn, error
	LogLevel string `yaml:"log_level"`

	// Directory for embedded databases
	DataDir string `yaml:"data_dir"`

	// Order store: sqlite, postgres or memory
	StoreDriver string `yaml:"store_driver"`

	// Postgres connection string (store_driver=postgres)
	DatabaseURL string `yaml:"database_url"`

	// Queue backend: redis or memory
	QueueBackend string `yaml:"queue_backend"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Queue name, used as the redis key prefix
	QueueName string `yaml:"queue_name"`

	// Max jobs processed at once
	QueueConcurrency int `yaml:"queue_concurrency"`

	// Max job starts per QueueRateWindow
	QueueRateMax    int           `yaml:"queue_rate_max"`
	QueueRateWindow time.Duration `yaml:"queue_rate_window"`

	// Total attempts per job, including the first
	QueueMaxAttempts int `yaml:"queue_max_attempts"`

	// First retry delay; doubles on each further retry
	QueueBackoffBase time.Duration `yaml:"queue_backoff_base"`

	// Price watcher timing
	PriceMaxWait      time.Duration `yaml:"price_max_wait"`
	PricePollInterval time.Duration `yaml:"price_poll_interval"`

	// Kafka intake and status event mirror
	KafkaEnabled bool   `yaml:"kafka_enabled"`
	KafkaBrokers string `yaml:"kafka_brokers"`
}

// LoadConfig loads configuration from defaults, an optional YAML file
// (CONFIG_FILE), a .env file and environment variables, in that order.
func LoadConfig(serviceName string) (*Config, error) {
	cfg := defaults(serviceName)

	// .env is optional
	_ = godotenv.Load()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.GRPCPort = getEnvAsInt("PORT_GRPC", cfg.GRPCPort)
	cfg.HTTPPort = getEnvAsInt("PORT_HTTP", cfg.HTTPPort)
	cfg.HealthPort = getEnvAsInt("PORT_HEALTH", cfg.HealthPort)
	cfg.LogLevel = getEnvAsString("LOG_LEVEL", cfg.LogLevel)
	cfg.DataDir = getEnvAsString("DATA_DIR", cfg.DataDir)
	cfg.StoreDriver = getEnvAsString("STORE_DRIVER", cfg.StoreDriver)
	cfg.DatabaseURL = getEnvAsString("DATABASE_URL", cfg.DatabaseURL)
	cfg.QueueBackend = getEnvAsString("QUEUE_BACKEND", cfg.QueueBackend)
	cfg.RedisAddr = getEnvAsString("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnvAsString("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvAsInt("REDIS_DB", cfg.RedisDB)
	cfg.QueueName = getEnvAsString("QUEUE_NAME", cfg.QueueName)
	cfg.QueueConcurrency = getEnvAsInt("QUEUE_CONCURRENCY", cfg.QueueConcurrency)
	cfg.QueueRateMax = getEnvAsInt("QUEUE_RATE_MAX", cfg.QueueRateMax)
	cfg.QueueRateWindow = getEnvAsDuration("QUEUE_RATE_WINDOW", cfg.QueueRateWindow)
	cfg.QueueMaxAttempts = getEnvAsInt("QUEUE_MAX_ATTEMPTS", cfg.QueueMaxAttempts)
	cfg.QueueBackoffBase = getEnvAsDuration("QUEUE_BACKOFF_BASE", cfg.QueueBackoffBase)
	cfg.PriceMaxWait = getEnvAsDuration("PRICE_MAX_WAIT", cfg.PriceMaxWait)
	cfg.PricePollInterval = getEnvAsDuration("PRICE_POLL_INTERVAL", cfg.PricePollInterval)
	cfg.KafkaEnabled = getEnvAsBool("KAFKA_ENABLED", cfg.KafkaEnabled)
	cfg.KafkaBrokers = getEnvAsString("KAFKA_BROKERS", cfg.KafkaBrokers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults(serviceName string) *Config {
	return &Config{
		ServiceName:       serviceName,
		GRPCPort:          50051,
		HTTPPort:          3000,
		HealthPort:        8080,
		LogLevel:          "info",
		DataDir:           "./.data",
		StoreDriver:       "sqlite",
		QueueBackend:      "redis",
		RedisAddr:         "127.0.0.1:6379",
		QueueName:         "orderQueue",
		QueueConcurrency:  10,
		QueueRateMax:      100,
		QueueRateWindow:   60 * time.Second,
		QueueMaxAttempts:  3,
		QueueBackoffBase:  2 * time.Second,
		PriceMaxWait:      5 * time.Minute,
		PricePollInterval: 5 * time.Second,
		KafkaBrokers:      "127.0.0.1:9092",
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// Validate rejects settings the pipeline cannot run with
func (c *Config) Validate() error {
	if c.QueueConcurrency <= 0 {
		return fmt.Errorf("queue concurrency must be greater than 0")
	}
	if c.QueueMaxAttempts <= 0 {
		return fmt.Errorf("queue max attempts must be greater than 0")
	}
	if c.QueueRateMax <= 0 || c.QueueRateWindow <= 0 {
		return fmt.Errorf("queue rate limit must be positive")
	}
	if c.PricePollInterval <= 0 || c.PriceMaxWait <= 0 {
		return fmt.Errorf("price watcher timings must be positive")
	}
	switch c.StoreDriver {
	case "sqlite", "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	switch c.QueueBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown queue backend %q", c.QueueBackend)
	}
	return nil
}

// GRPCAddr returns the gRPC server address
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}

// HTTPAddr returns the HTTP server address
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// HealthAddr returns the health/metrics server address
func (c *Config) HealthAddr() string {
	return fmt.Sprintf(":%d", c.HealthPort)
}

func getEnvAsString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
