package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ismaiel54/limit-order-pipeline/internal/api"
	"github.com/ismaiel54/limit-order-pipeline/internal/broadcast"
	"github.com/ismaiel54/limit-order-pipeline/internal/chaos"
	"github.com/ismaiel54/limit-order-pipeline/internal/config"
	"github.com/ismaiel54/limit-order-pipeline/internal/dex"
	"github.com/ismaiel54/limit-order-pipeline/internal/execution"
	"github.com/ismaiel54/limit-order-pipeline/internal/intake"
	"github.com/ismaiel54/limit-order-pipeline/internal/logging"
	"github.com/ismaiel54/limit-order-pipeline/internal/msg"
	"github.com/ismaiel54/limit-order-pipeline/internal/observability"
	"github.com/ismaiel54/limit-order-pipeline/internal/order"
	"github.com/ismaiel54/limit-order-pipeline/internal/queue"
	"github.com/ismaiel54/limit-order-pipeline/internal/store"
	"github.com/ismaiel54/limit-order-pipeline/internal/worker"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig("order-worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting order-worker service",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("health_port", cfg.HealthPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.String("store_driver", cfg.StoreDriver),
		zap.String("queue_backend", cfg.QueueBackend),
		zap.Bool("kafka_enabled", cfg.KafkaEnabled),
	)

	// Open order store
	orders, sqlStore, err := openStore(cfg)
	if err != nil {
		logger.Fatal("failed to open order store", zap.Error(err))
	}
	if sqlStore != nil {
		defer sqlStore.Close()
	}

	// Open queue backend
	backend, err := openBackend(cfg, logger)
	if err != nil {
		logger.Fatal("failed to open queue backend", zap.Error(err))
	}
	defer backend.Close()

	opts := queue.DefaultOptions()
	opts.Concurrency = cfg.QueueConcurrency
	opts.RateLimit = cfg.QueueRateMax
	opts.RateWindow = cfg.QueueRateWindow
	opts.MaxAttempts = cfg.QueueMaxAttempts
	opts.Backoff = queue.Backoff{Base: cfg.QueueBackoffBase, Factor: 2}
	q := queue.New(backend, opts, logger)

	// Status broadcaster
	hub, err := broadcast.New(orders, broadcast.DefaultOptions(), logger)
	if err != nil {
		logger.Fatal("failed to create broadcaster", zap.Error(err))
	}

	// Venues and execution, with optional fault injection
	chaosCfg := chaos.LoadConfig()
	var faults *chaos.Chaos
	if chaosCfg.Enabled {
		faults = chaos.New(chaosCfg, logger)
	}

	w := worker.New(worker.Deps{
		Quotes:    dex.NewDefaultRouter(faults, logger),
		Executor:  execution.NewExecutor(execution.DefaultConfig(), faults, logger),
		Store:     orders,
		Publisher: hub,
	}, worker.Config{
		MaxPriceWait: cfg.PriceMaxWait,
		PollInterval: cfg.PricePollInterval,
	}, logger)

	submitter := worker.NewSubmitter(orders, q, logger)
	apiServer := api.NewServer(submitter, orders, hub, logger)

	// Health checker and gRPC health service
	healthChecker := observability.NewHealthChecker(logger)
	grpcServer := grpc.NewServer()
	healthChecker.RegisterGRPC(grpcServer)

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		logger.Fatal("failed to listen on gRPC port", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 6)

	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr()))
		if err := grpcServer.Serve(grpcListener); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		if err := healthChecker.StartHTTPServer(cfg.HealthAddr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()

	go func() {
		if err := apiServer.Start(cfg.HTTPAddr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("API server: %w", err)
		}
	}()

	// Queue consumer
	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		if err := q.Run(ctx, w.Handler()); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("queue: %w", err)
		}
	}()

	// Kafka intake and outbox publisher
	var producer *msg.Producer
	var consumer *msg.Consumer
	if cfg.KafkaEnabled {
		kafkaCfg := &msg.Config{Brokers: msg.ParseBrokers(cfg.KafkaBrokers), ClientID: cfg.ServiceName}

		producer, err = msg.NewProducer(kafkaCfg, logger)
		if err != nil {
			logger.Fatal("failed to create kafka producer", zap.Error(err))
		}

		consumer, err = msg.NewConsumer(kafkaCfg, "order-worker-v1", []string{msg.TopicOrdersCommands}, logger)
		if err != nil {
			logger.Fatal("failed to create kafka consumer", zap.Error(err))
		}

		if sqlStore != nil {
			publisher := store.NewPublisher(sqlStore, producer, logger)
			go func() {
				if err := publisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					errCh <- fmt.Errorf("outbox publisher: %w", err)
				}
			}()
		} else {
			logger.Warn("memory store has no outbox; status events are not mirrored to kafka")
		}

		commands := intake.NewHandler(submitter, logger)
		go func() {
			if err := consumer.Run(ctx, commands.Handle); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("consumer: %w", err)
			}
		}()
	}

	// Wait for the queue consumer to start
	time.Sleep(1 * time.Second)
	if q.IsRunning() {
		healthChecker.SetQueueReady(true)
	} else {
		logger.Warn("queue consumer not running yet")
	}
	if consumer != nil && consumer.IsRunning() {
		healthChecker.SetKafkaReady(true)
	}

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("component failed", zap.Error(err))
	}

	// Graceful shutdown
	logger.Info("shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down API server", zap.Error(err))
	}

	// Interrupted attempts are retried after restart
	cancel()
	select {
	case <-queueDone:
	case <-shutdownCtx.Done():
		logger.Warn("timed out waiting for in-flight jobs")
	}

	hub.Shutdown()

	if consumer != nil {
		consumer.Close()
	}
	if producer != nil {
		producer.Close()
	}

	if err := healthChecker.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down health checker", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("order-worker service stopped")
}

// openStore returns the order store and, for SQL drivers, the concrete
// store so the outbox publisher can read from it
func openStore(cfg *config.Config) (order.Store, *store.SQLStore, error) {
	switch cfg.StoreDriver {
	case "memory":
		return store.NewMemoryStore(), nil, nil
	case store.DriverPostgres:
		s, err := store.Open(store.Config{
			Driver: store.DriverPostgres,
			DSN:    cfg.DatabaseURL,
			Outbox: cfg.KafkaEnabled,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		s, err := store.Open(store.Config{
			Driver: store.DriverSQLite,
			Path:   filepath.Join(cfg.DataDir, "orders.db"),
			Outbox: cfg.KafkaEnabled,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
}

func openBackend(cfg *config.Config, logger *zap.Logger) (queue.Backend, error) {
	if cfg.QueueBackend == "memory" {
		logger.Warn("using in-memory queue; jobs do not survive a restart")
		return queue.NewMemoryBackend(), nil
	}

	redisCfg := queue.RedisConfigDefaults()
	redisCfg.Addr = cfg.RedisAddr
	redisCfg.Password = cfg.RedisPassword
	redisCfg.DB = cfg.RedisDB
	redisCfg.Queue = cfg.QueueName

	backend, err := queue.NewRedisBackend(redisCfg, logger)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := backend.Ping(pingCtx); err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return backend, nil
}
