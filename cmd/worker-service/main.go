package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/wiko-cutlery/defect-pipeline/internal/analyzer"
	"github.com/wiko-cutlery/defect-pipeline/internal/config"
	"github.com/wiko-cutlery/defect-pipeline/internal/ledger"
	"github.com/wiko-cutlery/defect-pipeline/internal/resilience"
	"github.com/wiko-cutlery/defect-pipeline/internal/worker"
	"github.com/wiko-cutlery/defect-pipeline/shared/blobstore"
	"github.com/wiko-cutlery/defect-pipeline/shared/logger"
	"github.com/wiko-cutlery/defect-pipeline/shared/postgresql"
	"github.com/wiko-cutlery/defect-pipeline/shared/rabbitmq"
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

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	maxMessages := flag.Int("max-messages", -1, "Process at most this many messages, then exit (overrides config; 0 runs until shutdown)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if *maxMessages >= 0 {
		cfg.Worker.MaxMessages = *maxMessages
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize blob storage
	store, err := blobstore.NewFilesystemStore(cfg.Storage.Root, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize blob storage: %w", err)
	}

	// Initialize the inspection ledger when configured
	var dbClient *postgresql.Client
	var recorder worker.StatusRecorder
	if cfg.Database.Enabled {
		dbClient, err = initPostgreSQL(&cfg.Database, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		recorder = ledger.New(dbClient, appLogger.Logger)

		appLogger.Info("Database connection established")
	} else {
		appLogger.Info("Inspection ledger disabled")
	}

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	// Initialize the analysis engine client and its resilience guards.
	// The breaker counts only engine-side failures; the retry loop also
	// backs off on open-breaker rejections so a recovering engine gets
	// probed instead of hammered.
	engine := analyzer.NewHTTPAnalyzer(analyzer.HTTPConfig{
		Endpoint: cfg.Analyzer.Endpoint,
		APIKey:   cfg.Analyzer.APIKey,
		Timeout:  cfg.Analyzer.Timeout,
	}, appLogger.Logger)

	retry := resilience.NewRetryPolicy(resilience.RetryConfig{
		MaxRetries:      cfg.Worker.Retry.MaxRetries,
		InitialDelay:    cfg.Worker.Retry.InitialDelay,
		MaxDelay:        cfg.Worker.Retry.MaxDelay,
		ExponentialBase: cfg.Worker.Retry.ExponentialBase,
		Retryable:       isRetryable,
	}, appLogger.Logger)

	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		FailureThreshold: cfg.Worker.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Worker.Breaker.RecoveryTimeout,
		IsExpected: func(err error) bool {
			return errors.Is(err, analyzer.ErrEngineFailure)
		},
	}, appLogger.Logger)

	// Create worker instance
	workerInstance := worker.New(&worker.Config{
		Queue:               rabbitClient,
		Store:               store,
		Analyzer:            engine,
		Retry:               retry,
		Breaker:             breaker,
		Recorder:            recorder,
		Logger:              appLogger.Logger,
		MaxDeliveryAttempts: cfg.Worker.MaxDeliveryAttempts,
	})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker run in a goroutine
	type runResult struct {
		processed int
		err       error
	}
	resultChan := make(chan runResult, 1)
	go func() {
		processed, runErr := workerInstance.Run(ctx, cfg.Worker.MaxMessages)
		resultChan <- runResult{processed, runErr}
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal or run completion
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var result runResult
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
		cancel()

		// Give the in-flight message time to settle
		select {
		case result = <-resultChan:
		case <-time.After(cfg.Worker.ShutdownTimeout):
			appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
		}
	case result = <-resultChan:
	}

	// Cleanup function to close all resources
	cleanup := func() {
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	cleanup()

	if result.err != nil {
		appLogger.Error("Worker run failed",
			slog.Int("processed", result.processed),
			slog.Any("error", result.err),
		)
		return result.err
	}

	appLogger.Info("Worker service shutdown complete",
		slog.Int("processed", result.processed),
	)
	return nil
}

// isRetryable reports whether a failed analysis attempt is worth another
// try: engine-side failures and open-breaker rejections are, malformed
// requests and other caller-side errors are not.
func isRetryable(err error) bool {
	var openErr *resilience.OpenError
	return errors.Is(err, analyzer.ErrEngineFailure) || errors.As(err, &openErr)
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableSource,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
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
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		User:              cfg.User,
		Password:          cfg.Password,
		VHost:             cfg.VHost,
		ExchangeName:      cfg.Exchange.Name,
		ExchangeType:      cfg.Exchange.Type,
		ExchangeDurable:   cfg.Exchange.Durable,
		QueueName:         cfg.Queue.Name,
		DeadLetterQueue:   cfg.Queue.DeadLetterQueue,
		RoutingKey:        cfg.RoutingKey,
		PrefetchCount:     cfg.Consumer.PrefetchCount,
		ReceiveTimeout:    cfg.Consumer.ReceiveTimeout,
		RetryAttempts:     cfg.Connection.RetryAttempts,
		RetryInterval:     cfg.Connection.RetryInterval,
		Heartbeat:         cfg.Connection.Heartbeat,
		ConnectionTimeout: cfg.Connection.ConnectionTimeout,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
