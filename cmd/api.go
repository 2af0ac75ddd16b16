package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/greenhouse/pos/config"
	"example.com/greenhouse/pos/internal/api"
	"example.com/greenhouse/pos/internal/auth"
	"example.com/greenhouse/pos/internal/cache"
	"example.com/greenhouse/pos/internal/messaging"
	"example.com/greenhouse/pos/internal/metrics"
	"example.com/greenhouse/pos/internal/models"
	"example.com/greenhouse/pos/internal/realtime"
	"example.com/greenhouse/pos/internal/repositories"
	"example.com/greenhouse/pos/internal/search"
	"example.com/greenhouse/pos/internal/services"
	"example.com/greenhouse/pos/internal/tracing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server: invoice transactions, voids, reports, search and the terminal broadcast hub`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize database connections
	db, readOnlyDB, err := initDatabases(cfg)
	if err != nil {
		return err
	}

	// Initialize cache
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
	}

	// Initialize tracer
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
	}

	// Initialize Elasticsearch client for the back-office search endpoint
	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search functionality")
	}

	// Initialize Service Bus publisher for post-commit events
	serviceBus, err := messaging.NewServiceBus(cfg.Azure)
	if err != nil {
		return err
	}
	defer serviceBus.Close()

	// Initialize metrics, broadcast hub and session gate
	metricsCollector := metrics.NewMetrics()
	hub := realtime.NewHub()
	gate := auth.NewGate(cfg.Auth.JWTSecret)

	// Initialize services
	invoiceStore := repositories.NewGormInvoiceStore(db, readOnlyDB)
	invoiceService := services.NewInvoiceService(
		invoiceStore, redisCache, hub, serviceBus, metricsCollector, tracer, cfg.Policy.AllowNegativeStock)

	// Initialize and start the server
	server := api.NewServer(cfg, invoiceService, hub, gate, elasticClient, metricsCollector, tracer)

	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	// Wait for termination signal
	<-ctx.Done()

	// Shutdown the server
	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}

func initDatabases(cfg config.Config) (*gorm.DB, *gorm.DB, error) {
	// TranslateError maps driver unique-violation errors to
	// gorm.ErrDuplicatedKey, which the idempotency race handling relies on
	db, err := gorm.Open(postgres.Open(cfg.DB.DSN), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to write database")
	}

	readOnlyDB, err := gorm.Open(postgres.Open(cfg.DB.ReadOnlyDSN), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to read-only database")
	}

	for _, conn := range []*gorm.DB{db, readOnlyDB} {
		sqlDB, err := conn.DB()
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to access underlying connection pool")
		}
		sqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)
	}

	// Auto-migrate only the write database
	if err := models.SetupModels(db); err != nil {
		return nil, nil, errors.Wrap(err, "failed to run migrations")
	}

	return db, readOnlyDB, nil
}
