package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/greenhouse/pos/config"
	"example.com/greenhouse/pos/internal/cache"
	"example.com/greenhouse/pos/internal/messaging"
	"example.com/greenhouse/pos/internal/metrics"
	"example.com/greenhouse/pos/internal/models"
	"example.com/greenhouse/pos/internal/repositories"
	"example.com/greenhouse/pos/internal/search"
	"example.com/greenhouse/pos/internal/services"
	"example.com/greenhouse/pos/internal/tracing"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker: project invoice events into the search index and enforce invoice retention`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	// Create an error group to manage goroutines
	g, ctx := errgroup.WithContext(ctx)

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

	// Initialize Elasticsearch client
	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search functionality")
	}

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()

	// Initialize the invoice service for the purge job. The worker neither
	// broadcasts nor publishes, so both fan-out sinks stay nil.
	invoiceStore := repositories.NewGormInvoiceStore(db, readOnlyDB)
	invoiceService := services.NewInvoiceService(
		invoiceStore, redisCache, nil, nil, metricsCollector, tracer, cfg.Policy.AllowNegativeStock)

	// Initialize Azure Service Bus consumer
	serviceBus, err := messaging.NewServiceBus(cfg.Azure)
	if err != nil {
		return err
	}
	defer serviceBus.Close()

	// Project invoice_created events into the search index. Redelivery is
	// safe: documents are keyed by invoice id, reindexing overwrites.
	g.Go(func() error {
		log.Info().Str("queue", cfg.Azure.QueueName).Msg("Starting invoice event processor")
		return serviceBus.ProcessMessages(ctx, func(ctx context.Context, event *models.InvoiceEvent) error {
			if event.Invoice == nil {
				log.Warn().Str("type", event.Type).Msg("Invoice event without payload, skipping")
				return nil
			}
			if elasticClient == nil {
				return nil
			}
			if err := elasticClient.IndexInvoice(ctx, event.Invoice); err != nil {
				return err
			}
			metricsCollector.IncrementCounter("invoices.indexed")
			return nil
		})
	})

	// Run the retention purge on its schedule
	g.Go(func() error {
		log.Info().
			Int("max_age_days", cfg.Retention.MaxAgeDays).
			Dur("interval", cfg.Retention.PurgeInterval).
			Msg("Starting invoice retention job")

		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Retention.PurgeInterval),
			gocron.NewTask(func() {
				if _, err := invoiceService.PurgeInvoices(ctx, cfg.Retention.MaxAgeDays); err != nil {
					log.Error().Err(err).Msg("Scheduled invoice purge failed")
				}
			}),
		)
		if err != nil {
			return err
		}

		scheduler.Start()

		<-ctx.Done()

		return scheduler.Shutdown()
	})

	// Wait for any goroutine to exit
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Shutting down worker")
	return nil
}
