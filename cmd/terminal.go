package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/greenhouse/pos/config"
	"example.com/greenhouse/pos/internal/metrics"
	"example.com/greenhouse/pos/internal/offline"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var terminalCmd = &cobra.Command{
	Use:   "terminal",
	Short: "Start the terminal sync agent",
	Long: `Start the terminal-side agent: watches connectivity, replays
offline-queued invoices to the central API, and prunes synced entries`,
	RunE: runTerminal,
}

func init() {
	rootCmd.AddCommand(terminalCmd)
}

func runTerminal(cmd *cobra.Command, args []string) error {
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

	g, ctx := errgroup.WithContext(ctx)

	// Open the durable offline queue
	queue, err := offline.NewFileQueue(cfg.Sync.DataDir)
	if err != nil {
		return err
	}

	stats, err := queue.Stats()
	if err != nil {
		return err
	}
	log.Info().
		Int("pending", stats.Pending).
		Int("synced", stats.Synced).
		Str("data_dir", cfg.Sync.DataDir).
		Msg("Offline queue opened")

	metricsCollector := metrics.NewMetrics()

	// Watch connectivity against the central API's health endpoint
	monitor := offline.NewMonitor(
		cfg.Sync.ServerURL+"/health", cfg.Sync.ProbeInterval, cfg.Sync.RequestTimeout)

	syncer := offline.NewSyncer(
		queue, monitor, cfg.Sync.ServerURL, cfg.Sync.AuthToken,
		cfg.Sync.RequestTimeout, metricsCollector)

	g.Go(func() error {
		monitor.Run(ctx)
		return nil
	})

	g.Go(func() error {
		syncer.Run(ctx, cfg.Sync.Interval)
		return nil
	})

	// Prune synced entries daily; pending entries are never touched
	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(24*time.Hour),
			gocron.NewTask(func() {
				removed, err := queue.CleanupSynced(7 * 24 * time.Hour)
				if err != nil {
					log.Error().Err(err).Msg("Offline queue cleanup failed")
					return
				}
				if removed > 0 {
					log.Info().Int("removed", removed).Msg("Pruned synced offline entries")
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

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Terminal agent error")
		return err
	}

	log.Info().Msg("Shutting down terminal agent")
	return nil
}
