package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/backstage/services/relay/config"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background relay worker",
	Long:  `Start the background worker that periodically relays unforwarded event records to the observability sink`,
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

	relayService, _, tracer, err := buildRelayService(cfg)
	if err != nil {
		return err
	}
	defer tracer.Close()

	if !cfg.Relay.Ready() {
		log.Warn().Msg("Relay is disabled or missing sink configuration; batches will no-op until configured")
	}

	// Start the periodic relay job
	g.Go(func() error {
		log.Info().
			Dur("interval", cfg.Relay.Interval).
			Msg("Starting relay batch scheduler")

		// Create a scheduler
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		// Add the relay job to run on the configured interval
		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Relay.Interval),
			gocron.NewTask(func() {
				result := relayService.RunBatch(ctx, cfg.Relay.BatchLimit)
				if result.Skipped {
					log.Debug().Msg("Relay batch skipped")
				}
			}),
		)
		if err != nil {
			return err
		}

		// Start the scheduler
		scheduler.Start()

		// Wait for context cancellation
		<-ctx.Done()

		// Shutdown the scheduler
		return scheduler.Shutdown()
	})

	// Wait for any goroutine to exit
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
