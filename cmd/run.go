package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/backstage/services/relay/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runLimit int

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single relay batch and exit",
	Long:  `Run one relay batch over at most --limit records, print the aggregate counts, and exit`,
	RunE:  runOnce,
}

func init() {
	runCmd.Flags().IntVar(&runLimit, "limit", 0, "maximum records to relay (0 uses the configured batch limit)")
	rootCmd.AddCommand(runCmd)
}

func runOnce(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	relayService, _, tracer, err := buildRelayService(cfg)
	if err != nil {
		return err
	}
	defer tracer.Close()

	result := relayService.RunBatch(ctx, runLimit)

	log.Info().
		Bool("skipped", result.Skipped).
		Int("attempted", result.Attempted).
		Int("forwarded", result.Forwarded).
		Int("failed", result.Failed).
		Int("deadlettered", result.Deadlettered).
		Msg("Relay batch finished")

	return nil
}
