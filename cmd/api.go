package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/backstage/services/relay/config"
	"example.com/backstage/services/relay/internal/api"
	"example.com/backstage/services/relay/internal/cache"
	"example.com/backstage/services/relay/internal/delivery"
	"example.com/backstage/services/relay/internal/metrics"
	"example.com/backstage/services/relay/internal/models"
	"example.com/backstage/services/relay/internal/repositories"
	"example.com/backstage/services/relay/internal/search"
	"example.com/backstage/services/relay/internal/services"
	"example.com/backstage/services/relay/internal/tracing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the ops API server",
	Long:  `Start the HTTP API server exposing relay status, metrics, deadletter inspection and manual batch triggering`,
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

	relayService, metricsCollector, tracer, err := buildRelayService(cfg)
	if err != nil {
		return err
	}
	defer tracer.Close()

	// Initialize and start the server
	server := api.NewServer(cfg, relayService, metricsCollector, tracer)

	// Start the server in a goroutine
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

// buildRelayService wires the relay service and its collaborators from
// configuration. Optional collaborators (cache, search, tracing) degrade to
// disabled rather than failing startup.
func buildRelayService(cfg config.Config) (*services.RelayService, *metrics.Metrics, tracing.Tracer, error) {
	// Initialize database connections
	db, readOnlyDB, err := initDatabases(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	// Initialize cache
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
		redisCache = nil
	}

	// Initialize tracer
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		return nil, nil, nil, err
	}

	// Initialize Elasticsearch client for deadletter inspection
	var indexer services.DeadletterIndexer
	if cfg.Elastic.Enabled {
		elasticClient, err := search.NewElasticClient(cfg.Elastic)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without deadletter indexing")
		} else {
			indexer = elasticClient
		}
	}

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()

	// Initialize the relay service
	repo := repositories.NewEventRecordRepository(db, readOnlyDB)
	sender := delivery.NewClient(cfg.Relay)
	relayService := services.NewRelayService(repo, sender, redisCache, indexer, metricsCollector, tracer, cfg.Relay)

	return relayService, metricsCollector, tracer, nil
}

func initDatabases(cfg config.Config) (*gorm.DB, *gorm.DB, error) {
	// Initialize write database
	db, err := gorm.Open(postgres.Open(cfg.DB.DSN), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to write database")
	}

	// Initialize read-only database
	readOnlyDB, err := gorm.Open(postgres.Open(cfg.DB.ReadOnlyDSN), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to read-only database")
	}

	// Auto-migrate only the write database
	if err := models.SetupModels(db); err != nil {
		return nil, nil, errors.Wrap(err, "failed to run migrations")
	}

	// Configure connection pools for both databases
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying write DB connection")
	}
	sqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	readSqlDB, err := readOnlyDB.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying read-only DB connection")
	}
	readSqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	readSqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	readSqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	return db, readOnlyDB, nil
}
