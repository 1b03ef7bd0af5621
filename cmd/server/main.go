// Package main is the entry point for the batch risk calculation engine.
// It wires configuration, databases, file storage, the exchange rate
// provider, the calculation service and the HTTP API, then runs until
// interrupted.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/bcbs239/riskcalc/internal/calculation"
	"github.com/bcbs239/riskcalc/internal/clients/exchangerate"
	"github.com/bcbs239/riskcalc/internal/config"
	"github.com/bcbs239/riskcalc/internal/database"
	"github.com/bcbs239/riskcalc/internal/domain"
	"github.com/bcbs239/riskcalc/internal/events"
	"github.com/bcbs239/riskcalc/internal/modules/batch"
	"github.com/bcbs239/riskcalc/internal/modules/summary"
	"github.com/bcbs239/riskcalc/internal/modules/valuation"
	"github.com/bcbs239/riskcalc/internal/outbox"
	"github.com/bcbs239/riskcalc/internal/ratecache"
	"github.com/bcbs239/riskcalc/internal/server"
	"github.com/bcbs239/riskcalc/internal/storage"
	"github.com/bcbs239/riskcalc/internal/work"
	"github.com/bcbs239/riskcalc/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().Msg("Starting risk calculation engine")

	ctx := context.Background()

	// Engine database: batch state, analysis summaries and the outbox share
	// one database so their writes commit in a single transaction.
	engineDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "engine.db"),
		Profile: database.ProfileEngine,
		Name:    "engine",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open engine database")
	}
	defer engineDB.Close()

	// Rates database: a re-fetchable cache, tuned for speed.
	ratesDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "rates.db"),
		Profile: database.ProfileCache,
		Name:    "rates",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open rates database")
	}
	defer ratesDB.Close()

	batches := batch.NewRepository(engineDB.Conn(), log)
	summaries := summary.NewRepository(engineDB.Conn(), log)
	outboxStore := outbox.NewStore(engineDB.Conn(), log)

	for name, init := range map[string]func(context.Context) error{
		"batches":   batches.InitSchema,
		"summaries": summaries.InitSchema,
		"outbox":    outboxStore.InitSchema,
	} {
		if err := init(ctx); err != nil {
			log.Fatal().Err(err).Str("schema", name).Msg("Failed to initialize schema")
		}
	}

	// Exchange rates: HTTP client behind a circuit breaker, fronted by the
	// SQLite read-through cache.
	rateClient := exchangerate.NewClient(cfg.RateAPIBaseURL, cfg.RateAPITimeout, log)
	rateProvider := ratecache.NewCachedProvider(ratesDB.Conn(), rateClient, log)
	if err := rateProvider.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize rate cache schema")
	}

	// Pre-fetch today's rates so batch runs mostly hit the cache.
	warmCron := cron.New()
	if _, err := warmCron.AddFunc(cfg.RateWarmSchedule, func() {
		rateProvider.Warm(ctx, cfg.RateWarmCurrencies, time.Now().UTC())
	}); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.RateWarmSchedule).Msg("Invalid rate warm schedule")
	}
	warmCron.Start()

	backend, err := buildFileStorage(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize file storage")
	}
	results := storage.NewResultsStorage(backend)

	valuationSvc := valuation.NewService(rateProvider, log)
	pipeline := calculation.NewPipeline(valuationSvc, cfg.ExposureWorkers, log)
	calcSvc := calculation.NewService(
		engineDB.Conn(), results, pipeline, batches, summaries, outboxStore,
		cfg.CalculationTimeout, log)
	processor := work.NewProcessor(calcSvc, int64(cfg.BatchWorkers), log)

	dispatcher := outbox.NewDispatcher(outboxStore, outbox.DispatcherConfig{
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
		MaxAttempts:  cfg.OutboxMaxAttempts,
	}, log)
	subscribeEventLog(dispatcher, log)
	dispatcher.Start()
	log.Info().Msg("Outbox dispatcher started")

	srv := server.New(server.Config{
		Log:       log,
		EngineDB:  engineDB,
		Batches:   batches,
		Summaries: summaries,
		Processor: processor,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	if err := processor.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Batch processor shutdown error")
	}
	warmCron.Stop()
	dispatcher.Stop()

	log.Info().Msg("Stopped")
}

// buildFileStorage selects the blob storage backend. S3 in production,
// local filesystem for development.
func buildFileStorage(ctx context.Context, cfg *config.Config, log zerolog.Logger) (domain.FileStorage, error) {
	if cfg.StorageBackend == config.StorageS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
		if err != nil {
			return nil, err
		}
		return storage.NewS3Storage(s3.NewFromConfig(awsCfg), cfg.S3Bucket, log), nil
	}
	return storage.NewLocalStorage(filepath.Join(cfg.DataDir, "files"), log)
}

// subscribeEventLog publishes every delivered domain event to the structured
// log. Downstream consumers tail this stream; swapping in a broker publisher
// is a matter of registering different handlers here.
func subscribeEventLog(d *outbox.Dispatcher, log zerolog.Logger) {
	for _, eventType := range events.AllTypes {
		et := eventType
		d.Subscribe(et, func(ctx context.Context, payload json.RawMessage) error {
			log.Info().
				Str("event_type", string(et)).
				RawJSON("payload", payload).
				Msg("domain event published")
			return nil
		})
	}
}
