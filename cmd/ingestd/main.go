package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/danabek/goszakup-ingest/config"
	"github.com/danabek/goszakup-ingest/internal/repositories/cursor"
	"github.com/danabek/goszakup-ingest/internal/repositories/journal"
	"github.com/danabek/goszakup-ingest/internal/repositories/record"
	"github.com/danabek/goszakup-ingest/pkg/database"
	"github.com/danabek/goszakup-ingest/pkg/events"
	"github.com/danabek/goszakup-ingest/pkg/goszakup"
	"github.com/danabek/goszakup-ingest/pkg/kafka"
	"github.com/danabek/goszakup-ingest/pkg/middleware"
	"github.com/danabek/goszakup-ingest/pkg/models"
	"github.com/danabek/goszakup-ingest/pkg/pipeline"
	"github.com/danabek/goszakup-ingest/pkg/routes/health"
	"github.com/danabek/goszakup-ingest/pkg/routes/ingest"
	"github.com/danabek/goszakup-ingest/pkg/tracing"
	"github.com/danabek/goszakup-ingest/pkg/upsert"
)

const version = "1.0.0"

func main() {
	command := "serve"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command = args[0]
		args = args[1:]
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := tracing.Init(cfg.AppName)
	defer func() {
		_ = shutdownTracing(context.Background())
	}()

	if err := run(ctx, command, args, cfg, logger); err != nil {
		logger.WithError(err).Errorf("%s failed", command)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string, cfg *config.Config, logger ectologger.Logger) error {
	switch command {
	case "serve":
		return serve(ctx, cfg, logger)
	case "run":
		return runPipeline(ctx, args, cfg, logger)
	case "counts":
		return printCounts(ctx, cfg, logger)
	case "migrate":
		return migrate(ctx, cfg, logger, false)
	case "reset":
		return migrate(ctx, cfg, logger, true)
	default:
		return fmt.Errorf("unknown command %q (expected serve, run, counts, migrate or reset)", command)
	}
}

// loggerConfig builds the zap configuration: development encoding when
// pretty logs are on, with LOG_LEVEL overriding the preset's level.
func loggerConfig(cfg *config.Config) zap.Config {
	zapConfig := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zapConfig = zap.NewDevelopmentConfig()
	}
	if level, err := zap.ParseAtomicLevel(cfg.LogLevel); err == nil {
		zapConfig.Level = level
	}
	return zapConfig
}

func newLogger(cfg *config.Config) ectologger.Logger {
	zapLogger, err := loggerConfig(cfg).Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func connect(ctx context.Context, cfg *config.Config, logger ectologger.Logger) (database.DB, error) {
	return database.Connect(ctx, database.Config{
		Driver:          cfg.DatabaseDriver,
		Host:            cfg.DatabaseHost,
		Port:            cfg.DatabasePort,
		User:            cfg.DatabaseUserName,
		Password:        cfg.DatabasePassword,
		Name:            cfg.DatabaseName,
		SSLMode:         cfg.DatabaseSSLMode,
		MaxOpenConns:    cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
	}, logger)
}

// deps wires the full ingestion stack on top of one database handle.
type deps struct {
	db          database.DB
	registry    *models.Registry
	records     *record.Repository
	journal     *journal.Repository
	coordinator *pipeline.Coordinator
	producer    *kafka.Producer
}

func buildDeps(ctx context.Context, cfg *config.Config, logger ectologger.Logger) (*deps, error) {
	db, err := connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	registry := models.NewRegistry()
	records := record.NewRepository(db, logger)
	journalRepo := journal.NewRepository(db, logger)
	cursors := cursor.NewRepository(db, logger)

	engine := upsert.NewEngine(db, records, journalRepo, logger)

	client := goszakup.NewClient(goszakup.Config{
		BaseURL:           cfg.APIBaseURL,
		Token:             cfg.APIToken,
		PageLimit:         cfg.APIPageLimit,
		Timeout:           cfg.APITimeout,
		MaxRetries:        cfg.APIMaxRetries,
		RequestsPerSecond: cfg.APIRequestsPerSecond,
	}, logger)

	var producer *kafka.Producer
	if cfg.KafkaEnabled {
		producer = kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaOutputTopic,
			BatchSize:    cfg.KafkaBatchSize,
			BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
			RequiredAcks: cfg.KafkaRequiredAcks,
			Compression:  cfg.KafkaCompression,
		}, logger)
	}
	emitter := events.NewEmitter(producer, logger)

	coordinator := pipeline.NewCoordinator(client, engine, cursors, emitter, registry, pipeline.Config{
		WorkerCount: cfg.IngestWorkerCount,
	}, logger)

	return &deps{
		db:          db,
		registry:    registry,
		records:     records,
		journal:     journalRepo,
		coordinator: coordinator,
		producer:    producer,
	}, nil
}

func (d *deps) close() {
	if d.producer != nil {
		_ = d.producer.Close()
	}
	_ = d.db.Close()
}

func serve(ctx context.Context, cfg *config.Config, logger ectologger.Logger) error {
	d, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()

	migrations := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		DatabaseName:        cfg.DatabaseName,
	})
	if err := migrations.Migrate(d.db.Unsafe()); err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))

	checker := health.NewChecker(d.db, version)
	checker.RegisterRoutes(e)

	handler := ingest.NewHandler(d.coordinator, d.records, d.journal, d.registry, logger)
	handler.RegisterRoutes(e)

	e.Server.ReadTimeout = time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.WriteTimeout = time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second

	checker.SetReady(true)

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Start(fmt.Sprintf(":%d", cfg.Port))
	}()

	logger.WithField("port", cfg.Port).Info("Server started")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	}
}

func runPipeline(ctx context.Context, args []string, cfg *config.Config, logger ectologger.Logger) error {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	mode := flags.String("mode", string(models.RunModeIncremental), "run mode: full or incremental")
	types := flags.String("types", "", "comma-separated entity types (default: all)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	var keys []string
	if *types != "" {
		keys = strings.Split(*types, ",")
	}

	d, err := buildDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()

	report, err := d.coordinator.Run(ctx, models.RunMode(*mode), keys)
	if report != nil {
		printReport(report)
	}
	return err
}

func printReport(report *models.RunReport) {
	fmt.Printf("run %s (%s): %s\n", report.ID, report.Mode, report.Status)
	for _, et := range report.EntityTypes {
		line := fmt.Sprintf("  %-28s %-9s pages=%d inserted=%d updated=%d unchanged=%d failed=%d",
			et.EntityType, et.State, et.Pages,
			et.Counts.Inserted, et.Counts.Updated, et.Counts.Unchanged, len(et.Counts.Failed))
		if et.Error != "" {
			line += "  error: " + et.Error
		}
		fmt.Println(line)
	}
}

func printCounts(ctx context.Context, cfg *config.Config, logger ectologger.Logger) error {
	db, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	registry := models.NewRegistry()
	records := record.NewRepository(db, logger)

	keys := registry.Keys()
	sort.Strings(keys)
	for _, key := range keys {
		et, err := registry.Get(key)
		if err != nil {
			return err
		}
		count, err := records.Count(ctx, et)
		if err != nil {
			return err
		}
		fmt.Printf("%-28s %d\n", key, count)
	}
	return nil
}

func migrate(ctx context.Context, cfg *config.Config, logger ectologger.Logger, reset bool) error {
	db, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	service := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		DatabaseName:        cfg.DatabaseName,
	})

	if reset {
		return service.Reset(db.Unsafe())
	}
	return service.Migrate(db.Unsafe())
}
