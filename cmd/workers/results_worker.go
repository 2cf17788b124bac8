package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"bilan-carbone/results-engine/internal/config"
	"bilan-carbone/results-engine/internal/emissions"
	"bilan-carbone/results-engine/internal/exportrules"
	"bilan-carbone/results-engine/internal/results"
	"bilan-carbone/results-engine/internal/sources"
	"bilan-carbone/results-engine/internal/taxonomy"
)

// Snapshotter computes and persists the results of a study
type Snapshotter interface {
	SnapshotStudy(ctx context.Context, studyID uuid.UUID, env emissions.Environment) (*results.Snapshot, error)
	Invalidate(studyID uuid.UUID)
}

// StudyLister finds studies whose snapshot is out of date
type StudyLister interface {
	ListStaleStudies(ctx context.Context, limit int) ([]uuid.UUID, error)
}

// ResultsWorker periodically snapshots study results
type ResultsWorker struct {
	service Snapshotter
	studies StudyLister
	logger  *zap.Logger
	config  ResultsWorkerConfig
	cron    *cron.Cron
	initial sync.WaitGroup
}

// ResultsWorkerConfig configuration for the results worker
type ResultsWorkerConfig struct {
	Schedule      string
	StudyIDs      []uuid.UUID
	BatchSize     int
	MaxConcurrent int
	Timeout       time.Duration
	RunOnStart    bool
}

// DefaultResultsWorkerConfig returns default configuration
func DefaultResultsWorkerConfig() ResultsWorkerConfig {
	return ResultsWorkerConfig{
		Schedule:      "0 */15 * * * *",
		BatchSize:     50,
		MaxConcurrent: 5,
		Timeout:       5 * time.Minute,
	}
}

// NewResultsWorker creates a new results worker
func NewResultsWorker(service Snapshotter, studies StudyLister, logger *zap.Logger, config ResultsWorkerConfig) *ResultsWorker {
	return &ResultsWorker{
		service: service,
		studies: studies,
		logger:  logger,
		config:  config,
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
	}
}

// Start schedules snapshots and blocks until the context is cancelled
func (w *ResultsWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting results worker",
		zap.String("schedule", w.config.Schedule),
		zap.Int("studies", len(w.config.StudyIDs)),
		zap.Int("max_concurrent", w.config.MaxConcurrent))

	if _, err := w.cron.AddFunc(w.config.Schedule, func() { w.snapshotStudies(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule snapshots: %w", err)
	}
	w.cron.Start()

	if w.config.RunOnStart {
		w.initial.Add(1)
		go func() {
			defer w.initial.Done()
			w.snapshotStudies(ctx)
		}()
	}

	<-ctx.Done()
	w.logger.Info("Results worker shutting down")

	// Wait for running snapshots
	<-w.cron.Stop().Done()
	w.initial.Wait()
	return nil
}

// snapshotStudies snapshots the configured studies, or the stale ones when none is configured
func (w *ResultsWorker) snapshotStudies(ctx context.Context) {
	studyIDs := w.config.StudyIDs
	if len(studyIDs) == 0 {
		stale, err := w.studies.ListStaleStudies(ctx, w.config.BatchSize)
		if err != nil {
			w.logger.Error("Failed to list stale studies", zap.Error(err))
			return
		}
		studyIDs = stale
	}

	if len(studyIDs) == 0 {
		return
	}

	w.logger.Info("Snapshotting studies", zap.Int("count", len(studyIDs)))

	// Process with concurrency limit
	sem := make(chan struct{}, w.config.MaxConcurrent)
	var wg sync.WaitGroup

	for _, id := range studyIDs {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)

		go func(studyID uuid.UUID) {
			defer wg.Done()
			defer func() { <-sem }()
			w.snapshotStudy(ctx, studyID)
		}(id)
	}

	wg.Wait()
}

// snapshotStudy snapshots a single study
func (w *ResultsWorker) snapshotStudy(ctx context.Context, studyID uuid.UUID) {
	ctx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	startTime := time.Now()

	w.service.Invalidate(studyID)
	snapshot, err := w.service.SnapshotStudy(ctx, studyID, "")
	if err != nil {
		w.logger.Error("Failed to snapshot study",
			zap.Stringer("study_id", studyID),
			zap.Error(err))
		return
	}

	w.logger.Debug("Study snapshot refreshed",
		zap.Stringer("study_id", studyID),
		zap.Float64("total", snapshot.Total.Value),
		zap.Duration("duration", time.Since(startTime)))
}

// parseStudyIDs keeps the valid ids and logs the others
func parseStudyIDs(raw []string, logger *zap.Logger) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		id, err := uuid.Parse(r)
		if err != nil {
			logger.Warn("Invalid study id ignored", zap.String("study_id", r), zap.Error(err))
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// loadTables loads the static tables, falling back to the built-in ones
func loadTables(cfg config.ResultsConfig) (results.Tables, taxonomy.Labels, error) {
	var tables results.Tables
	var err error

	if cfg.TaxonomyPath != "" {
		tables.Taxonomies, err = taxonomy.LoadRegistryFile(cfg.TaxonomyPath)
	} else {
		tables.Taxonomies, err = taxonomy.DefaultRegistry()
	}
	if err != nil {
		return tables, nil, err
	}

	if cfg.CrossMapPath != "" {
		tables.CrossMap, err = taxonomy.LoadCrossMapFile(cfg.CrossMapPath)
	} else {
		tables.CrossMap, err = taxonomy.DefaultCrossMap()
	}
	if err != nil {
		return tables, nil, err
	}

	if cfg.RulesPath != "" {
		tables.Rules, err = exportrules.LoadFile(cfg.RulesPath)
	} else {
		tables.Rules, err = exportrules.Default()
	}
	if err != nil {
		return tables, nil, err
	}

	var labels taxonomy.Labels
	if cfg.LabelsPath != "" {
		labels, err = taxonomy.LoadLabelsFile(cfg.LabelsPath)
	} else {
		labels, err = taxonomy.DefaultLabels()
	}
	if err != nil {
		return tables, nil, err
	}

	return tables, labels, nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	if cfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zapConfig.Level = zap.NewAtomicLevelAt(level)
	}
	return zapConfig.Build()
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the JSON configuration file")
	flag.Parse()

	// Missing .env is fine outside development
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Connect to database
	db, err := sqlx.Connect("postgres", cfg.Database.GetDatabaseURL())
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxConnections)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.MaxLifetime)

	logger.Info("Connected to database")

	tables, labels, err := loadTables(cfg.Results)
	if err != nil {
		logger.Fatal("Failed to load result tables", zap.Error(err))
	}

	engine := results.NewEngine(tables, labels.Label, logger.Named("engine"), results.EngineConfig{Locale: cfg.Results.Locale})
	repository := sources.NewPostgresRepository(db, logger.Named("sources"))

	serviceConfig := results.DefaultServiceConfig()
	serviceConfig.CacheTTL = cfg.Results.CacheTTL
	service, err := results.NewService(repository, engine, logger.Named("results"), serviceConfig)
	if err != nil {
		logger.Fatal("Failed to create results service", zap.Error(err))
	}
	defer service.Close()

	// Create worker
	workerConfig := DefaultResultsWorkerConfig()
	workerConfig.Schedule = cfg.Worker.Schedule
	workerConfig.StudyIDs = parseStudyIDs(cfg.Worker.StudyIDs, logger)
	workerConfig.MaxConcurrent = cfg.Worker.MaxConcurrent
	workerConfig.RunOnStart = cfg.Worker.RunOnStart
	if cfg.Worker.Timeout > 0 {
		workerConfig.Timeout = cfg.Worker.Timeout
	}
	worker := NewResultsWorker(service, repository, logger, workerConfig)

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received")
		cancel()
	}()

	if err := worker.Start(ctx); err != nil {
		logger.Error("Worker error", zap.Error(err))
	}

	logger.Info("Results worker stopped")
}
