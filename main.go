package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql (migrations)
	"go.uber.org/zap"

	"github.com/lumenlayer/usage-engine/pkg/config"
	"github.com/lumenlayer/usage-engine/pkg/database"
	"github.com/lumenlayer/usage-engine/pkg/graph"
	"github.com/lumenlayer/usage-engine/pkg/handlers"
	enginemcp "github.com/lumenlayer/usage-engine/pkg/mcp"
	"github.com/lumenlayer/usage-engine/pkg/mcp/tools"
	"github.com/lumenlayer/usage-engine/pkg/repositories"
	"github.com/lumenlayer/usage-engine/pkg/retry"
	"github.com/lumenlayer/usage-engine/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

const migrationsPath = "migrations"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("version", cfg.Version),
		zap.Bool("database_enabled", cfg.Database.Enabled))

	ctx := context.Background()

	// Repositories: PostgreSQL when configured, in-memory otherwise.
	var (
		proposalRepo   repositories.ProposalRepository
		skillRepo      repositories.SkillRepository
		deadLetterRepo repositories.DeadLetterRepository
		graphLogRepo   repositories.GraphLogRepository
	)

	if cfg.Database.Enabled {
		sqlDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
		if err != nil {
			logger.Fatal("Failed to open migration connection", zap.Error(err))
		}
		if err := database.RunMigrations(sqlDB, migrationsPath, logger); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
		_ = sqlDB.Close()

		db, err := database.NewConnection(ctx, &cfg.Database)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		proposalRepo = repositories.NewProposalRepository(db)
		skillRepo = repositories.NewSkillRepository(db)
		deadLetterRepo = repositories.NewDeadLetterRepository(db)
		graphLogRepo = repositories.NewGraphLogRepository(db)
	} else {
		logger.Warn("database disabled; running in memory without durability")
		proposalRepo = repositories.NewMemoryProposalRepository()
		skillRepo = repositories.NewMemorySkillRepository()
		deadLetterRepo = repositories.NewMemoryDeadLetterRepository()
		graphLogRepo = repositories.NewMemoryGraphLogRepository()
	}

	// Graph store and the single-writer ingestion path.
	store := graph.New(logger)
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = cfg.Ingest.MaxApplyRetries
	updater := services.NewGraphUpdater(store, graphLogRepo, deadLetterRepo, retryCfg, logger)

	if cfg.Database.Enabled {
		replayed, err := updater.Replay(ctx)
		if err != nil {
			logger.Fatal("Failed to rebuild graph from event log", zap.Error(err))
		}
		logger.Info("graph restored", zap.Int("events", replayed))
	}

	pipeline := services.NewIngestPipeline(updater, cfg.Ingest, logger)
	pipeline.Start()

	// Batch jobs.
	discovery := services.NewDiscoveryService(store, proposalRepo, cfg.Discovery, logger)
	consolidator := services.NewSkillConsolidator(graphLogRepo, skillRepo, cfg.Skills, logger)
	scheduler := services.NewScheduler(discovery, consolidator, cfg.Discovery, cfg.Skills, logger)
	scheduler.Start()

	// Proposal review workflow.
	var changeSink services.ChangeSink = &services.LogChangeSink{Logger: logger.Named("change-sink")}
	if cfg.ChangeLogPath != "" {
		changeSink = services.NewFileChangeSink(cfg.ChangeLogPath)
		logger.Info("routing change records to file", zap.String("path", cfg.ChangeLogPath))
	}
	proposalService := services.NewProposalService(proposalRepo, store, changeSink, logger)

	mux := http.NewServeMux()

	healthHandler := handlers.NewHealthHandler(cfg, store, pipeline, updater, scheduler, deadLetterRepo, logger)
	healthHandler.RegisterRoutes(mux)

	eventHandler := handlers.NewEventHandler(pipeline, logger)
	eventHandler.RegisterRoutes(mux)

	proposalHandler := handlers.NewProposalHandler(proposalService, logger)
	proposalHandler.RegisterRoutes(mux)

	// MCP surface for agent collaborators.
	mcpServer := enginemcp.NewServer("usage-engine", cfg.Version, logger)
	tools.RegisterProposalTools(mcpServer.MCP(), &tools.ProposalToolDeps{
		ProposalService: proposalService,
		Logger:          logger,
	})
	tools.RegisterSkillTools(mcpServer.MCP(), &tools.SkillToolDeps{
		SkillRepo: skillRepo,
		Logger:    logger,
	})
	tools.RegisterStatsTools(mcpServer.MCP(), &tools.StatsToolDeps{
		Store:     store,
		Pipeline:  pipeline,
		Updater:   updater,
		Scheduler: scheduler,
		Logger:    logger,
	})
	mux.Handle("/mcp", mcpServer.NewStreamableHTTPServer())

	server := &http.Server{
		Addr:    cfg.BindAddr + ":" + cfg.Port,
		Handler: mux,
	}

	go func() {
		logger.Info("starting usage-engine",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown: stop accepting events, drain the queue, stop jobs.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}

	pipeline.Stop()
	scheduler.Stop()

	logger.Info("shutdown complete")
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
