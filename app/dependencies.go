package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/upb/llm-bridge/config"
	"github.com/upb/llm-bridge/repositories"
	"github.com/upb/llm-bridge/repositories/postgres"
	"github.com/upb/llm-bridge/services/providers/factory"
	"github.com/upb/llm-bridge/services/routing"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Logger *zap.Logger

	// Query log, nil when disabled
	RepoFactory *postgres.RepositoryFactory
	DB          *postgres.DB
	QueryLogs   repositories.QueryLogRepository

	// Bridge
	Factory *factory.Factory
	Bridge  *routing.Bridge
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	var opts []routing.Option
	if cfg.QueryLog.Enabled {
		recorder, err := deps.initQueryLog(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize query log: %w", err)
		}
		opts = append(opts, routing.WithRecorder(recorder))
	} else {
		logger.Info("query log disabled")
	}

	deps.initBridge(cfg, opts...)

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initQueryLog opens the database and returns the recorder backed by it
func (d *Dependencies) initQueryLog(ctx context.Context, cfg *config.Config) (routing.QueryRecorder, error) {
	repoFactory, err := postgres.NewRepositoryFactory(ctx, cfg.Database, d.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create repository factory: %w", err)
	}

	repo := repoFactory.QueryLogs()
	d.RepoFactory = repoFactory
	d.DB = repoFactory.GetDB()
	d.QueryLogs = repo

	d.Logger.Info("query log enabled",
		zap.String("connection", cfg.Database.LogString()))
	return repo, nil
}

// initBridge builds the connector factory and the bridge over every enabled provider
func (d *Dependencies) initBridge(cfg *config.Config, opts ...routing.Option) {
	d.Factory = factory.New(cfg.Bridge, d.Logger)
	d.Bridge = routing.NewBridge(cfg.Bridge, d.Factory, d.Logger, opts...)

	if len(d.Bridge.GetAvailableProviders()) == 0 {
		d.Logger.Warn("no LLM providers configured")
	}
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	// Sync logger
	_ = d.Logger.Sync()

	return errors.Join(errs...)
}
