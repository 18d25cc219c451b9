package postgres

import (
	"context"

	"github.com/upb/llm-bridge/config"
	"go.uber.org/zap"
)

// RepositoryFactory owns the connection pool and creates repositories on it
type RepositoryFactory struct {
	db     *DB
	logger *zap.Logger
}

// NewRepositoryFactory opens the database and prepares the schema
func NewRepositoryFactory(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*RepositoryFactory, error) {
	db, err := NewDB(cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &RepositoryFactory{db: db, logger: logger}, nil
}

// QueryLogs returns the query log repository
func (f *RepositoryFactory) QueryLogs() *QueryLogRepository {
	return NewQueryLogRepository(f.db, f.logger)
}

// GetDB returns the database connection
func (f *RepositoryFactory) GetDB() *DB {
	return f.db
}

// Close closes the database connection
func (f *RepositoryFactory) Close() error {
	return f.db.Close()
}
