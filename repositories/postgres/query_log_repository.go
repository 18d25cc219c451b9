package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/upb/llm-bridge/models"
	"github.com/upb/llm-bridge/repositories"
	"github.com/upb/llm-bridge/services/routing"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// QueryLogRepository implements repositories.QueryLogRepository and
// routing.QueryRecorder
type QueryLogRepository struct {
	db     *DB
	logger *zap.Logger
}

var (
	_ repositories.QueryLogRepository = (*QueryLogRepository)(nil)
	_ routing.QueryRecorder           = (*QueryLogRepository)(nil)
)

// NewQueryLogRepository creates a new query log repository
func NewQueryLogRepository(db *DB, logger *zap.Logger) *QueryLogRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryLogRepository{
		db:     db,
		logger: logger,
	}
}

// Create persists one query outcome
func (r *QueryLogRepository) Create(ctx context.Context, log *models.QueryLog) error {
	query := `
		INSERT INTO query_logs (
			id, request_id, status, provider, original_provider, fallback, model,
			prompt_tokens, completion_tokens, total_tokens, latency_ms,
			error_message, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
	`

	_, err := r.db.ExecContext(ctx, query,
		log.ID,
		log.RequestID,
		log.Status,
		log.Provider,
		log.OriginalProvider,
		log.Fallback,
		log.Model,
		log.PromptTokens,
		log.CompletionTokens,
		log.TotalTokens,
		log.LatencyMs,
		log.ErrorMessage,
		log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create query log: %w", err)
	}

	r.logger.Debug("query log created", zap.String("id", log.ID.String()), zap.String("request_id", log.RequestID))
	return nil
}

const selectColumns = `
	SELECT id, request_id, status, provider, original_provider, fallback, model,
	       prompt_tokens, completion_tokens, total_tokens, latency_ms,
	       error_message, created_at
	FROM query_logs
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQueryLog(row rowScanner) (*models.QueryLog, error) {
	log := &models.QueryLog{}
	err := row.Scan(
		&log.ID,
		&log.RequestID,
		&log.Status,
		&log.Provider,
		&log.OriginalProvider,
		&log.Fallback,
		&log.Model,
		&log.PromptTokens,
		&log.CompletionTokens,
		&log.TotalTokens,
		&log.LatencyMs,
		&log.ErrorMessage,
		&log.CreatedAt,
	)
	return log, err
}

// GetByRequestID retrieves the most recent log for an external request ID
func (r *QueryLogRepository) GetByRequestID(ctx context.Context, requestID string) (*models.QueryLog, error) {
	query := selectColumns + `
		WHERE request_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	log, err := scanQueryLog(r.db.QueryRowContext(ctx, query, requestID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("query log %q: %w", requestID, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get query log: %w", err)
	}

	return log, nil
}

// ListRecent retrieves up to limit logs, newest first. Non-positive limits
// use the default; large limits are capped.
func (r *QueryLogRepository) ListRecent(ctx context.Context, limit int) ([]*models.QueryLog, error) {
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}

	query := selectColumns + `
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list query logs: %w", err)
	}
	defer rows.Close()

	logs := make([]*models.QueryLog, 0)
	for rows.Next() {
		log, err := scanQueryLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan query log: %w", err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate query logs: %w", err)
	}

	return logs, nil
}

// RecordQuery persists a bridge query outcome
func (r *QueryLogRepository) RecordQuery(ctx context.Context, rec *routing.QueryRecord) error {
	log := models.NewQueryLog(rec.RequestID, rec.Provider, rec.Model)
	if !rec.CreatedAt.IsZero() {
		log.CreatedAt = rec.CreatedAt
	}
	if rec.Error != "" {
		log.MarkAsFailed(rec.Error, rec.Latency)
	} else {
		log.MarkAsSucceeded(rec.Usage.PromptTokens, rec.Usage.CompletionTokens, rec.Usage.TotalTokens, rec.Latency)
	}
	if rec.Fallback {
		log.MarkAsFallback(rec.OriginalProvider)
	}
	return r.Create(ctx, log)
}
