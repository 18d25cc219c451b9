package repositories

import (
	"context"
	"errors"

	"github.com/upb/llm-bridge/models"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("record not found")

// QueryLogRepository handles query log data operations
type QueryLogRepository interface {
	// Create persists one query outcome
	Create(ctx context.Context, log *models.QueryLog) error

	// GetByRequestID retrieves the most recent log for an external request ID
	GetByRequestID(ctx context.Context, requestID string) (*models.QueryLog, error)

	// ListRecent retrieves up to limit logs, newest first
	ListRecent(ctx context.Context, limit int) ([]*models.QueryLog, error)
}
