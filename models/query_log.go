package models

import (
	"time"

	"github.com/google/uuid"
)

// QueryStatus represents the outcome of a bridge query
type QueryStatus string

const (
	QueryStatusSucceeded QueryStatus = "succeeded"
	QueryStatusFailed    QueryStatus = "failed"
)

// QueryLog is one persisted bridge query outcome
type QueryLog struct {
	ID        uuid.UUID   `json:"id" db:"id"`
	RequestID string      `json:"request_id" db:"request_id"` // External request ID
	Status    QueryStatus `json:"status" db:"status"`

	// Provider details
	Provider         string  `json:"provider" db:"provider"`
	OriginalProvider *string `json:"original_provider,omitempty" db:"original_provider"` // Set when served by fallback
	Fallback         bool    `json:"fallback" db:"fallback"`
	Model            string  `json:"model" db:"model"`

	// Metrics
	PromptTokens     int `json:"prompt_tokens" db:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens" db:"completion_tokens"`
	TotalTokens      int `json:"total_tokens" db:"total_tokens"`
	LatencyMs        int `json:"latency_ms" db:"latency_ms"`

	ErrorMessage *string   `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// NewQueryLog creates a new QueryLog. An empty requestID gets a generated one.
func NewQueryLog(requestID, provider, model string) *QueryLog {
	if requestID == "" {
		requestID = uuid.New().String()
	}
	return &QueryLog{
		ID:        uuid.New(),
		RequestID: requestID,
		Status:    QueryStatusSucceeded,
		Provider:  provider,
		Model:     model,
		CreatedAt: time.Now().UTC(),
	}
}

// MarkAsSucceeded records token usage and latency of a successful query
func (q *QueryLog) MarkAsSucceeded(promptTokens, completionTokens, totalTokens int, latency time.Duration) {
	q.Status = QueryStatusSucceeded
	q.PromptTokens = promptTokens
	q.CompletionTokens = completionTokens
	q.TotalTokens = totalTokens
	q.LatencyMs = int(latency.Milliseconds())
	q.ErrorMessage = nil
}

// MarkAsFailed records the failure message and latency
func (q *QueryLog) MarkAsFailed(message string, latency time.Duration) {
	q.Status = QueryStatusFailed
	q.ErrorMessage = &message
	q.LatencyMs = int(latency.Milliseconds())
}

// MarkAsFallback records the provider that failed before original
func (q *QueryLog) MarkAsFallback(original string) {
	q.Fallback = true
	q.OriginalProvider = &original
}
