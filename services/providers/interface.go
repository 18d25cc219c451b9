package providers

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Connector is the uniform adapter over one LLM backend.
// Implementations must be safe for concurrent use.
type Connector interface {
	// Name returns the registry name of the connector (e.g. "openai", "ollama")
	Name() string

	// Query sends one request upstream and returns the normalized response
	Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error)

	// StreamQuery opens a new upstream stream. The caller must Close it.
	StreamQuery(ctx context.Context, req *QueryRequest) (Stream, error)

	// GetModels lists upstream models. It never fails; errors yield an empty list.
	GetModels(ctx context.Context) []ModelDescriptor

	// TestConnection reports whether the backend answered a minimal authenticated call
	TestConnection(ctx context.Context) bool
}

// Stream yields partial responses until io.EOF.
//
// Close releases the upstream connection and may be called at any time,
// including before the stream is exhausted.
type Stream interface {
	Recv() (*QueryResponse, error)
	Close() error
}

// Message represents a single role-tagged message in a conversation
type Message struct {
	// Role can be "system", "user", or "assistant"
	Role string `json:"role"`

	// Content is the message text
	Content string `json:"content"`
}

// QueryRequest is the caller-supplied query shared by every connector
type QueryRequest struct {
	// Provider pins the request to one connector and disables fallback
	Provider string `json:"provider,omitempty"`

	// Prompt is a single user prompt
	Prompt string `json:"prompt,omitempty"`

	// Messages is the ordered conversation
	Messages []Message `json:"messages,omitempty"`

	// Model overrides the connector's default model
	Model string `json:"model,omitempty"`

	// Temperature controls randomness
	Temperature float64 `json:"temperature,omitempty"`

	// MaxTokens limits the response length
	MaxTokens int `json:"max_tokens,omitempty"`

	// Stream marks the request as streaming
	Stream bool `json:"stream,omitempty"`

	// Metadata is passed through untouched for caller bookkeeping
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Conversation returns the messages to send upstream. A prompt is appended as
// a trailing user message.
func (r *QueryRequest) Conversation() []Message {
	msgs := make([]Message, 0, len(r.Messages)+1)
	msgs = append(msgs, r.Messages...)
	if r.Prompt != "" {
		msgs = append(msgs, Message{Role: "user", Content: r.Prompt})
	}
	return msgs
}

// Validate checks that the request carries something to send
func (r *QueryRequest) Validate(provider string) error {
	if r == nil || (r.Prompt == "" && len(r.Messages) == 0) {
		return NewProviderError(provider, CodeInvalidRequest, "either prompt or messages is required", 0, false, nil)
	}
	return nil
}

// QueryResponse is the normalized response produced by every connector.
// Provider, Fallback and OriginalProvider are set by the bridge only.
type QueryResponse struct {
	// Content is the generated text (a delta for stream chunks)
	Content string `json:"content"`

	// Model actually used upstream
	Model string `json:"model"`

	// Usage statistics, zero-filled when the upstream omits them
	Usage Usage `json:"usage"`

	// Metadata is provider specific (finish reason, upstream id, ...)
	Metadata map[string]string `json:"metadata,omitempty"`

	// Provider that served the request
	Provider string `json:"provider,omitempty"`

	// Fallback is true when the response came from a fallback provider
	Fallback bool `json:"fallback,omitempty"`

	// OriginalProvider names the provider that failed before fallback
	OriginalProvider string `json:"originalProvider,omitempty"`

	// Done marks the terminal chunk of a stream
	Done bool `json:"done,omitempty"`

	// Latency of the upstream call
	Latency time.Duration `json:"latency,omitempty"`
}

// Usage represents token usage statistics
type Usage struct {
	// PromptTokens used in the request
	PromptTokens int `json:"prompt_tokens"`

	// CompletionTokens used in the response
	CompletionTokens int `json:"completion_tokens"`

	// TotalTokens is the sum of prompt and completion tokens
	TotalTokens int `json:"total_tokens"`
}

// NewUsage builds a usage record, deriving the total when the upstream omits it
func NewUsage(prompt, completion, total int) Usage {
	if total == 0 {
		total = prompt + completion
	}
	return Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total}
}

// ModelDescriptor describes one model offered by a provider
type ModelDescriptor struct {
	// ID is the model identifier sent upstream
	ID string `json:"id"`

	// Name is the human-readable name
	Name string `json:"name"`

	// Provider that offers this model
	Provider string `json:"provider"`

	// OwnedBy as reported upstream
	OwnedBy string `json:"owned_by,omitempty"`

	// Size in bytes (local models)
	Size int64 `json:"size,omitempty"`

	// ModifiedAt as reported upstream
	ModifiedAt time.Time `json:"modified_at,omitempty"`
}

// StaticModels turns a configured list of model ids into descriptors
func StaticModels(provider string, ids []string) []ModelDescriptor {
	models := make([]ModelDescriptor, 0, len(ids))
	for _, id := range ids {
		models = append(models, ModelDescriptor{ID: id, Name: id, Provider: provider})
	}
	return models
}

// ProviderConfig holds common configuration for connectors
type ProviderConfig struct {
	// Name registered in the bridge
	Name string

	// APIKey for authentication
	APIKey string

	// Host of a local inference server
	Host string

	// BaseURL for the API (optional override)
	BaseURL string

	// DefaultModel used when the request does not name one
	DefaultModel string

	// Models is a static list used when the upstream cannot list models
	Models []string

	// Timeout for requests
	Timeout time.Duration

	// RetryAttempts is the total number of attempts for transient failures
	RetryAttempts int

	// RetryDelay is the base backoff; attempt n waits RetryDelay*n
	RetryDelay time.Duration

	// Additional headers
	Headers map[string]string
}

// DefaultProviderConfig returns a sensible default configuration
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Timeout:       60 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
		Headers:       make(map[string]string),
	}
}

// Error codes shared by connectors
const (
	CodeInvalidRequest = "invalid_request"
	CodeHTTPError      = "http_error"
	CodeTimeout        = "timeout"
	CodeUpstream       = "upstream_error"
	CodeDecode         = "decode_error"
)

// ProviderError is the connector error: a message plus the upstream status/code
type ProviderError struct {
	// Provider that generated the error
	Provider string

	// Code is the error code
	Code string

	// Message is the error message
	Message string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Retryable indicates a transient failure
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	msg := e.Provider + ": " + e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap implements error unwrapping
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, statusCode int, retryable bool, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Cause:      cause,
	}
}

// IsRetryable checks if an error is a transient provider error
func IsRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return false
}

// ConfigurationError reports a connector that cannot be built from its config
type ConfigurationError struct {
	Provider string
	Field    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: missing required configuration %q", e.Provider, e.Field)
}
