package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/upb/llm-bridge/services/providers"
	"go.uber.org/zap"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	defaultModel     = "claude-3-5-sonnet-latest"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024
)

// defaultModels is served when the upstream listing is unavailable and no
// static list is configured
var defaultModels = []string{
	"claude-3-5-sonnet-latest",
	"claude-3-5-haiku-latest",
	"claude-3-opus-latest",
}

// AnthropicAdapter implements the Connector interface for the Anthropic Messages API
type AnthropicAdapter struct {
	name         string
	baseURL      string
	apiKey       string
	defaultModel string
	staticModels []string
	requester    *providers.Requester
	logger       *zap.Logger
}

var _ providers.Connector = (*AnthropicAdapter)(nil)

// NewAnthropicAdapter creates a new Anthropic adapter
func NewAnthropicAdapter(config providers.ProviderConfig, logger *zap.Logger) (*AnthropicAdapter, error) {
	if config.Name == "" {
		config.Name = "anthropic"
	}
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, &providers.ConfigurationError{Provider: config.Name, Field: "apiKey"}
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := config.DefaultModel
	if model == "" {
		model = defaultModel
	}
	static := config.Models
	if len(static) == 0 {
		static = defaultModels
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AnthropicAdapter{
		name:         config.Name,
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       config.APIKey,
		defaultModel: model,
		staticModels: static,
		requester:    providers.NewRequester(config, decodeError, logger),
		logger:       logger.With(zap.String("provider", config.Name)),
	}, nil
}

func (a *AnthropicAdapter) Name() string {
	return a.name
}

// Query sends a Messages API request
func (a *AnthropicAdapter) Query(ctx context.Context, req *providers.QueryRequest) (*providers.QueryResponse, error) {
	if err := req.Validate(a.name); err != nil {
		return nil, err
	}
	startTime := time.Now()

	reqBody, err := json.Marshal(a.buildRequest(req, false))
	if err != nil {
		return nil, providers.NewProviderError(a.name, providers.CodeInvalidRequest, "failed to marshal request", 0, false, err)
	}

	var msgResp MessageResponse
	if err := a.requester.JSON(ctx, http.MethodPost, a.baseURL+"/v1/messages", reqBody, a.headers(), &msgResp); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range msgResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	model := msgResp.Model
	if model == "" {
		model = a.model(req)
	}
	return &providers.QueryResponse{
		Content: text.String(),
		Model:   model,
		Usage:   providers.NewUsage(msgResp.Usage.InputTokens, msgResp.Usage.OutputTokens, 0),
		Metadata: map[string]string{
			"id":          msgResp.ID,
			"stop_reason": msgResp.StopReason,
		},
		Latency: time.Since(startTime),
	}, nil
}

// StreamQuery opens a Messages API event stream
func (a *AnthropicAdapter) StreamQuery(ctx context.Context, req *providers.QueryRequest) (providers.Stream, error) {
	if err := req.Validate(a.name); err != nil {
		return nil, err
	}

	reqBody, err := json.Marshal(a.buildRequest(req, true))
	if err != nil {
		return nil, providers.NewProviderError(a.name, providers.CodeInvalidRequest, "failed to marshal request", 0, false, err)
	}

	headers := a.headers()
	headers["Accept"] = "text/event-stream"
	httpResp, err := a.requester.Stream(ctx, http.MethodPost, a.baseURL+"/v1/messages", reqBody, headers)
	if err != nil {
		return nil, err
	}

	return providers.NewBodyStream(ctx, httpResp.Body, a.chunkDecoder(httpResp.Body, a.model(req))), nil
}

// GetModels lists models via /v1/models, falling back to the static list
func (a *AnthropicAdapter) GetModels(ctx context.Context) []providers.ModelDescriptor {
	var list ModelList
	if err := a.requester.JSON(ctx, http.MethodGet, a.baseURL+"/v1/models", nil, a.headers(), &list); err != nil {
		a.logger.Warn("failed to list models, using static list", zap.Error(err))
		return providers.StaticModels(a.name, a.staticModels)
	}

	models := make([]providers.ModelDescriptor, 0, len(list.Data))
	for _, m := range list.Data {
		name := m.DisplayName
		if name == "" {
			name = m.ID
		}
		models = append(models, providers.ModelDescriptor{
			ID:         m.ID,
			Name:       name,
			Provider:   a.name,
			OwnedBy:    "anthropic",
			ModifiedAt: m.CreatedAt,
		})
	}
	return models
}

// TestConnection performs an authenticated model listing without retry
func (a *AnthropicAdapter) TestConnection(ctx context.Context) bool {
	resp, err := a.requester.Once(ctx, http.MethodGet, a.baseURL+"/v1/models", a.headers())
	if err != nil {
		a.logger.Debug("connection test failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK
}

func (a *AnthropicAdapter) headers() map[string]string {
	return map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": apiVersion,
	}
}

func (a *AnthropicAdapter) model(req *providers.QueryRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return a.defaultModel
}

// buildRequest lifts system messages into the top-level system field
func (a *AnthropicAdapter) buildRequest(req *providers.QueryRequest, stream bool) *MessageRequest {
	msgReq := &MessageRequest{
		Model:     a.model(req),
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	}
	if msgReq.MaxTokens <= 0 {
		msgReq.MaxTokens = defaultMaxTokens
	}
	if req.Temperature > 0 {
		msgReq.Temperature = &req.Temperature
	}

	var system []string
	for _, msg := range req.Conversation() {
		if msg.Role == "system" {
			system = append(system, msg.Content)
			continue
		}
		msgReq.Messages = append(msgReq.Messages, Message{Role: msg.Role, Content: msg.Content})
	}
	msgReq.System = strings.Join(system, "\n\n")

	return msgReq
}

// chunkDecoder maps Messages API events onto deltas and one terminal chunk
func (a *AnthropicAdapter) chunkDecoder(body io.Reader, model string) providers.ChunkDecoder {
	dec := providers.NewSSEDecoder(body)
	final := &providers.QueryResponse{Model: model, Done: true, Metadata: map[string]string{}}
	var inputTokens, outputTokens int
	finished := false

	done := func() (*providers.QueryResponse, error) {
		finished = true
		final.Usage = providers.NewUsage(inputTokens, outputTokens, 0)
		return final, nil
	}

	return func() (*providers.QueryResponse, error) {
		if finished {
			return nil, io.EOF
		}

		data, err := dec.NextData()
		if err == io.EOF {
			return done()
		}
		if err != nil {
			return nil, providers.NewProviderError(a.name, providers.CodeHTTPError, "stream read failed", 0, false, err)
		}

		var event StreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return nil, providers.NewProviderError(a.name, providers.CodeDecode, "invalid stream event", 0, false, err)
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				if event.Message.Model != "" {
					final.Model = event.Message.Model
				}
				final.Metadata["id"] = event.Message.ID
				inputTokens = event.Message.Usage.InputTokens
				outputTokens = event.Message.Usage.OutputTokens
			}
		case "content_block_delta":
			if event.Delta != nil && event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				return &providers.QueryResponse{Content: event.Delta.Text, Model: final.Model}, nil
			}
		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				final.Metadata["stop_reason"] = event.Delta.StopReason
			}
			if event.Usage != nil {
				outputTokens = event.Usage.OutputTokens
			}
		case "message_stop":
			return done()
		case "error":
			if event.Error != nil {
				return nil, providers.NewProviderError(a.name, event.Error.Type, event.Error.Message, 0, false, nil)
			}
		}
		return nil, nil
	}
}

func decodeError(body []byte) (string, string) {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		return "", strings.TrimSpace(string(body))
	}
	return errResp.Error.Type, errResp.Error.Message
}

// Anthropic API types

type MessageRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type MessageResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type StreamEvent struct {
	Type    string           `json:"type"`
	Message *MessageResponse `json:"message,omitempty"`
	Delta   *EventDelta      `json:"delta,omitempty"`
	Usage   *Usage           `json:"usage,omitempty"`
	Error   *APIError        `json:"error,omitempty"`
}

type EventDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	StopReason string `json:"stop_reason"`
}

type ModelList struct {
	Data []ModelEntry `json:"data"`
}

type ModelEntry struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
