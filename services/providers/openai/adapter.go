package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/upb/llm-bridge/services/providers"
	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"

	grokBaseURL = "https://api.x.ai/v1"
	grokModel   = "grok-beta"
)

// OpenAIAdapter implements the Connector interface for the OpenAI Chat
// Completions API and wire-compatible hosted services such as xAI Grok.
type OpenAIAdapter struct {
	name         string
	baseURL      string
	apiKey       string
	defaultModel string
	staticModels []string
	requester    *providers.Requester
	logger       *zap.Logger
}

var _ providers.Connector = (*OpenAIAdapter)(nil)

// NewOpenAIAdapter creates an adapter for api.openai.com
func NewOpenAIAdapter(config providers.ProviderConfig, logger *zap.Logger) (*OpenAIAdapter, error) {
	if config.Name == "" {
		config.Name = "openai"
	}
	return newAdapter(config, defaultBaseURL, defaultModel, logger)
}

// NewGrokAdapter creates an adapter for the xAI Grok API
func NewGrokAdapter(config providers.ProviderConfig, logger *zap.Logger) (*OpenAIAdapter, error) {
	if config.Name == "" {
		config.Name = "grok"
	}
	return newAdapter(config, grokBaseURL, grokModel, logger)
}

func newAdapter(config providers.ProviderConfig, baseURL, model string, logger *zap.Logger) (*OpenAIAdapter, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, &providers.ConfigurationError{Provider: config.Name, Field: "apiKey"}
	}
	if config.BaseURL != "" {
		baseURL = config.BaseURL
	}
	if config.DefaultModel != "" {
		model = config.DefaultModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &OpenAIAdapter{
		name:         config.Name,
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       config.APIKey,
		defaultModel: model,
		staticModels: config.Models,
		requester:    providers.NewRequester(config, decodeError, logger),
		logger:       logger.With(zap.String("provider", config.Name)),
	}, nil
}

// Name returns the provider name
func (a *OpenAIAdapter) Name() string {
	return a.name
}

// Query performs a chat completion request
func (a *OpenAIAdapter) Query(ctx context.Context, req *providers.QueryRequest) (*providers.QueryResponse, error) {
	if err := req.Validate(a.name); err != nil {
		return nil, err
	}
	startTime := time.Now()

	reqBody, err := json.Marshal(a.buildRequest(req, false))
	if err != nil {
		return nil, providers.NewProviderError(a.name, providers.CodeInvalidRequest, "failed to marshal request", 0, false, err)
	}

	var openaiResp ChatResponse
	if err := a.requester.JSON(ctx, http.MethodPost, a.baseURL+"/chat/completions", reqBody, a.authHeaders(), &openaiResp); err != nil {
		return nil, err
	}

	resp := a.convertResponse(&openaiResp, req)
	resp.Latency = time.Since(startTime)
	return resp, nil
}

// StreamQuery opens a streaming chat completion
func (a *OpenAIAdapter) StreamQuery(ctx context.Context, req *providers.QueryRequest) (providers.Stream, error) {
	if err := req.Validate(a.name); err != nil {
		return nil, err
	}

	reqBody, err := json.Marshal(a.buildRequest(req, true))
	if err != nil {
		return nil, providers.NewProviderError(a.name, providers.CodeInvalidRequest, "failed to marshal request", 0, false, err)
	}

	headers := a.authHeaders()
	headers["Accept"] = "text/event-stream"
	httpResp, err := a.requester.Stream(ctx, http.MethodPost, a.baseURL+"/chat/completions", reqBody, headers)
	if err != nil {
		return nil, err
	}

	return providers.NewBodyStream(ctx, httpResp.Body, a.chunkDecoder(httpResp.Body, a.model(req))), nil
}

// GetModels lists models from the upstream /models endpoint
func (a *OpenAIAdapter) GetModels(ctx context.Context) []providers.ModelDescriptor {
	var list ModelList
	if err := a.requester.JSON(ctx, http.MethodGet, a.baseURL+"/models", nil, a.authHeaders(), &list); err != nil {
		a.logger.Warn("failed to list models", zap.Error(err))
		return providers.StaticModels(a.name, a.staticModels)
	}

	models := make([]providers.ModelDescriptor, 0, len(list.Data))
	for _, m := range list.Data {
		models = append(models, providers.ModelDescriptor{
			ID:         m.ID,
			Name:       m.ID,
			Provider:   a.name,
			OwnedBy:    m.OwnedBy,
			ModifiedAt: unixTime(m.Created),
		})
	}
	return models
}

// TestConnection performs an authenticated model listing without retry
func (a *OpenAIAdapter) TestConnection(ctx context.Context) bool {
	resp, err := a.requester.Once(ctx, http.MethodGet, a.baseURL+"/models", a.authHeaders())
	if err != nil {
		a.logger.Debug("connection test failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK
}

func (a *OpenAIAdapter) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.apiKey}
}

func (a *OpenAIAdapter) model(req *providers.QueryRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return a.defaultModel
}

// buildRequest converts the unified request to the OpenAI wire format
func (a *OpenAIAdapter) buildRequest(req *providers.QueryRequest, stream bool) *ChatRequest {
	conversation := req.Conversation()
	openaiReq := &ChatRequest{
		Model:    a.model(req),
		Messages: make([]Message, len(conversation)),
		Stream:   stream,
	}

	for i, msg := range conversation {
		openaiReq.Messages[i] = Message{Role: msg.Role, Content: msg.Content}
	}

	if req.MaxTokens > 0 {
		openaiReq.MaxTokens = &req.MaxTokens
	}
	if req.Temperature > 0 {
		openaiReq.Temperature = &req.Temperature
	}
	if stream {
		openaiReq.StreamOptions = &StreamOptions{IncludeUsage: true}
	}

	return openaiReq
}

// convertResponse converts an OpenAI response to the unified format
func (a *OpenAIAdapter) convertResponse(openaiResp *ChatResponse, req *providers.QueryRequest) *providers.QueryResponse {
	resp := &providers.QueryResponse{
		Model:    openaiResp.Model,
		Metadata: map[string]string{"id": openaiResp.ID},
	}
	if resp.Model == "" {
		resp.Model = a.model(req)
	}
	if openaiResp.Usage != nil {
		resp.Usage = providers.NewUsage(openaiResp.Usage.PromptTokens, openaiResp.Usage.CompletionTokens, openaiResp.Usage.TotalTokens)
	}
	if len(openaiResp.Choices) > 0 {
		choice := openaiResp.Choices[0]
		resp.Content = choice.Message.Content
		resp.Metadata["finish_reason"] = choice.FinishReason
	}
	if openaiResp.Created > 0 {
		resp.Metadata["created"] = strconv.FormatInt(openaiResp.Created, 10)
	}
	return resp
}

// chunkDecoder turns SSE frames into deltas and a terminal Done chunk
func (a *OpenAIAdapter) chunkDecoder(body io.Reader, model string) providers.ChunkDecoder {
	dec := providers.NewSSEDecoder(body)
	final := &providers.QueryResponse{Model: model, Done: true, Metadata: map[string]string{}}
	finished := false

	return func() (*providers.QueryResponse, error) {
		if finished {
			return nil, io.EOF
		}

		data, err := dec.NextData()
		if err == io.EOF || data == "[DONE]" {
			finished = true
			return final, nil
		}
		if err != nil {
			return nil, providers.NewProviderError(a.name, providers.CodeHTTPError, "stream read failed", 0, false, err)
		}

		var chunk ChatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, providers.NewProviderError(a.name, providers.CodeDecode, "invalid stream chunk", 0, false, err)
		}
		if chunk.Error != nil {
			return nil, providers.NewProviderError(a.name, chunk.Error.Type, chunk.Error.Message, 0, false, nil)
		}

		if chunk.Model != "" {
			final.Model = chunk.Model
		}
		if chunk.ID != "" {
			final.Metadata["id"] = chunk.ID
		}
		if chunk.Usage != nil {
			final.Usage = providers.NewUsage(chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens, chunk.Usage.TotalTokens)
		}
		if len(chunk.Choices) == 0 {
			return nil, nil
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != nil {
			final.Metadata["finish_reason"] = *choice.FinishReason
		}
		if choice.Delta.Content == "" {
			return nil, nil
		}
		return &providers.QueryResponse{Content: choice.Delta.Content, Model: final.Model}, nil
	}
}

// decodeError handles OpenAI error bodies
func decodeError(body []byte) (string, string) {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		return "", strings.TrimSpace(string(body))
	}
	return errResp.Error.Type, errResp.Error.Message
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// OpenAI-specific request/response types

type ChatRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	MaxTokens     *int           `json:"max_tokens,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
}

type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type ChatStreamChunk struct {
	ID      string        `json:"id"`
	Model   string        `json:"model"`
	Choices []StreamDelta `json:"choices"`
	Usage   *Usage        `json:"usage"`
	Error   *APIError     `json:"error"`
}

type StreamDelta struct {
	Index        int     `json:"index"`
	Delta        Message `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ModelList struct {
	Data []ModelEntry `json:"data"`
}

type ModelEntry struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by"`
	Created int64  `json:"created"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
