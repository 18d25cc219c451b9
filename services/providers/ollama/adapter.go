package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/upb/llm-bridge/services/providers"
	"go.uber.org/zap"
)

const defaultModel = "llama3.2"

// maxLineSize bounds one NDJSON frame
const maxLineSize = 1 << 20

// OllamaAdapter implements the Connector interface for a local Ollama server
type OllamaAdapter struct {
	name         string
	host         string
	defaultModel string
	requester    *providers.Requester
	logger       *zap.Logger
}

var _ providers.Connector = (*OllamaAdapter)(nil)

// NewOllamaAdapter creates an adapter. Host is required; no API key is used.
func NewOllamaAdapter(config providers.ProviderConfig, logger *zap.Logger) (*OllamaAdapter, error) {
	if config.Name == "" {
		config.Name = "ollama"
	}
	host := config.Host
	if host == "" {
		host = config.BaseURL
	}
	if strings.TrimSpace(host) == "" {
		return nil, &providers.ConfigurationError{Provider: config.Name, Field: "host"}
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	model := config.DefaultModel
	if model == "" {
		model = defaultModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &OllamaAdapter{
		name:         config.Name,
		host:         strings.TrimRight(host, "/"),
		defaultModel: model,
		requester:    providers.NewRequester(config, decodeError, logger),
		logger:       logger.With(zap.String("provider", config.Name)),
	}, nil
}

func (a *OllamaAdapter) Name() string {
	return a.name
}

// Query performs a non-streaming /api/chat call
func (a *OllamaAdapter) Query(ctx context.Context, req *providers.QueryRequest) (*providers.QueryResponse, error) {
	if err := req.Validate(a.name); err != nil {
		return nil, err
	}
	startTime := time.Now()

	reqBody, err := json.Marshal(a.buildRequest(req, false))
	if err != nil {
		return nil, providers.NewProviderError(a.name, providers.CodeInvalidRequest, "failed to marshal request", 0, false, err)
	}

	var chatResp ChatResponse
	if err := a.requester.JSON(ctx, http.MethodPost, a.host+"/api/chat", reqBody, nil, &chatResp); err != nil {
		return nil, err
	}
	if chatResp.Error != "" {
		return nil, providers.NewProviderError(a.name, providers.CodeUpstream, chatResp.Error, 0, false, nil)
	}

	resp := a.convertResponse(&chatResp, a.model(req))
	resp.Content = chatResp.Message.Content
	resp.Latency = time.Since(startTime)
	return resp, nil
}

// StreamQuery opens an NDJSON /api/chat stream
func (a *OllamaAdapter) StreamQuery(ctx context.Context, req *providers.QueryRequest) (providers.Stream, error) {
	if err := req.Validate(a.name); err != nil {
		return nil, err
	}

	reqBody, err := json.Marshal(a.buildRequest(req, true))
	if err != nil {
		return nil, providers.NewProviderError(a.name, providers.CodeInvalidRequest, "failed to marshal request", 0, false, err)
	}

	httpResp, err := a.requester.Stream(ctx, http.MethodPost, a.host+"/api/chat", reqBody, nil)
	if err != nil {
		return nil, err
	}

	return providers.NewBodyStream(ctx, httpResp.Body, a.chunkDecoder(httpResp.Body, a.model(req))), nil
}

// GetModels lists locally installed models via /api/tags
func (a *OllamaAdapter) GetModels(ctx context.Context) []providers.ModelDescriptor {
	var tags TagsResponse
	if err := a.requester.JSON(ctx, http.MethodGet, a.host+"/api/tags", nil, nil, &tags); err != nil {
		a.logger.Warn("failed to list models", zap.Error(err))
		return []providers.ModelDescriptor{}
	}

	models := make([]providers.ModelDescriptor, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, providers.ModelDescriptor{
			ID:         m.Name,
			Name:       m.Name,
			Provider:   a.name,
			Size:       m.Size,
			ModifiedAt: m.ModifiedAt,
		})
	}
	return models
}

// TestConnection checks that /api/tags answers
func (a *OllamaAdapter) TestConnection(ctx context.Context) bool {
	resp, err := a.requester.Once(ctx, http.MethodGet, a.host+"/api/tags", nil)
	if err != nil {
		a.logger.Debug("connection test failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK
}

func (a *OllamaAdapter) model(req *providers.QueryRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return a.defaultModel
}

func (a *OllamaAdapter) buildRequest(req *providers.QueryRequest, stream bool) *ChatRequest {
	conversation := req.Conversation()
	chatReq := &ChatRequest{
		Model:    a.model(req),
		Messages: make([]Message, len(conversation)),
		Stream:   stream,
	}
	for i, msg := range conversation {
		chatReq.Messages[i] = Message{Role: msg.Role, Content: msg.Content}
	}

	if req.Temperature > 0 || req.MaxTokens > 0 {
		chatReq.Options = &Options{}
		if req.Temperature > 0 {
			chatReq.Options.Temperature = &req.Temperature
		}
		if req.MaxTokens > 0 {
			chatReq.Options.NumPredict = &req.MaxTokens
		}
	}
	return chatReq
}

// convertResponse maps the terminal fields of a chat frame; Content is left to the caller
func (a *OllamaAdapter) convertResponse(chatResp *ChatResponse, model string) *providers.QueryResponse {
	if chatResp.Model != "" {
		model = chatResp.Model
	}
	resp := &providers.QueryResponse{
		Model: model,
		Usage: providers.NewUsage(chatResp.PromptEvalCount, chatResp.EvalCount, 0),
		Metadata: map[string]string{
			"done_reason": chatResp.DoneReason,
		},
	}
	if !chatResp.CreatedAt.IsZero() {
		resp.Metadata["created_at"] = chatResp.CreatedAt.Format(time.RFC3339)
	}
	return resp
}

// chunkDecoder reads one JSON object per line until a frame with done=true
func (a *OllamaAdapter) chunkDecoder(body io.Reader, model string) providers.ChunkDecoder {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	finished := false

	return func() (*providers.QueryResponse, error) {
		if finished {
			return nil, io.EOF
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return nil, providers.NewProviderError(a.name, providers.CodeHTTPError, "stream read failed", 0, false, err)
			}
			// upstream closed without a done frame
			finished = true
			return &providers.QueryResponse{Model: model, Done: true, Metadata: map[string]string{}}, nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			return nil, nil
		}

		var frame ChatResponse
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			return nil, providers.NewProviderError(a.name, providers.CodeDecode, "invalid stream chunk", 0, false, err)
		}
		if frame.Error != "" {
			return nil, providers.NewProviderError(a.name, providers.CodeUpstream, frame.Error, 0, false, nil)
		}

		if frame.Done {
			finished = true
			chunk := a.convertResponse(&frame, model)
			chunk.Content = frame.Message.Content
			chunk.Done = true
			return chunk, nil
		}
		if frame.Message.Content == "" {
			return nil, nil
		}
		if frame.Model != "" {
			model = frame.Model
		}
		return &providers.QueryResponse{Content: frame.Message.Content, Model: model}, nil
	}
}

func decodeError(body []byte) (string, string) {
	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return "", strings.TrimSpace(string(body))
	}
	return "", errResp.Error
}

// Ollama API types

type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  *Options  `json:"options,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
}

type ChatResponse struct {
	Model           string    `json:"model"`
	CreatedAt       time.Time `json:"created_at"`
	Message         Message   `json:"message"`
	Done            bool      `json:"done"`
	DoneReason      string    `json:"done_reason"`
	PromptEvalCount int       `json:"prompt_eval_count"`
	EvalCount       int       `json:"eval_count"`
	Error           string    `json:"error"`
}

type TagsResponse struct {
	Models []ModelTag `json:"models"`
}

type ModelTag struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}
