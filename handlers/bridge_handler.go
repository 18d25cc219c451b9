package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/upb/llm-bridge/services"
	"github.com/upb/llm-bridge/services/providers"
	"github.com/upb/llm-bridge/services/routing"
	"github.com/upb/llm-bridge/utils"
	"go.uber.org/zap"
)

// maxBodyBytes bounds the size of a query body
const maxBodyBytes = 1 << 20

// Bridge is the subset of the routing bridge served over HTTP
type Bridge interface {
	Query(ctx context.Context, req *providers.QueryRequest) (*providers.QueryResponse, error)
	StreamQuery(ctx context.Context, req *providers.QueryRequest) (providers.Stream, error)
	TestAllConnections(ctx context.Context) map[string]routing.ConnectionStatus
	GetAllModels(ctx context.Context) map[string][]providers.ModelDescriptor
	GetAvailableProviders() []string
	GetStats() routing.Stats
}

// MessageBody is one conversation message in a query body
type MessageBody struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required"`
}

// QueryBody is the JSON body of POST /api/v1/query
type QueryBody struct {
	Provider    string            `json:"provider,omitempty" validate:"omitempty,max=64"`
	Prompt      string            `json:"prompt,omitempty" validate:"required_without=Messages"`
	Messages    []MessageBody     `json:"messages,omitempty" validate:"omitempty,min=1,dive"`
	Model       string            `json:"model,omitempty" validate:"omitempty,max=128"`
	Temperature float64           `json:"temperature,omitempty" validate:"gte=0,lte=2"`
	MaxTokens   int               `json:"max_tokens,omitempty" validate:"gte=0"`
	Stream      bool              `json:"stream,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// toRequest converts the body into a bridge request tagged with requestID
func (b *QueryBody) toRequest(requestID string) *providers.QueryRequest {
	req := &providers.QueryRequest{
		Provider:    b.Provider,
		Prompt:      b.Prompt,
		Model:       b.Model,
		Temperature: b.Temperature,
		MaxTokens:   b.MaxTokens,
		Stream:      b.Stream,
		Metadata:    make(map[string]string, len(b.Metadata)+1),
	}
	for _, m := range b.Messages {
		req.Messages = append(req.Messages, providers.Message{Role: m.Role, Content: m.Content})
	}
	for k, v := range b.Metadata {
		req.Metadata[k] = v
	}
	req.Metadata[routing.MetadataRequestID] = requestID
	return req
}

// BridgeHandler serves queries and bridge introspection
type BridgeHandler struct {
	bridge Bridge
	logger *zap.Logger
}

// NewBridgeHandler creates a new BridgeHandler
func NewBridgeHandler(bridge Bridge, logger *zap.Logger) *BridgeHandler {
	return &BridgeHandler{
		bridge: bridge,
		logger: logger,
	}
}

// HandleQuery handles POST /api/v1/query.
// With "stream": true the response is a text/event-stream of chunks
// terminated by a [DONE] event.
func (h *BridgeHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	var body QueryBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		h.logger.Debug("invalid query body", zap.Error(err))
		if err := utils.WriteBadRequest(w, "invalid JSON body", nil); err != nil {
			h.logger.Error("failed to write bad request response", zap.Error(err))
		}
		return
	}

	if err := utils.ValidateStruct(&body); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	requestID := middleware.GetReqID(r.Context())
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", requestID)
	req := body.toRequest(requestID)

	if req.Stream {
		h.streamQuery(w, r, req)
		return
	}

	resp, err := h.bridge.Query(r.Context(), req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, resp); err != nil {
		h.logger.Error("failed to write query response", zap.Error(err))
	}
}

func (h *BridgeHandler) streamQuery(w http.ResponseWriter, r *http.Request, req *providers.QueryRequest) {
	logger := h.logger.With(zap.String("request_id", req.Metadata[routing.MetadataRequestID]))

	sse, err := utils.NewSSEWriter(w)
	if err != nil {
		HandleServiceError(w, services.WrapInternal("streaming unsupported", err), logger)
		return
	}

	stream, err := h.bridge.StreamQuery(r.Context(), req)
	if err != nil {
		HandleServiceError(w, err, logger)
		return
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if err := sse.WriteDone(); err != nil {
				logger.Debug("failed to write stream terminator", zap.Error(err))
			}
			return
		}
		if err != nil {
			if r.Context().Err() != nil {
				logger.Debug("client went away during stream", zap.Error(err))
				return
			}
			de := services.ClassifyBridgeError(err)
			logger.Warn("stream failed", zap.Error(err))
			if err := sse.WriteEvent("error", utils.ErrorResponse{
				Error:   de.Code,
				Message: de.Message,
				Details: de.Details,
			}); err != nil {
				logger.Debug("failed to write stream error", zap.Error(err))
			}
			return
		}

		if err := sse.WriteData(chunk); err != nil {
			logger.Debug("failed to write stream chunk", zap.Error(err))
			return
		}
	}
}

// HandleProviders handles GET /api/v1/providers
func (h *BridgeHandler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	if err := utils.WriteOK(w, h.bridge.GetAvailableProviders()); err != nil {
		h.logger.Error("failed to write providers response", zap.Error(err))
	}
}

// HandleProviderHealth handles GET /api/v1/providers/health
func (h *BridgeHandler) HandleProviderHealth(w http.ResponseWriter, r *http.Request) {
	if err := utils.WriteOK(w, h.bridge.TestAllConnections(r.Context())); err != nil {
		h.logger.Error("failed to write provider health response", zap.Error(err))
	}
}

// HandleModels handles GET /api/v1/models
func (h *BridgeHandler) HandleModels(w http.ResponseWriter, r *http.Request) {
	if err := utils.WriteOK(w, h.bridge.GetAllModels(r.Context())); err != nil {
		h.logger.Error("failed to write models response", zap.Error(err))
	}
}

// HandleStats handles GET /api/v1/stats
func (h *BridgeHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if err := utils.WriteOK(w, h.bridge.GetStats()); err != nil {
		h.logger.Error("failed to write stats response", zap.Error(err))
	}
}
