package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/upb/llm-bridge/repositories"
	"github.com/upb/llm-bridge/utils"
	"go.uber.org/zap"
)

// QueryLogHandler serves the persisted query log
type QueryLogHandler struct {
	repo   repositories.QueryLogRepository
	logger *zap.Logger
}

// NewQueryLogHandler creates a new QueryLogHandler
func NewQueryLogHandler(repo repositories.QueryLogRepository, logger *zap.Logger) *QueryLogHandler {
	return &QueryLogHandler{
		repo:   repo,
		logger: logger,
	}
}

// HandleList handles GET /api/v1/queries?limit=N
func (h *QueryLogHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			_ = utils.WriteBadRequest(w, "limit must be a non-negative integer", map[string]interface{}{"limit": raw})
			return
		}
		limit = n
	}

	logs, err := h.repo.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list query logs", zap.Error(err))
		_ = utils.WriteInternalServerError(w, "")
		return
	}

	if err := utils.WriteOK(w, logs); err != nil {
		h.logger.Error("failed to write query logs response", zap.Error(err))
	}
}

// HandleGet handles GET /api/v1/queries/{requestID}
func (h *QueryLogHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")

	log, err := h.repo.GetByRequestID(r.Context(), requestID)
	if errors.Is(err, repositories.ErrNotFound) {
		_ = utils.WriteNotFound(w, "query log not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get query log", zap.String("request_id", requestID), zap.Error(err))
		_ = utils.WriteInternalServerError(w, "")
		return
	}

	if err := utils.WriteOK(w, log); err != nil {
		h.logger.Error("failed to write query log response", zap.Error(err))
	}
}
