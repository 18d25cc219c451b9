package handlers

import (
	"net/http"

	"github.com/upb/llm-bridge/services"
	"github.com/upb/llm-bridge/utils"
	"go.uber.org/zap"
)

// HandleServiceError maps bridge and domain errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	de := services.ClassifyBridgeError(err)
	status := statusFor(de)

	message := de.Message
	code := de.Code
	if services.IsInternalError(de) {
		// Log internal errors but return generic message
		logger.Error("internal server error", zap.Error(err))
		message = "An internal error occurred"
		code = "internal_error"
	} else {
		logger.Debug("handled service error",
			zap.String("type", string(de.Type)),
			zap.String("code", de.Code),
			zap.Error(err))
	}

	if err := utils.WriteError(w, status, code, message, services.GetErrorDetails(de)); err != nil {
		logger.Error("failed to write error response", zap.Error(err))
	}
}

func statusFor(err error) int {
	switch {
	case services.IsNotFoundError(err):
		return http.StatusNotFound
	case services.IsValidationError(err):
		return http.StatusBadRequest
	case services.IsExternalError(err):
		// Upstream rejected the request
		return http.StatusBadGateway
	case services.IsUnavailableError(err):
		return http.StatusServiceUnavailable
	case services.IsTimeoutError(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{})
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteBadRequest(w, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	// Generic validation error
	if err := utils.WriteBadRequest(w, err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}
