package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/services/normalizer"
	"github.com/upb/llm-gateway/utils"
)

// ErrorBody is the wire form of every error response
type ErrorBody struct {
	Error *normalizer.GatewayError `json:"error"`
}

// HandleServiceError normalizes err and writes it as the error envelope.
// Errors already normalized by the gateway pass through unchanged.
func HandleServiceError(w http.ResponseWriter, err error, norm *normalizer.Normalizer, requestID string, logger *zap.Logger) {
	if err == nil {
		return
	}

	gwErr := norm.NormalizeError(err, requestID)
	if gwErr.RequestID == "" {
		gwErr.RequestID = requestID
	}

	if gwErr.Status >= http.StatusInternalServerError {
		logger.Debug("writing server error response",
			zap.String("request_id", requestID),
			zap.String("code", gwErr.Code),
			zap.Int("status", gwErr.Status))
	}

	if err := utils.WriteJSON(w, gwErr.Status, ErrorBody{Error: gwErr}); err != nil {
		logger.Error("failed to write error response", zap.Error(err))
	}
}
