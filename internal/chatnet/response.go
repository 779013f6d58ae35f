package chatnet

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/tripchat/realtime/internal/observability"
	"go.uber.org/zap"
)

func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		observability.GetLogger(context.Background()).Error("failed to encode response", zap.Error(err))
	}
}

func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Error: code, Message: message})
}

func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := StatusFor(err)
	if status >= 500 {
		observability.GetLogger(r.Context()).Error("internal_error", zap.Error(err))
		WriteError(w, status, code, "an unexpected error occurred")
		return
	}
	WriteError(w, status, code, err.Error())
}
