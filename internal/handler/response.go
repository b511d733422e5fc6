package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/bountyfunding/bountyfunding/internal/apperr"
)

// errorResponse общий формат ответа с ошибкой.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeMessage(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, messageResponse{Message: message})
}

// statusForKind сопоставляет вид ошибки с кодом HTTP-ответа.
func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindInvalidRequest,
		apperr.KindAlreadyConfirmed,
		apperr.KindNotApproved,
		apperr.KindUnknownGateway,
		apperr.KindInvalidProof:
		return http.StatusBadRequest
	case apperr.KindAdapterUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError отвечает клиенту ошибкой. Внутренние ошибки логируются, клиент получает общее сообщение.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(r.Context().Err(), context.DeadlineExceeded) {
		h.logger.Warn("request timed out", zap.String("uri", r.RequestURI), zap.Error(err))
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: "request timed out", Code: "TIMEOUT"})
		return
	}

	kind := apperr.KindOf(err)
	status := statusForKind(kind)

	switch kind {
	case apperr.KindInternal:
		h.logger.Error("request failed", zap.String("uri", r.RequestURI), zap.Error(err))
	case apperr.KindAdapterUnavailable:
		h.logger.Warn("external service unavailable", zap.String("uri", r.RequestURI), zap.Error(err))
	}

	writeJSON(w, status, errorResponse{Error: apperr.Message(err), Code: kind.String()})
}
