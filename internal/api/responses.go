package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/OrigemSolution/sharePlan/internal/domain"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON is a helper for writing JSON responses.
func (h *SlotHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, data)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeErrorBody writes the {"error":{"code","message"}} envelope.
func writeErrorBody(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

// writeServiceError maps a service failure onto an HTTP status.
func (h *SlotHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	typed, ok := domain.AsError(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Printf("level=warn component=api endpoint=%s outcome=timeout err=%v", endpoint, err)
			writeErrorBody(w, http.StatusServiceUnavailable, "timeout", "request timed out, please retry")
			return
		}
		log.Printf("level=error component=api endpoint=%s outcome=failed err=%v", endpoint, err)
		writeErrorBody(w, http.StatusInternalServerError, "internal_error", "Internal server error")
		return
	}

	status := statusForKind(typed.Kind)
	if status >= http.StatusInternalServerError {
		log.Printf("level=warn component=api endpoint=%s outcome=failed reason=%s err=%v", endpoint, typed.Reason, err)
	}
	if typed.RetryAfter > 0 && (typed.Kind == domain.KindBusy || typed.Kind == domain.KindRateLimited) {
		w.Header().Set("Retry-After", strconv.Itoa(typed.RetryAfter))
	}
	writeErrorBody(w, status, typed.Reason, typed.Message)
}

func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusUnprocessableEntity
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusBadRequest
	case domain.KindAuthorization:
		return http.StatusForbidden
	case domain.KindProvider:
		return http.StatusBadGateway
	case domain.KindSignature:
		return http.StatusUnauthorized
	case domain.KindBusy:
		return http.StatusServiceUnavailable
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
