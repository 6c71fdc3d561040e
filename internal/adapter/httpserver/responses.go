package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/codeclash/exec-engine/internal/domain"
)

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to wire codes and HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "UNKNOWN_ERROR"
	message := err.Error()

	var verr *domain.ValidationError
	var rle *domain.RateLimitError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
		code = verr.Code
		message = verr.Msg
		if verr.Code == domain.CodeCodeTooLarge {
			status = http.StatusRequestEntityTooLarge
		}
	case errors.As(err, &rle):
		status = http.StatusTooManyRequests
		code = "RATE_LIMIT_EXCEEDED"
		secs := int64(rle.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	case errors.Is(err, domain.ErrRateLimited):
		status = http.StatusTooManyRequests
		code = "RATE_LIMIT_EXCEEDED"
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
		code = domain.CodeInvalidTypes
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		code = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
		code = "CONFLICT"
	case errors.Is(err, domain.ErrOverloaded):
		status = http.StatusServiceUnavailable
		code = "OVERLOADED"
	case errors.Is(err, domain.ErrStorage):
		code = "STORAGE_ERROR"
	case errors.Is(err, domain.ErrDatabase):
		code = "DATABASE_ERROR"
	case errors.Is(err, domain.ErrQueueUnavailable):
		status = http.StatusServiceUnavailable
		code = "QUEUE_UNAVAILABLE"
	}
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}
