package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/jobsched/internal/scheduler"
)

// ErrorCode is a machine-readable error category.
type ErrorCode string

const (
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrConflict   ErrorCode = "CONFLICT"
	ErrClosed     ErrorCode = "UNAVAILABLE"
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
)

// APIError is the error half of the response envelope.
type APIError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details []string  `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Response is the envelope wrapping every API reply.
type Response struct {
	Status    string    `json:"status"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Error     *APIError `json:"error"`
}

// requestID generates a unique request identifier.
func requestID() string {
	return "req_" + uuid.New().String()[:8]
}

func respondOK(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusOK, reqID, data, nil)
}

func respondCreated(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusCreated, reqID, data, nil)
}

func respondError(w http.ResponseWriter, reqID string, status int, apiErr *APIError) {
	respondJSON(w, status, reqID, nil, apiErr)
}

func respondJSON(w http.ResponseWriter, status int, reqID string, data any, apiErr *APIError) {
	resp := Response{
		RequestID: reqID,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Error:     apiErr,
	}
	if apiErr != nil {
		resp.Status = "error"
	} else {
		resp.Status = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// toAPIError maps scheduler errors onto HTTP statuses.
func toAPIError(err error) (int, *APIError) {
	var ve *scheduler.ValidationError
	var te *scheduler.InvalidTransitionError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, &APIError{Code: ErrValidation, Message: "invalid job", Details: ve.Problems}
	case errors.Is(err, scheduler.ErrJobExists):
		return http.StatusConflict, &APIError{Code: ErrConflict, Message: err.Error()}
	case errors.Is(err, scheduler.ErrJobNotFound):
		return http.StatusNotFound, &APIError{Code: ErrNotFound, Message: err.Error()}
	case errors.Is(err, scheduler.ErrSchedulerClosed):
		return http.StatusServiceUnavailable, &APIError{Code: ErrClosed, Message: err.Error()}
	case errors.As(err, &te):
		return http.StatusInternalServerError, &APIError{Code: ErrInternal, Message: "internal error"}
	default:
		return http.StatusInternalServerError, &APIError{Code: ErrInternal, Message: err.Error()}
	}
}
