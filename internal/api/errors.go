package api

import (
	"errors"
	"fmt"
	"net/http"

	"offerwatch/internal/filter"
	"offerwatch/internal/ingest"
	"offerwatch/internal/model"
	"offerwatch/internal/quota"
	"offerwatch/internal/service"
	"offerwatch/internal/storage"
)

// APIError is the error body of every failed request.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Error codes.
const (
	ErrCodeInvalidJSON      = "INVALID_JSON"
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeInvalidFilter    = "INVALID_FILTER"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeQuotaOverlap     = "QUOTA_OVERLAP"
	ErrCodeURLQuotaExceeded = "URL_QUOTA_EXCEEDED"
	ErrCodeTargetHasOffers  = "TARGET_HAS_OFFERS"
	ErrCodeChatNotLinked    = "CHAT_NOT_LINKED"
	ErrCodeUnauthenticated  = "UNAUTHENTICATED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeInternal         = "INTERNAL"
)

func newAPIError(status int, code, msg string) *APIError {
	return &APIError{Status: status, Code: code, Message: msg}
}

// toAPIError maps application errors to HTTP responses. Unknown errors
// become a 500 without detail.
func toAPIError(err error) *APIError {
	switch {
	case errors.Is(err, model.ErrTargetDoesNotExist),
		errors.Is(err, model.ErrScrapingURLDoesNotExist),
		errors.Is(err, model.ErrNotificationConfigDoesNotExist),
		errors.Is(err, storage.ErrNotFound):
		return newAPIError(http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, filter.ErrInvalidConfiguration):
		return newAPIError(http.StatusBadRequest, ErrCodeInvalidFilter, err.Error())
	case errors.Is(err, ingest.ErrInvalidBatch),
		errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, quota.ErrInvalidPeriod):
		return newAPIError(http.StatusBadRequest, ErrCodeInvalidInput, err.Error())
	case errors.Is(err, model.ErrURLQuotaExceeded):
		return newAPIError(http.StatusBadRequest, ErrCodeURLQuotaExceeded, err.Error())
	case errors.Is(err, quota.ErrQuotaOverlap):
		return newAPIError(http.StatusConflict, ErrCodeQuotaOverlap, err.Error())
	case errors.Is(err, storage.ErrTargetHasOffers):
		return newAPIError(http.StatusConflict, ErrCodeTargetHasOffers, err.Error())
	case errors.Is(err, model.ErrChatNotLinked):
		return newAPIError(http.StatusForbidden, ErrCodeChatNotLinked, err.Error())
	default:
		return newAPIError(http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}

func writeError(w http.ResponseWriter, e *APIError) {
	writeJSON(w, e.Status, e)
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	e := toAPIError(err)
	if e.Status >= http.StatusInternalServerError {
		s.log.Error("request failed", "request_id", requestID(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeError(w, e)
}
