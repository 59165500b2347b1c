package api

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/merdocx/veil-xray/pkg/errors"
)

// Response is the standard envelope for every API answer.
type Response[T any] struct {
	Success bool       `json:"success"`
	Data    T          `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo carries machine-readable error details.
type ErrorInfo struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a successful JSON response.
func WriteSuccess[T any](w http.ResponseWriter, data T) error {
	return WriteJSON(w, http.StatusOK, Response[T]{
		Success: true,
		Data:    data,
	})
}

// WriteCreated writes a 201 response with the created resource.
func WriteCreated[T any](w http.ResponseWriter, data T) error {
	return WriteJSON(w, http.StatusCreated, Response[T]{
		Success: true,
		Data:    data,
	})
}

// WriteError writes a plain error response.
func WriteError(w http.ResponseWriter, statusCode int, code, message, requestID string) {
	_ = WriteJSON(w, statusCode, Response[any]{
		Success: false,
		Error: &ErrorInfo{
			Code:      code,
			Message:   message,
			RequestID: requestID,
		},
	})
}

// WriteErrorResponse is the centralized error handler: it logs the
// error and translates DomainErrors into the right HTTP responses.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	logger := GetLogger(ctx)
	requestID := GetRequestID(ctx)

	logger.ErrorCtx(ctx, "API request failed", err)

	statusCode := http.StatusInternalServerError
	errorCode := apperrors.ErrCodeInternal
	message := "An internal server error occurred"
	metadata := make(map[string]any)

	var domainErr apperrors.DomainError
	if errors.As(err, &domainErr) {
		errorCode = domainErr.Code()
		metadata = domainErr.Metadata()
		statusCode, message = mapErrorCodeToHTTP(domainErr)
	}

	_ = WriteJSON(w, statusCode, Response[any]{
		Success: false,
		Error: &ErrorInfo{
			Code:      errorCode,
			Message:   message,
			RequestID: requestID,
			Metadata:  metadata,
		},
	})
}

// mapErrorCodeToHTTP maps domain error codes to HTTP status codes and
// user-facing messages.
func mapErrorCodeToHTTP(err apperrors.DomainError) (int, string) {
	switch err.Code() {
	case apperrors.ErrCodeKeyNotFound:
		return http.StatusNotFound, "Key not found"

	case apperrors.ErrCodeKeyConflict:
		return http.StatusConflict, "Key already exists"

	case apperrors.ErrCodeConfigInvalid, apperrors.ErrCodeInboundMissing,
		apperrors.ErrCodeConfigTestFailed:
		return http.StatusUnprocessableEntity, "Configuration rejected: " + err.Error()

	case apperrors.ErrCodeProvisionFailed, apperrors.ErrCodeConfigSaveFailed,
		apperrors.ErrCodeConfigUnreadable:
		return http.StatusServiceUnavailable, "Provisioning temporarily unavailable. Please try again."

	case apperrors.ErrCodeQueueStopped:
		return http.StatusServiceUnavailable, "Service is shutting down"

	case apperrors.ErrCodeWaitTimeout:
		return http.StatusAccepted, "Change accepted and queued"

	default:
		return http.StatusInternalServerError, "An internal server error occurred"
	}
}
