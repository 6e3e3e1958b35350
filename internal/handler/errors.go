package handler

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/devrev/metastore/internal/errors"
	"github.com/devrev/metastore/internal/middleware"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// HTTPStatus maps an error to the HTTP status returned for it, via the gRPC
// code of the error.
func HTTPStatus(err error) int {
	switch status.Code(err) {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// handleError writes err as an ErrorResponse. Internal details of server
// errors are logged, not returned.
func (h *Handlers) handleError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.GetCode(err)
	statusCode := HTTPStatus(err)
	requestID := middleware.RequestIDFromContext(r.Context())

	message := err.Error()
	var me *errors.MetadataError
	if stderrors.As(err, &me) {
		message = me.Message
	}
	if statusCode == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("request_id", requestID),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		message = "internal server error"
	}

	writeJSON(w, statusCode, ErrorResponse{
		Status:    "error",
		ErrorCode: code.String(),
		Message:   message,
		RequestID: requestID,
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}
