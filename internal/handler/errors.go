package handler

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/hlog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-plt-workflow/internal/platform/errors"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

func httpStatus(code errors.Code) int {
	switch code {
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodePermissionDenied:
		return http.StatusForbidden
	case errors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case errors.ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func grpcCode(code errors.Code) codes.Code {
	switch code {
	case errors.ErrCodeInvalidInput:
		return codes.InvalidArgument
	case errors.ErrCodeNotFound:
		return codes.NotFound
	case errors.ErrCodePermissionDenied:
		return codes.PermissionDenied
	case errors.ErrCodeUnauthorized:
		return codes.Unauthenticated
	case errors.ErrCodeConflict:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

// writeError maps a coded error to a JSON response. Internal errors are
// logged and their detail is not echoed to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	body := errorBody{Error: err.Error(), Code: string(code)}
	var e *errors.Error
	if errors.As(err, &e) {
		body.Field = e.Field
	}
	if code == errors.ErrCodeInternal {
		hlog.FromRequest(r).Error().Err(err).Msg("Request failed")
		body.Error = "internal error"
	}
	writeJSON(w, httpStatus(code), body)
}

// mapErrorToGRPC converts a coded error to a gRPC status error.
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	code := errors.CodeOf(err)
	msg := err.Error()
	if code == errors.ErrCodeInternal {
		msg = "internal error"
	}
	return status.Error(grpcCode(code), msg)
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
