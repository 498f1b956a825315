package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	errorsx "github.com/instill-ai/x/errors"

	domainerrors "github.com/instill-ai/docflow-backend/pkg/errors"
)

// errorBody is the payload of a failed request.
type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// httpStatus maps the domain errors to an HTTP status code.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, domainerrors.ErrAlreadyClaimed):
		return http.StatusConflict
	case errors.Is(err, domainerrors.ErrInvalidTransition),
		errors.Is(err, domainerrors.ErrClaimed):
		return http.StatusPreconditionFailed
	case errors.Is(err, errorsx.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errorsx.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func toErrorBody(err error) errorBody {
	code := httpStatus(err)
	msg := errorsx.Message(err)
	if msg == "" {
		if code == http.StatusInternalServerError {
			msg = http.StatusText(code)
		} else {
			msg = err.Error()
		}
	}
	return errorBody{Code: code, Message: msg}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	body := toErrorBody(err)
	if body.Code >= http.StatusInternalServerError {
		h.log.Error("Request failed", zap.Error(err))
	}
	h.writeJSON(w, body.Code, body)
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Couldn't write response", zap.Error(err))
	}
}
