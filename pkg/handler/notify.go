package handler

import (
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	errorsx "github.com/instill-ai/x/errors"

	"github.com/instill-ai/docflow-backend/pkg/constant"
)

// maxEventSize bounds the body of a worker event.
const maxEventSize = constant.MB

// Notify receives the events posted by the workers. Once the event is
// decoded, the answer is 200 even if it couldn't be applied: a retry
// wouldn't fix it.
func (h *Handler) Notify(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	defer r.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventSize))
	if err != nil {
		h.log.Warn("Failed to read notification body", zap.Error(err))
		h.writeError(w, errorsx.AddMessage(
			fmt.Errorf("reading event: %w: %w", errorsx.ErrInvalidArgument, err),
			"The event couldn't be read.",
		))
		return
	}

	if err := h.service.ApplyNotification(r.Context(), body); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ServeWS upgrades the connection of a live client.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	h.ws.ServeHTTP(w, r)
}
