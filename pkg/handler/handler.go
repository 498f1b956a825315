package handler

import (
	"fmt"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/zap"

	"github.com/instill-ai/docflow-backend/pkg/constant"
	"github.com/instill-ai/docflow-backend/pkg/middleware"
	"github.com/instill-ai/docflow-backend/pkg/service"
)

// Handler exposes the service over HTTP.
type Handler struct {
	service       service.Service
	ws            http.Handler
	log           *zap.Logger
	maxUploadSize int64
}

// NewHandler returns an initialized handler. ws serves the websocket
// upgrade of the live clients.
func NewHandler(s service.Service, ws http.Handler, log *zap.Logger, maxUploadSize int64) *Handler {
	if maxUploadSize <= 0 {
		maxUploadSize = constant.DefaultMaxUploadSize
	}
	return &Handler{
		service:       s,
		ws:            ws,
		log:           log,
		maxUploadSize: maxUploadSize,
	}
}

type route struct {
	method  string
	pattern string
	handler runtime.HandlerFunc
}

func (h *Handler) routes() []route {
	return []route{
		{http.MethodGet, "/v1alpha/health", h.Health},

		// Notification channel and live clients.
		{http.MethodPost, "/v1alpha/notify", h.Notify},
		{http.MethodGet, "/v1alpha/ws", h.ServeWS},

		{http.MethodPost, "/v1alpha/files", h.CreateFile},
		{http.MethodGet, "/v1alpha/files", h.ListFiles},
		{http.MethodGet, "/v1alpha/files/{file_uid}", h.GetFile},
		{http.MethodDelete, "/v1alpha/files/{file_uid}", h.DeleteFile},
		{http.MethodPut, "/v1alpha/files/{file_uid}/text", h.ReviseParsedText},
		{http.MethodPost, "/v1alpha/files/{file_uid}/parse", h.ParseFile},
		{http.MethodPost, "/v1alpha/files/{file_uid}/index", h.IndexFile},
		{http.MethodPost, "/v1alpha/files/batch-parse", h.BatchParseFiles},
		{http.MethodPost, "/v1alpha/files/batch-index", h.BatchIndexFiles},
		{http.MethodPost, "/v1alpha/files/{file_uid}/clear-claim", h.ClearClaim},

		{http.MethodPost, "/v1alpha/collections/{collection}/reset", h.ResetCollection},
		{http.MethodPost, "/v1alpha/collections/{collection}/search", h.SearchChunks},
	}
}

// Register adds the HTTP routes to the gateway mux.
func (h *Handler) Register(mux *runtime.ServeMux) error {
	for _, r := range h.routes() {
		if err := mux.HandlePath(r.method, r.pattern, middleware.HTTPLogger(h.log, r.handler)); err != nil {
			return fmt.Errorf("registering %s %s: %w", r.method, r.pattern, err)
		}
	}
	return nil
}

// Health reports the server is up.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "SERVING"})
}
