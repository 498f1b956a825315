package handler

import (
	"net/http"

	"github.com/instill-ai/docflow-backend/pkg/service"
	"github.com/instill-ai/docflow-backend/pkg/types"
)

type searchChunksRequest struct {
	Query    string   `json:"query"`
	TopK     uint32   `json:"top_k"`
	FileUIDs []string `json:"file_uids"`
}

type searchChunksResponse struct {
	Chunks []service.SimChunk `json:"chunks"`
}

// ResetCollection drops and recreates the vector index of a collection.
func (h *Handler) ResetCollection(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	jobID, err := h.service.ResetCollection(r.Context(), pathParams["collection"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, jobResponse{JobID: jobID})
}

func (h *Handler) SearchChunks(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	var req searchChunksRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	var uids []types.FileUIDType
	for _, s := range req.FileUIDs {
		uid, err := parseFileUID(s)
		if err != nil {
			h.writeError(w, err)
			return
		}
		uids = append(uids, uid)
	}

	chunks, err := h.service.SearchChunks(r.Context(), service.SearchChunksParam{
		Collection: pathParams["collection"],
		Query:      req.Query,
		TopK:       req.TopK,
		FileUIDs:   uids,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, searchChunksResponse{Chunks: chunks})
}
