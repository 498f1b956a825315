package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gofrs/uuid"

	errorsx "github.com/instill-ai/x/errors"

	"github.com/instill-ai/docflow-backend/pkg/constant"
	"github.com/instill-ai/docflow-backend/pkg/repository"
	"github.com/instill-ai/docflow-backend/pkg/service"
	"github.com/instill-ai/docflow-backend/pkg/types"
)

// maxJSONBodySize bounds the JSON request bodies.
const maxJSONBodySize = 8 * constant.MB

type listFilesResponse struct {
	Files []repository.FileModel `json:"files"`
}

type jobResponse struct {
	JobID types.JobIDType `json:"job_id"`
}

type reviseTextRequest struct {
	Pages []string `json:"pages"`
}

type batchRequest struct {
	FileUIDs []string `json:"file_uids"`
}

type batchResult struct {
	FileUID types.FileUIDType `json:"file_uid"`
	JobID   types.JobIDType   `json:"job_id,omitempty"`
	Error   *errorBody        `json:"error,omitempty"`
}

type batchResponse struct {
	Results []batchResult `json:"results"`
}

// CreateFile uploads a file through a multipart form with the fields file,
// collection and an optional name.
func (h *Handler) CreateFile(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	if err := r.ParseMultipartForm(h.maxUploadSize); err != nil {
		h.writeError(w, invalidBody(err, "The upload must be a multipart form no larger than the size limit."))
		return
	}

	part, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, invalidBody(err, "The form must contain a file."))
		return
	}
	defer part.Close()

	content, err := io.ReadAll(part)
	if err != nil {
		h.writeError(w, invalidBody(err, "The file couldn't be read."))
		return
	}

	name := r.FormValue("name")
	if name == "" {
		name = header.Filename
	}

	f, err := h.service.CreateFile(r.Context(), service.CreateFileParam{
		Name:        name,
		Collection:  r.FormValue("collection"),
		ContentType: header.Header.Get("Content-Type"),
		Content:     content,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, f)
}

// ListFiles lists the files of the collection query parameter, or every
// file.
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	files, err := h.service.ListFiles(r.Context(), r.URL.Query().Get("collection"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if files == nil {
		files = []repository.FileModel{}
	}
	h.writeJSON(w, http.StatusOK, listFilesResponse{Files: files})
}

func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	uid, err := fileUIDParam(pathParams)
	if err != nil {
		h.writeError(w, err)
		return
	}

	f, err := h.service.GetFile(r.Context(), uid)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, f)
}

func (h *Handler) DeleteFile(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	uid, err := fileUIDParam(pathParams)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if err := h.service.DeleteFile(r.Context(), uid); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReviseParsedText replaces the extracted pages of a file.
func (h *Handler) ReviseParsedText(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	uid, err := fileUIDParam(pathParams)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req reviseTextRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	f, err := h.service.ReviseParsedText(r.Context(), uid, req.Pages)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, f)
}

func (h *Handler) ParseFile(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	h.dispatch(w, r, pathParams, types.TaskKindParse)
}

func (h *Handler) IndexFile(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	h.dispatch(w, r, pathParams, types.TaskKindIndex)
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, pathParams map[string]string, kind types.TaskKind) {
	uid, err := fileUIDParam(pathParams)
	if err != nil {
		h.writeError(w, err)
		return
	}

	jobID, err := h.service.Dispatch(r.Context(), uid, kind)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, jobResponse{JobID: jobID})
}

func (h *Handler) BatchParseFiles(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	h.dispatchBatch(w, r, types.TaskKindParse)
}

func (h *Handler) BatchIndexFiles(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	h.dispatchBatch(w, r, types.TaskKindIndex)
}

// dispatchBatch dispatches a job per file. A file failing to dispatch
// doesn't affect the rest; its error is reported in its result.
func (h *Handler) dispatchBatch(w http.ResponseWriter, r *http.Request, kind types.TaskKind) {
	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	switch {
	case len(req.FileUIDs) == 0:
		h.writeError(w, errorsx.AddMessage(
			fmt.Errorf("empty batch: %w", errorsx.ErrInvalidArgument),
			"At least one file is required.",
		))
		return
	case len(req.FileUIDs) > constant.MaxBatchSize:
		h.writeError(w, errorsx.AddMessage(
			fmt.Errorf("batch of %d files: %w", len(req.FileUIDs), errorsx.ErrInvalidArgument),
			fmt.Sprintf("The batch size can't exceed %d files.", constant.MaxBatchSize),
		))
		return
	}

	uids := make([]types.FileUIDType, len(req.FileUIDs))
	for i, s := range req.FileUIDs {
		uid, err := parseFileUID(s)
		if err != nil {
			h.writeError(w, err)
			return
		}
		uids[i] = uid
	}

	results := h.service.DispatchBatch(r.Context(), uids, kind)
	resp := batchResponse{Results: make([]batchResult, len(results))}
	for i, res := range results {
		resp.Results[i] = batchResult{FileUID: res.FileUID, JobID: res.JobID}
		if res.Err != nil {
			body := toErrorBody(res.Err)
			resp.Results[i].Error = &body
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ClearClaim force-releases the claim of a file whose job was lost. The
// optional job_id query parameter restricts the clear to that job's claim.
func (h *Handler) ClearClaim(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	uid, err := fileUIDParam(pathParams)
	if err != nil {
		h.writeError(w, err)
		return
	}

	f, err := h.service.ForceClearClaim(r.Context(), uid, r.URL.Query().Get("job_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, f)
}

func fileUIDParam(pathParams map[string]string) (types.FileUIDType, error) {
	return parseFileUID(pathParams["file_uid"])
}

func parseFileUID(s string) (types.FileUIDType, error) {
	uid, err := uuid.FromString(s)
	if err != nil {
		return uuid.Nil, errorsx.AddMessage(
			fmt.Errorf("parsing file UID %q: %w: %w", s, errorsx.ErrInvalidArgument, err),
			"Invalid file UID.",
		)
	}
	return uid, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodySize))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return invalidBody(err, "The request body is empty.")
		}
		return invalidBody(err, "The request body must be valid JSON.")
	}
	return nil
}

func invalidBody(err error, msg string) error {
	return errorsx.AddMessage(fmt.Errorf("%w: %w", errorsx.ErrInvalidArgument, err), msg)
}
