package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/docflow-backend/internal/ai"
	"github.com/instill-ai/docflow-backend/pkg/broadcast"
	"github.com/instill-ai/docflow-backend/pkg/mock"
	"github.com/instill-ai/docflow-backend/pkg/repository"
	"github.com/instill-ai/docflow-backend/pkg/service"
	"github.com/instill-ai/docflow-backend/pkg/types"
)

type testServer struct {
	srv   *httptest.Server
	hub   *broadcast.Hub
	queue *mock.TaskQueue
	repo  repository.Repository
}

func newTestServer(c *qt.C) *testServer {
	ts := &testServer{
		hub:   broadcast.NewHub(64, zap.NewNop()),
		queue: &mock.TaskQueue{},
	}
	ts.repo = repository.NewRepository(mock.NewDB(c), mock.NewVectorDatabase(), mock.NewObjectStorage(), nil)

	embedder := func(context.Context) (ai.Embedder, error) { return &mock.Embedder{Dim: 4}, nil }
	svc := service.NewService(ts.repo, ts.queue, ts.hub, embedder, service.Config{
		Bucket:      "docflow-blob",
		CallbackURL: "http://api:8080/v1alpha/notify",
	})

	mux := runtime.NewServeMux()
	h := NewHandler(svc, http.HandlerFunc(ts.hub.ServeWS), zap.NewNop(), 0)
	c.Assert(h.Register(mux), qt.IsNil)

	ts.srv = httptest.NewServer(mux)
	c.Cleanup(func() {
		ts.srv.Close()
		ts.hub.Close()
	})
	return ts
}

func (ts *testServer) do(c *qt.C, method, path string, body io.Reader, contentType string) (int, []byte) {
	req, err := http.NewRequest(method, ts.srv.URL+path, body)
	c.Assert(err, qt.IsNil)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := http.DefaultClient.Do(req)
	c.Assert(err, qt.IsNil)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	c.Assert(err, qt.IsNil)
	return resp.StatusCode, b
}

func (ts *testServer) doJSON(c *qt.C, method, path, body string) (int, []byte) {
	return ts.do(c, method, path, strings.NewReader(body), "application/json")
}

func (ts *testServer) upload(c *qt.C, name, collection, content string) repository.FileModel {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	c.Assert(mw.WriteField("collection", collection), qt.IsNil)

	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", "text/plain")
	part, err := mw.CreatePart(h)
	c.Assert(err, qt.IsNil)
	_, err = part.Write([]byte(content))
	c.Assert(err, qt.IsNil)
	c.Assert(mw.Close(), qt.IsNil)

	code, b := ts.do(c, http.MethodPost, "/v1alpha/files", &buf, mw.FormDataContentType())
	c.Assert(code, qt.Equals, http.StatusCreated, qt.Commentf("%s", b))

	var f repository.FileModel
	c.Assert(json.Unmarshal(b, &f), qt.IsNil)
	return f
}

func decodeError(c *qt.C, b []byte) errorBody {
	var e errorBody
	c.Assert(json.Unmarshal(b, &e), qt.IsNil, qt.Commentf("%s", b))
	return e
}

func TestFiles(t *testing.T) {
	c := qt.New(t)
	ts := newTestServer(c)

	f := ts.upload(c, "notes.txt", "handbook", "one\ftwo")
	c.Check(f.Name, qt.Equals, "notes.txt")
	c.Check(f.Status, qt.Equals, types.FileStatusUploaded)
	c.Check(f.ParseProgress, qt.Equals, float64(types.ProgressNotStarted))

	c.Run("get", func(c *qt.C) {
		code, b := ts.do(c, http.MethodGet, "/v1alpha/files/"+f.UID.String(), nil, "")
		c.Assert(code, qt.Equals, http.StatusOK)

		var got repository.FileModel
		c.Assert(json.Unmarshal(b, &got), qt.IsNil)
		c.Check(got.UID, qt.Equals, f.UID)
	})

	c.Run("list", func(c *qt.C) {
		code, b := ts.do(c, http.MethodGet, "/v1alpha/files?collection=handbook", nil, "")
		c.Assert(code, qt.Equals, http.StatusOK)

		var got listFilesResponse
		c.Assert(json.Unmarshal(b, &got), qt.IsNil)
		c.Check(got.Files, qt.HasLen, 1)

		_, b = ts.do(c, http.MethodGet, "/v1alpha/files?collection=other", nil, "")
		c.Check(string(b), qt.Equals, `{"files":[]}`+"\n")
	})

	c.Run("nok - unknown file", func(c *qt.C) {
		code, b := ts.do(c, http.MethodGet, "/v1alpha/files/"+"6f1f0c4e-5b6a-4a55-9f2e-9d1f7a6b2c3d", nil, "")
		c.Check(code, qt.Equals, http.StatusNotFound)
		c.Check(decodeError(c, b).Code, qt.Equals, http.StatusNotFound)
	})

	c.Run("nok - invalid UID", func(c *qt.C) {
		code, b := ts.do(c, http.MethodGet, "/v1alpha/files/not-a-uid", nil, "")
		c.Check(code, qt.Equals, http.StatusBadRequest)
		c.Check(decodeError(c, b).Message, qt.Equals, "Invalid file UID.")
	})

	c.Run("nok - upload without file", func(c *qt.C) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		c.Assert(mw.WriteField("collection", "handbook"), qt.IsNil)
		c.Assert(mw.Close(), qt.IsNil)

		code, _ := ts.do(c, http.MethodPost, "/v1alpha/files", &buf, mw.FormDataContentType())
		c.Check(code, qt.Equals, http.StatusBadRequest)
	})

	c.Run("delete", func(c *qt.C) {
		g := ts.upload(c, "other.txt", "handbook", "x")
		code, _ := ts.do(c, http.MethodDelete, "/v1alpha/files/"+g.UID.String(), nil, "")
		c.Check(code, qt.Equals, http.StatusNoContent)

		code, _ = ts.do(c, http.MethodGet, "/v1alpha/files/"+g.UID.String(), nil, "")
		c.Check(code, qt.Equals, http.StatusNotFound)
	})
}

func TestDispatch(t *testing.T) {
	c := qt.New(t)
	ts := newTestServer(c)

	f := ts.upload(c, "notes.txt", "handbook", "one")
	path := "/v1alpha/files/" + f.UID.String()

	c.Run("nok - index before parse", func(c *qt.C) {
		code, b := ts.do(c, http.MethodPost, path+"/index", nil, "")
		c.Check(code, qt.Equals, http.StatusPreconditionFailed)
		c.Check(decodeError(c, b).Message, qt.Equals, "A file with status uploaded can't be submitted for index.")
	})

	c.Run("ok - parse", func(c *qt.C) {
		code, b := ts.do(c, http.MethodPost, path+"/parse", nil, "")
		c.Assert(code, qt.Equals, http.StatusAccepted)

		var got jobResponse
		c.Assert(json.Unmarshal(b, &got), qt.IsNil)
		c.Check(strings.HasPrefix(got.JobID, "parse-file-"), qt.IsTrue)
		c.Check(ts.queue.Jobs(), qt.HasLen, 1)
	})

	c.Run("nok - already claimed", func(c *qt.C) {
		code, b := ts.do(c, http.MethodPost, path+"/parse", nil, "")
		c.Check(code, qt.Equals, http.StatusConflict)
		c.Check(decodeError(c, b).Message, qt.Equals, "The file is already being processed.")
		c.Check(ts.queue.Jobs(), qt.HasLen, 1)
	})

	c.Run("nok - delete while claimed", func(c *qt.C) {
		code, _ := ts.do(c, http.MethodDelete, path, nil, "")
		c.Check(code, qt.Equals, http.StatusPreconditionFailed)
	})

	c.Run("nok - clear claim of another job", func(c *qt.C) {
		code, b := ts.do(c, http.MethodPost, path+"/clear-claim?job_id=parse-file-stale", nil, "")
		c.Check(code, qt.Equals, http.StatusPreconditionFailed)
		c.Check(decodeError(c, b).Message, qt.Equals, "The file is claimed by a different job.")
	})

	c.Run("ok - clear claim", func(c *qt.C) {
		jobs := ts.queue.Jobs()
		c.Assert(jobs, qt.HasLen, 1)
		code, b := ts.do(c, http.MethodPost, path+"/clear-claim?job_id="+jobs[0].ID, nil, "")
		c.Assert(code, qt.Equals, http.StatusOK)

		var got repository.FileModel
		c.Assert(json.Unmarshal(b, &got), qt.IsNil)
		c.Check(got.Status, qt.Equals, types.FileStatusParseFailed)
		c.Check(got.ClaimedTaskID, qt.IsNil)
	})
}

func TestDispatchBatch(t *testing.T) {
	c := qt.New(t)
	ts := newTestServer(c)

	a := ts.upload(c, "a.txt", "handbook", "a")
	b := ts.upload(c, "b.txt", "handbook", "b")

	code, _ := ts.do(c, http.MethodPost, "/v1alpha/files/"+b.UID.String()+"/parse", nil, "")
	c.Assert(code, qt.Equals, http.StatusAccepted)

	body := fmt.Sprintf(`{"file_uids":[%q,%q]}`, a.UID, b.UID)
	code, raw := ts.doJSON(c, http.MethodPost, "/v1alpha/files/batch-parse", body)
	c.Assert(code, qt.Equals, http.StatusOK)

	var got batchResponse
	c.Assert(json.Unmarshal(raw, &got), qt.IsNil)
	c.Assert(got.Results, qt.HasLen, 2)
	c.Check(got.Results[0].Error, qt.IsNil)
	c.Check(got.Results[0].JobID, qt.Not(qt.Equals), "")
	c.Assert(got.Results[1].Error, qt.IsNotNil)
	c.Check(got.Results[1].Error.Code, qt.Equals, http.StatusConflict)

	c.Run("nok - empty batch", func(c *qt.C) {
		code, _ := ts.doJSON(c, http.MethodPost, "/v1alpha/files/batch-index", `{"file_uids":[]}`)
		c.Check(code, qt.Equals, http.StatusBadRequest)
	})

	c.Run("nok - malformed body", func(c *qt.C) {
		code, b := ts.doJSON(c, http.MethodPost, "/v1alpha/files/batch-index", `{"file_uids":`)
		c.Check(code, qt.Equals, http.StatusBadRequest)
		c.Check(decodeError(c, b).Message, qt.Equals, "The request body must be valid JSON.")
	})
}

func TestNotify(t *testing.T) {
	c := qt.New(t)
	ts := newTestServer(c)

	f := ts.upload(c, "notes.txt", "handbook", "one")
	code, _ := ts.do(c, http.MethodPost, "/v1alpha/files/"+f.UID.String()+"/parse", nil, "")
	c.Assert(code, qt.Equals, http.StatusAccepted)

	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/v1alpha/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	c.Assert(err, qt.IsNil)
	defer conn.Close()
	require.Eventually(t, func() bool { return ts.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	c.Run("ok - progress is applied and broadcast verbatim", func(c *qt.C) {
		ev := fmt.Sprintf(`{"type":"parse_progress","data":{"entity_id":%q,"percent":40}}`, f.UID)
		code, _ := ts.doJSON(c, http.MethodPost, "/v1alpha/notify", ev)
		c.Assert(code, qt.Equals, http.StatusOK)

		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		c.Assert(err, qt.IsNil)
		c.Check(string(msg), qt.Equals, ev)

		got, err := ts.repo.GetFile(context.Background(), f.UID)
		c.Assert(err, qt.IsNil)
		c.Check(got.ParseProgress, qt.Equals, float64(40))
	})

	c.Run("ok - unknown entity is still accepted", func(c *qt.C) {
		ev := `{"type":"ParseProgress","data":{"entity_id":"6f1f0c4e-5b6a-4a55-9f2e-9d1f7a6b2c3d","percent":10}}`
		code, _ := ts.doJSON(c, http.MethodPost, "/v1alpha/notify", ev)
		c.Check(code, qt.Equals, http.StatusOK)

		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		c.Assert(err, qt.IsNil)
		c.Check(string(msg), qt.Equals, ev)
	})

	c.Run("nok - malformed event", func(c *qt.C) {
		code, b := ts.doJSON(c, http.MethodPost, "/v1alpha/notify", `{"type":`)
		c.Check(code, qt.Equals, http.StatusBadRequest)
		c.Check(decodeError(c, b).Message, qt.Equals, "Malformed notification event.")
	})
}

func TestCollections(t *testing.T) {
	c := qt.New(t)
	ts := newTestServer(c)

	c.Run("ok - reset", func(c *qt.C) {
		code, b := ts.do(c, http.MethodPost, "/v1alpha/collections/handbook/reset", nil, "")
		c.Assert(code, qt.Equals, http.StatusAccepted)

		var got jobResponse
		c.Assert(json.Unmarshal(b, &got), qt.IsNil)
		c.Check(strings.HasPrefix(got.JobID, "reset-index-"), qt.IsTrue)
	})

	c.Run("ok - search in an empty collection", func(c *qt.C) {
		code, b := ts.doJSON(c, http.MethodPost, "/v1alpha/collections/handbook/search", `{"query":"leave policy"}`)
		c.Assert(code, qt.Equals, http.StatusOK)
		c.Check(string(b), qt.Equals, `{"chunks":[]}`+"\n")
	})

	c.Run("nok - empty query", func(c *qt.C) {
		code, _ := ts.doJSON(c, http.MethodPost, "/v1alpha/collections/handbook/search", `{"query":""}`)
		c.Check(code, qt.Equals, http.StatusBadRequest)
	})
}

func TestHTTPStatus(t *testing.T) {
	c := qt.New(t)

	c.Check(toErrorBody(fmt.Errorf("boom")), qt.DeepEquals, errorBody{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	})
	c.Check(httpStatus(fmt.Errorf("waiting: %w", context.DeadlineExceeded)), qt.Equals, http.StatusGatewayTimeout)
}
