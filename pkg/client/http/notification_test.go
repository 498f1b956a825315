package httpclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gofrs/uuid"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/docflow-backend/pkg/notification"
	"github.com/instill-ai/docflow-backend/pkg/types"
)

func TestNotificationClient_Send(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	uid := uuid.Must(uuid.NewV4())

	ev, err := notification.NewProgressEvent(types.TaskKindParse, uid, 25)
	c.Assert(err, qt.IsNil)

	c.Run("ok - event is posted as json", func(c *qt.C) {
		var got notification.Event
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c.Check(r.Method, qt.Equals, http.MethodPost)
			c.Check(r.Header.Get("Content-Type"), qt.Equals, "application/json")
			b, _ := io.ReadAll(r.Body)
			c.Check(json.Unmarshal(b, &got), qt.IsNil)
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		err := NewNotificationClient(ctx).Send(ctx, srv.URL, ev)
		c.Assert(err, qt.IsNil)
		c.Check(got.Type, qt.Equals, notification.EventTypeParseProgress)

		_, payload, err := notification.Decode(mustMarshal(c, got))
		c.Assert(err, qt.IsNil)
		c.Check(payload, qt.DeepEquals, &notification.Progress{EntityID: uid, Percent: 25})
	})

	c.Run("nok - rejected event isn't retried", func(c *qt.C) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, `{"code":400,"message":"bad"}`, http.StatusBadRequest)
		}))
		defer srv.Close()

		err := NewNotificationClient(ctx).Send(ctx, srv.URL, ev)
		c.Check(err, qt.ErrorMatches, ".*rejected ParseProgress event: 400.*")
		c.Check(calls.Load(), qt.Equals, int32(1))
	})

	c.Run("ok - server errors are retried", func(c *qt.C) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		err := NewNotificationClient(ctx).Send(ctx, srv.URL, ev)
		c.Check(err, qt.IsNil)
		c.Check(calls.Load(), qt.Equals, int32(2))
	})
}

func mustMarshal(c *qt.C, v any) []byte {
	b, err := json.Marshal(v)
	c.Assert(err, qt.IsNil)
	return b
}
