package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/syncq/internal/blob"
	"github.com/example/syncq/internal/broker"
	"github.com/example/syncq/internal/observability"
	"github.com/example/syncq/internal/state"
	"github.com/example/syncq/pkg/syncqapi"
)

type fixture struct {
	broker    *broker.Broker
	transport *state.MemoryTransport
	store     *blob.MemoryStore
	server    *Server
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	transport := state.NewMemoryTransport()
	b := broker.New(state.NewRegistry(), transport, broker.Options{
		RequestQueue:   "request-queue",
		ResponseQueue:  "response-queue",
		ReceiveWait:    20 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		RequestTimeout: time.Minute,
		Retention:      time.Minute,
	}, logr.Discard())
	store := blob.NewMemoryStore()
	if opts.InputBucket == "" {
		opts.InputBucket = "in"
	}
	if opts.OutputBucket == "" {
		opts.OutputBucket = "out"
	}
	return &fixture{broker: b, transport: transport, store: store, server: NewServer(b, store, opts, observability.NewTestLogger())}
}

func uploadRequest(t *testing.T, target, field, filename string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeStatus(t *testing.T, w *httptest.ResponseRecorder) syncqapi.StatusResponse {
	t.Helper()
	var out syncqapi.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestClassifyStoresUploadAndEnqueuesWorkItem(t *testing.T) {
	f := newFixture(t, Options{})
	w := serve(f.server, uploadRequest(t, "/classify?timeout=0", uploadField, "cat.jpg", []byte("img")))

	require.Equal(t, http.StatusAccepted, w.Code)
	st := decodeStatus(t, w)
	assert.Equal(t, syncqapi.StatusPending, st.Status)
	assert.Equal(t, msgNotReady, st.Message)
	assert.Equal(t, st.RequestID, w.Header().Get(headerRequestID))

	msgs, err := f.transport.Receive(context.Background(), "request-queue", state.ReceiveOptions{MaxMessages: 1})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, st.RequestID, msgs[0].Attributes[syncqapi.AttrRequestID])

	var item syncqapi.WorkItem
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Body), &item))
	assert.True(t, strings.HasSuffix(item.Filename, "_cat.jpg"), item.Filename)
	data, err := f.store.Get(context.Background(), "in", item.Filename)
	require.NoError(t, err)
	assert.Equal(t, []byte("img"), data)
}

func TestClassifyRejectsMissingFile(t *testing.T) {
	f := newFixture(t, Options{})

	w := serve(f.server, uploadRequest(t, "/classify", "other", "cat.jpg", []byte("img")))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(f.server, uploadRequest(t, "/classify", uploadField, "", []byte("img")))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(f.server, httptest.NewRequest(http.MethodGet, "/classify", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestClassifyReturnsResultWhenWorkerAnswersInTime(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.broker.Run(ctx) }()

	// Stand-in worker: answer the first request that appears.
	go func() {
		for ctx.Err() == nil {
			msgs, err := f.transport.Receive(ctx, "request-queue", state.ReceiveOptions{MaxMessages: 1, Wait: 50 * time.Millisecond})
			if err != nil || len(msgs) == 0 {
				continue
			}
			body, _ := json.Marshal(syncqapi.ResultBody{Result: "tabby"})
			_, _ = f.transport.Send(ctx, "response-queue", string(body), map[string]string{
				syncqapi.AttrRequestID: msgs[0].Attributes[syncqapi.AttrRequestID],
			})
			return
		}
	}()

	w := serve(f.server, uploadRequest(t, "/classify?timeout=5", uploadField, "cat.jpg", []byte("img")))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tabby", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	assert.NotEmpty(t, w.Header().Get(headerRequestID))
}

func TestStatusMapping(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	w := serve(f.server, httptest.NewRequest(http.MethodGet, "/status/nope?timeout=0", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	st := decodeStatus(t, w)
	assert.Equal(t, syncqapi.StatusNotFound, st.Status)
	assert.Equal(t, msgNotFound, st.Message)

	id, err := f.broker.Submit(ctx, syncqapi.WorkItem{Filename: "a.jpg"})
	require.NoError(t, err)
	w = serve(f.server, httptest.NewRequest(http.MethodGet, "/status/"+id+"?timeout=0", nil))
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, syncqapi.StatusPending, decodeStatus(t, w).Status)

	_, err = f.broker.Registry().UpdateMerge(id, state.RecordPatch{Status: state.StatusTimedOut, From: []state.Status{state.StatusPending}})
	require.NoError(t, err)
	w = serve(f.server, httptest.NewRequest(http.MethodGet, "/status/"+id, nil))
	require.Equal(t, http.StatusAccepted, w.Code)
	st = decodeStatus(t, w)
	assert.Equal(t, syncqapi.StatusTimedOut, st.Status)
	assert.Equal(t, msgTimedOut, st.Message)

	for _, bad := range []string{"abc", "-1", "NaN", "Inf", "-Inf"} {
		w = serve(f.server, httptest.NewRequest(http.MethodGet, "/status/"+id+"?timeout="+bad, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, "timeout=%s", bad)
	}
}

func TestWaitParamIsCapped(t *testing.T) {
	s := &Server{opts: Options{DefaultWait: 20 * time.Second}}
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{"", 20 * time.Second},
		{"0", 0},
		{"1.5", 1500 * time.Millisecond},
		{"3600", maxWaitParam},
		{"1e300", maxWaitParam},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/status/x?timeout="+tt.raw, nil)
		got, err := s.waitParam(r)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}

func TestResultLooksUpCSVKey(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.store.Put(context.Background(), "out", "abc_cat.csv", []byte("abc_cat.jpg,tabby\n"), "text/csv"))

	w := serve(f.server, httptest.NewRequest(http.MethodGet, "/result/abc_cat.jpg", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var res syncqapi.ResultResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "abc_cat.jpg,tabby", res.Result)

	w = serve(f.server, httptest.NewRequest(http.MethodGet, "/result/missing.jpg", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, msgNotReady, res.Message)
}

func TestResultKeys(t *testing.T) {
	assert.Equal(t, []string{"a.jpg", "a.csv"}, ResultKeys("a.jpg"))
	assert.Equal(t, []string{"a.csv"}, ResultKeys("a.csv"))
	assert.Equal(t, []string{"noext", "noext.csv"}, ResultKeys("noext"))
}

func TestSubmitRateLimit(t *testing.T) {
	f := newFixture(t, Options{SubmitRatePerSecond: 0.001, SubmitBurst: 1})

	w := serve(f.server, uploadRequest(t, "/classify?timeout=0", uploadField, "a.jpg", []byte("x")))
	require.Equal(t, http.StatusAccepted, w.Code)
	w = serve(f.server, uploadRequest(t, "/classify?timeout=0", uploadField, "b.jpg", []byte("x")))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestSubmitLimiterNilAllows(t *testing.T) {
	l := newSubmitLimiter(0, 0)
	assert.Nil(t, l)
	assert.True(t, l.allow(time.Now()))
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, Options{})
	w := serve(f.server, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(f.server, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestClientRoundTrip(t *testing.T) {
	f := newFixture(t, Options{})
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()
	c := NewClient(ts.URL + "/")
	ctx := context.Background()

	reply, err := c.Classify(ctx, "/tmp/dog.png", strings.NewReader("img"), 0)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, reply.StatusCode)
	require.NotEmpty(t, reply.RequestID)
	assert.False(t, reply.Completed())

	_, err = f.broker.Registry().UpdateMerge(reply.RequestID, state.RecordPatch{Status: state.StatusCompleted, Result: "beagle", From: []state.Status{state.StatusPending}})
	require.NoError(t, err)
	reply, err = c.Status(ctx, reply.RequestID, 0)
	require.NoError(t, err)
	assert.True(t, reply.Completed())
	assert.Equal(t, "beagle", reply.Body)

	_, found, err := c.Result(ctx, "dog.png")
	require.NoError(t, err)
	assert.False(t, found)
}
