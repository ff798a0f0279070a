package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/syncq/internal/blob"
	"github.com/example/syncq/internal/state"
	"github.com/example/syncq/pkg/syncqapi"
	"github.com/example/syncq/worker/internal/executor"
)

type stubClassifier struct {
	label string
	err   error
	seen  []byte
}

func (s *stubClassifier) Classify(_ context.Context, p string) (executor.Classification, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return executor.Classification{}, err
	}
	s.seen = data
	if s.err != nil {
		return executor.Classification{}, s.err
	}
	return executor.Classification{Filename: filepath.Base(p), Label: s.label}, nil
}

type harness struct {
	transport *state.MemoryTransport
	store     *blob.MemoryStore
	rt        *Runtime
}

func newHarness(t *testing.T, c Classifier) *harness {
	t.Helper()
	tr := state.NewMemoryTransport()
	store := blob.NewMemoryStore()
	rt := New(tr, store, c, Options{
		RequestQueue:  "req",
		ResponseQueue: "resp",
		InputBucket:   "in",
		OutputBucket:  "out",
		ScratchDir:    t.TempDir(),
	}, logr.Discard())
	return &harness{transport: tr, store: store, rt: rt}
}

func (h *harness) enqueue(t *testing.T, body, id string) {
	t.Helper()
	attrs := map[string]string{}
	if id != "" {
		attrs[syncqapi.AttrRequestID] = id
	}
	_, err := h.transport.Send(context.Background(), "req", body, attrs)
	require.NoError(t, err)
}

func (h *harness) responses(t *testing.T) []state.Message {
	t.Helper()
	msgs, err := h.transport.Receive(context.Background(), "resp", state.ReceiveOptions{MaxMessages: 10, AttributeNames: []string{syncqapi.AttrRequestID}})
	require.NoError(t, err)
	return msgs
}

func workItem(t *testing.T, filename, id string) string {
	t.Helper()
	b, err := json.Marshal(syncqapi.WorkItem{Filename: filename, RequestID: id, Timestamp: 1})
	require.NoError(t, err)
	return string(b)
}

func TestPollClassifiesAndReplies(t *testing.T) {
	c := &stubClassifier{label: "tabby"}
	h := newHarness(t, c)
	ctx := context.Background()
	require.NoError(t, h.store.Put(ctx, "in", "u1_cat.jpg", []byte("pixels"), ""))
	h.enqueue(t, workItem(t, "u1_cat.jpg", "r1"), "r1")

	handled, err := h.rt.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, []byte("pixels"), c.seen)

	csv, err := h.store.Get(ctx, "out", "u1_cat.csv")
	require.NoError(t, err)
	assert.Equal(t, "u1_cat.jpg,tabby", string(csv))

	resp := h.responses(t)
	require.Len(t, resp, 1)
	assert.Equal(t, "r1", resp[0].Attributes[syncqapi.AttrRequestID])
	var body syncqapi.ResultBody
	require.NoError(t, json.Unmarshal([]byte(resp[0].Body), &body))
	assert.Equal(t, syncqapi.ResultBody{Result: "tabby"}, body)

	depth, err := h.transport.ApproximateDepth(ctx, "req")
	require.NoError(t, err)
	assert.Zero(t, depth)
	assert.Zero(t, h.transport.InFlight("req"))
}

func TestPollEmptyQueue(t *testing.T) {
	h := newHarness(t, &stubClassifier{label: "x"})
	handled, err := h.rt.Poll(context.Background())
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestMissingInputIsDroppedWithoutReply(t *testing.T) {
	h := newHarness(t, &stubClassifier{label: "x"})
	ctx := context.Background()
	h.enqueue(t, workItem(t, "gone.jpg", "r2"), "r2")

	_, err := h.rt.Poll(ctx)
	require.NoError(t, err)

	assert.Empty(t, h.responses(t), "the caller sees a timeout, never an error reply")
	depth, err := h.transport.ApproximateDepth(ctx, "req")
	require.NoError(t, err)
	assert.Zero(t, depth)
	assert.Zero(t, h.transport.InFlight("req"))
}

func TestClassifierFailureReleasesMessage(t *testing.T) {
	h := newHarness(t, &stubClassifier{err: errors.New("model crashed")})
	ctx := context.Background()
	require.NoError(t, h.store.Put(ctx, "in", "a.jpg", []byte("x"), ""))
	h.enqueue(t, workItem(t, "a.jpg", "r3"), "r3")

	_, err := h.rt.Poll(ctx)
	require.NoError(t, err)

	assert.Empty(t, h.responses(t))
	depth, err := h.transport.ApproximateDepth(ctx, "req")
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "message should be visible again")
}

func TestMalformedRequestIsDeleted(t *testing.T) {
	h := newHarness(t, &stubClassifier{label: "x"})
	ctx := context.Background()
	h.enqueue(t, "not json", "r4")
	h.enqueue(t, "{}", "")

	for i := 0; i < 2; i++ {
		_, err := h.rt.Poll(ctx)
		require.NoError(t, err)
	}

	depth, err := h.transport.ApproximateDepth(ctx, "req")
	require.NoError(t, err)
	assert.Zero(t, depth)
	assert.Zero(t, h.transport.InFlight("req"))

	assert.Empty(t, h.responses(t))
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, &stubClassifier{label: "x"})
	h.rt.opts.IdleSleep = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.rt.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestResultKey(t *testing.T) {
	assert.Equal(t, "u_cat.csv", ResultKey("u_cat.jpg"))
	assert.Equal(t, "noext.csv", ResultKey("noext"))
}
