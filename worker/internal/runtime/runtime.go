// Package runtime is the worker loop: take one request off the request
// queue, classify its input and publish the answer on the response queue.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/syncq/internal/blob"
	"github.com/example/syncq/internal/observability"
	"github.com/example/syncq/internal/state"
	"github.com/example/syncq/pkg/syncqapi"
	"github.com/example/syncq/worker/internal/executor"
)

type Classifier interface {
	Classify(ctx context.Context, path string) (executor.Classification, error)
}

type Options struct {
	RequestQueue      string
	ResponseQueue     string
	InputBucket       string
	OutputBucket      string
	ReceiveWait       time.Duration
	VisibilityTimeout time.Duration
	IdleSleep         time.Duration
	ErrorSleep        time.Duration
	ScratchDir        string
}

// Result of handling one message, also used as the worker_tasks_total
// status label.
const (
	taskCompleted = "completed"
	taskMissing   = "missing_input"
	taskMalformed = "malformed"
	taskRetry     = "retry"
)

type Runtime struct {
	transport  state.Transport
	store      blob.Store
	classifier Classifier
	opts       Options
	log        logr.Logger
}

func New(transport state.Transport, store blob.Store, classifier Classifier, opts Options, log logr.Logger) *Runtime {
	if opts.ScratchDir == "" {
		opts.ScratchDir = os.TempDir()
	}
	return &Runtime{transport: transport, store: store, classifier: classifier, opts: opts, log: log}
}

// Run polls until ctx is done. It sleeps IdleSleep after an empty receive
// and ErrorSleep after a transport failure.
func (r *Runtime) Run(ctx context.Context) error {
	r.log.Info("Worker started", "queue", r.opts.RequestQueue)
	for ctx.Err() == nil {
		handled, err := r.Poll(ctx)
		switch {
		case ctx.Err() != nil:
		case err != nil:
			observability.RecordTransportError("worker")
			r.log.Error(err, "Queue error", "backoff", r.opts.ErrorSleep)
			sleep(ctx, r.opts.ErrorSleep)
		case !handled:
			sleep(ctx, r.opts.IdleSleep)
		}
	}
	r.log.Info("Worker stopped")
	return nil
}

// Poll receives at most one message and handles it. It reports whether a
// message was received.
func (r *Runtime) Poll(ctx context.Context) (bool, error) {
	msgs, err := r.transport.Receive(ctx, r.opts.RequestQueue, state.ReceiveOptions{
		MaxMessages:       1,
		Wait:              r.opts.ReceiveWait,
		VisibilityTimeout: r.opts.VisibilityTimeout,
		AttributeNames:    []string{syncqapi.AttrRequestID},
	})
	if err != nil {
		return false, err
	}
	for _, m := range msgs {
		status := r.handle(ctx, m)
		observability.RecordWorkerTask(status)
	}
	return len(msgs) > 0, nil
}

func (r *Runtime) handle(ctx context.Context, m state.Message) string {
	ctx, span := observability.StartSpan(ctx, "worker.handle", attribute.String("message.id", m.ID))
	defer span.End()

	var item syncqapi.WorkItem
	if err := json.Unmarshal([]byte(m.Body), &item); err != nil || item.Filename == "" {
		r.log.Info("Dropping malformed request", "messageID", m.ID, "error", err)
		r.deleteMessage(ctx, m)
		return taskMalformed
	}
	id := requestID(m, item)
	log := r.log.WithValues("requestID", id, "filename", item.Filename)
	span.SetAttributes(attribute.String("request.id", id))

	label, err := r.classify(ctx, item.Filename)
	if errors.Is(err, blob.ErrNotFound) {
		log.Info("Input not found, dropping request")
		r.deleteMessage(ctx, m)
		return taskMissing
	}
	if err != nil {
		log.Error(err, "Classification failed, releasing message")
		if err := r.transport.ChangeVisibility(ctx, r.opts.RequestQueue, m.Receipt, 0); err != nil {
			log.Error(err, "Releasing message failed")
		}
		return taskRetry
	}

	csv := executor.Classification{Filename: item.Filename, Label: label}.CSV()
	if err := r.store.Put(ctx, r.opts.OutputBucket, ResultKey(item.Filename), []byte(csv), "text/csv"); err != nil {
		log.Error(err, "Storing result failed, releasing message")
		if err := r.transport.ChangeVisibility(ctx, r.opts.RequestQueue, m.Receipt, 0); err != nil {
			log.Error(err, "Releasing message failed")
		}
		return taskRetry
	}
	if !r.reply(ctx, id, label) {
		return taskRetry
	}
	r.deleteMessage(ctx, m)
	log.V(observability.VERBOSE).Info("Request classified", "label", label)
	return taskCompleted
}

// classify downloads the input to a scratch file and runs the classifier
// on it.
func (r *Runtime) classify(ctx context.Context, filename string) (string, error) {
	data, err := r.store.Get(ctx, r.opts.InputBucket, filename)
	if err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp(r.opts.ScratchDir, "syncq-")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)
	p := filepath.Join(dir, path.Base(filename))
	if err := os.WriteFile(p, data, 0o600); err != nil {
		return "", fmt.Errorf("write scratch file: %w", err)
	}
	c, err := r.classifier.Classify(ctx, p)
	if err != nil {
		return "", err
	}
	return c.Label, nil
}

// reply publishes label as the result for id. Requests without an id cannot
// be answered; they count as replied so the request message is still removed.
func (r *Runtime) reply(ctx context.Context, id, label string) bool {
	if id == "" {
		return true
	}
	payload, err := json.Marshal(syncqapi.ResultBody{Result: label})
	if err != nil {
		r.log.Error(err, "Encoding reply failed", "requestID", id)
		return false
	}
	if _, err := r.transport.Send(ctx, r.opts.ResponseQueue, string(payload), map[string]string{syncqapi.AttrRequestID: id}); err != nil {
		r.log.Error(err, "Sending reply failed", "requestID", id)
		return false
	}
	return true
}

func (r *Runtime) deleteMessage(ctx context.Context, m state.Message) {
	if err := r.transport.DeleteBatch(ctx, r.opts.RequestQueue, []string{m.Receipt}); err != nil {
		r.log.Error(err, "Deleting request message failed", "messageID", m.ID)
	}
}

// requestID prefers the message attribute over the body field.
func requestID(m state.Message, item syncqapi.WorkItem) string {
	if id := m.Attributes[syncqapi.AttrRequestID]; id != "" {
		return id
	}
	return item.RequestID
}

// ResultKey is the output bucket key for a classified input file.
func ResultKey(filename string) string {
	return strings.TrimSuffix(filename, path.Ext(filename)) + ".csv"
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
