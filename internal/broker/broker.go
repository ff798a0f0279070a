// Package broker turns queue-mediated work into a bounded synchronous wait.
// Submit records a pending request and enqueues it, the Correlator applies
// results from the response queue, the Waiter polls the registry for a
// terminal state and the Sweeper reaps old terminal records.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/example/syncq/internal/observability"
	"github.com/example/syncq/internal/state"
	"github.com/example/syncq/pkg/syncqapi"
)

type Options struct {
	RequestQueue  string
	ResponseQueue string

	// ReceiveMax and ReceiveWait shape each long-poll on the response queue.
	// A non-positive ReceiveWait falls back to 20s; the Correlator never
	// short-polls.
	ReceiveMax  int
	ReceiveWait time.Duration
	// TransportBackoff is the pause after a failed receive or delete.
	TransportBackoff time.Duration

	// PollInterval paces AwaitResult.
	PollInterval time.Duration
	// RequestTimeout is the absolute age after which a pending record is
	// moved to timeout.
	RequestTimeout time.Duration

	// Retention is how long a terminal record is kept after FinishedAt.
	Retention     time.Duration
	SweepInterval time.Duration

	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.RequestQueue == "" {
		o.RequestQueue = "request-queue"
	}
	if o.ResponseQueue == "" {
		o.ResponseQueue = "response-queue"
	}
	if o.ReceiveMax <= 0 {
		o.ReceiveMax = 10
	}
	if o.ReceiveWait <= 0 {
		o.ReceiveWait = 20 * time.Second
	}
	if o.TransportBackoff <= 0 {
		o.TransportBackoff = 5 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 360 * time.Second
	}
	if o.Retention < 0 {
		o.Retention = 0
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 300 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Broker struct {
	registry  *state.Registry
	transport state.Transport
	opts      Options
	log       logr.Logger

	correlator *Correlator
	waiter     *Waiter
	sweeper    *Sweeper
}

func New(registry *state.Registry, transport state.Transport, opts Options, log logr.Logger) *Broker {
	opts = opts.withDefaults()
	return &Broker{
		registry:   registry,
		transport:  transport,
		opts:       opts,
		log:        log,
		correlator: NewCorrelator(registry, transport, opts, log.WithName("correlator")),
		waiter:     NewWaiter(registry, opts, log.WithName("waiter")),
		sweeper:    NewSweeper(registry, opts, log.WithName("sweeper")),
	}
}

func (b *Broker) Registry() *state.Registry { return b.registry }

func (b *Broker) Correlator() *Correlator { return b.correlator }

func (b *Broker) Sweeper() *Sweeper { return b.sweeper }

// Submit records a pending request and sends item to the request queue with
// the new id in both the body and the request_id attribute. The record is
// written before the send so a fast result always finds it; a failed send
// removes it again.
func (b *Broker) Submit(ctx context.Context, item syncqapi.WorkItem) (string, error) {
	ctx, span := observability.StartSpan(ctx, "broker.submit")
	defer span.End()

	id := uuid.NewString()
	now := b.opts.Now()
	item.RequestID = id
	item.Timestamp = float64(now.UnixNano()) / float64(time.Second)
	body, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("encode work item: %w", err)
	}

	b.registry.Put(state.RequestRecord{
		ID:          id,
		Status:      state.StatusPending,
		Filename:    item.Filename,
		SubmittedAt: now,
	})
	if _, err := b.transport.Send(ctx, b.opts.RequestQueue, string(body), map[string]string{
		syncqapi.AttrRequestID: id,
	}); err != nil {
		b.registry.Delete(id)
		return "", &TransportError{Op: "send", Queue: b.opts.RequestQueue, Err: err}
	}
	observability.RecordSubmitted()
	observability.SetRegistryRecords(b.registry.Len())
	b.log.V(observability.VERBOSE).Info("Request submitted", "requestID", id, "filename", item.Filename)
	return id, nil
}

// AwaitResult waits up to maxWait for id to reach a terminal state. See
// Waiter.Await.
func (b *Broker) AwaitResult(ctx context.Context, id string, maxWait time.Duration) (Outcome, error) {
	return b.waiter.Await(ctx, id, maxWait)
}

// Run drives the Correlator and the Sweeper until ctx is done.
func (b *Broker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.correlator.Run(ctx) })
	g.Go(func() error { return b.sweeper.Run(ctx) })
	return g.Wait()
}

// sleep waits for d or until ctx is done, reporting whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
