package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/syncq/internal/observability"
)

const memoryBackend = "memory"

type memoryInflight struct {
	msg       memoryMessage
	visibleAt time.Time
}

type memoryMessage struct {
	id    string
	body  string
	attrs map[string]string
}

type memoryQueue struct {
	items    []memoryMessage
	inflight map[string]memoryInflight
	// signal is closed and replaced whenever a message becomes visible.
	signal chan struct{}
}

// MemoryTransport is an in-process Transport. Queues are created on first
// use; leases expire lazily on Receive and ApproximateDepth.
type MemoryTransport struct {
	mu                sync.Mutex
	queues            map[string]*memoryQueue
	counter           uint64
	visibilityTimeout time.Duration
	now               func() time.Time
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		queues:            make(map[string]*memoryQueue),
		visibilityTimeout: defaultVisibilityTimeout,
		now:               time.Now,
	}
}

func (t *MemoryTransport) queue(name string) *memoryQueue {
	q, ok := t.queues[name]
	if !ok {
		q = &memoryQueue{
			items:    make([]memoryMessage, 0, 128),
			inflight: make(map[string]memoryInflight),
			signal:   make(chan struct{}),
		}
		t.queues[name] = q
	}
	return q
}

func (q *memoryQueue) notify() {
	close(q.signal)
	q.signal = make(chan struct{})
}

func (t *MemoryTransport) Send(_ context.Context, queue, body string, attrs map[string]string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.queue(queue)
	msg := memoryMessage{id: uuid.NewString(), body: body, attrs: filterAttributes(attrs, nil)}
	q.items = append(q.items, msg)
	q.notify()
	return msg.id, nil
}

func (t *MemoryTransport) Receive(ctx context.Context, queue string, opts ReceiveOptions) ([]Message, error) {
	max := opts.MaxMessages
	if max <= 0 {
		max = 1
	}
	visibility := opts.VisibilityTimeout
	if visibility <= 0 {
		visibility = t.visibilityTimeout
	}
	var deadline <-chan time.Time
	if opts.Wait > 0 {
		timer := time.NewTimer(opts.Wait)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		out, signal, nextExpiry := t.claim(queue, max, visibility, opts.AttributeNames)
		if len(out) > 0 || deadline == nil {
			return out, nil
		}
		var expiry <-chan time.Time
		if !nextExpiry.IsZero() {
			expiry = time.After(nextExpiry.Sub(t.now()))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-signal:
		case <-expiry:
		}
	}
}

// claim leases up to max visible messages. With nothing visible it returns
// the queue signal and the earliest lease expiry so the caller can wait.
func (t *MemoryTransport) claim(queue string, max int, visibility time.Duration, names []string) ([]Message, <-chan struct{}, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.queue(queue)
	now := t.now()
	t.requeueExpired(queue, q, now)
	if len(q.items) == 0 {
		var next time.Time
		for _, inflight := range q.inflight {
			if next.IsZero() || inflight.visibleAt.Before(next) {
				next = inflight.visibleAt
			}
		}
		return nil, q.signal, next
	}
	if max > len(q.items) {
		max = len(q.items)
	}
	out := make([]Message, 0, max)
	for i := 0; i < max; i++ {
		msg := q.items[0]
		q.items = q.items[1:]
		t.counter++
		receipt := fmt.Sprintf("mem:%s:%d", queue, t.counter)
		q.inflight[receipt] = memoryInflight{msg: msg, visibleAt: now.Add(visibility)}
		out = append(out, Message{
			ID:         msg.id,
			Body:       msg.body,
			Attributes: filterAttributes(msg.attrs, names),
			Receipt:    receipt,
		})
	}
	observability.RecordQueueReceived(memoryBackend, queue, len(out))
	return out, q.signal, time.Time{}
}

func (t *MemoryTransport) requeueExpired(name string, q *memoryQueue, now time.Time) {
	moved := 0
	for receipt, inflight := range q.inflight {
		if inflight.visibleAt.After(now) {
			continue
		}
		q.items = append(q.items, inflight.msg)
		delete(q.inflight, receipt)
		moved++
	}
	observability.RecordQueueRequeued(memoryBackend, name, moved)
}

// DeleteBatch removes leased messages. Unknown receipts, such as leases that
// already expired and were handed out again, are ignored.
func (t *MemoryTransport) DeleteBatch(_ context.Context, queue string, receipts []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.queue(queue)
	deleted := 0
	for _, r := range receipts {
		if _, ok := q.inflight[r]; ok {
			delete(q.inflight, r)
			deleted++
		}
	}
	observability.RecordQueueDeleted(memoryBackend, queue, deleted)
	return nil
}

func (t *MemoryTransport) ChangeVisibility(_ context.Context, queue, receipt string, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.queue(queue)
	inflight, ok := q.inflight[receipt]
	if !ok {
		return fmt.Errorf("receipt %s is not in flight on %s", receipt, queue)
	}
	if timeout <= 0 {
		delete(q.inflight, receipt)
		q.items = append(q.items, inflight.msg)
		q.notify()
		return nil
	}
	inflight.visibleAt = t.now().Add(timeout)
	q.inflight[receipt] = inflight
	return nil
}

// ApproximateDepth returns the number of visible messages.
func (t *MemoryTransport) ApproximateDepth(_ context.Context, queue string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.queue(queue)
	t.requeueExpired(queue, q, t.now())
	return len(q.items), nil
}

// InFlight returns the number of leased, undeleted messages.
func (t *MemoryTransport) InFlight(queue string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue(queue).inflight)
}
