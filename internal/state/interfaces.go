package state

import (
	"context"
	"time"
)

// Message is one leased queue message. Receipt is the lease handle accepted
// by DeleteBatch and ChangeVisibility.
type Message struct {
	ID         string
	Body       string
	Attributes map[string]string
	Receipt    string
}

type ReceiveOptions struct {
	MaxMessages int
	// Wait bounds how long Receive blocks for the first message.
	Wait time.Duration
	// VisibilityTimeout overrides the queue default lease length when > 0.
	VisibilityTimeout time.Duration
	// AttributeNames limits which message attributes are returned. Empty or
	// "All" returns every attribute.
	AttributeNames []string
}

// Transport is an at-least-once queue with visibility-timeout leases.
type Transport interface {
	Send(ctx context.Context, queue, body string, attrs map[string]string) (string, error)
	Receive(ctx context.Context, queue string, opts ReceiveOptions) ([]Message, error)
	DeleteBatch(ctx context.Context, queue string, receipts []string) error
	ChangeVisibility(ctx context.Context, queue, receipt string, timeout time.Duration) error
	ApproximateDepth(ctx context.Context, queue string) (int, error)
}

const defaultVisibilityTimeout = 30 * time.Second

func filterAttributes(attrs map[string]string, names []string) map[string]string {
	out := make(map[string]string, len(attrs))
	if len(names) == 0 {
		for k, v := range attrs {
			out[k] = v
		}
		return out
	}
	for _, n := range names {
		if n == "All" || n == ".*" {
			return filterAttributes(attrs, nil)
		}
		if v, ok := attrs[n]; ok {
			out[n] = v
		}
	}
	return out
}
