package broker

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"

	"github.com/example/syncq/internal/observability"
	"github.com/example/syncq/internal/state"
)

type OutcomeKind string

const (
	Completed    OutcomeKind = "completed"
	StillPending OutcomeKind = "pending"
	TimedOut     OutcomeKind = "timeout"
)

// Outcome is the result of a bounded wait. Result is set only for Completed.
type Outcome struct {
	Kind   OutcomeKind
	Result string
	Record state.RequestRecord
}

// Waiter polls the registry on behalf of callers blocked on a request.
type Waiter struct {
	registry *state.Registry
	opts     Options
	log      logr.Logger
}

func NewWaiter(registry *state.Registry, opts Options, log logr.Logger) *Waiter {
	return &Waiter{registry: registry, opts: opts.withDefaults(), log: log}
}

// Await polls id every PollInterval until it leaves pending, maxWait passes
// or ctx is done. A record still pending past RequestTimeout is moved to
// timeout with a conditional merge, so among concurrent waiters exactly one
// performs the transition and all of them report it.
//
// maxWait is a wall-clock budget for this call and is measured with the
// process clock. Record age is measured with Options.Now, the clock that
// stamped SubmittedAt; an injected clock therefore moves the absolute
// timeout without stretching or shrinking the caller's wait.
func (w *Waiter) Await(ctx context.Context, id string, maxWait time.Duration) (Outcome, error) {
	start := time.Now()
	rec, ok := w.registry.Get(id)
	if !ok {
		observability.RecordAwait("not_found", time.Since(start))
		return Outcome{}, ErrNotFound
	}

	deadline := start.Add(maxWait)
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for rec.Status == state.StatusPending && !w.expired(rec) && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			break
		}
		if rec, ok = w.registry.Get(id); !ok {
			observability.RecordAwait("not_found", time.Since(start))
			return Outcome{}, ErrNotFound
		}
	}

	if rec.Status == state.StatusPending && w.expired(rec) {
		var err error
		rec, err = w.registry.UpdateMerge(id, state.RecordPatch{
			Status:     state.StatusTimedOut,
			FinishedAt: w.opts.Now(),
			From:       []state.Status{state.StatusPending},
		})
		switch {
		case errors.Is(err, state.ErrRecordNotFound):
			observability.RecordAwait("not_found", time.Since(start))
			return Outcome{}, ErrNotFound
		case err == nil:
			observability.RecordTimedOut()
			w.log.Info("Request timed out", "requestID", id, "age", w.opts.Now().Sub(rec.SubmittedAt))
		}
		// ErrPreconditionFailed leaves rec holding the state that won.
	}

	out := classify(rec)
	observability.RecordAwait(string(out.Kind), time.Since(start))
	return out, nil
}

func (w *Waiter) expired(rec state.RequestRecord) bool {
	return w.opts.Now().Sub(rec.SubmittedAt) >= w.opts.RequestTimeout
}

func classify(rec state.RequestRecord) Outcome {
	out := Outcome{Record: rec}
	switch rec.Status {
	case state.StatusCompleted:
		out.Kind = Completed
		out.Result = rec.Result
	case state.StatusTimedOut:
		out.Kind = TimedOut
	default:
		out.Kind = StillPending
	}
	return out
}
