package broker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-logr/logr"

	"github.com/example/syncq/internal/observability"
	"github.com/example/syncq/internal/state"
	"github.com/example/syncq/pkg/syncqapi"
)

// Message outcomes reported by Correlator.Apply.
const (
	OutcomeApplied   = "applied"
	OutcomeLate      = "late"
	OutcomeMalformed = "malformed"
	OutcomeUnknown   = "unknown"
	OutcomePoison    = "poison"
)

// Correlator drains the response queue into the registry. Every received
// message is deleted after it is handled, whatever the outcome; redelivery
// after a failed delete is harmless because completion merges are
// idempotent.
type Correlator struct {
	registry  *state.Registry
	transport state.Transport
	opts      Options
	log       logr.Logger
}

func NewCorrelator(registry *state.Registry, transport state.Transport, opts Options, log logr.Logger) *Correlator {
	return &Correlator{registry: registry, transport: transport, opts: opts.withDefaults(), log: log}
}

// Run repeats Cycle until ctx is done, sleeping TransportBackoff after a
// failed cycle.
func (c *Correlator) Run(ctx context.Context) error {
	c.log.Info("Correlator started", "queue", c.opts.ResponseQueue)
	for ctx.Err() == nil {
		if err := c.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			observability.RecordTransportError("correlator")
			c.log.Error(err, "Correlator cycle failed, backing off", "backoff", c.opts.TransportBackoff)
			sleep(ctx, c.opts.TransportBackoff)
		}
	}
	c.log.Info("Correlator stopped")
	return nil
}

// Cycle performs one receive, apply and batch delete pass.
func (c *Correlator) Cycle(ctx context.Context) error {
	msgs, err := c.transport.Receive(ctx, c.opts.ResponseQueue, state.ReceiveOptions{
		MaxMessages:    c.opts.ReceiveMax,
		Wait:           c.opts.ReceiveWait,
		AttributeNames: []string{syncqapi.AttrRequestID},
	})
	if err != nil {
		return &TransportError{Op: "receive", Queue: c.opts.ResponseQueue, Err: err}
	}
	if len(msgs) == 0 {
		return nil
	}

	receipts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		outcome, err := c.Apply(m)
		observability.RecordCorrelatorMessage(outcome)
		switch {
		case errors.Is(err, ErrMalformedMessage):
			c.log.Info("Discarding malformed result message", "messageID", m.ID, "reason", err.Error())
		case errors.Is(err, ErrUnknownRequest):
			c.log.V(observability.VERBOSE).Info("Discarding result for unknown request",
				"messageID", m.ID, "requestID", m.Attributes[syncqapi.AttrRequestID])
		}
		receipts = append(receipts, m.Receipt)
	}

	if err := c.transport.DeleteBatch(ctx, c.opts.ResponseQueue, receipts); err != nil {
		observability.RecordCorrelatorDeleteFailure()
		return &TransportError{Op: "delete", Queue: c.opts.ResponseQueue, Err: err}
	}
	observability.SetRegistryRecords(c.registry.Len())
	return nil
}

// Apply correlates one result message with its record. The returned error
// is ErrMalformedMessage or ErrUnknownRequest for discarded messages and
// nil otherwise; the outcome string names what happened.
func (c *Correlator) Apply(m state.Message) (string, error) {
	id := strings.TrimSpace(m.Attributes[syncqapi.AttrRequestID])
	if id == "" {
		return OutcomeMalformed, ErrMalformedMessage
	}
	if _, ok := c.registry.Get(id); !ok {
		return OutcomeUnknown, ErrUnknownRequest
	}

	var body syncqapi.ResultBody
	if err := json.Unmarshal([]byte(m.Body), &body); err != nil {
		return OutcomePoison, errors.Join(ErrMalformedMessage, err)
	}
	if body.Result == "" {
		return OutcomePoison, errors.Join(ErrMalformedMessage, errors.New("result body has no result"))
	}

	rec, err := c.registry.UpdateMerge(id, state.RecordPatch{
		Status:     state.StatusCompleted,
		Result:     body.Result,
		FinishedAt: c.opts.Now(),
		From:       []state.Status{state.StatusPending, state.StatusCompleted},
	})
	switch {
	case errors.Is(err, state.ErrRecordNotFound):
		return OutcomeUnknown, ErrUnknownRequest
	case errors.Is(err, state.ErrPreconditionFailed):
		c.log.V(observability.VERBOSE).Info("Result arrived after terminal transition",
			"requestID", id, "status", rec.Status)
		return OutcomeLate, nil
	case err != nil:
		return OutcomePoison, err
	}
	observability.RecordCompleted()
	c.log.V(observability.DEBUG).Info("Result applied", "requestID", id)
	return OutcomeApplied, nil
}
