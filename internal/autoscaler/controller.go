// Package autoscaler sizes the worker fleet from the request queue backlog.
package autoscaler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-logr/logr"

	"github.com/example/syncq/internal/fleet"
	"github.com/example/syncq/internal/observability"
)

// Default controller values.
const (
	defaultMinInstances            = 0
	defaultMaxInstances            = 10
	defaultTargetMessagesPerWorker = 5
	defaultScaleDownThreshold      = 2
	defaultCooldown                = 120 * time.Second
	defaultPollInterval            = 10 * time.Second
	defaultManagedBy               = "syncq-autoscaler"
)

type Action string

const (
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
	ActionCooldown  Action = "cooldown"
	ActionNone      Action = "none"
)

// Decision describes what one reconcile cycle observed and did. Delta is the
// number of successful launches (positive) or terminations (negative).
type Decision struct {
	Action     Action
	QueueDepth int
	Running    int
	Desired    int
	Delta      int
	Reason     string
}

// DepthReader reports the approximate number of visible messages in a
// queue. state.Transport satisfies it.
type DepthReader interface {
	ApproximateDepth(ctx context.Context, queue string) (int, error)
}

// Option configures a Controller.
type Option func(*Controller)

func WithMinInstances(n int) Option {
	return func(c *Controller) { c.minInstances = n }
}

func WithMaxInstances(n int) Option {
	return func(c *Controller) { c.maxInstances = n }
}

// WithTargetMessagesPerWorker sets how many queued messages one worker is
// expected to absorb.
func WithTargetMessagesPerWorker(n int) Option {
	return func(c *Controller) { c.targetPerWorker = n }
}

// WithScaleDownThreshold sets the queue depth at or below which the fleet may
// shrink.
func WithScaleDownThreshold(n int) Option {
	return func(c *Controller) { c.scaleDownThreshold = n }
}

// WithCooldown sets the minimum time since the last scaling action before a
// scale-down. Scale-up is never delayed.
func WithCooldown(d time.Duration) Option {
	return func(c *Controller) { c.cooldown = d }
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) { c.pollInterval = d }
}

// WithManagedBy sets the ManagedBy tag used to launch and list workers.
func WithManagedBy(tag string) Option {
	return func(c *Controller) { c.managedBy = tag }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func WithLogger(log logr.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// Controller is the capacity control loop. It is not safe for concurrent
// Reconcile calls; one process runs one controller.
type Controller struct {
	depth       DepthReader
	queue       string
	provisioner fleet.Provisioner
	spec        fleet.LaunchSpec

	minInstances       int
	maxInstances       int
	targetPerWorker    int
	scaleDownThreshold int
	cooldown           time.Duration
	pollInterval       time.Duration
	managedBy          string
	now                func() time.Time
	log                logr.Logger

	lastScalingTime time.Time
}

func NewController(depth DepthReader, queue string, provisioner fleet.Provisioner, spec fleet.LaunchSpec, opts ...Option) *Controller {
	c := &Controller{
		depth:              depth,
		queue:              queue,
		provisioner:        provisioner,
		spec:               spec,
		minInstances:       defaultMinInstances,
		maxInstances:       defaultMaxInstances,
		targetPerWorker:    defaultTargetMessagesPerWorker,
		scaleDownThreshold: defaultScaleDownThreshold,
		cooldown:           defaultCooldown,
		pollInterval:       defaultPollInterval,
		managedBy:          defaultManagedBy,
		now:                time.Now,
		log:                logr.Discard(),
		lastScalingTime:    time.Unix(0, 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.targetPerWorker <= 0 {
		c.targetPerWorker = defaultTargetMessagesPerWorker
	}
	return c
}

// DesiredCount is ceil(depth/target) clamped to [min, max].
func DesiredCount(depth, target, min, max int) int {
	if depth < 0 {
		depth = 0
	}
	if target <= 0 {
		target = 1
	}
	n := (depth + target - 1) / target
	if n < min {
		n = min
	}
	if n > max {
		n = max
	}
	return n
}

// LastScalingTime returns when the last launch or termination succeeded.
func (c *Controller) LastScalingTime() time.Time { return c.lastScalingTime }

func (c *Controller) filter() map[string]string {
	return map[string]string{fleet.TagManagedBy: c.managedBy}
}

// Reconcile runs one cycle. On a provider error the cycle stops where it
// failed; the returned Decision counts only the actions that succeeded.
func (c *Controller) Reconcile(ctx context.Context) (Decision, error) {
	ctx, span := observability.StartSpan(ctx, "autoscaler.reconcile")
	defer span.End()

	depth, err := c.depth.ApproximateDepth(ctx, c.queue)
	if err != nil {
		return Decision{Action: ActionNone}, fmt.Errorf("read depth of %s: %w", c.queue, err)
	}
	running, err := c.provisioner.List(ctx, c.filter())
	if err != nil {
		return Decision{Action: ActionNone, QueueDepth: depth}, fmt.Errorf("list workers: %w", err)
	}
	now := c.now()
	desired := DesiredCount(depth, c.targetPerWorker, c.minInstances, c.maxInstances)
	d := Decision{Action: ActionNone, QueueDepth: depth, Running: len(running), Desired: desired}
	observability.RecordAutoscalerObservation(depth, len(running), desired)

	switch {
	case desired > len(running):
		d.Action = ActionScaleUp
		d.Reason = fmt.Sprintf("queue depth %d needs %d workers, %d running", depth, desired, len(running))
		for i := 0; i < desired-len(running); i++ {
			id, err := c.provisioner.Launch(ctx, c.spec, fleet.InstanceTags(c.spec, c.managedBy, c.now()))
			if err != nil {
				return d, fmt.Errorf("launch worker: %w", err)
			}
			d.Delta++
			c.lastScalingTime = now
			observability.RecordAutoscalerAction(string(ActionScaleUp))
			c.log.Info("Launched worker", "instanceID", id)
		}
	case desired < len(running) && depth <= c.scaleDownThreshold:
		if since := now.Sub(c.lastScalingTime); since < c.cooldown {
			d.Action = ActionCooldown
			d.Reason = fmt.Sprintf("scale-down held, %s since last scaling action (cooldown %s)", since.Round(time.Second), c.cooldown)
			return d, nil
		}
		d.Action = ActionScaleDown
		d.Reason = fmt.Sprintf("queue depth %d needs %d workers, %d running", depth, desired, len(running))
		sort.SliceStable(running, func(i, j int) bool {
			return running[i].LaunchTime.Before(running[j].LaunchTime)
		})
		for _, w := range running[:len(running)-desired] {
			if err := c.provisioner.Terminate(ctx, w.ID); err != nil {
				return d, fmt.Errorf("terminate worker %s: %w", w.ID, err)
			}
			d.Delta--
			c.lastScalingTime = now
			observability.RecordAutoscalerAction(string(ActionScaleDown))
			c.log.Info("Terminated worker", "instanceID", w.ID, "launchTime", w.LaunchTime)
		}
	default:
		d.Reason = "fleet size matches backlog"
	}
	return d, nil
}

// Run reconciles immediately and then every poll interval until ctx is
// done. Cycle errors are logged and never stop the loop.
func (c *Controller) Run(ctx context.Context) error {
	c.log.Info("Autoscaler started",
		"queue", c.queue,
		"min", c.minInstances,
		"max", c.maxInstances,
		"targetPerWorker", c.targetPerWorker,
		"scaleDownThreshold", c.scaleDownThreshold,
		"cooldown", c.cooldown,
		"pollInterval", c.pollInterval)
	t := time.NewTicker(c.pollInterval)
	defer t.Stop()
	for {
		d, err := c.Reconcile(ctx)
		if err != nil {
			observability.RecordTransportError("autoscaler")
			c.log.Error(err, "Reconcile failed", "queueDepth", d.QueueDepth, "running", d.Running)
		} else {
			c.log.V(observability.VERBOSE).Info("Reconciled",
				"action", d.Action, "queueDepth", d.QueueDepth, "running", d.Running,
				"desired", d.Desired, "delta", d.Delta, "reason", d.Reason)
		}
		select {
		case <-ctx.Done():
			c.log.Info("Autoscaler stopped")
			return nil
		case <-t.C:
		}
	}
}
