package broker

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/example/syncq/internal/observability"
	"github.com/example/syncq/internal/state"
)

// Sweeper deletes terminal records once their retention window, measured
// from the terminal transition, has passed. Pending records are never
// touched; the Waiter times them out first.
type Sweeper struct {
	registry *state.Registry
	opts     Options
	log      logr.Logger
}

func NewSweeper(registry *state.Registry, opts Options, log logr.Logger) *Sweeper {
	return &Sweeper{registry: registry, opts: opts.withDefaults(), log: log}
}

func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := s.Sweep(s.opts.Now()); n > 0 {
				s.log.V(observability.VERBOSE).Info("Swept expired records", "deleted", n)
			}
		}
	}
}

// Sweep runs one pass and returns the number of records deleted.
func (s *Sweeper) Sweep(now time.Time) int {
	var expired []string
	s.registry.ForEach(func(rec state.RequestRecord) bool {
		if rec.Status.Terminal() && now.Sub(rec.RetentionStart()) > s.opts.Retention {
			expired = append(expired, rec.ID)
		}
		return true
	})
	for _, id := range expired {
		s.registry.Delete(id)
	}
	observability.RecordSweeperDeleted(len(expired))
	observability.SetRegistryRecords(s.registry.Len())
	return len(expired)
}
