package autoscaler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/syncq/internal/fleet"
)

type staticDepth struct {
	mu    sync.Mutex
	depth int
	err   error
}

func (s *staticDepth) set(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.depth = n
}

func (s *staticDepth) ApproximateDepth(context.Context, string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depth, s.err
}

// recordingProvisioner wraps a MemoryProvisioner and can fail the nth call.
type recordingProvisioner struct {
	*fleet.MemoryProvisioner
	terminated    []string
	launches      int
	failLaunchAt  int
	failTerminate string
}

func (p *recordingProvisioner) Launch(ctx context.Context, spec fleet.LaunchSpec, tags map[string]string) (string, error) {
	p.launches++
	if p.failLaunchAt > 0 && p.launches == p.failLaunchAt {
		return "", errors.New("insufficient capacity")
	}
	return p.MemoryProvisioner.Launch(ctx, spec, tags)
}

func (p *recordingProvisioner) Terminate(ctx context.Context, id string) error {
	if id == p.failTerminate {
		return errors.New("terminate refused")
	}
	p.terminated = append(p.terminated, id)
	return p.MemoryProvisioner.Terminate(ctx, id)
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func managed(p *fleet.MemoryProvisioner, ids ...string) {
	for i, id := range ids {
		p.Add(fleet.WorkerDescriptor{ID: id, LaunchTime: t0.Add(time.Duration(i) * time.Minute), State: fleet.StateRunning},
			map[string]string{fleet.TagManagedBy: defaultManagedBy})
	}
}

func TestDesiredCount(t *testing.T) {
	tests := []struct {
		depth, target, min, max int
		want                    int
	}{
		{23, 5, 0, 10, 5},
		{0, 5, 0, 10, 0},
		{1, 5, 0, 10, 1},
		{5, 5, 0, 10, 1},
		{6, 5, 0, 10, 2},
		{500, 5, 0, 10, 10},
		{0, 5, 2, 10, 2},
		{-3, 5, 0, 10, 0},
	}
	for _, tt := range tests {
		if got := DesiredCount(tt.depth, tt.target, tt.min, tt.max); got != tt.want {
			t.Errorf("DesiredCount(%d, %d, %d, %d) = %d, want %d", tt.depth, tt.target, tt.min, tt.max, got, tt.want)
		}
	}
}

func TestReconcileScalesUpToDesired(t *testing.T) {
	depth := &staticDepth{depth: 23}
	prov := fleet.NewMemoryProvisioner()
	c := NewController(depth, "request-queue", prov, fleet.LaunchSpec{Image: "ami-1"})

	d, err := c.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionScaleUp, d.Action)
	assert.Equal(t, 5, d.Desired)
	assert.Equal(t, 5, d.Delta)

	list, _ := prov.List(context.Background(), map[string]string{fleet.TagManagedBy: defaultManagedBy})
	assert.Len(t, list, 5)

	d, err = c.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionNone, d.Action)
}

func TestReconcileScaleDownTerminatesOldestFirst(t *testing.T) {
	clk := &clock{now: t0.Add(time.Hour)}
	prov := &recordingProvisioner{MemoryProvisioner: fleet.NewMemoryProvisioner()}
	managed(prov.MemoryProvisioner, "w-oldest", "w-2", "w-3", "w-4", "w-newest")
	c := NewController(&staticDepth{depth: 7}, "q", prov, fleet.LaunchSpec{},
		WithScaleDownThreshold(10), WithClock(clk.Now))

	d, err := c.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionScaleDown, d.Action)
	assert.Equal(t, 2, d.Desired)
	assert.Equal(t, -3, d.Delta)
	assert.Equal(t, []string{"w-oldest", "w-2", "w-3"}, prov.terminated)
	assert.Equal(t, clk.now, c.LastScalingTime())
}

func TestReconcileScaleDownToZeroThenImmediateScaleUp(t *testing.T) {
	clk := &clock{now: t0.Add(time.Hour)}
	depth := &staticDepth{depth: 0}
	prov := &recordingProvisioner{MemoryProvisioner: fleet.NewMemoryProvisioner()}
	managed(prov.MemoryProvisioner, "a", "b", "c")
	c := NewController(depth, "q", prov, fleet.LaunchSpec{},
		WithScaleDownThreshold(0), WithCooldown(2*time.Minute), WithClock(clk.Now))

	d, err := c.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionScaleDown, d.Action)
	sort.Strings(prov.terminated)
	assert.Equal(t, []string{"a", "b", "c"}, prov.terminated)

	// Backlog appears right after the scale-down; scale-up ignores cooldown.
	depth.set(50)
	clk.now = clk.now.Add(time.Second)
	d, err = c.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionScaleUp, d.Action)
	assert.Equal(t, 10, d.Delta)
}

func TestReconcileScaleDownHeldByCooldown(t *testing.T) {
	clk := &clock{now: t0}
	depth := &staticDepth{depth: 10}
	prov := &recordingProvisioner{MemoryProvisioner: fleet.NewMemoryProvisioner()}
	c := NewController(depth, "q", prov, fleet.LaunchSpec{},
		WithScaleDownThreshold(2), WithCooldown(2*time.Minute), WithClock(clk.Now))

	d, err := c.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, ActionScaleUp, d.Action)
	require.Equal(t, 2, d.Delta)

	depth.set(0)
	clk.now = t0.Add(time.Minute)
	d, err = c.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionCooldown, d.Action)
	assert.Empty(t, prov.terminated)

	clk.now = t0.Add(2 * time.Minute)
	d, err = c.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionScaleDown, d.Action)
	assert.Len(t, prov.terminated, 2)
}

func TestReconcileHoldsWhenDepthAboveScaleDownThreshold(t *testing.T) {
	clk := &clock{now: t0.Add(time.Hour)}
	prov := &recordingProvisioner{MemoryProvisioner: fleet.NewMemoryProvisioner()}
	managed(prov.MemoryProvisioner, "a", "b", "c", "d")
	c := NewController(&staticDepth{depth: 6}, "q", prov, fleet.LaunchSpec{},
		WithScaleDownThreshold(2), WithClock(clk.Now))

	d, err := c.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionNone, d.Action)
	assert.Equal(t, 2, d.Desired)
	assert.Empty(t, prov.terminated)
}

func TestReconcileIgnoresUnmanagedInstances(t *testing.T) {
	prov := fleet.NewMemoryProvisioner()
	prov.Add(fleet.WorkerDescriptor{ID: "foreign", LaunchTime: t0, State: fleet.StateRunning},
		map[string]string{fleet.TagManagedBy: "someone-else"})
	c := NewController(&staticDepth{depth: 5}, "q", prov, fleet.LaunchSpec{})

	d, err := c.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, d.Running)
	assert.Equal(t, 1, d.Delta)
}

func TestReconcileErrorsEndCycleEarly(t *testing.T) {
	t.Run("depth", func(t *testing.T) {
		c := NewController(&staticDepth{err: errors.New("throttled")}, "q", fleet.NewMemoryProvisioner(), fleet.LaunchSpec{})
		_, err := c.Reconcile(context.Background())
		assert.ErrorContains(t, err, "throttled")
	})

	t.Run("launch", func(t *testing.T) {
		prov := &recordingProvisioner{MemoryProvisioner: fleet.NewMemoryProvisioner(), failLaunchAt: 3}
		c := NewController(&staticDepth{depth: 25}, "q", prov, fleet.LaunchSpec{})
		d, err := c.Reconcile(context.Background())
		require.Error(t, err)
		assert.Equal(t, 2, d.Delta)
		assert.Equal(t, 3, prov.launches)

		// The next cycle starts from fresh state and fills the gap.
		d, err = c.Reconcile(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 3, d.Delta)
	})

	t.Run("terminate", func(t *testing.T) {
		clk := &clock{now: t0.Add(time.Hour)}
		prov := &recordingProvisioner{MemoryProvisioner: fleet.NewMemoryProvisioner(), failTerminate: "b"}
		managed(prov.MemoryProvisioner, "a", "b", "c")
		c := NewController(&staticDepth{}, "q", prov, fleet.LaunchSpec{}, WithClock(clk.Now))
		d, err := c.Reconcile(context.Background())
		require.Error(t, err)
		assert.Equal(t, -1, d.Delta)
		assert.Equal(t, []string{"a"}, prov.terminated)
	})
}

func TestRunStopsOnCancel(t *testing.T) {
	depth := &staticDepth{depth: 3}
	prov := fleet.NewMemoryProvisioner()
	c := NewController(depth, "q", prov, fleet.LaunchSpec{}, WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	require.NoError(t, c.Run(ctx))

	list, _ := prov.List(context.Background(), nil)
	assert.Len(t, list, 1, fmt.Sprintf("unexpected fleet %v", list))
}
