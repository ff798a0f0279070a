package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryInstance struct {
	desc WorkerDescriptor
	tags map[string]string
}

// MemoryProvisioner keeps instances in process. New instances start running.
type MemoryProvisioner struct {
	mu        sync.Mutex
	instances map[string]memoryInstance
	seq       int
	now       func() time.Time
}

func NewMemoryProvisioner() *MemoryProvisioner {
	return &MemoryProvisioner{instances: make(map[string]memoryInstance), now: time.Now}
}

// WithClock replaces the launch time source.
func (p *MemoryProvisioner) WithClock(now func() time.Time) *MemoryProvisioner {
	p.now = now
	return p
}

func (p *MemoryProvisioner) Launch(_ context.Context, _ LaunchSpec, tags map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("mem-%d", p.seq)
	copied := make(map[string]string, len(tags))
	for k, v := range tags {
		copied[k] = v
	}
	p.instances[id] = memoryInstance{
		desc: WorkerDescriptor{ID: id, LaunchTime: p.now(), State: StateRunning},
		tags: copied,
	}
	return id, nil
}

func (p *MemoryProvisioner) Terminate(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.instances[id]; !ok {
		return fmt.Errorf("instance %s not found", id)
	}
	delete(p.instances, id)
	return nil
}

func (p *MemoryProvisioner) List(_ context.Context, filter map[string]string) ([]WorkerDescriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerDescriptor, 0, len(p.instances))
	for _, inst := range p.instances {
		if matches(inst.tags, filter) {
			out = append(out, inst.desc)
		}
	}
	return out, nil
}

// Add registers an existing instance, as if launched outside this process.
func (p *MemoryProvisioner) Add(desc WorkerDescriptor, tags map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instances[desc.ID] = memoryInstance{desc: desc, tags: tags}
}

func matches(tags, filter map[string]string) bool {
	for k, v := range filter {
		if tags[k] != v {
			return false
		}
	}
	return true
}
