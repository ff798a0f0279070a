package state

import (
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrRecordNotFound     = errors.New("request record not found")
	ErrPreconditionFailed = errors.New("request record status precondition failed")
)

const registryShards = 32

type registryShard struct {
	mu      sync.RWMutex
	records map[string]RequestRecord
}

// Registry is a concurrent map from request id to RequestRecord. Records are
// stored and returned by value, so callers never share memory with it.
type Registry struct {
	shards [registryShards]*registryShard
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &registryShard{records: make(map[string]RequestRecord)}
	}
	return r
}

func (r *Registry) shard(id string) *registryShard {
	return r.shards[xxhash.Sum64String(id)%registryShards]
}

// Put inserts or replaces the record stored under rec.ID.
func (r *Registry) Put(rec RequestRecord) {
	s := r.shard(rec.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
}

func (r *Registry) Get(id string) (RequestRecord, bool) {
	s := r.shard(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

// UpdateMerge applies patch to the record under a single lock hold. When the
// patch precondition does not hold the record is left untouched and returned
// with ErrPreconditionFailed, so the caller can see the state that won.
func (r *Registry) UpdateMerge(id string, patch RecordPatch) (RequestRecord, error) {
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return RequestRecord{}, ErrRecordNotFound
	}
	if !patch.allows(rec.Status) {
		return rec, ErrPreconditionFailed
	}
	rec = patch.apply(rec)
	s.records[id] = rec
	return rec, nil
}

func (r *Registry) Delete(id string) {
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
}

// ForEach visits a snapshot of every record until visit returns false. No
// lock is held while visit runs, so it may call back into the registry.
func (r *Registry) ForEach(visit func(RequestRecord) bool) {
	for _, s := range r.shards {
		s.mu.RLock()
		batch := make([]RequestRecord, 0, len(s.records))
		for _, rec := range s.records {
			batch = append(batch, rec)
		}
		s.mu.RUnlock()
		for _, rec := range batch {
			if !visit(rec) {
				return
			}
		}
	}
}

func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.records)
		s.mu.RUnlock()
	}
	return n
}
