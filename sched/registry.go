package sched

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chazu/agim/block"
	"github.com/chazu/agim/heap"
)

// registryShards is the number of independently locked shards.
const registryShards = 64

type registryShard struct {
	mu     sync.RWMutex
	blocks map[heap.PID]*block.Block
}

// Registry maps pids to blocks. Pids are spread over shards by their low
// bits, so lookups from different workers rarely contend.
type Registry struct {
	shards [registryShards]registryShard
	count  atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].blocks = make(map[heap.PID]*block.Block)
	}
	return r
}

func (r *Registry) shard(pid heap.PID) *registryShard {
	return &r.shards[uint64(pid)%registryShards]
}

// Insert adds b. It fails if b's pid is already registered.
func (r *Registry) Insert(b *block.Block) error {
	s := r.shard(b.PID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blocks[b.PID]; exists {
		return fmt.Errorf("sched: pid %s already registered", b.PID)
	}
	s.blocks[b.PID] = b
	r.count.Add(1)
	return nil
}

// Lookup returns the block registered under pid.
func (r *Registry) Lookup(pid heap.PID) (*block.Block, bool) {
	s := r.shard(pid)
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[pid]
	return b, ok
}

// Remove unregisters pid.
func (r *Registry) Remove(pid heap.PID) bool {
	s := r.shard(pid)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[pid]; !ok {
		return false
	}
	delete(s.blocks, pid)
	r.count.Add(-1)
	return true
}

// Count returns the number of registered blocks.
func (r *Registry) Count() int { return int(r.count.Load()) }

// Each calls fn for every block, one shard at a time. fn must not touch the
// registry.
func (r *Registry) Each(fn func(*block.Block)) {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, b := range s.blocks {
			fn(b)
		}
		s.mu.RUnlock()
	}
}

// Verify checks that every block sits in the shard its pid hashes to and
// that the shard sizes add up to Count.
func (r *Registry) Verify() error {
	total := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for pid, b := range s.blocks {
			if b.PID != pid {
				s.mu.RUnlock()
				return fmt.Errorf("sched: block %s registered under pid %s", b, pid)
			}
			if r.shard(pid) != s {
				s.mu.RUnlock()
				return fmt.Errorf("sched: pid %s in shard %d", pid, i)
			}
		}
		total += len(s.blocks)
		s.mu.RUnlock()
	}
	if n := r.Count(); total != n {
		return fmt.Errorf("sched: registry holds %d blocks, count is %d", total, n)
	}
	return nil
}
