package sched

import (
	"math/rand"
	"testing"

	"github.com/chazu/agim/block"
	"github.com/chazu/agim/heap"
)

func TestRegistryInsertLookup(t *testing.T) {
	r := NewRegistry()
	b := block.New(42, block.Options{Name: "answer"})
	if err := r.Insert(b); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, ok := r.Lookup(42)
	if !ok || got != b {
		t.Fatalf("Lookup(42) = %v, %v; want the inserted block", got, ok)
	}
	if _, ok := r.Lookup(43); ok {
		t.Error("Lookup(43) found a block")
	}
	if err := r.Insert(block.New(42, block.Options{})); err == nil {
		t.Error("duplicate Insert succeeded")
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}
	if !r.Remove(42) || r.Remove(42) {
		t.Error("Remove should succeed once")
	}
	if r.Count() != 0 {
		t.Errorf("Count() after Remove = %d, want 0", r.Count())
	}
	if err := r.Verify(); err != nil {
		t.Error(err)
	}
}

func TestRegistryShardBalance(t *testing.T) {
	const n = registryShards * 100
	r := NewRegistry()
	rng := rand.New(rand.NewSource(7))
	used := make(map[heap.PID]bool)
	for len(used) < n {
		pid := heap.PID(rng.Uint64()>>20 + 1)
		if used[pid] {
			continue
		}
		used[pid] = true
		if err := r.Insert(block.New(pid, block.Options{})); err != nil {
			t.Fatalf("Insert(%s): %v", pid, err)
		}
	}
	if r.Count() != n {
		t.Fatalf("Count() = %d, want %d", r.Count(), n)
	}
	if err := r.Verify(); err != nil {
		t.Fatal(err)
	}

	mean := n / registryShards
	for i := range r.shards {
		size := len(r.shards[i].blocks)
		if size < mean/2 || size > mean*3/2 {
			t.Errorf("shard %d holds %d blocks, mean is %d", i, size, mean)
		}
	}

	seen := 0
	r.Each(func(*block.Block) { seen++ })
	if seen != n {
		t.Errorf("Each visited %d blocks, want %d", seen, n)
	}
}
