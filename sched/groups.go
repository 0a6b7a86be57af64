package sched

import (
	"slices"
	"sync"

	"github.com/chazu/agim/heap"
)

// groups tracks named process groups. A block may belong to any number of
// groups and leaves all of them when it exits.
type groups struct {
	mu      sync.RWMutex
	members map[string]map[heap.PID]struct{}
	joined  map[heap.PID][]string
}

func newGroups() *groups {
	return &groups{
		members: make(map[string]map[heap.PID]struct{}),
		joined:  make(map[heap.PID][]string),
	}
}

func (g *groups) join(name string, pid heap.PID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.members[name]
	if !ok {
		m = make(map[heap.PID]struct{})
		g.members[name] = m
	}
	if _, in := m[pid]; in {
		return false
	}
	m[pid] = struct{}{}
	g.joined[pid] = append(g.joined[pid], name)
	return true
}

func (g *groups) leave(name string, pid heap.PID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leaveLocked(name, pid)
}

func (g *groups) leaveLocked(name string, pid heap.PID) bool {
	m, ok := g.members[name]
	if !ok {
		return false
	}
	if _, in := m[pid]; !in {
		return false
	}
	delete(m, pid)
	if len(m) == 0 {
		delete(g.members, name)
	}
	names := g.joined[pid]
	if i := slices.Index(names, name); i >= 0 {
		names = slices.Delete(names, i, i+1)
	}
	if len(names) == 0 {
		delete(g.joined, pid)
	} else {
		g.joined[pid] = names
	}
	return true
}

// removeAll drops pid from every group it joined.
func (g *groups) removeAll(pid heap.PID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, name := range slices.Clone(g.joined[pid]) {
		g.leaveLocked(name, pid)
	}
}

func (g *groups) list(name string) []heap.PID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]heap.PID, 0, len(g.members[name]))
	for pid := range g.members[name] {
		out = append(out, pid)
	}
	slices.Sort(out)
	return out
}

func (g *groups) names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.members))
	for name := range g.members {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}
