// Package modules keeps versioned bytecode modules and upgrades the blocks
// running them in place.
//
// Every Load of a module creates a new Version linked to the one before it.
// Blocks spawned with a module name are registered with the Registry, which
// the scheduler calls back when such a block executes an upgrade point:
// ApplyUpgrade switches it to the newest version and runs that version's
// migration function on the block's state.
package modules

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/agim/block"
	"github.com/chazu/agim/bytecode"
	"github.com/chazu/agim/heap"
	"github.com/chazu/agim/sched"
)

var log = commonlog.GetLogger("agim.modules")

var (
	// ErrNoModule is returned for module names that were never loaded.
	ErrNoModule = errors.New("no such module")
	// ErrNoVersion is returned for version numbers a module never had.
	ErrNoVersion = errors.New("no such version")
	// ErrNoPrevious is returned by Rollback on a module's first version.
	ErrNoPrevious = errors.New("no previous version")
)

// NoMigration marks a version without a state migration function.
const NoMigration = -1

// Version is one loaded version of a module.
type Version struct {
	Number   int
	Code     *bytecode.Bytecode
	Hash     [32]byte // content hash of Code
	Prev     *Version
	LoadedAt time.Time

	// Migrate is the index of the function in Code that converts state
	// from the previous version, or NoMigration.
	Migrate int

	refs atomic.Int64
}

// RefCount returns the number of live blocks bound to v.
func (v *Version) RefCount() int64 { return v.refs.Load() }

func (v *Version) String() string { return fmt.Sprintf("v%d", v.Number) }

// UpgradeConfig controls how a triggered upgrade is applied.
type UpgradeConfig struct {
	// RollbackOnError reverts the module to its previous version when a
	// block's migration fails, and keeps that block on its old code.
	RollbackOnError bool
}

// Module is a named chain of versions.
type Module struct {
	Name    string
	current *Version
	pending UpgradeConfig

	blocks map[heap.PID]*binding
}

type binding struct {
	b       *block.Block
	version *Version
}

// Registry holds modules by name. It implements sched.Upgrader.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*Module
}

var _ sched.Upgrader = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]*Module)}
}

// Load adds code as the newest version of the named module. migrate is
// the function run on block state when upgrading to it, or NoMigration.
// Loading code identical to the current version returns that version.
func (r *Registry) Load(name string, code *bytecode.Bytecode, migrate int) (*Version, error) {
	if name == "" {
		return nil, errors.New("modules: empty module name")
	}
	if err := code.Validate(); err != nil {
		return nil, fmt.Errorf("modules: load %s: %w", name, err)
	}
	if migrate != NoMigration {
		fn, ok := code.Function(migrate)
		if !ok {
			return nil, fmt.Errorf("modules: load %s: no migration function %d", name, migrate)
		}
		if fn.Arity != 1 {
			return nil, fmt.Errorf("modules: load %s: migration function %s takes %d arguments, want 1", name, fn.Name, fn.Arity)
		}
	}
	hash, err := Hash(code)
	if err != nil {
		return nil, fmt.Errorf("modules: load %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[name]
	if !ok {
		m = &Module{Name: name, blocks: make(map[heap.PID]*binding)}
		r.modules[name] = m
	}
	if m.current != nil && m.current.Hash == hash {
		return m.current, nil
	}
	v := &Version{
		Number:   1,
		Code:     code.Retain(),
		Hash:     hash,
		Prev:     m.current,
		LoadedAt: time.Now(),
		Migrate:  migrate,
	}
	if v.Prev != nil {
		v.Number = v.Prev.Number + 1
	}
	m.current = v
	log.Infof("loaded %s %s", name, v)
	return v, nil
}

// Get returns the newest version of the named module.
func (r *Registry) Get(name string) (*Version, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	if !ok || m.current == nil {
		return nil, false
	}
	return m.current, true
}

// GetVersion returns version n of the named module.
func (r *Registry) GetVersion(name string, n int) (*Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoModule, name)
	}
	for v := m.current; v != nil; v = v.Prev {
		if v.Number == n {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %s v%d", ErrNoVersion, name, n)
}

// Names returns the loaded module names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Blocks returns the pids of live blocks using the named module, sorted.
func (r *Registry) Blocks(name string) []heap.PID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	if !ok {
		return nil
	}
	pids := make([]heap.PID, 0, len(m.blocks))
	for pid := range m.blocks {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

// Spawn starts a block running the newest version of the named module.
// The scheduler registers it here if this registry is its upgrader.
func (r *Registry) Spawn(s *sched.Scheduler, name string, opts sched.SpawnOptions) (heap.PID, error) {
	v, ok := r.Get(name)
	if !ok {
		return heap.InvalidPID, fmt.Errorf("%w: %s", ErrNoModule, name)
	}
	opts.Module = name
	if opts.Name == "" {
		opts.Name = name
	}
	return s.SpawnEx(v.Code, opts)
}

// RegisterBlock records that b runs its module's newest version.
func (r *Registry) RegisterBlock(b *block.Block) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[b.Module]
	if !ok || m.current == nil {
		log.Warningf("%s registered for unknown module %q", b, b.Module)
		return
	}
	if _, exists := m.blocks[b.PID]; exists {
		return
	}
	m.current.refs.Add(1)
	m.blocks[b.PID] = &binding{b: b, version: m.current}
}

// UnregisterBlock forgets b.
func (r *Registry) UnregisterBlock(b *block.Block) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[b.Module]
	if !ok {
		return
	}
	if bd, ok := m.blocks[b.PID]; ok {
		bd.version.refs.Add(-1)
		delete(m.blocks, b.PID)
	}
}

// VersionOf returns the version b is bound to.
func (r *Registry) VersionOf(b *block.Block) (*Version, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[b.Module]
	if !ok {
		return nil, false
	}
	bd, ok := m.blocks[b.PID]
	if !ok {
		return nil, false
	}
	return bd.version, true
}

// TriggerUpgrade flags every block of the named module that is not on the
// newest version. Each applies the upgrade the next time it reaches an
// upgrade point. It returns the number of blocks flagged.
func (r *Registry) TriggerUpgrade(name string, cfg UpgradeConfig) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoModule, name)
	}
	m.pending = cfg
	n := 0
	for _, bd := range m.blocks {
		if bd.version != m.current && bd.b.IsAlive() {
			bd.b.SetPendingUpgrade(true)
			n++
		}
	}
	log.Infof("upgrade of %s to %s triggered for %d blocks", name, m.current, n)
	return n, nil
}

// ApplyUpgrade binds b to the newest version of its module and returns the
// migrated state. It runs on the worker executing b.
func (r *Registry) ApplyUpgrade(b *block.Block, state heap.Value) (heap.Value, error) {
	b.SetPendingUpgrade(false)

	r.mu.RLock()
	m, ok := r.modules[b.Module]
	var bd *binding
	var target *Version
	var cfg UpgradeConfig
	if ok {
		bd = m.blocks[b.PID]
		target, cfg = m.current, m.pending
	}
	r.mu.RUnlock()
	if !ok || bd == nil {
		return state, fmt.Errorf("%w: %q for %s", ErrNoModule, b.Module, b)
	}
	old := bd.version
	if old == target {
		return state, nil
	}

	// Migrations run one version at a time, oldest first. A block moving
	// back after a rollback switches code without migrating.
	var path []*Version
	v := target
	for ; v != nil && v != old; v = v.Prev {
		path = append(path, v)
	}
	if v == nil {
		path = []*Version{{Number: target.Number, Code: target.Code, Migrate: NoMigration}}
	}
	orig := state
	for i := len(path) - 1; i >= 0; i-- {
		v := path[i]
		next, err := b.Upgrade(v.Code, v.Migrate, state)
		if err != nil {
			return r.failed(b, m, old, v, orig, cfg, fmt.Errorf("modules: migrate %s to %s: %w", b, v, err))
		}
		state = next
	}

	r.mu.Lock()
	if cur, ok := m.blocks[b.PID]; ok && cur == bd {
		bd.version.refs.Add(-1)
		target.refs.Add(1)
		bd.version = target
	}
	r.mu.Unlock()
	log.Infof("%s upgraded %s %s -> %s", b, m.Name, old, target)
	return state, nil
}

// failed handles a failed migration. The block keeps its old version. With
// rollback it also gets back its original state, the module drops every
// version from the failing one on, and the block is flagged again if an
// intermediate version remains to upgrade to.
func (r *Registry) failed(b *block.Block, m *Module, old, failing *Version, state heap.Value, cfg UpgradeConfig, err error) (heap.Value, error) {
	log.Errorf("%v", err)
	if !cfg.RollbackOnError {
		return state, err
	}
	if b.VM.Code() != old.Code {
		if _, rerr := b.Upgrade(old.Code, NoMigration, state); rerr != nil {
			return state, errors.Join(err, rerr)
		}
	}
	// A failed move back after a rollback has no version to drop.
	keep := failing.Prev
	for keep != nil {
		cur, ok := r.Get(m.Name)
		if !ok || cur == keep || cur.Prev == nil {
			break
		}
		if rerr := r.Rollback(m.Name); rerr != nil {
			log.Errorf("rollback of %s: %v", m.Name, rerr)
			break
		}
	}
	if cur, ok := r.Get(m.Name); ok && cur != old {
		b.SetPendingUpgrade(true)
	}
	return state, nil
}

// Rollback makes the previous version of the named module the newest one
// and drops the current one. Blocks already on it are flagged to move back
// on their next upgrade point.
func (r *Registry) Rollback(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoModule, name)
	}
	if m.current == nil || m.current.Prev == nil {
		return fmt.Errorf("%w: %s", ErrNoPrevious, name)
	}
	dropped := m.current
	m.current = dropped.Prev
	for _, bd := range m.blocks {
		if bd.version == dropped {
			bd.b.SetPendingUpgrade(true)
		}
	}
	dropped.Code.Release()
	log.Noticef("rolled %s back from %s to %s", name, dropped, m.current)
	return nil
}
