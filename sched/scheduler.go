// Package sched runs blocks. It owns the block registry, a pool of
// work-stealing workers (or a single cooperative run queue for
// deterministic use), receive-deadline timers, exit propagation over links
// and monitors, process groups and the primitive table.
package sched

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/agim/block"
	"github.com/chazu/agim/bytecode"
	"github.com/chazu/agim/heap"
	"github.com/chazu/agim/mailbox"
	"github.com/chazu/agim/vm"
)

var log = commonlog.GetLogger("agim.sched")

var (
	// ErrRegistryFull is returned by spawns beyond Config.MaxBlocks.
	ErrRegistryFull = errors.New("block registry full")
	// ErrNoSuchBlock is returned for pids that were never registered.
	ErrNoSuchBlock = errors.New("no such block")
	// ErrRunning is returned by Run while a run is already in progress.
	ErrRunning = errors.New("scheduler already running")
)

// DefaultMaxBlocks bounds the registry when no limit is configured.
const DefaultMaxBlocks = 1 << 20

// Config configures a scheduler.
type Config struct {
	MaxBlocks         int
	DefaultReductions int // per-slice budget for blocks without their own
	NumWorkers        int // 0 runs everything on the caller's goroutine
	EnableStealing    bool

	Limits       block.Limits     // MaxReductions comes from DefaultReductions
	Capabilities block.Capability // granted to blocks spawned without explicit capabilities
	Policy       block.Policy
	GC           heap.Config

	TimerResolution time.Duration
	Trace           bool // log every instruction
}

// DefaultConfig returns a multi-worker configuration with one worker per
// available CPU.
func DefaultConfig() Config {
	return Config{
		MaxBlocks:         DefaultMaxBlocks,
		DefaultReductions: block.DefaultLimits().MaxReductions,
		NumWorkers:        runtime.GOMAXPROCS(0),
		EnableStealing:    true,
		Limits:            block.DefaultLimits(),
		Capabilities:      block.CapDefault,
		Policy:            block.PermissivePolicy(),
		GC:                heap.DefaultConfig(),
		TimerResolution:   DefaultTimerResolution,
	}
}

// Upgrader applies hot code upgrades. The module registry implements it.
type Upgrader interface {
	RegisterBlock(b *block.Block)
	UnregisterBlock(b *block.Block)
	ApplyUpgrade(b *block.Block, state heap.Value) (heap.Value, error)
}

// SpawnOptions configures a spawned block.
type SpawnOptions struct {
	Name         string
	Module       string
	Capabilities block.Capability // CapNone uses Config.Capabilities
	Limits       block.Limits     // zero fields use Config.Limits

	// Link, when valid, links the new block to that pid before it first
	// runs.
	Link heap.PID
}

// Stats is a snapshot of scheduler activity.
type Stats struct {
	BlocksTotal   int
	BlocksAlive   int
	BlocksWaiting int
	BlocksDead    int

	TotalSpawned    uint64
	TotalTerminated uint64
	TotalReductions uint64
	ContextSwitches uint64
	TimersFired     uint64

	Workers []WorkerStats
}

// Scheduler owns and runs blocks.
type Scheduler struct {
	cfg      Config
	registry *Registry
	workers  []*Worker
	timers   *timers
	groups   *groups

	nextPID    atomic.Uint64
	nextWorker atomic.Uint64
	reserved   atomic.Int64

	mu       sync.Mutex // guards runq and placement before workers start
	runq     []*block.Block
	running  atomic.Bool
	stopping atomic.Bool

	// inflight counts blocks that are queued or running. With no timers
	// pending, zero means nothing can run again.
	inflight atomic.Int64

	spawned    atomic.Uint64
	terminated atomic.Uint64
	reductions atomic.Uint64
	switches   atomic.Uint64

	primMu sync.RWMutex
	prims  map[string]Primitive

	tracer   tracers
	upgrader Upgrader

	hookMu   sync.RWMutex
	hooks    map[int]func(*block.Block)
	nextHook int
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	if cfg.MaxBlocks <= 0 {
		cfg.MaxBlocks = DefaultMaxBlocks
	}
	if cfg.DefaultReductions <= 0 {
		cfg.DefaultReductions = block.DefaultLimits().MaxReductions
	}
	if cfg.NumWorkers < 0 {
		cfg.NumWorkers = 0
	}
	if cfg.Capabilities == block.CapNone {
		cfg.Capabilities = block.CapDefault
	}

	s := &Scheduler{
		cfg:      cfg,
		registry: NewRegistry(),
		groups:   newGroups(),
		prims:    make(map[string]Primitive),
		hooks:    make(map[int]func(*block.Block)),
	}
	s.timers = newTimers(cfg.TimerResolution, func(b *block.Block) { s.wake(nil, b) })
	for i := range cfg.NumWorkers {
		s.workers = append(s.workers, newWorker(i, s))
	}
	s.registerBuiltins()
	return s
}

// Config returns the scheduler's configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// Registry returns the block registry.
func (s *Scheduler) Registry() *Registry { return s.registry }

// IsMultithreaded reports whether blocks run on worker goroutines.
func (s *Scheduler) IsMultithreaded() bool { return len(s.workers) > 0 }

// WorkerCount returns the number of workers.
func (s *Scheduler) WorkerCount() int { return len(s.workers) }

// BlockCount returns the number of registered blocks, dead ones included.
func (s *Scheduler) BlockCount() int { return s.registry.Count() }

// Worker returns worker i.
func (s *Scheduler) Worker(i int) *Worker { return s.workers[i] }

// AddTracer registers a lifecycle tracer. Call it before Run.
func (s *Scheduler) AddTracer(t Tracer) { s.tracer = append(s.tracer, t) }

// SetUpgrader installs the hot-upgrade handler. Call it before spawning.
func (s *Scheduler) SetUpgrader(u Upgrader) { s.upgrader = u }

// OnExit registers fn to be called once for every block that terminates.
// It returns a function that removes the hook.
func (s *Scheduler) OnExit(fn func(*block.Block)) (remove func()) {
	s.hookMu.Lock()
	id := s.nextHook
	s.nextHook++
	s.hooks[id] = fn
	s.hookMu.Unlock()
	return func() {
		s.hookMu.Lock()
		delete(s.hooks, id)
		s.hookMu.Unlock()
	}
}

// ---------------------------------------------------------------------------
// Spawning
// ---------------------------------------------------------------------------

// Spawn starts a block running code's main chunk.
func (s *Scheduler) Spawn(code *bytecode.Bytecode, name string) (heap.PID, error) {
	return s.spawn(nil, code, -1, nil, SpawnOptions{Name: name})
}

// SpawnEx starts a block running code's main chunk with explicit options.
func (s *Scheduler) SpawnEx(code *bytecode.Bytecode, opts SpawnOptions) (heap.PID, error) {
	return s.spawn(nil, code, -1, nil, opts)
}

// SpawnFunction starts a block running function fn of code with args.
func (s *Scheduler) SpawnFunction(code *bytecode.Bytecode, fn int, args []heap.Packet, opts SpawnOptions) (heap.PID, error) {
	return s.spawn(nil, code, fn, args, opts)
}

// SpawnOn starts a block on a specific worker instead of the next one in
// rotation.
func (s *Scheduler) SpawnOn(worker int, code *bytecode.Bytecode, opts SpawnOptions) (heap.PID, error) {
	if worker < 0 || worker >= len(s.workers) {
		return heap.InvalidPID, fmt.Errorf("sched: no worker %d", worker)
	}
	b, err := s.create(code, -1, nil, opts)
	if err != nil {
		return heap.InvalidPID, err
	}
	s.inflight.Add(1)
	s.push(nil, s.workers[worker], b)
	return b.PID, nil
}

func (s *Scheduler) spawn(from *Worker, code *bytecode.Bytecode, fn int, args []heap.Packet, opts SpawnOptions) (heap.PID, error) {
	b, err := s.create(code, fn, args, opts)
	if err != nil {
		return heap.InvalidPID, err
	}
	s.inflight.Add(1)
	s.schedule(from, b)
	return b.PID, nil
}

// create builds, loads and registers a block without queueing it.
func (s *Scheduler) create(code *bytecode.Bytecode, fn int, args []heap.Packet, opts SpawnOptions) (*block.Block, error) {
	if n := s.reserved.Add(1); n > int64(s.cfg.MaxBlocks) {
		s.reserved.Add(-1)
		return nil, fmt.Errorf("%w (%d blocks)", ErrRegistryFull, s.cfg.MaxBlocks)
	}

	caps := opts.Capabilities
	if caps == block.CapNone {
		caps = s.cfg.Capabilities
	}
	if err := s.cfg.Policy.Check(caps); err != nil {
		s.reserved.Add(-1)
		return nil, err
	}

	pid := heap.PID(s.nextPID.Add(1))
	b := block.New(pid, block.Options{
		Name:         opts.Name,
		Module:       opts.Module,
		Limits:       s.limits(opts.Limits),
		Capabilities: caps,
		GC:           s.cfg.GC,
	})
	b.VM.SetHost(&blockHost{s: s, b: b})
	b.VM.Trace = s.cfg.Trace

	var err error
	if fn < 0 {
		err = b.Load(code)
	} else {
		err = b.LoadEntry(code, fn, args)
	}
	if err != nil {
		b.Free()
		s.reserved.Add(-1)
		return nil, err
	}
	if err := s.registry.Insert(b); err != nil {
		b.Free()
		s.reserved.Add(-1)
		return nil, err
	}
	s.spawned.Add(1)

	if opts.Link != heap.InvalidPID {
		s.link(nil, b, opts.Link)
	}
	if s.upgrader != nil && b.Module != "" {
		s.upgrader.RegisterBlock(b)
	}
	s.tracer.OnSpawn(b)
	log.Debugf("spawned %s", b)
	return b, nil
}

// limits fills the zero fields of l from the configuration.
func (s *Scheduler) limits(l block.Limits) block.Limits {
	d := s.cfg.Limits
	if l.MaxHeapSize <= 0 {
		l.MaxHeapSize = d.MaxHeapSize
	}
	if l.MaxStackDepth <= 0 {
		l.MaxStackDepth = d.MaxStackDepth
	}
	if l.MaxCallDepth <= 0 {
		l.MaxCallDepth = d.MaxCallDepth
	}
	if l.MaxReductions <= 0 {
		l.MaxReductions = s.cfg.DefaultReductions
	}
	if l.MaxMailboxSize <= 0 {
		l.MaxMailboxSize = d.MaxMailboxSize
	}
	return l
}

// ---------------------------------------------------------------------------
// Queueing
// ---------------------------------------------------------------------------

// schedule queues b on the next worker in rotation. The caller has already
// counted b as in flight.
func (s *Scheduler) schedule(from *Worker, b *block.Block) {
	if len(s.workers) == 0 {
		s.mu.Lock()
		s.runq = append(s.runq, b)
		s.mu.Unlock()
		return
	}
	i := (s.nextWorker.Add(1) - 1) % uint64(len(s.workers))
	s.push(from, s.workers[i], b)
}

// resume queues a block that ran or was woken, preferring the worker that
// did so.
func (s *Scheduler) resume(from *Worker, b *block.Block) {
	if from != nil {
		from.deque.Push(b)
		return
	}
	s.schedule(nil, b)
}

func (s *Scheduler) push(from, target *Worker, b *block.Block) {
	if from == target {
		target.deque.Push(b)
		return
	}
	if !s.running.Load() {
		s.mu.Lock()
		if !s.running.Load() {
			// No worker goroutine owns the deque yet.
			target.deque.Push(b)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
	target.inject(b)
}

// Enqueue queues a runnable block that is not already queued.
func (s *Scheduler) Enqueue(b *block.Block) {
	s.inflight.Add(1)
	s.schedule(nil, b)
}

// Dequeue removes the next block from the single-threaded run queue.
func (s *Scheduler) Dequeue() (*block.Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.runq) == 0 {
		return nil, false
	}
	b := s.runq[0]
	s.runq[0] = nil
	s.runq = s.runq[1:]
	return b, true
}

// wake moves a waiting block back to runnable and queues it.
func (s *Scheduler) wake(from *Worker, b *block.Block) bool {
	if !b.TryTransition(block.Waiting, block.Runnable) {
		return false
	}
	s.inflight.Add(1)
	s.resume(from, b)
	return true
}

// WakeBlock wakes pid if it is waiting.
func (s *Scheduler) WakeBlock(pid heap.PID) bool {
	b, ok := s.registry.Lookup(pid)
	if !ok {
		return false
	}
	return s.wake(nil, b)
}

// ---------------------------------------------------------------------------
// Running
// ---------------------------------------------------------------------------

// runSlice gives b one reduction slice and acts on the result.
func (s *Scheduler) runSlice(w *Worker, b *block.Block) {
	if !b.IsAlive() {
		// Killed while queued.
		b.Free()
		s.inflight.Add(-1)
		return
	}
	h := b.VM.Host().(*blockHost)
	h.w = w

	res, err := s.execute(b)
	n := b.VM.SliceReductions()
	b.AddReductions(n)
	s.reductions.Add(uint64(n))
	s.switches.Add(1)

	switch res {
	case vm.ResultYield:
		if b.IsAlive() {
			b.VM.GCStep()
			s.resume(w, b)
			return
		}
	case vm.ResultWaiting:
		b.VM.GCStep()
		if b.TryTransition(block.Runnable, block.Waiting) {
			// A message or deadline may have arrived after the VM looked.
			if h.hasWanted() || b.DeadlinePassed(time.Now()) {
				if b.TryTransition(block.Waiting, block.Runnable) {
					s.resume(w, b)
					return
				}
			}
			s.inflight.Add(-1)
			return
		}
	case vm.ResultHalt:
		if b.Exit(b.VM.ExitCode()) {
			s.finish(w, b)
		}
	case vm.ResultError:
		reason := err.Error()
		var f *vm.Fault
		if errors.As(err, &f) {
			reason = f.Reason()
		}
		log.Debugf("%s crashed: %s", b, reason)
		if b.Crash(reason) {
			s.finish(w, b)
		}
	}
	b.Free()
	s.inflight.Add(-1)
}

// execute runs b's VM, turning a panic into a crash of that block alone.
func (s *Scheduler) execute(b *block.Block) (res vm.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("panic in %s: %v", b, r)
			res = vm.ResultError
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	res = b.VM.Run(b.Limits().MaxReductions)
	if res == vm.ResultError {
		if f := b.VM.Fault(); f != nil {
			err = f
		} else {
			err = errors.New("unknown fault")
		}
	}
	return res, err
}

// Step runs one slice of the single-threaded run queue. It reports false
// when there was nothing to run.
func (s *Scheduler) Step() bool {
	if s.IsMultithreaded() {
		return false
	}
	s.timers.FireDue(time.Now())
	b, ok := s.Dequeue()
	if !ok {
		return false
	}
	s.runSlice(nil, b)
	return true
}

// Run drives blocks until nothing is left to do: every spawned block has
// terminated, or none is runnable and no receive deadline is pending. It
// also returns after Stop or when ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running.Load() {
		s.mu.Unlock()
		return ErrRunning
	}
	s.running.Store(true)
	s.stopping.Store(false)
	s.mu.Unlock()

	var err error
	if s.IsMultithreaded() {
		err = s.runWorkers(ctx)
	} else {
		err = s.runSingle(ctx)
	}

	s.mu.Lock()
	s.running.Store(false)
	for _, w := range s.workers {
		w.drainInbox()
	}
	s.mu.Unlock()
	return err
}

func (s *Scheduler) runWorkers(ctx context.Context) error {
	s.timers.Start()
	defer s.timers.Stop()

	log.Infof("running %d workers (stealing=%t)", len(s.workers), s.cfg.EnableStealing)
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range s.workers {
		g.Go(func() error { return w.run(gctx) })
	}
	return g.Wait()
}

func (s *Scheduler) runSingle(ctx context.Context) error {
	for !s.stopping.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.Step() {
			continue
		}
		next, ok := s.timers.Next()
		if !ok {
			return nil
		}
		if d := time.Until(next); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		s.timers.FireDue(time.Now())
	}
	return nil
}

// Stop asks a running scheduler to return. Blocks keep their state and run
// again on the next Run.
func (s *Scheduler) Stop() { s.stopping.Store(true) }

// finished reports whether workers can exit.
func (s *Scheduler) finished() bool {
	if s.stopping.Load() {
		return true
	}
	if n := s.spawned.Load(); n > 0 && s.terminated.Load() >= n {
		return true
	}
	return s.inflight.Load() == 0 && s.timers.Pending() == 0
}

// ---------------------------------------------------------------------------
// Lookup, kill and messaging
// ---------------------------------------------------------------------------

// Get returns the block registered under pid, alive or dead.
func (s *Scheduler) Get(pid heap.PID) (*block.Block, bool) {
	return s.registry.Lookup(pid)
}

// Kill terminates pid immediately and propagates the exit.
func (s *Scheduler) Kill(pid heap.PID, reason string) error {
	b, ok := s.registry.Lookup(pid)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchBlock, pid)
	}
	if b.Kill(reason) {
		s.finish(nil, b)
	}
	return nil
}

// Send delivers a message from outside any block.
func (s *Scheduler) Send(to heap.PID, p heap.Packet) bool {
	return s.deliver(nil, heap.InvalidPID, to, mailbox.User, p)
}

func (s *Scheduler) deliver(from *Worker, sender, to heap.PID, kind mailbox.Kind, p heap.Packet) bool {
	target, ok := s.registry.Lookup(to)
	if !ok || !target.IsAlive() {
		return false
	}
	var m *mailbox.Message
	if from != nil {
		m = from.slab.Get()
	} else {
		m = new(mailbox.Message)
	}
	m.Sender, m.Kind, m.Payload = sender, kind, p
	if err := target.Mailbox.Push(m); err != nil {
		log.Debugf("send %s -> %s: %v", sender, target, err)
		return false
	}
	if kind == mailbox.User {
		s.tracer.OnSend(sender, to)
	}
	s.wake(from, target)
	return true
}

// signal delivers an exit or down notification about origin to target.
func (s *Scheduler) signal(from *Worker, target *block.Block, kind mailbox.Kind, origin heap.PID, reason string) {
	name := "EXIT"
	if kind == mailbox.Down {
		name = "DOWN"
	}
	p, err := heap.SignalPacket(name, origin, reason)
	if err != nil {
		log.Errorf("%s signal for %s: %v", name, target, err)
		return
	}
	s.deliver(from, origin, target.PID, kind, p)
}

// ---------------------------------------------------------------------------
// Exit propagation
// ---------------------------------------------------------------------------

// PropagateExit completes the termination of a block that was marked dead
// outside the scheduler with Exit, Crash or Kill. Call it once, after the
// call that reported true.
func (s *Scheduler) PropagateExit(b *block.Block) {
	s.finish(nil, b)
}

func (s *Scheduler) finish(from *Worker, b *block.Block) {
	s.recordExit(b)
	s.propagate(from, b)
}

func (s *Scheduler) recordExit(b *block.Block) {
	s.terminated.Add(1)
	s.groups.removeAll(b.PID)
	if s.upgrader != nil && b.Module != "" {
		s.upgrader.UnregisterBlock(b)
	}
	s.tracer.OnExit(b)

	s.hookMu.RLock()
	hooks := make([]func(*block.Block), 0, len(s.hooks))
	for _, fn := range s.hooks {
		hooks = append(hooks, fn)
	}
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(b)
	}
}

// propagate walks the exit through links and monitors. Peers killed by the
// exit are processed from a worklist rather than by recursion.
func (s *Scheduler) propagate(from *Worker, dead *block.Block) {
	work := []*block.Block{dead}
	for len(work) > 0 {
		b := work[len(work)-1]
		work = work[:len(work)-1]
		kind, code, reason := b.ExitInfo()

		for _, pid := range b.Links() {
			if !b.Unlink(pid) {
				continue
			}
			peer, ok := s.registry.Lookup(pid)
			if !ok || !peer.Unlink(b.PID) {
				continue
			}
			if s.exitPeer(from, b.PID, peer, kind, code, reason) {
				work = append(work, peer)
			}
		}

		for _, pid := range b.MonitoredBy() {
			if !b.RemoveMonitoredBy(pid) {
				continue
			}
			watcher, ok := s.registry.Lookup(pid)
			if !ok || !watcher.IsAlive() {
				continue
			}
			watcher.Demonitor(b.PID)
			s.signal(from, watcher, mailbox.Down, b.PID, reason)
		}

		for _, pid := range b.Monitors() {
			b.Demonitor(pid)
			if target, ok := s.registry.Lookup(pid); ok {
				target.RemoveMonitoredBy(b.PID)
			}
		}
	}
}

// exitPeer applies an exit of origin to a linked peer. It reports whether
// the peer died of it, in which case the caller must propagate further.
func (s *Scheduler) exitPeer(from *Worker, origin heap.PID, peer *block.Block, kind block.ExitKind, code int64, reason string) bool {
	if !peer.IsAlive() {
		return false
	}
	if peer.HasCap(block.CapTrapExit) {
		s.signal(from, peer, mailbox.Exit, origin, reason)
		return false
	}
	if !kind.Abnormal() {
		return false
	}
	if !peer.Terminate(kind, code, reason) {
		return false
	}
	log.Debugf("%s killed by linked %s: %s", peer, origin, reason)
	s.recordExit(peer)
	return true
}

// ---------------------------------------------------------------------------
// Links and monitors
// ---------------------------------------------------------------------------

// Link links two blocks.
func (s *Scheduler) Link(a, b heap.PID) bool {
	ba, ok := s.registry.Lookup(a)
	if !ok || !ba.IsAlive() {
		return false
	}
	return s.link(nil, ba, b)
}

// Unlink removes the link between two blocks.
func (s *Scheduler) Unlink(a, b heap.PID) bool {
	ba, ok := s.registry.Lookup(a)
	if !ok {
		return false
	}
	return s.unlink(ba, b)
}

// Monitor makes watcher receive a down message when target exits.
func (s *Scheduler) Monitor(watcher, target heap.PID) bool {
	w, ok := s.registry.Lookup(watcher)
	if !ok || !w.IsAlive() {
		return false
	}
	return s.monitor(w, target)
}

// Demonitor cancels a monitor.
func (s *Scheduler) Demonitor(watcher, target heap.PID) bool {
	w, ok := s.registry.Lookup(watcher)
	if !ok {
		return false
	}
	return s.demonitor(w, target)
}

func (s *Scheduler) link(from *Worker, b *block.Block, pid heap.PID) bool {
	if pid == heap.InvalidPID || pid == b.PID {
		return false
	}
	peer, ok := s.registry.Lookup(pid)
	if !ok || !peer.IsAlive() {
		return false
	}
	if !b.Link(pid) {
		return false
	}
	if !peer.Link(b.PID) {
		b.Unlink(pid)
		return false
	}
	// The peer may have died before seeing the new link. Whoever removes
	// the peer's side first delivers the exit.
	if !peer.IsAlive() && peer.Unlink(b.PID) {
		b.Unlink(pid)
		kind, code, reason := peer.ExitInfo()
		if s.exitPeer(from, peer.PID, b, kind, code, reason) {
			s.propagate(from, b)
		}
	}
	return true
}

func (s *Scheduler) unlink(b *block.Block, pid heap.PID) bool {
	removed := b.Unlink(pid)
	if peer, ok := s.registry.Lookup(pid); ok {
		peer.Unlink(b.PID)
	}
	return removed
}

func (s *Scheduler) monitor(b *block.Block, pid heap.PID) bool {
	if pid == heap.InvalidPID || pid == b.PID {
		return false
	}
	target, ok := s.registry.Lookup(pid)
	if !ok {
		return false
	}
	if !b.Monitor(pid) {
		return false
	}
	if !target.AddMonitoredBy(b.PID) {
		b.Demonitor(pid)
		return false
	}
	// A target that is already dead, or died while being monitored,
	// reports down at once.
	if !target.IsAlive() && target.RemoveMonitoredBy(b.PID) {
		b.Demonitor(pid)
		s.signal(nil, b, mailbox.Down, pid, target.ExitReason())
	}
	return true
}

func (s *Scheduler) demonitor(b *block.Block, pid heap.PID) bool {
	removed := b.Demonitor(pid)
	if target, ok := s.registry.Lookup(pid); ok {
		target.RemoveMonitoredBy(b.PID)
	}
	return removed
}

// ---------------------------------------------------------------------------
// Groups
// ---------------------------------------------------------------------------

// JoinGroup adds pid to the named group.
func (s *Scheduler) JoinGroup(name string, pid heap.PID) error {
	b, ok := s.registry.Lookup(pid)
	if !ok || !b.IsAlive() {
		return fmt.Errorf("%w: %s", ErrNoSuchBlock, pid)
	}
	s.groups.join(name, pid)
	return nil
}

// LeaveGroup removes pid from the named group.
func (s *Scheduler) LeaveGroup(name string, pid heap.PID) bool {
	return s.groups.leave(name, pid)
}

// GroupMembers returns the pids in the named group, in ascending order.
func (s *Scheduler) GroupMembers(name string) []heap.PID { return s.groups.list(name) }

// Groups returns the names of non-empty groups.
func (s *Scheduler) Groups() []string { return s.groups.names() }

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// Stats returns a snapshot of scheduler activity.
func (s *Scheduler) Stats() Stats {
	st := Stats{
		TotalSpawned:    s.spawned.Load(),
		TotalTerminated: s.terminated.Load(),
		TotalReductions: s.reductions.Load(),
		ContextSwitches: s.switches.Load(),
		TimersFired:     s.timers.Fired(),
	}
	s.registry.Each(func(b *block.Block) {
		st.BlocksTotal++
		switch b.State() {
		case block.Dead:
			st.BlocksDead++
		case block.Waiting:
			st.BlocksWaiting++
			st.BlocksAlive++
		default:
			st.BlocksAlive++
		}
	})
	for _, w := range s.workers {
		st.Workers = append(st.Workers, w.Stats())
	}
	return st
}
