// Package block implements Agim's unit of concurrency: an isolated VM with
// its own heap and mailbox, plus the links, monitors and exit record the
// scheduler uses to propagate failures.
package block

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chazu/agim/bytecode"
	"github.com/chazu/agim/heap"
	"github.com/chazu/agim/mailbox"
	"github.com/chazu/agim/vm"
)

// State is a block's scheduling state.
type State int32

const (
	Runnable State = iota
	Waiting
	Dead
)

func (s State) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Waiting:
		return "waiting"
	case Dead:
		return "dead"
	}
	return fmt.Sprintf("State(%d)", s)
}

// ExitKind classifies how a block terminated.
type ExitKind uint8

const (
	ExitNone ExitKind = iota // still alive
	ExitNormal
	ExitCrash
	ExitKilled
)

func (k ExitKind) String() string {
	switch k {
	case ExitNone:
		return "none"
	case ExitNormal:
		return "normal"
	case ExitCrash:
		return "crash"
	case ExitKilled:
		return "killed"
	}
	return fmt.Sprintf("ExitKind(%d)", k)
}

// Abnormal reports whether the exit kills non-trapping linked peers.
func (k ExitKind) Abnormal() bool { return k == ExitCrash || k == ExitKilled }

// Reason strings recorded for exits without an explicit cause.
const (
	ReasonNormal = "normal"
	ReasonKilled = "killed"
)

// MaxLinks bounds each of a block's link, monitor and monitored-by lists.
const MaxLinks = 1024

// Limits bounds a block's resources.
type Limits struct {
	MaxHeapSize    int64
	MaxStackDepth  int
	MaxCallDepth   int
	MaxReductions  int // reductions per slice
	MaxMailboxSize int // 0 is unbounded
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxHeapSize:    heap.DefaultConfig().MaxHeapSize,
		MaxStackDepth:  vm.DefaultOptions().MaxStack,
		MaxCallDepth:   vm.DefaultOptions().MaxCallDepth,
		MaxReductions:  2000,
		MaxMailboxSize: 10000,
	}
}

// Counters is a snapshot of a block's activity counters.
type Counters struct {
	Reductions       uint64
	MessagesSent     uint64
	MessagesReceived uint64
}

// Options configures a new block.
type Options struct {
	Name         string
	Module       string
	Limits       Limits
	Capabilities Capability
	GC           heap.Config
}

// Block is an isolated process. Its VM and heap are touched only by the
// worker currently running it; everything else is safe for concurrent use.
type Block struct {
	PID    heap.PID
	Name   string
	Module string

	VM      *vm.VM
	Heap    *heap.Heap
	Mailbox *mailbox.Mailbox

	state  atomic.Int32
	caps   atomic.Uint32
	limits Limits

	reductions atomic.Uint64
	sent       atomic.Uint64
	received   atomic.Uint64

	pendingUpgrade atomic.Bool

	mu          sync.Mutex
	links       []heap.PID
	monitors    []heap.PID
	monitoredBy []heap.PID
	exitKind    ExitKind
	exitCode    int64
	exitReason  string
	deadline    time.Time
	timerArmed  bool
	exited      time.Time
}

// New creates a runnable block with an empty VM.
func New(pid heap.PID, opts Options) *Block {
	lim := opts.Limits
	def := DefaultLimits()
	if lim.MaxHeapSize <= 0 {
		lim.MaxHeapSize = def.MaxHeapSize
	}
	if lim.MaxStackDepth <= 0 {
		lim.MaxStackDepth = def.MaxStackDepth
	}
	if lim.MaxCallDepth <= 0 {
		lim.MaxCallDepth = def.MaxCallDepth
	}
	if lim.MaxReductions <= 0 {
		lim.MaxReductions = def.MaxReductions
	}

	gc := opts.GC
	gc.MaxHeapSize = lim.MaxHeapSize
	h := heap.New(gc)

	b := &Block{
		PID:     pid,
		Name:    opts.Name,
		Module:  opts.Module,
		Heap:    h,
		Mailbox: mailbox.New(lim.MaxMailboxSize),
		limits:  lim,
	}
	b.VM = vm.New(h, nil, vm.Options{MaxStack: lim.MaxStackDepth, MaxCallDepth: lim.MaxCallDepth})
	b.caps.Store(uint32(opts.Capabilities))
	b.state.Store(int32(Runnable))
	return b
}

// Load prepares the block to run code's main chunk.
func (b *Block) Load(code *bytecode.Bytecode) error {
	return b.VM.Load(code)
}

// LoadEntry prepares the block to run function fn of code.
func (b *Block) LoadEntry(code *bytecode.Bytecode, fn int, args []heap.Packet) error {
	return b.VM.LoadEntry(code, fn, args)
}

// Free releases the block's code and drops any queued messages.
func (b *Block) Free() {
	b.VM.Close()
	b.Mailbox.Drain()
}

func (b *Block) String() string {
	name := b.Name
	if name == "" {
		name = "block"
	}
	return fmt.Sprintf("%s<%d>", name, b.PID)
}

// Limits returns the block's resource limits.
func (b *Block) Limits() Limits { return b.limits }

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// State returns the current state.
func (b *Block) State() State { return State(b.state.Load()) }

// IsAlive reports whether the block has not terminated.
func (b *Block) IsAlive() bool { return b.State() != Dead }

// TryTransition moves the block from old to new if it is still in old.
// Nothing leaves Dead.
func (b *Block) TryTransition(old, new State) bool {
	if old == Dead {
		return false
	}
	return b.state.CompareAndSwap(int32(old), int32(new))
}

// Exit terminates the block with code. Code 0 is a normal exit; any other
// code is treated as a crash. Reports whether this call terminated it.
func (b *Block) Exit(code int64) bool {
	if code == 0 {
		return b.markDead(ExitNormal, 0, ReasonNormal)
	}
	return b.markDead(ExitCrash, code, fmt.Sprintf("exit(%d)", code))
}

// Crash terminates the block abnormally with reason.
func (b *Block) Crash(reason string) bool {
	return b.markDead(ExitCrash, 1, reason)
}

// Kill terminates the block from outside.
func (b *Block) Kill(reason string) bool {
	if reason == "" {
		reason = ReasonKilled
	}
	return b.markDead(ExitKilled, 1, reason)
}

// Terminate records an exit of the given kind. It is used when propagating
// an exit reason unchanged to a linked block.
func (b *Block) Terminate(kind ExitKind, code int64, reason string) bool {
	return b.markDead(kind, code, reason)
}

func (b *Block) markDead(kind ExitKind, code int64, reason string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		s := b.state.Load()
		if State(s) == Dead {
			return false
		}
		if b.state.CompareAndSwap(s, int32(Dead)) {
			break
		}
	}
	b.exitKind = kind
	b.exitCode = code
	b.exitReason = reason
	b.exited = time.Now()
	b.timerArmed = false
	return true
}

// ExitInfo returns how the block terminated. Kind is ExitNone while it is
// alive.
func (b *Block) ExitInfo() (kind ExitKind, code int64, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exitKind, b.exitCode, b.exitReason
}

// ExitCode returns the recorded exit code.
func (b *Block) ExitCode() int64 {
	_, code, _ := b.ExitInfo()
	return code
}

// ExitReason returns the recorded exit reason.
func (b *Block) ExitReason() string {
	_, _, reason := b.ExitInfo()
	return reason
}

// ExitedAt returns when the block terminated.
func (b *Block) ExitedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exited
}

// ---------------------------------------------------------------------------
// Capabilities
// ---------------------------------------------------------------------------

// Capabilities returns the granted capability set.
func (b *Block) Capabilities() Capability { return Capability(b.caps.Load()) }

// HasCap reports whether every bit of c is granted.
func (b *Block) HasCap(c Capability) bool { return b.Capabilities().Has(c) }

// Grant adds c to the block's capabilities.
func (b *Block) Grant(c Capability) {
	for {
		old := b.caps.Load()
		if b.caps.CompareAndSwap(old, old|uint32(c)) {
			return
		}
	}
}

// Revoke removes c from the block's capabilities.
func (b *Block) Revoke(c Capability) {
	for {
		old := b.caps.Load()
		if b.caps.CompareAndSwap(old, old&^uint32(c)) {
			return
		}
	}
}

// Require returns ErrCapability unless c is granted.
func (b *Block) Require(c Capability) error {
	if b.HasCap(c) {
		return nil
	}
	return fmt.Errorf("%s lacks %s: %w", b, c, ErrCapability)
}

// ---------------------------------------------------------------------------
// Links and monitors
// ---------------------------------------------------------------------------

func addPID(list []heap.PID, pid heap.PID) ([]heap.PID, bool) {
	if pid == heap.InvalidPID {
		return list, false
	}
	if slices.Contains(list, pid) {
		return list, true
	}
	if len(list) >= MaxLinks {
		return list, false
	}
	return append(list, pid), true
}

func removePID(list []heap.PID, pid heap.PID) ([]heap.PID, bool) {
	i := slices.Index(list, pid)
	if i < 0 {
		return list, false
	}
	return slices.Delete(list, i, i+1), true
}

// Link records a link to pid. Linking twice is a no-op.
func (b *Block) Link(pid heap.PID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ok bool
	b.links, ok = addPID(b.links, pid)
	return ok
}

// Unlink removes a link to pid.
func (b *Block) Unlink(pid heap.PID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ok bool
	b.links, ok = removePID(b.links, pid)
	return ok
}

// Links returns a copy of the link list.
func (b *Block) Links() []heap.PID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.links)
}

// Monitor records that this block monitors pid.
func (b *Block) Monitor(pid heap.PID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ok bool
	b.monitors, ok = addPID(b.monitors, pid)
	return ok
}

// Demonitor stops monitoring pid.
func (b *Block) Demonitor(pid heap.PID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ok bool
	b.monitors, ok = removePID(b.monitors, pid)
	return ok
}

// Monitors returns a copy of the blocks this block monitors.
func (b *Block) Monitors() []heap.PID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.monitors)
}

// AddMonitoredBy records that pid monitors this block.
func (b *Block) AddMonitoredBy(pid heap.PID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ok bool
	b.monitoredBy, ok = addPID(b.monitoredBy, pid)
	return ok
}

// RemoveMonitoredBy forgets that pid monitors this block.
func (b *Block) RemoveMonitoredBy(pid heap.PID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ok bool
	b.monitoredBy, ok = removePID(b.monitoredBy, pid)
	return ok
}

// MonitoredBy returns a copy of the blocks monitoring this one.
func (b *Block) MonitoredBy() []heap.PID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.monitoredBy)
}

// ---------------------------------------------------------------------------
// Counters
// ---------------------------------------------------------------------------

// AddReductions charges n reductions to the block.
func (b *Block) AddReductions(n int64) {
	if n > 0 {
		b.reductions.Add(uint64(n))
	}
}

// CountSent records one sent message.
func (b *Block) CountSent() { b.sent.Add(1) }

// CountReceived records one received message.
func (b *Block) CountReceived() { b.received.Add(1) }

// Counters returns a snapshot of the activity counters.
func (b *Block) Counters() Counters {
	return Counters{
		Reductions:       b.reductions.Load(),
		MessagesSent:     b.sent.Load(),
		MessagesReceived: b.received.Load(),
	}
}

// ---------------------------------------------------------------------------
// Receive deadline
// ---------------------------------------------------------------------------

// ArmDeadline sets the receive deadline to now+d unless one is armed.
// Reports whether a new deadline was set.
func (b *Block) ArmDeadline(d time.Duration) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timerArmed {
		return b.deadline, false
	}
	b.deadline = time.Now().Add(d)
	b.timerArmed = true
	return b.deadline, true
}

// Deadline returns the armed receive deadline.
func (b *Block) Deadline() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deadline, b.timerArmed
}

// DeadlinePassed reports whether an armed deadline is at or before now.
func (b *Block) DeadlinePassed(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timerArmed && !now.Before(b.deadline)
}

// ClearDeadline disarms the receive deadline.
func (b *Block) ClearDeadline() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timerArmed = false
}

// ---------------------------------------------------------------------------
// Code upgrade
// ---------------------------------------------------------------------------

// SetPendingUpgrade flags that a newer version of the block's module is
// waiting to be applied.
func (b *Block) SetPendingUpgrade(on bool) { b.pendingUpgrade.Store(on) }

// PendingUpgrade reports whether an upgrade is waiting.
func (b *Block) PendingUpgrade() bool { return b.pendingUpgrade.Load() }

// Upgrade switches the block's VM to code, running migrate on state.
func (b *Block) Upgrade(code *bytecode.Bytecode, migrate int, state heap.Value) (heap.Value, error) {
	return b.VM.Upgrade(code, migrate, state)
}

// ModuleName returns the module the block runs.
func (b *Block) ModuleName() string { return b.Module }

// BlockPID returns the block's pid.
func (b *Block) BlockPID() heap.PID { return b.PID }
