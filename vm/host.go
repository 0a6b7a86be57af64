package vm

import (
	"time"

	"github.com/chazu/agim/bytecode"
	"github.com/chazu/agim/heap"
)

// Host connects a VM to the runtime that schedules it. Every method is
// called from the goroutine currently running the VM.
//
// Errors returned by a host are turned into faults. A host that wants a
// particular fault kind returns a *Fault.
type Host interface {
	// Self is the pid of the block owning the VM.
	Self() heap.PID

	// Spawn starts a block running function fn of code with the given
	// arguments.
	Spawn(code *bytecode.Bytecode, fn int, args []heap.Packet) (heap.PID, error)

	// Send delivers a message. It reports false when the target is gone or
	// its mailbox is full.
	Send(to heap.PID, msg heap.Packet) (bool, error)

	// Receive takes the next user message, or the next exit/down message
	// when system is set. ok is false when nothing matching is queued.
	Receive(system bool) (from heap.PID, msg heap.Packet, ok bool, err error)

	Link(pid heap.PID) (bool, error)
	Unlink(pid heap.PID) (bool, error)
	Monitor(pid heap.PID) (bool, error)
	Demonitor(pid heap.PID) (bool, error)

	// StartTimer arms the receive deadline unless it is already armed.
	StartTimer(d time.Duration)
	// TimerExpired reports whether the armed deadline has passed.
	TimerExpired() bool
	// StopTimer disarms the receive deadline.
	StopTimer()

	// Native looks up a registered primitive.
	Native(name string) (Native, bool)

	// Upgrade applies a pending code upgrade to the VM, returning the
	// migrated state. With nothing pending it returns state unchanged.
	Upgrade(v *VM, state heap.Value) (heap.Value, error)
}

// Native is a primitive callable from bytecode. The arguments stay rooted
// for the duration of the call.
type Native func(v *VM, args []heap.Value) (heap.Value, error)

// NullHost runs a VM with no runtime around it: spawning, messaging and
// linking fail, and receives wait forever.
type NullHost struct {
	Natives map[string]Native
}

func (NullHost) Self() heap.PID { return heap.InvalidPID }

func (NullHost) Spawn(*bytecode.Bytecode, int, []heap.Packet) (heap.PID, error) {
	return heap.InvalidPID, NewFault(FaultCapability, "no scheduler")
}

func (NullHost) Send(heap.PID, heap.Packet) (bool, error) { return false, nil }

func (NullHost) Receive(bool) (heap.PID, heap.Packet, bool, error) {
	return heap.InvalidPID, heap.Packet{}, false, nil
}

func (NullHost) Link(heap.PID) (bool, error)      { return false, nil }
func (NullHost) Unlink(heap.PID) (bool, error)    { return false, nil }
func (NullHost) Monitor(heap.PID) (bool, error)   { return false, nil }
func (NullHost) Demonitor(heap.PID) (bool, error) { return false, nil }

func (NullHost) StartTimer(time.Duration) {}
func (NullHost) TimerExpired() bool       { return false }
func (NullHost) StopTimer()               {}

func (h NullHost) Native(name string) (Native, bool) {
	fn, ok := h.Natives[name]
	return fn, ok
}

func (NullHost) Upgrade(_ *VM, state heap.Value) (heap.Value, error) { return state, nil }
