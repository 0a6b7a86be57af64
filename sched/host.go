package sched

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/chazu/agim/block"
	"github.com/chazu/agim/bytecode"
	"github.com/chazu/agim/heap"
	"github.com/chazu/agim/mailbox"
	"github.com/chazu/agim/vm"
)

// blockHost connects one block's VM to the scheduler. It is only used by
// the worker currently running the block.
type blockHost struct {
	s *Scheduler
	b *block.Block
	w *Worker // worker running the current slice; nil in single-threaded mode

	// waitSystem is set when the last failed receive wanted a system
	// message. It is read by the worker parking the block while a waker
	// may already be running it elsewhere.
	waitSystem atomic.Bool
}

var _ vm.Host = (*blockHost)(nil)

func (h *blockHost) require(c block.Capability) error {
	if err := h.b.Require(c); err != nil {
		return &vm.Fault{Kind: vm.FaultCapability, Msg: err.Error(), Err: err}
	}
	return nil
}

func (h *blockHost) Self() heap.PID { return h.b.PID }

func (h *blockHost) Spawn(code *bytecode.Bytecode, fn int, args []heap.Packet) (heap.PID, error) {
	if err := h.require(block.CapSpawn); err != nil {
		return heap.InvalidPID, err
	}
	opts := SpawnOptions{
		Module:       h.b.Module,
		Capabilities: h.b.Capabilities(),
	}
	if c, ok := code.Function(fn); ok {
		opts.Name = c.Name
	}
	pid, err := h.s.spawn(h.w, code, fn, args, opts)
	if err != nil {
		if errors.Is(err, ErrRegistryFull) {
			return heap.InvalidPID, vm.WrapFault(vm.FaultSpawn, err)
		}
		return heap.InvalidPID, err
	}
	return pid, nil
}

func (h *blockHost) Send(to heap.PID, p heap.Packet) (bool, error) {
	if err := h.require(block.CapSend); err != nil {
		return false, err
	}
	ok := h.s.deliver(h.w, h.b.PID, to, mailbox.User, p)
	if ok {
		h.b.CountSent()
	}
	return ok, nil
}

func (h *blockHost) Receive(system bool) (heap.PID, heap.Packet, bool, error) {
	if err := h.require(block.CapReceive); err != nil {
		return heap.InvalidPID, heap.Packet{}, false, err
	}
	match := mailbox.IsUser
	if system {
		match = mailbox.IsSystem
	}
	m, ok := h.b.Mailbox.TakeMatch(match)
	if !ok {
		h.waitSystem.Store(system)
		return heap.InvalidPID, heap.Packet{}, false, nil
	}
	h.b.CountReceived()
	return m.Sender, m.Payload, true, nil
}

// hasWanted reports whether the mailbox holds what the block last waited
// for.
func (h *blockHost) hasWanted() bool {
	if h.waitSystem.Load() {
		return h.b.Mailbox.Has(mailbox.IsSystem)
	}
	return h.b.Mailbox.Has(mailbox.IsUser)
}

func (h *blockHost) Link(pid heap.PID) (bool, error) {
	if err := h.require(block.CapLink); err != nil {
		return false, err
	}
	return h.s.link(h.w, h.b, pid), nil
}

func (h *blockHost) Unlink(pid heap.PID) (bool, error) {
	if err := h.require(block.CapLink); err != nil {
		return false, err
	}
	return h.s.unlink(h.b, pid), nil
}

func (h *blockHost) Monitor(pid heap.PID) (bool, error) {
	if err := h.require(block.CapMonitor); err != nil {
		return false, err
	}
	return h.s.monitor(h.b, pid), nil
}

func (h *blockHost) Demonitor(pid heap.PID) (bool, error) {
	if err := h.require(block.CapMonitor); err != nil {
		return false, err
	}
	return h.s.demonitor(h.b, pid), nil
}

func (h *blockHost) StartTimer(d time.Duration) {
	if when, armed := h.b.ArmDeadline(d); armed {
		h.s.timers.Add(h.b, when)
	}
}

func (h *blockHost) TimerExpired() bool { return h.b.DeadlinePassed(time.Now()) }

func (h *blockHost) StopTimer() { h.b.ClearDeadline() }

func (h *blockHost) Native(name string) (vm.Native, bool) {
	p, ok := h.s.primitive(name)
	if !ok {
		return nil, false
	}
	b := h.b
	return func(v *vm.VM, args []heap.Value) (heap.Value, error) {
		return p(b, v, args)
	}, true
}

func (h *blockHost) Upgrade(_ *vm.VM, state heap.Value) (heap.Value, error) {
	u := h.s.upgrader
	if u == nil || !h.b.PendingUpgrade() {
		return state, nil
	}
	return u.ApplyUpgrade(h.b, state)
}
