package sched

import (
	"fmt"
	"strings"
	"time"

	"github.com/chazu/agim/block"
	"github.com/chazu/agim/heap"
	"github.com/chazu/agim/vm"
)

// Primitive is a native function callable from bytecode. It runs on the
// worker executing b, with b's VM.
type Primitive func(b *block.Block, v *vm.VM, args []heap.Value) (heap.Value, error)

// RegisterPrimitive makes fn callable by name from every block. It replaces
// any primitive already registered under name.
func (s *Scheduler) RegisterPrimitive(name string, fn Primitive) {
	s.primMu.Lock()
	defer s.primMu.Unlock()
	s.prims[name] = fn
}

func (s *Scheduler) primitive(name string) (Primitive, bool) {
	s.primMu.RLock()
	defer s.primMu.RUnlock()
	fn, ok := s.prims[name]
	return fn, ok
}

// Primitives returns the registered primitive names.
func (s *Scheduler) Primitives() []string {
	s.primMu.RLock()
	defer s.primMu.RUnlock()
	names := make([]string, 0, len(s.prims))
	for name := range s.prims {
		names = append(names, name)
	}
	return names
}

func (s *Scheduler) registerBuiltins() {
	s.RegisterPrimitive("print", primPrint)
	s.RegisterPrimitive("now_ms", primNowMillis)
	s.RegisterPrimitive("gc", primCollect)
	s.RegisterPrimitive("group_join", s.primGroupJoin)
	s.RegisterPrimitive("group_leave", s.primGroupLeave)
	s.RegisterPrimitive("group_members", s.primGroupMembers)
}

func primPrint(b *block.Block, v *vm.VM, args []heap.Value) (heap.Value, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = v.Heap().Display(a)
	}
	log.Infof("%s: %s", b, strings.Join(parts, " "))
	return heap.Nil, nil
}

func primNowMillis(_ *block.Block, _ *vm.VM, _ []heap.Value) (heap.Value, error) {
	return heap.Int(time.Now().UnixMilli()), nil
}

func primCollect(_ *block.Block, v *vm.VM, _ []heap.Value) (heap.Value, error) {
	v.CollectGarbage()
	return heap.Int(v.Heap().BytesAllocated()), nil
}

func groupName(v *vm.VM, args []heap.Value) (string, error) {
	if len(args) != 1 {
		return "", vm.NewFault(vm.FaultArity, "group name expected, got %d arguments", len(args))
	}
	name, ok := v.Heap().StringOf(args[0])
	if !ok {
		return "", vm.NewFault(vm.FaultType, "group name must be a string")
	}
	return name, nil
}

func (s *Scheduler) primGroupJoin(b *block.Block, v *vm.VM, args []heap.Value) (heap.Value, error) {
	name, err := groupName(v, args)
	if err != nil {
		return heap.Nil, err
	}
	return heap.Bool(s.groups.join(name, b.PID)), nil
}

func (s *Scheduler) primGroupLeave(b *block.Block, v *vm.VM, args []heap.Value) (heap.Value, error) {
	name, err := groupName(v, args)
	if err != nil {
		return heap.Nil, err
	}
	return heap.Bool(s.groups.leave(name, b.PID)), nil
}

func (s *Scheduler) primGroupMembers(_ *block.Block, v *vm.VM, args []heap.Value) (heap.Value, error) {
	name, err := groupName(v, args)
	if err != nil {
		return heap.Nil, err
	}
	pids := s.groups.list(name)
	items := make([]heap.Value, len(pids))
	for i, pid := range pids {
		items[i] = heap.FromPID(pid)
	}
	o, err := v.Heap().NewArray(items, v)
	if err != nil {
		return heap.Nil, vm.WrapFault(vm.FaultHeapExhausted, fmt.Errorf("group_members: %w", err))
	}
	return o.Value(), nil
}
