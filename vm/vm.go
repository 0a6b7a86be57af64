// Package vm implements the bytecode interpreter that runs inside a block.
//
// A VM executes one slice at a time: Run executes instructions until the
// reduction budget is spent, the code yields, a receive finds nothing to
// take, or the program ends. All interaction with other blocks goes through
// the Host supplied by the scheduler.
package vm

import (
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/agim/bytecode"
	"github.com/chazu/agim/heap"
)

var log = commonlog.GetLogger("agim.vm")

// Options bounds a VM's resources.
type Options struct {
	MaxStack     int // value slots
	MaxCallDepth int // frames
}

// DefaultOptions returns the limits used when none are configured.
func DefaultOptions() Options {
	return Options{MaxStack: 1024, MaxCallDepth: 256}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxStack <= 0 {
		o.MaxStack = d.MaxStack
	}
	if o.MaxCallDepth <= 0 {
		o.MaxCallDepth = d.MaxCallDepth
	}
	return o
}

// frame is one activation record. Slot 0 at base holds the callee.
type frame struct {
	code    *bytecode.Bytecode // the version this frame was entered under
	chunk   *bytecode.Chunk
	consts  []heap.Value
	closure *heap.Object
	ip      int
	base    int
}

// VM is a stack machine over heap values.
type VM struct {
	heap *heap.Heap
	host Host
	opts Options

	code   *bytecode.Bytecode
	consts map[*bytecode.Chunk][]heap.Value

	stack   []heap.Value
	frames  []frame
	globals map[string]heap.Value
	open    []*heap.Upvalue // open upvalues, ordered by slot

	reductions int64
	slice      int64
	lastSender heap.PID

	halted   bool
	exitCode int64
	result   heap.Value
	fault    *Fault

	// Trace logs every instruction at debug level.
	Trace bool
}

// New creates a VM allocating from h.
func New(h *heap.Heap, host Host, opts Options) *VM {
	if host == nil {
		host = NullHost{}
	}
	opts = opts.withDefaults()
	return &VM{
		heap:    h,
		host:    host,
		opts:    opts,
		consts:  make(map[*bytecode.Chunk][]heap.Value),
		stack:   make([]heap.Value, 0, min(opts.MaxStack, 64)),
		globals: make(map[string]heap.Value),
		result:  heap.Nil,
	}
}

// Heap returns the VM's heap.
func (v *VM) Heap() *heap.Heap { return v.heap }

// Host returns the VM's host.
func (v *VM) Host() Host { return v.host }

// SetHost replaces the VM's host.
func (v *VM) SetHost(h Host) { v.host = h }

// Code returns the bytecode the VM currently runs.
func (v *VM) Code() *bytecode.Bytecode { return v.code }

// Reductions returns the total reductions charged so far.
func (v *VM) Reductions() int64 { return v.reductions }

// Halted reports whether the program has finished.
func (v *VM) Halted() bool { return v.halted }

// ExitCode returns the code passed to EXIT, or 0.
func (v *VM) ExitCode() int64 { return v.exitCode }

// Result returns the value the main function returned.
func (v *VM) Result() heap.Value { return v.result }

// Fault returns the fault that stopped the program, if any.
func (v *VM) Fault() *Fault { return v.fault }

// StackDepth returns the number of live stack slots.
func (v *VM) StackDepth() int { return len(v.stack) }

// CallDepth returns the number of active frames.
func (v *VM) CallDepth() int { return len(v.frames) }

// Global returns a global variable.
func (v *VM) Global(name string) (heap.Value, bool) {
	g, ok := v.globals[name]
	return g, ok
}

// SetGlobal assigns a global variable.
func (v *VM) SetGlobal(name string, val heap.Value) { v.globals[name] = val }

// Load prepares the VM to run code's main chunk. The VM takes a reference
// to code.
func (v *VM) Load(code *bytecode.Bytecode) error {
	if err := code.Validate(); err != nil {
		return WrapFault(FaultBadCode, err)
	}
	v.setCode(code)
	v.stack = append(v.stack[:0], heap.Nil)
	return v.enter(code, code.Main, nil, 0)
}

// LoadEntry prepares the VM to run function fn of code with the given
// arguments, as a spawned block does.
func (v *VM) LoadEntry(code *bytecode.Bytecode, fn int, args []heap.Packet) error {
	if err := code.Validate(); err != nil {
		return WrapFault(FaultBadCode, err)
	}
	chunk, ok := code.Function(fn)
	if !ok {
		return NewFault(FaultUndefined, "function %d", fn)
	}
	if len(args) != int(chunk.Arity) {
		return NewFault(FaultArity, "%s takes %d arguments, got %d", chunk.Name, chunk.Arity, len(args))
	}
	v.setCode(code)

	callee, err := v.heap.NewFunction(fn, v)
	if err != nil {
		return v.allocFault(err)
	}
	v.stack = append(v.stack[:0], callee.Value())
	for _, p := range args {
		val, err := v.heap.Import(p, v)
		if err != nil {
			return v.allocFault(err)
		}
		v.stack = append(v.stack, val)
	}
	return v.enter(code, chunk, nil, 0)
}

// Close drops the VM's reference to its code.
func (v *VM) Close() {
	if v.code != nil {
		v.code.Release()
		v.code = nil
	}
	v.frames = nil
	v.stack = v.stack[:0]
}

func (v *VM) setCode(code *bytecode.Bytecode) {
	code.Retain()
	if v.code != nil {
		v.code.Release()
	}
	v.code = code
}

// constants materialises a chunk's constant pool into the heap, once.
func (v *VM) constants(c *bytecode.Chunk) ([]heap.Value, error) {
	if vals, ok := v.consts[c]; ok {
		return vals, nil
	}
	vals := make([]heap.Value, len(c.Constants))
	// Registered first so strings allocated below are rooted.
	v.consts[c] = vals
	for i, k := range c.Constants {
		switch k.Kind {
		case bytecode.ConstNil:
			vals[i] = heap.Nil
		case bytecode.ConstBool:
			vals[i] = heap.Bool(k.Int != 0)
		case bytecode.ConstInt:
			vals[i] = heap.Int(k.Int)
		case bytecode.ConstFloat:
			vals[i] = heap.Double(k.Float)
		case bytecode.ConstString:
			vals[i] = heap.Nil
			o, err := v.heap.NewString(k.Str, v)
			if err != nil {
				delete(v.consts, c)
				return nil, err
			}
			vals[i] = o.Value()
		}
	}
	return vals, nil
}

// enter pushes a frame for chunk whose callee and arguments start at base.
func (v *VM) enter(code *bytecode.Bytecode, chunk *bytecode.Chunk, closure *heap.Object, base int) error {
	if len(v.frames) >= v.opts.MaxCallDepth {
		return NewFault(FaultCallDepth, "%d frames", len(v.frames))
	}
	if base+chunk.SlotCount() > v.opts.MaxStack {
		return NewFault(FaultStackOverflow, "%s needs %d slots", chunk.Name, chunk.SlotCount())
	}
	consts, err := v.constants(chunk)
	if err != nil {
		return v.allocFault(err)
	}
	for range chunk.LocalCount {
		v.stack = append(v.stack, heap.Nil)
	}
	v.frames = append(v.frames, frame{
		code:    code,
		chunk:   chunk,
		consts:  consts,
		closure: closure,
		base:    base,
	})
	return nil
}

// ScanRoots reports every value the program can still reach.
func (v *VM) ScanRoots(visit func(heap.Value)) {
	for _, s := range v.stack {
		visit(s)
	}
	for _, g := range v.globals {
		visit(g)
	}
	for _, uv := range v.open {
		if uv.Slot < len(v.stack) {
			visit(v.stack[uv.Slot])
		}
	}
	for _, vals := range v.consts {
		for _, c := range vals {
			visit(c)
		}
	}
	for i := range v.frames {
		if c := v.frames[i].closure; c != nil {
			visit(c.Value())
		}
	}
	visit(v.result)
}

// CollectGarbage runs the collector appropriate for the heap's mode.
func (v *VM) CollectGarbage() {
	v.heap.Collect(v)
}

// GCStep advances an incremental collection, starting one when allocation
// pressure calls for it. It is meant to run between slices.
func (v *VM) GCStep() {
	h := v.heap
	if !h.InProgress() {
		if !h.ShouldStartIncremental() {
			return
		}
		h.StartIncremental(v)
	}
	h.Step(v)
}

func (v *VM) allocFault(err error) *Fault {
	return WrapFault(FaultHeapExhausted, err)
}

// Upgrade switches the VM to code. Frames already running keep their
// version until they return; new calls use code. When migrate is a valid
// function index it is called with state and its result returned. If the
// migration fails the VM goes back to its previous code and state is
// returned unchanged.
func (v *VM) Upgrade(code *bytecode.Bytecode, migrate int, state heap.Value) (heap.Value, error) {
	if err := code.Validate(); err != nil {
		return state, WrapFault(FaultBadCode, err)
	}
	prev := v.code
	if prev != nil {
		prev.Retain()
		defer prev.Release()
	}
	v.setCode(code)
	v.pruneConstants()
	if migrate < 0 {
		return state, nil
	}
	next, err := v.Invoke(migrate, []heap.Value{state}, int64(v.opts.MaxCallDepth)*1000)
	if err != nil {
		if prev != nil {
			v.setCode(prev)
			v.pruneConstants()
		}
		return state, err
	}
	return next, nil
}

// pruneConstants drops pools of chunks no longer reachable from the code or
// an active frame.
func (v *VM) pruneConstants() {
	live := make(map[*bytecode.Chunk]bool)
	for _, c := range v.code.Chunks() {
		live[c] = true
	}
	for i := range v.frames {
		live[v.frames[i].chunk] = true
	}
	for c := range v.consts {
		if !live[c] {
			delete(v.consts, c)
		}
	}
}

// Invoke calls function fn of the current code synchronously and returns its
// result. It may not receive or yield.
func (v *VM) Invoke(fn int, args []heap.Value, budget int64) (heap.Value, error) {
	chunk, ok := v.code.Function(fn)
	if !ok {
		return heap.Nil, NewFault(FaultUndefined, "function %d", fn)
	}
	if len(args) != int(chunk.Arity) {
		return heap.Nil, NewFault(FaultArity, "%s takes %d arguments, got %d", chunk.Name, chunk.Arity, len(args))
	}

	floor := len(v.frames)
	base := len(v.stack)
	if base+chunk.SlotCount() > v.opts.MaxStack {
		return heap.Nil, NewFault(FaultStackOverflow, "%s needs %d slots", chunk.Name, chunk.SlotCount())
	}
	// Arguments are pushed before the callee is allocated so they stay rooted.
	v.stack = append(v.stack, heap.Nil)
	v.stack = append(v.stack, args...)
	callee, err := v.heap.NewFunction(fn, v)
	if err != nil {
		v.stack = v.stack[:base]
		return heap.Nil, v.allocFault(err)
	}
	v.stack[base] = callee.Value()
	if err := v.enter(v.code, chunk, nil, base); err != nil {
		v.stack = v.stack[:base]
		return heap.Nil, err
	}

	saved := v.slice
	v.slice = 0
	res, ret := v.run(budget, floor)
	v.slice = saved

	switch res {
	case resultReturn:
		return ret, nil
	case ResultError:
		f := v.fault
		v.fault = nil
		v.unwind(floor, base)
		return heap.Nil, f
	default:
		v.unwind(floor, base)
		return heap.Nil, NewFault(FaultUpgrade, "%s did not return (%s)", chunk.Name, res)
	}
}

// unwind discards frames above floor and the stack above base.
func (v *VM) unwind(floor, base int) {
	v.closeUpvalues(base)
	v.frames = v.frames[:floor]
	v.stack = v.stack[:base]
	v.halted = false
}

// Run executes until budget reductions are used or the program stops.
func (v *VM) Run(budget int) Result {
	if v.halted {
		return ResultHalt
	}
	if v.fault != nil {
		return ResultError
	}
	if len(v.frames) == 0 {
		v.fault = NewFault(FaultBadCode, "no code loaded")
		return ResultError
	}
	v.slice = 0
	res, _ := v.run(int64(budget), 0)
	return res
}

// SliceReductions returns the reductions used by the last Run.
func (v *VM) SliceReductions() int64 { return v.slice }

func (v *VM) String() string {
	name := "<none>"
	if len(v.frames) > 0 {
		name = v.frames[len(v.frames)-1].chunk.Name
	}
	return fmt.Sprintf("VM{fn=%s sp=%d frames=%d reductions=%d}", name, len(v.stack), len(v.frames), v.reductions)
}
