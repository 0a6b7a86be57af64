package vm

import (
	"math"
	"runtime"
	"strings"
	"time"

	"github.com/chazu/agim/bytecode"
	"github.com/chazu/agim/heap"
)

// resultReturn ends a nested run started by Invoke.
const resultReturn Result = 255

func (v *VM) fail(f *Fault) (Result, heap.Value) {
	v.fault = f
	return ResultError, heap.Nil
}

func (v *VM) push(x heap.Value) { v.stack = append(v.stack, x) }

func (v *VM) pop() heap.Value {
	x := v.stack[len(v.stack)-1]
	v.stack = v.stack[:len(v.stack)-1]
	return x
}

func (v *VM) peek(n int) heap.Value { return v.stack[len(v.stack)-1-n] }

func (v *VM) replaceTop(x heap.Value) { v.stack[len(v.stack)-1] = x }

// run is the dispatch loop. It stops when the slice budget is spent or when
// a return brings the frame count down to floor.
func (v *VM) run(budget int64, floor int) (res Result, ret heap.Value) {
	defer func() {
		if r := recover(); r != nil {
			re, ok := r.(runtime.Error)
			if !ok {
				panic(r)
			}
			v.fault = NewFault(FaultBadCode, "%v", re)
			res, ret = ResultError, heap.Nil
		}
	}()

	for {
		if v.slice >= budget {
			return ResultYield, heap.Nil
		}
		if len(v.stack) >= v.opts.MaxStack {
			return v.fail(NewFault(FaultStackOverflow, "%d slots", len(v.stack)))
		}

		f := &v.frames[len(v.frames)-1]
		code := f.chunk.Code
		start := f.ip

		var op bytecode.Opcode
		if f.ip >= len(code) {
			// Falling off the end returns nil.
			v.push(heap.Nil)
			op = bytecode.OpReturn
		} else {
			op = bytecode.Opcode(code[f.ip])
			f.ip++
		}
		cost := int64(op.Cost())
		v.slice += cost
		v.reductions += cost

		if v.Trace {
			log.Debugf("%s %04X %s (stack=%d)", f.chunk.Name, start, f.chunk.DisassembleInstruction(start), len(v.stack))
		}

		switch op {
		// ============ Stack ============

		case bytecode.OpNop:

		case bytecode.OpPop:
			v.pop()

		case bytecode.OpDup:
			v.push(v.peek(0))

		case bytecode.OpSwap:
			n := len(v.stack)
			v.stack[n-1], v.stack[n-2] = v.stack[n-2], v.stack[n-1]

		// ============ Constants ============

		case bytecode.OpConst:
			idx := f.chunk.ReadU16(f.ip)
			f.ip += 2
			v.push(f.consts[idx])

		case bytecode.OpNil:
			v.push(heap.Nil)

		case bytecode.OpTrue:
			v.push(heap.True)

		case bytecode.OpFalse:
			v.push(heap.False)

		case bytecode.OpSmallInt:
			n := f.chunk.ReadI16(f.ip)
			f.ip += 2
			v.push(heap.Int(int64(n)))

		// ============ Variables ============

		case bytecode.OpLoadLocal:
			slot := int(code[f.ip])
			f.ip++
			v.push(v.stack[f.base+slot])

		case bytecode.OpStoreLocal:
			slot := int(code[f.ip])
			f.ip++
			v.stack[f.base+slot] = v.pop()

		case bytecode.OpLoadGlobal:
			name := f.chunk.Constants[f.chunk.ReadU16(f.ip)].Str
			f.ip += 2
			g, ok := v.globals[name]
			if !ok {
				return v.fail(NewFault(FaultUndefined, "global %s", name))
			}
			v.push(g)

		case bytecode.OpStoreGlobal:
			name := f.chunk.Constants[f.chunk.ReadU16(f.ip)].Str
			f.ip += 2
			v.globals[name] = v.pop()

		case bytecode.OpLoadUpvalue:
			uv, flt := v.upvalue(f, int(code[f.ip]))
			f.ip++
			if flt != nil {
				return v.fail(flt)
			}
			if uv.Closed {
				v.push(uv.Value)
			} else {
				v.push(v.stack[uv.Slot])
			}

		case bytecode.OpStoreUpvalue:
			uv, flt := v.upvalue(f, int(code[f.ip]))
			f.ip++
			if flt != nil {
				return v.fail(flt)
			}
			val := v.pop()
			if uv.Closed {
				v.heap.SetUpvalue(uv, val)
			} else {
				v.stack[uv.Slot] = val
			}

		case bytecode.OpCloseUpvalue:
			v.closeUpvalues(len(v.stack) - 1)
			v.pop()

		// ============ Arithmetic ============

		case bytecode.OpAdd:
			a, b := v.peek(1), v.peek(0)
			if sa, ok := v.heap.StringOf(a); ok {
				if sb, ok := v.heap.StringOf(b); ok {
					if flt := v.pushString(sa+sb, 2); flt != nil {
						return v.fail(flt)
					}
					break
				}
			}
			r, flt := v.arith(op, a, b)
			if flt != nil {
				return v.fail(flt)
			}
			v.pop()
			v.replaceTop(r)

		case bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod:
			b := v.pop()
			r, flt := v.arith(op, v.peek(0), b)
			if flt != nil {
				return v.fail(flt)
			}
			v.replaceTop(r)

		case bytecode.OpNeg:
			a := v.peek(0)
			switch {
			case a.IsInt():
				v.replaceTop(heap.Int(-a.AsInt()))
			case a.IsDouble():
				v.replaceTop(heap.Double(-a.AsDouble()))
			default:
				return v.fail(NewFault(FaultType, "cannot negate %s", v.typeName(a)))
			}

		// ============ Comparison ============

		case bytecode.OpEq:
			b := v.pop()
			v.replaceTop(heap.Bool(v.heap.Equal(v.peek(0), b)))

		case bytecode.OpNe:
			b := v.pop()
			v.replaceTop(heap.Bool(!v.heap.Equal(v.peek(0), b)))

		case bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
			b := v.pop()
			c, flt := v.compare(v.peek(0), b)
			if flt != nil {
				return v.fail(flt)
			}
			var r bool
			switch op {
			case bytecode.OpLt:
				r = c < 0
			case bytecode.OpLe:
				r = c <= 0
			case bytecode.OpGt:
				r = c > 0
			default:
				r = c >= 0
			}
			v.replaceTop(heap.Bool(r))

		case bytecode.OpNot:
			v.replaceTop(heap.Bool(!v.peek(0).IsTruthy()))

		// ============ Control Flow ============

		case bytecode.OpJump:
			delta := int(f.chunk.ReadI16(f.ip))
			f.ip += 2 + delta

		case bytecode.OpJumpTrue, bytecode.OpJumpFalse:
			delta := int(f.chunk.ReadI16(f.ip))
			f.ip += 2
			if v.pop().IsTruthy() == (op == bytecode.OpJumpTrue) {
				f.ip += delta
			}

		// ============ Functions ============

		case bytecode.OpClosure:
			fn := int(f.chunk.ReadU16(f.ip))
			f.ip += 2
			val, flt := v.makeClosure(f, fn)
			if flt != nil {
				return v.fail(flt)
			}
			v.push(val)

		case bytecode.OpCall:
			argc := int(code[f.ip])
			f.ip++
			if flt := v.call(argc); flt != nil {
				return v.fail(flt)
			}

		case bytecode.OpReturn:
			r := v.pop()
			v.closeUpvalues(f.base)
			v.stack = v.stack[:f.base]
			v.frames = v.frames[:len(v.frames)-1]
			if len(v.frames) == floor {
				if floor == 0 {
					v.halted = true
					v.result = r
					return ResultHalt, r
				}
				return resultReturn, r
			}
			v.push(r)

		case bytecode.OpCallNative:
			name := f.chunk.Constants[f.chunk.ReadU16(f.ip)].Str
			argc := int(code[f.ip+2])
			f.ip += 3
			fn, ok := v.host.Native(name)
			if !ok {
				return v.fail(NewFault(FaultUndefined, "primitive %s", name))
			}
			args := append([]heap.Value(nil), v.stack[len(v.stack)-argc:]...)
			r, err := fn(v, args)
			if err != nil {
				return v.fail(AsFault(err, FaultNative))
			}
			v.stack = v.stack[:len(v.stack)-argc]
			v.push(r)

		// ============ Collections ============

		case bytecode.OpArray:
			n := int(code[f.ip])
			f.ip++
			o, err := v.heap.NewArray(v.stack[len(v.stack)-n:], v)
			if err != nil {
				return v.fail(v.allocFault(err))
			}
			v.stack = v.stack[:len(v.stack)-n]
			v.push(o.Value())

		case bytecode.OpMap:
			o, err := v.heap.NewMap(v)
			if err != nil {
				return v.fail(v.allocFault(err))
			}
			v.push(o.Value())

		case bytecode.OpIndex:
			idx := v.pop()
			r, flt := v.index(v.peek(0), idx)
			if flt != nil {
				return v.fail(flt)
			}
			v.replaceTop(r)

		case bytecode.OpSetIndex:
			val := v.pop()
			idx := v.pop()
			if flt := v.setIndex(v.peek(0), idx, val); flt != nil {
				return v.fail(flt)
			}

		case bytecode.OpLen:
			n, flt := v.length(v.peek(0))
			if flt != nil {
				return v.fail(flt)
			}
			v.replaceTop(heap.Int(int64(n)))

		case bytecode.OpAppend:
			val := v.pop()
			o := v.heap.Get(v.peek(0))
			if o == nil || o.Kind != heap.KindArray {
				return v.fail(NewFault(FaultType, "cannot append to %s", v.typeName(v.peek(0))))
			}
			v.heap.Append(o, val)

		case bytecode.OpConcat:
			s := v.heap.Display(v.peek(1)) + v.heap.Display(v.peek(0))
			if flt := v.pushString(s, 2); flt != nil {
				return v.fail(flt)
			}

		case bytecode.OpOk, bytecode.OpErr:
			o, err := v.heap.NewResult(op == bytecode.OpOk, v.peek(0), v)
			if err != nil {
				return v.fail(v.allocFault(err))
			}
			v.replaceTop(o.Value())

		case bytecode.OpStruct:
			name := f.chunk.Constants[f.chunk.ReadU16(f.ip)].Str
			n := int(code[f.ip+2])
			f.ip += 3
			o, err := v.heap.NewStruct(name, v.stack[len(v.stack)-n:], v)
			if err != nil {
				return v.fail(v.allocFault(err))
			}
			v.stack = v.stack[:len(v.stack)-n]
			v.push(o.Value())

		case bytecode.OpIsOk:
			o := v.heap.Get(v.peek(0))
			switch {
			case o != nil && o.Kind == heap.KindResult:
				v.replaceTop(heap.Bool(o.Num.IsTrue()))
			case o != nil && o.Kind == heap.KindOption:
				v.replaceTop(heap.Bool(len(o.Items) > 0))
			default:
				return v.fail(NewFault(FaultType, "%s is not a result", v.typeName(v.peek(0))))
			}

		case bytecode.OpUnwrap:
			r, flt := v.unwrap(v.peek(0))
			if flt != nil {
				return v.fail(flt)
			}
			v.replaceTop(r)

		// ============ Concurrency ============

		case bytecode.OpSpawn:
			fn := int(f.chunk.ReadU16(f.ip))
			argc := int(code[f.ip+2])
			f.ip += 3
			args := make([]heap.Packet, argc)
			for i, a := range v.stack[len(v.stack)-argc:] {
				p, err := v.heap.Export(a)
				if err != nil {
					return v.fail(WrapFault(FaultSpawn, err))
				}
				args[i] = p
			}
			pid, err := v.host.Spawn(f.code, fn, args)
			if err != nil {
				return v.fail(AsFault(err, FaultSpawn))
			}
			v.stack = v.stack[:len(v.stack)-argc]
			v.push(heap.FromPID(pid))

		case bytecode.OpSend:
			msg := v.pop()
			to := v.peek(0)
			if !to.IsPID() {
				return v.fail(NewFault(FaultType, "cannot send to %s", v.typeName(to)))
			}
			p, err := v.heap.Export(msg)
			if err != nil {
				return v.fail(WrapFault(FaultSendFailed, err))
			}
			ok, err := v.host.Send(to.AsPID(), p)
			if err != nil {
				return v.fail(AsFault(err, FaultSendFailed))
			}
			v.replaceTop(heap.Bool(ok))

		case bytecode.OpReceive, bytecode.OpReceiveSystem:
			from, p, ok, err := v.host.Receive(op == bytecode.OpReceiveSystem)
			if err != nil {
				return v.fail(AsFault(err, FaultCapability))
			}
			if !ok {
				f.ip = start
				return ResultWaiting, heap.Nil
			}
			if flt := v.deliver(from, p); flt != nil {
				return v.fail(flt)
			}

		case bytecode.OpReceiveTimeout:
			ms, ok := v.peek(0).AsNumber()
			if !ok {
				return v.fail(NewFault(FaultType, "receive timeout must be a number, got %s", v.typeName(v.peek(0))))
			}
			from, p, ok, err := v.host.Receive(false)
			if err != nil {
				return v.fail(AsFault(err, FaultCapability))
			}
			if ok {
				v.host.StopTimer()
				v.pop()
				if flt := v.deliver(from, p); flt != nil {
					return v.fail(flt)
				}
				break
			}
			if ms <= 0 || v.host.TimerExpired() {
				v.host.StopTimer()
				v.replaceTop(heap.Nil)
				break
			}
			v.host.StartTimer(time.Duration(ms * float64(time.Millisecond)))
			f.ip = start
			return ResultWaiting, heap.Nil

		case bytecode.OpSelf:
			v.push(heap.FromPID(v.host.Self()))

		case bytecode.OpLink, bytecode.OpUnlink, bytecode.OpMonitor, bytecode.OpDemonitor:
			target := v.peek(0)
			if !target.IsPID() {
				return v.fail(NewFault(FaultType, "%s needs a pid, got %s", op, v.typeName(target)))
			}
			var fn func(heap.PID) (bool, error)
			switch op {
			case bytecode.OpLink:
				fn = v.host.Link
			case bytecode.OpUnlink:
				fn = v.host.Unlink
			case bytecode.OpMonitor:
				fn = v.host.Monitor
			default:
				fn = v.host.Demonitor
			}
			ok, err := fn(target.AsPID())
			if err != nil {
				return v.fail(AsFault(err, FaultCapability))
			}
			v.replaceTop(heap.Bool(ok))

		case bytecode.OpYield:
			return ResultYield, heap.Nil

		case bytecode.OpSender:
			if v.lastSender == heap.InvalidPID {
				v.push(heap.Nil)
			} else {
				v.push(heap.FromPID(v.lastSender))
			}

		case bytecode.OpUpgrade:
			state, err := v.host.Upgrade(v, v.peek(0))
			if err != nil {
				return v.fail(AsFault(err, FaultUpgrade))
			}
			v.replaceTop(state)

		// ============ Termination ============

		case bytecode.OpHalt:
			v.halted = true
			return ResultHalt, heap.Nil

		case bytecode.OpExit:
			c := v.pop()
			if !c.IsInt() {
				return v.fail(NewFault(FaultType, "exit code must be an int, got %s", v.typeName(c)))
			}
			v.exitCode = c.AsInt()
			v.halted = true
			return ResultHalt, heap.Nil

		case bytecode.OpCrash:
			reason := v.heap.Display(v.pop())
			return v.fail(&Fault{Kind: FaultCrash, Msg: reason})

		default:
			return v.fail(NewFault(FaultBadCode, "unknown opcode 0x%02X at %s:%04X", byte(op), f.chunk.Name, start))
		}
	}
}

// deliver imports a received message and pushes it.
func (v *VM) deliver(from heap.PID, p heap.Packet) *Fault {
	val, err := v.heap.Import(p, v)
	if err != nil {
		return v.allocFault(err)
	}
	v.lastSender = from
	v.push(val)
	return nil
}

// pushString replaces the top n values with a new string.
func (v *VM) pushString(s string, n int) *Fault {
	o, err := v.heap.NewString(s, v)
	if err != nil {
		return v.allocFault(err)
	}
	v.stack = v.stack[:len(v.stack)-n]
	v.push(o.Value())
	return nil
}

func (v *VM) typeName(x heap.Value) string {
	switch {
	case x.IsInt():
		return "int"
	case x.IsDouble():
		return "float"
	case x.IsNil():
		return "nil"
	case x.IsBool():
		return "bool"
	case x.IsPID():
		return "pid"
	}
	if o := v.heap.Get(x); o != nil {
		return o.Kind.String()
	}
	return "invalid"
}

func (v *VM) arith(op bytecode.Opcode, a, b heap.Value) (heap.Value, *Fault) {
	if a.IsInt() && b.IsInt() {
		x, y := a.AsInt(), b.AsInt()
		switch op {
		case bytecode.OpAdd:
			return heap.Int(x + y), nil
		case bytecode.OpSub:
			return heap.Int(x - y), nil
		case bytecode.OpMul:
			return heap.Int(x * y), nil
		case bytecode.OpDiv:
			if y == 0 {
				return heap.Nil, NewFault(FaultDivByZero, "%d / 0", x)
			}
			return heap.Int(x / y), nil
		case bytecode.OpMod:
			if y == 0 {
				return heap.Nil, NewFault(FaultDivByZero, "%d %% 0", x)
			}
			return heap.Int(x % y), nil
		}
	}
	x, okA := a.AsNumber()
	y, okB := b.AsNumber()
	if !okA || !okB {
		return heap.Nil, NewFault(FaultType, "%s on %s and %s", op, v.typeName(a), v.typeName(b))
	}
	switch op {
	case bytecode.OpAdd:
		return heap.Double(x + y), nil
	case bytecode.OpSub:
		return heap.Double(x - y), nil
	case bytecode.OpMul:
		return heap.Double(x * y), nil
	case bytecode.OpDiv:
		return heap.Double(x / y), nil
	default:
		return heap.Double(math.Mod(x, y)), nil
	}
}

func (v *VM) compare(a, b heap.Value) (int, *Fault) {
	if a.IsInt() && b.IsInt() {
		x, y := a.AsInt(), b.AsInt()
		switch {
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		}
		return 0, nil
	}
	if x, ok := a.AsNumber(); ok {
		if y, ok := b.AsNumber(); ok {
			switch {
			case x < y:
				return -1, nil
			case x > y:
				return 1, nil
			}
			return 0, nil
		}
	}
	if sa, ok := v.heap.StringOf(a); ok {
		if sb, ok := v.heap.StringOf(b); ok {
			return strings.Compare(sa, sb), nil
		}
	}
	return 0, NewFault(FaultType, "cannot compare %s and %s", v.typeName(a), v.typeName(b))
}

func checkIndex(idx heap.Value, n int) (int, *Fault) {
	if !idx.IsInt() {
		return 0, NewFault(FaultType, "index must be an int")
	}
	i := idx.AsInt()
	if i < 0 || i >= int64(n) {
		return 0, NewFault(FaultBounds, "index %d of %d", i, n)
	}
	return int(i), nil
}

func (v *VM) index(c, idx heap.Value) (heap.Value, *Fault) {
	o := v.heap.Get(c)
	if o == nil {
		return heap.Nil, NewFault(FaultType, "cannot index %s", v.typeName(c))
	}
	switch o.Kind {
	case heap.KindMap:
		val, ok := v.heap.MapGet(o, idx)
		if !ok {
			return heap.Nil, nil
		}
		return val, nil
	case heap.KindArray, heap.KindVector, heap.KindStruct, heap.KindEnum:
		i, flt := checkIndex(idx, len(o.Items))
		if flt != nil {
			return heap.Nil, flt
		}
		return o.Items[i], nil
	case heap.KindString:
		i, flt := checkIndex(idx, len(o.Str))
		if flt != nil {
			return heap.Nil, flt
		}
		return heap.Int(int64(o.Str[i])), nil
	case heap.KindBytes:
		i, flt := checkIndex(idx, len(o.Bytes))
		if flt != nil {
			return heap.Nil, flt
		}
		return heap.Int(int64(o.Bytes[i])), nil
	}
	return heap.Nil, NewFault(FaultType, "cannot index %s", o.Kind)
}

func (v *VM) setIndex(c, idx, val heap.Value) *Fault {
	o := v.heap.Get(c)
	if o == nil {
		return NewFault(FaultType, "cannot index %s", v.typeName(c))
	}
	switch o.Kind {
	case heap.KindMap:
		v.heap.MapSet(o, idx, val)
		return nil
	case heap.KindArray, heap.KindVector, heap.KindStruct:
		i, flt := checkIndex(idx, len(o.Items))
		if flt != nil {
			return flt
		}
		if err := v.heap.SetItem(o, i, val); err != nil {
			return WrapFault(FaultBounds, err)
		}
		return nil
	}
	return NewFault(FaultType, "cannot assign into %s", o.Kind)
}

func (v *VM) length(c heap.Value) (int, *Fault) {
	o := v.heap.Get(c)
	if o == nil {
		return 0, NewFault(FaultType, "%s has no length", v.typeName(c))
	}
	switch o.Kind {
	case heap.KindString:
		return len(o.Str), nil
	case heap.KindBytes:
		return len(o.Bytes), nil
	case heap.KindMap:
		return o.Map.Len(), nil
	case heap.KindArray, heap.KindVector, heap.KindStruct:
		return len(o.Items), nil
	}
	return 0, NewFault(FaultType, "%s has no length", o.Kind)
}

func (v *VM) unwrap(c heap.Value) (heap.Value, *Fault) {
	o := v.heap.Get(c)
	if o != nil {
		switch o.Kind {
		case heap.KindResult:
			if o.Num.IsTrue() {
				return o.Items[0], nil
			}
			return heap.Nil, NewFault(FaultType, "unwrap of %s", v.heap.Display(c))
		case heap.KindOption:
			if len(o.Items) > 0 {
				return o.Items[0], nil
			}
			return heap.Nil, NewFault(FaultType, "unwrap of none")
		}
	}
	return heap.Nil, NewFault(FaultType, "cannot unwrap %s", v.typeName(c))
}

// ---------------------------------------------------------------------------
// Calls and closures
// ---------------------------------------------------------------------------

// call invokes the callee sitting below argc arguments. Calls resolve
// against the current code version.
func (v *VM) call(argc int) *Fault {
	base := len(v.stack) - argc - 1
	callee := v.stack[base]
	o := v.heap.Get(callee)
	if o == nil || (o.Kind != heap.KindFunction && o.Kind != heap.KindClosure) {
		return NewFault(FaultType, "cannot call %s", v.typeName(callee))
	}
	chunk, ok := v.code.Function(o.Fn)
	if !ok {
		return NewFault(FaultUndefined, "function %d", o.Fn)
	}
	if argc != int(chunk.Arity) {
		return NewFault(FaultArity, "%s takes %d arguments, got %d", chunk.Name, chunk.Arity, argc)
	}
	var closure *heap.Object
	if o.Kind == heap.KindClosure {
		closure = o
	}
	if err := v.enter(v.code, chunk, closure, base); err != nil {
		return AsFault(err, FaultCallDepth)
	}
	return nil
}

func (v *VM) makeClosure(f *frame, fn int) (heap.Value, *Fault) {
	chunk, ok := f.code.Function(fn)
	if !ok {
		return heap.Nil, NewFault(FaultUndefined, "function %d", fn)
	}
	if len(chunk.Captures) == 0 {
		o, err := v.heap.NewFunction(fn, v)
		if err != nil {
			return heap.Nil, v.allocFault(err)
		}
		return o.Value(), nil
	}
	ups := make([]*heap.Upvalue, len(chunk.Captures))
	for i, cp := range chunk.Captures {
		if cp.FromLocal {
			ups[i] = v.captureUpvalue(f.base + int(cp.Index))
			continue
		}
		if f.closure == nil || int(cp.Index) >= len(f.closure.Upvalues) {
			return heap.Nil, NewFault(FaultBadCode, "%s captures missing upvalue %d", chunk.Name, cp.Index)
		}
		ups[i] = f.closure.Upvalues[cp.Index]
	}
	o, err := v.heap.NewClosure(fn, ups, v)
	if err != nil {
		return heap.Nil, v.allocFault(err)
	}
	return o.Value(), nil
}

func (v *VM) upvalue(f *frame, idx int) (*heap.Upvalue, *Fault) {
	if f.closure == nil || idx >= len(f.closure.Upvalues) {
		return nil, NewFault(FaultBadCode, "%s has no upvalue %d", f.chunk.Name, idx)
	}
	return f.closure.Upvalues[idx], nil
}

// captureUpvalue returns the open upvalue for slot, creating it if needed.
func (v *VM) captureUpvalue(slot int) *heap.Upvalue {
	i := len(v.open)
	for i > 0 && v.open[i-1].Slot >= slot {
		if v.open[i-1].Slot == slot {
			return v.open[i-1]
		}
		i--
	}
	uv := &heap.Upvalue{Slot: slot}
	v.open = append(v.open, nil)
	copy(v.open[i+1:], v.open[i:])
	v.open[i] = uv
	return uv
}

// closeUpvalues closes every open upvalue at or above slot from.
func (v *VM) closeUpvalues(from int) {
	i := len(v.open)
	for i > 0 && v.open[i-1].Slot >= from {
		i--
	}
	for _, uv := range v.open[i:] {
		v.heap.CloseUpvalue(uv, v.stack[uv.Slot])
	}
	clear(v.open[i:])
	v.open = v.open[:i]
}
