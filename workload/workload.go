// Package workload builds the bytecode programs used by the agim command
// and by scheduler tests: benchmarks such as skynet and ring, and small
// behaviours such as spinning, crashing or waiting for exit signals.
package workload

import (
	"fmt"

	"github.com/chazu/agim/bytecode"
	"github.com/chazu/agim/heap"
)

// Names lists the workloads the command can run.
var Names = []string{"skynet", "ring", "factorial", "spin", "busy"}

// Build returns a named workload. size and fanout are interpreted per
// workload: skynet uses them as depth and fanout, ring as node count and
// rounds, factorial takes size as its argument.
func Build(name string, size, fanout int) (*bytecode.Bytecode, error) {
	switch name {
	case "skynet":
		return Skynet(size, fanout), nil
	case "ring":
		return Ring(size, fanout), nil
	case "factorial":
		return Factorial(int64(size)), nil
	case "spin":
		return Spin(), nil
	case "busy":
		return Busy(), nil
	}
	return nil, fmt.Errorf("workload: unknown workload %q", name)
}

func incLocal(c *bytecode.Chunk, slot byte) {
	c.EmitWithOperand(bytecode.OpLoadLocal, slot)
	c.EmitInt(1)
	c.Emit(bytecode.OpAdd)
	c.EmitWithOperand(bytecode.OpStoreLocal, slot)
}

// Factorial computes n! recursively through a global closure and returns
// it from main.
func Factorial(n int64) *bytecode.Bytecode {
	fact := bytecode.NewChunk("fact")
	fact.Arity = 1
	fact.EmitWithOperand(bytecode.OpLoadLocal, 1)
	fact.EmitInt(1)
	fact.Emit(bytecode.OpLe)
	recurse := fact.EmitJump(bytecode.OpJumpFalse)
	fact.EmitInt(1)
	fact.Emit(bytecode.OpReturn)
	fact.PatchJump(recurse)
	fact.EmitWithOperand(bytecode.OpLoadLocal, 1)
	fact.EmitU16(bytecode.OpLoadGlobal, fact.AddConstant(bytecode.String("fact")))
	fact.EmitWithOperand(bytecode.OpLoadLocal, 1)
	fact.EmitInt(1)
	fact.Emit(bytecode.OpSub)
	fact.EmitWithOperand(bytecode.OpCall, 1)
	fact.Emit(bytecode.OpMul)
	fact.Emit(bytecode.OpReturn)

	main := bytecode.NewChunk("main")
	main.EmitU16(bytecode.OpClosure, 0)
	main.EmitU16(bytecode.OpStoreGlobal, main.AddConstant(bytecode.String("fact")))
	main.EmitU16(bytecode.OpLoadGlobal, main.AddConstant(bytecode.String("fact")))
	main.EmitInt(n)
	main.EmitWithOperand(bytecode.OpCall, 1)
	main.Emit(bytecode.OpReturn)
	return bytecode.New(main, fact)
}

// Spin yields forever.
func Spin() *bytecode.Bytecode {
	main := bytecode.NewChunk("spin")
	top := main.Emit(bytecode.OpYield)
	main.EmitLoop(top)
	return bytecode.New(main)
}

// Busy loops without ever yielding, so only the reduction budget can
// preempt it.
func Busy() *bytecode.Bytecode {
	main := bytecode.NewChunk("busy")
	top := main.Emit(bytecode.OpNop)
	main.EmitLoop(top)
	return bytecode.New(main)
}

// Countdown yields n times and halts.
func Countdown(n int64) *bytecode.Bytecode {
	main := bytecode.NewChunk("countdown")
	main.LocalCount = 1
	main.EmitInt(n)
	main.EmitWithOperand(bytecode.OpStoreLocal, 1)
	top := main.EmitWithOperand(bytecode.OpLoadLocal, 1)
	main.EmitInt(0)
	main.Emit(bytecode.OpGt)
	done := main.EmitJump(bytecode.OpJumpFalse)
	main.EmitWithOperand(bytecode.OpLoadLocal, 1)
	main.EmitInt(1)
	main.Emit(bytecode.OpSub)
	main.EmitWithOperand(bytecode.OpStoreLocal, 1)
	main.Emit(bytecode.OpYield)
	main.EmitLoop(top)
	main.PatchJump(done)
	main.Emit(bytecode.OpHalt)
	return bytecode.New(main)
}

// Crasher crashes at once with reason.
func Crasher(reason string) *bytecode.Bytecode {
	main := bytecode.NewChunk("crasher")
	main.EmitString(reason)
	main.Emit(bytecode.OpCrash)
	return bytecode.New(main)
}

// Exiter halts with code.
func Exiter(code int64) *bytecode.Bytecode {
	main := bytecode.NewChunk("exiter")
	main.EmitInt(code)
	main.Emit(bytecode.OpExit)
	return bytecode.New(main)
}

// Idle waits for a user message that never comes.
func Idle() *bytecode.Bytecode {
	main := bytecode.NewChunk("idle")
	main.Emit(bytecode.OpReceive)
	main.Emit(bytecode.OpReturn)
	return bytecode.New(main)
}

// SignalGlobal is the global in which Trapper stores the last exit or down
// message it received.
const SignalGlobal = "signal"

// Trapper stores every exit or down message it receives in SignalGlobal
// and keeps waiting for more.
func Trapper() *bytecode.Bytecode {
	main := bytecode.NewChunk("trapper")
	name := main.AddConstant(bytecode.String(SignalGlobal))
	top := main.Emit(bytecode.OpReceiveSystem)
	main.EmitU16(bytecode.OpStoreGlobal, name)
	main.EmitLoop(top)
	return bytecode.New(main)
}

// ReceiveTimeout waits up to ms milliseconds for a message and returns it,
// or nil on timeout.
func ReceiveTimeout(ms int64) *bytecode.Bytecode {
	main := bytecode.NewChunk("receive_timeout")
	main.EmitInt(ms)
	main.Emit(bytecode.OpReceiveTimeout)
	main.Emit(bytecode.OpReturn)
	return bytecode.New(main)
}

// Skynet spawns a tree of blocks depth levels deep with fanout children per
// node. Every leaf reports 1 to its parent; every inner node sums its
// children and reports upward. The root returns the number of leaves.
//
// Function 0 is node(level, parent); main calls node(depth, nil).
func Skynet(depth, fanout int) *bytecode.Bytecode {
	const (
		level  = 1
		parent = 2
		i      = 3
		sum    = 4
	)
	node := bytecode.NewChunk("skynet_node")
	node.Arity = 2
	node.LocalCount = 2

	node.EmitWithOperand(bytecode.OpLoadLocal, level)
	node.EmitInt(0)
	node.Emit(bytecode.OpLe)
	inner := node.EmitJump(bytecode.OpJumpFalse)
	node.EmitInt(1)
	node.EmitWithOperand(bytecode.OpStoreLocal, sum)
	leaf := node.EmitJump(bytecode.OpJump)

	node.PatchJump(inner)
	node.EmitInt(0)
	node.EmitWithOperand(bytecode.OpStoreLocal, i)
	spawnLoop := node.EmitWithOperand(bytecode.OpLoadLocal, i)
	node.EmitInt(int64(fanout))
	node.Emit(bytecode.OpLt)
	collect := node.EmitJump(bytecode.OpJumpFalse)
	node.EmitWithOperand(bytecode.OpLoadLocal, level)
	node.EmitInt(1)
	node.Emit(bytecode.OpSub)
	node.Emit(bytecode.OpSelf)
	node.EmitWithOperand(bytecode.OpSpawn, 0, 0, 2)
	node.Emit(bytecode.OpPop)
	incLocal(node, i)
	node.EmitLoop(spawnLoop)

	node.PatchJump(collect)
	node.EmitInt(0)
	node.EmitWithOperand(bytecode.OpStoreLocal, sum)
	node.EmitInt(0)
	node.EmitWithOperand(bytecode.OpStoreLocal, i)
	recvLoop := node.EmitWithOperand(bytecode.OpLoadLocal, i)
	node.EmitInt(int64(fanout))
	node.Emit(bytecode.OpLt)
	report := node.EmitJump(bytecode.OpJumpFalse)
	node.Emit(bytecode.OpReceive)
	node.EmitWithOperand(bytecode.OpLoadLocal, sum)
	node.Emit(bytecode.OpAdd)
	node.EmitWithOperand(bytecode.OpStoreLocal, sum)
	incLocal(node, i)
	node.EmitLoop(recvLoop)

	node.PatchJump(report)
	node.PatchJump(leaf)
	node.EmitWithOperand(bytecode.OpLoadLocal, parent)
	node.Emit(bytecode.OpNil)
	node.Emit(bytecode.OpEq)
	done := node.EmitJump(bytecode.OpJumpTrue)
	node.EmitWithOperand(bytecode.OpLoadLocal, parent)
	node.EmitWithOperand(bytecode.OpLoadLocal, sum)
	node.Emit(bytecode.OpSend)
	node.Emit(bytecode.OpPop)
	node.PatchJump(done)
	node.EmitWithOperand(bytecode.OpLoadLocal, sum)
	node.Emit(bytecode.OpReturn)

	main := bytecode.NewChunk("skynet")
	main.EmitU16(bytecode.OpClosure, 0)
	main.EmitInt(int64(depth))
	main.Emit(bytecode.OpNil)
	main.EmitWithOperand(bytecode.OpCall, 2)
	main.Emit(bytecode.OpReturn)
	return bytecode.New(main, node)
}

// SkynetBlocks returns how many blocks Skynet(depth, fanout) spawns,
// counting the root.
func SkynetBlocks(depth, fanout int) int {
	total, level := 0, 1
	for range depth + 1 {
		total += level
		level *= fanout
	}
	return total
}

// Ring builds a ring of n relay blocks around main and passes a counter
// around it rounds times. Each relay adds one, so main returns n*rounds.
//
// Function 0 is relay(next, rounds).
func Ring(n, rounds int) *bytecode.Bytecode {
	const (
		next  = 1
		count = 2
		i     = 3
	)
	relay := bytecode.NewChunk("ring_relay")
	relay.Arity = 2
	relay.LocalCount = 1
	relay.EmitInt(0)
	relay.EmitWithOperand(bytecode.OpStoreLocal, i)
	loop := relay.EmitWithOperand(bytecode.OpLoadLocal, i)
	relay.EmitWithOperand(bytecode.OpLoadLocal, count)
	relay.Emit(bytecode.OpLt)
	end := relay.EmitJump(bytecode.OpJumpFalse)
	relay.EmitWithOperand(bytecode.OpLoadLocal, next)
	relay.Emit(bytecode.OpReceive)
	relay.EmitInt(1)
	relay.Emit(bytecode.OpAdd)
	relay.Emit(bytecode.OpSend)
	relay.Emit(bytecode.OpPop)
	incLocal(relay, i)
	relay.EmitLoop(loop)
	relay.PatchJump(end)
	relay.Emit(bytecode.OpNil)
	relay.Emit(bytecode.OpReturn)

	const (
		head = 1
		acc  = 2
		j    = 3
	)
	main := bytecode.NewChunk("ring")
	main.LocalCount = 3
	main.Emit(bytecode.OpSelf)
	main.EmitWithOperand(bytecode.OpStoreLocal, head)
	main.EmitInt(0)
	main.EmitWithOperand(bytecode.OpStoreLocal, j)
	build := main.EmitWithOperand(bytecode.OpLoadLocal, j)
	main.EmitInt(int64(n))
	main.Emit(bytecode.OpLt)
	run := main.EmitJump(bytecode.OpJumpFalse)
	main.EmitWithOperand(bytecode.OpLoadLocal, head)
	main.EmitInt(int64(rounds))
	main.EmitWithOperand(bytecode.OpSpawn, 0, 0, 2)
	main.EmitWithOperand(bytecode.OpStoreLocal, head)
	incLocal(main, j)
	main.EmitLoop(build)

	main.PatchJump(run)
	main.EmitInt(0)
	main.EmitWithOperand(bytecode.OpStoreLocal, acc)
	main.EmitInt(0)
	main.EmitWithOperand(bytecode.OpStoreLocal, j)
	loop2 := main.EmitWithOperand(bytecode.OpLoadLocal, j)
	main.EmitInt(int64(rounds))
	main.Emit(bytecode.OpLt)
	done := main.EmitJump(bytecode.OpJumpFalse)
	main.EmitWithOperand(bytecode.OpLoadLocal, head)
	main.EmitWithOperand(bytecode.OpLoadLocal, acc)
	main.Emit(bytecode.OpSend)
	main.Emit(bytecode.OpPop)
	main.Emit(bytecode.OpReceive)
	main.EmitWithOperand(bytecode.OpStoreLocal, acc)
	incLocal(main, j)
	main.EmitLoop(loop2)
	main.PatchJump(done)
	main.EmitWithOperand(bytecode.OpLoadLocal, acc)
	main.Emit(bytecode.OpReturn)
	return bytecode.New(main, relay)
}

// Int packs n as a spawn argument.
func Int(n int64) heap.Packet { return heap.PrimitivePacket(heap.Int(n)) }
