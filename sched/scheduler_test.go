package sched

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chazu/agim/block"
	"github.com/chazu/agim/bytecode"
	"github.com/chazu/agim/heap"
	"github.com/chazu/agim/vm"
	"github.com/chazu/agim/workload"
)

func singleThreaded() Config {
	cfg := DefaultConfig()
	cfg.NumWorkers = 0
	return cfg
}

func run(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func spawn(t *testing.T, s *Scheduler, code *bytecode.Bytecode, opts SpawnOptions) (heap.PID, *block.Block) {
	t.Helper()
	pid, err := s.SpawnEx(code, opts)
	if err != nil {
		t.Fatalf("SpawnEx(%s): %v", opts.Name, err)
	}
	b, ok := s.Get(pid)
	if !ok {
		t.Fatalf("Get(%s) found nothing", pid)
	}
	return pid, b
}

// signalOf decodes the exit or down message a Trapper block stored.
func signalOf(t *testing.T, b *block.Block) (name string, from heap.PID, reason string) {
	t.Helper()
	v, ok := b.VM.Global(workload.SignalGlobal)
	if !ok {
		t.Fatalf("%s received no signal", b)
	}
	o := b.Heap.Get(v)
	if o == nil || o.Kind != heap.KindStruct || len(o.Items) != 2 {
		t.Fatalf("%s stored %s, want a signal struct", b, v)
	}
	reason, _ = b.Heap.StringOf(o.Items[1])
	return o.Str, o.Items[0].AsPID(), reason
}

func trapping() block.Capability { return block.CapDefault | block.CapTrapExit }

func TestFactorialBlock(t *testing.T) {
	s := New(singleThreaded())
	_, b := spawn(t, s, workload.Factorial(5), SpawnOptions{Name: "fact"})
	run(t, s)

	if b.State() != block.Dead {
		t.Fatalf("State() = %s, want dead", b.State())
	}
	if b.ExitCode() != 0 {
		t.Errorf("ExitCode() = %d, want 0", b.ExitCode())
	}
	if r := b.VM.Result(); !r.IsInt() || r.AsInt() != 120 {
		t.Errorf("result = %s, want 120", r)
	}

	st := s.Stats()
	if st.BlocksTotal != 1 || st.BlocksAlive != 0 || st.BlocksDead != 1 {
		t.Errorf("blocks total/alive/dead = %d/%d/%d, want 1/0/1", st.BlocksTotal, st.BlocksAlive, st.BlocksDead)
	}
	if st.TotalReductions == 0 {
		t.Error("TotalReductions = 0")
	}
}

func TestFairness(t *testing.T) {
	cfg := singleThreaded()
	cfg.DefaultReductions = 10
	s := New(cfg)
	var blocks []*block.Block
	for range 3 {
		_, b := spawn(t, s, workload.Busy(), SpawnOptions{Name: "busy"})
		blocks = append(blocks, b)
	}

	for steps := 1; steps <= 30; steps++ {
		if !s.Step() {
			t.Fatalf("Step %d found nothing to run", steps)
		}
		// Round robin: after every full round each block has had the same
		// number of slices, each cut off at the budget.
		if steps%3 != 0 {
			continue
		}
		for _, b := range blocks {
			if b.State() != block.Runnable {
				t.Fatalf("after %d steps %s is %s, want runnable", steps, b, b.State())
			}
			want := uint64(steps / 3 * 10)
			if r := b.Counters().Reductions; r != want {
				t.Errorf("after %d steps %s has %d reductions, want %d", steps, b, r, want)
			}
		}
	}
	if sw := s.Stats().ContextSwitches; sw != 30 {
		t.Errorf("ContextSwitches = %d, want 30", sw)
	}
}

func TestSkynet(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumWorkers = 4
	s := New(cfg)
	_, root := spawn(t, s, workload.Skynet(3, 10), SpawnOptions{Name: "skynet"})
	run(t, s)

	want := uint64(workload.SkynetBlocks(3, 10))
	st := s.Stats()
	if st.TotalSpawned != want || st.TotalTerminated != want {
		t.Errorf("spawned/terminated = %d/%d, want %d", st.TotalSpawned, st.TotalTerminated, want)
	}
	if r := root.VM.Result(); !r.IsInt() || r.AsInt() != 1000 {
		t.Errorf("root result = %s, want 1000", r)
	}
	if err := s.Registry().Verify(); err != nil {
		t.Error(err)
	}
}

func TestSkynetSingleThreaded(t *testing.T) {
	s := New(singleThreaded())
	_, root := spawn(t, s, workload.Skynet(2, 5), SpawnOptions{Name: "skynet"})
	run(t, s)

	if got, want := s.Stats().TotalTerminated, uint64(workload.SkynetBlocks(2, 5)); got != want {
		t.Errorf("TotalTerminated = %d, want %d", got, want)
	}
	if r := root.VM.Result(); !r.IsInt() || r.AsInt() != 25 {
		t.Errorf("root result = %s, want 25", r)
	}
}

func TestRing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumWorkers = 2
	s := New(cfg)
	_, main := spawn(t, s, workload.Ring(50, 20), SpawnOptions{Name: "ring"})
	run(t, s)

	if r := main.VM.Result(); !r.IsInt() || r.AsInt() != 1000 {
		t.Errorf("ring result = %s, want 1000", r)
	}
	if st := s.Stats(); st.BlocksAlive != 0 {
		t.Errorf("%d blocks still alive", st.BlocksAlive)
	}
}

func TestCrashWithTrap(t *testing.T) {
	s := New(singleThreaded())
	a, _ := spawn(t, s, workload.Crasher("boom"), SpawnOptions{Name: "a"})
	_, b := spawn(t, s, workload.Trapper(), SpawnOptions{Name: "b", Capabilities: trapping()})
	if !s.Link(a, b.PID) {
		t.Fatal("Link failed")
	}
	run(t, s)

	if !b.IsAlive() {
		t.Fatalf("trapping block died: %s", b.ExitReason())
	}
	name, from, reason := signalOf(t, b)
	if name != "EXIT" || from != a || reason != "boom" {
		t.Errorf("signal = {%s %s %q}, want {EXIT %s \"boom\"}", name, from, reason, a)
	}
	if len(b.Links()) != 0 {
		t.Errorf("link survived the exit: %v", b.Links())
	}
}

func TestCrashWithoutTrap(t *testing.T) {
	s := New(singleThreaded())
	a, _ := spawn(t, s, workload.Crasher("boom"), SpawnOptions{Name: "a"})
	_, b := spawn(t, s, workload.Idle(), SpawnOptions{Name: "b"})
	s.Link(a, b.PID)
	run(t, s)

	if b.IsAlive() {
		t.Fatal("linked block survived a crash")
	}
	kind, _, reason := b.ExitInfo()
	if kind != block.ExitCrash || reason != "boom" {
		t.Errorf("exit = %s %q, want crash \"boom\"", kind, reason)
	}
}

func TestExitPropagation(t *testing.T) {
	tests := []struct {
		name     string
		code     *bytecode.Bytecode
		peerDies bool
		reason   string
	}{
		{"normal", workload.Exiter(0), false, block.ReasonNormal},
		{"crash", workload.Crasher("bad"), true, "bad"},
		{"exit code", workload.Exiter(2), true, "exit(2)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(singleThreaded())
			a, _ := spawn(t, s, tt.code, SpawnOptions{Name: "a"})
			_, peer := spawn(t, s, workload.Idle(), SpawnOptions{Name: "peer"})
			_, trap := spawn(t, s, workload.Trapper(), SpawnOptions{Name: "trap", Capabilities: trapping()})
			_, mon := spawn(t, s, workload.Trapper(), SpawnOptions{Name: "monitor"})
			s.Link(a, peer.PID)
			s.Link(a, trap.PID)
			if !s.Monitor(mon.PID, a) {
				t.Fatal("Monitor failed")
			}
			run(t, s)

			if peer.IsAlive() == tt.peerDies {
				t.Errorf("peer alive = %t, want %t", peer.IsAlive(), !tt.peerDies)
			}
			if tt.peerDies && peer.ExitReason() != tt.reason {
				t.Errorf("peer reason = %q, want %q", peer.ExitReason(), tt.reason)
			}
			if name, _, reason := signalOf(t, trap); name != "EXIT" || reason != tt.reason {
				t.Errorf("trap got {%s %q}, want {EXIT %q}", name, reason, tt.reason)
			}
			if name, from, reason := signalOf(t, mon); name != "DOWN" || from != a || reason != tt.reason {
				t.Errorf("monitor got {%s %s %q}, want {DOWN %s %q}", name, from, reason, a, tt.reason)
			}
		})
	}
}

func TestExitCascade(t *testing.T) {
	s := New(singleThreaded())
	var chain []*block.Block
	for range 50 {
		_, b := spawn(t, s, workload.Idle(), SpawnOptions{Name: "link"})
		if n := len(chain); n > 0 {
			s.Link(chain[n-1].PID, b.PID)
		}
		chain = append(chain, b)
	}
	run(t, s)
	if err := s.Kill(chain[0].PID, "stop"); err != nil {
		t.Fatal(err)
	}
	for _, b := range chain {
		kind, _, reason := b.ExitInfo()
		if kind != block.ExitKilled || reason != "stop" {
			t.Fatalf("%s exit = %s %q, want killed \"stop\"", b, kind, reason)
		}
	}
	if got := s.Stats().TotalTerminated; got != 50 {
		t.Errorf("TotalTerminated = %d, want 50", got)
	}
}

func TestKill(t *testing.T) {
	s := New(singleThreaded())
	pid, b := spawn(t, s, workload.Idle(), SpawnOptions{Name: "idle"})
	run(t, s)
	if b.State() != block.Waiting {
		t.Fatalf("State() = %s, want waiting", b.State())
	}
	if err := s.Kill(pid, ""); err != nil {
		t.Fatal(err)
	}
	if b.IsAlive() || b.ExitReason() != block.ReasonKilled {
		t.Errorf("after Kill: alive=%t reason=%q", b.IsAlive(), b.ExitReason())
	}
	if err := s.Kill(9999, ""); !errors.Is(err, ErrNoSuchBlock) {
		t.Errorf("Kill(unknown) = %v, want ErrNoSuchBlock", err)
	}
}

func TestWorkStealing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumWorkers = 2
	s := New(cfg)
	for range 20 {
		if _, err := s.SpawnOn(0, workload.Countdown(1000), SpawnOptions{Name: "short"}); err != nil {
			t.Fatal(err)
		}
	}
	run(t, s)

	st := s.Stats()
	if st.TotalTerminated != 20 {
		t.Errorf("TotalTerminated = %d, want 20", st.TotalTerminated)
	}
	if st.Workers[1].StealsSuccessful == 0 {
		t.Error("worker 1 never stole")
	}
}

func TestReceiveTimeoutExpires(t *testing.T) {
	s := New(singleThreaded())
	_, b := spawn(t, s, workload.ReceiveTimeout(20), SpawnOptions{Name: "timeout"})
	start := time.Now()
	run(t, s)

	if b.IsAlive() {
		t.Fatal("block still alive after timeout")
	}
	if r := b.VM.Result(); !r.IsNil() {
		t.Errorf("result = %s, want nil", r)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("returned after %s, before the timeout", elapsed)
	}
	if s.Stats().TimersFired == 0 {
		t.Error("no timer fired")
	}
}

func TestReceiveTimeoutMessageWins(t *testing.T) {
	s := New(singleThreaded())
	pid, b := spawn(t, s, workload.ReceiveTimeout(60_000), SpawnOptions{Name: "timeout"})
	if !s.Step() {
		t.Fatal("Step found nothing to run")
	}
	if b.State() != block.Waiting {
		t.Fatalf("State() = %s, want waiting", b.State())
	}
	if !s.Send(pid, workload.Int(7)) {
		t.Fatal("Send failed")
	}
	start := time.Now()
	run(t, s)

	if r := b.VM.Result(); !r.IsInt() || r.AsInt() != 7 {
		t.Errorf("result = %s, want 7", r)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Run waited %s for a disarmed deadline", elapsed)
	}
}

func TestCapabilityViolation(t *testing.T) {
	main := bytecode.NewChunk("sender")
	main.Emit(bytecode.OpSelf)
	main.EmitInt(1)
	main.Emit(bytecode.OpSend)
	main.Emit(bytecode.OpReturn)

	s := New(singleThreaded())
	_, b := spawn(t, s, bytecode.New(main), SpawnOptions{Name: "mute", Capabilities: block.CapReceive})
	run(t, s)

	kind, _, reason := b.ExitInfo()
	if kind != block.ExitCrash || !strings.Contains(reason, vm.FaultCapability.String()) {
		t.Errorf("exit = %s %q, want a capability crash", kind, reason)
	}
}

func TestPolicyAndRegistryLimits(t *testing.T) {
	cfg := singleThreaded()
	cfg.MaxBlocks = 2
	cfg.Policy = block.RestrictedPolicy(block.CapDefault)
	s := New(cfg)

	if _, err := s.SpawnEx(workload.Idle(), SpawnOptions{Capabilities: block.CapAll}); !errors.Is(err, block.ErrCapability) {
		t.Errorf("spawn with forbidden caps = %v, want ErrCapability", err)
	}
	for i := range 2 {
		if _, err := s.Spawn(workload.Idle(), "idle"); err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
	}
	if _, err := s.Spawn(workload.Idle(), "idle"); !errors.Is(err, ErrRegistryFull) {
		t.Errorf("spawn past MaxBlocks = %v, want ErrRegistryFull", err)
	}
}

func TestGroups(t *testing.T) {
	s := New(singleThreaded())
	a, _ := spawn(t, s, workload.Idle(), SpawnOptions{Name: "a"})
	b, _ := spawn(t, s, workload.Idle(), SpawnOptions{Name: "b"})
	for _, pid := range []heap.PID{b, a} {
		if err := s.JoinGroup("workers", pid); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.JoinGroup("workers", 999); !errors.Is(err, ErrNoSuchBlock) {
		t.Errorf("JoinGroup(unknown) = %v, want ErrNoSuchBlock", err)
	}
	got := s.GroupMembers("workers")
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Errorf("GroupMembers = %v, want [%s %s]", got, a, b)
	}

	s.Kill(a, "")
	if got := s.GroupMembers("workers"); len(got) != 1 || got[0] != b {
		t.Errorf("after kill GroupMembers = %v, want [%s]", got, b)
	}
	if !s.LeaveGroup("workers", b) {
		t.Error("LeaveGroup failed")
	}
	if len(s.Groups()) != 0 {
		t.Errorf("Groups() = %v, want none", s.Groups())
	}
}

func nativeCall(name string, args ...int64) *bytecode.Bytecode {
	main := bytecode.NewChunk("native")
	for _, a := range args {
		main.EmitInt(a)
	}
	idx := main.AddConstant(bytecode.String(name))
	main.EmitWithOperand(bytecode.OpCallNative, byte(idx>>8), byte(idx), byte(len(args)))
	main.Emit(bytecode.OpReturn)
	return bytecode.New(main)
}

func TestPrimitives(t *testing.T) {
	s := New(singleThreaded())
	s.RegisterPrimitive("double", func(_ *block.Block, _ *vm.VM, args []heap.Value) (heap.Value, error) {
		return heap.Int(args[0].AsInt() * 2), nil
	})
	s.RegisterPrimitive("explode", func(*block.Block, *vm.VM, []heap.Value) (heap.Value, error) {
		panic("primitive exploded")
	})

	_, ok := spawn(t, s, nativeCall("double", 21), SpawnOptions{Name: "double"})
	_, boom := spawn(t, s, nativeCall("explode"), SpawnOptions{Name: "explode"})
	_, missing := spawn(t, s, nativeCall("nope"), SpawnOptions{Name: "missing"})
	run(t, s)

	if r := ok.VM.Result(); !r.IsInt() || r.AsInt() != 42 {
		t.Errorf("double(21) = %s, want 42", r)
	}
	if kind, _, reason := boom.ExitInfo(); kind != block.ExitCrash || !strings.Contains(reason, "exploded") {
		t.Errorf("panicking primitive: exit = %s %q", kind, reason)
	}
	if kind, _, _ := missing.ExitInfo(); kind != block.ExitCrash {
		t.Errorf("missing primitive: exit kind = %s, want crash", kind)
	}
}

type recordingTracer struct {
	mu     sync.Mutex
	spawns int
	exits  int
	sends  int
}

func (r *recordingTracer) OnSpawn(*block.Block) { r.mu.Lock(); r.spawns++; r.mu.Unlock() }
func (r *recordingTracer) OnExit(*block.Block)  { r.mu.Lock(); r.exits++; r.mu.Unlock() }
func (r *recordingTracer) OnSend(_, _ heap.PID) { r.mu.Lock(); r.sends++; r.mu.Unlock() }

func TestTracerAndExitHooks(t *testing.T) {
	s := New(singleThreaded())
	tr := &recordingTracer{}
	s.AddTracer(tr)
	s.AddTracer(NewLogTracer())

	var exited []heap.PID
	remove := s.OnExit(func(b *block.Block) { exited = append(exited, b.PID) })

	spawn(t, s, workload.Skynet(1, 3), SpawnOptions{Name: "skynet"})
	run(t, s)

	if tr.spawns != 4 || tr.exits != 4 || tr.sends != 3 {
		t.Errorf("spawns/exits/sends = %d/%d/%d, want 4/4/3", tr.spawns, tr.exits, tr.sends)
	}
	if len(exited) != 4 {
		t.Errorf("exit hook saw %d exits, want 4", len(exited))
	}

	remove()
	spawn(t, s, workload.Exiter(0), SpawnOptions{})
	run(t, s)
	if len(exited) != 4 {
		t.Errorf("removed hook still called")
	}
}

func TestStopAndResume(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumWorkers = 2
	s := New(cfg)
	_, b := spawn(t, s, workload.Spin(), SpawnOptions{Name: "spin"})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	if !b.IsAlive() || b.Counters().Reductions == 0 {
		t.Errorf("spinner alive=%t reductions=%d", b.IsAlive(), b.Counters().Reductions)
	}

	s.Kill(b.PID, "")
	run(t, s)
}

func TestRunCancelled(t *testing.T) {
	s := New(singleThreaded())
	spawn(t, s, workload.Spin(), SpawnOptions{Name: "spin"})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run = %v, want DeadlineExceeded", err)
	}
}
