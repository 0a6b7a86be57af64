package supervisor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chazu/agim/block"
	"github.com/chazu/agim/bytecode"
	"github.com/chazu/agim/heap"
	"github.com/chazu/agim/sched"
	"github.com/chazu/agim/workload"
)

// waiter returns normally when sent 0 and crashes with "boom" on anything
// else.
func waiter() *bytecode.Bytecode {
	main := bytecode.NewChunk("waiter")
	main.Emit(bytecode.OpReceive)
	main.EmitInt(0)
	main.Emit(bytecode.OpEq)
	crash := main.EmitJump(bytecode.OpJumpFalse)
	main.Emit(bytecode.OpNil)
	main.Emit(bytecode.OpReturn)
	main.PatchJump(crash)
	main.EmitString("boom")
	main.Emit(bytecode.OpCrash)
	return bytecode.New(main)
}

func newScheduler() *sched.Scheduler {
	cfg := sched.DefaultConfig()
	cfg.NumWorkers = 0
	return sched.New(cfg)
}

func run(t *testing.T, s *sched.Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func terminate(t *testing.T, s *sched.Scheduler, pid heap.PID, how string) {
	t.Helper()
	switch how {
	case "normal":
		s.Send(pid, workload.Int(0))
	case "crash":
		s.Send(pid, workload.Int(1))
	case "killed":
		if err := s.Kill(pid, ""); err != nil {
			t.Fatal(err)
		}
	}
	run(t, s)
	if b, _ := s.Get(pid); b.IsAlive() {
		t.Fatalf("%s is still alive after %s", pid, how)
	}
}

func start(t *testing.T, s *sched.Scheduler, cfg Config, specs ...ChildSpec) *Supervisor {
	t.Helper()
	sv, err := New(s, cfg)
	if err != nil {
		t.Fatal(err)
	}
	for _, spec := range specs {
		if spec.Code == nil {
			spec.Code = waiter()
		}
		if _, err := sv.AddChild(spec); err != nil {
			t.Fatalf("AddChild(%s): %v", spec.Name, err)
		}
	}
	run(t, s)
	return sv
}

func pidOf(t *testing.T, sv *Supervisor, name string) heap.PID {
	t.Helper()
	c, ok := sv.Child(name)
	if !ok {
		t.Fatalf("no child %s", name)
	}
	return c.PID
}

func TestRestartMatrix(t *testing.T) {
	tests := []struct {
		policy  RestartPolicy
		exit    string
		restart bool
	}{
		{Permanent, "normal", true},
		{Permanent, "crash", true},
		{Permanent, "killed", true},
		{Transient, "normal", false},
		{Transient, "crash", true},
		{Transient, "killed", true},
		{Temporary, "normal", false},
		{Temporary, "crash", false},
		{Temporary, "killed", false},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String()+"/"+tt.exit, func(t *testing.T) {
			s := newScheduler()
			sv := start(t, s, Config{MaxRestarts: 10, Window: time.Minute},
				ChildSpec{Name: "worker", Restart: tt.policy})
			old := pidOf(t, sv, "worker")

			terminate(t, s, old, tt.exit)

			c, ok := sv.Child("worker")
			switch {
			case tt.restart:
				if !ok || c.PID == heap.InvalidPID || c.PID == old {
					t.Fatalf("child = %+v, want a restarted pid", c)
				}
				if c.Restarts != 1 {
					t.Errorf("Restarts = %d, want 1", c.Restarts)
				}
				if b, _ := s.Get(c.PID); !b.IsAlive() {
					t.Error("restarted child is not alive")
				}
			case tt.policy == Temporary:
				if ok {
					t.Errorf("temporary child still listed: %+v", c)
				}
			default:
				if !ok || c.PID != heap.InvalidPID {
					t.Errorf("child = %+v, want stopped", c)
				}
			}
			if !sv.Alive() {
				t.Error("supervisor died")
			}
		})
	}
}

func TestStrategies(t *testing.T) {
	tests := []struct {
		strategy  Strategy
		restarted map[string]bool
	}{
		{OneForOne, map[string]bool{"a": false, "b": true, "c": false}},
		{OneForAll, map[string]bool{"a": true, "b": true, "c": true}},
		{RestForOne, map[string]bool{"a": false, "b": true, "c": true}},
	}
	for _, tt := range tests {
		t.Run(tt.strategy.String(), func(t *testing.T) {
			s := newScheduler()
			sv := start(t, s, Config{Strategy: tt.strategy, MaxRestarts: 10, Window: time.Minute},
				ChildSpec{Name: "a"}, ChildSpec{Name: "b"}, ChildSpec{Name: "c"})
			before := map[string]heap.PID{}
			for _, name := range []string{"a", "b", "c"} {
				before[name] = pidOf(t, sv, name)
			}

			terminate(t, s, before["b"], "crash")

			for name, want := range tt.restarted {
				now := pidOf(t, sv, name)
				if got := now != before[name]; got != want {
					t.Errorf("%s restarted = %t, want %t", name, got, want)
				}
				if b, _ := s.Get(now); !b.IsAlive() {
					t.Errorf("%s is not running", name)
				}
				if want && name != "b" {
					old, _ := s.Get(before[name])
					if old.IsAlive() || old.ExitReason() != "shutdown" {
						t.Errorf("old %s: alive=%t reason=%q", name, old.IsAlive(), old.ExitReason())
					}
				}
			}
			got := sv.Children()
			if len(got) != 3 || got[0].Spec.Name != "a" || got[2].Spec.Name != "c" {
				t.Errorf("children out of order: %+v", got)
			}
		})
	}
}

func TestOneForAllDropsTemporarySiblings(t *testing.T) {
	s := newScheduler()
	sv := start(t, s, Config{Strategy: OneForAll, MaxRestarts: 10, Window: time.Minute},
		ChildSpec{Name: "perm"}, ChildSpec{Name: "temp", Restart: Temporary})

	terminate(t, s, pidOf(t, sv, "perm"), "killed")

	if _, ok := sv.Child("temp"); ok {
		t.Error("temporary sibling was kept")
	}
	if len(sv.Children()) != 1 {
		t.Errorf("Children() = %+v", sv.Children())
	}
}

func TestRestartIntensity(t *testing.T) {
	s := newScheduler()
	sv := start(t, s, Config{MaxRestarts: 2, Window: time.Minute},
		ChildSpec{Name: "worker"}, ChildSpec{Name: "bystander"})
	bystander := pidOf(t, sv, "bystander")

	for i := range 2 {
		terminate(t, s, pidOf(t, sv, "worker"), "crash")
		if !sv.Alive() {
			t.Fatalf("supervisor died after %d restarts", i+1)
		}
	}
	terminate(t, s, pidOf(t, sv, "worker"), "crash")

	if sv.Alive() {
		t.Fatal("supervisor survived a third restart within the window")
	}
	b, _ := s.Get(sv.PID())
	kind, _, reason := b.ExitInfo()
	if kind != block.ExitCrash || !strings.Contains(reason, "intensity") {
		t.Errorf("supervisor exit = %s %q, want an intensity crash", kind, reason)
	}
	if by, _ := s.Get(bystander); by.IsAlive() {
		t.Error("bystander survived its supervisor's crash")
	}
	if _, err := sv.AddChild(ChildSpec{Name: "late", Code: waiter()}); !errors.Is(err, ErrShutdown) {
		t.Errorf("AddChild after crash = %v, want ErrShutdown", err)
	}
}

func TestRestartWindowSlides(t *testing.T) {
	s := newScheduler()
	sv := start(t, s, Config{MaxRestarts: 1, Window: time.Second}, ChildSpec{Name: "worker"})
	clock := time.Unix(1000, 0)
	sv.now = func() time.Time { return clock }

	terminate(t, s, pidOf(t, sv, "worker"), "crash")
	clock = clock.Add(2 * time.Second)
	terminate(t, s, pidOf(t, sv, "worker"), "crash")
	if !sv.Alive() {
		t.Fatal("restarts outside the window counted against intensity")
	}

	clock = clock.Add(100 * time.Millisecond)
	terminate(t, s, pidOf(t, sv, "worker"), "crash")
	if sv.Alive() {
		t.Error("two restarts within the window were allowed")
	}
}

func TestChildRestartLimit(t *testing.T) {
	s := newScheduler()
	sv := start(t, s, Config{MaxRestarts: 100, Window: time.Minute},
		ChildSpec{Name: "fragile", MaxRestarts: 1})

	terminate(t, s, pidOf(t, sv, "fragile"), "killed")
	if !sv.Alive() {
		t.Fatal("supervisor died on the first restart")
	}
	terminate(t, s, pidOf(t, sv, "fragile"), "killed")
	if sv.Alive() {
		t.Error("child restart limit not enforced")
	}
}

func TestShutdown(t *testing.T) {
	s := newScheduler()
	sv := start(t, s, DefaultConfig(), ChildSpec{Name: "a"}, ChildSpec{Name: "b"})
	pids := []heap.PID{pidOf(t, sv, "a"), pidOf(t, sv, "b")}

	if err := sv.Shutdown(); err != nil {
		t.Fatal(err)
	}
	run(t, s)
	for _, pid := range pids {
		b, _ := s.Get(pid)
		if b.IsAlive() || b.ExitReason() != "shutdown" {
			t.Errorf("%s: alive=%t reason=%q", pid, b.IsAlive(), b.ExitReason())
		}
	}
	if b, _ := s.Get(sv.PID()); b.IsAlive() || b.ExitCode() != 0 {
		t.Errorf("supervisor block alive=%t code=%d", b.IsAlive(), b.ExitCode())
	}
	if st := s.Stats(); st.BlocksAlive != 0 {
		t.Errorf("%d blocks alive after shutdown", st.BlocksAlive)
	}
	if err := sv.Shutdown(); !errors.Is(err, ErrShutdown) {
		t.Errorf("second Shutdown = %v, want ErrShutdown", err)
	}
}

func TestDuplicateChild(t *testing.T) {
	s := newScheduler()
	sv := start(t, s, DefaultConfig(), ChildSpec{Name: "a"})
	if _, err := sv.AddChild(ChildSpec{Name: "a", Code: waiter()}); !errors.Is(err, ErrDuplicateChild) {
		t.Errorf("AddChild(dup) = %v, want ErrDuplicateChild", err)
	}
}
