package modules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chazu/agim/block"
	"github.com/chazu/agim/bytecode"
	"github.com/chazu/agim/heap"
	"github.com/chazu/agim/sched"
	"github.com/chazu/agim/workload"
)

// counter keeps a state value, passing it through an upgrade point before
// every receive and storing it in the "state" global.
func counter(migrate *bytecode.Chunk) *bytecode.Bytecode {
	main := bytecode.NewChunk("counter")
	name := main.AddConstant(bytecode.String("state"))
	main.EmitInt(10)
	top := main.Emit(bytecode.OpUpgrade)
	main.Emit(bytecode.OpDup)
	main.EmitU16(bytecode.OpStoreGlobal, name)
	main.Emit(bytecode.OpReceive)
	main.Emit(bytecode.OpPop)
	main.EmitLoop(top)
	if migrate == nil {
		return bytecode.New(main)
	}
	return bytecode.New(main, migrate)
}

func double() *bytecode.Chunk {
	fn := bytecode.NewChunk("double")
	fn.Arity = 1
	fn.EmitWithOperand(bytecode.OpLoadLocal, 1)
	fn.EmitInt(2)
	fn.Emit(bytecode.OpMul)
	fn.Emit(bytecode.OpReturn)
	return fn
}

func broken() *bytecode.Chunk {
	fn := bytecode.NewChunk("broken")
	fn.Arity = 1
	fn.EmitString("bad state")
	fn.Emit(bytecode.OpCrash)
	return fn
}

func loaded(t *testing.T, r *Registry, name string, code *bytecode.Bytecode) *block.Block {
	t.Helper()
	b := block.New(1, block.Options{Module: name})
	if err := b.Load(code); err != nil {
		t.Fatal(err)
	}
	r.RegisterBlock(b)
	return b
}

func TestUpgradeMigratesState(t *testing.T) {
	r := NewRegistry()
	v1, err := r.Load("counter", counter(nil), NoMigration)
	if err != nil {
		t.Fatal(err)
	}
	b := loaded(t, r, "counter", v1.Code)
	v2, err := r.Load("counter", counter(double()), 0)
	if err != nil {
		t.Fatal(err)
	}
	if v2.Number != 2 || v2.Prev != v1 {
		t.Fatalf("v2 = %s prev %v", v2, v2.Prev)
	}

	n, err := r.TriggerUpgrade("counter", UpgradeConfig{})
	if err != nil || n != 1 {
		t.Fatalf("TriggerUpgrade = %d, %v; want 1 block", n, err)
	}
	if !b.PendingUpgrade() {
		t.Fatal("block not flagged")
	}

	state, err := r.ApplyUpgrade(b, heap.Int(21))
	if err != nil {
		t.Fatal(err)
	}
	if !state.IsInt() || state.AsInt() != 42 {
		t.Errorf("migrated state = %s, want 42", state)
	}
	if b.PendingUpgrade() {
		t.Error("pending flag not cleared")
	}
	if got, _ := r.Get("counter"); got != v2 {
		t.Errorf("Get = %s, want v2", got)
	}
	if got, _ := r.VersionOf(b); got != v2 {
		t.Errorf("VersionOf = %s, want v2", got)
	}
	if v1.RefCount() != 0 || v2.RefCount() != 1 {
		t.Errorf("refs v1=%d v2=%d, want 0 and 1", v1.RefCount(), v2.RefCount())
	}
	if b.VM.Code() != v2.Code {
		t.Error("VM still runs the old code")
	}
}

func TestUpgradeSkipsVersions(t *testing.T) {
	r := NewRegistry()
	v1, _ := r.Load("counter", counter(nil), NoMigration)
	b := loaded(t, r, "counter", v1.Code)

	// Each version doubles on the way in: v2 and v3 both run.
	r.Load("counter", counter(double()), 0)
	three := counter(double())
	three.Main.EmitInt(3)
	r.Load("counter", three, 0)

	state, err := r.ApplyUpgrade(b, heap.Int(5))
	if err != nil {
		t.Fatal(err)
	}
	if state.AsInt() != 20 {
		t.Errorf("state = %s, want 20", state)
	}
}

func TestFailedMigration(t *testing.T) {
	tests := []struct {
		name     string
		rollback bool
		wantErr  bool
		current  int
	}{
		{"fail", false, true, 2},
		{"rollback", true, false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			v1, _ := r.Load("counter", counter(nil), NoMigration)
			b := loaded(t, r, "counter", v1.Code)
			r.Load("counter", counter(broken()), 0)
			r.TriggerUpgrade("counter", UpgradeConfig{RollbackOnError: tt.rollback})

			state, err := r.ApplyUpgrade(b, heap.Int(7))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ApplyUpgrade error = %v, want error %t", err, tt.wantErr)
			}
			if state.AsInt() != 7 {
				t.Errorf("state = %s, want 7 unchanged", state)
			}
			if cur, _ := r.Get("counter"); cur.Number != tt.current {
				t.Errorf("current = %s, want v%d", cur, tt.current)
			}
			if v, _ := r.VersionOf(b); v != v1 {
				t.Errorf("block bound to %s, want v1", v)
			}
			if b.VM.Code() != v1.Code {
				t.Error("block no longer runs v1 after the failed migration")
			}
		})
	}
}

func TestFailedMigrationAfterSkippedVersion(t *testing.T) {
	r := NewRegistry()
	v1, _ := r.Load("counter", counter(nil), NoMigration)
	b := loaded(t, r, "counter", v1.Code)
	v2, _ := r.Load("counter", counter(double()), 0)
	r.Load("counter", counter(broken()), 0)
	r.TriggerUpgrade("counter", UpgradeConfig{RollbackOnError: true})

	// v2's migration succeeds before v3's fails; the block gets its
	// original state back and stays on v1.
	state, err := r.ApplyUpgrade(b, heap.Int(7))
	if err != nil {
		t.Fatalf("ApplyUpgrade = %v, want rollback", err)
	}
	if state.AsInt() != 7 {
		t.Errorf("state = %s, want 7", state)
	}
	if cur, _ := r.Get("counter"); cur != v2 {
		t.Errorf("current = %s, want v2", cur)
	}
	if v, _ := r.VersionOf(b); v != v1 {
		t.Errorf("block bound to %s, want v1", v)
	}
	if b.VM.Code() != v1.Code {
		t.Error("block does not run v1")
	}
	if !b.PendingUpgrade() {
		t.Fatal("block not flagged for the remaining version")
	}

	state, err = r.ApplyUpgrade(b, state)
	if err != nil {
		t.Fatal(err)
	}
	if state.AsInt() != 14 {
		t.Errorf("state = %s, want 14", state)
	}
	if v, _ := r.VersionOf(b); v != v2 {
		t.Errorf("block bound to %s, want v2", v)
	}
}

func TestVersionsAndRollback(t *testing.T) {
	r := NewRegistry()
	v1, _ := r.Load("m", counter(nil), NoMigration)
	if again, _ := r.Load("m", counter(nil), NoMigration); again != v1 {
		t.Errorf("reloading identical code made %s", again)
	}
	v2, _ := r.Load("m", counter(double()), 0)

	for n, want := range map[int]*Version{1: v1, 2: v2} {
		if got, err := r.GetVersion("m", n); err != nil || got != want {
			t.Errorf("GetVersion(%d) = %v, %v", n, got, err)
		}
	}
	if _, err := r.GetVersion("m", 3); !errors.Is(err, ErrNoVersion) {
		t.Errorf("GetVersion(3) = %v, want ErrNoVersion", err)
	}
	if _, err := r.GetVersion("x", 1); !errors.Is(err, ErrNoModule) {
		t.Errorf("GetVersion(x) = %v, want ErrNoModule", err)
	}

	b := loaded(t, r, "m", v2.Code)
	if err := r.Rollback("m"); err != nil {
		t.Fatal(err)
	}
	if cur, _ := r.Get("m"); cur != v1 {
		t.Errorf("after rollback Get = %s, want v1", cur)
	}
	if !b.PendingUpgrade() {
		t.Error("block on the dropped version not flagged")
	}
	state, err := r.ApplyUpgrade(b, heap.Int(3))
	if err != nil || state.AsInt() != 3 {
		t.Errorf("moving back = %s, %v; want 3 without migration", state, err)
	}
	if v, _ := r.VersionOf(b); v != v1 {
		t.Errorf("block bound to %s, want v1", v)
	}
	if err := r.Rollback("m"); !errors.Is(err, ErrNoPrevious) {
		t.Errorf("Rollback past v1 = %v, want ErrNoPrevious", err)
	}
}

func TestLoadRejectsBadMigration(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Load("m", counter(nil), 0); err == nil {
		t.Error("missing migration function accepted")
	}
	fn := double()
	fn.Arity = 2
	if _, err := r.Load("m", counter(fn), 0); err == nil {
		t.Error("two-argument migration accepted")
	}
	if _, err := r.Load("", counter(nil), NoMigration); err == nil {
		t.Error("empty name accepted")
	}
}

func TestHotUpgradeThroughScheduler(t *testing.T) {
	cfg := sched.DefaultConfig()
	cfg.NumWorkers = 0
	s := sched.New(cfg)
	r := NewRegistry()
	s.SetUpgrader(r)

	r.Load("counter", counter(nil), NoMigration)
	pid, err := r.Spawn(s, "counter", sched.SpawnOptions{})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.Run(ctx)

	if got := r.Blocks("counter"); len(got) != 1 || got[0] != pid {
		t.Fatalf("Blocks = %v, want [%s]", got, pid)
	}
	v2, _ := r.Load("counter", counter(double()), 0)
	r.TriggerUpgrade("counter", UpgradeConfig{})
	s.Send(pid, workload.Int(0))
	s.Run(ctx)

	b, _ := s.Get(pid)
	if v, ok := b.VM.Global("state"); !ok || v.AsInt() != 20 {
		t.Errorf("state = %s, want 20", v)
	}
	if got, _ := r.VersionOf(b); got != v2 {
		t.Errorf("VersionOf = %v, want v2", got)
	}

	s.Kill(pid, "")
	if got := r.Blocks("counter"); len(got) != 0 {
		t.Errorf("dead block still registered: %v", got)
	}
	if v2.RefCount() != 0 {
		t.Errorf("v2 refs = %d after exit", v2.RefCount())
	}
}
