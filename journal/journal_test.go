package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/chazu/agim/block"
	"github.com/chazu/agim/heap"
	"github.com/chazu/agim/sched"
	"github.com/chazu/agim/workload"
)

func open(t *testing.T, path string) *Journal {
	t.Helper()
	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return j
}

// runWorkload runs skynet(1, 3) and a lone crasher with j as a tracer.
func runWorkload(t *testing.T, j *Journal) (crasher heap.PID) {
	t.Helper()
	cfg := sched.DefaultConfig()
	cfg.NumWorkers = 0
	s := sched.New(cfg)
	s.AddTracer(j)
	if _, err := s.SpawnEx(workload.Skynet(1, 3), sched.SpawnOptions{Name: "skynet"}); err != nil {
		t.Fatal(err)
	}
	crasher, err := s.SpawnEx(workload.Crasher("boom"), sched.SpawnOptions{Name: "crasher", Module: "faulty"})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if err := j.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	return crasher
}

func TestRecordsExits(t *testing.T) {
	j := open(t, filepath.Join(t.TempDir(), "journal.db"))
	defer j.Close()
	crasher := runWorkload(t, j)

	all, err := j.Exits("", block.ExitNone)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("recorded %d exits, want 5", len(all))
	}
	for _, r := range all {
		if r.Session != j.Session() {
			t.Errorf("%s recorded under session %q", r.PID, r.Session)
		}
		if r.ExitedAt.IsZero() {
			t.Errorf("%s has no exit time", r.PID)
		}
	}

	crashes, err := j.Exits("", block.ExitCrash)
	if err != nil {
		t.Fatal(err)
	}
	if len(crashes) != 1 || crashes[0].PID != crasher {
		t.Fatalf("crashes = %+v, want only %s", crashes, crasher)
	}

	r, err := j.Lookup(crasher)
	if err != nil {
		t.Fatal(err)
	}
	if r.Name != "crasher" || r.Module != "faulty" || r.Kind != block.ExitCrash || r.Reason != "boom" {
		t.Errorf("Lookup = %+v", r)
	}
	if r.Counters.Reductions == 0 {
		t.Error("reductions not recorded")
	}

	if _, err := j.Lookup(9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup(9999) = %v, want ErrNotFound", err)
	}
}

func TestSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	first := open(t, path)
	runWorkload(t, first)
	firstID := first.Session()
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := first.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}

	second := open(t, path)
	defer second.Close()
	if second.Session() == firstID {
		t.Fatal("reopening reused the session id")
	}

	sessions, err := second.Sessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	s := sessions[0]
	if s.ID != firstID || s.EndedAt.IsZero() {
		t.Errorf("first session = %+v, want closed %s", s, firstID)
	}
	if s.Spawned != 5 || s.Exits != 5 || s.Sends != 3 {
		t.Errorf("first session spawned=%d exits=%d sends=%d, want 5 5 3", s.Spawned, s.Exits, s.Sends)
	}
	if !sessions[1].EndedAt.IsZero() {
		t.Error("open session reports an end time")
	}

	old, err := second.Exits(firstID, block.ExitNone)
	if err != nil || len(old) != 5 {
		t.Errorf("Exits(first) = %d records, %v; want 5", len(old), err)
	}
	if cur, _ := second.Exits("", block.ExitNone); len(cur) != 0 {
		t.Errorf("new session already has %d exits", len(cur))
	}
}

func TestFlushAfterClose(t *testing.T) {
	j := open(t, filepath.Join(t.TempDir(), "journal.db"))
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
	if err := j.Flush(); !errors.Is(err, ErrClosed) {
		t.Errorf("Flush = %v, want ErrClosed", err)
	}
	// Exits arriving late are dropped, not panicking on the closed queue.
	b := block.New(1, block.Options{})
	b.Crash("late")
	j.OnExit(b)
}
