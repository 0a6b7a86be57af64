// Package supervisor restarts failed blocks. A Supervisor owns a block
// that traps exits and a list of children linked to it; when a child
// terminates, its restart policy and the supervisor's strategy decide what
// is restarted. Too many restarts within the window crash the supervisor,
// which takes its children down with it through their links.
package supervisor

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/agim/block"
	"github.com/chazu/agim/bytecode"
	"github.com/chazu/agim/heap"
	"github.com/chazu/agim/sched"
)

var log = commonlog.GetLogger("agim.supervisor")

var (
	// ErrShutdown is returned by operations on a supervisor that has
	// stopped or crashed.
	ErrShutdown = errors.New("supervisor shut down")
	// ErrDuplicateChild is returned by AddChild for a name already in use.
	ErrDuplicateChild = errors.New("duplicate child name")
)

// Strategy selects which children are restarted when one terminates.
type Strategy int

const (
	// OneForOne restarts only the child that terminated.
	OneForOne Strategy = iota
	// OneForAll terminates and restarts every child.
	OneForAll
	// RestForOne terminates and restarts the child and every child started
	// after it.
	RestForOne
)

func (s Strategy) String() string {
	switch s {
	case OneForOne:
		return "one_for_one"
	case OneForAll:
		return "one_for_all"
	case RestForOne:
		return "rest_for_one"
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// RestartPolicy says which exits of a child are restarted.
type RestartPolicy int

const (
	// Permanent children are always restarted.
	Permanent RestartPolicy = iota
	// Transient children are restarted only after an abnormal exit.
	Transient
	// Temporary children are never restarted.
	Temporary
)

func (p RestartPolicy) String() string {
	switch p {
	case Permanent:
		return "permanent"
	case Transient:
		return "transient"
	case Temporary:
		return "temporary"
	}
	return fmt.Sprintf("RestartPolicy(%d)", int(p))
}

// ShouldRestart reports whether an exit of kind restarts a child with this
// policy.
func (p RestartPolicy) ShouldRestart(kind block.ExitKind) bool {
	switch p {
	case Permanent:
		return true
	case Transient:
		return kind.Abnormal()
	}
	return false
}

// ChildSpec describes how to start a child.
type ChildSpec struct {
	Name    string
	Code    *bytecode.Bytecode
	Restart RestartPolicy

	// MaxRestarts bounds the restarts of this child over the supervisor's
	// lifetime. Zero means no per-child bound.
	MaxRestarts int

	Capabilities block.Capability
	Limits       block.Limits
}

// Child is a snapshot of a supervised child.
type Child struct {
	Spec     ChildSpec
	PID      heap.PID // InvalidPID while not running
	Restarts int
}

// Config configures a supervisor.
type Config struct {
	Name        string
	Strategy    Strategy
	MaxRestarts int           // restarts allowed within Window
	Window      time.Duration // restart intensity window
}

// DefaultConfig allows three restarts in five seconds, one child at a time.
func DefaultConfig() Config {
	return Config{
		Name:        "supervisor",
		Strategy:    OneForOne,
		MaxRestarts: 3,
		Window:      5 * time.Second,
	}
}

// Supervisor supervises children on a scheduler.
type Supervisor struct {
	s   *sched.Scheduler
	cfg Config
	pid heap.PID

	mu           sync.Mutex
	children     []*Child
	byPID        map[heap.PID]*Child
	restarts     []time.Time
	shuttingDown bool
	now          func() time.Time

	removeHook func()
}

// program keeps the supervisor block alive, draining the exit signals its
// children's links deliver.
func program() *bytecode.Bytecode {
	main := bytecode.NewChunk("supervisor")
	top := main.Emit(bytecode.OpReceiveSystem)
	main.Emit(bytecode.OpPop)
	main.EmitLoop(top)
	return bytecode.New(main)
}

// New spawns a supervisor block on s.
func New(s *sched.Scheduler, cfg Config) (*Supervisor, error) {
	d := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = d.Name
	}
	if cfg.MaxRestarts < 0 {
		cfg.MaxRestarts = 0
	}
	if cfg.Window <= 0 {
		cfg.Window = d.Window
	}

	sv := &Supervisor{
		s:     s,
		cfg:   cfg,
		byPID: make(map[heap.PID]*Child),
		now:   time.Now,
	}
	// The hook goes in first so an exit racing with startup is not missed.
	sv.removeHook = s.OnExit(sv.onExit)

	pid, err := s.SpawnEx(program(), sched.SpawnOptions{
		Name:         cfg.Name,
		Capabilities: block.CapDefault | block.CapTrapExit,
	})
	if err != nil {
		sv.removeHook()
		return nil, fmt.Errorf("supervisor %s: %w", cfg.Name, err)
	}
	sv.mu.Lock()
	sv.pid = pid
	sv.mu.Unlock()
	log.Infof("started %s as %s (%s, %d restarts per %s)", cfg.Name, pid, cfg.Strategy, cfg.MaxRestarts, cfg.Window)
	return sv, nil
}

// PID returns the supervisor block's pid.
func (sv *Supervisor) PID() heap.PID {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.pid
}

// Config returns the supervisor's configuration.
func (sv *Supervisor) Config() Config { return sv.cfg }

// Alive reports whether the supervisor still supervises.
func (sv *Supervisor) Alive() bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return !sv.shuttingDown
}

// AddChild starts a child and supervises it.
func (sv *Supervisor) AddChild(spec ChildSpec) (heap.PID, error) {
	if spec.Code == nil {
		return heap.InvalidPID, fmt.Errorf("supervisor %s: child %q has no code", sv.cfg.Name, spec.Name)
	}
	sv.mu.Lock()
	if sv.shuttingDown {
		sv.mu.Unlock()
		return heap.InvalidPID, ErrShutdown
	}
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("child%d", len(sv.children))
	}
	if sv.findLocked(spec.Name) != nil {
		sv.mu.Unlock()
		return heap.InvalidPID, fmt.Errorf("%w: %s", ErrDuplicateChild, spec.Name)
	}
	c := &Child{Spec: spec}
	sv.children = append(sv.children, c)
	sv.mu.Unlock()

	pid, err := sv.start(c)
	if err != nil {
		sv.mu.Lock()
		sv.children = slices.DeleteFunc(sv.children, func(x *Child) bool { return x == c })
		sv.mu.Unlock()
		return heap.InvalidPID, err
	}
	return pid, nil
}

// Children returns the supervised children in start order.
func (sv *Supervisor) Children() []Child {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	out := make([]Child, len(sv.children))
	for i, c := range sv.children {
		out[i] = *c
	}
	return out
}

// Child returns the named child.
func (sv *Supervisor) Child(name string) (Child, bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if c := sv.findLocked(name); c != nil {
		return *c, true
	}
	return Child{}, false
}

func (sv *Supervisor) findLocked(name string) *Child {
	for _, c := range sv.children {
		if c.Spec.Name == name {
			return c
		}
	}
	return nil
}

// start spawns c linked to the supervisor block. It runs without sv.mu:
// spawning can deliver exits, whose hooks take the lock. A child that dies
// before its pid is recorded is handled here instead of by its hook.
func (sv *Supervisor) start(c *Child) (heap.PID, error) {
	pid, err := sv.s.SpawnEx(c.Spec.Code, sched.SpawnOptions{
		Name:         c.Spec.Name,
		Capabilities: c.Spec.Capabilities,
		Limits:       c.Spec.Limits,
		Link:         sv.PID(),
	})
	if err != nil {
		return heap.InvalidPID, fmt.Errorf("supervisor %s: start %s: %w", sv.cfg.Name, c.Spec.Name, err)
	}
	sv.mu.Lock()
	if sv.shuttingDown {
		sv.mu.Unlock()
		sv.s.Kill(pid, "shutdown")
		return heap.InvalidPID, ErrShutdown
	}
	c.PID = pid
	sv.byPID[pid] = c
	sv.mu.Unlock()

	if b, ok := sv.s.Get(pid); ok && !b.IsAlive() {
		kind, code, reason := b.ExitInfo()
		sv.HandleExit(pid, kind, code, reason)
	}
	return pid, nil
}

func (sv *Supervisor) onExit(b *block.Block) {
	kind, code, reason := b.ExitInfo()
	if b.PID == sv.PID() {
		sv.mu.Lock()
		sv.shuttingDown = true
		sv.mu.Unlock()
		sv.removeHook()
		log.Infof("%s exited: %s", sv.cfg.Name, reason)
		return
	}
	sv.HandleExit(b.PID, kind, code, reason)
}

// HandleExit applies the restart policy and strategy to the exit of a
// child. Exits of pids the supervisor does not own are ignored.
func (sv *Supervisor) HandleExit(pid heap.PID, kind block.ExitKind, code int64, reason string) {
	sv.mu.Lock()
	c, ok := sv.byPID[pid]
	if !ok || sv.shuttingDown {
		sv.mu.Unlock()
		return
	}
	delete(sv.byPID, pid)
	c.PID = heap.InvalidPID

	if !c.Spec.Restart.ShouldRestart(kind) {
		log.Debugf("%s: child %s exited (%s %q), not restarting", sv.cfg.Name, c.Spec.Name, kind, reason)
		if c.Spec.Restart == Temporary {
			sv.children = slices.DeleteFunc(sv.children, func(x *Child) bool { return x == c })
		}
		sv.mu.Unlock()
		return
	}

	if why := sv.intensityLocked(c); why != "" {
		sv.mu.Unlock()
		sv.escalate(why)
		return
	}

	// Siblings that were not running stay stopped.
	restart := []*Child{c}
	var stop []heap.PID
	for _, r := range sv.affectedLocked(c) {
		if r == c || r.PID == heap.InvalidPID {
			continue
		}
		restart = append(restart, r)
		stop = append(stop, r.PID)
		delete(sv.byPID, r.PID)
		r.PID = heap.InvalidPID
	}
	sv.mu.Unlock()

	// Siblings are stopped without the lock: their exits come back through
	// onExit and are ignored because they are no longer in byPID.
	for i := len(stop) - 1; i >= 0; i-- {
		sv.s.Kill(stop[i], "shutdown")
	}

	sv.mu.Lock()
	if sv.shuttingDown {
		sv.mu.Unlock()
		return
	}
	slices.SortFunc(restart, func(a, b *Child) int {
		return slices.Index(sv.children, a) - slices.Index(sv.children, b)
	})
	var start []*Child
	for _, r := range restart {
		if r.Spec.Restart == Temporary {
			sv.children = slices.DeleteFunc(sv.children, func(x *Child) bool { return x == r })
			continue
		}
		start = append(start, r)
	}
	c.Restarts++
	sv.mu.Unlock()

	for _, r := range start {
		pid, err := sv.start(r)
		if err != nil {
			log.Errorf("%s: %v", sv.cfg.Name, err)
			continue
		}
		log.Noticef("%s: restarted %s as %s after %s exit of %s (%s)", sv.cfg.Name, r.Spec.Name, pid, kind, c.Spec.Name, reason)
	}
}

// intensityLocked records a restart of c and returns a non-empty reason
// when it exceeds either the supervisor's or the child's limit.
func (sv *Supervisor) intensityLocked(c *Child) string {
	if c.Spec.MaxRestarts > 0 && c.Restarts >= c.Spec.MaxRestarts {
		return fmt.Sprintf("child %s exceeded %d restarts", c.Spec.Name, c.Spec.MaxRestarts)
	}
	now := sv.now()
	cutoff := now.Add(-sv.cfg.Window)
	sv.restarts = slices.DeleteFunc(sv.restarts, func(t time.Time) bool { return t.Before(cutoff) })
	sv.restarts = append(sv.restarts, now)
	if len(sv.restarts) > sv.cfg.MaxRestarts {
		return fmt.Sprintf("reached max restart intensity (%d in %s)", sv.cfg.MaxRestarts, sv.cfg.Window)
	}
	return ""
}

// affectedLocked returns the children the strategy restarts when c exits,
// in start order.
func (sv *Supervisor) affectedLocked(c *Child) []*Child {
	switch sv.cfg.Strategy {
	case OneForAll:
		return slices.Clone(sv.children)
	case RestForOne:
		i := slices.Index(sv.children, c)
		return slices.Clone(sv.children[i:])
	}
	return []*Child{c}
}

// escalate crashes the supervisor block. Its links carry the crash to the
// remaining children and to whoever supervises it.
func (sv *Supervisor) escalate(reason string) {
	sv.mu.Lock()
	sv.shuttingDown = true
	pid := sv.pid
	sv.mu.Unlock()

	log.Errorf("%s: %s", sv.cfg.Name, reason)
	b, ok := sv.s.Get(pid)
	if ok && b.Crash(reason) {
		sv.s.PropagateExit(b)
	}
}

// Shutdown stops every child, newest first, and then the supervisor block
// itself with a normal exit.
func (sv *Supervisor) Shutdown() error {
	sv.mu.Lock()
	if sv.shuttingDown {
		sv.mu.Unlock()
		return ErrShutdown
	}
	sv.shuttingDown = true
	var stop []heap.PID
	for _, c := range sv.children {
		if c.PID != heap.InvalidPID {
			stop = append(stop, c.PID)
			delete(sv.byPID, c.PID)
			c.PID = heap.InvalidPID
		}
	}
	pid := sv.pid
	sv.mu.Unlock()

	for i := len(stop) - 1; i >= 0; i-- {
		sv.s.Kill(stop[i], "shutdown")
	}
	if b, ok := sv.s.Get(pid); ok && b.Exit(0) {
		sv.s.PropagateExit(b)
	}
	log.Infof("%s shut down", sv.cfg.Name)
	return nil
}
