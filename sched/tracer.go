package sched

import (
	"github.com/tliron/commonlog"

	"github.com/chazu/agim/block"
	"github.com/chazu/agim/heap"
)

// Tracer observes block lifecycle events. Methods are called from worker
// goroutines and must be safe for concurrent use.
type Tracer interface {
	OnSpawn(b *block.Block)
	OnExit(b *block.Block)
	OnSend(from, to heap.PID)
}

// LogTracer writes lifecycle events to a commonlog logger at debug level.
type LogTracer struct {
	Log commonlog.Logger
}

// NewLogTracer creates a tracer logging under "agim.trace".
func NewLogTracer() *LogTracer {
	return &LogTracer{Log: commonlog.GetLogger("agim.trace")}
}

func (t *LogTracer) OnSpawn(b *block.Block) {
	t.Log.Debugf("spawn %s module=%q caps=%s", b, b.Module, b.Capabilities())
}

func (t *LogTracer) OnExit(b *block.Block) {
	kind, code, reason := b.ExitInfo()
	c := b.Counters()
	t.Log.Debugf("exit %s kind=%s code=%d reason=%q reductions=%d", b, kind, code, reason, c.Reductions)
}

func (t *LogTracer) OnSend(from, to heap.PID) {
	t.Log.Debugf("send %s -> %s", from, to)
}

// tracers fans events out to every registered tracer.
type tracers []Tracer

func (ts tracers) OnSpawn(b *block.Block) {
	for _, t := range ts {
		t.OnSpawn(b)
	}
}

func (ts tracers) OnExit(b *block.Block) {
	for _, t := range ts {
		t.OnExit(b)
	}
}

func (ts tracers) OnSend(from, to heap.PID) {
	for _, t := range ts {
		t.OnSend(from, to)
	}
}
