package vm

import (
	"errors"
	"fmt"
)

// Result is the outcome of running a VM for one slice.
type Result uint8

const (
	// ResultYield means the budget ran out or the code yielded explicitly.
	ResultYield Result = iota
	// ResultWaiting means a receive found no message; the receive is retried
	// on the next run.
	ResultWaiting
	// ResultHalt means the program finished normally.
	ResultHalt
	// ResultError means the program faulted; see Fault.
	ResultError
)

func (r Result) String() string {
	switch r {
	case ResultYield:
		return "yield"
	case ResultWaiting:
		return "waiting"
	case ResultHalt:
		return "halt"
	case ResultError:
		return "error"
	}
	return fmt.Sprintf("Result(%d)", r)
}

// FaultKind classifies runtime faults.
type FaultKind uint8

const (
	FaultType FaultKind = iota
	FaultDivByZero
	FaultBounds
	FaultUndefined
	FaultArity
	FaultCapability
	FaultSendFailed
	FaultHeapExhausted
	FaultStackOverflow
	FaultCallDepth
	FaultCrash
	FaultBadCode
	FaultNative
	FaultUpgrade
	FaultSpawn
)

var faultNames = [...]string{
	FaultType:          "type error",
	FaultDivByZero:     "division by zero",
	FaultBounds:        "index out of bounds",
	FaultUndefined:     "undefined",
	FaultArity:         "arity mismatch",
	FaultCapability:    "capability violation",
	FaultSendFailed:    "send failed",
	FaultHeapExhausted: "heap exhausted",
	FaultStackOverflow: "stack overflow",
	FaultCallDepth:     "call depth exceeded",
	FaultCrash:         "crash",
	FaultBadCode:       "invalid bytecode",
	FaultNative:        "primitive failed",
	FaultUpgrade:       "upgrade failed",
	FaultSpawn:         "spawn failed",
}

func (k FaultKind) String() string {
	if int(k) < len(faultNames) {
		return faultNames[k]
	}
	return fmt.Sprintf("FaultKind(%d)", k)
}

// IsResourceExhaustion reports whether the fault comes from a limit rather
// than from the program's logic.
func (k FaultKind) IsResourceExhaustion() bool {
	switch k {
	case FaultHeapExhausted, FaultStackOverflow, FaultCallDepth:
		return true
	}
	return false
}

// Fault is a runtime fault raised by a running program.
type Fault struct {
	Kind FaultKind
	Msg  string
	Err  error // underlying cause, if any
}

// NewFault creates a fault with a formatted message.
func NewFault(kind FaultKind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapFault creates a fault caused by err.
func WrapFault(kind FaultKind, err error) *Fault {
	return &Fault{Kind: kind, Msg: err.Error(), Err: err}
}

func (f *Fault) Error() string {
	if f.Msg == "" {
		return f.Kind.String()
	}
	return f.Kind.String() + ": " + f.Msg
}

func (f *Fault) Unwrap() error { return f.Err }

// Reason is the exit reason recorded for a block that died of f. Explicit
// crashes carry their own reason verbatim.
func (f *Fault) Reason() string {
	if f.Kind == FaultCrash {
		return f.Msg
	}
	return f.Error()
}

// AsFault returns err as a *Fault, classifying foreign errors as kind.
func AsFault(err error, kind FaultKind) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return WrapFault(kind, err)
}
