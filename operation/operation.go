// Package operation implements the async-operation tracking layer of
// spec.md §4.5: a future-like handle per in-flight request, with timeout,
// cancellation, and exactly-once callback delivery.
package operation

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kagenode/inc/wire"
)

// State is the terminal-state machine of an Operation: RUNNING is the only
// non-terminal state; every other state is final (spec.md §3).
type State int32

const (
	Running State = iota
	Done
	Failed
	Timeout
	Cancelled
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Done:
		return "DONE"
	case Failed:
		return "FAILED"
	case Timeout:
		return "TIMEOUT"
	case Cancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Callback is invoked exactly once when an Operation reaches a terminal
// state other than Cancelled (spec.md §4.5).
type Callback func(op *Operation)

// ProgressFunc is invoked zero or more times before the terminal callback,
// for operations that deliver partial results (supplemented from
// original_source/include/core/inc/iincoperation.h's progress callback;
// see SPEC_FULL.md).
type ProgressFunc func(op *Operation, partial []byte)

// Operation is a refcounted future-like handle representing one in-flight
// request, keyed by Sequence within its owner's map.
type Operation struct {
	Sequence uint32

	state int32 // atomic State

	mu       sync.Mutex
	code     wire.Code
	result   []byte
	callback Callback
	progress ProgressFunc
	data     any // opaque user data passed back to the callback

	timer *time.Timer

	refs int32 // atomic

	// onDeregister is invoked exactly once, at the moment this Operation
	// transitions to a terminal state, so the owning map can remove its
	// entry without the Operation needing a back-pointer to the map type.
	onDeregister func(seq uint32)
}

// New creates an Operation in the Running state for sequence seq.
// onDeregister, if non-nil, is called with seq when the Operation reaches a
// terminal state.
func New(seq uint32, onDeregister func(uint32)) *Operation {
	return &Operation{Sequence: seq, refs: 1, onDeregister: onDeregister}
}

// Ref increments the Operation's refcount, letting it outlive its owner
// map (spec.md §3: "Operations are refcounted and may outlive their owner
// map").
func (op *Operation) Ref() { atomic.AddInt32(&op.refs, 1) }

// Unref decrements the refcount; Operations have no storage to release
// beyond the Go runtime's GC, so this exists to make lifetime intent
// explicit at call sites, mirroring the paired Ref/Deref idiom used
// throughout memsys.
func (op *Operation) Unref() { atomic.AddInt32(&op.refs, -1) }

// State returns the current terminal (or Running) state.
func (op *Operation) State() State { return State(atomic.LoadInt32(&op.state)) }

// Result returns the terminal error code and payload. Valid only once
// State() is no longer Running.
func (op *Operation) Result() (wire.Code, []byte) {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.code, op.result
}

// Data returns the opaque user data attached via SetData.
func (op *Operation) Data() any {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.data
}

// SetData attaches opaque user data, retrievable from the callback via Data.
func (op *Operation) SetData(v any) {
	op.mu.Lock()
	op.data = v
	op.mu.Unlock()
}

// transition performs the single CAS from Running required by spec.md
// §4.5 ("Each transition is a single CAS from RUNNING"); the loser is a
// no-op. Returns true iff this call won the race.
func (op *Operation) transition(to State, code wire.Code, result []byte) bool {
	if !atomic.CompareAndSwapInt32(&op.state, int32(Running), int32(to)) {
		return false
	}
	op.mu.Lock()
	op.code = code
	op.result = result
	timer := op.timer
	op.timer = nil
	op.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	if op.onDeregister != nil {
		op.onDeregister(op.Sequence)
	}
	if to != Cancelled {
		op.fireCallback()
	}
	return true
}

func (op *Operation) fireCallback() {
	op.mu.Lock()
	cb := op.callback
	op.mu.Unlock()
	if cb != nil {
		cb(op)
	}
}

// SetResult completes the operation with code/result. Success iff
// code==0. Returns false if the Operation had already reached a terminal
// state (spec.md §4.5).
func (op *Operation) SetResult(code wire.Code, result []byte) bool {
	to := Done
	if code != 0 {
		to = Failed
	}
	return op.transition(to, code, result)
}

// Cancel transitions the Operation to Cancelled, suppressing the terminal
// callback, unless it had already completed (spec.md §4.5/§5: "cancel is
// non-blocking and idempotent ... a concurrent setResult races via CAS").
func (op *Operation) Cancel() bool { return op.transition(Cancelled, 0, nil) }

// fail transitions to Failed with the given code; used by the owning map
// to mass-fail live operations on disconnect (spec.md §4.5 "Owner
// destroyed / connection lost: owner transitions all live ops to
// FAILED(DISCONNECTED)").
func (op *Operation) fail(code wire.Code) bool { return op.transition(Failed, code, nil) }

// Progress delivers a partial result ahead of the terminal callback. It is
// a no-op once the Operation has reached a terminal state.
func (op *Operation) Progress(partial []byte) {
	if op.State() != Running {
		return
	}
	op.mu.Lock()
	fn := op.progress
	op.mu.Unlock()
	if fn != nil {
		fn(op, partial)
	}
}

// OnProgress installs the partial-result callback.
func (op *Operation) OnProgress(fn ProgressFunc) {
	op.mu.Lock()
	op.progress = fn
	op.mu.Unlock()
}

// OnComplete installs the terminal callback. If the Operation has already
// reached a terminal state, the callback runs synchronously on the calling
// goroutine immediately (spec.md §4.5 "the caller is assumed to want
// notification regardless of race order"), except when the terminal state
// is Cancelled, which never invokes a callback.
func (op *Operation) OnComplete(cb Callback) {
	op.mu.Lock()
	op.callback = cb
	alreadyTerminal := State(atomic.LoadInt32(&op.state)) != Running
	op.mu.Unlock()
	if alreadyTerminal && op.State() != Cancelled {
		cb(op)
	}
}

// SetTimeout arms a single-shot timer that fails the Operation with
// wire.ErrTimeout when it fires, unless the Operation has already reached
// a terminal state (spec.md §4.5 "Timeout discipline").
func (op *Operation) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	op.mu.Lock()
	if op.timer != nil {
		op.timer.Stop()
	}
	op.timer = time.AfterFunc(d, func() {
		op.transition(Timeout, wire.ErrTimeout, nil)
	})
	op.mu.Unlock()
}
