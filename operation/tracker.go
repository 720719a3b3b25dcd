package operation

import (
	"sync"

	"github.com/kagenode/inc/wire"
)

// Tracker is a mutex-protected sequence -> Operation map (spec.md §4.7
// "Operation bookkeeping": "Adding/removing is thread-safe because replies
// may arrive on the I/O thread while the caller API runs on an application
// thread").
type Tracker struct {
	mu  sync.Mutex
	ops map[uint32]*Operation
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{ops: make(map[uint32]*Operation)}
}

// New creates and registers a new Operation for seq. The Operation
// self-deregisters from this Tracker when it reaches a terminal state.
func (t *Tracker) New(seq uint32) *Operation {
	op := New(seq, t.remove)
	t.mu.Lock()
	t.ops[seq] = op
	t.mu.Unlock()
	return op
}

// Lookup returns the Operation registered for seq, if any.
func (t *Tracker) Lookup(seq uint32) (*Operation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.ops[seq]
	return op, ok
}

func (t *Tracker) remove(seq uint32) {
	t.mu.Lock()
	delete(t.ops, seq)
	t.mu.Unlock()
}

// Len reports the number of live (non-terminal) operations tracked.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}

// FailAll transitions every currently-tracked Operation to
// Failed(code), used when the owning connection is lost (spec.md §4.5/§7:
// "Owner destroyed / connection lost: owner transitions all live ops to
// FAILED(DISCONNECTED)").
func (t *Tracker) FailAll(code wire.Code) {
	t.mu.Lock()
	snapshot := make([]*Operation, 0, len(t.ops))
	for _, op := range t.ops {
		snapshot = append(snapshot, op)
	}
	t.mu.Unlock()

	// fail() calls back into t.remove via onDeregister, so the snapshot
	// above (not a live iteration over t.ops) avoids mutating the map
	// while ranging it.
	for _, op := range snapshot {
		op.fail(code)
	}
}
