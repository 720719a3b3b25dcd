package memsys

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/kagenode/inc/wire"
)

// maxExportEntries bounds the per-connection export table (spec.md §3:
// "An Export holds a bounded table (≤128 entries)").
const maxExportEntries = 128

// Export is the per-connection structure that tracks locally-generated
// block IDs currently referenced by a remote peer.
type Export struct {
	mu      sync.Mutex
	byID    map[uint32]*Block
	nextID  uint32
}

func newExport() *Export {
	return &Export{byID: make(map[uint32]*Block)}
}

// Put assigns a fresh ID to block, incrementing its refcount for the
// duration the remote side may hold it (spec.md §4.3 step 1). It fails
// with ErrResourceUnavailable once the table is full.
func (e *Export) Put(block *Block) (id uint32, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.byID) >= maxExportEntries {
		return 0, wire.Wrap(wire.ErrResourceUnavailable, errors.New("memsys: export table full"))
	}
	for {
		e.nextID++
		if e.nextID == 0 {
			e.nextID = 1
		}
		if _, taken := e.byID[e.nextID]; !taken {
			break
		}
	}
	id = e.nextID
	block.Ref()
	e.byID[id] = block
	return id, nil
}

// Release drops the export's reference to the block named by id, as driven
// by an inbound MEM_RELEASE control message (spec.md §4.3 step 4). It
// reports false if id is unknown (already released, or never exported).
func (e *Export) Release(id uint32) bool {
	e.mu.Lock()
	block, ok := e.byID[id]
	if ok {
		delete(e.byID, id)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	block.Deref()
	return true
}

// Revoke forcibly drops the export's reference without waiting for a
// MEM_RELEASE, used when this process is about to invalidate the block
// before the peer has finished with it (spec.md §4.3 step 5). The caller
// is still responsible for sending MEM_REVOKE to the peer.
func (e *Export) Revoke(id uint32) bool { return e.Release(id) }

// Lookup returns the block currently exported under id.
func (e *Export) Lookup(id uint32) (*Block, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.byID[id]
	return b, ok
}

// Len reports the number of live export entries.
func (e *Export) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.byID)
}
