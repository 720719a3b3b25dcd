// Package memsys implements the zero-copy shared-memory block layer:
// MemPool, MemBlock, MemImport, MemExport of spec.md §4.3. It provides the
// slotted allocator and reference-counted block handles that let two
// same-host peers exchange bulk binary payloads by reference instead of by
// copy.
package memsys

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Kind distinguishes how a Block's storage was obtained (spec.md §3).
type Kind int

const (
	// KindPool: region carved from a MemPool slot, freed back to the pool
	// when the refcount hits zero.
	KindPool Kind = iota
	// KindPoolExternal: storage lives in a pool slot but the handle's own
	// bookkeeping could not fit in the slot's reserved header, so a
	// separate heap-allocated handle points at the slot's data.
	KindPoolExternal
	// KindAppended: handle and data are conceptually one allocation (here:
	// a single heap slice), used when requests outgrow every pool slot.
	KindAppended
	// KindUser: caller-supplied bytes plus a free callback invoked on last
	// deref.
	KindUser
	// KindFixed: caller-supplied bytes that are never freed.
	KindFixed
	// KindImported: backed by a segment mapped from another process.
	KindImported
)

// reservedHeader is the notional size reserved for inline block metadata
// inside a pool slot; it exists purely to reproduce the C implementation's
// three-way size classification (spec.md §4.3 "Block allocation fast
// path") for statistics purposes. Go's garbage collector does not let
// Block bookkeeping be placed inside the slot's own bytes the way a C
// struct can be, so here it only shrinks the usable data region for
// KindPool blocks; KindPoolExternal blocks get the full slot.
const reservedHeader = 32

// Block is a reference-counted handle to a contiguous memory region.
type Block struct {
	kind Kind
	pool *Pool
	slot uint32 // valid iff kind is KindPool or KindPoolExternal
	data []byte

	refs    int32 // atomic
	acquire int32 // atomic; outstanding raw-data loans
	sem     *semaphore.Weighted

	readOnly int32 // atomic bool: explicit read-only flag
	silence  int32 // atomic bool: sticky silence hint

	freeFn func([]byte)

	// segment is non-nil only for KindImported; cleared when the owning
	// Import is torn down, at which point the block degrades to a local
	// copy (spec.md §9 "Imported MemBlocks reference their Import via a
	// back-pointer that is cleared when the Import is torn down").
	segment *ImportSegment
}

func newBlock(kind Kind, data []byte) *Block {
	return &Block{
		kind: kind,
		data: data,
		refs: 1,
		sem:  semaphore.NewWeighted(1),
	}
}

// Size returns the block's byte length.
func (b *Block) Size() int { return len(b.data) }

// Kind reports how the block's storage was obtained.
func (b *Block) Kind() Kind { return b.kind }

// Ref increments the strong reference count and returns the new count.
func (b *Block) Ref() int32 { return atomic.AddInt32(&b.refs, 1) }

// RefCount returns the current strong reference count.
func (b *Block) RefCount() int32 { return atomic.LoadInt32(&b.refs) }

// IsReadOnly reports whether the block may currently be mutated in place.
// Per spec.md §3: "A block is readable-writable only when its strong
// refcount is exactly 1; any shared block is treated as read-only."
func (b *Block) IsReadOnly() bool {
	if atomic.LoadInt32(&b.readOnly) != 0 {
		return true
	}
	return atomic.LoadInt32(&b.refs) != 1
}

// SetReadOnly forces the read-only flag regardless of refcount.
func (b *Block) SetReadOnly(v bool) {
	if v {
		atomic.StoreInt32(&b.readOnly, 1)
	} else {
		atomic.StoreInt32(&b.readOnly, 0)
	}
}

// Silence reports the sticky silence hint (spec.md §4.3).
func (b *Block) Silence() bool { return atomic.LoadInt32(&b.silence) != 0 }

// SetSilence sets the silence hint. It stays set until Reset is called.
func (b *Block) SetSilence(v bool) {
	if v {
		atomic.StoreInt32(&b.silence, 1)
	} else {
		atomic.StoreInt32(&b.silence, 0)
	}
}

// Reset clears the sticky silence hint.
func (b *Block) Reset() { atomic.StoreInt32(&b.silence, 0) }

// Acquire returns the underlying bytes and records a loan against the
// block, preventing it from being freed out from under the caller even if
// every strong reference is dropped concurrently. Pair with Release.
func (b *Block) Acquire() []byte {
	if atomic.AddInt32(&b.acquire, 1) == 1 {
		// First outstanding loan: hold the semaphore so a concurrent
		// teardown's Wait blocks until Release drops it back to zero.
		_ = b.sem.Acquire(context.Background(), 1)
	}
	return b.data
}

// AcquireCount returns the number of outstanding Acquire loans.
func (b *Block) AcquireCount() int32 { return atomic.LoadInt32(&b.acquire) }

// Release returns a loan taken by Acquire. The last Release on a block
// whose strong refcount has already reached zero unblocks any waiter in
// Wait (spec.md §4.3 "posts a semaphore so a blocking wait() in cleanup
// can proceed").
func (b *Block) Release() {
	if atomic.AddInt32(&b.acquire, -1) == 0 {
		b.sem.Release(1)
	}
}

// Wait blocks until there are no outstanding Acquire loans. It is used by
// teardown paths that must guarantee no raw-data loan is outstanding before
// reclaiming storage (spec.md §4.3 "Acquire/release counters guard against
// freeing while a raw data loan is outstanding").
func (b *Block) Wait(ctx context.Context) error {
	if atomic.LoadInt32(&b.acquire) == 0 {
		return nil
	}
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	b.sem.Release(1)
	return nil
}

// SlotOffset reports the byte offset of b.data within its pool's backing
// segment, for a peer to name in a shared-memory descriptor alongside the
// pool's segment name and b's export id. Only KindPool/KindPoolExternal
// blocks live at a fixed offset inside a pool segment; any other kind
// (heap fallback, user-wrapped, fixed, imported) reports ok=false, meaning
// it cannot be referenced by a remote peer and must be sent inline.
func (b *Block) SlotOffset() (offset int, ok bool) {
	if b.pool == nil {
		return 0, false
	}
	switch b.kind {
	case KindPool:
		return int(b.slot)*b.pool.cfg.SlotSize + reservedHeader, true
	case KindPoolExternal:
		return int(b.slot) * b.pool.cfg.SlotSize, true
	default:
		return 0, false
	}
}

// Deref decrements the strong reference count; on transition to zero the
// block frees its storage (returning a pool slot to the free list if
// pool-backed, invoking a user free callback, or removing an imported block
// from its ImportSegment's bookkeeping).
func (b *Block) Deref() int32 {
	n := atomic.AddInt32(&b.refs, -1)
	if n > 0 {
		return n
	}
	if n < 0 {
		panic("memsys: Block Deref without matching Ref")
	}
	b.free()
	return 0
}

func (b *Block) free() {
	// Ensure no raw-data loan is outstanding before reclaiming storage.
	_ = b.Wait(context.Background())

	switch b.kind {
	case KindPool, KindPoolExternal:
		if b.pool != nil {
			b.pool.freeSlot(b.slot)
		}
	case KindUser:
		if b.freeFn != nil {
			b.freeFn(b.data)
		}
	case KindFixed, KindAppended:
		// Nothing to do: Fixed storage is never freed by us, Appended
		// storage is a plain heap slice reclaimed by the GC.
	case KindImported:
		if b.segment != nil {
			b.segment.onBlockFreed(b)
		}
	}
	b.data = nil
}

// makeLocal replaces an Imported block's backing memory with a private
// copy and clears its Import back-pointer, used when the exporter revokes
// the block before the receiver's last deref has run (spec.md §4.3 step 5,
// MEM_REVOKE handling).
func (b *Block) makeLocal() {
	cp := make([]byte, len(b.data))
	copy(cp, b.data)
	b.data = cp
	b.kind = KindAppended
	b.segment = nil
}
