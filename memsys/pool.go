package memsys

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// StorageKind selects the backing store for a Pool's slots (spec.md §6).
type StorageKind int

const (
	// StoragePrivate is a heap-allocated region, usable only within this
	// process.
	StoragePrivate StorageKind = iota
	// StorageSHMPosix is a POSIX shm_open segment, shareable across
	// processes via a name.
	StorageSHMPosix
	// StorageSHMMemfd is a Linux memfd_create segment, shareable across
	// processes by passing the file descriptor.
	StorageSHMMemfd
)

const (
	// defaultSlotSize matches spec.md §4.3's suggested default (64 KiB).
	defaultSlotSize = 64 * 1024
	// defaultSlotCount is a conservative default slot count.
	defaultSlotCount = 64
	// allocRetries bounds free-slot pop attempts before escalating to the
	// heap (spec.md §4.3 "on exhaustion, the caller retries a bounded
	// number of times, then escalates to heap").
	allocRetries = 3
)

// Config carries Pool construction knobs; defaults come from spec.md §4.3.
type Config struct {
	SlotSize  int
	SlotCount int
	Storage   StorageKind
	// Global marks a pool shared across all clients of a server rather
	// than scoped to one connection.
	Global bool
	// RemoteWritable allows an imported block from this pool to be
	// mutated by the importer without first making a local copy.
	RemoteWritable bool
	Name           string
}

func (c Config) withDefaults() Config {
	if c.SlotSize <= 0 {
		c.SlotSize = defaultSlotSize
	}
	if c.SlotCount <= 0 {
		c.SlotCount = defaultSlotCount
	}
	return c
}

// Stats are per-type allocation counters (spec.md §4.3).
type Stats struct {
	NAppended        int64
	NPoolExternal    int64
	NTooLargeForPool int64
	NPoolFull        int64
	NImported        int64
}

// Pool is a fixed array of equal-size slots, optionally backed by shared
// memory, enabling zero-copy block transfer between same-host processes.
// Pool lifecycle is refcounted and independent of individual blocks.
type Pool struct {
	cfg   Config
	log   *logrus.Entry
	store *segment // backing storage for all slots

	free *slotStack

	refs int32 // atomic: pool-level refcount, independent of block refs

	mu      sync.Mutex
	imports map[string]*ImportSegment
	export  *Export

	stats Stats
}

// NewPool allocates a Pool per cfg, filling in spec-suggested defaults for
// zero-valued fields.
func NewPool(cfg Config) (*Pool, error) {
	cfg = cfg.withDefaults()
	store, err := newSegment(cfg.Storage, cfg.Name, cfg.SlotSize*cfg.SlotCount)
	if err != nil {
		return nil, errors.Wrap(err, "memsys: allocate pool storage")
	}
	p := &Pool{
		cfg:     cfg,
		log:     logrus.WithField("component", "memsys").WithField("pool", cfg.Name),
		store:   store,
		free:    newSlotStack(uint32(cfg.SlotCount)),
		refs:    1,
		imports: make(map[string]*ImportSegment),
		export:  newExport(),
	}
	return p, nil
}

// Ref increments the pool-level refcount, independent of any Block.
func (p *Pool) Ref() int32 { return atomic.AddInt32(&p.refs, 1) }

// Deref decrements the pool-level refcount; at zero the backing storage is
// released to the OS.
func (p *Pool) Deref() int32 {
	n := atomic.AddInt32(&p.refs, -1)
	if n == 0 {
		_ = p.store.close()
	}
	return n
}

// Export returns the per-pool export table used when blocks from this pool
// cross a connection.
func (p *Pool) Export() *Export { return p.export }

// Name returns the pool's configured name, used as the segment id a peer
// names back in a HAS_SHM_REF descriptor to attach this pool's storage.
func (p *Pool) Name() string { return p.cfg.Name }

// SlotSize returns the configured slot size.
func (p *Pool) SlotSize() int { return p.cfg.SlotSize }

// Stats returns a snapshot of allocation counters.
func (p *Pool) Stats() Stats {
	return Stats{
		NAppended:        atomic.LoadInt64(&p.stats.NAppended),
		NPoolExternal:    atomic.LoadInt64(&p.stats.NPoolExternal),
		NTooLargeForPool: atomic.LoadInt64(&p.stats.NTooLargeForPool),
		NPoolFull:        atomic.LoadInt64(&p.stats.NPoolFull),
		NImported:        atomic.LoadInt64(&p.stats.NImported),
	}
}

// FreeSlots returns an approximate count of unused slots (see slotStack.len
// for why this is approximate under concurrency).
func (p *Pool) FreeSlots() int { return p.free.len() }

// allocateSlot pops a free slot, retrying a bounded number of times before
// reporting exhaustion to the caller.
func (p *Pool) allocateSlot() (slot uint32, data []byte, ok bool) {
	for i := 0; i < allocRetries; i++ {
		if s, popped := p.free.pop(); popped {
			off := int(s) * p.cfg.SlotSize
			return s, p.store.bytes()[off : off+p.cfg.SlotSize], true
		}
	}
	return 0, nil, false
}

func (p *Pool) freeSlot(slot uint32) {
	// Zero the slot's logical extent before returning it so a subsequent
	// allocation never observes stale cross-tenant data.
	off := int(slot) * p.cfg.SlotSize
	region := p.store.bytes()[off : off+p.cfg.SlotSize]
	for i := range region {
		region[i] = 0
	}
	p.free.push(slot)
}

// Allocate implements the block allocation fast path of spec.md §4.3.
func (p *Pool) Allocate(length int) (*Block, error) {
	if length < 0 {
		return nil, errors.New("memsys: negative length")
	}

	switch {
	case length <= p.cfg.SlotSize-reservedHeader:
		if slot, data, ok := p.allocateSlot(); ok {
			blk := newBlock(KindPool, data[reservedHeader:reservedHeader+length])
			blk.pool = p
			blk.slot = slot
			atomic.AddInt64(&p.stats.NAppended, 1)
			return blk, nil
		}
		atomic.AddInt64(&p.stats.NPoolFull, 1)
		return p.heapFallback(length)

	case length <= p.cfg.SlotSize:
		if slot, data, ok := p.allocateSlot(); ok {
			blk := newBlock(KindPoolExternal, data[:length])
			blk.pool = p
			blk.slot = slot
			atomic.AddInt64(&p.stats.NPoolExternal, 1)
			return blk, nil
		}
		atomic.AddInt64(&p.stats.NPoolFull, 1)
		return p.heapFallback(length)

	default:
		atomic.AddInt64(&p.stats.NTooLargeForPool, 1)
		return p.heapFallback(length)
	}
}

func (p *Pool) heapFallback(length int) (*Block, error) {
	return newBlock(KindAppended, make([]byte, length)), nil
}

// WrapUser creates a KindUser block over caller-supplied bytes, invoking
// freeFn on last deref.
func WrapUser(data []byte, freeFn func([]byte)) *Block {
	b := newBlock(KindUser, data)
	b.freeFn = freeFn
	return b
}

// WrapFixed creates a KindFixed block over caller-supplied bytes that is
// never freed.
func WrapFixed(data []byte) *Block { return newBlock(KindFixed, data) }

// Vacuum releases slots that are currently unused back to the OS where the
// backing storage supports partial release; for the in-process/shm
// segments implemented here this is a no-op beyond refreshing statistics,
// since the slot array is a single contiguous mapping.
func (p *Pool) Vacuum() {
	p.log.WithField("free_slots", p.FreeSlots()).Debug("vacuum requested")
}

// registerImportSegment records an ImportSegment keyed by remote shm id so
// repeated imports referencing the same segment reuse the mapping.
func (p *Pool) registerImportSegment(id string, seg *ImportSegment) {
	p.mu.Lock()
	p.imports[id] = seg
	p.mu.Unlock()
}

func (p *Pool) lookupImportSegment(id string) (*ImportSegment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	seg, ok := p.imports[id]
	return seg, ok
}
