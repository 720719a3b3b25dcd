package memsys

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ImportSegment is a per-connection mapping of a remote shm segment,
// attached lazily on first reference and shared by every Block imported
// from it (spec.md §3 "attached shm segments keyed by (remote-shm-id)").
type ImportSegment struct {
	id  string
	seg segment

	mu     sync.Mutex
	blocks map[uint32]*Block // remote block id -> Block, for bookkeeping only
}

func (s *ImportSegment) onBlockFreed(b *Block) {
	s.mu.Lock()
	for id, blk := range s.blocks {
		if blk == b {
			delete(s.blocks, id)
			break
		}
	}
	s.mu.Unlock()
}

// ReleaseFunc is invoked by Import.Drop, once per imported block the
// connection layer drops, so it can send MEM_RELEASE(blockID) to the
// exporting peer (spec.md §4.3 step 4).
type ReleaseFunc func(remoteID uint32)

// Import is the per-connection structure that reconstructs MemBlocks from
// control messages describing a peer's exported blocks.
type Import struct {
	pool *Pool
	mu   sync.Mutex
	byID map[uint32]*Block

	onRelease ReleaseFunc
}

// NewImport returns an Import bound to pool for segment attachment, and
// onRelease to notify the connection layer when a local reference to an
// imported block is fully dropped.
func NewImport(pool *Pool, onRelease ReleaseFunc) *Import {
	return &Import{pool: pool, byID: make(map[uint32]*Block), onRelease: onRelease}
}

// NewLoopbackImport returns an Import whose lookups of segID resolve
// directly to pool's own backing store, instead of mapping a new segment by
// name. A real cross-process attach maps a segment a different pool
// instance created; a peer that holds both ends of a connection to itself
// (or a test standing in for the fd-passing handshake a cross-process
// attach performs) has no second pool to attach, so it registers its own
// store under the name it exports blocks as.
func NewLoopbackImport(pool *Pool, segID string, onRelease ReleaseFunc) *Import {
	pool.registerImportSegment(segID, &ImportSegment{id: segID, seg: pool.store, blocks: make(map[uint32]*Block)})
	return NewImport(pool, onRelease)
}

// descriptor mirrors the control-message fields carried alongside a
// HAS_SHM_REF frame (spec.md §4.3 step 2).
type Descriptor struct {
	SegmentID string
	RemoteID  uint32
	Offset    int
	Size      int
}

// Get reconstructs (or returns the already-reconstructed) Block for d,
// attaching the named segment on first reference (spec.md §4.3 step 3).
func (im *Import) Get(d Descriptor) (*Block, error) {
	im.mu.Lock()
	if b, ok := im.byID[d.RemoteID]; ok {
		im.mu.Unlock()
		b.Ref()
		return b, nil
	}
	im.mu.Unlock()

	seg, err := im.attach(d.SegmentID)
	if err != nil {
		return nil, errors.Wrap(err, "memsys: attach import segment")
	}
	raw := seg.seg.bytes()
	if d.Offset < 0 || d.Size < 0 || d.Offset+d.Size > len(raw) {
		return nil, errors.New("memsys: import descriptor out of range")
	}
	blk := newBlock(KindImported, raw[d.Offset:d.Offset+d.Size])
	blk.segment = seg

	im.mu.Lock()
	im.byID[d.RemoteID] = blk
	im.mu.Unlock()

	seg.mu.Lock()
	seg.blocks[d.RemoteID] = blk
	seg.mu.Unlock()

	if im.pool != nil {
		atomic.AddInt64(&im.pool.stats.NImported, 1)
	}
	return blk, nil
}

func (im *Import) attach(segID string) (*ImportSegment, error) {
	if im.pool == nil {
		return nil, errors.New("memsys: import has no pool to attach segments into")
	}
	if seg, ok := im.pool.lookupImportSegment(segID); ok {
		return seg, nil
	}
	backing, err := newSegment(im.pool.cfg.Storage, segID, im.pool.cfg.SlotSize*im.pool.cfg.SlotCount)
	if err != nil {
		return nil, err
	}
	seg := &ImportSegment{id: segID, seg: backing, blocks: make(map[uint32]*Block)}
	im.pool.registerImportSegment(segID, seg)
	return seg, nil
}

// Drop removes the bookkeeping entry for remoteID and fires onRelease so
// the connection can tell the exporter (spec.md §4.3 step 4). A Block's own
// last Deref does not call it: connection code calls Drop explicitly once
// it has dropped its last reference to the imported block.
func (im *Import) Drop(remoteID uint32) {
	im.mu.Lock()
	_, ok := im.byID[remoteID]
	if ok {
		delete(im.byID, remoteID)
	}
	im.mu.Unlock()
	if ok && im.onRelease != nil {
		im.onRelease(remoteID)
	}
}

// Revoke replaces the block's storage with a private copy ahead of the
// exporter invalidating it (spec.md §4.3 step 5, MEM_REVOKE). The caller
// must still send a RELEASE afterward per spec.md §4.3's step ordering.
func (im *Import) Revoke(remoteID uint32) {
	im.mu.Lock()
	b, ok := im.byID[remoteID]
	im.mu.Unlock()
	if !ok {
		return
	}
	b.makeLocal()
}

// Len reports the number of live import entries.
func (im *Import) Len() int {
	im.mu.Lock()
	defer im.mu.Unlock()
	return len(im.byID)
}
