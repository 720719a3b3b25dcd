package stream

import (
	"sync"

	"github.com/kagenode/inc/memsys"
	"github.com/kagenode/inc/proto"
	"github.com/kagenode/inc/tagstruct"
	"github.com/kagenode/inc/wire"
)

// Registry routes a Connection's inbound BINARY_DATA frames to the Stream
// attached on each channel id, since a single proto.Hooks value only
// carries one callback per event but a Connection may have several Streams
// open at once (spec.md §4.7). MEM_RELEASE and MEM_REVOKE are not routed
// here; the owner's own hooks handle them.
type Registry struct {
	mu      sync.RWMutex
	streams map[uint32]*Stream

	imports *memsys.Import // nil disables the HAS_SHM_REF fast path on the receive side
}

// NewRegistry returns an empty Registry. imports may be nil when this side
// never expects shared-memory-backed frames (spec.md §4.3's fast path is an
// optimization, not a correctness requirement).
func NewRegistry(imports *memsys.Import) *Registry {
	return &Registry{streams: make(map[uint32]*Stream), imports: imports}
}

// Track starts routing frames on s.ChannelID() to s. Call after a
// successful Attach.
func (r *Registry) Track(s *Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[s.ChannelID()] = s
}

// Untrack stops routing frames for channelID. Call after Detach.
func (r *Registry) Untrack(channelID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, channelID)
}

func (r *Registry) lookup(channelID uint32) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[channelID]
	return s, ok
}

// OnBinaryData is a proto.Hooks.OnBinaryData implementation that forwards
// payloads to the matching tracked Stream's read queue. Inline frames are
// pushed as-is; HAS_SHM_REF frames are resolved via the Registry's
// memsys.Import, copied out, and immediately released back to the
// exporter with MEM_RELEASE (spec.md §4.3 steps 3-4).
func (r *Registry) OnBinaryData(c *proto.Connection, channelID uint32, _ uint32, _ uint64, data []byte, shm *wire.Message) {
	s, ok := r.lookup(channelID)
	if !ok {
		return
	}
	if shm == nil {
		s.Push(data)
		return
	}
	if r.imports == nil {
		return
	}

	b := tagstruct.Load(shm.Payload)
	segID, ok1 := b.GetString()
	remoteID, ok2 := b.GetU32()
	offset, ok3 := b.GetU32()
	size, ok4 := b.GetU32()
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return
	}

	blk, err := r.imports.Get(memsys.Descriptor{SegmentID: segID, RemoteID: remoteID, Offset: int(offset), Size: int(size)})
	if err != nil {
		return
	}
	out := make([]byte, size)
	copy(out, blk.Acquire())
	blk.Release()
	blk.Deref()
	r.imports.Drop(remoteID)

	s.Push(out)
}
