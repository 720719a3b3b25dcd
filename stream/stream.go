// Package stream implements the channel-scoped binary transfer of
// spec.md §3/§4.7: attach a channel, write/read BINARY_DATA frames with
// write-ACK and read-on-arrival semantics, and detach.
package stream

import (
	"sync"
	"time"

	"github.com/kagenode/inc/memsys"
	"github.com/kagenode/inc/operation"
	"github.com/kagenode/inc/proto"
	"github.com/kagenode/inc/tagstruct"
	"github.com/kagenode/inc/wire"
)

// State is the stream attach/detach state machine (spec.md §3).
type State int32

const (
	Detached State = iota
	Attaching
	Attached
	Detaching
	Error
)

func (s State) String() string {
	switch s {
	case Detached:
		return "DETACHED"
	case Attaching:
		return "ATTACHING"
	case Attached:
		return "ATTACHED"
	case Detaching:
		return "DETACHING"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Stream is one channel-scoped binary pipe over a proto.Connection.
type Stream struct {
	conn *proto.Connection
	pool *memsys.Pool // optional: enables the HAS_SHM_REF fast path for same-host peers

	mu        sync.Mutex
	state     State
	channelID uint32
	mode      proto.ChannelMode
	readyRead func()
	pending   [][]byte
}

// New wraps conn. pool may be nil, in which case Write always sends data
// inline rather than via a shared-memory block (spec.md §4.3's fast path
// is an optimization, not a correctness requirement).
func New(conn *proto.Connection, pool *memsys.Pool) *Stream {
	return &Stream{conn: conn, pool: pool, state: Detached}
}

// NewAttached wraps conn as a Stream already bound to channelID/mode,
// skipping the CHANNEL_OPEN round trip. Used on the accepting side of a
// channel (spec.md §4.7), where proto.Hooks.OnChannelOpen has already
// admitted the channel and only needs a Stream to route BINARY_DATA
// through.
func NewAttached(conn *proto.Connection, pool *memsys.Pool, channelID uint32, mode proto.ChannelMode) *Stream {
	return &Stream{conn: conn, pool: pool, state: Attached, channelID: channelID, mode: mode}
}

// State returns the current attach state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnReadyRead installs a callback fired each time Read has data to return.
func (s *Stream) OnReadyRead(fn func()) {
	s.mu.Lock()
	s.readyRead = fn
	s.mu.Unlock()
}

// Mode returns the mode this stream was attached with, valid once State()
// is Attached.
func (s *Stream) Mode() proto.ChannelMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// ChannelID returns the channel id assigned at Attach time.
func (s *Stream) ChannelID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelID
}

// Attach opens a channel in mode via CHANNEL_OPEN and blocks until the
// reply arrives or timeout elapses (spec.md §4.7).
func (s *Stream) Attach(mode proto.ChannelMode, timeout time.Duration) error {
	s.mu.Lock()
	if s.state != Detached {
		s.mu.Unlock()
		return wire.ErrInvalidState
	}
	s.state = Attaching
	s.mu.Unlock()

	seq := s.conn.NextSequence()
	op := s.conn.Ops.New(seq)
	done := make(chan struct{})
	op.OnComplete(func(*operation.Operation) { close(done) })
	op.SetTimeout(timeout)

	b := tagstruct.New()
	b.PutU8(uint8(mode))
	if err := s.conn.SendMessage(&wire.Message{Type: wire.ChannelOpen, Sequence: seq, Payload: b.Bytes()}); err != nil {
		op.Cancel()
		s.setState(Error)
		return err
	}
	<-done
	code, result := op.Result()
	if code != 0 {
		s.setState(Error)
		return wire.Wrap(code, nil)
	}

	rb := tagstruct.Load(result)
	id, ok := rb.GetU32()
	if !ok {
		s.setState(Error)
		return wire.ErrInvalidMessage
	}
	if !s.conn.Channels.Insert(id, mode) {
		s.setState(Error)
		return wire.ErrTooManyConns
	}

	s.mu.Lock()
	s.channelID = id
	s.mode = mode
	s.state = Attached
	s.mu.Unlock()
	return nil
}

func (s *Stream) setState(to State) {
	s.mu.Lock()
	s.state = to
	s.mu.Unlock()
}

// Write sends data as one BINARY_DATA frame on this stream's channel and
// blocks for the BINARY_ACK (spec.md §4.7 "write has a synchronous ACK").
// When a Pool is configured and data is non-empty, it is copied into a Pool
// block and, if that block lives in a pool slot and can be exported, it is
// referenced by (segment name, export id, offset, size) instead of being
// inlined (spec.md §4.3 fast path).
func (s *Stream) Write(data []byte, timeout time.Duration) error {
	s.mu.Lock()
	if s.state != Attached {
		s.mu.Unlock()
		return wire.ErrInvalidState
	}
	channelID := s.channelID
	s.mu.Unlock()

	opSeq := s.conn.NextSequence()
	op := s.conn.Ops.New(opSeq)
	done := make(chan struct{})
	op.OnComplete(func(*operation.Operation) { close(done) })
	op.SetTimeout(timeout)

	msg := &wire.Message{Type: wire.BinaryData, Sequence: opSeq, ChannelID: channelID, Payload: data}

	if s.pool != nil && len(data) > 0 {
		if blk, err := s.pool.Allocate(len(data)); err == nil {
			copy(blk.Acquire(), data)
			blk.Release()
			if offset, ok := blk.SlotOffset(); ok {
				if id, err := s.pool.Export().Put(blk); err == nil {
					ref := tagstruct.New()
					ref.PutString(s.pool.Name())
					ref.PutU32(id)
					ref.PutU32(uint32(offset))
					ref.PutU32(uint32(len(data)))
					msg.Payload = ref.Bytes()
					msg.Flags |= wire.HasSHMRef
				}
				// The export table now holds its own reference for the
				// remote side; drop the local one taken by Allocate.
				blk.Deref()
			} else {
				blk.Deref()
			}
		}
	}

	if err := s.conn.SendMessage(msg); err != nil {
		op.Cancel()
		return err
	}
	<-done
	code, _ := op.Result()
	if code != 0 {
		return wire.Wrap(code, nil)
	}
	return nil
}

// Push appends inbound data to the stream's read queue and fires
// OnReadyRead; wired by the owner's OnBinaryData hook (proto.Hooks).
func (s *Stream) Push(data []byte) {
	s.mu.Lock()
	s.pending = append(s.pending, data)
	fn := s.readyRead
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Read pops the oldest buffered chunk, or (nil, false) if none is
// available yet.
func (s *Stream) Read() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, false
	}
	data := s.pending[0]
	s.pending = s.pending[1:]
	return data, true
}

// Detach closes the channel via CHANNEL_CLOSE. Idempotent: detaching an
// already-detached stream is a no-op (spec.md §4.7).
func (s *Stream) Detach(timeout time.Duration) error {
	s.mu.Lock()
	if s.state == Detached {
		s.mu.Unlock()
		return nil
	}
	channelID := s.channelID
	s.state = Detaching
	s.mu.Unlock()

	seq := s.conn.NextSequence()
	op := s.conn.Ops.New(seq)
	done := make(chan struct{})
	op.OnComplete(func(*operation.Operation) { close(done) })
	op.SetTimeout(timeout)

	b := tagstruct.New()
	b.PutU32(channelID)
	if err := s.conn.SendMessage(&wire.Message{Type: wire.ChannelClose, Sequence: seq, ChannelID: channelID, Payload: b.Bytes()}); err != nil {
		s.setState(Error)
		return err
	}
	<-done
	s.conn.Channels.Close(channelID)
	s.setState(Detached)
	return nil
}
