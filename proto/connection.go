// Package proto implements the Connection/Protocol engine of spec.md §4.6:
// per-peer framing, send queue, receive reassembly, the handshake state
// machine, the channel table, and subscription matching.
//
// The send/receive pipeline uses a buffered send queue drained by a
// dedicated writer goroutine, with vectorised (header, payload) writes via
// github.com/sagernet/sing/common/bufio, and a dedicated reader goroutine
// that feeds a Reassembler and dispatches complete frames by taxonomy
// (HELLO, METHOD_CALL, EVENT, CHANNEL_OPEN, BINARY_DATA, MEM_RELEASE, ...).
package proto

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sagernet/sing/common/bufio"
	"github.com/sirupsen/logrus"

	"github.com/kagenode/inc/operation"
	"github.com/kagenode/inc/tagstruct"
	"github.com/kagenode/inc/transport"
	"github.com/kagenode/inc/wire"
)

// ProtocolVersionCurrent is this implementation's preferred protocol
// version; Min/Max bound what HELLO negotiation will accept by default,
// overridable per Connection via Config.ProtocolVersion.
const (
	ProtocolVersionCurrent uint16 = 1
	ProtocolVersionMin     uint16 = 1
	ProtocolVersionMax     uint16 = 1
)

// VersionPolicy controls how negotiateVersion reacts to a peer's
// advertised [min,max] range relative to this side's own (spec.md §4.8).
type VersionPolicy string

const (
	// VersionPolicyStrict only accepts a peer whose overlap with this
	// side's range includes this side's own Current exactly.
	VersionPolicyStrict VersionPolicy = "strict"
	// VersionPolicyCompatible (the default) accepts the lower of the two
	// sides' Current versions, clamped into the overlap of both sides'
	// [min,max] ranges.
	VersionPolicyCompatible VersionPolicy = "compatible"
	// VersionPolicyPermissive accepts a peer even when the two ranges
	// don't overlap at all, falling back to the peer's declared Current
	// rather than failing the handshake.
	VersionPolicyPermissive VersionPolicy = "permissive"
)

// ProtocolVersionRange names the three version knobs a Connection
// negotiates HELLO against.
type ProtocolVersionRange struct {
	Current uint16
	Min     uint16
	Max     uint16
}

// Config carries per-connection construction knobs.
type Config struct {
	// HighWaterMark bounds the outbound send queue; SendMessage fails
	// with QUEUE_FULL once it is reached (spec.md §4.6).
	HighWaterMark int
	// ChannelQuota bounds concurrently open channels (spec.md §4.8
	// maxConnectionsPerClient, reused here per-connection as the channel
	// cap named in §4.6).
	ChannelQuota int
	// LocalName is sent during SETTING_NAME (client) or echoed back
	// (server).
	LocalName string
	// MaxPayload overrides wire.MaxPayloadSize when non-zero.
	MaxPayload uint32
	// ProtocolVersion overrides the package default
	// [ProtocolVersionMin,ProtocolVersionMax]/Current triple when its
	// zero value isn't used, letting a server apply spec.md §4.8's
	// protocol_version config knob.
	ProtocolVersion ProtocolVersionRange
	// VersionPolicy selects how handleHello reacts to a non-identical
	// peer version range; zero value is VersionPolicyCompatible.
	VersionPolicy VersionPolicy
}

func (c Config) withDefaults() Config {
	if c.HighWaterMark <= 0 {
		c.HighWaterMark = 256
	}
	if c.ProtocolVersion.Current == 0 {
		c.ProtocolVersion.Current = ProtocolVersionCurrent
	}
	if c.ProtocolVersion.Min == 0 {
		c.ProtocolVersion.Min = ProtocolVersionMin
	}
	if c.ProtocolVersion.Max == 0 {
		c.ProtocolVersion.Max = ProtocolVersionMax
	}
	if c.VersionPolicy == "" {
		c.VersionPolicy = VersionPolicyCompatible
	}
	return c
}

// Connection is one peer-pair relationship over a single Transport Device.
// The same type serves both the server-side "Connection" view and (when
// wrapped by context.Context) the client-side "Context" view of spec.md §3.
type Connection struct {
	dev      transport.Device
	codec    *wire.Codec
	isClient bool
	cfg      Config
	hooks    Hooks
	log      *logrus.Entry

	state int32 // atomic State

	sendCh chan *wire.Message
	die    chan struct{}
	dieM   sync.Mutex
	dead   bool

	PeerName        string
	ProtocolVersion uint16

	Channels *ChannelTable
	Subs     *SubscriptionSet
	Ops      *operation.Tracker

	nextSeq uint32 // atomic: client-issued sequence counter

	wg sync.WaitGroup
}

// New wraps dev in a Connection. isClient selects which side of the
// handshake state machine this Connection drives (spec.md §4.6).
func New(dev transport.Device, cfg Config, hooks Hooks, isClient bool) *Connection {
	cfg = cfg.withDefaults()
	codec := wire.NewCodec()
	if cfg.MaxPayload != 0 {
		codec.MaxPayload = cfg.MaxPayload
	}
	c := &Connection{
		dev:      dev,
		codec:    codec,
		isClient: isClient,
		cfg:      cfg,
		hooks:    hooks,
		log:      logrus.WithField("component", "proto"),
		sendCh:   make(chan *wire.Message, cfg.HighWaterMark),
		die:      make(chan struct{}),
		Channels: NewChannelTable(cfg.ChannelQuota),
		Subs:     NewSubscriptionSet(),
		Ops:      operation.NewTracker(),
	}
	if isClient {
		c.nextSeq = 0
	}
	return c
}

// State returns the current connection state.
func (c *Connection) State() State { return State(atomic.LoadInt32(&c.state)) }

func (c *Connection) setState(to State) {
	from := State(atomic.SwapInt32(&c.state, int32(to)))
	if from == to {
		return
	}
	if c.hooks.OnStateChange != nil {
		c.hooks.OnStateChange(c, from, to)
	}
}

// Start begins the read/write pumps and, for a client connection, drives
// the handshake (spec.md §4.6: UNCONNECTED -> CONNECTING -> AUTHORIZING ->
// SETTING_NAME -> READY).
func (c *Connection) Start() {
	c.setState(Connecting)
	c.wg.Add(2)
	go c.recvLoop()
	go c.sendLoop()
	if c.isClient {
		go c.clientHandshake()
	} else {
		c.setState(Authorizing) // server waits for HELLO in recvLoop
	}
}

// NextSequence allocates the next client-issued sequence number.
func (c *Connection) NextSequence() uint32 { return atomic.AddUint32(&c.nextSeq, 1) }

// SendMessage enqueues m for transmission. It fails with
// wire.ErrQueueFull if the outbound queue is at HighWaterMark (spec.md
// §4.6 back-pressure).
func (c *Connection) SendMessage(m *wire.Message) error {
	if c.State() == Terminated || c.State() == Failed {
		return wire.ErrNotConnected
	}
	select {
	case c.sendCh <- m:
		return nil
	default:
		return wire.ErrQueueFull
	}
}

// SendReply sends a METHOD_REPLY (code==0) or METHOD_ERROR for seq.
func (c *Connection) SendReply(seq uint32, code wire.Code, payload []byte) error {
	typ := wire.MethodReply
	if code != 0 {
		typ = wire.MethodError
		b := tagstruct.New()
		b.PutU32(uint32(code))
		payload = b.Bytes()
	}
	return c.SendMessage(&wire.Message{Type: typ, Sequence: seq, ChannelID: wire.ControlChannel, Payload: payload})
}

// Close tears the connection down: stops the pumps, closes the transport,
// fails every live operation with DISCONNECTED, and fires OnDisconnect
// exactly once, once both pumps have actually exited.
//
// Close is safe to call from outside the connection's own goroutines (the
// common case: a Context or Server tearing a peer down) and also from
// within recvLoop/sendLoop via fail() below — in the latter case the
// calling goroutine must not block on its own exit, so the wg.Wait() that
// guards OnDisconnect runs on a separate goroutine rather than inline.
func (c *Connection) Close() error {
	c.dieM.Lock()
	if c.dead {
		c.dieM.Unlock()
		return nil
	}
	c.dead = true
	close(c.die)
	c.dieM.Unlock()

	err := c.dev.Close()
	if c.State() != Failed {
		c.setState(Terminated)
	}
	c.Ops.FailAll(wire.ErrDisconnected)
	go c.waitAndDisconnect()
	return err
}

func (c *Connection) waitAndDisconnect() {
	c.wg.Wait()
	if c.hooks.OnDisconnect != nil {
		c.hooks.OnDisconnect(c)
	}
}

func (c *Connection) fail(code wire.Code, cause error) {
	werr := wire.Wrap(code, cause)
	if c.hooks.OnError != nil {
		c.hooks.OnError(c, werr)
	}
	c.setState(Failed)
	_ = c.Close()
}

// sendLoop drains sendCh, encoding header+payload as a vectorised write
// when the transport supports it, falling back to one concatenated write
// otherwise.
func (c *Connection) sendLoop() {
	defer c.wg.Done()
	bw, vectorised := bufio.CreateVectorisedWriter(c.dev)
	var hdrBuf [wire.HeaderSize]byte

	for {
		select {
		case <-c.die:
			return
		case m := <-c.sendCh:
			if m == nil {
				continue
			}
			encodeHeader(hdrBuf[:], c.codec, m)
			n := wire.HeaderSize + len(m.Payload)
			var err error
			if vectorised {
				vec := [][]byte{hdrBuf[:], m.Payload}
				_, err = bufio.WriteVectorised(bw, vec)
			} else {
				full, ferr := c.codec.Encode(nil, m)
				if ferr != nil {
					err = ferr
				} else {
					_, err = c.dev.Write(full)
				}
			}
			if err != nil {
				c.fail(wire.ErrWriteFailed, err)
				return
			}
			if c.hooks.OnMessageSent != nil {
				c.hooks.OnMessageSent(c, m, n)
			}
		}
	}
}

// encodeHeader renders m's header — with the true payload length baked in
// — into hdrBuf without appending m.Payload itself, so the send loop can
// hand (header, payload) to WriteVectorised as two buffers instead of
// concatenating them.
func encodeHeader(hdrBuf []byte, codec *wire.Codec, m *wire.Message) {
	_, _ = codec.EncodeHeader(hdrBuf[:0], m)
}

// recvLoop reads from the transport, reassembles frames, and dispatches
// each to the taxonomy-specific hook (spec.md §4.6 receive pipeline).
func (c *Connection) recvLoop() {
	defer c.wg.Done()
	re := wire.NewReassembler(c.codec)
	buf := make([]byte, 64*1024)
	for {
		n, err := c.dev.Read(buf)
		if n > 0 {
			re.Feed(buf[:n])
			for {
				m, ok, ferr := re.Next()
				if ferr != nil {
					c.fail(wire.ErrInvalidMessage, ferr)
					return
				}
				if !ok {
					break
				}
				if c.hooks.OnMessage != nil {
					c.hooks.OnMessage(c, m)
				}
				c.dispatch(m)
			}
		}
		if err != nil {
			select {
			case <-c.die:
				return
			default:
			}
			c.fail(wire.ErrDisconnected, err)
			return
		}
	}
}

// clientHandshake drives CONNECTING -> AUTHORIZING -> SETTING_NAME ->
// READY by sending HELLO and the client name, per spec.md §4.6.
func (c *Connection) clientHandshake() {
	c.setState(Authorizing)
	hello := tagstruct.New()
	hello.PutU16(c.cfg.ProtocolVersion.Current)
	hello.PutU16(c.cfg.ProtocolVersion.Min)
	hello.PutU16(c.cfg.ProtocolVersion.Max)
	hello.PutString(c.cfg.LocalName)
	if err := c.SendMessage(&wire.Message{Type: wire.Hello, Payload: hello.Bytes()}); err != nil {
		c.fail(wire.ErrHandshakeFailed, err)
	}
}

func (c *Connection) dispatch(m *wire.Message) {
	switch m.Type {
	case wire.Hello:
		c.handleHello(m)
	case wire.HelloAck:
		c.handleHelloAck(m)
	case wire.MethodCall:
		c.handleMethodCall(m)
	case wire.MethodReply:
		c.handleMethodReply(m, 0)
	case wire.MethodError:
		c.handleMethodReply(m, decodeErrorCode(m.Payload))
	case wire.Event:
		c.handleEvent(m)
	case wire.Subscribe:
		c.handleSubscribe(m, true)
	case wire.Unsubscribe:
		c.handleSubscribe(m, false)
	case wire.ChannelOpen:
		c.handleChannelOpen(m)
	case wire.ChannelOpenReply:
		c.handleChannelOpenReply(m)
	case wire.ChannelClose:
		c.handleChannelClose(m)
	case wire.ChannelCloseReply:
		c.handleMethodReply(m, 0)
	case wire.BinaryData:
		c.handleBinaryData(m)
	case wire.BinaryAck:
		c.handleMethodReply(m, 0)
	case wire.Ping:
		_ = c.SendMessage(&wire.Message{Type: wire.Pong, Sequence: m.Sequence})
	case wire.Pong:
		c.handleMethodReply(m, 0)
	case wire.MemRelease:
		if c.hooks.OnMemRelease != nil {
			if id, ok := decodeU32(m.Payload); ok {
				c.hooks.OnMemRelease(c, id)
			}
		}
	case wire.MemRevoke:
		if c.hooks.OnMemRevoke != nil {
			if id, ok := decodeU32(m.Payload); ok {
				c.hooks.OnMemRevoke(c, id)
			}
		}
	default:
		c.fail(wire.ErrProtocolError, errors.Errorf("unhandled message type %v", m.Type))
	}
}

func (c *Connection) handleMethodReply(m *wire.Message, code wire.Code) {
	op, ok := c.Ops.Lookup(m.Sequence)
	if !ok {
		return // reply to an operation we no longer track (already timed out/cancelled)
	}
	op.SetResult(code, m.Payload)
}

func decodeU32(payload []byte) (uint32, bool) {
	b := tagstruct.Load(payload)
	return b.GetU32()
}

func decodeErrorCode(payload []byte) wire.Code {
	b := tagstruct.Load(payload)
	v, ok := b.GetU32()
	if !ok {
		return wire.ErrUnknown
	}
	return wire.Code(v)
}
