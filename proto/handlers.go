package proto

import "github.com/kagenode/inc/wire"
import "github.com/kagenode/inc/tagstruct"

// handleHello processes an inbound HELLO on the server side: negotiate a
// protocol version, record the peer's declared name, and answer with
// HELLO_ACK (spec.md §4.6: AUTHORIZING -> SETTING_NAME -> READY).
func (c *Connection) handleHello(m *wire.Message) {
	if c.isClient {
		c.fail(wire.ErrProtocolError, errWrongRole("HELLO", "server"))
		return
	}
	b := tagstruct.Load(m.Payload)
	current, ok1 := b.GetU16()
	min_, ok2 := b.GetU16()
	max_, ok3 := b.GetU16()
	name, ok4 := b.GetString()
	if !ok1 || !ok2 || !ok3 || !ok4 {
		c.fail(wire.ErrInvalidMessage, errMalformed("HELLO"))
		return
	}
	negotiated, ok := negotiateVersion(c.cfg.ProtocolVersion, c.cfg.VersionPolicy, current, min_, max_)
	if !ok {
		c.fail(wire.ErrProtocolMismatch, errVersionMismatch(min_, max_))
		return
	}
	c.ProtocolVersion = negotiated
	c.PeerName = name
	c.setState(SettingName)

	ack := tagstruct.New()
	ack.PutU16(negotiated)
	ack.PutString(c.cfg.LocalName)
	if err := c.SendMessage(&wire.Message{Type: wire.HelloAck, Payload: ack.Bytes()}); err != nil {
		c.fail(wire.ErrHandshakeFailed, err)
		return
	}
	c.setState(Ready)
}

// handleHelloAck processes an inbound HELLO_ACK on the client side,
// completing the handshake (spec.md §4.6).
func (c *Connection) handleHelloAck(m *wire.Message) {
	if !c.isClient {
		c.fail(wire.ErrProtocolError, errWrongRole("HELLO_ACK", "client"))
		return
	}
	b := tagstruct.Load(m.Payload)
	negotiated, ok1 := b.GetU16()
	name, ok2 := b.GetString()
	if !ok1 || !ok2 {
		c.fail(wire.ErrInvalidMessage, errMalformed("HELLO_ACK"))
		return
	}
	c.ProtocolVersion = negotiated
	c.PeerName = name
	c.setState(SettingName)
	c.setState(Ready)
}

// handleMethodCall dispatches an inbound METHOD_CALL to the owner's
// OnMethodCall hook (server side); the handler replies via
// c.SendReply(seq, ...) synchronously or from another goroutine.
func (c *Connection) handleMethodCall(m *wire.Message) {
	b := tagstruct.Load(m.Payload)
	name, ok1 := b.GetString()
	version, ok2 := b.GetU16()
	args, ok3 := b.GetBytes()
	if !ok1 || !ok2 || !ok3 {
		_ = c.SendReply(m.Sequence, wire.ErrInvalidMessage, nil)
		return
	}
	if c.hooks.OnMethodCall != nil {
		c.hooks.OnMethodCall(c, m.Sequence, name, version, args)
		return
	}
	_ = c.SendReply(m.Sequence, wire.ErrUnknownMethod, nil)
}

// handleEvent delivers an inbound EVENT to OnEvent if this connection is
// subscribed to its name (client side).
func (c *Connection) handleEvent(m *wire.Message) {
	b := tagstruct.Load(m.Payload)
	name, ok1 := b.GetString()
	version, ok2 := b.GetU16()
	data, ok3 := b.GetBytes()
	if !ok1 || !ok2 || !ok3 {
		return
	}
	if !c.Subs.Matches(name) {
		return
	}
	if c.hooks.OnEvent != nil {
		c.hooks.OnEvent(c, name, version, data)
	}
}

// handleSubscribe records or removes a pattern from the sender's
// subscription set (server side: this connection IS the subscriber).
func (c *Connection) handleSubscribe(m *wire.Message, subscribe bool) {
	b := tagstruct.Load(m.Payload)
	pattern, ok := b.GetString()
	if !ok {
		return
	}
	if subscribe {
		c.Subs.Add(pattern)
	} else {
		c.Subs.Remove(pattern)
	}
}

// handleChannelOpen processes an inbound CHANNEL_OPEN (server side). The
// owner's OnChannelOpen hook, if set, decides acceptance and the channel
// id; otherwise the connection's own ChannelTable allocates one against
// its quota (spec.md §4.6).
func (c *Connection) handleChannelOpen(m *wire.Message) {
	b := tagstruct.Load(m.Payload)
	modeByte, ok := b.GetU8()
	if !ok {
		_ = c.SendMessage(&wire.Message{Type: wire.ChannelOpenReply, Sequence: m.Sequence, Payload: channelReplyPayload(0, wire.ErrInvalidMessage)})
		return
	}
	mode := ChannelMode(modeByte)

	var id uint32
	var code wire.Code
	if c.hooks.OnChannelOpen != nil {
		id, code = c.hooks.OnChannelOpen(c, mode)
	} else if opened, ok2 := c.Channels.Open(mode); ok2 {
		id, code = opened, 0
	} else {
		code = wire.ErrTooManyConns
	}
	_ = c.SendMessage(&wire.Message{Type: wire.ChannelOpenReply, Sequence: m.Sequence, Payload: channelReplyPayload(id, code)})
}

// handleChannelOpenReply resolves the pending operation awaiting a
// CHANNEL_OPEN_REPLY (client side); it does not register the channel in
// c.Channels itself — the stream layer does that once it sees a success
// code, since only it knows the mode it originally requested.
func (c *Connection) handleChannelOpenReply(m *wire.Message) {
	b := tagstruct.Load(m.Payload)
	id, ok1 := b.GetU32()
	codeVal, ok2 := b.GetU32()
	if !ok1 || !ok2 {
		return
	}
	op, ok := c.Ops.Lookup(m.Sequence)
	if !ok {
		return
	}
	result := tagstruct.New()
	result.PutU32(id)
	op.SetResult(wire.Code(codeVal), result.Bytes())
}

func channelReplyPayload(id uint32, code wire.Code) []byte {
	b := tagstruct.New()
	b.PutU32(id)
	b.PutU32(uint32(code))
	return b.Bytes()
}

// handleChannelClose processes an inbound CHANNEL_CLOSE, removing id from
// this connection's table and replying CHANNEL_CLOSE_REPLY (spec.md §4.6,
// idempotent: closing an already-closed id still acks).
func (c *Connection) handleChannelClose(m *wire.Message) {
	b := tagstruct.Load(m.Payload)
	id, ok := b.GetU32()
	if !ok {
		return
	}
	c.Channels.Close(id)
	if c.hooks.OnChannelClose != nil {
		c.hooks.OnChannelClose(c, id)
	}
	_ = c.SendMessage(&wire.Message{Type: wire.ChannelCloseReply, Sequence: m.Sequence, ChannelID: id})
}

// handleBinaryData delivers an inbound BINARY_DATA frame and acks it with
// BINARY_ACK. When HasSHMRef is set, the payload describes a shared-memory
// block rather than carrying bytes inline; OnBinaryData receives the raw
// message so the stream layer can resolve it through a memsys.Import.
func (c *Connection) handleBinaryData(m *wire.Message) {
	if c.hooks.OnBinaryData != nil {
		if m.HasFlag(wire.HasSHMRef) {
			c.hooks.OnBinaryData(c, m.ChannelID, m.Sequence, 0, nil, m)
		} else {
			c.hooks.OnBinaryData(c, m.ChannelID, m.Sequence, 0, m.Payload, nil)
		}
	}
	_ = c.SendMessage(&wire.Message{Type: wire.BinaryAck, Sequence: m.Sequence, ChannelID: m.ChannelID})
}

// negotiateVersion picks a version both sides can speak, per spec.md
// §4.8's versionPolicy knob: local names this side's own
// [Min,Max]/Current, policy selects how strictly the overlap with the
// peer's advertised [peerMin,peerMax] is enforced.
func negotiateVersion(local ProtocolVersionRange, policy VersionPolicy, peerCurrent, peerMin, peerMax uint16) (uint16, bool) {
	lo := local.Min
	if peerMin > lo {
		lo = peerMin
	}
	hi := local.Max
	if peerMax < hi {
		hi = peerMax
	}

	if lo > hi {
		if policy == VersionPolicyPermissive {
			// No overlapping range at all; trust the peer's declared
			// Current rather than failing the handshake.
			return peerCurrent, true
		}
		return 0, false
	}

	if policy == VersionPolicyStrict {
		if local.Current < lo || local.Current > hi {
			return 0, false
		}
		return local.Current, true
	}

	want := local.Current
	if peerCurrent < want {
		want = peerCurrent
	}
	if want < lo {
		want = lo
	}
	if want > hi {
		want = hi
	}
	return want, true
}
