package proto

import "github.com/kagenode/inc/wire"

// Hooks are the typed callbacks a Connection's owner (Context or Server)
// installs at construction time, substituting for the source's meta-object
// signal system per spec.md §9 design note: "typed callback lists owned by
// each component, registered at connect time, invoked synchronously from
// the emitter's thread". Each Connection has exactly one owner, so a
// single callback per event (rather than a list) already satisfies
// "callbacks fire in registration order" — there is only ever one
// registrant. Nil entries are simply not invoked.
type Hooks struct {
	// OnStateChange fires after every legal state transition.
	OnStateChange func(c *Connection, from, to State)
	// OnMessage fires for every fully-reassembled inbound frame, before
	// any taxonomy-specific dispatch below. Most callers only need the
	// specific hooks; OnMessage is for engines that want the raw frame
	// (e.g. a metrics collector).
	OnMessage func(c *Connection, m *wire.Message)
	// OnMessageSent fires after a frame has been successfully written to
	// the transport, with the exact number of wire-format bytes written
	// (header + payload), for byte-throughput metrics.
	OnMessageSent func(c *Connection, m *wire.Message, n int)
	// OnEvent fires for inbound EVENT frames whose name matched this
	// connection's subscriptions (client side).
	OnEvent func(c *Connection, name string, version uint16, data []byte)
	// OnMethodCall fires for inbound METHOD_CALL frames (server side). The
	// handler may reply synchronously via c.SendReply (a non-zero code
	// sends METHOD_ERROR), or return and reply later from another goroutine.
	OnMethodCall func(c *Connection, seq uint32, name string, version uint16, args []byte)
	// OnChannelOpen fires for inbound CHANNEL_OPEN requests (server side).
	// It must return the channel id (already allocated by the table) and
	// an error code (0 = success).
	OnChannelOpen func(c *Connection, mode ChannelMode) (id uint32, code wire.Code)
	// OnChannelClose fires for inbound CHANNEL_CLOSE requests.
	OnChannelClose func(c *Connection, id uint32)
	// OnBinaryData fires for inbound BINARY_DATA frames.
	OnBinaryData func(c *Connection, channelID uint32, seq uint32, pos uint64, data []byte, shm *wire.Message)
	// OnMemRelease/OnMemRevoke fire for inbound shared-memory control
	// messages (spec.md §4.3 steps 4-5).
	OnMemRelease func(c *Connection, blockID uint32)
	OnMemRevoke  func(c *Connection, blockID uint32)
	// OnError fires on a connection-fatal error, immediately before the
	// connection closes and OnDisconnect fires (spec.md §7).
	OnError func(c *Connection, err error)
	// OnDisconnect fires once the connection has fully closed.
	OnDisconnect func(c *Connection)
}
