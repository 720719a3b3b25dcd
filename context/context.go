// Package context implements the client-side view of spec.md §3: dial a
// peer, drive the handshake through proto.Connection, and expose
// callMethod/subscribe/pingpong/disconnect plus auto-reconnect.
package context

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kagenode/inc/memsys"
	"github.com/kagenode/inc/operation"
	"github.com/kagenode/inc/proto"
	"github.com/kagenode/inc/stream"
	"github.com/kagenode/inc/tagstruct"
	"github.com/kagenode/inc/transport"
	"github.com/kagenode/inc/wire"
)

// ReconnectPolicy configures the automatic-reconnect behavior of spec.md
// §4.6 ("a Context may be configured to transparently re-dial and redo the
// handshake after an unexpected disconnect").
type ReconnectPolicy struct {
	Enabled     bool
	Interval    time.Duration
	MaxAttempts int // 0 = unlimited
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.Interval <= 0 {
		p.Interval = time.Second
	}
	return p
}

// EventHandler receives EVENT frames matching a subscription.
type EventHandler func(name string, version uint16, data []byte)

// Config bundles a Context's construction-time parameters.
type Config struct {
	URL        string
	Conn       proto.Config
	Reconnect  ReconnectPolicy
	OnEvent    EventHandler
	OnConnect  func()
	OnDisconnect func(err error)
	// Pool, when set, lets OpenStream negotiate the HAS_SHM_REF fast path
	// for binary writes and lets inbound shared-memory frames be resolved
	// instead of dropped (spec.md §4.3). Nil disables the fast path.
	Pool *memsys.Pool
}

// ServerInfo is the result of the supplemented io.inc.ServerInfo call
// (spec.md SPEC_FULL.md SUPPLEMENTED FEATURES): name/version/uptime the
// original exposes via an introspection call that the distilled spec
// dropped.
type ServerInfo struct {
	Name       string
	Version    string
	UptimeSecs uint64
}

// Context is the client handle to one peer. It owns at most one live
// proto.Connection at a time; after a disconnect with Reconnect.Enabled,
// a background goroutine redials until MaxAttempts is exhausted or
// Disconnect is called.
type Context struct {
	cfg Config
	log *logrus.Entry

	mu       sync.Mutex
	conn     *proto.Connection
	streams  *stream.Registry
	closed   bool
	attempts int

	subsMu sync.Mutex
	subs   map[string]struct{} // re-applied to each new connection on reconnect
}

// New constructs a disconnected Context. Call Connect to dial.
func New(cfg Config) *Context {
	cfg.Reconnect = cfg.Reconnect.withDefaults()
	return &Context{
		cfg:  cfg,
		log:  logrus.WithField("component", "context"),
		subs: make(map[string]struct{}),
	}
}

// Connect dials cfg.URL, drives the handshake, and blocks until the
// connection reaches READY, FAILED, or timeout elapses.
func (ctx *Context) Connect(timeout time.Duration) error {
	dev, err := transport.Dial(ctx.cfg.URL)
	if err != nil {
		return wire.Wrap(wire.ErrConnectionFailed, err)
	}
	return ctx.attach(dev, timeout)
}

func (ctx *Context) attach(dev transport.Device, timeout time.Duration) error {
	ready := make(chan struct{})
	failed := make(chan error, 1)
	var once sync.Once
	var conn *proto.Connection

	var imports *memsys.Import
	if ctx.cfg.Pool != nil {
		imports = memsys.NewImport(ctx.cfg.Pool, func(remoteID uint32) {
			rel := tagstruct.New()
			rel.PutU32(remoteID)
			_ = conn.SendMessage(&wire.Message{Type: wire.MemRelease, Payload: rel.Bytes()})
		})
	}
	registry := stream.NewRegistry(imports)

	hooks := proto.Hooks{
		OnStateChange: func(c *proto.Connection, from, to proto.State) {
			if to == proto.Ready {
				once.Do(func() { close(ready) })
			}
			if to == proto.Failed {
				once.Do(func() { failed <- wire.ErrConnectionFailed; close(ready) })
			}
		},
		OnEvent: func(c *proto.Connection, name string, version uint16, data []byte) {
			if ctx.cfg.OnEvent != nil {
				ctx.cfg.OnEvent(name, version, data)
			}
		},
		OnBinaryData: registry.OnBinaryData,
		OnMemRelease: func(c *proto.Connection, blockID uint32) {
			if ctx.cfg.Pool != nil {
				ctx.cfg.Pool.Export().Release(blockID)
			}
		},
		OnMemRevoke: func(c *proto.Connection, blockID uint32) {
			if ctx.cfg.Pool != nil {
				ctx.cfg.Pool.Export().Revoke(blockID)
			}
		},
		OnDisconnect: func(c *proto.Connection) {
			ctx.handleDisconnect(c)
		},
	}

	conn = proto.New(dev, ctx.cfg.Conn, hooks, true)
	ctx.mu.Lock()
	ctx.conn = conn
	ctx.streams = registry
	ctx.mu.Unlock()

	conn.Start()

	select {
	case <-ready:
	case err := <-failed:
		return err
	case <-time.After(timeout):
		_ = conn.Close()
		return wire.ErrTimeout
	}

	ctx.reapplySubscriptions(conn)
	if ctx.cfg.OnConnect != nil {
		ctx.cfg.OnConnect()
	}
	return nil
}

func (ctx *Context) reapplySubscriptions(conn *proto.Connection) {
	ctx.subsMu.Lock()
	defer ctx.subsMu.Unlock()
	for pattern := range ctx.subs {
		conn.Subs.Add(pattern)
		_ = sendSubscribe(conn, pattern, true)
	}
}

func (ctx *Context) handleDisconnect(c *proto.Connection) {
	if ctx.cfg.OnDisconnect != nil {
		ctx.cfg.OnDisconnect(wire.ErrDisconnected)
	}
	ctx.mu.Lock()
	closed := ctx.closed
	ctx.mu.Unlock()
	if closed || !ctx.cfg.Reconnect.Enabled {
		return
	}
	go ctx.reconnectLoop()
}

func (ctx *Context) reconnectLoop() {
	for {
		ctx.mu.Lock()
		if ctx.closed {
			ctx.mu.Unlock()
			return
		}
		ctx.attempts++
		attempt := ctx.attempts
		ctx.mu.Unlock()

		if ctx.cfg.Reconnect.MaxAttempts > 0 && attempt > ctx.cfg.Reconnect.MaxAttempts {
			ctx.log.WithField("attempts", attempt-1).Warn("reconnect attempts exhausted")
			return
		}
		time.Sleep(ctx.cfg.Reconnect.Interval)

		dev, err := transport.Dial(ctx.cfg.URL)
		if err != nil {
			ctx.log.WithError(err).Debug("reconnect dial failed")
			continue
		}
		if err := ctx.attach(dev, 10*time.Second); err != nil {
			ctx.log.WithError(err).Debug("reconnect handshake failed")
			continue
		}
		ctx.mu.Lock()
		ctx.attempts = 0
		ctx.mu.Unlock()
		return
	}
}

// Disconnect closes the current connection and disables auto-reconnect.
func (ctx *Context) Disconnect() error {
	ctx.mu.Lock()
	ctx.closed = true
	conn := ctx.conn
	ctx.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// State reports the underlying connection's handshake state, or
// proto.Unconnected if no connection has ever been established.
func (ctx *Context) State() proto.State {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.conn == nil {
		return proto.Unconnected
	}
	return ctx.conn.State()
}

func (ctx *Context) currentConn() (*proto.Connection, error) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.conn == nil || ctx.conn.State() != proto.Ready {
		return nil, wire.ErrNotConnected
	}
	return ctx.conn, nil
}

// CallMethod issues a METHOD_CALL and blocks until METHOD_REPLY/
// METHOD_ERROR arrives or timeout elapses (spec.md §4.5).
func (ctx *Context) CallMethod(name string, version uint16, args []byte, timeout time.Duration) ([]byte, error) {
	conn, err := ctx.currentConn()
	if err != nil {
		return nil, err
	}
	seq := conn.NextSequence()
	op := conn.Ops.New(seq)

	done := make(chan struct{})
	op.OnComplete(func(*operation.Operation) { close(done) })
	op.SetTimeout(timeout)

	b := tagstruct.New()
	b.PutString(name)
	b.PutU16(version)
	b.PutBytes(args)
	if err := conn.SendMessage(&wire.Message{Type: wire.MethodCall, Sequence: seq, Payload: b.Bytes()}); err != nil {
		op.Cancel()
		return nil, err
	}

	<-done
	code, result := op.Result()
	if code != 0 {
		return nil, wire.Wrap(code, errors.Errorf("method %q failed", name))
	}
	return result, nil
}

// Subscribe registers pattern both locally (so future reconnects re-apply
// it) and with the peer.
func (ctx *Context) Subscribe(pattern string) error {
	ctx.subsMu.Lock()
	ctx.subs[pattern] = struct{}{}
	ctx.subsMu.Unlock()

	conn, err := ctx.currentConn()
	if err != nil {
		return err
	}
	conn.Subs.Add(pattern)
	return sendSubscribe(conn, pattern, true)
}

// Unsubscribe removes pattern locally and notifies the peer.
func (ctx *Context) Unsubscribe(pattern string) error {
	ctx.subsMu.Lock()
	delete(ctx.subs, pattern)
	ctx.subsMu.Unlock()

	conn, err := ctx.currentConn()
	if err != nil {
		return err
	}
	conn.Subs.Remove(pattern)
	return sendSubscribe(conn, pattern, false)
}

func sendSubscribe(conn *proto.Connection, pattern string, subscribe bool) error {
	b := tagstruct.New()
	b.PutString(pattern)
	typ := wire.Subscribe
	if !subscribe {
		typ = wire.Unsubscribe
	}
	return conn.SendMessage(&wire.Message{Type: typ, Payload: b.Bytes()})
}

// Ping round-trips a PING/PONG and blocks until the reply arrives or
// timeout elapses, for explicit liveness checks; the connection sends no
// automatic keepalive pings.
func (ctx *Context) Ping(timeout time.Duration) error {
	conn, err := ctx.currentConn()
	if err != nil {
		return err
	}
	seq := conn.NextSequence()
	op := conn.Ops.New(seq)
	done := make(chan struct{})
	op.OnComplete(func(*operation.Operation) { close(done) })
	op.SetTimeout(timeout)

	if err := conn.SendMessage(&wire.Message{Type: wire.Ping, Sequence: seq}); err != nil {
		op.Cancel()
		return err
	}
	<-done
	_, _ = op.Result()
	return nil
}

// OpenStream attaches a new binary stream in mode and begins routing its
// inbound BINARY_DATA frames through this Context's registry (spec.md
// §4.7). Stream.Detach alone does not stop that routing; CloseStream
// detaches the stream and untracks it.
func (ctx *Context) OpenStream(mode proto.ChannelMode, timeout time.Duration) (*stream.Stream, error) {
	conn, err := ctx.currentConn()
	if err != nil {
		return nil, err
	}
	ctx.mu.Lock()
	registry := ctx.streams
	ctx.mu.Unlock()

	s := stream.New(conn, ctx.cfg.Pool)
	if err := s.Attach(mode, timeout); err != nil {
		return nil, err
	}
	registry.Track(s)
	return s, nil
}

// CloseStream detaches s and stops routing frames to it.
func (ctx *Context) CloseStream(s *stream.Stream, timeout time.Duration) error {
	ctx.mu.Lock()
	registry := ctx.streams
	ctx.mu.Unlock()
	channelID := s.ChannelID()
	err := s.Detach(timeout)
	if registry != nil {
		registry.Untrack(channelID)
	}
	return err
}

const serverInfoMethod = "io.inc.ServerInfo"

// ServerInfo issues the supplemented introspection call and parses the
// reply (name, version, uptime).
func (ctx *Context) ServerInfo(timeout time.Duration) (ServerInfo, error) {
	raw, err := ctx.CallMethod(serverInfoMethod, 1, nil, timeout)
	if err != nil {
		return ServerInfo{}, err
	}
	b := tagstruct.Load(raw)
	name, _ := b.GetString()
	version, _ := b.GetString()
	uptime, _ := b.GetU64()
	return ServerInfo{Name: name, Version: version, UptimeSecs: uptime}, nil
}
