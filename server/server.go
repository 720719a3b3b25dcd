// Package server implements the listener/connection-factory/broadcast
// side of spec.md §4.8: accept Devices, drive each through a
// proto.Connection, dispatch METHOD_CALLs through a Router, and fan
// EVENTs out to subscribed connections.
package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kagenode/inc/memsys"
	"github.com/kagenode/inc/proto"
	"github.com/kagenode/inc/stream"
	"github.com/kagenode/inc/tagstruct"
	"github.com/kagenode/inc/transport"
	"github.com/kagenode/inc/wire"
)

// serverInfoMethod is the supplemented introspection call context.Context
// issues via ServerInfo (SPEC_FULL.md SUPPLEMENTED FEATURES,
// original_source/include/core/inc/iinccontext.h).
const serverInfoMethod = "io.inc.ServerInfo"

// Name identifies this server implementation in ServerInfo replies;
// overridable before calling New.
var Name = "inc-server"

// Version is this server's reported version string.
var Version = "0.1.0"

// Conn is a server-accepted peer: its wire-level proto.Connection plus the
// server-assigned identity spec.md §4.8 calls for when the wire itself
// only carries a human-readable name.
type Conn struct {
	ID      string
	conn    *proto.Connection
	streams *stream.Registry
}

// Connection exposes the underlying proto.Connection for handlers that
// need to send events/replies/close the peer directly.
func (c *Conn) Connection() *proto.Connection { return c.conn }

// Streams exposes the channel-scoped binary streams this client has open,
// keyed by channel id as they're admitted via CHANNEL_OPEN (spec.md §4.7).
func (c *Conn) Streams() *stream.Registry { return c.streams }

// Lifecycle hooks an embedding application can install (spec.md §4.8
// clientConnected/clientDisconnected events).
type Lifecycle struct {
	OnClientConnected    func(c *Conn)
	OnClientDisconnected func(c *Conn, err error)
}

// Server accepts Devices on Config.ListenAddress and drives each through
// the proto handshake and dispatch pipeline.
type Server struct {
	cfg       Config
	router    *Router
	lifecycle Lifecycle
	stats     *Stats
	log       *logrus.Entry

	ln        transport.Listener
	startTime time.Time
	pool      *memsys.Pool // global, shared across every accepted connection; nil when SharedMemorySize<=0

	mu    sync.Mutex
	conns map[string]*Conn
}

// New constructs a Server. router may be nil (all METHOD_CALLs answered
// with ErrUnknownMethod); lifecycle fields may be nil. When
// cfg.DisableSharedMemory is false and cfg.SharedMemorySize>0, a global
// memsys.Pool is allocated up front and shared by every connection
// (spec.md §4.3's global pool, §4.8 "shared_memory_size").
func New(cfg Config, router *Router, lifecycle Lifecycle) *Server {
	if router == nil {
		router = NewRouter()
	}
	s := &Server{
		cfg:       cfg,
		router:    router,
		lifecycle: lifecycle,
		log:       logrus.WithField("component", "server"),
		conns:     make(map[string]*Conn),
		startTime: time.Now(),
	}
	router.Handle(serverInfoMethod, s.handleServerInfo)

	if !cfg.DisableSharedMemory && cfg.SharedMemorySize > 0 {
		storage := memsys.StorageSHMMemfd
		if cfg.DisableMemfd {
			storage = memsys.StorageSHMPosix
		}
		pool, err := memsys.NewPool(memsys.Config{
			SlotCount: cfg.SharedMemorySize / (64 * 1024),
			Storage:   storage,
			Global:    true,
			Name:      "inc-server-global",
		})
		if err != nil {
			s.log.WithError(err).Warn("global shm pool unavailable, falling back to inline transfer")
		} else {
			s.pool = pool
		}
	}
	s.stats = NewStats(prometheus.NewRegistry(), s.pool)
	return s
}

func (s *Server) handleServerInfo(_ *Conn, _ uint16, _ []byte) ([]byte, wire.Code) {
	b := tagstruct.New()
	b.PutString(Name)
	b.PutString(Version)
	b.PutU64(uint64(time.Since(s.startTime).Seconds()))
	return b.Bytes(), 0
}

// Stats returns the server's metrics, e.g. for registering against a
// different prometheus.Registerer than the private one New creates.
func (s *Server) Stats() *Stats { return s.stats }

// Serve binds Config.ListenAddress and accepts connections until Close is
// called. It blocks; run it in its own goroutine.
func (s *Server) Serve() error {
	ln, err := transport.Listen(s.cfg.ListenAddress)
	if err != nil {
		return wire.Wrap(wire.ErrConnectionFailed, err)
	}
	s.ln = ln
	s.log.WithField("address", s.cfg.ListenAddress).Info("listening")

	for {
		dev, err := ln.Accept()
		if err != nil {
			return err
		}
		s.mu.Lock()
		tooMany := s.cfg.MaxConnections > 0 && len(s.conns) >= s.cfg.MaxConnections
		s.mu.Unlock()
		if tooMany {
			s.log.Warn("rejecting connection: max_connections reached")
			_ = dev.Close()
			continue
		}
		go s.accept(dev)
	}
}

func (s *Server) accept(dev transport.Device) {
	id := uuid.NewString()

	var conn *proto.Connection
	var imports *memsys.Import
	if s.pool != nil {
		imports = memsys.NewImport(s.pool, func(remoteID uint32) {
			rel := tagstruct.New()
			rel.PutU32(remoteID)
			_ = conn.SendMessage(&wire.Message{Type: wire.MemRelease, Payload: rel.Bytes()})
		})
	}
	registry := stream.NewRegistry(imports)
	sc := &Conn{ID: id, streams: registry}

	pcfg := proto.Config{
		ChannelQuota: s.cfg.MaxConnectionsPerClient,
		LocalName:    "inc-server",
		MaxPayload:   s.cfg.MaxMessageSize,
		ProtocolVersion: proto.ProtocolVersionRange{
			Current: s.cfg.ProtocolVersion.Current,
			Min:     s.cfg.ProtocolVersion.Min,
			Max:     s.cfg.ProtocolVersion.Max,
		},
		VersionPolicy: proto.VersionPolicy(s.cfg.VersionPolicy),
	}

	hooks := proto.Hooks{
		OnMessage: func(c *proto.Connection, m *wire.Message) {
			s.stats.observeMessage(m.Type)
			s.stats.observeBytesIn(wire.HeaderSize + len(m.Payload))
		},
		OnMessageSent: func(c *proto.Connection, m *wire.Message, n int) {
			s.stats.observeBytesOut(n)
		},
		OnMethodCall: func(c *proto.Connection, seq uint32, name string, version uint16, args []byte) {
			result, code := s.router.Dispatch(sc, name, version, args)
			_ = c.SendReply(seq, code, result)
		},
		OnChannelOpen: func(c *proto.Connection, mode proto.ChannelMode) (uint32, wire.Code) {
			chID, ok := c.Channels.Open(mode)
			if !ok {
				return 0, wire.ErrTooManyConns
			}
			registry.Track(stream.NewAttached(c, s.pool, chID, mode))
			return chID, 0
		},
		OnChannelClose: func(c *proto.Connection, chID uint32) {
			registry.Untrack(chID)
		},
		OnBinaryData: registry.OnBinaryData,
		OnMemRelease: func(c *proto.Connection, blockID uint32) {
			if s.pool != nil {
				s.pool.Export().Release(blockID)
			}
		},
		OnMemRevoke: func(c *proto.Connection, blockID uint32) {
			if s.pool != nil {
				s.pool.Export().Revoke(blockID)
			}
		},
		OnDisconnect: func(c *proto.Connection) {
			s.mu.Lock()
			delete(s.conns, id)
			s.stats.ConnectionsActive.Dec()
			s.mu.Unlock()
			if s.lifecycle.OnClientDisconnected != nil {
				s.lifecycle.OnClientDisconnected(sc, wire.ErrDisconnected)
			}
		},
	}

	conn = proto.New(dev, pcfg, hooks, false)
	sc.conn = conn

	s.mu.Lock()
	s.conns[id] = sc
	s.stats.ConnectionsActive.Inc()
	s.stats.ConnectionsTotal.Inc()
	s.mu.Unlock()

	conn.Start()
	if s.lifecycle.OnClientConnected != nil {
		s.lifecycle.OnClientConnected(sc)
	}
}

// BroadcastEvent sends an EVENT to every connection whose subscriptions
// match name, snapshotting the connection list first so a concurrent
// connect/disconnect never observes a torn iteration (spec.md §5
// "delivered only to subscribers live at snapshot time").
func (s *Server) BroadcastEvent(name string, version uint16, data []byte) {
	s.mu.Lock()
	snapshot := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		snapshot = append(snapshot, c)
	}
	s.mu.Unlock()

	b := tagstruct.New()
	b.PutString(name)
	b.PutU16(version)
	b.PutBytes(data)
	payload := b.Bytes()

	for _, c := range snapshot {
		if !c.conn.Subs.Matches(name) {
			continue
		}
		_ = c.conn.SendMessage(&wire.Message{Type: wire.Event, Payload: payload})
	}
}

// Connections returns the number of currently connected peers.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops accepting new connections and closes every live one.
func (s *Server) Close() error {
	var lnErr error
	if s.ln != nil {
		lnErr = s.ln.Close()
	}
	s.mu.Lock()
	snapshot := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		snapshot = append(snapshot, c)
	}
	s.mu.Unlock()
	for _, c := range snapshot {
		_ = c.conn.Close()
	}
	return lnErr
}
