package stream

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kagenode/inc/memsys"
	"github.com/kagenode/inc/proto"
	"github.com/kagenode/inc/tagstruct"
	"github.com/kagenode/inc/wire"
)

// TestStreamSHMFastPathRoundTrip exercises the HAS_SHM_REF path end to end
// with a real Pool: the writer copies into a pool slot and references it by
// (segment, id, offset, size) instead of inlining the payload, and the
// reader's Registry resolves the reference back to the exact bytes through
// a memsys.Import. Both sides share one Pool to stand in for the exporter's
// segment a real cross-process attach would map.
func TestStreamSHMFastPathRoundTrip(t *testing.T) {
	pool, err := memsys.NewPool(memsys.Config{SlotSize: 4096, SlotCount: 4, Storage: memsys.StoragePrivate, Name: t.Name()})
	require.NoError(t, err)
	defer pool.Deref()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	var server *proto.Connection
	released := make(chan uint32, 1)
	imports := memsys.NewLoopbackImport(pool, pool.Name(), func(remoteID uint32) {
		rel := tagstruct.New()
		rel.PutU32(remoteID)
		_ = server.SendMessage(&wire.Message{Type: wire.MemRelease, Payload: rel.Bytes()})
	})
	registry := NewRegistry(imports)

	server = proto.New(serverConn, proto.Config{LocalName: "server"}, proto.Hooks{
		OnChannelOpen: func(c *proto.Connection, mode proto.ChannelMode) (uint32, wire.Code) {
			id, ok := c.Channels.Open(mode)
			if !ok {
				return 0, wire.ErrTooManyConns
			}
			registry.Track(NewAttached(c, pool, id, mode))
			return id, 0
		},
		OnBinaryData: registry.OnBinaryData,
	}, false)
	server.Start()
	defer server.Close()

	ready := make(chan struct{})
	client := proto.New(clientConn, proto.Config{LocalName: "client"}, proto.Hooks{
		OnStateChange: func(c *proto.Connection, from, to proto.State) {
			if to == proto.Ready {
				close(ready)
			}
		},
		OnMemRelease: func(c *proto.Connection, blockID uint32) {
			pool.Export().Release(blockID)
		},
	}, true)
	client.Start()
	defer client.Close()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake never completed")
	}

	s := New(client, pool)
	require.NoError(t, s.Attach(proto.ModeReadWrite, 2*time.Second))

	want := []byte("zero-copy payload routed through a pool slot")
	require.NoError(t, s.Write(want, 2*time.Second))

	srv, ok := registry.lookup(s.ChannelID())
	require.True(t, ok)

	var got []byte
	for i := 0; i < 20; i++ {
		if data, ok := srv.Read(); ok {
			got = data
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, want, got, "receiver must see the exact bytes the writer put in the pool slot")

	var remoteID uint32
	select {
	case remoteID = <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("MEM_RELEASE never reached the exporter")
	}

	// The client still has to receive and dispatch the MEM_RELEASE message
	// sent above before its Export table actually drops the entry.
	stillExported := true
	for i := 0; i < 50 && stillExported; i++ {
		_, stillExported = pool.Export().Lookup(remoteID)
		if stillExported {
			time.Sleep(10 * time.Millisecond)
		}
	}
	require.False(t, stillExported, "exporter must drop the block once MEM_RELEASE arrives")

	require.NoError(t, s.Detach(2*time.Second))
}
