package stream

import (
	"net"
	"testing"
	"time"

	"github.com/kagenode/inc/proto"
	"github.com/kagenode/inc/wire"
)

// newEchoServer wires a minimal channel-accepting peer: it grants every
// CHANNEL_OPEN through its own ChannelTable and echoes every BINARY_DATA
// frame back on the same channel, exercising Stream against a peer that
// doesn't itself use the stream package.
func newEchoServer(t *testing.T) (*proto.Connection, net.Conn) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	server := proto.New(serverConn, proto.Config{LocalName: "server"}, proto.Hooks{
		OnChannelOpen: func(c *proto.Connection, mode proto.ChannelMode) (uint32, wire.Code) {
			id, ok := c.Channels.Open(mode)
			if !ok {
				return 0, wire.ErrTooManyConns
			}
			return id, 0
		},
		OnBinaryData: func(c *proto.Connection, channelID uint32, seq uint32, pos uint64, data []byte, shm *wire.Message) {
			_ = c.SendMessage(&wire.Message{Type: wire.BinaryData, ChannelID: channelID, Payload: data})
		},
	}, false)
	server.Start()
	return server, clientConn
}

func TestStreamAttachWriteDetach(t *testing.T) {
	server, clientConn := newEchoServer(t)
	defer server.Close()

	ready := make(chan struct{})
	client := proto.New(clientConn, proto.Config{LocalName: "client"}, proto.Hooks{
		OnStateChange: func(c *proto.Connection, from, to proto.State) {
			if to == proto.Ready {
				close(ready)
			}
		},
	}, true)
	client.Start()
	defer client.Close()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake never completed")
	}

	s := New(client, nil)
	if s.State() != Detached {
		t.Fatalf("initial state = %s, want DETACHED", s.State())
	}

	if err := s.Attach(proto.ModeReadWrite, 2*time.Second); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if s.State() != Attached {
		t.Fatalf("state after Attach = %s, want ATTACHED", s.State())
	}

	if err := s.Write([]byte("ping"), 2*time.Second); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := s.Detach(2 * time.Second); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if s.State() != Detached {
		t.Fatalf("state after Detach = %s, want DETACHED", s.State())
	}

	// Detach is idempotent.
	if err := s.Detach(2 * time.Second); err != nil {
		t.Fatalf("second Detach: %v", err)
	}
}

func TestStreamPushRead(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := proto.New(clientConn, proto.Config{}, proto.Hooks{}, true)
	s := New(client, nil)

	notified := make(chan struct{}, 1)
	s.OnReadyRead(func() { notified <- struct{}{} })

	if _, ok := s.Read(); ok {
		t.Fatal("Read on empty stream should report ok=false")
	}

	s.Push([]byte("chunk-1"))
	select {
	case <-notified:
	default:
		t.Fatal("OnReadyRead did not fire")
	}

	data, ok := s.Read()
	if !ok || string(data) != "chunk-1" {
		t.Fatalf("Read() = (%q, %v)", data, ok)
	}
	if _, ok := s.Read(); ok {
		t.Fatal("Read should be empty after draining the single pushed chunk")
	}
}
