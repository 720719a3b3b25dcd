package proto

import (
	"net"
	"testing"
	"time"

	"github.com/kagenode/inc/operation"
	"github.com/kagenode/inc/tagstruct"
	"github.com/kagenode/inc/wire"
)

// net.Pipe's net.Conn already satisfies transport.Device (io.ReadWriteCloser
// plus LocalAddr/RemoteAddr), so these tests pass it to New directly.

func TestHandshakeReachesReadyBothSides(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	clientReady := make(chan struct{})
	serverReady := make(chan struct{})

	client := New(clientConn, Config{LocalName: "client"}, Hooks{
		OnStateChange: func(c *Connection, from, to State) {
			if to == Ready {
				close(clientReady)
			}
		},
	}, true)

	server := New(serverConn, Config{LocalName: "server"}, Hooks{
		OnStateChange: func(c *Connection, from, to State) {
			if to == Ready {
				close(serverReady)
			}
		},
	}, false)

	client.Start()
	server.Start()
	defer client.Close()
	defer server.Close()

	select {
	case <-clientReady:
	case <-time.After(2 * time.Second):
		t.Fatal("client never reached READY")
	}
	select {
	case <-serverReady:
	case <-time.After(2 * time.Second):
		t.Fatal("server never reached READY")
	}

	if client.State() != Ready {
		t.Fatalf("client state = %s, want READY", client.State())
	}
	if server.State() != Ready {
		t.Fatalf("server state = %s, want READY", server.State())
	}
	if client.PeerName != "server" {
		t.Errorf("client.PeerName = %q, want %q", client.PeerName, "server")
	}
	if server.PeerName != "client" {
		t.Errorf("server.PeerName = %q, want %q", server.PeerName, "client")
	}
}

func TestMethodCallRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	serverReady := make(chan struct{})
	server := New(serverConn, Config{LocalName: "server"}, Hooks{
		OnStateChange: func(c *Connection, from, to State) {
			if to == Ready {
				close(serverReady)
			}
		},
		OnMethodCall: func(c *Connection, seq uint32, name string, version uint16, args []byte) {
			_ = c.SendReply(seq, 0, []byte("pong"))
		},
	}, false)

	clientReady := make(chan struct{})
	client := New(clientConn, Config{LocalName: "client"}, Hooks{
		OnStateChange: func(c *Connection, from, to State) {
			if to == Ready {
				close(clientReady)
			}
		},
	}, true)

	client.Start()
	server.Start()
	defer client.Close()
	defer server.Close()

	<-clientReady
	<-serverReady

	seq := client.NextSequence()
	op := client.Ops.New(seq)
	done := make(chan struct{})
	op.OnComplete(func(*operation.Operation) { close(done) })
	op.SetTimeout(2 * time.Second)

	b := tagstruct.New()
	b.PutString("echo")
	b.PutU16(1)
	b.PutBytes(nil)
	if err := client.SendMessage(&wire.Message{Type: wire.MethodCall, Sequence: seq, Payload: b.Bytes()}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("method call timed out")
	}
	code, result := op.Result()
	if code != 0 {
		t.Fatalf("unexpected error code %v", code)
	}
	if string(result) != "pong" {
		t.Fatalf("result = %q, want %q", result, "pong")
	}
}
