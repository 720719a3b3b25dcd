package context

import (
	"net"
	"testing"
	"time"

	"github.com/kagenode/inc/proto"
	"github.com/kagenode/inc/tagstruct"
	"github.com/kagenode/inc/wire"
)

func TestContextConnectReachesReady(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	serverReady := make(chan struct{})
	server := proto.New(serverConn, proto.Config{LocalName: "server"}, proto.Hooks{
		OnStateChange: func(c *proto.Connection, from, to proto.State) {
			if to == proto.Ready {
				close(serverReady)
			}
		},
	}, false)
	server.Start()
	defer server.Close()

	ctx := New(Config{URL: "unused"})
	var connected bool
	ctx.cfg.OnConnect = func() { connected = true }

	if err := ctx.attach(clientConn, 2*time.Second); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer ctx.Disconnect()

	<-serverReady
	if ctx.State() != proto.Ready {
		t.Fatalf("State() = %s, want READY", ctx.State())
	}
	if !connected {
		t.Error("OnConnect never fired")
	}
}

func TestContextCallMethod(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	server := proto.New(serverConn, proto.Config{LocalName: "server"}, proto.Hooks{
		OnMethodCall: func(c *proto.Connection, seq uint32, name string, version uint16, args []byte) {
			b := tagstruct.New()
			b.PutString("hello " + name)
			_ = c.SendReply(seq, 0, b.Bytes())
		},
	}, false)
	server.Start()
	defer server.Close()

	ctx := New(Config{URL: "unused"})
	if err := ctx.attach(clientConn, 2*time.Second); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer ctx.Disconnect()

	result, err := ctx.CallMethod("world", 1, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("CallMethod: %v", err)
	}
	b := tagstruct.Load(result)
	got, ok := b.GetString()
	if !ok || got != "hello world" {
		t.Fatalf("result = %q, ok=%v, want %q", got, ok, "hello world")
	}
}

func TestContextSubscribeThenServerBroadcastMatches(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	server := proto.New(serverConn, proto.Config{LocalName: "server"}, proto.Hooks{}, false)
	server.Start()
	defer server.Close()

	ctx := New(Config{URL: "unused"})
	received := make(chan string, 1)
	ctx.cfg.OnEvent = func(name string, version uint16, data []byte) {
		received <- name
	}
	if err := ctx.attach(clientConn, 2*time.Second); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer ctx.Disconnect()

	if err := ctx.Subscribe("topic.*"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	// Give the SUBSCRIBE frame a moment to be processed server-side.
	time.Sleep(50 * time.Millisecond)

	if !server.Subs.Matches("topic.a") {
		t.Fatal("server did not record the client's subscription")
	}

	b := tagstruct.New()
	b.PutString("topic.a")
	b.PutU16(1)
	b.PutBytes([]byte("payload"))
	if err := server.SendMessage(&wire.Message{Type: wire.Event, Payload: b.Bytes()}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case name := <-received:
		if name != "topic.a" {
			t.Fatalf("event name = %q, want topic.a", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
}
