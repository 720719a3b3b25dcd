package stream

import (
	"net"
	"testing"

	"github.com/kagenode/inc/proto"
)

func TestRegistryRoutesByChannelID(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	client := proto.New(clientConn, proto.Config{}, proto.Hooks{}, true)

	reg := NewRegistry(nil)
	a := NewAttached(client, nil, 1, proto.ModeReadWrite)
	b := NewAttached(client, nil, 2, proto.ModeReadWrite)
	reg.Track(a)
	reg.Track(b)

	reg.OnBinaryData(client, 2, 0, 0, []byte("for-b"), nil)
	reg.OnBinaryData(client, 1, 0, 0, []byte("for-a"), nil)
	reg.OnBinaryData(client, 99, 0, 0, []byte("nobody"), nil)

	data, ok := a.Read()
	if !ok || string(data) != "for-a" {
		t.Fatalf("a.Read() = (%q, %v), want (for-a, true)", data, ok)
	}
	data, ok = b.Read()
	if !ok || string(data) != "for-b" {
		t.Fatalf("b.Read() = (%q, %v), want (for-b, true)", data, ok)
	}

	reg.Untrack(1)
	reg.OnBinaryData(client, 1, 0, 0, []byte("dropped"), nil)
	if _, ok := a.Read(); ok {
		t.Fatal("expected no data after Untrack")
	}
}
