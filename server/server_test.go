package server

import (
	"testing"
	"time"

	"github.com/kagenode/inc/operation"
	"github.com/kagenode/inc/proto"
	"github.com/kagenode/inc/tagstruct"
	"github.com/kagenode/inc/transport"
	"github.com/kagenode/inc/wire"
)

func TestRouterDispatch(t *testing.T) {
	r := NewRouter()
	r.Handle("echo", func(conn *Conn, version uint16, args []byte) ([]byte, wire.Code) {
		return args, 0
	})

	result, code := r.Dispatch(nil, "echo", 1, []byte("hi"))
	if code != 0 || string(result) != "hi" {
		t.Fatalf("Dispatch(echo) = (%q, %v)", result, code)
	}

	_, code = r.Dispatch(nil, "missing", 1, nil)
	if code != wire.ErrUnknownMethod {
		t.Fatalf("Dispatch(missing) code = %v, want ErrUnknownMethod", code)
	}
}

func dialRetry(addr string, attempts int) (transport.Device, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		dev, err := transport.Dial(addr)
		if err == nil {
			return dev, nil
		}
		lastErr = err
		time.Sleep(20 * time.Millisecond)
	}
	return nil, lastErr
}

func TestServerAcceptAndServerInfo(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenAddress = "tcp://127.0.0.1:18421"
	srv := New(cfg, nil, Lifecycle{})

	go func() {
		_ = srv.Serve()
	}()
	defer srv.Close()

	dev, err := dialRetry("tcp://127.0.0.1:18421", 20)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	ready := make(chan struct{})
	client := proto.New(dev, proto.Config{LocalName: "client"}, proto.Hooks{
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

	seq := client.NextSequence()
	op := client.Ops.New(seq)
	done := make(chan struct{})
	op.OnComplete(func(*operation.Operation) { close(done) })
	op.SetTimeout(2 * time.Second)

	b := tagstruct.New()
	b.PutString(serverInfoMethod)
	b.PutU16(1)
	b.PutBytes(nil)
	if err := client.SendMessage(&wire.Message{Type: wire.MethodCall, Sequence: seq, Payload: b.Bytes()}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServerInfo call timed out")
	}
	code, result := op.Result()
	if code != 0 {
		t.Fatalf("ServerInfo code = %v", code)
	}
	rb := tagstruct.Load(result)
	name, _ := rb.GetString()
	if name != Name {
		t.Fatalf("ServerInfo name = %q, want %q", name, Name)
	}

	if srv.Connections() != 1 {
		t.Fatalf("Connections() = %d, want 1", srv.Connections())
	}
}
