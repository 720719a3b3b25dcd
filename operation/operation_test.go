package operation

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kagenode/inc/wire"
)

func TestSetResultSuccessAndFailure(t *testing.T) {
	op := New(1, nil)
	var called int32
	op.OnComplete(func(o *Operation) { atomic.AddInt32(&called, 1) })

	require.True(t, op.SetResult(0, []byte("ok")))
	require.Equal(t, Done, op.State())
	require.EqualValues(t, 1, atomic.LoadInt32(&called))

	// Second SetResult is a no-op (CAS loser).
	require.False(t, op.SetResult(wire.ErrInternal, nil))
	require.EqualValues(t, 1, atomic.LoadInt32(&called))
}

func TestCancelSuppressesCallback(t *testing.T) {
	op := New(1, nil)
	var called int32
	op.OnComplete(func(o *Operation) { atomic.AddInt32(&called, 1) })
	require.True(t, op.Cancel())
	require.Equal(t, Cancelled, op.State())
	require.EqualValues(t, 0, atomic.LoadInt32(&called))
}

func TestTimeoutFires(t *testing.T) {
	op := New(1, nil)
	done := make(chan State, 1)
	op.OnComplete(func(o *Operation) { done <- o.State() })
	op.SetTimeout(20 * time.Millisecond)

	select {
	case s := <-done:
		require.Equal(t, Timeout, s)
	case <-time.After(time.Second):
		t.Fatal("timeout did not fire")
	}
}

func TestCallbackInstalledAfterTerminalFiresSynchronously(t *testing.T) {
	op := New(1, nil)
	op.SetResult(0, nil)
	var called bool
	op.OnComplete(func(o *Operation) { called = true })
	require.True(t, called)
}

func TestCallbackInstalledAfterCancelNeverFires(t *testing.T) {
	op := New(1, nil)
	op.Cancel()
	var called bool
	op.OnComplete(func(o *Operation) { called = true })
	require.False(t, called)
}

// TestExactlyOnceUnderConcurrency exercises testable property #3: across
// any interleaving of SetResult/Cancel/timer, the callback fires exactly
// once unless the terminal state is Cancelled.
func TestExactlyOnceUnderConcurrency(t *testing.T) {
	for i := 0; i < 200; i++ {
		op := New(uint32(i), nil)
		var called int32
		op.OnComplete(func(o *Operation) { atomic.AddInt32(&called, 1) })
		op.SetTimeout(time.Millisecond)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); op.SetResult(0, nil) }()
		go func() { defer wg.Done(); op.Cancel() }()
		wg.Wait()
		time.Sleep(5 * time.Millisecond) // let the timer race in too

		n := atomic.LoadInt32(&called)
		if op.State() == Cancelled {
			require.EqualValues(t, 0, n)
		} else {
			require.EqualValues(t, 1, n)
		}
	}
}

func TestTrackerFailAll(t *testing.T) {
	tr := NewTracker()
	ops := make([]*Operation, 5)
	for i := range ops {
		ops[i] = tr.New(uint32(i + 1))
	}
	require.Equal(t, 5, tr.Len())

	tr.FailAll(wire.ErrDisconnected)
	for _, op := range ops {
		require.Equal(t, Failed, op.State())
		code, _ := op.Result()
		require.Equal(t, wire.ErrDisconnected, code)
	}
	require.Equal(t, 0, tr.Len())
}

func TestTrackerLookup(t *testing.T) {
	tr := NewTracker()
	op := tr.New(7)
	got, ok := tr.Lookup(7)
	require.True(t, ok)
	require.Same(t, op, got)

	op.SetResult(0, nil)
	_, ok = tr.Lookup(7)
	require.False(t, ok, "operation should self-deregister on completion")
}
