package ws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coderace/backend/internal/pubsub"
	"github.com/coderace/backend/internal/rpc"
	"github.com/coderace/backend/internal/testutil"
	"github.com/rs/zerolog"
)

type fakeConn struct {
	frames chan string
	err    error
}

func newFakeConn() *fakeConn { return &fakeConn{frames: make(chan string, 16)} }

func (c *fakeConn) Send(data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.frames <- string(data)
	return nil
}

func newTestBridge(t *testing.T, bus pubsub.Bus) *rpc.Bridge {
	t.Helper()
	return rpc.New(rpc.Config{Bus: bus, Timeout: 100 * time.Millisecond, Logger: zerolog.Nop()})
}

func newTestBus(t *testing.T) *pubsub.MemoryBus {
	t.Helper()
	bus := pubsub.NewMemoryBus(0, zerolog.Nop())
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestDeliverReachesUserOnAnotherProcess(t *testing.T) {
	bus := newTestBus(t)
	holder := NewRegistry(newTestBridge(t, bus), zerolog.Nop())
	sender := NewRegistry(newTestBridge(t, bus), zerolog.Nop())
	defer holder.Close()

	conn := newFakeConn()
	if err := holder.Register(context.Background(), "user_a", conn); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := sender.Deliver(context.Background(), "user_a", map[string]string{"type": "pong"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got := testutil.RequireReceive(t, conn.frames, time.Second); got != `{"type":"pong"}` {
		t.Errorf("frame = %s", got)
	}
	if sender.Len() != 0 || holder.Len() != 1 {
		t.Errorf("Len: sender %d, holder %d", sender.Len(), holder.Len())
	}
}

func TestDeliverToUnknownUserTimesOut(t *testing.T) {
	r := NewRegistry(newTestBridge(t, newTestBus(t)), zerolog.Nop())
	err := r.Deliver(context.Background(), "user_nobody", map[string]string{"type": "pong"})
	if !errors.Is(err, rpc.ErrTimeout) {
		t.Errorf("err = %v, want timeout", err)
	}
}

func TestRegisterReplacesConnection(t *testing.T) {
	bus := newTestBus(t)
	r := NewRegistry(newTestBridge(t, bus), zerolog.Nop())
	defer r.Close()
	ctx := context.Background()

	first, second := newFakeConn(), newFakeConn()
	r.Register(ctx, "user_a", first)
	if err := r.Register(ctx, "user_a", first); err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	if n := bus.Subscribers("user_a"); n != 1 {
		t.Fatalf("subscribers after re-register = %d, want 1", n)
	}

	r.Register(ctx, "user_a", second)
	if err := r.Deliver(ctx, "user_a", "hi"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	testutil.RequireReceive(t, second.frames, time.Second, "new connection gets the frame")
	testutil.RequireNoReceive(t, first.frames, 20*time.Millisecond, "replaced connection")

	// The replaced connection closing must not tear down its successor.
	r.Unregister("user_a", first)
	if err := r.Deliver(ctx, "user_a", "still here"); err != nil {
		t.Fatalf("Deliver after stale Unregister: %v", err)
	}

	r.Unregister("user_a", second)
	if r.Len() != 0 {
		t.Errorf("Len = %d after Unregister", r.Len())
	}
	if err := r.Deliver(ctx, "user_a", "gone"); !errors.Is(err, rpc.ErrTimeout) {
		t.Errorf("Deliver after Unregister = %v, want timeout", err)
	}
}

func TestSendToMembersReportsEachFailure(t *testing.T) {
	bus := newTestBus(t)
	r := NewRegistry(newTestBridge(t, bus), zerolog.Nop())
	defer r.Close()
	ctx := context.Background()

	ok, broken := newFakeConn(), newFakeConn()
	broken.err = ErrConnClosed
	r.Register(ctx, "user_ok", ok)
	r.Register(ctx, "user_broken", broken)

	err := r.SendToMembers(ctx, []string{"user_ok", "user_broken", "user_missing"}, map[string]int{"n": 1})
	if err == nil {
		t.Fatal("SendToMembers returned nil with two bad recipients")
	}
	if !errors.Is(err, rpc.ErrTimeout) {
		t.Errorf("err = %v, want the missing user's timeout", err)
	}
	var remote *rpc.Error
	if !errors.As(err, &remote) || remote.Message != ErrConnClosed.Error() {
		t.Errorf("err = %v, want the broken connection's error", err)
	}
	if got := testutil.RequireReceive(t, ok.frames, time.Second); got != `{"n":1}` {
		t.Errorf("frame = %s", got)
	}
}
