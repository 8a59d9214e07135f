package pbxregistry

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pbxsim/pbx/internal/tu"
)

type fakeConn struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegisterAssignsSequentialExtensions(t *testing.T) {
	p := New(4, testLogger())

	t1 := tu.New(newFakeConn(), testLogger(), nil)
	t2 := tu.New(newFakeConn(), testLogger(), nil)

	ext1, err := p.Register(t1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ext2, err := p.Register(t2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ext1 == ext2 {
		t.Fatalf("ext1 == ext2 == %d, want distinct extensions", ext1)
	}
	if ext1 != 0 || ext2 != 1 {
		t.Errorf("ext1, ext2 = %d, %d, want 0, 1", ext1, ext2)
	}
	if p.Count() != 2 {
		t.Errorf("Count() = %d, want 2", p.Count())
	}
}

func TestRegisterFullReturnsErrRegistryFull(t *testing.T) {
	p := New(1, testLogger())
	t1 := tu.New(newFakeConn(), testLogger(), nil)
	t2 := tu.New(newFakeConn(), testLogger(), nil)

	if _, err := p.Register(t1); err != nil {
		t.Fatalf("unexpected error registering t1: %v", err)
	}
	if _, err := p.Register(t2); err != ErrRegistryFull {
		t.Fatalf("err = %v, want ErrRegistryFull", err)
	}
}

func TestUnregisterFreesSlotForReuse(t *testing.T) {
	p := New(1, testLogger())
	t1 := tu.New(newFakeConn(), testLogger(), nil)
	ext1, _ := p.Register(t1)

	if err := p.Unregister(t1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Count() != 0 {
		t.Errorf("Count() = %d, want 0", p.Count())
	}

	t2 := tu.New(newFakeConn(), testLogger(), nil)
	ext2, err := p.Register(t2)
	if err != nil {
		t.Fatalf("unexpected error re-registering: %v", err)
	}
	if ext2 != ext1 {
		t.Errorf("ext2 = %d, want reused slot %d", ext2, ext1)
	}
}

func TestUnregisterUnknownTUReturnsError(t *testing.T) {
	p := New(4, testLogger())
	t1 := tu.New(newFakeConn(), testLogger(), nil)

	if err := p.Unregister(t1); err != ErrNotRegistered {
		t.Fatalf("err = %v, want ErrNotRegistered", err)
	}
}

func TestDialUnknownExtensionYieldsErrNoSuchExtension(t *testing.T) {
	p := New(4, testLogger())
	caller := tu.New(newFakeConn(), testLogger(), nil)
	p.Register(caller)
	caller.Pickup()

	err := p.Dial(caller, 999)

	if err != tu.ErrNoSuchExtension {
		t.Fatalf("err = %v, want ErrNoSuchExtension", err)
	}
	if caller.State() != tu.Error {
		t.Fatalf("caller state = %v, want Error", caller.State())
	}
}

func TestDialKnownExtensionConnects(t *testing.T) {
	p := New(4, testLogger())
	caller := tu.New(newFakeConn(), testLogger(), nil)
	target := tu.New(newFakeConn(), testLogger(), nil)
	extCaller, _ := p.Register(caller)
	extTarget, _ := p.Register(target)
	_ = extCaller
	caller.Pickup()

	if err := p.Dial(caller, extTarget); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if caller.State() != tu.RingBack {
		t.Fatalf("caller state = %v, want RingBack", caller.State())
	}
	if target.State() != tu.Ringing {
		t.Fatalf("target state = %v, want Ringing", target.State())
	}
}

func TestSnapshotReflectsCurrentStates(t *testing.T) {
	p := New(4, testLogger())
	t1 := tu.New(newFakeConn(), testLogger(), nil)
	p.Register(t1)
	t1.Pickup()

	snap := p.Snapshot()

	if len(snap) != 1 {
		t.Fatalf("len(snap) = %d, want 1", len(snap))
	}
	if snap[0].State != "DIAL TONE" {
		t.Errorf("snap[0].State = %q, want DIAL TONE", snap[0].State)
	}
}

func TestShutdownClosesConnectionsAndWaitsForDrain(t *testing.T) {
	p := New(4, testLogger())
	conn := newFakeConn()
	t1 := tu.New(conn, testLogger(), nil)
	p.Register(t1)

	done := make(chan struct{})
	go func() {
		p.Shutdown()
		close(done)
	}()

	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not close registered connection")
	}

	select {
	case <-done:
		t.Fatal("Shutdown returned before the registered TU unregistered")
	case <-time.After(50 * time.Millisecond):
	}

	if err := p.Unregister(t1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not return after last TU unregistered")
	}
}
