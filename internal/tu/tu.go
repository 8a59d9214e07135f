// Package tu implements the telephone unit state machine: the
// per-connection object the exchange drives in response to local client
// commands (pickup, hangup, dial, chat) and remote peer actions.
package tu

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// State is one of the seven states a TU can occupy.
type State int

const (
	OnHook State = iota
	Ringing
	DialTone
	RingBack
	BusySignal
	Connected
	Error
)

// Name returns the wire-protocol name for the state, as written in
// notification lines (without the trailing newline or any extension
// argument).
func (s State) Name() string {
	switch s {
	case OnHook:
		return "ON HOOK"
	case Ringing:
		return "RINGING"
	case DialTone:
		return "DIAL TONE"
	case RingBack:
		return "RING BACK"
	case BusySignal:
		return "BUSY SIGNAL"
	case Connected:
		return "CONNECTED"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (s State) String() string { return s.Name() }

// ErrNoSuchExtension is returned by Dial when called with a nil target,
// i.e. the caller could not resolve the dialed extension to a live TU.
var ErrNoSuchExtension = errors.New("tu: no such extension")

// ErrNotConnected is returned by Chat when the TU is not currently in a
// call.
var ErrNotConnected = errors.New("tu: not connected")

// Conn is the write-and-close half of the network connection underlying
// a TU. A TU never reads from its connection directly — the owning
// service loop owns the read side and feeds commands in by calling TU
// methods.
type Conn interface {
	io.Writer
	Close() error
}

// OpRecorder receives a callback naming each TU operation as it
// completes, so an outer layer (e.g. the admin/metrics server) can
// maintain operation counters without the tu package importing a
// metrics library directly. A nil OpRecorder disables instrumentation.
type OpRecorder interface {
	RecordOp(op string)
}

// TU is one telephone unit: the state machine, extension, peer
// reference, reference count, and client connection for a single
// registered exchange participant.
//
// Every field below extension is guarded by mu. extension itself is
// write-once: SetExtension is called exactly once, by the registry,
// before the TU is reachable by any other TU (via dial). After that
// call it never changes, so it may be read without holding mu — this
// is what lets two-TU operations determine a lock order (lockPair)
// before they have acquired anything.
type TU struct {
	mu        sync.Mutex
	extension int
	state     State
	peer      *TU
	refCount  int
	client    Conn
	logger    *slog.Logger
	recorder  OpRecorder
}

// New creates a TU in the ON_HOOK state, bound to client for outbound
// notifications. The extension is assigned later, once, via
// SetExtension.
func New(client Conn, logger *slog.Logger, recorder OpRecorder) *TU {
	return &TU{
		state:    OnHook,
		client:   client,
		logger:   logger,
		recorder: recorder,
	}
}

// Extension returns the TU's assigned extension number.
func (t *TU) Extension() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.extension
}

// State returns the TU's current state, for diagnostic/metrics use.
func (t *TU) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// RefCount returns the TU's current reference count, for diagnostic use.
func (t *TU) RefCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refCount
}

// SetExtension assigns the TU's extension number and notifies the
// client. Called exactly once, by the registry, at registration time.
func (t *TU) SetExtension(ext int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.extension = ext
	t.notifyLocked()
}

// Ref increments the TU's reference count.
func (t *TU) Ref() {
	t.mu.Lock()
	t.refCount++
	t.mu.Unlock()
}

// Unref decrements the TU's reference count and reports whether it
// reached zero. In a reference-counted native implementation this is
// where the TU would be freed; under the Go runtime's garbage collector
// the counter is kept purely so invariant 4 (reference accounting) stays
// checkable, and the TU becomes eligible for collection once nothing
// references it.
func (t *TU) Unref() bool {
	t.mu.Lock()
	t.refCount--
	rc := t.refCount
	ext := t.extension
	t.mu.Unlock()

	if rc < 0 {
		panic(fmt.Sprintf("tu: negative ref count for extension %d", ext))
	}
	if rc == 0 {
		t.logger.Debug("tu freed", "extension", ext)
	}
	return rc == 0
}

// Close closes the underlying client connection. Safe to call
// concurrently with reads, writes, and other Close calls on the same
// connection (net.Conn guarantees this); used by the registry during
// shutdown to unblock the TU's service loop.
func (t *TU) Close() error {
	return t.client.Close()
}

// Pickup takes the TU off-hook. See the package-level state table in
// the exchange specification for the full transition table; in short:
// ON_HOOK -> DIAL_TONE; RINGING -> CONNECTED (and the peer follows to
// CONNECTED too); any other state is unchanged. Every call produces a
// notification to the TU's own client, and, when the peer's state also
// changed, to the peer's client too.
func (t *TU) Pickup() {
	peer, unlock := t.lockWithPeer(func(s State) bool { return s == Ringing })
	defer unlock()

	switch t.state {
	case OnHook:
		t.state = DialTone
	case Ringing:
		t.state = Connected
		peer.state = Connected
		peer.notifyLocked()
	}
	t.notifyLocked()
	t.recordOp("pickup")
}

// Hangup replaces the handset. CONNECTED, RINGING, and RING_BACK all
// return the TU to ON_HOOK and release its peer (which transitions to
// DIAL_TONE, DIAL_TONE, or ON_HOOK respectively — see the transition
// table). Any other state simply returns to ON_HOOK. Idempotent: a
// second hangup from ON_HOOK only re-notifies.
func (t *TU) Hangup() {
	peer, unlock := t.lockWithPeer(func(s State) bool {
		return s == Connected || s == Ringing || s == RingBack
	})
	defer unlock()

	if peer != nil {
		switch t.state {
		case RingBack:
			peer.state = OnHook
		default: // Connected, Ringing
			peer.state = DialTone
		}
		t.releasePeerLocked(peer)
		peer.notifyLocked()
	}
	t.state = OnHook
	t.notifyLocked()
	t.recordOp("hangup")
}

// releasePeerLocked clears the peering between t and peer and drops
// both TUs' reference counts by one. Both mutexes must already be held.
func (t *TU) releasePeerLocked(peer *TU) {
	t.peer = nil
	peer.peer = nil
	t.refCount--
	peer.refCount--
}

// Dial initiates a call from t to target. target is nil when the
// caller (the client service loop) could not resolve the dialed
// extension to a live TU — in that case t transitions to ERROR iff it
// was in DIAL_TONE, and ErrNoSuchExtension is returned. Dialing oneself
// always yields BUSY_SIGNAL. Otherwise: if t is not in DIAL_TONE,
// nothing happens; if target is already peered or not ON_HOOK, t
// becomes BUSY_SIGNAL; otherwise both TUs become peers, t goes
// RING_BACK and target goes RINGING.
func (t *TU) Dial(target *TU) error {
	if target == nil {
		t.mu.Lock()
		if t.state == DialTone {
			t.state = Error
		}
		t.notifyLocked()
		t.mu.Unlock()
		t.recordOp("dial")
		return ErrNoSuchExtension
	}
	if target == t {
		t.mu.Lock()
		t.state = BusySignal
		t.notifyLocked()
		t.mu.Unlock()
		t.recordOp("dial")
		return nil
	}

	unlock := lockPair(t, target)
	defer unlock()

	switch {
	case t.state != DialTone:
		// no effect
	case target.refCount > 1 || target.state != OnHook:
		t.state = BusySignal
	default:
		t.peer = target
		target.peer = t
		t.refCount++
		target.refCount++
		t.state = RingBack
		target.state = Ringing
		target.notifyLocked()
	}
	t.notifyLocked()
	t.recordOp("dial")
	return nil
}

// Chat delivers msg to the TU's peer if and only if the TU is
// CONNECTED. It always notifies the TU's own client with its current
// (unchanged) state. Returns ErrNotConnected if there is no call in
// progress.
func (t *TU) Chat(msg string) error {
	peer, unlock := t.lockWithPeer(func(s State) bool { return s == Connected })
	defer unlock()

	var err error
	if peer == nil {
		err = ErrNotConnected
	} else {
		peer.writeRawLocked(fmt.Sprintf("CHAT %s\n", msg))
	}
	t.notifyLocked()
	t.recordOp("chat")
	return err
}

func (t *TU) recordOp(op string) {
	if t.recorder != nil {
		t.recorder.RecordOp(op)
	}
}

// lockWithPeer locks t and, if needsPeer(t.state) holds, also locks
// t.peer (in ascending-extension order) and returns it. If needsPeer
// does not hold, only t is locked and the returned peer is nil.
//
// Because a TU's state can change out from under a caller that has
// released t's lock to acquire the joint lock (a concurrent operation
// on the peer can do that), the peer snapshot is re-validated once both
// locks are held, retrying from scratch if it no longer matches.
func (t *TU) lockWithPeer(needsPeer func(State) bool) (peer *TU, unlock func()) {
	for {
		t.mu.Lock()
		if !needsPeer(t.state) {
			return nil, t.mu.Unlock
		}
		p := t.peer
		t.mu.Unlock()

		if p == nil {
			// The peer invariant (peer != nil whenever state requires
			// one) holds at every point outside an atomic transition;
			// we just observed state requiring a peer with none set,
			// which can only mean a programming error elsewhere.
			panic(fmt.Sprintf("tu: invariant violated, extension %d needs a peer in state %s but has none", t.extension, t.state))
		}

		unlockPair := lockPair(t, p)
		if t.peer != p || !needsPeer(t.state) {
			unlockPair()
			continue
		}
		return p, unlockPair
	}
}

// lockPair locks a and b in a fixed global order (ascending extension)
// to prevent deadlock between two goroutines operating on the same pair
// of TUs from opposite ends. Extension numbers are immutable once
// assigned (see the TU doc comment), so reading them here without
// holding either lock is safe.
func lockPair(a, b *TU) (unlock func()) {
	if a.extension <= b.extension {
		a.mu.Lock()
		b.mu.Lock()
		return func() { b.mu.Unlock(); a.mu.Unlock() }
	}
	b.mu.Lock()
	a.mu.Lock()
	return func() { a.mu.Unlock(); b.mu.Unlock() }
}

// notifyLocked writes the TU's current state line to its own client.
// Callers must hold t.mu.
func (t *TU) notifyLocked() {
	t.writeRawLocked(t.stateLineLocked())
}

// stateLineLocked formats the current state as a wire-protocol
// notification line. ON_HOOK carries the TU's own extension; CONNECTED
// carries the peer's extension (the thing the caller actually wants to
// know — who it's connected to); every other state is a bare state
// name. Callers must hold t.mu.
func (t *TU) stateLineLocked() string {
	switch t.state {
	case OnHook:
		return fmt.Sprintf("ON HOOK %d\n", t.extension)
	case Connected:
		return fmt.Sprintf("CONNECTED %d\n", t.peer.extension)
	default:
		return t.state.Name() + "\n"
	}
}

// writeRawLocked writes line to the TU's client connection. Write
// errors (e.g. a client that has already disconnected) are logged and
// otherwise discarded — notification delivery is best-effort, matching
// the exchange's SIGPIPE-is-ignored posture at the protocol layer.
// Callers must hold the mutex of the TU that owns client (t for self
// notifications, the peer for chat delivery), so the write is
// serialized against that TU's other output.
func (t *TU) writeRawLocked(line string) {
	if _, err := io.WriteString(t.client, line); err != nil {
		t.logger.Debug("client write failed", "extension", t.extension, "error", err)
	}
}
