// Package pbxregistry implements the PBX registry: the extension-number
// to TU mapping, registration/unregistration, dial lookups, and the
// orchestrated shutdown that waits for every registered TU to release
// before returning.
package pbxregistry

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/pbxsim/pbx/internal/tu"
)

// ErrRegistryFull is returned by Register when every extension slot is
// occupied.
var ErrRegistryFull = errors.New("pbxregistry: registry full")

// ErrNotRegistered is returned by Unregister when called with a TU that
// is not (or is no longer) present in the registry.
var ErrNotRegistered = errors.New("pbxregistry: tu not registered")

// ExtensionStatus is a point-in-time snapshot of one registered TU, used
// by the admin/metrics surface. It is never consulted by the PBX/TU
// core itself.
type ExtensionStatus struct {
	Extension int
	State     string
}

// PBX is a single exchange instance: the extension table plus the
// synchronization needed to register, unregister, dial, and shut down
// safely under concurrent client activity.
type PBX struct {
	mu      sync.Mutex
	slots   map[int]*tu.TU
	maxExt  int
	tuCount int

	// barrier is held down (non-zero) while any TU is registered.
	// Shutdown calls Wait on it without holding mu, so in-flight
	// Unregister calls (which do need mu) are never blocked by a
	// shutdown in progress.
	barrier sync.WaitGroup

	logger *slog.Logger
}

// New creates an empty PBX registry with room for up to maxExtensions
// simultaneously registered TUs.
func New(maxExtensions int, logger *slog.Logger) *PBX {
	return &PBX{
		slots:  make(map[int]*tu.TU, maxExtensions),
		maxExt: maxExtensions,
		logger: logger,
	}
}

// Register assigns t the first free extension number, retains a
// reference to t on the registry's behalf, and returns the assigned
// extension. It fails with ErrRegistryFull if every slot is occupied.
//
// The chosen extension becomes the TU's permanent, immutable identity:
// SetExtension is called here, before the slot is visible to any
// concurrent Dial, which is what lets TU methods read peer extensions
// without locking (see the tu package's lock-ordering comment).
func (p *PBX) Register(t *tu.TU) (int, error) {
	p.mu.Lock()
	ext := p.firstFreeSlotLocked()
	if ext < 0 {
		p.mu.Unlock()
		return 0, ErrRegistryFull
	}
	t.SetExtension(ext)
	t.Ref()
	p.slots[ext] = t
	p.tuCount++
	count := p.tuCount
	p.barrier.Add(1)
	p.mu.Unlock()

	p.logger.Info("tu registered", "extension", ext, "tu_count", count)
	return ext, nil
}

func (p *PBX) firstFreeSlotLocked() int {
	for i := 0; i < p.maxExt; i++ {
		if _, taken := p.slots[i]; !taken {
			return i
		}
	}
	return -1
}

// Unregister drops any in-progress call on t (via Hangup), releases the
// registry's reference, and frees t's extension slot for reuse.
func (p *PBX) Unregister(t *tu.TU) error {
	ext := t.Extension()

	p.mu.Lock()
	if cur, ok := p.slots[ext]; !ok || cur != t {
		p.mu.Unlock()
		return ErrNotRegistered
	}

	t.Hangup()
	t.Unref()
	delete(p.slots, ext)
	p.tuCount--
	count := p.tuCount
	p.mu.Unlock()
	p.barrier.Done()

	p.logger.Info("tu unregistered", "extension", ext, "tu_count", count)
	return nil
}

// Dial looks up ext in the registry and initiates a call from t to
// whatever TU (if any) is found there. A missing extension dials a nil
// target, which tu.Dial treats as "no such extension".
func (p *PBX) Dial(t *tu.TU, ext int) error {
	p.mu.Lock()
	target := p.slots[ext]
	p.mu.Unlock()

	return t.Dial(target)
}

// Shutdown closes every registered TU's underlying connection (which
// unblocks each TU's service loop at its next read), then blocks until
// every TU has unregistered. It must not hold the registry lock while
// waiting: in-flight service loops need that lock to complete their own
// Unregister call.
func (p *PBX) Shutdown() {
	p.mu.Lock()
	p.logger.Info("pbx shutdown starting", "tu_count", p.tuCount)
	for _, t := range p.slots {
		if err := t.Close(); err != nil {
			p.logger.Debug("error closing tu connection during shutdown", "extension", t.Extension(), "error", err)
		}
	}
	p.mu.Unlock()

	p.barrier.Wait()
	p.logger.Info("pbx shutdown complete")
}

// Count returns the number of currently registered extensions.
func (p *PBX) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tuCount
}

// Snapshot returns a point-in-time view of every registered extension
// and its state, for the admin/metrics surface. It is never consulted
// by the core registration/dial/shutdown logic.
func (p *PBX) Snapshot() []ExtensionStatus {
	p.mu.Lock()
	tus := make([]*tu.TU, 0, len(p.slots))
	for _, t := range p.slots {
		tus = append(tus, t)
	}
	p.mu.Unlock()

	out := make([]ExtensionStatus, len(tus))
	for i, t := range tus {
		out[i] = ExtensionStatus{Extension: t.Extension(), State: t.State().Name()}
	}
	return out
}
