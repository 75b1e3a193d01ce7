package stream

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/fgrzl/callstream/pkg/api"
)

// Handle is one client reference to a (possibly shared) remote stream.
//
// Every Subscribe returns a new Handle, but handles for equal calls share
// the cached result, the version counter and the callbacks. A handle keeps
// the subscription alive until Remove is called on it.
type Handle struct {
	registry *Registry
	s        *stream

	// seen is the version this handle last observed; Wait blocks until the
	// stream moves past it.
	seen     atomic.Uint64
	released atomic.Bool
	done     chan struct{}
}

func newHandle(r *Registry, s *stream) *Handle {
	return &Handle{
		registry: r,
		s:        s,
		done:     make(chan struct{}),
	}
}

// Key returns the content hash of the call. Handles with equal keys share a
// subscription.
func (h *Handle) Key() api.Key {
	return h.s.key
}

// Call returns the call this handle streams.
func (h *Handle) Call() *api.Call {
	return h.s.call
}

// ID returns the id the transport assigned to the stream.
func (h *Handle) ID() api.StreamID {
	return h.s.streamID()
}

// Equal reports whether both handles denote the same subscription.
func (h *Handle) Equal(other *Handle) bool {
	if h == nil || other == nil {
		return false
	}
	return h.s.key == other.s.key
}

// State returns Removed once this handle was released, otherwise the state
// of the shared stream.
func (h *Handle) State() State {
	if h.released.Load() {
		return Removed
	}
	return h.s.currentState()
}

// Get returns the latest value. If the last update was a failure the
// *api.RemoteError is returned; it matches ErrRemoteFailure.
func (h *Handle) Get() (json.RawMessage, error) {
	if h.released.Load() {
		return nil, ErrStreamRemoved
	}
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Removed {
		return nil, ErrStreamRemoved
	}
	h.seen.Store(s.version)
	if s.failure != nil {
		return nil, s.failure
	}
	return s.value, nil
}

// Version returns the number of updates the stream has received.
func (h *Handle) Version() uint64 {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.version
}

// Wait blocks until the stream has an update newer than the last one this
// handle observed through Subscribe, Get or Wait. An update that landed after
// the last Get returns at once; updates in between may be coalesced. Wait
// also returns when the stream is removed or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	_, err := h.await(ctx, nil)
	return err
}

// WaitTimeout is Wait bounded by timeout. It reports whether a newer update
// was observed. A timeout of zero or less never blocks.
func (h *Handle) WaitTimeout(timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		expired := make(chan time.Time)
		close(expired)
		return h.await(context.Background(), expired)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	return h.await(context.Background(), timer.C)
}

// await checks the version and captures the wake channel under the stream
// lock, so an update cannot land between the check and the sleep.
func (h *Handle) await(ctx context.Context, expired <-chan time.Time) (bool, error) {
	s := h.s
	for {
		s.mu.Lock()
		if h.released.Load() || s.state == Removed {
			s.mu.Unlock()
			return false, ErrStreamRemoved
		}
		if s.version > h.seen.Load() {
			h.seen.Store(s.version)
			s.mu.Unlock()
			return true, nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-h.done:
		case <-expired:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// AddCallback registers fn for every successful update. Callbacks run only
// while the stream is started. It returns 0 on a removed handle.
func (h *Handle) AddCallback(fn Callback) CallbackID {
	if h.released.Load() {
		return 0
	}
	return h.s.addCallback(fn)
}

func (h *Handle) RemoveCallback(id CallbackID) bool {
	if h.released.Load() {
		return false
	}
	return h.s.removeCallback(id)
}

// Start enables callback delivery.
func (h *Handle) Start() {
	if h.released.Load() {
		return
	}
	h.s.setStarted(true)
}

// Stop disables callback delivery without dropping registrations.
func (h *Handle) Stop() {
	if h.released.Load() {
		return
	}
	h.s.setStarted(false)
}

// Remove releases this handle's reference. The remote stream is stopped when
// the last reference goes away. Calling Remove again has no effect.
func (h *Handle) Remove() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	close(h.done)
	h.registry.release(h.s)
}
