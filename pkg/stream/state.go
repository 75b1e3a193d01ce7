package stream

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/fgrzl/callstream/pkg/api"
)

// State is the lifecycle state of a stream.
type State int

const (
	// Starting streams have not received an id from the transport yet.
	Starting State = iota
	Active
	Removed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// CallbackID identifies a registered callback so it can be removed.
type CallbackID uint64

// Callback receives every successful value of a started stream.
type Callback func(value json.RawMessage) error

type callback struct {
	id CallbackID
	fn Callback
}

// stream is the state shared by every Handle subscribed to one call.
// Fields owned by the Registry are only touched under the registry lock;
// everything else is guarded by mu.
type stream struct {
	key  api.Key
	call *api.Call

	// refs and cancelStart are owned by the Registry.
	refs        int
	cancelStart context.CancelFunc

	mu        sync.Mutex
	id        api.StreamID
	state     State
	value     json.RawMessage
	failure   *api.RemoteError
	startErr  error
	version   uint64
	changed   chan struct{}
	started   bool
	detached  bool
	callbacks []callback
	nextCB    CallbackID
}

func newStream(key api.Key, call *api.Call) *stream {
	return &stream{
		key:     key,
		call:    call,
		state:   Starting,
		changed: make(chan struct{}),
	}
}

// broadcast wakes every waiter. Callers hold mu.
func (s *stream) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// activate records the transport id. It reports false when the stream was
// removed while it was starting.
func (s *stream) activate(id api.StreamID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	if s.state != Starting {
		return false
	}
	s.state = Active
	return true
}

// deliver caches result and wakes waiters. It reports whether callbacks
// should be scheduled for this update.
func (s *stream) deliver(result *api.Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Removed {
		return false
	}
	if result.Failed() {
		s.value, s.failure = nil, result.Error
	} else {
		s.value, s.failure = result.Value, nil
	}
	s.version++
	s.broadcast()
	return s.started && len(s.callbacks) > 0
}

// remove moves the stream to Removed and reports the id if it had one.
// The version bump releases blocked waiters.
func (s *stream) remove() (api.StreamID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Removed {
		return 0, false
	}
	hadID := s.state == Active && !s.detached
	s.state = Removed
	s.value, s.failure = nil, nil
	s.callbacks = nil
	s.version++
	s.broadcast()
	return s.id, hadID
}

// detach drops ownership of the transport id.
func (s *stream) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = true
}

func (s *stream) failStart(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startErr = err
	s.state = Removed
	s.version++
	s.broadcast()
}

// awaitFirst blocks until the first result is cached or the stream is gone.
func (s *stream) awaitFirst(ctx context.Context) (uint64, error) {
	for {
		s.mu.Lock()
		if s.startErr != nil {
			err := s.startErr
			s.mu.Unlock()
			return 0, err
		}
		if s.state == Removed {
			s.mu.Unlock()
			return 0, ErrStreamRemoved
		}
		if s.version > 0 {
			v := s.version
			s.mu.Unlock()
			return v, nil
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (s *stream) streamID() api.StreamID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *stream) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stream) addCallback(fn Callback) CallbackID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Removed || fn == nil {
		return 0
	}
	s.nextCB++
	s.callbacks = append(s.callbacks, callback{id: s.nextCB, fn: fn})
	return s.nextCB
}

func (s *stream) removeCallback(id CallbackID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cb := range s.callbacks {
		if cb.id == id {
			s.callbacks = append(s.callbacks[:i:i], s.callbacks[i+1:]...)
			return true
		}
	}
	return false
}

func (s *stream) setStarted(started bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Removed {
		return
	}
	s.started = started
}

// pendingCallbacks snapshots what a queued delivery should run. The started
// gate was applied when the update was dispatched; removal still wins.
func (s *stream) pendingCallbacks() []callback {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active || len(s.callbacks) == 0 {
		return nil
	}
	return append([]callback(nil), s.callbacks...)
}
