package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fgrzl/callstream/internal/metrics"
	"github.com/fgrzl/callstream/pkg/api"
	"github.com/fgrzl/enumerators"
)

// Registry keeps at most one live remote stream per distinct call and routes
// transport updates to it.
type Registry struct {
	transport Transport
	runner    *CallbackRunner
	logger    *slog.Logger
	metrics   *metrics.Streams
	onError   ErrorHandler

	mu     sync.RWMutex
	byKey  map[api.Key]*stream
	byID   map[api.StreamID]*stream
	parked map[api.StreamID][]*api.Result
	// detached streams lost their transport id but still have handles.
	detached map[*stream]struct{}
	// starting counts transport starts in flight; updates for unknown ids
	// are parked only while it is non-zero.
	starting int
	closed   bool
}

// NewRegistry creates a registry on top of transport and attaches itself as
// the transport's dispatcher.
func NewRegistry(transport Transport, opts ...Option) *Registry {
	r := &Registry{
		transport: transport,
		logger:    slog.Default(),
		byKey:     make(map[api.Key]*stream),
		byID:      make(map[api.StreamID]*stream),
		parked:    make(map[api.StreamID][]*api.Result),
		detached:  make(map[*stream]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.NewStreams(nil)
	}
	if r.onError == nil {
		r.onError = r.logCallbackError
	}
	r.runner = NewCallbackRunner(r.logger)
	transport.Attach(r)
	return r
}

// Subscribe returns a handle on the live result of call. Equal calls share
// one remote stream; only the first subscriber starts it. Subscribe returns
// once the first value or failure has been received.
func (r *Registry) Subscribe(ctx context.Context, call *api.Call) (*Handle, error) {
	if call == nil {
		return nil, errors.New("stream: call is required")
	}
	key := call.Key()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	s, exists := r.byKey[key]
	if exists {
		s.refs++
		r.mu.Unlock()
	} else {
		s = newStream(key, call)
		s.refs = 1
		r.byKey[key] = s
		r.starting++
		r.metrics.Active.Inc()
		// the start belongs to the stream, not to the first caller; it is
		// canceled only when the last reference goes away
		startCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.cancelStart = cancel
		r.mu.Unlock()

		go r.start(startCtx, s)
	}

	h := newHandle(r, s)
	version, err := s.awaitFirst(ctx)
	if err != nil {
		h.Remove()
		return nil, err
	}
	h.seen.Store(version)
	return h, nil
}

func (r *Registry) start(ctx context.Context, s *stream) {
	id, first, err := r.transport.StartStream(ctx, s.call)

	r.mu.Lock()
	r.starting--
	if s.cancelStart != nil {
		s.cancelStart()
		s.cancelStart = nil
	}
	if err != nil {
		live := r.forgetLocked(s)
		r.clearParkedLocked()
		s.failStart(fmt.Errorf("start stream %s: %w", s.call, err))
		r.mu.Unlock()

		if live {
			r.metrics.StartFailures.Inc()
			r.logger.WarnContext(ctx, "stream: start failed",
				slog.String("call", s.call.String()),
				slog.String("error", err.Error()))
		}
		return
	}

	if !s.activate(id) {
		// every subscriber left while the start was in flight
		delete(r.parked, id)
		r.clearParkedLocked()
		r.mu.Unlock()
		r.stop(id)
		return
	}

	if prev, ok := r.byID[id]; ok && prev != s {
		// the transport reused an id; the previous owner no longer holds it
		r.detachLocked(prev)
		r.logger.WarnContext(ctx, "stream: transport reused stream id",
			slog.String("call", prev.call.String()),
			slog.Uint64("stream_id", uint64(id)))
	}
	r.byID[id] = s
	if first != nil {
		r.deliverLocked(s, first)
	}
	for _, result := range r.parked[id] {
		r.deliverLocked(s, result)
	}
	delete(r.parked, id)
	r.clearParkedLocked()
	r.mu.Unlock()

	r.logger.DebugContext(ctx, "stream: started",
		slog.String("call", s.call.String()),
		slog.Uint64("stream_id", uint64(id)))
}

// release drops one reference and tears the stream down at zero.
func (r *Registry) release(s *stream) {
	r.mu.Lock()
	s.refs--
	if s.refs > 0 {
		r.mu.Unlock()
		return
	}
	removed := r.forgetLocked(s)
	delete(r.detached, s)
	cancel := s.cancelStart
	s.cancelStart = nil
	id, hadID := s.remove()
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if hadID {
		r.stop(id)
	}
	if removed {
		r.logger.Debug("stream: removed",
			slog.String("call", s.call.String()),
			slog.Uint64("stream_id", uint64(id)))
	}
}

// forgetLocked removes s from both indices. Callers hold mu.
func (r *Registry) forgetLocked(s *stream) bool {
	if id := s.streamID(); r.byID[id] == s {
		delete(r.byID, id)
	}
	if r.byKey[s.key] != s {
		return false
	}
	delete(r.byKey, s.key)
	r.metrics.Active.Dec()
	return true
}

// detachLocked unlinks s from its transport id. Its handles keep the last
// result until they are removed, and removing them stops nothing. A later
// subscribe for the same call starts a new stream. Callers hold mu.
func (r *Registry) detachLocked(s *stream) {
	r.forgetLocked(s)
	s.detach()
	r.detached[s] = struct{}{}
}

func (r *Registry) stop(id api.StreamID) {
	if err := r.transport.StopStream(context.Background(), id); err != nil {
		r.logger.Warn("stream: stop failed",
			slog.Uint64("stream_id", uint64(id)),
			slog.String("error", err.Error()))
	}
}

// Len returns the number of live remote streams.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// Active enumerates the keys of live remote streams at the time of the call.
func (r *Registry) Active() enumerators.Enumerator[api.Key] {
	r.mu.RLock()
	keys := make([]api.Key, 0, len(r.byKey))
	for key := range r.byKey {
		keys = append(keys, key)
	}
	r.mu.RUnlock()
	return enumerators.Slice(keys)
}

// Close removes every stream, releasing all waiters, and stops them on the
// transport. Later subscribes fail with ErrClosed. Close does not wait for
// callbacks that are already running, so it may be called from a callback
// or an ErrorHandler; queued callbacks of removed streams are skipped.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	streams := make([]*stream, 0, len(r.byKey)+len(r.detached))
	for _, s := range r.byKey {
		streams = append(streams, s)
	}
	for s := range r.detached {
		streams = append(streams, s)
	}
	ids := make([]api.StreamID, 0, len(streams))
	var cancels []context.CancelFunc
	for _, s := range streams {
		r.forgetLocked(s)
		if s.cancelStart != nil {
			cancels = append(cancels, s.cancelStart)
			s.cancelStart = nil
		}
		if id, hadID := s.remove(); hadID {
			ids = append(ids, id)
		}
	}
	r.detached = make(map[*stream]struct{})
	r.parked = make(map[api.StreamID][]*api.Result)
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, id := range ids {
		r.stop(id)
	}
}

func (r *Registry) logCallbackError(call *api.Call, err error) {
	r.logger.Error("stream: callback failed",
		slog.String("call", call.String()),
		slog.String("error", err.Error()))
}
