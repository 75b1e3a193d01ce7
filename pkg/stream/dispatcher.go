package stream

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/fgrzl/callstream/pkg/api"
)

// Dispatch routes an inbound update to the stream that owns id. Updates for
// ids with no active stream are dropped; this covers late updates that race
// with StopStream. While a start is in flight unknown ids are parked instead,
// because the transport may push updates before StartStream has returned.
func (r *Registry) Dispatch(id api.StreamID, result *api.Result) {
	if result == nil {
		return
	}

	r.mu.RLock()
	s, ok := r.byID[id]
	if ok {
		r.deliverLocked(s, result)
		r.mu.RUnlock()
		return
	}
	starting := r.starting > 0
	r.mu.RUnlock()

	if starting {
		r.mu.Lock()
		if s, ok := r.byID[id]; ok {
			r.deliverLocked(s, result)
			r.mu.Unlock()
			return
		}
		if r.starting > 0 {
			r.parked[id] = append(r.parked[id], result)
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
	}

	r.metrics.Dropped.Inc()
	r.logger.Debug("stream: dropped update for unknown stream", slog.Uint64("stream_id", uint64(id)))
}

// Fail delivers a terminal transport failure to every active stream. The
// failed streams give up their ids, so the transport may hand the same ids
// out again and new subscribes for the same calls start fresh streams.
func (r *Registry) Fail(err error) {
	if err == nil {
		err = errors.New("transport failed")
	}
	result := api.ErrorResult(transportFailure(err))

	r.mu.Lock()
	count := len(r.byID)
	for _, s := range r.byID {
		r.deliverLocked(s, result)
		r.detachLocked(s)
	}
	r.mu.Unlock()

	r.logger.Warn("stream: transport failed",
		slog.Int("streams", count),
		slog.String("error", err.Error()))
}

// deliverLocked updates the stream cache and hands callbacks to the runner.
// Callers hold mu, read or write.
func (r *Registry) deliverLocked(s *stream, result *api.Result) {
	schedule := s.deliver(result)
	r.metrics.Updates.Inc()
	if !schedule {
		return
	}
	r.runner.Submit(s.key, func() { r.runCallbacks(s, result) })
}

// clearParkedLocked discards parked updates once no start is in flight; any
// left are for streams that were never registered.
func (r *Registry) clearParkedLocked() {
	if r.starting > 0 || len(r.parked) == 0 {
		return
	}
	for id, results := range r.parked {
		r.metrics.Dropped.Add(float64(len(results)))
		delete(r.parked, id)
	}
}

// runCallbacks runs on the stream's runner lane. A failing callback stops
// the remaining callbacks for this update only.
func (r *Registry) runCallbacks(s *stream, result *api.Result) {
	callbacks := s.pendingCallbacks()
	if len(callbacks) == 0 {
		return
	}
	if result.Failed() {
		r.onError(s.call, result.Error)
		return
	}
	for _, cb := range callbacks {
		if err := invoke(cb.fn, result); err != nil {
			r.metrics.CallbackErrors.Inc()
			r.onError(s.call, err)
			return
		}
	}
}

func invoke(fn Callback, result *api.Result) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("callback panic: %v", p)
		}
	}()
	return fn(result.Value)
}
