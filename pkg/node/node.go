package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fgrzl/callstream/pkg/api"
	"github.com/fgrzl/callstream/pkg/storage"
	"github.com/fgrzl/json/polymorphic"
	"github.com/fgrzl/timestamp"
)

type Node interface {
	Handle(context.Context, api.BidiStream)
	Close()
}

// NewNode creates a node that evaluates calls against its services and
// streams the results back.
func NewNode(store storage.Store, opts ...Option) Node {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	services := make(map[string][]Service)
	for _, factory := range o.factories {
		svc := factory(store)
		services[svc.Name()] = append(services[svc.Name()], svc)
	}

	return &defaultNode{
		store:    store,
		services: services,
		interval: o.interval,
		logger:   o.logger,
	}
}

type defaultNode struct {
	store    storage.Store
	services map[string][]Service
	interval time.Duration
	logger   *slog.Logger
	nextID   atomic.Uint64
}

func (n *defaultNode) Close() {
	n.store.Close()
}

func (n *defaultNode) Handle(ctx context.Context, bidi api.BidiStream) {

	defer func() {
		if r := recover(); r != nil {
			bidi.Close(fmt.Errorf("panic: %v", r))
		}
	}()

	envelope := &polymorphic.Envelope{}
	if err := bidi.Decode(envelope); err != nil {
		bidi.Close(err)
		return
	}

	switch args := envelope.Content.(type) {
	case *api.StartStream:
		n.handleStartStream(ctx, args, bidi)
	case *api.StopStream:
		// the stream it refers to has already ended
		bidi.Close(nil)
	default:
		bidi.Close(fmt.Errorf("invalid request msg type: %T", envelope.Content))
	}
}

func (n *defaultNode) handleStartStream(ctx context.Context, args *api.StartStream, bidi api.BidiStream) {
	call := args.Call
	if call == nil {
		bidi.Close(errors.New("start stream: missing call"))
		return
	}
	if a, ok := AuthorizerFromContext(ctx); ok && !a.CanAccessService(call.Service) {
		bidi.Close(fmt.Errorf("forbidden: service %q", call.Service))
		return
	}

	id := api.StreamID(n.nextID.Add(1))
	current := n.evaluate(ctx, call)
	if err := bidi.Encode(&api.StreamStarted{StreamID: id, Result: current}); err != nil {
		bidi.Close(err)
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go n.awaitStop(ctx, cancel, id, bidi)

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			bidi.Close(nil)
			return
		case <-ticker.C:
			next := n.evaluate(ctx, call)
			if sameResult(current, next) {
				continue
			}
			current = next
			if err := bidi.Encode(&api.StreamUpdate{StreamID: id, Result: next}); err != nil {
				n.logger.DebugContext(ctx, "node: stream update failed",
					slog.String("stream_id", id.String()),
					slog.String("error", err.Error()))
				bidi.Close(err)
				return
			}
		}
	}
}

// awaitStop cancels the stream when the client stops it or goes away.
func (n *defaultNode) awaitStop(ctx context.Context, cancel context.CancelFunc, id api.StreamID, bidi api.BidiStream) {
	defer cancel()
	for {
		envelope := &polymorphic.Envelope{}
		if err := bidi.Decode(envelope); err != nil {
			return
		}
		if stop, ok := envelope.Content.(*api.StopStream); ok && stop.StreamID == id {
			n.logger.DebugContext(ctx, "node: stream stopped", slog.String("stream_id", id.String()))
			return
		}
	}
}

// evaluate runs call once. Failures are returned as results, never as errors.
func (n *defaultNode) evaluate(ctx context.Context, call *api.Call) (result *api.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = api.ErrorResult(&api.RemoteError{
				Service: call.Service,
				Name:    "InternalError",
				Message: fmt.Sprint(r),
			})
		}
		result.Timestamp = timestamp.GetTimestamp()
	}()

	services, ok := n.services[call.Service]
	if !ok {
		return api.ErrorResult(&api.RemoteError{
			Name:    "ServiceNotFound",
			Message: fmt.Sprintf("no service named %q", call.Service),
		})
	}

	for _, svc := range services {
		value, err := svc.Invoke(ctx, call.Procedure, call.Arguments)
		if errors.Is(err, ErrProcedureNotFound) {
			continue
		}
		if err != nil {
			return api.ErrorResult(remoteError(call.Service, err))
		}
		return api.ValueResult(value)
	}

	return api.ErrorResult(&api.RemoteError{
		Service: call.Service,
		Name:    "ProcedureNotFound",
		Message: fmt.Sprintf("no procedure named %q", call.Procedure),
	})
}

func remoteError(service string, err error) *api.RemoteError {
	var remote *api.RemoteError
	if errors.As(err, &remote) {
		if remote.Service == "" {
			copied := *remote
			copied.Service = service
			return &copied
		}
		return remote
	}
	return &api.RemoteError{
		Service: service,
		Name:    "Error",
		Message: err.Error(),
	}
}

func sameResult(a, b *api.Result) bool {
	if a.Failed() || b.Failed() {
		return a.Failed() && b.Failed() && *a.Error == *b.Error
	}
	return bytes.Equal(compact(a.Value), compact(b.Value))
}

func compact(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
