package stream_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/fgrzl/callstream/pkg/api"
	"github.com/fgrzl/callstream/pkg/stream"
)

// fakeTransport hands out sequential ids and answers starts from a table of
// first results keyed by call. Unknown calls start with the value 0.
type fakeTransport struct {
	dispatcher stream.Dispatcher

	mu      sync.Mutex
	nextID  api.StreamID
	first   map[api.Key]*api.Result
	ids     map[api.Key]api.StreamID
	stopped []api.StreamID

	starts   atomic.Int32
	canceled atomic.Int32
	// gate, when set, blocks StartStream until closed.
	gate chan struct{}
	// fixedID, when set, is handed out for every start, the way a server
	// that restarted would reuse ids.
	fixedID api.StreamID
	// early delivers the first result through the dispatcher before
	// StartStream returns instead of returning it.
	early    bool
	startErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		first: make(map[api.Key]*api.Result),
		ids:   make(map[api.Key]api.StreamID),
	}
}

func (t *fakeTransport) Attach(d stream.Dispatcher) {
	t.dispatcher = d
}

func (t *fakeTransport) StartStream(ctx context.Context, call *api.Call) (api.StreamID, *api.Result, error) {
	t.starts.Add(1)
	if t.gate != nil {
		select {
		case <-t.gate:
		case <-ctx.Done():
			t.canceled.Add(1)
			return 0, nil, ctx.Err()
		}
	}
	if t.startErr != nil {
		return 0, nil, t.startErr
	}

	t.mu.Lock()
	t.nextID++
	id := t.nextID
	if t.fixedID != 0 {
		id = t.fixedID
	}
	t.ids[call.Key()] = id
	first, ok := t.first[call.Key()]
	t.mu.Unlock()

	if !ok {
		first = api.ValueResult(json.RawMessage(`0`))
	}
	if t.early {
		t.dispatcher.Dispatch(id, first)
		return id, nil, nil
	}
	return id, first, nil
}

func (t *fakeTransport) StopStream(_ context.Context, id api.StreamID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = append(t.stopped, id)
	return nil
}

func (t *fakeTransport) respond(call *api.Call, result *api.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.first[call.Key()] = result
}

func (t *fakeTransport) idOf(call *api.Call) api.StreamID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ids[call.Key()]
}

func (t *fakeTransport) push(call *api.Call, value string) {
	t.dispatcher.Dispatch(t.idOf(call), api.ValueResult(json.RawMessage(value)))
}

func (t *fakeTransport) pushError(call *api.Call, err *api.RemoteError) {
	t.dispatcher.Dispatch(t.idOf(call), api.ErrorResult(err))
}

func (t *fakeTransport) stoppedIDs() []api.StreamID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]api.StreamID(nil), t.stopped...)
}

func mustCall(procedure string, args ...any) *api.Call {
	call, err := api.NewProcedureCall("TestService", procedure, args...)
	if err != nil {
		panic(err)
	}
	return call
}
