package wskit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fgrzl/callstream/pkg/api"
	"github.com/fgrzl/callstream/pkg/stream"
	"github.com/fgrzl/json/polymorphic"
)

// StreamTransport runs each remote stream on its own muxed channel. The
// channel carries StartStream out, StreamStarted back, then StreamUpdate
// frames until either side closes it.
//
// Server ids are only unique per node and connection, so the ids handed to
// the registry are local to the transport. The server id is kept to stop
// the stream.
type StreamTransport struct {
	provider api.BidiStreamProvider
	logger   *slog.Logger

	mu         sync.Mutex
	dispatcher stream.Dispatcher
	channels   map[api.StreamID]*channel
	nextID     api.StreamID
	failure    error
}

type channel struct {
	remote api.StreamID
	bidi   api.BidiStream
}

func NewStreamTransport(provider api.BidiStreamProvider, logger *slog.Logger) *StreamTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamTransport{
		provider: provider,
		logger:   logger,
		channels: make(map[api.StreamID]*channel),
	}
}

func (t *StreamTransport) Attach(d stream.Dispatcher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dispatcher = d
}

func (t *StreamTransport) StartStream(ctx context.Context, call *api.Call) (api.StreamID, *api.Result, error) {
	bidi, err := t.provider.CallStream(ctx, &api.StartStream{Call: call})
	if err != nil {
		return 0, nil, err
	}

	stop := context.AfterFunc(ctx, func() { bidi.Close(ctx.Err()) })
	envelope := &polymorphic.Envelope{}
	err = bidi.Decode(envelope)
	if !stop() {
		return 0, nil, ctx.Err()
	}
	if err != nil {
		bidi.Close(err)
		return 0, nil, err
	}

	started, ok := envelope.Content.(*api.StreamStarted)
	if !ok {
		err := fmt.Errorf("unexpected reply to start stream: %T", envelope.Content)
		bidi.Close(err)
		return 0, nil, err
	}

	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.channels[id] = &channel{remote: started.StreamID, bidi: bidi}
	t.mu.Unlock()

	go t.pump(id, bidi)

	return id, started.Result, nil
}

func (t *StreamTransport) StopStream(ctx context.Context, id api.StreamID) error {
	t.mu.Lock()
	ch, ok := t.channels[id]
	delete(t.channels, id)
	t.mu.Unlock()
	if !ok {
		return nil
	}

	err := ch.bidi.Encode(&api.StopStream{StreamID: ch.remote})
	ch.bidi.Close(nil)
	return err
}

// pump forwards updates for one stream until the channel ends. Every update
// on the channel belongs to the stream, whatever server id it carries.
func (t *StreamTransport) pump(id api.StreamID, bidi api.BidiStream) {
	for {
		envelope := &polymorphic.Envelope{}
		if err := bidi.Decode(envelope); err != nil {
			t.closed(id, bidi, err)
			return
		}

		update, ok := envelope.Content.(*api.StreamUpdate)
		if !ok {
			t.logger.Warn("transport: ignoring unexpected message",
				slog.String("stream_id", id.String()),
				slog.String("type", fmt.Sprintf("%T", envelope.Content)))
			continue
		}
		t.dispatch(id, update.Result)
	}
}

// closed reports why a channel ended. Stopped streams end quietly; a lost
// connection fails every stream once; anything else fails just this one.
func (t *StreamTransport) closed(id api.StreamID, bidi api.BidiStream, err error) {
	t.mu.Lock()
	_, active := t.channels[id]
	delete(t.channels, id)
	t.mu.Unlock()
	if !active {
		return
	}
	bidi.Close(nil)

	if errors.Is(err, ErrConnectionClosed) {
		t.fail(err)
		return
	}
	if errors.Is(err, bidi.EndOfStreamError()) {
		err = errors.New("stream ended by server")
	}
	t.dispatch(id, api.ErrorResult(&api.RemoteError{
		Name:    stream.TransportErrorName,
		Message: err.Error(),
	}))
}

func (t *StreamTransport) fail(err error) {
	t.mu.Lock()
	if t.failure == err {
		t.mu.Unlock()
		return
	}
	t.failure = err
	d := t.dispatcher
	t.mu.Unlock()

	if d != nil {
		d.Fail(err)
	}
}

func (t *StreamTransport) dispatch(id api.StreamID, result *api.Result) {
	t.mu.Lock()
	d := t.dispatcher
	t.mu.Unlock()
	if d != nil {
		d.Dispatch(id, result)
	}
}
