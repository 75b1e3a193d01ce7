package stream

import (
	"context"

	"github.com/fgrzl/callstream/pkg/api"
)

// Transport starts and stops remote streams. Updates for started streams are
// pushed into the Dispatcher given to Attach.
type Transport interface {
	// Attach is called once by NewRegistry before any other method.
	Attach(d Dispatcher)

	// StartStream asks the server to stream the result of call. The first
	// result is either returned here or delivered through the Dispatcher;
	// a nil result means the latter.
	StartStream(ctx context.Context, call *api.Call) (api.StreamID, *api.Result, error)

	// StopStream is best-effort. Updates that arrive afterwards are dropped.
	StopStream(ctx context.Context, id api.StreamID) error
}

// Dispatcher receives inbound updates from a Transport. Updates for one id
// must be delivered in order; updates for distinct ids may interleave.
type Dispatcher interface {
	Dispatch(id api.StreamID, result *api.Result)

	// Fail reports a transport level failure to every active stream.
	Fail(err error)
}
