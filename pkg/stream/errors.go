package stream

import (
	"errors"

	"github.com/fgrzl/callstream/pkg/api"
)

var (
	// ErrStreamRemoved is returned by reads and waits on a stream that has been removed.
	ErrStreamRemoved = errors.New("stream removed")
	// ErrRemoteFailure matches the *api.RemoteError returned when the remote call failed.
	ErrRemoteFailure = api.ErrRemoteFailure
	// ErrClosed is returned when subscribing on a closed registry.
	ErrClosed = errors.New("stream registry closed")
)

// TransportErrorName is the RemoteError name used when the transport fails
// underneath active streams.
const TransportErrorName = "TransportError"

func transportFailure(err error) *api.RemoteError {
	return &api.RemoteError{Name: TransportErrorName, Message: err.Error()}
}
