package callstream

import (
	"context"
	"io"

	"github.com/fgrzl/callstream/pkg/api"
	"github.com/fgrzl/callstream/pkg/stream"
	"github.com/fgrzl/callstream/pkg/transport/wskit"
	"github.com/fgrzl/enumerators"
)

type Call = api.Call
type Key = api.Key
type Result = api.Result
type RemoteError = api.RemoteError
type Handle = stream.Handle
type CallbackID = stream.CallbackID

var (
	ErrStreamRemoved = stream.ErrStreamRemoved
	ErrRemoteFailure = stream.ErrRemoteFailure
	ErrClosed        = stream.ErrClosed
)

type Client interface {

	// Subscribe to the live result of a call. Equal calls share one remote
	// stream; every returned handle must be removed when no longer needed.
	AddStream(ctx context.Context, call *Call) (*Handle, error)

	// Keys of the streams currently held by this client.
	Streams() enumerators.Enumerator[Key]

	// Remove every stream and drop the connection.
	Close()
}

// NewClient creates a client that streams over provider.
func NewClient(provider api.BidiStreamProvider, opts ...stream.Option) Client {
	transport := wskit.NewStreamTransport(provider, nil)
	return &streamClient{
		provider: provider,
		registry: stream.NewRegistry(transport, opts...),
	}
}

type streamClient struct {
	provider api.BidiStreamProvider
	registry *stream.Registry
}

func (c *streamClient) AddStream(ctx context.Context, call *Call) (*Handle, error) {
	return c.registry.Subscribe(ctx, call)
}

func (c *streamClient) Streams() enumerators.Enumerator[Key] {
	return c.registry.Active()
}

func (c *streamClient) Close() {
	c.registry.Close()
	if closer, ok := c.provider.(io.Closer); ok {
		_ = closer.Close()
	}
}
