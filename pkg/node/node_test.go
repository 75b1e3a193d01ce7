package node_test

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fgrzl/callstream/pkg/api"
	"github.com/fgrzl/callstream/pkg/node"
	"github.com/fgrzl/callstream/pkg/storage"
	"github.com/fgrzl/callstream/pkg/storage/pebble"
	"github.com/fgrzl/callstream/pkg/transport/wskit"
	"github.com/fgrzl/json/polymorphic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInterval = 5 * time.Millisecond

// pipe returns two connected streams; what one encodes the other decodes.
func pipe() (*wskit.MuxerBidiStream, *wskit.MuxerBidiStream) {
	var a, b *wskit.MuxerBidiStream
	send := func(to **wskit.MuxerBidiStream) func([]byte) error {
		return func(payload []byte) error {
			select {
			case (*to).RecvChan() <- payload:
				return nil
			case <-time.After(time.Second):
				return errors.New("pipe: receiver stalled")
			}
		}
	}
	a = wskit.NewMuxerBidiStream(send(&b), nil)
	b = wskit.NewMuxerBidiStream(send(&a), nil)
	return a, b
}

func newTestStore(t *testing.T) storage.Store {
	store, err := pebble.NewPebbleStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func testServices() node.Option {
	var counter atomic.Int64
	return node.WithService(func(storage.Store) node.Service {
		return node.NewProcedureService("TestService", map[string]node.Procedure{
			"Int32ToString": func(_ context.Context, args []json.RawMessage) (any, error) {
				x, err := node.DecodeArgument[int32](args, 0)
				if err != nil {
					return nil, err
				}
				return strconv.Itoa(int(x)), nil
			},
			"Counter": func(context.Context, []json.RawMessage) (any, error) {
				return counter.Add(1), nil
			},
			"ThrowCustomException": func(context.Context, []json.RawMessage) (any, error) {
				return nil, &api.RemoteError{Name: "CustomException", Message: "A custom exception"}
			},
			"ThrowPlainError": func(context.Context, []json.RawMessage) (any, error) {
				return nil, errors.New("plain")
			},
			"Panic": func(context.Context, []json.RawMessage) (any, error) {
				panic("boom")
			},
		})
	})
}

func startStream(t *testing.T, n node.Node, ctx context.Context, call *api.Call) (*wskit.MuxerBidiStream, *api.StreamStarted) {
	t.Helper()
	client, server := pipe()
	go n.Handle(ctx, server)

	require.NoError(t, client.Encode(&api.StartStream{Call: call}))
	envelope := &polymorphic.Envelope{}
	require.NoError(t, client.Decode(envelope))
	started, ok := envelope.Content.(*api.StreamStarted)
	require.True(t, ok, "unexpected reply %T", envelope.Content)
	return client, started
}

func TestNode(t *testing.T) {
	t.Run("should reply with the first result and a fresh id", func(t *testing.T) {
		// Arrange
		n := node.NewNode(newTestStore(t), testServices(), node.WithTickInterval(testInterval))
		defer n.Close()
		call, _ := api.NewProcedureCall("TestService", "ThrowCustomException")

		// Act
		_, first := startStream(t, n, t.Context(), call)
		_, second := startStream(t, n, t.Context(), call)

		// Assert
		assert.NotEqual(t, first.StreamID, second.StreamID)
		require.True(t, first.Result.Failed())
		assert.Equal(t, "TestService", first.Result.Error.Service)
		assert.Equal(t, "CustomException", first.Result.Error.Name)
		assert.NotZero(t, first.Result.Timestamp)
	})

	t.Run("should push updates when the result changes", func(t *testing.T) {
		// Arrange
		n := node.NewNode(newTestStore(t), testServices(), node.WithTickInterval(testInterval))
		defer n.Close()
		call, _ := api.NewProcedureCall("TestService", "Counter")

		// Act
		client, started := startStream(t, n, t.Context(), call)
		var values []int64
		for range 3 {
			envelope := &polymorphic.Envelope{}
			require.NoError(t, client.Decode(envelope))
			update, ok := envelope.Content.(*api.StreamUpdate)
			require.True(t, ok)
			assert.Equal(t, started.StreamID, update.StreamID)
			var v int64
			require.NoError(t, json.Unmarshal(update.Result.Value, &v))
			values = append(values, v)
		}

		// Assert
		assert.Less(t, values[0], values[1])
		assert.Less(t, values[1], values[2])
	})

	t.Run("should end the stream on stop", func(t *testing.T) {
		// Arrange
		n := node.NewNode(newTestStore(t), testServices(), node.WithTickInterval(time.Hour))
		defer n.Close()
		call, _ := api.NewProcedureCall("TestService", "Counter")
		client, started := startStream(t, n, t.Context(), call)

		// Act
		require.NoError(t, client.Encode(&api.StopStream{StreamID: started.StreamID}))
		err := client.Decode(&polymorphic.Envelope{})

		// Assert
		assert.ErrorIs(t, err, client.EndOfStreamError())
	})

	t.Run("should wrap plain errors and panics as remote errors", func(t *testing.T) {
		// Arrange
		n := node.NewNode(newTestStore(t), testServices(), node.WithTickInterval(time.Hour))
		defer n.Close()
		plain, _ := api.NewProcedureCall("TestService", "ThrowPlainError")
		panics, _ := api.NewProcedureCall("TestService", "Panic")

		// Act
		_, a := startStream(t, n, t.Context(), plain)
		_, b := startStream(t, n, t.Context(), panics)

		// Assert
		require.True(t, a.Result.Failed())
		assert.Equal(t, "plain", a.Result.Error.Message)
		require.True(t, b.Result.Failed())
		assert.Equal(t, "InternalError", b.Result.Error.Name)
	})

	t.Run("should report unknown services and procedures", func(t *testing.T) {
		// Arrange
		n := node.NewNode(newTestStore(t), testServices(), node.WithTickInterval(time.Hour))
		defer n.Close()
		service, _ := api.NewProcedureCall("Missing", "Anything")
		procedure, _ := api.NewProcedureCall("TestService", "Missing")

		// Act
		_, a := startStream(t, n, t.Context(), service)
		_, b := startStream(t, n, t.Context(), procedure)

		// Assert
		assert.Equal(t, "ServiceNotFound", a.Result.Error.Name)
		assert.Equal(t, "ProcedureNotFound", b.Result.Error.Name)
	})

	t.Run("should serve properties from the store", func(t *testing.T) {
		// Arrange
		n := node.NewNode(newTestStore(t),
			testServices(),
			node.WithService(node.PropertyServiceFactory("TestService")),
			node.WithTickInterval(testInterval))
		defer n.Close()
		getter := api.NewPropertyGetter("TestService", "StringProperty")
		setter, _ := api.NewPropertySetter("TestService", "StringProperty", "foo")

		// Act
		client, started := startStream(t, n, t.Context(), getter)
		_, set := startStream(t, n, t.Context(), setter)
		envelope := &polymorphic.Envelope{}
		require.NoError(t, client.Decode(envelope))

		// Assert
		assert.JSONEq(t, `null`, string(started.Result.Value))
		assert.False(t, set.Result.Failed())
		update, ok := envelope.Content.(*api.StreamUpdate)
		require.True(t, ok)
		assert.JSONEq(t, `"foo"`, string(update.Result.Value))
	})

	t.Run("should list written properties", func(t *testing.T) {
		// Arrange
		n := node.NewNode(newTestStore(t),
			testServices(),
			node.WithService(node.PropertyServiceFactory("TestService")),
			node.WithTickInterval(testInterval))
		defer n.Close()
		list, err := api.NewProcedureCall("TestService", node.ListProperties)
		require.NoError(t, err)
		setter, _ := api.NewPropertySetter("TestService", "StringProperty", "foo")

		// Act
		client, started := startStream(t, n, t.Context(), list)
		_, _ = startStream(t, n, t.Context(), setter)
		envelope := &polymorphic.Envelope{}
		require.NoError(t, client.Decode(envelope))

		// Assert
		assert.JSONEq(t, `[]`, string(started.Result.Value))
		update, ok := envelope.Content.(*api.StreamUpdate)
		require.True(t, ok)
		assert.JSONEq(t, `["StringProperty"]`, string(update.Result.Value))
	})

	t.Run("should refuse services the connection may not access", func(t *testing.T) {
		// Arrange
		n := node.NewNode(newTestStore(t), testServices())
		defer n.Close()
		ctx := node.WithAuthorizer(t.Context(), denyAll{})
		client, server := pipe()
		go n.Handle(ctx, server)
		call, _ := api.NewProcedureCall("TestService", "Counter")

		// Act
		require.NoError(t, client.Encode(&api.StartStream{Call: call}))
		err := client.Decode(&polymorphic.Envelope{})

		// Assert
		assert.ErrorContains(t, err, "forbidden")
	})
}

type denyAll struct{}

func (denyAll) CanAccessService(string) bool { return false }

func TestNodeManager(t *testing.T) {
	t.Run("should reuse the node of a tenant", func(t *testing.T) {
		// Arrange
		factory, err := pebble.NewStoreFactory(&pebble.PebbleStoreOptions{Path: t.TempDir()})
		require.NoError(t, err)
		manager := node.NewNodeManager(factory)
		defer manager.Close()

		// Act
		a, err := manager.GetOrCreate(t.Context(), "tenant-a")
		require.NoError(t, err)
		again, err := manager.GetOrCreate(t.Context(), "tenant-a")
		require.NoError(t, err)
		b, err := manager.GetOrCreate(t.Context(), "tenant-b")
		require.NoError(t, err)

		// Assert
		assert.Same(t, a, again)
		assert.NotSame(t, a, b)
	})
}
