package callstream_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/fgrzl/callstream"
	"github.com/fgrzl/callstream/pkg/api"
	"github.com/fgrzl/callstream/pkg/node"
	"github.com/fgrzl/callstream/pkg/storage"
	"github.com/fgrzl/callstream/pkg/storage/pebble"
	"github.com/fgrzl/callstream/pkg/stream"
	"github.com/fgrzl/callstream/pkg/transport/wskit"
	"github.com/fgrzl/callstream/pkg/web"
	"github.com/fgrzl/claims"
	"github.com/fgrzl/claims/jwtkit"
	"github.com/fgrzl/mux"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const (
	testService  = "TestService"
	testClass    = "TestClass"
	tickInterval = 10 * time.Millisecond
)

var secret = []byte("top-secret")

func newTestClient(t *testing.T, opts ...stream.Option) callstream.Client {
	return newScopedTestClient(t, wskit.ScopeAllServices, opts...)
}

func newScopedTestClient(t *testing.T, scope string, opts ...stream.Option) callstream.Client {
	server := newTestServer(t)
	client := callstream.NewClient(server.provider(t, uuid.NewString(), scope), opts...)
	t.Cleanup(client.Close)
	return client
}

// testServer is a node manager behind the web router on an httptest server.
type testServer struct {
	addr string
}

func newTestServer(t *testing.T) *testServer {
	validator := &jwtkit.HMAC256Validator{
		Secret: secret,
	}

	factory, err := pebble.NewStoreFactory(&pebble.PebbleStoreOptions{Path: t.TempDir()})
	require.NoError(t, err)

	nodeManager := node.NewNodeManager(factory,
		node.WithService(newTestService),
		node.WithService(node.PropertyServiceFactory(testService)),
		node.WithTickInterval(tickInterval))

	router := web.NewRouter(nodeManager, &mux.AuthenticationOptions{
		Validate: validator.Validate,
	})

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Close()
		nodeManager.Close()
	})

	resp, err := server.Client().Get(server.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	return &testServer{addr: "ws://" + u.Host + web.StreamPath}
}

// provider dials the server as tenantID with the given scope.
func (s *testServer) provider(t *testing.T, tenantID, scope string) *wskit.WebSocketBidiStreamProvider {
	signer := jwtkit.HMAC256Signer{
		Secret: secret,
	}
	ttl := time.Minute
	tester := claims.NewClaimsList("tenant_id", tenantID).Add("scopes", scope)
	token, err := signer.CreateToken(claims.NewPrincipalFromList(tester, &ttl), ttl)
	require.NoError(t, err)
	return wskit.NewBidiStreamProvider(s.addr, token)
}

// newTestService serves the counters, conversions and failures the stream
// tests exercise. State lives per node so tests do not leak into each other.
func newTestService(storage.Store) node.Service {
	var mu sync.Mutex
	counters := make(map[string]int)
	objects := make(map[string]uint64)
	names := make(map[uint64]string)
	intProperties := make(map[uint64]int)
	customLater := 0

	object := func(args []json.RawMessage) (string, error) {
		id, err := node.DecodeArgument[uint64](args, 0)
		if err != nil {
			return "", err
		}
		mu.Lock()
		defer mu.Unlock()
		name, ok := names[id]
		if !ok {
			return "", &api.RemoteError{Name: "ArgumentException", Message: "no such object"}
		}
		return name, nil
	}

	return node.NewProcedureService(testService, map[string]node.Procedure{
		"Int32ToString": func(_ context.Context, args []json.RawMessage) (any, error) {
			x, err := node.DecodeArgument[int32](args, 0)
			if err != nil {
				return nil, err
			}
			return strconv.Itoa(int(x)), nil
		},
		"FloatToString": func(_ context.Context, args []json.RawMessage) (any, error) {
			x, err := node.DecodeArgument[float32](args, 0)
			if err != nil {
				return nil, err
			}
			return strconv.FormatFloat(float64(x), 'f', -1, 32), nil
		},
		"Counter": func(_ context.Context, args []json.RawMessage) (any, error) {
			id, err := node.DecodeArgument[string](args, 0)
			if err != nil {
				return nil, err
			}
			mu.Lock()
			defer mu.Unlock()
			counters[id]++
			return counters[id], nil
		},
		"BlockingProcedure": func(_ context.Context, args []json.RawMessage) (any, error) {
			n, err := node.DecodeArgument[int](args, 0)
			if err != nil {
				return nil, err
			}
			sum, err := node.DecodeArgument[int](args, 1)
			if err != nil {
				return nil, err
			}
			for i := 1; i <= n; i++ {
				sum += i
			}
			return sum, nil
		},
		"ThrowCustomException": func(context.Context, []json.RawMessage) (any, error) {
			return nil, &api.RemoteError{Name: "CustomException", Message: "A custom exception"}
		},
		"ThrowCustomExceptionLater": func(context.Context, []json.RawMessage) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			customLater++
			if customLater > 2 {
				return nil, &api.RemoteError{Name: "CustomException", Message: "A custom exception"}
			}
			return 0, nil
		},
		"CreateTestObject": func(_ context.Context, args []json.RawMessage) (any, error) {
			name, err := node.DecodeArgument[string](args, 0)
			if err != nil {
				return nil, err
			}
			mu.Lock()
			defer mu.Unlock()
			id, ok := objects[name]
			if !ok {
				id = uint64(len(objects) + 1)
				objects[name] = id
				names[id] = name
			}
			return id, nil
		},
		testClass + "_FloatToString": func(_ context.Context, args []json.RawMessage) (any, error) {
			name, err := object(args)
			if err != nil {
				return nil, err
			}
			x, err := node.DecodeArgument[float32](args, 1)
			if err != nil {
				return nil, err
			}
			return name + strconv.FormatFloat(float64(x), 'f', -1, 32), nil
		},
		testClass + "_get_IntProperty": func(_ context.Context, args []json.RawMessage) (any, error) {
			id, err := node.DecodeArgument[uint64](args, 0)
			if err != nil {
				return nil, err
			}
			mu.Lock()
			defer mu.Unlock()
			return intProperties[id], nil
		},
		testClass + "_set_IntProperty": func(_ context.Context, args []json.RawMessage) (any, error) {
			id, err := node.DecodeArgument[uint64](args, 0)
			if err != nil {
				return nil, err
			}
			v, err := node.DecodeArgument[int](args, 1)
			if err != nil {
				return nil, err
			}
			mu.Lock()
			defer mu.Unlock()
			intProperties[id] = v
			return nil, nil
		},
		testClass + "_static_StaticMethod": func(_ context.Context, args []json.RawMessage) (any, error) {
			a, err := node.DecodeArgument[string](args, 0)
			if err != nil {
				return nil, err
			}
			b, err := node.DecodeArgument[string](args, 1)
			if err != nil {
				return nil, err
			}
			return "jeb" + a + b, nil
		},
	})
}

func procedure(t *testing.T, name string, args ...any) *api.Call {
	t.Helper()
	call, err := api.NewProcedureCall(testService, name, args...)
	require.NoError(t, err)
	return call
}

// invoke runs a call for its side effect by streaming it once.
func invoke[T any](t *testing.T, client callstream.Client, call *api.Call) T {
	t.Helper()
	s, err := callstream.AddStream[T](t.Context(), client, call)
	require.NoError(t, err)
	defer s.Remove()
	v, err := s.Get()
	require.NoError(t, err)
	return v
}
