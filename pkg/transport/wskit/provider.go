package wskit

import (
	"context"
	"net/http"
	"sync"

	"github.com/fgrzl/callstream/pkg/api"
	"github.com/google/uuid"
	"golang.org/x/net/websocket"
)

// WebSocketBidiStreamProvider manages a per-tenant WebSocket connection and muxer.
type WebSocketBidiStreamProvider struct {
	addr   string
	origin string
	token  string

	mu    sync.Mutex
	muxer *WebSocketMuxer
}

// NewBidiStreamProvider creates a provider that uses a dedicated WebSocket connection per tenant.
func NewBidiStreamProvider(addr, token string) *WebSocketBidiStreamProvider {
	return &WebSocketBidiStreamProvider{
		addr:   addr,
		origin: "http://localhost",
		token:  token,
	}
}

// CallStream opens a muxed stream over the WebSocket for a single logical interaction.
func (p *WebSocketBidiStreamProvider) CallStream(ctx context.Context, msg api.Routeable) (api.BidiStream, error) {
	muxer, err := p.getOrCreateMuxer(ctx)
	if err != nil {
		return nil, err
	}

	stream := muxer.Register(uuid.New())

	if err := stream.Encode(msg); err != nil {
		stream.Close(err)
		return nil, err
	}

	return stream, nil
}

// Close drops the current connection, if any.
func (p *WebSocketBidiStreamProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.muxer == nil {
		return nil
	}
	err := p.muxer.Close()
	p.muxer = nil
	return err
}

// getOrCreateMuxer dials and initializes the WebSocket muxer if needed. A
// muxer whose connection has dropped is replaced.
func (p *WebSocketBidiStreamProvider) getOrCreateMuxer(ctx context.Context) (*WebSocketMuxer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.muxer != nil {
		select {
		case <-p.muxer.Done():
		default:
			return p.muxer, nil
		}
	}

	conn, err := p.dial()
	if err != nil {
		return nil, err
	}

	muxer := NewClientWebSocketMuxer(context.WithoutCancel(ctx), conn)
	p.muxer = muxer
	return muxer, nil
}

// dial establishes the raw WebSocket connection with token-based auth.
func (p *WebSocketBidiStreamProvider) dial() (*websocket.Conn, error) {
	cfg, err := websocket.NewConfig(p.addr, p.origin)
	if err != nil {
		return nil, err
	}

	cfg.Header = http.Header{}
	cfg.Header.Set("Authorization", "Bearer "+p.token)

	return websocket.DialConfig(cfg)
}
