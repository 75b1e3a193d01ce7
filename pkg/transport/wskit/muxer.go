package wskit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fgrzl/callstream/pkg/api"
	"github.com/fgrzl/callstream/pkg/node"
	"github.com/google/uuid"
	"golang.org/x/net/websocket"
)

// MuxerMsg represents a framed message sent over the multiplexed WebSocket.
// Each message is scoped to a specific logical channel by ChannelID.
type MuxerMsg struct {
	ChannelID uuid.UUID `json:"channel_id"`
	Payload   []byte    `json:"payload"`
}

// WebSocketMuxer multiplexes multiple logical bidirectional streams over a single WebSocket connection.
// Each logical stream is identified by a ChannelID.
type WebSocketMuxer struct {
	Context    context.Context
	name       string
	conn       *websocket.Conn
	channels   map[uuid.UUID]*MuxerBidiStream
	channelsMu sync.RWMutex
	writeMu    sync.Mutex
	done       chan struct{}
	node       node.Node
}

// NewClientWebSocketMuxer will spawn a read loop as a go routine and returns the *WebSocketMuxer
func NewClientWebSocketMuxer(ctx context.Context, conn *websocket.Conn) *WebSocketMuxer {
	m := newWebSocketMuxer(ctx, "client", conn, nil)
	go m.readLoop()
	return m
}

// NewServerWebSocketMuxer will start a blocking read loop to keep the websocket connection open
func NewServerWebSocketMuxer(ctx context.Context, node node.Node, conn *websocket.Conn) {
	m := newWebSocketMuxer(ctx, "server", conn, node)
	m.readLoop()
}

func newWebSocketMuxer(ctx context.Context, name string, conn *websocket.Conn, node node.Node) *WebSocketMuxer {
	return &WebSocketMuxer{
		Context:  ctx,
		name:     name,
		conn:     conn,
		node:     node,
		channels: make(map[uuid.UUID]*MuxerBidiStream),
		done:     make(chan struct{}),
	}
}

// Serve blocks until the WebSocket connection is closed or an error occurs.
func (m *WebSocketMuxer) Serve() {
	<-m.done
}

// Done is closed once the read loop has exited.
func (m *WebSocketMuxer) Done() <-chan struct{} {
	return m.done
}

// Register creates and tracks a new stream for the given ChannelID.
// If a stream with this ID already exists, it is overwritten.
func (m *WebSocketMuxer) Register(channelID uuid.UUID) api.BidiStream {
	return m.register(channelID)
}

// Close drops the connection. Every open stream fails with ErrConnectionClosed.
func (m *WebSocketMuxer) Close() error {
	return m.conn.Close()
}

// internal registration logic (safe for reuse)
func (m *WebSocketMuxer) register(channelID uuid.UUID) *MuxerBidiStream {
	sendFn := func(payload []byte) error {
		m.writeMu.Lock()
		defer m.writeMu.Unlock()
		return websocket.JSON.Send(m.conn, &MuxerMsg{
			ChannelID: channelID,
			Payload:   payload,
		})
	}

	cleanup := func() {
		m.channelsMu.Lock()
		defer m.channelsMu.Unlock()
		delete(m.channels, channelID)
		slog.Debug("muxer: stream unregistered",
			slog.String("muxer", m.name),
			slog.String("channel_id", channelID.String()))
	}

	bidi := NewMuxerBidiStream(sendFn, cleanup)

	m.channelsMu.Lock()
	m.channels[channelID] = bidi
	m.channelsMu.Unlock()

	slog.Debug("muxer: stream registered",
		slog.String("muxer", m.name),
		slog.String("channel_id", channelID.String()))
	return bidi
}

// readLoop continuously receives messages from the WebSocket and routes them
// to the appropriate stream. On the server, unknown channels are new calls
// and are handed to the node.
func (m *WebSocketMuxer) readLoop() {
	defer close(m.done)

	for {
		var msg MuxerMsg
		if err := websocket.JSON.Receive(m.conn, &msg); err != nil {
			slog.Debug("muxer: websocket receive ended",
				slog.String("muxer", m.name),
				slog.String("error", err.Error()))
			m.closeAll(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
			return
		}

		m.channelsMu.RLock()
		bidi, exists := m.channels[msg.ChannelID]
		m.channelsMu.RUnlock()

		ctx := node.WithChannelID(m.Context, msg.ChannelID)

		if !exists {
			if m.node == nil {
				// client channels are registered before the first send, so
				// this is a frame for a stream that was already closed
				slog.DebugContext(ctx, "muxer: dropped message for unknown stream",
					slog.String("channel_id", msg.ChannelID.String()))
				continue
			}
			bidi = m.register(msg.ChannelID)

			go m.node.Handle(ctx, bidi)
		}

		select {
		case bidi.recv <- msg.Payload:
			slog.DebugContext(ctx, "muxer: sent message", slog.String("channel_id", msg.ChannelID.String()))
		case <-bidi.closed:
			slog.DebugContext(ctx, "muxer: dropped message for closed stream", slog.String("channel_id", msg.ChannelID.String()))
		}
	}
}

func (m *WebSocketMuxer) closeAll(err error) {
	m.channelsMu.RLock()
	streams := make([]*MuxerBidiStream, 0, len(m.channels))
	for _, bidi := range m.channels {
		streams = append(streams, bidi)
	}
	m.channelsMu.RUnlock()

	for _, bidi := range streams {
		bidi.terminate(err)
	}
}
