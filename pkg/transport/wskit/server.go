package wskit

import (
	"context"

	"github.com/fgrzl/callstream/pkg/node"
	"github.com/fgrzl/mux"
	"golang.org/x/net/websocket"
)

// ConfigureWebSocketServer mounts the streaming endpoint at path. Each
// connection is served by the node of the caller's tenant.
func ConfigureWebSocketServer(router *mux.Router, path string, manager node.NodeManager) {
	server := &webSocketServer{
		manager: manager,
	}
	router.GET(path, server.connect)
}

type webSocketServer struct {
	manager node.NodeManager
}

func (s *webSocketServer) connect(c *mux.RouteContext) {
	tenantID, ok := c.User.Claims()["tenant_id"]
	if !ok {
		c.Forbidden("missing tenant")
		return
	}

	session, err := NewServerMuxerSession(c.User)
	if err != nil {
		c.Forbidden(err.Error())
		return
	}

	n, err := s.manager.GetOrCreate(c, tenantID.Value())
	if err != nil {
		c.ServerError("Could not connect", err.Error())
		return
	}

	handler := &webSocketHandler{
		ctx:  node.WithAuthorizer(c, session),
		node: n,
	}

	websocket.Handler(handler.handle).ServeHTTP(c.Response, c.Request)
}

type webSocketHandler struct {
	ctx  context.Context
	node node.Node
}

func (h *webSocketHandler) handle(conn *websocket.Conn) {
	NewServerWebSocketMuxer(h.ctx, h.node, conn)
}
