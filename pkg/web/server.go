package web

import (
	"github.com/fgrzl/callstream/pkg/node"
	"github.com/fgrzl/callstream/pkg/transport/wskit"
	"github.com/fgrzl/mux"
)

// StreamPath is where clients open their websocket.
const StreamPath = "/callstream"

// NewRouter builds an authenticated router with /healthz and the stream
// endpoint served by manager.
func NewRouter(manager node.NodeManager, authentication *mux.AuthenticationOptions) *mux.Router {
	router := mux.NewRouter(nil)

	router.UseAuthentication(authentication)

	router.UseAuthorization(&mux.AuthorizationOptions{})

	router.Healthz().AllowAnonymous()

	wskit.ConfigureWebSocketServer(router, StreamPath, manager)
	return router
}
