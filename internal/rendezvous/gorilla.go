package rendezvous

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// GorillaUpgrader adapts websocket.Upgrader to our Upgrader interface.
type GorillaUpgrader struct {
	*websocket.Upgrader
}

// NewGorillaUpgrader creates a new GorillaUpgrader. Relay frames are up to
// 64 KiB, so the buffers are sized for them.
func NewGorillaUpgrader() *GorillaUpgrader {
	return &GorillaUpgrader{
		Upgrader: &websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				// CLI clients send no Origin
				return true
			},
		},
	}
}

// Upgrade implements the Upgrader interface.
func (g *GorillaUpgrader) Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (Conn, error) {
	conn, err := g.Upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
