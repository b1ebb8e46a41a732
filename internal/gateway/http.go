package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TokenHeader carries the device token when it is not in the query string.
const TokenHeader = "X-Device-Token"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Devices are native clients, not browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades GET /ws requests and serves the connection until it
// closes. The token is read from the "token" query parameter or the
// X-Device-Token header.
func (g *Gateway) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			token = c.GetHeader(TokenHeader)
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			g.log.Warn("upgrade failed", zap.Error(err))
			return
		}
		g.Serve(c.Request.Context(), token, c.ClientIP(), conn)
	}
}
