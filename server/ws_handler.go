package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	errs "github.com/kindredhq/kindred/errors"
	"github.com/kindredhq/kindred/server/response"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin enforcement is handled by the CORS layer in front.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RealtimeHandler attaches a client to the push hub. The client manages its
// own topic subscriptions over the socket.
func (s *Server) RealtimeHandler(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		response.JSON(c, "", http.StatusBadRequest, nil, errs.New("websocket upgrade failed", http.StatusBadRequest))
		return
	}
	defer conn.Close()

	s.Hub.HandleConn(conn)
}
