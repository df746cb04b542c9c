package server

import (
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"arena/internal/engine"
	"arena/internal/live"
)

const (
	liveWriteTimeout = 10 * time.Second
	liveReadLimit    = 4096
)

// wsConn adapts a websocket to live.Conn. The hub writes from a single
// goroutine per session.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) WriteMessage(m live.ServerMessage) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(liveWriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(m)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// registerLive serves the synchronization channel. Clients send REGISTER,
// UNREGISTER and ACK messages and receive run notifications.
func registerLive(r chi.Router, basePath string, e *engine.Engine) {
	r.Get(path.Join(basePath, "live"), func(w http.ResponseWriter, req *http.Request) {
		principal, authErr := principalFromRequest(req.Context())
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			e.Log.Warn("websocket upgrade failed", "actor", principal.ActorID, "err", err)
			return
		}
		ws.SetReadLimit(liveReadLimit)
		session := e.Hub.Attach(&wsConn{ws: ws})
		defer session.Close()
		e.Log.Debug("live session opened", "actor", principal.ActorID)
		for {
			var msg live.ClientMessage
			if err := ws.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					e.Log.Debug("live session read failed", "actor", principal.ActorID, "err", err)
				}
				return
			}
			if err := session.Handle(msg); err != nil {
				e.Log.Debug("live message ignored", "actor", principal.ActorID, "type", msg.Type, "err", err)
			}
		}
	})
}
