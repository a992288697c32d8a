package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// wsTransport sends each event as one JSON text frame. Done closes when the
// read loop sees the peer go away.
type wsTransport struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn, done: make(chan struct{})}
}

func (t *wsTransport) Write(msg []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, msg)
}

func (t *wsTransport) Close() error {
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}

func (t *wsTransport) Done() <-chan struct{} { return t.done }

func (t *wsTransport) peerGone() {
	t.once.Do(func() { close(t.done) })
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.orch.Registry().Get(id); !ok {
		writeNotFound(w)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "session_id", id, "error", err)
		return
	}

	s.logger.Debug("ws observer connected", "session_id", id, "remote", r.RemoteAddr)
	t := newWSTransport(conn)
	b := s.orch.Broadcaster()
	c := b.AddClient(id, t)

	go func() {
		defer func() {
			t.peerGone()
			b.RemoveClient(id, c)
			s.logger.Debug("ws observer disconnected", "session_id", id, "remote", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
