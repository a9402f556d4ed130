package agent

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
)

func (a *Agent) router(ctx context.Context) http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.GET("/status", a.status)
	router.GET("/session", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		a.sessionWS(ctx, w, r)
	})
	return router
}

func (a *Agent) writeJSON(w http.ResponseWriter, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		a.log.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func (a *Agent) heartbeat(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	a.writeJSON(w, struct{ Time string }{Time: time.Now().UTC().Format(time.RFC3339)})
}

func (a *Agent) status(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	a.writeJSON(w, a.Status())
}

// sessionWS runs a session over a binary WebSocket stream.
func (a *Agent) sessionWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if a.busy() {
		http.Error(w, ErrSessionActive.Error(), http.StatusConflict)
		return
	}
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		a.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	a.log.Debugw("accepted WebSocket conn", "RemoteAddr", r.RemoteAddr)

	conn := &wsStream{
		ReadWriteCloser: websocket.NetConn(ctx, wsConn, websocket.MessageBinary),
		remote:          wsAddr(r.RemoteAddr),
	}
	if err := a.serve(ctx, conn); err != nil {
		a.log.Debugw("WebSocket session ended with error", "RemoteAddr", r.RemoteAddr, "Error", err)
	}
}

// wsStream exposes a WebSocket as a plain stream.
// It hides SetReadDeadline because an expired deadline closes the WebSocket instead of returning a timeout.
type wsStream struct {
	io.ReadWriteCloser
	remote net.Addr
}

func (s *wsStream) RemoteAddr() net.Addr { return s.remote }

type wsAddr string

func (a wsAddr) Network() string { return "websocket" }
func (a wsAddr) String() string  { return string(a) }
