package transport

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a *websocket.Conn to Conn, preserving message boundaries
// instead of imposing newline framing (ws:/wss: listeners, §6 EXPANSION).
type wsConn struct {
	c    *websocket.Conn
	user string
}

func newWSConn(c *websocket.Conn, user string) Conn {
	c.SetReadLimit(1 << 20)
	return &wsConn{c: c, user: user}
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.c.ReadMessage()
	return data, err
}

func (w *wsConn) WriteMessage(data []byte) error {
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error         { return w.c.Close() }
func (w *wsConn) UserIdentity() string { return w.user }
func (w *wsConn) RemoteAddr() string   { return w.c.RemoteAddr().String() }

// WSListener serves ws:/wss: connections over an http.Server, handing each
// upgraded socket to the accept callback. Mirrors the teacher's
// DialIgnoringPongs test helper on the server side of the same library.
type WSListener struct {
	upgrader websocket.Upgrader
	accept   func(Conn)
}

// NewWSListener builds a websocket listener that invokes accept for every
// successfully upgraded connection.
func NewWSListener(accept func(Conn)) *WSListener {
	return &WSListener{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		accept: accept,
	}
}

func (l *WSListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	user := identityForHTTP(r)
	l.accept(newWSConn(conn, user))
}

func identityForHTTP(r *http.Request) string {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return subjectKeyID(r.TLS.PeerCertificates[0])
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// ServeWS builds an HTTP server for addr that serves handler; it neither
// binds nor starts the server, which the caller does with ListenAndServe
// and stops with Close.
func ServeWS(addr string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}
