package broker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSListener accepts broker clients over WebSocket. Each upgraded
// connection is served by the same protocol handler as a TCP client.
type WSListener struct {
	srv      *Server
	path     string
	upgrader websocket.Upgrader
	httpSrv  *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewWSListener creates a listener serving upgrades on path.
func NewWSListener(srv *Server, path string) *WSListener {
	w := &WSListener{
		srv:  srv,
		path: path,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.Handle(path, w)
	w.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return w
}

// Start listens on addr and serves HTTP in the background.
func (w *WSListener) Start(addr string) error {
	ln, err := listenTCP(addr)
	if err != nil {
		return err
	}
	w.listener = ln
	go func() {
		defer close(w.done)
		if err := w.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("websocket listener stopped", "error", err)
		}
	}()
	slog.Info("websocket listener started", "addr", ln.Addr().String(), "path", w.path)
	return nil
}

// Addr returns the bound address, or "" before Start.
func (w *WSListener) Addr() string {
	if w.listener == nil {
		return ""
	}
	return w.listener.Addr().String()
}

// Stop shuts down the HTTP server. Upgraded connections are owned by the
// broker server or the topic table and are closed there.
func (w *WSListener) Stop() {
	if w.listener == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.httpSrv.Shutdown(ctx); err != nil {
		slog.Warn("websocket shutdown", "error", err)
	}
	<-w.done
}

func (w *WSListener) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	ws, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	peer, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		peer = addrPortOf(ws.RemoteAddr())
	}
	peer = netip.AddrPortFrom(peer.Addr().Unmap(), peer.Port())
	w.srv.Serve(newWebsocketConn(ws), peer)
}

// websocketConn adapts a websocket.Conn to net.Conn. Each Write is sent as
// one binary message; reads drain messages as a byte stream.
type websocketConn struct {
	*websocket.Conn
	buf     bytes.Buffer
	readMu  sync.Mutex
	writeMu sync.Mutex
}

func newWebsocketConn(ws *websocket.Conn) *websocketConn {
	return &websocketConn{Conn: ws}
}

func (w *websocketConn) Read(p []byte) (int, error) {
	w.readMu.Lock()
	defer w.readMu.Unlock()
	for w.buf.Len() == 0 {
		_, msg, err := w.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, err
		}
		w.buf.Write(msg)
	}
	return w.buf.Read(p)
}

func (w *websocketConn) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *websocketConn) SetDeadline(t time.Time) error {
	if err := w.SetReadDeadline(t); err != nil {
		return err
	}
	return w.SetWriteDeadline(t)
}
