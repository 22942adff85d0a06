package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/guseggert/shelleport/protocol"
	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
)

// WebSocketPath is where sessions are served over WebSocket.
const WebSocketPath = "/shelleport"

// MaxFrameSize bounds a single WebSocket frame; a frame carries at most one protocol message
// plus framing slack.
const MaxFrameSize = protocol.MaxMessageSize + 64<<10

// Handler returns the HTTP routes for serving sessions over WebSocket.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", s.heartbeat)
	router.GET(WebSocketPath, s.sessionWS)
	return router
}

// ServeWebSocket serves sessions over WebSocket on ln until ctx is done.
func (s *Server) ServeWebSocket(ctx context.Context, ln net.Listener) error {
	server := http.Server{
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	stop := context.AfterFunc(ctx, func() {
		if err := server.Shutdown(context.Background()); err != nil {
			s.log.Debugf("shutting down HTTP server: %s", err)
		}
	})
	defer stop()
	// Shutdown does not track hijacked connections
	defer s.wsSessions.Wait()

	s.log.Infof("serving WebSocket sessions on %s%s", ln.Addr(), WebSocketPath)
	err := server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) sessionWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.wsSessions.Add(1)
	defer s.wsSessions.Done()

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		s.log.Debugf("session WebSocket accept error: %s", err)
		return
	}
	wsConn.SetReadLimit(MaxFrameSize)

	conn := websocket.NetConn(r.Context(), wsConn, websocket.MessageBinary)
	if err := s.ServeConn(r.Context(), conn); err != nil {
		s.log.Debugf("WebSocket session from %s: %s", r.RemoteAddr, err)
	}
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	b, err := json.Marshal(s.Stats())
	if err != nil {
		http.Error(w, fmt.Sprintf("marshaling stats: %s", err), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	if _, err := w.Write(b); err != nil {
		s.log.Debugf("error writing heartbeat response: %s", err)
	}
}
