package emq

import (
	"net/http"
)

// WSServer is a broker served over WebSocket. It is an http.Handler; mount
// it on any HTTP server. The embedded Server can also serve other listeners.
type WSServer struct {
	*Server
	handler *WSHandler
}

// NewWSServer creates a WebSocket broker without a listener of its own.
func NewWSServer(opts ...ServerOption) *WSServer {
	ws := &WSServer{Server: NewServerWithListener(nil, opts...)}
	ws.handler = NewWSHandler(ws.Serve)
	return ws
}

// WebSocketHandler returns an http.Handler that serves the broker protocol
// over WebSocket connections.
func (s *Server) WebSocketHandler() *WSHandler {
	return NewWSHandler(s.Serve)
}

// SetAllowedOrigins restricts the browser origins accepted by the handler.
func (s *WSServer) SetAllowedOrigins(origins ...string) {
	s.handler.AllowedOrigins = origins
}

// ServeHTTP implements http.Handler for WebSocket connections.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
