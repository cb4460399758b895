package transport

import (
	"net"
	"net/http"
	"strings"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
)

// Accepted is called once per successful upgrade, before the socket's
// write pump starts, so the caller can register the connection and
// read its identity off the request.
type Accepted func(r *http.Request, socket *Socket)

// Handler upgrades incoming HTTP requests to WebSocket connections and
// hands each one to onAccept.
type Handler struct {
	logger   zerolog.Logger
	onAccept Accepted
}

// NewHandler builds an http.Handler that performs the WebSocket
// upgrade and dispatches accepted sockets to onAccept.
func NewHandler(logger zerolog.Logger, onAccept Accepted) *Handler {
	return &Handler{logger: logger, onAccept: onAccept}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := clientIP(r)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Warn().Err(err).Str("clientIp", clientIP).Msg("websocket upgrade failed")
		return
	}

	socket := New(conn, h.logger, nil)
	h.onAccept(r, socket)
	go socket.Run()
	socket.ReadPump()
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
