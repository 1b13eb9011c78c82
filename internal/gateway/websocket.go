// ABOUTME: WebSocket endpoint accepting dashboard clients and running their read loops
// ABOUTME: Connections start unauthenticated; every text frame goes through the router

package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
)

// maxFrameBytes bounds a single inbound message.
const maxFrameBytes = 1 << 20

// wsConn adapts a websocket connection to Conn.
type wsConn struct {
	ws *websocket.Conn
}

func (c wsConn) Write(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c wsConn) Close(code websocket.StatusCode, reason string) error {
	return c.ws.Close(code, reason)
}

// handleWebSocket upgrades the request and serves the connection until the
// peer or the gateway closes it.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !g.Enabled() {
		g.sendJSONError(w, http.StatusServiceUnavailable, "gateway disabled")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.config.Server.AllowedOrigins,
	})
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	conn := g.registry.Add(wsConn{ws: ws}, r.RemoteAddr)
	g.metrics.connections.Inc()
	if !g.admit(conn) {
		return
	}

	g.readLoop(g.runCtx, ws, conn)
}

// admit re-checks the enabled flag once the connection is registered. A
// SetEnabled(false) that swept the registry before Add cannot see conn.
func (g *Gateway) admit(conn *Connection) bool {
	if g.Enabled() {
		return true
	}
	g.logger.Info("closing connection admitted while disabling", "conn_id", conn.ID(), "remote", conn.Remote())
	conn.Close(websocket.StatusGoingAway, "disabled")
	return false
}

// readLoop dispatches inbound frames in order until the read fails.
func (g *Gateway) readLoop(ctx context.Context, ws *websocket.Conn, conn *Connection) {
	defer g.registry.Remove(conn.ID())

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 && !errors.Is(err, context.Canceled) {
				g.logger.Debug("websocket read ended", "conn_id", conn.ID(), "remote", conn.Remote(), "error", err)
			}
			return
		}

		select {
		case <-conn.Done():
			return
		default:
		}

		if typ != websocket.MessageText {
			sendResult(conn, nil, ProtocolVersion, Fail(CodeInvalidJSON), g.logger)
			continue
		}
		g.router.Dispatch(ctx, conn, data)
	}
}
