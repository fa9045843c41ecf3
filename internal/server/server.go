package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/jobmesh/relay/internal/wire"
)

// wsReadLimit caps a single inbound frame. Chat payloads are small; a
// larger frame indicates a misbehaving client.
const wsReadLimit = 1 << 20

// Server accepts WebSocket connections and runs one read loop per
// connection, handing each parsed envelope to the router.
type Server struct {
	registry *Registry
	router   *Router
	logger   *slog.Logger
}

// NewServer creates the WebSocket endpoint handler.
func NewServer(registry *Registry, router *Router, logger *slog.Logger) *Server {
	return &Server{
		registry: registry,
		router:   router,
		logger:   logger,
	}
}

// HandleWS upgrades the request and serves the connection until the
// peer disconnects or the request context ends.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()),
		)

		return
	}

	conn.SetReadLimit(wsReadLimit)

	s.serve(r.Context(), conn, r.RemoteAddr)
}

// serve runs the connection lifecycle: welcome, read loop, teardown.
func (s *Server) serve(ctx context.Context, conn wsConn, remote string) {
	sess := newSession(conn, remote)

	defer func() {
		if uid := sess.user(); uid != "" {
			if s.registry.Unregister(uid, sess) {
				s.logger.Info("user disconnected", slog.String("user_id", uid))
			}
		}

		conn.Close(websocket.StatusNormalClosure, "")
	}()

	s.logger.Debug("connection accepted", slog.String("remote", remote))

	welcome, err := wire.New(wire.TypeWelcome, wire.WelcomePayload{
		Message:    "connected, authenticate to continue",
		ServerTime: time.Now().UnixMilli(),
	})
	if err == nil {
		if err := sess.send(ctx, welcome); err != nil {
			s.logger.Debug("welcome write failed", slog.String("error", err.Error()))
			return
		}
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				s.logger.Debug("connection closed", slog.String("remote", remote))
			} else {
				s.logger.Debug("read failed",
					slog.String("remote", remote),
					slog.String("error", err.Error()),
				)
			}

			return
		}

		sess.touch()

		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			// Malformed input is dropped without tearing the
			// connection down.
			s.logger.Warn("dropping malformed envelope", slog.String("remote", remote))
			continue
		}

		s.router.Handle(ctx, sess, env)
	}
}
