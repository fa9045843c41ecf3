// Package notify implements the notification fan-out channel: the
// server-side broadcaster that pushes events to connected listeners,
// and the client-side listener, cache, and REST fallback that consume
// them.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/jobmesh/relay/internal/store"
	"github.com/jobmesh/relay/internal/wire"
)

// pushWriteTimeout bounds one push write. Listeners are fire-and-forget;
// a stuck one is dropped on its next read error.
const pushWriteTimeout = 5 * time.Second

type pushConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *pushConn) send(ctx context.Context, env wire.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, pushWriteTimeout)
	defer cancel()

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	return p.conn.Write(writeCtx, websocket.MessageText, data)
}

// Broadcaster fans notification events out to each user's connected
// push listeners. Unlike the message transport a user may hold several
// listener connections at once, one per client window.
type Broadcaster struct {
	logger *slog.Logger

	mu        sync.Mutex
	listeners map[string]map[*pushConn]struct{}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		logger:    logger,
		listeners: make(map[string]map[*pushConn]struct{}),
	}
}

// newNotificationPayload shapes the NEW_NOTIFICATION push. Server-push
// payloads nest the entity under a named key, matching NEW_MESSAGE.
type newNotificationPayload struct {
	Notification store.Notification `json:"notification"`
}

// Publish pushes a NEW_NOTIFICATION event to the user's listeners.
func (b *Broadcaster) Publish(userID string, n store.Notification) {
	env, err := wire.New(wire.TypeNewNotification, newNotificationPayload{Notification: n})
	if err != nil {
		b.logger.Error("building notification push failed", slog.String("error", err.Error()))
		return
	}

	b.broadcast(userID, env)
}

// Invalidate tells the user's listeners their cached notification state
// is stale and should be refetched.
func (b *Broadcaster) Invalidate(userID string) {
	env, err := wire.New(wire.TypeNotificationUpdated, nil)
	if err != nil {
		b.logger.Error("building invalidation push failed", slog.String("error", err.Error()))
		return
	}

	b.broadcast(userID, env)
}

// ListenerCount reports how many push connections userID holds.
func (b *Broadcaster) ListenerCount(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.listeners[userID])
}

func (b *Broadcaster) broadcast(userID string, env wire.Envelope) {
	b.mu.Lock()
	conns := make([]*pushConn, 0, len(b.listeners[userID]))
	for c := range b.listeners[userID] {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		if err := c.send(context.Background(), env); err != nil {
			b.logger.Debug("notification push failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (b *Broadcaster) register(userID string, c *pushConn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.listeners[userID]
	if !ok {
		set = make(map[*pushConn]struct{})
		b.listeners[userID] = set
	}

	set[c] = struct{}{}
}

func (b *Broadcaster) unregister(userID string, c *pushConn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.listeners[userID]
	if !ok {
		return
	}

	delete(set, c)

	if len(set) == 0 {
		delete(b.listeners, userID)
	}
}

// HandleWS upgrades a push listener connection and keeps it registered
// until the peer disconnects. The channel is server-to-client only;
// inbound frames are read and discarded to observe the close.
func (b *Broadcaster) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		b.logger.Warn("notification listener accept failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()),
		)

		return
	}

	c := &pushConn{conn: conn}
	b.register(userID, c)

	b.logger.Debug("notification listener connected",
		slog.String("user_id", userID),
		slog.String("remote", r.RemoteAddr),
	)

	defer func() {
		b.unregister(userID, c)
		conn.Close(websocket.StatusNormalClosure, "")
		b.logger.Debug("notification listener disconnected", slog.String("user_id", userID))
	}()

	ctx := r.Context()

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}
