package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/jobmesh/relay/internal/wire"
)

// writeTimeout bounds a single envelope write. A peer that cannot drain
// one small JSON frame within this window is treated as gone.
const writeTimeout = 5 * time.Second

// wsConn abstracts the accepted WebSocket connection so sessions can be
// tested without a network. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// session is the per-connection state: unauthenticated until a valid
// AUTH, then registered in the Registry under its user id until close.
type session struct {
	conn   wsConn
	remote string

	// writeMu serializes writes: replies come from this connection's
	// reader goroutine, forwarded messages from other connections'.
	writeMu sync.Mutex

	mu           sync.Mutex
	userID       string
	subscribed   map[string]struct{}
	lastActivity time.Time
}

func newSession(conn wsConn, remote string) *session {
	return &session{
		conn:         conn,
		remote:       remote,
		subscribed:   make(map[string]struct{}),
		lastActivity: time.Now(),
	}
}

// send marshals and writes one envelope under the write lock.
func (s *session) send(ctx context.Context, env wire.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshalling %s: %w", env.Type, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing %s: %w", env.Type, err)
	}

	return nil
}

func (s *session) authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.userID != ""
}

func (s *session) setUser(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
}

func (s *session) user() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.userID
}

func (s *session) subscribe(conversationID string) {
	s.mu.Lock()
	s.subscribed[conversationID] = struct{}{}
	s.mu.Unlock()
}

func (s *session) subscribedTo(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.subscribed[conversationID]

	return ok
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}
