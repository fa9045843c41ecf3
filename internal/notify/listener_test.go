package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/jobmesh/relay/internal/store"
	"github.com/jobmesh/relay/internal/wire"
	"github.com/stretchr/testify/require"
)

// fakePush scripts the push channel: frames queued on the channel are
// returned from Read in order, and closing it ends the connection.
type fakePush struct {
	frames chan []byte
}

func newFakePush() *fakePush {
	return &fakePush{frames: make(chan []byte, 16)}
}

func (p *fakePush) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case data, ok := <-p.frames:
		if !ok {
			return 0, nil, io.EOF
		}

		return websocket.MessageText, data, nil
	}
}

func (p *fakePush) Close(websocket.StatusCode, string) error { return nil }

func (p *fakePush) push(t *testing.T, env wire.Envelope) {
	t.Helper()

	data, err := json.Marshal(env)
	require.NoError(t, err)
	p.frames <- data
}

// listServer serves GET /api/notifications from the given list and
// counts how many times it was hit.
func listServer(t *testing.T, notifications []store.Notification) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"notifications": notifications,
			"unreadCount":   len(notifications),
		})
	}))
	t.Cleanup(srv.Close)

	return srv, &hits
}

func runListener(t *testing.T, push *fakePush, apiURL string, cache *Store) context.CancelFunc {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	api := NewAPIClient(nil, apiURL, "u1")
	l := NewListener(ListenerOptions{
		URL: "ws://unused",
		Dial: func(context.Context) (pushReader, error) {
			return push, nil
		},
	}, api, cache, slog.New(slog.DiscardHandler))

	done := make(chan struct{})

	go func() {
		defer close(done)
		l.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("listener did not stop")
		}
	})

	return cancel
}

func TestListener_MarksConnectedAndRefreshes(t *testing.T) {
	srv, hits := listServer(t, []store.Notification{
		{ID: "n1", UserID: "u1", Title: "existing", Status: store.StatusUnread},
	})

	cache := NewStore()
	push := newFakePush()
	runListener(t, push, srv.URL, cache)

	require.Eventually(t, func() bool {
		return cache.Connected() && hits.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return cache.UnreadCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestListener_AddsPushedNotification(t *testing.T) {
	srv, _ := listServer(t, nil)

	cache := NewStore()
	push := newFakePush()
	runListener(t, push, srv.URL, cache)

	env, err := wire.New(wire.TypeNewNotification, newNotificationPayload{
		Notification: store.Notification{
			ID:     "n9",
			UserID: "u1",
			Title:  "pushed",
			Status: store.StatusUnread,
		},
	})
	require.NoError(t, err)
	push.push(t, env)

	require.Eventually(t, func() bool {
		snap := cache.Snapshot()
		return len(snap.Notifications) == 1 && snap.Notifications[0].ID == "n9"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestListener_InvalidateTriggersRefresh(t *testing.T) {
	srv, hits := listServer(t, []store.Notification{
		{ID: "n1", UserID: "u1", Title: "fresh", Status: store.StatusRead},
	})

	cache := NewStore()
	push := newFakePush()
	runListener(t, push, srv.URL, cache)

	require.Eventually(t, func() bool {
		return hits.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	before := hits.Load()

	env, err := wire.New(wire.TypeNotificationUpdated, nil)
	require.NoError(t, err)
	push.push(t, env)

	require.Eventually(t, func() bool {
		return hits.Load() > before
	}, 2*time.Second, 10*time.Millisecond)
}
