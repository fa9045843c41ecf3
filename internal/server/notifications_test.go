package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/jobmesh/relay/internal/auth"
	"github.com/jobmesh/relay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePublisher records fan-out calls instead of pushing to sockets.
type fakePublisher struct {
	mu          sync.Mutex
	published   []store.Notification
	invalidated []string
}

func (p *fakePublisher) Publish(_ string, n store.Notification) {
	p.mu.Lock()
	p.published = append(p.published, n)
	p.mu.Unlock()
}

func (p *fakePublisher) Invalidate(userID string) {
	p.mu.Lock()
	p.invalidated = append(p.invalidated, userID)
	p.mu.Unlock()
}

func notificationTestServer(t *testing.T) (*httptest.Server, *store.Store, *fakePublisher) {
	t.Helper()

	st := testStore(t)
	logger := slog.New(slog.DiscardHandler)
	pub := &fakePublisher{}

	registry := NewRegistry()
	router := NewRouter(registry, st, auth.AllowAll{}, logger)
	ws := NewServer(registry, router, logger)

	mux := NewMux(MuxConfig{
		WS:            ws,
		NotifyWS:      http.NotFoundHandler(),
		Notifications: NewNotificationAPI(st, pub, logger),
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv, st, pub
}

func doRequest(t *testing.T, method, url, body string) *http.Response {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func TestNotificationAPI_CreateAndList(t *testing.T) {
	srv, _, pub := notificationTestServer(t)

	resp := doRequest(t, http.MethodPost, srv.URL+"/api/notifications",
		`{"userId":"u1","kind":"system","title":"hello","priority":"high"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created store.Notification
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, store.StatusUnread, created.Status)
	assert.Equal(t, store.PriorityHigh, created.Priority)

	pub.mu.Lock()
	assert.Len(t, pub.published, 1)
	pub.mu.Unlock()

	resp = doRequest(t, http.MethodGet, srv.URL+"/api/notifications?userId=u1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list notificationListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Notifications, 1)
	assert.Equal(t, 1, list.UnreadCount)
}

func TestNotificationAPI_CreateDefaultsPriority(t *testing.T) {
	srv, _, _ := notificationTestServer(t)

	resp := doRequest(t, http.MethodPost, srv.URL+"/api/notifications",
		`{"userId":"u1","title":"plain"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created store.Notification
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, store.PriorityNormal, created.Priority)
}

func TestNotificationAPI_CreateRejectsBadPriority(t *testing.T) {
	srv, _, _ := notificationTestServer(t)

	resp := doRequest(t, http.MethodPost, srv.URL+"/api/notifications",
		`{"userId":"u1","title":"x","priority":"urgent"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNotificationAPI_ListRequiresUserID(t *testing.T) {
	srv, _, _ := notificationTestServer(t)

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/notifications", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNotificationAPI_MarkReadInvalidates(t *testing.T) {
	srv, st, pub := notificationTestServer(t)

	require.NoError(t, st.AddNotification(store.Notification{
		ID: "n1", UserID: "u1", Title: "x", Status: store.StatusUnread,
	}))

	resp := doRequest(t, http.MethodPut, srv.URL+"/api/notifications/n1/read?userId=u1", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	out, err := st.NotificationsForUser("u1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, store.StatusRead, out[0].Status)

	pub.mu.Lock()
	assert.Equal(t, []string{"u1"}, pub.invalidated)
	pub.mu.Unlock()
}

func TestNotificationAPI_MarkAllRead(t *testing.T) {
	srv, st, _ := notificationTestServer(t)

	for _, id := range []string{"n1", "n2"} {
		require.NoError(t, st.AddNotification(store.Notification{
			ID: id, UserID: "u1", Title: id, Status: store.StatusUnread,
		}))
	}

	resp := doRequest(t, http.MethodPut, srv.URL+"/api/notifications/read-all?userId=u1", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	out, err := st.NotificationsForUser("u1")
	require.NoError(t, err)

	for _, n := range out {
		assert.Equal(t, store.StatusRead, n.Status)
	}
}

func TestNotificationAPI_Delete(t *testing.T) {
	srv, st, _ := notificationTestServer(t)

	require.NoError(t, st.AddNotification(store.Notification{
		ID: "n1", UserID: "u1", Title: "x", Status: store.StatusUnread,
	}))

	resp := doRequest(t, http.MethodDelete, srv.URL+"/api/notifications/n1?userId=u1", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	out, err := st.NotificationsForUser("u1")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestHealthz(t *testing.T) {
	srv, _, _ := notificationTestServer(t)

	resp := doRequest(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
