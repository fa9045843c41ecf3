package e2e_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jobmesh/relay/internal/auth"
	"github.com/jobmesh/relay/internal/client"
	"github.com/jobmesh/relay/internal/notify"
	"github.com/jobmesh/relay/internal/server"
	"github.com/jobmesh/relay/internal/store"
	"github.com/jobmesh/relay/internal/wire"
	"github.com/stretchr/testify/require"
)

// harness runs a full relay server on an ephemeral port with a
// temp-file store, plus helpers for attaching real clients to it.
type harness struct {
	*httptest.Server
	store *store.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := store.LoadAt(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.DiscardHandler)

	registry := server.NewRegistry()
	router := server.NewRouter(registry, st, auth.AllowAll{}, logger)
	ws := server.NewServer(registry, router, logger)
	broadcaster := notify.NewBroadcaster(logger)
	notifications := server.NewNotificationAPI(st, broadcaster, logger)

	mux := server.NewMux(server.MuxConfig{
		WS:            ws,
		NotifyWS:      http.HandlerFunc(broadcaster.HandleWS),
		Notifications: notifications,
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &harness{Server: srv, store: st}
}

func (h *harness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.URL, "http") + "/ws"
}

func (h *harness) notifyURL(userID string) string {
	return "ws" + strings.TrimPrefix(h.URL, "http") + "/notifications/ws?userId=" + url.QueryEscape(userID)
}

// connectClient attaches a real transport client and returns it with a
// channel of every envelope its handler receives. It blocks until the
// AUTH handshake completes.
func connectClient(t *testing.T, h *harness, userID string) (*client.Manager, <-chan wire.Envelope) {
	t.Helper()

	inbound := make(chan wire.Envelope, 64)

	m := client.New(client.Options{
		URL:      h.wsURL(),
		Identity: wire.AuthPayload{UserID: userID},
		Handler: func(env wire.Envelope) {
			inbound <- env
		},
		SettleDelay: 50 * time.Millisecond,
	}, slog.New(slog.DiscardHandler))
	t.Cleanup(m.Close)

	m.Connect(context.Background())
	waitForType(t, inbound, wire.TypeAuthSuccess)

	return m, inbound
}

// waitForType drains inbound until an envelope of the wanted type
// arrives, returning it.
func waitForType(t *testing.T, inbound <-chan wire.Envelope, msgType string) wire.Envelope {
	t.Helper()

	deadline := time.After(5 * time.Second)

	for {
		select {
		case env := <-inbound:
			if env.Type == msgType {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", msgType)
			return wire.Envelope{}
		}
	}
}
