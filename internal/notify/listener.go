package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/jobmesh/relay/internal/wire"
	"github.com/tidwall/gjson"
)

const (
	// reconnectDelay is the fixed wait between push channel connection
	// attempts. The channel is advisory so there is no backoff schedule;
	// the poll fallback covers the gap.
	reconnectDelay = 5 * time.Second

	// pollInterval is how often the cache is refreshed from the REST
	// fallback regardless of push channel health.
	pollInterval = 30 * time.Second

	listenerDialTimeout = 10 * time.Second
)

// pushReader is the listener's view of the push connection.
type pushReader interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
}

// ListenerOptions configures a Listener.
type ListenerOptions struct {
	// URL is the push channel endpoint, including the userId query.
	URL string

	// Dial overrides the push channel dialer. Tests inject fakes here.
	Dial func(ctx context.Context) (pushReader, error)
}

// Listener maintains the client's push channel and keeps the cache
// current. While the channel is down it falls back to polling; either
// way the cache converges on the server's state.
type Listener struct {
	opts   ListenerOptions
	api    *APIClient
	cache  *Store
	logger *slog.Logger
}

// NewListener creates a listener feeding cache from api and the push
// channel at opts.URL.
func NewListener(opts ListenerOptions, api *APIClient, cache *Store, logger *slog.Logger) *Listener {
	l := &Listener{
		opts:   opts,
		api:    api,
		cache:  cache,
		logger: logger,
	}

	if l.opts.Dial == nil {
		l.opts.Dial = func(ctx context.Context) (pushReader, error) {
			dialCtx, cancel := context.WithTimeout(ctx, listenerDialTimeout)
			defer cancel()

			conn, _, err := websocket.Dial(dialCtx, opts.URL, nil) //nolint:bodyclose
			return conn, err
		}
	}

	return l
}

// Run connects, consumes push events, and reconnects on a fixed delay
// until ctx is cancelled. A background ticker refreshes the cache from
// the REST fallback so missed pushes are bounded by the poll interval.
func (l *Listener) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.refresh(ctx)
			}
		}
	}()

	for {
		conn, err := l.opts.Dial(ctx)
		if err != nil {
			l.logger.Debug("push channel dial failed", slog.String("error", err.Error()))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reconnectDelay):
				continue
			}
		}

		l.cache.SetConnected(true)
		l.logger.Info("push channel connected")

		// Catch up on anything published while disconnected.
		l.refresh(ctx)

		l.consume(ctx, conn)

		l.cache.SetConnected(false)
		conn.Close(websocket.StatusNormalClosure, "")

		if ctx.Err() != nil {
			return ctx.Err()
		}

		l.logger.Info("push channel lost, reconnecting",
			slog.Duration("delay", reconnectDelay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

// consume reads push events until the connection fails.
func (l *Listener) consume(ctx context.Context, conn pushReader) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		switch msgType := gjson.GetBytes(data, "type").String(); msgType {
		case wire.TypeNewNotification:
			var env wire.Envelope
			var payload newNotificationPayload

			err := json.Unmarshal(data, &env)
			if err == nil {
				err = env.Decode(&payload)
			}

			if err != nil {
				l.logger.Warn("dropping malformed notification push", slog.String("error", err.Error()))
				continue
			}

			l.cache.Add(payload.Notification)
		case wire.TypeNotificationUpdated:
			l.refresh(ctx)
		default:
			l.logger.Debug("ignoring push event", slog.String("type", msgType))
		}
	}
}

// refresh replaces the cache with the server's current list.
func (l *Listener) refresh(ctx context.Context) {
	notifications, _, err := l.api.List(ctx)
	if err != nil {
		l.logger.Warn("notification refresh failed", slog.String("error", err.Error()))
		return
	}

	l.cache.Replace(notifications)
}
