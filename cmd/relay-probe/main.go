package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jobmesh/relay/internal/auth"
	"github.com/jobmesh/relay/internal/client"
	"github.com/jobmesh/relay/internal/config"
	"github.com/jobmesh/relay/internal/logging"
	"github.com/jobmesh/relay/internal/notify"
	"github.com/jobmesh/relay/internal/wire"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

const probeTokenTTL = 12 * time.Hour

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.ValidateProbe(); err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("relay-probe starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerURL),
		slog.String("user", cfg.UserID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	identity := wire.AuthPayload{
		UserID:    cfg.UserID,
		UserName:  cfg.UserName,
		UserEmail: cfg.UserEmail,
	}

	if cfg.AuthSecret != "" {
		token, err := auth.SignHS256(cfg.AuthSecret, cfg.UserID, probeTokenTTL)
		if err != nil {
			return fmt.Errorf("signing token: %w", err)
		}

		identity.Token = token
	}

	mgr := client.New(client.Options{
		URL:                 cfg.ServerURL,
		Identity:            identity,
		Handler:             printEnvelope,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		HealthCheckInterval: cfg.HealthCheckInterval,
		QueueCapacity:       cfg.QueueCapacity,
		MaxAttempts:         cfg.MaxReconnectAttempts,
		OnStateChange: func(s client.State) {
			logger.Info("connection state changed", slog.String("state", string(s)))
		},
		OnConnectionLost: func() {
			logger.Warn("connection lost, queueing outbound messages")
		},
	}, logging.WithComponent(logger, "transport"))

	mgr.Connect(ctx)
	defer mgr.Close()

	cache := notify.NewStore()
	api := notify.NewAPIClient(nil, cfg.APIURL, cfg.UserID)
	listener := notify.NewListener(notify.ListenerOptions{
		URL: cfg.NotifyURL + "?userId=" + url.QueryEscape(cfg.UserID),
	}, api, cache, logging.WithComponent(logger, "notify"))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := listener.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})

	g.Go(func() error {
		return repl(gctx, mgr, cache)
	})

	return g.Wait()
}

// printEnvelope writes inbound transport events to stdout.
func printEnvelope(env wire.Envelope) {
	fmt.Printf("<- %s %s\n", env.Type, string(env.Data))
}

// repl reads commands from stdin until EOF or cancellation.
//
//	send <conversationId> <receiverId> <text...>
//	get [conversationId]
//	join <conversationId>
//	read <conversationId>
//	notifs
//	state
func repl(ctx context.Context, mgr *client.Manager, cache *notify.Store) error {
	lines := make(chan string)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}

			if err := dispatch(ctx, mgr, cache, line); err != nil {
				fmt.Printf("!! %v\n", err)
			}
		}
	}
}

func dispatch(ctx context.Context, mgr *client.Manager, cache *notify.Store, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "send":
		if len(fields) < 4 {
			return fmt.Errorf("usage: send <conversationId> <receiverId> <text>")
		}

		id, err := mgr.Send(wire.TypeSendMessage, wire.SendMessagePayload{
			ConversationID: fields[1],
			ReceiverID:     fields[2],
			Content:        strings.Join(fields[3:], " "),
			TempID:         wire.NextMessageID(),
		})
		if err != nil {
			return err
		}

		fmt.Printf("-> SEND_MESSAGE %s\n", id)

		return nil
	case "get":
		var payload wire.GetMessagesPayload
		if len(fields) > 1 {
			payload.ConversationID = fields[1]
		}

		_, err := mgr.Send(wire.TypeGetMessages, payload)

		return err
	case "join":
		if len(fields) < 2 {
			return fmt.Errorf("usage: join <conversationId>")
		}

		_, err := mgr.Send(wire.TypeJoinConversation, wire.JoinConversationPayload{
			ConversationID: fields[1],
		})

		return err
	case "read":
		if len(fields) < 2 {
			return fmt.Errorf("usage: read <conversationId>")
		}

		_, err := mgr.Send(wire.TypeMarkAsRead, wire.MarkAsReadPayload{
			ConversationID: fields[1],
		})

		return err
	case "notifs":
		snap := cache.Snapshot()
		fmt.Printf("push connected: %v, unread: %d\n", snap.Connected, snap.UnreadCount)

		for _, n := range snap.Notifications {
			fmt.Printf("  [%s] %s: %s\n", n.Status, n.Title, n.Body)
		}

		return nil
	case "reconnect":
		mgr.Reconnect(ctx)
		return nil
	case "state":
		fmt.Printf("state: %s, queued: %d\n", mgr.State(), mgr.QueuedCount())
		return nil
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}
