package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/jobmesh/relay/internal/auth"
	"github.com/jobmesh/relay/internal/store"
	"github.com/jobmesh/relay/internal/wire"
)

// Router dispatches inbound envelopes to handlers and delivers to
// recipients through the Registry. Per-connection protocol state is
// unauthenticated until AUTH succeeds; everything except AUTH is
// rejected with AUTH_REQUIRED before that.
type Router struct {
	registry *Registry
	store    store.MessageStore
	verifier auth.Verifier
	logger   *slog.Logger
}

// NewRouter wires the router's collaborators together.
func NewRouter(registry *Registry, st store.MessageStore, verifier auth.Verifier, logger *slog.Logger) *Router {
	if verifier == nil {
		verifier = auth.AllowAll{}
	}

	return &Router{
		registry: registry,
		store:    st,
		verifier: verifier,
		logger:   logger,
	}
}

type messagesFetchedPayload struct {
	ConversationID string          `json:"conversationId"`
	Messages       []store.Message `json:"messages"`
}

type conversationsFetchedPayload struct {
	Conversations []store.Conversation `json:"conversations"`
}

type newMessagePayload struct {
	Message store.Message `json:"message"`
}

// Handle routes one envelope for a session. Errors are reported to the
// peer as reply envelopes; Handle itself never fails the connection.
func (rt *Router) Handle(ctx context.Context, sess *session, env wire.Envelope) {
	if !sess.authenticated() && env.Type != wire.TypeAuth {
		rt.reply(ctx, sess, env, wire.TypeAuthRequired, wire.ErrorPayload{
			Message: "authenticate before sending " + env.Type,
		})

		return
	}

	switch env.Type {
	case wire.TypeAuth:
		rt.handleAuth(ctx, sess, env)
	case wire.TypeGetMessages:
		rt.handleGetMessages(ctx, sess, env)
	case wire.TypeSendMessage:
		rt.handleSendMessage(ctx, sess, env)
	case wire.TypeJoinConversation:
		rt.handleJoinConversation(ctx, sess, env)
	case wire.TypeMarkAsRead:
		rt.handleMarkAsRead(ctx, sess, env)
	case wire.TypePing:
		rt.reply(ctx, sess, env, wire.TypePong, nil)
	default:
		rt.reply(ctx, sess, env, wire.TypeUnknownMessageType, wire.UnknownTypePayload{
			ReceivedType: env.Type,
		})
	}
}

// handleAuth registers the connection under the claimed identity after
// the verifier approves it, replies AUTH_SUCCESS, and pushes the user's
// conversation snapshot as a best-effort follow-up.
func (rt *Router) handleAuth(ctx context.Context, sess *session, env wire.Envelope) {
	var payload wire.AuthPayload
	if err := env.Decode(&payload); err != nil || payload.UserID == "" {
		rt.reply(ctx, sess, env, wire.TypeAuthRequired, wire.ErrorPayload{
			Message: "auth requires a userId",
		})

		return
	}

	if err := rt.verifier.Verify(ctx, payload.UserID, payload.Token); err != nil {
		rt.logger.Warn("identity verification failed",
			slog.String("user_id", payload.UserID),
			slog.String("error", err.Error()),
		)
		rt.reply(ctx, sess, env, wire.TypeAuthRequired, wire.ErrorPayload{
			Message: "identity verification failed",
		})

		return
	}

	sess.setUser(payload.UserID)

	if displaced := rt.registry.Register(payload.UserID, sess); displaced != nil {
		// Normal close so the displaced client does not keep retrying
		// against a registration it can never win back.
		displaced.conn.Close(websocket.StatusNormalClosure, "superseded by newer connection")
		rt.logger.Info("connection replaced",
			slog.String("user_id", payload.UserID),
			slog.String("remote", displaced.remote),
		)
	}

	rt.reply(ctx, sess, env, wire.TypeAuthSuccess, wire.AuthSuccessPayload{
		UserID:     payload.UserID,
		ServerTime: time.Now().UnixMilli(),
	})

	rt.logger.Info("user authenticated",
		slog.String("user_id", payload.UserID),
		slog.String("remote", sess.remote),
	)

	// Snapshot push is best-effort: a store failure is masked with an
	// empty fallback rather than failing the handshake.
	convs, err := rt.store.ConversationsForUser(payload.UserID)
	if err != nil {
		rt.logger.Warn("conversation snapshot fetch failed",
			slog.String("user_id", payload.UserID),
			slog.String("error", err.Error()),
		)

		convs = []store.Conversation{}
	}

	rt.push(ctx, sess, wire.TypeConversationsFetched, conversationsFetchedPayload{
		Conversations: convs,
	})
}

// handleGetMessages returns one conversation's history (ascending by
// creation) or, without a conversationId, the caller's conversations.
func (rt *Router) handleGetMessages(ctx context.Context, sess *session, env wire.Envelope) {
	var payload wire.GetMessagesPayload
	if len(env.Data) > 0 {
		if err := env.Decode(&payload); err != nil {
			rt.replyError(ctx, sess, env, "malformed GET_MESSAGES payload", "")
			return
		}
	}

	if payload.ConversationID == "" {
		convs, err := rt.store.ConversationsForUser(sess.user())
		if err != nil {
			rt.logger.Warn("listing conversations failed", slog.String("error", err.Error()))
			rt.replyError(ctx, sess, env, "fetching conversations failed", "")

			return
		}

		if convs == nil {
			convs = []store.Conversation{}
		}

		rt.reply(ctx, sess, env, wire.TypeConversationsFetched, conversationsFetchedPayload{
			Conversations: convs,
		})

		return
	}

	msgs, err := rt.store.MessagesForConversation(payload.ConversationID)
	if err != nil {
		rt.logger.Warn("fetching messages failed",
			slog.String("conversation_id", payload.ConversationID),
			slog.String("error", err.Error()),
		)
		rt.replyError(ctx, sess, env, "fetching messages failed", "")

		return
	}

	if msgs == nil {
		msgs = []store.Message{}
	}

	rt.reply(ctx, sess, env, wire.TypeMessagesFetched, messagesFetchedPayload{
		ConversationID: payload.ConversationID,
		Messages:       msgs,
	})
}

// handleSendMessage persists the message, then forwards NEW_MESSAGE to
// the recipient's live connection if one is registered, then confirms to
// the sender with the delivered flag. Delivery is fire-and-forget; the
// flag is the only acknowledgement at this layer.
func (rt *Router) handleSendMessage(ctx context.Context, sess *session, env wire.Envelope) {
	var payload wire.SendMessagePayload
	if err := env.Decode(&payload); err != nil {
		rt.replyError(ctx, sess, env, "malformed SEND_MESSAGE payload", "")
		return
	}

	if payload.ConversationID == "" || payload.ReceiverID == "" || payload.Content == "" {
		rt.replyError(ctx, sess, env, "SEND_MESSAGE requires conversationId, receiverId and content", payload.TempID)
		return
	}

	msg := store.Message{
		ID:             wire.NextMessageID(),
		ConversationID: payload.ConversationID,
		SenderID:       sess.user(),
		ReceiverID:     payload.ReceiverID,
		Content:        payload.Content,
		CreatedAt:      time.Now().UnixMilli(),
	}

	// Persist before the delivery attempt so delivered:false always
	// means "stored, recipient offline", never "lost".
	if err := rt.store.AppendMessage(msg); err != nil {
		rt.logger.Error("storing message failed",
			slog.String("conversation_id", msg.ConversationID),
			slog.String("error", err.Error()),
		)
		rt.replyError(ctx, sess, env, "storing message failed", payload.TempID)

		return
	}

	delivered := false

	if recipient, ok := rt.registry.Get(payload.ReceiverID); ok {
		fwd, err := wire.New(wire.TypeNewMessage, newMessagePayload{Message: msg})
		if err == nil {
			err = recipient.send(ctx, fwd)
		}

		if err != nil {
			rt.logger.Debug("live delivery failed",
				slog.String("receiver_id", payload.ReceiverID),
				slog.String("error", err.Error()),
			)
		} else {
			delivered = true
		}
	}

	rt.reply(ctx, sess, env, wire.TypeMessageSent, wire.MessageSentPayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		TempID:         payload.TempID,
		Delivered:      delivered,
		Timestamp:      msg.CreatedAt,
	})
}

// handleJoinConversation records the subscription. Bookkeeping only:
// fan-out to multiple subscribers per conversation is not implemented.
func (rt *Router) handleJoinConversation(ctx context.Context, sess *session, env wire.Envelope) {
	var payload wire.JoinConversationPayload
	if err := env.Decode(&payload); err != nil || payload.ConversationID == "" {
		rt.replyError(ctx, sess, env, "JOIN_CONVERSATION requires a conversationId", "")
		return
	}

	sess.subscribe(payload.ConversationID)

	rt.reply(ctx, sess, env, wire.TypeJoinedConversation, wire.JoinConversationPayload{
		ConversationID: payload.ConversationID,
	})
}

// handleMarkAsRead acknowledges synchronously; the read-state update is
// best-effort against the store.
func (rt *Router) handleMarkAsRead(ctx context.Context, sess *session, env wire.Envelope) {
	var payload wire.MarkAsReadPayload
	if err := env.Decode(&payload); err != nil || payload.ConversationID == "" {
		rt.replyError(ctx, sess, env, "MARK_AS_READ requires a conversationId", "")
		return
	}

	if err := rt.store.MarkConversationRead(sess.user(), payload.ConversationID); err != nil {
		rt.logger.Warn("marking conversation read failed",
			slog.String("conversation_id", payload.ConversationID),
			slog.String("error", err.Error()),
		)
	}

	rt.reply(ctx, sess, env, wire.TypeMessagesRead, wire.MarkAsReadPayload{
		ConversationID: payload.ConversationID,
	})
}

// reply answers req, echoing its message id for correlation.
func (rt *Router) reply(ctx context.Context, sess *session, req wire.Envelope, msgType string, data any) {
	env, err := wire.Reply(req, msgType, data)
	if err != nil {
		rt.logger.Error("building reply failed", slog.String("type", msgType), slog.String("error", err.Error()))
		return
	}

	if err := sess.send(ctx, env); err != nil {
		rt.logger.Debug("reply write failed",
			slog.String("type", msgType),
			slog.String("error", err.Error()),
		)
	}
}

// push sends a server-initiated envelope with its own message id.
func (rt *Router) push(ctx context.Context, sess *session, msgType string, data any) {
	env, err := wire.New(msgType, data)
	if err != nil {
		rt.logger.Error("building push failed", slog.String("type", msgType), slog.String("error", err.Error()))
		return
	}

	if err := sess.send(ctx, env); err != nil {
		rt.logger.Debug("push write failed",
			slog.String("type", msgType),
			slog.String("error", err.Error()),
		)
	}
}

func (rt *Router) replyError(ctx context.Context, sess *session, req wire.Envelope, message, tempID string) {
	rt.reply(ctx, sess, req, wire.TypeError, wire.ErrorPayload{
		Message: message,
		TempID:  tempID,
	})
}
