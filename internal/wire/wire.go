// Package wire defines the typed envelope exchanged over the persistent
// messaging connection and the notification push channel. Both sides of
// the protocol share these definitions; the payload meaning is supplied
// by the caller, wire only guarantees the framing.
package wire

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// Client-to-server message types.
const (
	TypeAuth             = "AUTH"
	TypeGetMessages      = "GET_MESSAGES"
	TypeSendMessage      = "SEND_MESSAGE"
	TypeJoinConversation = "JOIN_CONVERSATION"
	TypeMarkAsRead       = "MARK_AS_READ"
	TypePing             = "PING"
)

// Server-to-client message types.
const (
	TypeWelcome              = "WELCOME"
	TypeAuthSuccess          = "AUTH_SUCCESS"
	TypeAuthRequired         = "AUTH_REQUIRED"
	TypeMessagesFetched      = "MESSAGES_FETCHED"
	TypeConversationsFetched = "CONVERSATIONS_FETCHED"
	TypeMessageSent          = "MESSAGE_SENT"
	TypeNewMessage           = "NEW_MESSAGE"
	TypeJoinedConversation   = "JOINED_CONVERSATION"
	TypeMessagesRead         = "MESSAGES_READ_CONFIRMATION"
	TypePong                 = "PONG"
	TypeError                = "ERROR"
	TypeUnknownMessageType   = "UNKNOWN_MESSAGE_TYPE"
)

// Notification push channel events (server to client only).
const (
	TypeNewNotification     = "NEW_NOTIFICATION"
	TypeNotificationUpdated = "NOTIFICATION_UPDATED"
)

// Envelope is the unit exchanged over the connection. Every
// client-initiated request that expects a reply carries a MessageID;
// replies echo it back for correlation.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	MessageID string          `json:"messageId"`
	Timestamp int64           `json:"timestamp"`
}

var messageSeq atomic.Uint64

// NextMessageID returns an id unique within this process. Uniqueness
// across restarts comes from the timestamp component.
func NextMessageID() string {
	return fmt.Sprintf("m-%d-%d", time.Now().UnixNano(), messageSeq.Add(1))
}

// New builds an envelope with a fresh message id and the current
// timestamp in unix milliseconds.
func New(msgType string, data any) (Envelope, error) {
	env := Envelope{
		Type:      msgType,
		MessageID: NextMessageID(),
		Timestamp: time.Now().UnixMilli(),
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshalling %s payload: %w", msgType, err)
		}

		env.Data = raw
	}

	return env, nil
}

// Reply builds an envelope answering req, echoing its message id so the
// caller can correlate the response.
func Reply(req Envelope, msgType string, data any) (Envelope, error) {
	env, err := New(msgType, data)
	if err != nil {
		return Envelope{}, err
	}

	env.MessageID = req.MessageID

	return env, nil
}

// Decode unmarshals the envelope's data payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s envelope has no data", e.Type)
	}

	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}

	return nil
}

// AuthPayload identifies the connecting user. Token is optional and only
// checked when the server has a verifier configured.
type AuthPayload struct {
	UserID     string `json:"userId"`
	UserName   string `json:"userName,omitempty"`
	UserEmail  string `json:"userEmail,omitempty"`
	UserAvatar string `json:"userAvatar,omitempty"`
	Token      string `json:"token,omitempty"`
}

// AuthSuccessPayload acknowledges a successful AUTH.
type AuthSuccessPayload struct {
	UserID     string `json:"userId"`
	ServerTime int64  `json:"serverTime"`
}

// GetMessagesPayload requests a conversation's history, or the caller's
// conversation list when ConversationID is empty.
type GetMessagesPayload struct {
	ConversationID string `json:"conversationId,omitempty"`
}

// SendMessagePayload carries an outgoing chat message. TempID is a
// client-local id echoed back so optimistic UI entries can be resolved.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	ReceiverID     string `json:"receiverId"`
	Content        string `json:"content"`
	TempID         string `json:"tempId,omitempty"`
}

// MessageSentPayload confirms a SEND_MESSAGE to its sender. Delivered
// reports whether the recipient was online and got the message live.
type MessageSentPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	TempID         string `json:"tempId,omitempty"`
	Delivered      bool   `json:"delivered"`
	Timestamp      int64  `json:"timestamp"`
}

// JoinConversationPayload subscribes the caller to a conversation.
type JoinConversationPayload struct {
	ConversationID string `json:"conversationId"`
}

// MarkAsReadPayload acknowledges a conversation as read.
type MarkAsReadPayload struct {
	ConversationID string `json:"conversationId"`
}

// ErrorPayload reports a request-level failure to the client.
type ErrorPayload struct {
	Message string `json:"message"`
	TempID  string `json:"tempId,omitempty"`
}

// UnknownTypePayload echoes an unrecognized message type back to the
// sender rather than ignoring it silently.
type UnknownTypePayload struct {
	ReceivedType string `json:"receivedType"`
}

// WelcomePayload is informational, sent once per connection before AUTH.
type WelcomePayload struct {
	Message    string `json:"message"`
	ServerTime int64  `json:"serverTime"`
}
