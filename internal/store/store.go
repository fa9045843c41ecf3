// Package store is the persistence collaborator for the message relay:
// conversations, message history, and the notification backlog served by
// the REST fallback. Backed by a single bbolt database. The transport
// core only consumes the interfaces; nothing here affects delivery.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// dbDirPerm is the permission mode for the database directory.
	dbDirPerm = fs.FileMode(0o700)

	// dbFilePerm is the permission mode for the database file.
	dbFilePerm = fs.FileMode(0o600)

	// dbOpenTimeout is the maximum time to wait for the bolt file lock.
	dbOpenTimeout = 5 * time.Second
)

var conversationsBucket = []byte("conversations")

func messagesBucket(conversationID string) []byte {
	return []byte("conv:" + conversationID + ":messages")
}

func userConversationsBucket(userID string) []byte {
	return []byte("user:" + userID + ":convs")
}

func notificationsBucket(userID string) []byte {
	return []byte("user:" + userID + ":notifications")
}

// Message is one chat message as persisted and as serialized to clients.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	ReceiverID     string `json:"receiverId"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"createdAt"`
	Read           bool   `json:"read"`
}

// Conversation is the per-pair thread summary shown in conversation lists.
type Conversation struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
	LastMessage  string   `json:"lastMessage,omitempty"`
	UpdatedAt    int64    `json:"updatedAt"`
}

// Notification statuses. UnreadCount invariants elsewhere key off these.
const (
	StatusUnread = "UNREAD"
	StatusRead   = "READ"
)

// Notification priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Notification is one out-of-band event pushed over the fan-out channel
// and listed by the REST fallback.
type Notification struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Body      string `json:"body,omitempty"`
	Priority  string `json:"priority"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
}

// MessageStore is the router's view of persistence.
type MessageStore interface {
	AppendMessage(msg Message) error
	MessagesForConversation(conversationID string) ([]Message, error)
	ConversationsForUser(userID string) ([]Conversation, error)
	MarkConversationRead(userID, conversationID string) error
}

// NotificationStore is the notification API's view of persistence.
type NotificationStore interface {
	AddNotification(n Notification) error
	NotificationsForUser(userID string) ([]Notification, error)
	MarkNotificationRead(userID, id string) error
	MarkAllNotificationsRead(userID string) error
	DeleteNotification(userID, id string) error
}

// Store wraps a bbolt database implementing both store interfaces.
type Store struct {
	db *bolt.DB
}

// LoadAt opens the database at the given path, creating it if needed.
// Tests pass a t.TempDir path for isolation.
func LoadAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dbDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, dbFilePerm, &bolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(conversationsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendMessage persists a message and updates the conversation summary
// and both participants' conversation indexes in one transaction.
func (s *Store) AppendMessage(msg Message) error {
	if msg.ConversationID == "" {
		return fmt.Errorf("message has no conversation id")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		mb, err := tx.CreateBucketIfNotExists(messagesBucket(msg.ConversationID))
		if err != nil {
			return fmt.Errorf("creating messages bucket: %w", err)
		}

		seq, err := mb.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating message sequence: %w", err)
		}

		raw, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshalling message: %w", err)
		}

		if err := mb.Put(seqKey(seq), raw); err != nil {
			return fmt.Errorf("storing message: %w", err)
		}

		conv := Conversation{ID: msg.ConversationID}

		cb := tx.Bucket(conversationsBucket)
		if existing := cb.Get([]byte(msg.ConversationID)); existing != nil {
			if err := json.Unmarshal(existing, &conv); err != nil {
				return fmt.Errorf("decoding conversation: %w", err)
			}
		}

		conv.Participants = addParticipant(conv.Participants, msg.SenderID)
		conv.Participants = addParticipant(conv.Participants, msg.ReceiverID)
		conv.LastMessage = msg.Content
		conv.UpdatedAt = msg.CreatedAt

		rawConv, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("marshalling conversation: %w", err)
		}

		if err := cb.Put([]byte(msg.ConversationID), rawConv); err != nil {
			return fmt.Errorf("storing conversation: %w", err)
		}

		for _, uid := range []string{msg.SenderID, msg.ReceiverID} {
			if uid == "" {
				continue
			}

			ub, err := tx.CreateBucketIfNotExists(userConversationsBucket(uid))
			if err != nil {
				return fmt.Errorf("creating user conversation index: %w", err)
			}

			if err := ub.Put([]byte(msg.ConversationID), nil); err != nil {
				return fmt.Errorf("indexing conversation for %s: %w", uid, err)
			}
		}

		return nil
	})
}

// MessagesForConversation returns the full history ordered by creation
// time, ascending. Unknown conversations yield an empty slice.
func (s *Store) MessagesForConversation(conversationID string) ([]Message, error) {
	var out []Message

	err := s.db.View(func(tx *bolt.Tx) error {
		mb := tx.Bucket(messagesBucket(conversationID))
		if mb == nil {
			return nil
		}

		return mb.ForEach(func(_, v []byte) error {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("decoding message: %w", err)
			}

			out = append(out, msg)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// ConversationsForUser returns the user's conversations, most recently
// updated first.
func (s *Store) ConversationsForUser(userID string) ([]Conversation, error) {
	var out []Conversation

	err := s.db.View(func(tx *bolt.Tx) error {
		ub := tx.Bucket(userConversationsBucket(userID))
		if ub == nil {
			return nil
		}

		cb := tx.Bucket(conversationsBucket)

		return ub.ForEach(func(k, _ []byte) error {
			raw := cb.Get(k)
			if raw == nil {
				return nil
			}

			var conv Conversation
			if err := json.Unmarshal(raw, &conv); err != nil {
				return fmt.Errorf("decoding conversation: %w", err)
			}

			out = append(out, conv)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })

	return out, nil
}

// MarkConversationRead flags every message addressed to userID in the
// conversation as read.
func (s *Store) MarkConversationRead(userID, conversationID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		mb := tx.Bucket(messagesBucket(conversationID))
		if mb == nil {
			return nil
		}

		// Writes are collected during the scan and applied afterwards;
		// bbolt cursors must not observe mutations mid-traversal.
		updates := make(map[string][]byte)

		c := mb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("decoding message: %w", err)
			}

			if msg.ReceiverID != userID || msg.Read {
				continue
			}

			msg.Read = true

			raw, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("marshalling message: %w", err)
			}

			updates[string(k)] = raw
		}

		for k, raw := range updates {
			if err := mb.Put([]byte(k), raw); err != nil {
				return fmt.Errorf("updating message: %w", err)
			}
		}

		return nil
	})
}

// AddNotification appends a notification to the user's backlog.
func (s *Store) AddNotification(n Notification) error {
	if n.UserID == "" {
		return fmt.Errorf("notification has no user id")
	}

	if n.Status == "" {
		n.Status = StatusUnread
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		nb, err := tx.CreateBucketIfNotExists(notificationsBucket(n.UserID))
		if err != nil {
			return fmt.Errorf("creating notifications bucket: %w", err)
		}

		seq, err := nb.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating notification sequence: %w", err)
		}

		raw, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("marshalling notification: %w", err)
		}

		return nb.Put(seqKey(seq), raw)
	})
}

// NotificationsForUser returns the user's notifications in arrival order.
func (s *Store) NotificationsForUser(userID string) ([]Notification, error) {
	var out []Notification

	err := s.db.View(func(tx *bolt.Tx) error {
		nb := tx.Bucket(notificationsBucket(userID))
		if nb == nil {
			return nil
		}

		return nb.ForEach(func(_, v []byte) error {
			var n Notification
			if err := json.Unmarshal(v, &n); err != nil {
				return fmt.Errorf("decoding notification: %w", err)
			}

			out = append(out, n)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// MarkNotificationRead sets one notification's status to READ.
func (s *Store) MarkNotificationRead(userID, id string) error {
	return s.updateNotifications(userID, func(n *Notification) bool {
		if n.ID != id || n.Status == StatusRead {
			return false
		}

		n.Status = StatusRead

		return true
	})
}

// MarkAllNotificationsRead sets every unread notification to READ.
func (s *Store) MarkAllNotificationsRead(userID string) error {
	return s.updateNotifications(userID, func(n *Notification) bool {
		if n.Status == StatusRead {
			return false
		}

		n.Status = StatusRead

		return true
	})
}

// DeleteNotification removes one notification from the backlog.
func (s *Store) DeleteNotification(userID, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		nb := tx.Bucket(notificationsBucket(userID))
		if nb == nil {
			return nil
		}

		c := nb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var n Notification
			if err := json.Unmarshal(v, &n); err != nil {
				return fmt.Errorf("decoding notification: %w", err)
			}

			if n.ID == id {
				return nb.Delete(k)
			}
		}

		return nil
	})
}

func (s *Store) updateNotifications(userID string, mutate func(*Notification) bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		nb := tx.Bucket(notificationsBucket(userID))
		if nb == nil {
			return nil
		}

		// Same collect-then-write shape as MarkConversationRead; a Put
		// would invalidate the live cursor.
		updates := make(map[string][]byte)

		c := nb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var n Notification
			if err := json.Unmarshal(v, &n); err != nil {
				return fmt.Errorf("decoding notification: %w", err)
			}

			if !mutate(&n) {
				continue
			}

			raw, err := json.Marshal(n)
			if err != nil {
				return fmt.Errorf("marshalling notification: %w", err)
			}

			updates[string(k)] = raw
		}

		for k, raw := range updates {
			if err := nb.Put([]byte(k), raw); err != nil {
				return fmt.Errorf("updating notification: %w", err)
			}
		}

		return nil
	})
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)

	return key
}

func addParticipant(participants []string, userID string) []string {
	if userID == "" {
		return participants
	}

	for _, p := range participants {
		if p == userID {
			return participants
		}
	}

	return append(participants, userID)
}
