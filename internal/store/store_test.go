package store

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *Store {
	t.Helper()

	s, err := LoadAt(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func testMessage(i int) Message {
	return Message{
		ID:             fmt.Sprintf("m%d", i),
		ConversationID: "c1",
		SenderID:       "u1",
		ReceiverID:     "u2",
		Content:        fmt.Sprintf("message %d", i),
		CreatedAt:      int64(1000 + i),
	}
}

// --- LoadAt / Close ---

func TestLoadAt_CreatesDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "relay.db")
	s, err := LoadAt(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")

	s1, err := LoadAt(path)
	require.NoError(t, err)
	require.NoError(t, s1.AppendMessage(testMessage(0)))
	require.NoError(t, s1.Close())

	s2, err := LoadAt(path)
	require.NoError(t, err)
	defer s2.Close()

	msgs, err := s2.MessagesForConversation("c1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

// --- Messages ---

func TestAppendMessage_RequiresConversationID(t *testing.T) {
	s := testDB(t)

	err := s.AppendMessage(Message{ID: "m1", SenderID: "u1"})
	assert.Error(t, err)
}

func TestMessagesForConversation_AscendingOrder(t *testing.T) {
	s := testDB(t)

	for i := range 5 {
		require.NoError(t, s.AppendMessage(testMessage(i)))
	}

	msgs, err := s.MessagesForConversation("c1")
	require.NoError(t, err)
	require.Len(t, msgs, 5)

	for i, msg := range msgs {
		assert.Equal(t, fmt.Sprintf("m%d", i), msg.ID)
	}
}

func TestMessagesForConversation_Unknown(t *testing.T) {
	s := testDB(t)

	msgs, err := s.MessagesForConversation("nope")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

// --- Conversations ---

func TestAppendMessage_UpdatesConversationSummary(t *testing.T) {
	s := testDB(t)

	require.NoError(t, s.AppendMessage(testMessage(0)))
	require.NoError(t, s.AppendMessage(testMessage(1)))

	convs, err := s.ConversationsForUser("u1")
	require.NoError(t, err)
	require.Len(t, convs, 1)

	assert.Equal(t, "c1", convs[0].ID)
	assert.Equal(t, "message 1", convs[0].LastMessage)
	assert.ElementsMatch(t, []string{"u1", "u2"}, convs[0].Participants)
}

func TestConversationsForUser_BothParticipantsIndexed(t *testing.T) {
	s := testDB(t)

	require.NoError(t, s.AppendMessage(testMessage(0)))

	for _, uid := range []string{"u1", "u2"} {
		convs, err := s.ConversationsForUser(uid)
		require.NoError(t, err)
		assert.Len(t, convs, 1, "user %s", uid)
	}
}

func TestConversationsForUser_MostRecentFirst(t *testing.T) {
	s := testDB(t)

	require.NoError(t, s.AppendMessage(Message{
		ID: "a", ConversationID: "c1", SenderID: "u1", ReceiverID: "u2",
		Content: "old", CreatedAt: 1000,
	}))
	require.NoError(t, s.AppendMessage(Message{
		ID: "b", ConversationID: "c2", SenderID: "u1", ReceiverID: "u3",
		Content: "new", CreatedAt: 2000,
	}))

	convs, err := s.ConversationsForUser("u1")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "c2", convs[0].ID)
	assert.Equal(t, "c1", convs[1].ID)
}

func TestMarkConversationRead_OnlyRecipientMessages(t *testing.T) {
	s := testDB(t)

	require.NoError(t, s.AppendMessage(Message{
		ID: "a", ConversationID: "c1", SenderID: "u1", ReceiverID: "u2",
		Content: "to u2", CreatedAt: 1000,
	}))
	require.NoError(t, s.AppendMessage(Message{
		ID: "b", ConversationID: "c1", SenderID: "u2", ReceiverID: "u1",
		Content: "to u1", CreatedAt: 1001,
	}))

	require.NoError(t, s.MarkConversationRead("u2", "c1"))

	msgs, err := s.MessagesForConversation("c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	for _, msg := range msgs {
		if msg.ReceiverID == "u2" {
			assert.True(t, msg.Read)
		} else {
			assert.False(t, msg.Read)
		}
	}
}

func TestMarkConversationRead_LargeConversationKeepsOrder(t *testing.T) {
	s := testDB(t)

	// Enough entries that the read-flag rewrite spans several bucket
	// pages; order and content must survive the in-place updates.
	for i := range 50 {
		require.NoError(t, s.AppendMessage(testMessage(i)))
	}

	require.NoError(t, s.MarkConversationRead("u2", "c1"))

	msgs, err := s.MessagesForConversation("c1")
	require.NoError(t, err)
	require.Len(t, msgs, 50)

	for i, msg := range msgs {
		assert.Equal(t, fmt.Sprintf("m%d", i), msg.ID)
		assert.Equal(t, fmt.Sprintf("message %d", i), msg.Content)
		assert.True(t, msg.Read)
	}
}

func TestMarkConversationRead_UnknownConversation(t *testing.T) {
	s := testDB(t)
	assert.NoError(t, s.MarkConversationRead("u1", "nope"))
}

// --- Notifications ---

func testNotification(i int) Notification {
	return Notification{
		ID:        fmt.Sprintf("n%d", i),
		UserID:    "u1",
		Kind:      "system",
		Title:     fmt.Sprintf("note %d", i),
		Priority:  PriorityNormal,
		Status:    StatusUnread,
		CreatedAt: int64(1000 + i),
	}
}

func TestAddNotification_RequiresUserID(t *testing.T) {
	s := testDB(t)
	assert.Error(t, s.AddNotification(Notification{ID: "n1"}))
}

func TestNotificationsForUser_ArrivalOrder(t *testing.T) {
	s := testDB(t)

	for i := range 3 {
		require.NoError(t, s.AddNotification(testNotification(i)))
	}

	out, err := s.NotificationsForUser("u1")
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "n0", out[0].ID)
	assert.Equal(t, "n2", out[2].ID)
}

func TestMarkNotificationRead(t *testing.T) {
	s := testDB(t)

	require.NoError(t, s.AddNotification(testNotification(0)))
	require.NoError(t, s.AddNotification(testNotification(1)))

	require.NoError(t, s.MarkNotificationRead("u1", "n0"))

	out, err := s.NotificationsForUser("u1")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, StatusRead, out[0].Status)
	assert.Equal(t, StatusUnread, out[1].Status)
}

func TestMarkAllNotificationsRead(t *testing.T) {
	s := testDB(t)

	for i := range 3 {
		require.NoError(t, s.AddNotification(testNotification(i)))
	}

	require.NoError(t, s.MarkAllNotificationsRead("u1"))

	out, err := s.NotificationsForUser("u1")
	require.NoError(t, err)

	for _, n := range out {
		assert.Equal(t, StatusRead, n.Status)
	}
}

func TestMarkAllNotificationsRead_LargeBacklogKeepsOrder(t *testing.T) {
	s := testDB(t)

	for i := range 50 {
		require.NoError(t, s.AddNotification(testNotification(i)))
	}

	require.NoError(t, s.MarkAllNotificationsRead("u1"))

	out, err := s.NotificationsForUser("u1")
	require.NoError(t, err)
	require.Len(t, out, 50)

	for i, n := range out {
		assert.Equal(t, fmt.Sprintf("n%d", i), n.ID)
		assert.Equal(t, StatusRead, n.Status)
	}
}

func TestDeleteNotification(t *testing.T) {
	s := testDB(t)

	require.NoError(t, s.AddNotification(testNotification(0)))
	require.NoError(t, s.AddNotification(testNotification(1)))

	require.NoError(t, s.DeleteNotification("u1", "n0"))

	out, err := s.NotificationsForUser("u1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "n1", out[0].ID)
}

func TestNotificationsForUser_EmptyBacklog(t *testing.T) {
	s := testDB(t)

	out, err := s.NotificationsForUser("nobody")
	require.NoError(t, err)
	assert.Empty(t, out)
}
