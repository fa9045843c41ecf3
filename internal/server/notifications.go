package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/jobmesh/relay/internal/store"
	"github.com/jobmesh/relay/internal/wire"
)

// Publisher pushes notification events to connected listeners. Writes
// to the store happen first; the push is advisory and clients that miss
// it pick the change up on their next poll.
type Publisher interface {
	Publish(userID string, n store.Notification)
	Invalidate(userID string)
}

// NotificationAPI serves the REST fallback for notifications. Clients
// whose push channel is down poll these endpoints instead.
type NotificationAPI struct {
	store     store.NotificationStore
	publisher Publisher
	logger    *slog.Logger
}

// NewNotificationAPI creates the REST handler set.
func NewNotificationAPI(st store.NotificationStore, publisher Publisher, logger *slog.Logger) *NotificationAPI {
	return &NotificationAPI{
		store:     st,
		publisher: publisher,
		logger:    logger,
	}
}

type notificationListResponse struct {
	Notifications []store.Notification `json:"notifications"`
	UnreadCount   int                  `json:"unreadCount"`
}

type createNotificationRequest struct {
	UserID   string `json:"userId"`
	Kind     string `json:"kind"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	Priority string `json:"priority"`
}

// HandleList serves GET /api/notifications.
func (api *NotificationAPI) HandleList(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId query parameter is required", http.StatusBadRequest)
		return
	}

	notifications, err := api.store.NotificationsForUser(userID)
	if err != nil {
		api.logger.Warn("listing notifications failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		http.Error(w, "listing notifications failed", http.StatusInternalServerError)

		return
	}

	if notifications == nil {
		notifications = []store.Notification{}
	}

	unread := 0
	for _, n := range notifications {
		if n.Status == store.StatusUnread {
			unread++
		}
	}

	api.writeJSON(w, http.StatusOK, notificationListResponse{
		Notifications: notifications,
		UnreadCount:   unread,
	})
}

// HandleCreate serves POST /api/notifications. The stored notification
// is also pushed to the user's live listeners.
func (api *NotificationAPI) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createNotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	if req.UserID == "" || req.Title == "" {
		http.Error(w, "userId and title are required", http.StatusBadRequest)
		return
	}

	priority := req.Priority
	switch priority {
	case store.PriorityLow, store.PriorityNormal, store.PriorityHigh:
	case "":
		priority = store.PriorityNormal
	default:
		http.Error(w, "priority must be low, normal or high", http.StatusBadRequest)
		return
	}

	n := store.Notification{
		ID:        wire.NextMessageID(),
		UserID:    req.UserID,
		Kind:      req.Kind,
		Title:     req.Title,
		Body:      req.Body,
		Priority:  priority,
		Status:    store.StatusUnread,
		CreatedAt: time.Now().UnixMilli(),
	}

	if err := api.store.AddNotification(n); err != nil {
		api.logger.Error("storing notification failed",
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()),
		)
		http.Error(w, "storing notification failed", http.StatusInternalServerError)

		return
	}

	api.publisher.Publish(n.UserID, n)

	api.writeJSON(w, http.StatusCreated, n)
}

// HandleMarkRead serves PUT /api/notifications/{id}/read.
func (api *NotificationAPI) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	id := r.PathValue("id")

	if userID == "" || id == "" {
		http.Error(w, "userId and notification id are required", http.StatusBadRequest)
		return
	}

	if err := api.store.MarkNotificationRead(userID, id); err != nil {
		api.logger.Warn("marking notification read failed",
			slog.String("user_id", userID),
			slog.String("notification_id", id),
			slog.String("error", err.Error()),
		)
		http.Error(w, "marking notification read failed", http.StatusInternalServerError)

		return
	}

	api.publisher.Invalidate(userID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleMarkAllRead serves PUT /api/notifications/read-all.
func (api *NotificationAPI) HandleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId query parameter is required", http.StatusBadRequest)
		return
	}

	if err := api.store.MarkAllNotificationsRead(userID); err != nil {
		api.logger.Warn("marking all notifications read failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		http.Error(w, "marking notifications read failed", http.StatusInternalServerError)

		return
	}

	api.publisher.Invalidate(userID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleDelete serves DELETE /api/notifications/{id}.
func (api *NotificationAPI) HandleDelete(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	id := r.PathValue("id")

	if userID == "" || id == "" {
		http.Error(w, "userId and notification id are required", http.StatusBadRequest)
		return
	}

	if err := api.store.DeleteNotification(userID, id); err != nil {
		api.logger.Warn("deleting notification failed",
			slog.String("user_id", userID),
			slog.String("notification_id", id),
			slog.String("error", err.Error()),
		)
		http.Error(w, "deleting notification failed", http.StatusInternalServerError)

		return
	}

	api.publisher.Invalidate(userID)
	w.WriteHeader(http.StatusNoContent)
}

func (api *NotificationAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Debug("writing response failed", slog.String("error", err.Error()))
	}
}
