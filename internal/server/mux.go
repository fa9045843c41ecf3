// Package server provides the relay's connection registry, message
// router, and HTTP server construction.
package server

import (
	"net/http"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	WS            *Server
	NotifyWS      http.Handler
	Notifications *NotificationAPI
}

// NewMux builds the HTTP mux with the message transport endpoint, the
// notification push endpoint, and the notification REST fallback.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", cfg.WS.HandleWS)
	mux.Handle("/notifications/ws", cfg.NotifyWS)

	mux.HandleFunc("GET /api/notifications", cfg.Notifications.HandleList)
	mux.HandleFunc("POST /api/notifications", cfg.Notifications.HandleCreate)
	mux.HandleFunc("PUT /api/notifications/{id}/read", cfg.Notifications.HandleMarkRead)
	mux.HandleFunc("PUT /api/notifications/read-all", cfg.Notifications.HandleMarkAllRead)
	mux.HandleFunc("DELETE /api/notifications/{id}", cfg.Notifications.HandleDelete)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}
