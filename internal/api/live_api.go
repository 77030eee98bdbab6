package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// SessionServer runs a live session on an upgraded connection.
type SessionServer interface {
	Serve(ctx context.Context, conn *websocket.Conn, user urn.URN) error
}

// LiveAPI upgrades authenticated requests to a websocket live session.
type LiveAPI struct {
	Sessions SessionServer
	Logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewLiveAPI accepts the same origins as the CORS configuration. An empty
// list falls back to gorilla's same-host check.
func NewLiveAPI(sessions SessionServer, allowedOrigins []string, logger *slog.Logger) *LiveAPI {
	api := &LiveAPI{
		Sessions: sessions,
		Logger:   logger.With("component", "LiveAPI"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	if len(allowedOrigins) > 0 {
		allowed := make(map[string]struct{}, len(allowedOrigins))
		for _, o := range allowedOrigins {
			allowed[o] = struct{}{}
		}
		api.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Native clients do not send an Origin header.
				return true
			}
			_, ok := allowed[origin]
			return ok
		}
	}
	return api
}

// Connect handles GET /api/v1/live.
func (api *LiveAPI) Connect(w http.ResponseWriter, r *http.Request) {
	userURN, ok := userFromRequest(w, r, api.Logger)
	if !ok {
		return
	}

	conn, err := api.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		api.Logger.Warn("Websocket upgrade failed", "user", userURN, "err", err)
		return
	}

	// The connection is hijacked; the session outlives the request's deadlines.
	if err := api.Sessions.Serve(context.WithoutCancel(r.Context()), conn, userURN); err != nil {
		api.Logger.Error("Live session failed", "user", userURN, "err", err)
	}
}
