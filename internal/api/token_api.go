// Package api holds the HTTP handlers of the realtime service. Every handler
// expects the auth middleware to have placed the caller's user handle on the
// request context.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
	"github.com/tinywideclouds/go-realtime-service/pkg/dispatch"
)

// userFromRequest resolves the authenticated caller, writing a 401 when absent.
func userFromRequest(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (userURN urn.URN, ok bool) {
	userID, ok := middleware.GetUserHandleFromContext(r.Context())
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return userURN, false
	}
	userURN, err := urn.Parse(userID)
	if err != nil {
		logger.Warn("Rejecting request with malformed user handle", "user", userID, "err", err)
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return userURN, false
	}
	return userURN, true
}

type TokenAPI struct {
	Store  dispatch.TokenStore
	Logger *slog.Logger
}

func NewTokenAPI(store dispatch.TokenStore, logger *slog.Logger) *TokenAPI {
	return &TokenAPI{
		Store:  store,
		Logger: logger.With("component", "TokenAPI"),
	}
}

// RegisterTokenRequest is the body for FCM and APNs (un)registration.
type RegisterTokenRequest struct {
	Token string `json:"token"`
}

type tokenFunc func(ctx context.Context, user urn.URN, token string) error

// --- Mobile (FCM, APNs) ---

func (api *TokenAPI) RegisterFCM(w http.ResponseWriter, r *http.Request) {
	api.registerToken(w, r, "fcm", api.Store.RegisterFCM)
}

func (api *TokenAPI) UnregisterFCM(w http.ResponseWriter, r *http.Request) {
	api.unregisterToken(w, r, "fcm", api.Store.UnregisterFCM)
}

func (api *TokenAPI) RegisterAPNS(w http.ResponseWriter, r *http.Request) {
	api.registerToken(w, r, "apns", api.Store.RegisterAPNS)
}

func (api *TokenAPI) UnregisterAPNS(w http.ResponseWriter, r *http.Request) {
	api.unregisterToken(w, r, "apns", api.Store.UnregisterAPNS)
}

func (api *TokenAPI) registerToken(w http.ResponseWriter, r *http.Request, platform string, store tokenFunc) {
	userURN, ok := userFromRequest(w, r, api.Logger)
	if !ok {
		return
	}

	var req RegisterTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Token == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing token")
		return
	}

	if err := store(r.Context(), userURN, req.Token); err != nil {
		api.Logger.Error("failed to register token", "platform", platform, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// unregisterToken is idempotent: storage failures are logged, not surfaced.
func (api *TokenAPI) unregisterToken(w http.ResponseWriter, r *http.Request, platform string, remove tokenFunc) {
	userURN, ok := userFromRequest(w, r, api.Logger)
	if !ok {
		return
	}

	var req RegisterTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := remove(r.Context(), userURN, req.Token); err != nil {
		api.Logger.Warn("failed to unregister token", "platform", platform, "err", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Web (VAPID) ---

func (api *TokenAPI) RegisterWeb(w http.ResponseWriter, r *http.Request) {
	userURN, ok := userFromRequest(w, r, api.Logger)
	if !ok {
		return
	}

	var sub notification.WebPushSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		api.Logger.Error("RegisterWeb: JSON Decode failed", "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, "invalid subscription json")
		return
	}

	if sub.Endpoint == "" || len(sub.Keys.P256dh) == 0 || len(sub.Keys.Auth) == 0 {
		api.Logger.Warn("RegisterWeb: Validation failed", "reason", "missing fields")
		response.WriteJSONError(w, http.StatusBadRequest, "incomplete subscription object")
		return
	}

	if err := api.Store.RegisterWeb(r.Context(), userURN, sub); err != nil {
		api.Logger.Error("failed to register web", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	api.Logger.Info("RegisterWeb: Subscription registered", "user", userURN, "endpoint", sub.Endpoint)

	w.WriteHeader(http.StatusNoContent)
}

type UnregisterWebRequest struct {
	Endpoint string `json:"endpoint"`
}

func (api *TokenAPI) UnregisterWeb(w http.ResponseWriter, r *http.Request) {
	userURN, ok := userFromRequest(w, r, api.Logger)
	if !ok {
		return
	}

	var req UnregisterWebRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Logger.Error("UnregisterWeb: JSON Decode failed", "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Endpoint == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing endpoint")
		return
	}

	if err := api.Store.UnregisterWeb(r.Context(), userURN, req.Endpoint); err != nil {
		api.Logger.Warn("failed to unregister web", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "failed to unregister web")
		return
	}
	api.Logger.Info("UnregisterWeb: Subscription unregistered", "user", userURN, "endpoint", req.Endpoint)

	w.WriteHeader(http.StatusNoContent)
}
