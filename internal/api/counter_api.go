package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	"github.com/tinywideclouds/go-realtime-service/pkg/livefeed"
)

// CounterMutator starts a counter write without waiting for it.
type CounterMutator interface {
	Increment(entityID string, field livefeed.Field)
	Decrement(entityID string, field livefeed.Field)
}

// CounterAPI exposes optimistic like/comment counter changes. The client has
// already updated its own view, so the response never waits for the store;
// the committed value arrives through the live session.
type CounterAPI struct {
	Mutations CounterMutator
	Logger    *slog.Logger
}

func NewCounterAPI(mutations CounterMutator, logger *slog.Logger) *CounterAPI {
	return &CounterAPI{
		Mutations: mutations,
		Logger:    logger.With("component", "CounterAPI"),
	}
}

// Like handles POST /api/v1/posts/{id}/likes.
func (api *CounterAPI) Like(w http.ResponseWriter, r *http.Request) {
	api.mutate(w, r, livefeed.FieldLikes, api.Mutations.Increment)
}

// Unlike handles DELETE /api/v1/posts/{id}/likes.
func (api *CounterAPI) Unlike(w http.ResponseWriter, r *http.Request) {
	api.mutate(w, r, livefeed.FieldLikes, api.Mutations.Decrement)
}

// Comment handles POST /api/v1/posts/{id}/comments.
func (api *CounterAPI) Comment(w http.ResponseWriter, r *http.Request) {
	api.mutate(w, r, livefeed.FieldComments, api.Mutations.Increment)
}

// Uncomment handles DELETE /api/v1/posts/{id}/comments.
func (api *CounterAPI) Uncomment(w http.ResponseWriter, r *http.Request) {
	api.mutate(w, r, livefeed.FieldComments, api.Mutations.Decrement)
}

func (api *CounterAPI) mutate(w http.ResponseWriter, r *http.Request, field livefeed.Field, fn func(string, livefeed.Field)) {
	if _, ok := userFromRequest(w, r, api.Logger); !ok {
		return
	}

	id := r.PathValue("id")
	if id == "" || strings.Contains(id, "/") {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid post id")
		return
	}

	fn(id, field)
	w.WriteHeader(http.StatusAccepted)
}
