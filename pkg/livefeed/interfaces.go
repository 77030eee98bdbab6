// Package livefeed contains the public contracts for live per-entity counter
// subscriptions (feed posts and their like/comment counters).
package livefeed

import (
	"context"
	"errors"
)

// ErrInvalidEntityID is returned when an entity identifier cannot address a
// remote document (empty, or containing a path separator).
var ErrInvalidEntityID = errors.New("invalid entity id")

// Counters is the mutable state of a feed entity observed by a subscription.
type Counters struct {
	LikesCount    int64 `json:"likesCount" firestore:"likesCount"`
	CommentsCount int64 `json:"commentsCount" firestore:"commentsCount"`
}

// Field names a mutable counter on an entity.
type Field string

const (
	FieldLikes    Field = "likes"
	FieldComments Field = "comments"
)

// Valid reports whether f names a known counter.
func (f Field) Valid() bool {
	return f == FieldLikes || f == FieldComments
}

// UpdateFunc receives the new counters of an entity each time the remote
// document changes.
type UpdateFunc func(entityID string, counters Counters)

// Unsubscribe releases a live listener. Implementations must be idempotent.
type Unsubscribe func()

// Listener is the remote listener primitive.
type Listener interface {
	// Subscribe registers a listener for one entity. The first delivery happens
	// asynchronously; Subscribe itself does not wait for the network.
	Subscribe(ctx context.Context, entityID string, fn func(Counters)) (Unsubscribe, error)
}

// Mutator is the remote mutation primitive.
type Mutator interface {
	Increment(ctx context.Context, entityID string, field Field) error
	Decrement(ctx context.Context, entityID string, field Field) error
}
