package firestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-realtime-service/pkg/livefeed"
)

// Field names on a post document.
const (
	postsCollection    = "posts"
	likesCountField    = "likesCount"
	commentsCountField = "commentsCount"
)

// PostStore exposes live counters of community posts. It implements both
// livefeed.Listener and livefeed.Mutator.
type PostStore struct {
	client *firestore.Client
	logger *slog.Logger
}

func NewPostStore(client *firestore.Client, logger *slog.Logger) *PostStore {
	return &PostStore{
		client: client,
		logger: logger.With("component", "PostStore"),
	}
}

// Subscribe opens a snapshot listener on posts/{entityID}. Each snapshot of an
// existing document is delivered to fn on a dedicated goroutine, in commit order.
// The returned Unsubscribe cancels the listener; calling it again does nothing.
func (s *PostStore) Subscribe(ctx context.Context, entityID string, fn func(livefeed.Counters)) (livefeed.Unsubscribe, error) {
	ref, err := s.postRef(entityID)
	if err != nil {
		return nil, err
	}

	listenCtx, cancel := context.WithCancel(ctx)
	iter := ref.Snapshots(listenCtx)

	go func() {
		// Stop must not run concurrently with Next, so the reader owns it.
		defer iter.Stop()
		for {
			snap, err := iter.Next()
			if err != nil {
				if listenCtx.Err() != nil || status.Code(err) == codes.Canceled || errors.Is(err, iterator.Done) {
					return
				}
				s.logger.Warn("Post listener stopped", "entity_id", entityID, "err", err)
				return
			}
			if !snap.Exists() {
				continue
			}
			var counters livefeed.Counters
			if err := snap.DataTo(&counters); err != nil {
				s.logger.Warn("Skipping undecodable post snapshot", "entity_id", entityID, "err", err)
				continue
			}
			fn(counters)
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

// Increment adds one to field on posts/{entityID}.
func (s *PostStore) Increment(ctx context.Context, entityID string, field livefeed.Field) error {
	return s.add(ctx, entityID, field, 1)
}

// Decrement subtracts one from field on posts/{entityID}.
func (s *PostStore) Decrement(ctx context.Context, entityID string, field livefeed.Field) error {
	return s.add(ctx, entityID, field, -1)
}

func (s *PostStore) add(ctx context.Context, entityID string, field livefeed.Field, delta int64) error {
	ref, err := s.postRef(entityID)
	if err != nil {
		return err
	}
	path, err := counterPath(field)
	if err != nil {
		return err
	}

	_, err = ref.Update(ctx, []firestore.Update{
		{Path: path, Value: firestore.Increment(delta)},
	})
	if err != nil {
		return fmt.Errorf("failed to update %s on post %s: %w", path, entityID, err)
	}
	return nil
}

// --- Helpers ---

func (s *PostStore) postRef(entityID string) (*firestore.DocumentRef, error) {
	if entityID == "" || strings.Contains(entityID, "/") {
		return nil, fmt.Errorf("%w: %q", livefeed.ErrInvalidEntityID, entityID)
	}
	ref := s.client.Collection(postsCollection).Doc(entityID)
	if ref == nil {
		return nil, fmt.Errorf("%w: %q", livefeed.ErrInvalidEntityID, entityID)
	}
	return ref, nil
}

func counterPath(field livefeed.Field) (string, error) {
	switch field {
	case livefeed.FieldLikes:
		return likesCountField, nil
	case livefeed.FieldComments:
		return commentsCountField, nil
	}
	return "", fmt.Errorf("unknown counter field %q", field)
}
