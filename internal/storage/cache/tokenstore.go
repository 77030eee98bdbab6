// Package cache adds a Redis read-aside layer in front of the device token store.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
	"github.com/tinywideclouds/go-realtime-service/pkg/dispatch"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get decodes the value into dest, or returns an error on a miss.
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// CachedTokenStore decorates a TokenStore with read-aside caching of each
// user's DeviceSet. Every write invalidates the user's entry.
type CachedTokenStore struct {
	realStore dispatch.TokenStore
	cache     CacheClient
	ttl       time.Duration
	logger    *slog.Logger
}

func NewCachedTokenStore(realStore dispatch.TokenStore, cache CacheClient, ttl time.Duration, logger *slog.Logger) *CachedTokenStore {
	return &CachedTokenStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
		logger:    logger.With("component", "CachedTokenStore"),
	}
}

func (s *CachedTokenStore) Fetch(ctx context.Context, user urn.URN) (*dispatch.DeviceSet, error) {
	key := s.cacheKey(user)

	var cached dispatch.DeviceSet
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return &cached, nil
	}

	fresh, err := s.realStore.Fetch(ctx, user)
	if err != nil {
		return nil, err
	}

	// Caching is an optimization; a Redis outage only costs a Firestore read.
	if err := s.cache.Set(ctx, key, fresh, s.ttl); err != nil {
		s.logger.Debug("Failed to populate token cache", "user", user.String(), "err", err)
	}
	return fresh, nil
}

func (s *CachedTokenStore) RegisterFCM(ctx context.Context, user urn.URN, token string) error {
	return s.writeThrough(ctx, user, func() error { return s.realStore.RegisterFCM(ctx, user, token) })
}

func (s *CachedTokenStore) UnregisterFCM(ctx context.Context, user urn.URN, token string) error {
	return s.writeThrough(ctx, user, func() error { return s.realStore.UnregisterFCM(ctx, user, token) })
}

func (s *CachedTokenStore) RegisterAPNS(ctx context.Context, user urn.URN, token string) error {
	return s.writeThrough(ctx, user, func() error { return s.realStore.RegisterAPNS(ctx, user, token) })
}

func (s *CachedTokenStore) UnregisterAPNS(ctx context.Context, user urn.URN, token string) error {
	return s.writeThrough(ctx, user, func() error { return s.realStore.UnregisterAPNS(ctx, user, token) })
}

func (s *CachedTokenStore) RegisterWeb(ctx context.Context, user urn.URN, sub notification.WebPushSubscription) error {
	return s.writeThrough(ctx, user, func() error { return s.realStore.RegisterWeb(ctx, user, sub) })
}

// UnregisterWeb must clear the cache even though the DB write already
// succeeded, otherwise a disabled browser keeps receiving pushes until the TTL.
func (s *CachedTokenStore) UnregisterWeb(ctx context.Context, user urn.URN, endpoint string) error {
	return s.writeThrough(ctx, user, func() error { return s.realStore.UnregisterWeb(ctx, user, endpoint) })
}

// --- Helpers ---

func (s *CachedTokenStore) writeThrough(ctx context.Context, user urn.URN, write func() error) error {
	if err := write(); err != nil {
		return err
	}
	if err := s.cache.Del(ctx, s.cacheKey(user)); err != nil {
		return fmt.Errorf("failed to invalidate token cache: %w", err)
	}
	return nil
}

func (s *CachedTokenStore) cacheKey(user urn.URN) string {
	return fmt.Sprintf("realtime:devices:%s", user.String())
}
