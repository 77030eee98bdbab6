// Package firestore contains the Cloud Firestore backed stores: live post
// counters and the per-user device registry.
package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
	"github.com/tinywideclouds/go-realtime-service/pkg/dispatch"
)

// Device platforms as stored in the platform field.
const (
	platformFCM  = "fcm"
	platformAPNS = "apns"
	platformWeb  = "web"
)

// FirestoreStore implements dispatch.TokenStore using Google Cloud Firestore.
type FirestoreStore struct {
	client *firestore.Client
	logger *slog.Logger
}

func NewFirestoreStore(client *firestore.Client, logger *slog.Logger) *FirestoreStore {
	return &FirestoreStore{
		client: client,
		logger: logger.With("component", "TokenStore"),
	}
}

// deviceRecord is the stored document. Token is set for FCM and APNs devices,
// WebSubscription for browsers.
type deviceRecord struct {
	Platform        string                            `firestore:"platform"`
	Token           string                            `firestore:"token,omitempty"`
	WebSubscription *notification.WebPushSubscription `firestore:"web_subscription,omitempty"`
	UpdatedAt       time.Time                         `firestore:"updated_at"`
}

func (s *FirestoreStore) RegisterFCM(ctx context.Context, user urn.URN, token string) error {
	return s.put(ctx, user, token, deviceRecord{Platform: platformFCM, Token: token})
}

func (s *FirestoreStore) UnregisterFCM(ctx context.Context, user urn.URN, token string) error {
	return s.remove(ctx, user, token)
}

func (s *FirestoreStore) RegisterAPNS(ctx context.Context, user urn.URN, token string) error {
	return s.put(ctx, user, token, deviceRecord{Platform: platformAPNS, Token: token})
}

func (s *FirestoreStore) UnregisterAPNS(ctx context.Context, user urn.URN, token string) error {
	return s.remove(ctx, user, token)
}

// RegisterWeb keys the subscription by its endpoint URL.
func (s *FirestoreStore) RegisterWeb(ctx context.Context, user urn.URN, sub notification.WebPushSubscription) error {
	return s.put(ctx, user, sub.Endpoint, deviceRecord{Platform: platformWeb, WebSubscription: &sub})
}

func (s *FirestoreStore) UnregisterWeb(ctx context.Context, user urn.URN, endpoint string) error {
	return s.remove(ctx, user, endpoint)
}

// Fetch reads every device of the user and sorts them into platform buckets.
// Undecodable rows are skipped.
func (s *FirestoreStore) Fetch(ctx context.Context, user urn.URN) (*dispatch.DeviceSet, error) {
	iter := s.devicesCollection(user).Documents(ctx)
	defer iter.Stop()

	set := &dispatch.DeviceSet{
		FCMTokens:        make([]string, 0),
		APNSTokens:       make([]string, 0),
		WebSubscriptions: make([]notification.WebPushSubscription, 0),
	}

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}

		var record deviceRecord
		if err := doc.DataTo(&record); err != nil {
			s.logger.Warn("Skipping corrupt device record", "user", user.String(), "doc_id", doc.Ref.ID, "err", err)
			continue
		}

		switch {
		case record.Platform == platformWeb && record.WebSubscription != nil:
			set.WebSubscriptions = append(set.WebSubscriptions, *record.WebSubscription)
		case record.Platform == platformAPNS && record.Token != "":
			set.APNSTokens = append(set.APNSTokens, record.Token)
		case record.Token != "":
			// Legacy rows without a platform were all FCM.
			set.FCMTokens = append(set.FCMTokens, record.Token)
		}
	}

	return set, nil
}

// --- Helpers ---

func (s *FirestoreStore) put(ctx context.Context, user urn.URN, key string, record deviceRecord) error {
	record.UpdatedAt = time.Now()
	if _, err := s.deviceRef(user, key).Set(ctx, record); err != nil {
		return fmt.Errorf("failed to store %s device: %w", record.Platform, err)
	}
	return nil
}

func (s *FirestoreStore) remove(ctx context.Context, user urn.URN, key string) error {
	if _, err := s.deviceRef(user, key).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	return nil
}

// deviceRef: users/{userURN}/devices/{sha256(key)}
func (s *FirestoreStore) deviceRef(user urn.URN, key string) *firestore.DocumentRef {
	return s.devicesCollection(user).Doc(hashKey(key))
}

func (s *FirestoreStore) devicesCollection(user urn.URN) *firestore.CollectionRef {
	return s.client.Collection("users").Doc(user.String()).Collection("devices")
}

func hashKey(k string) string {
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:])
}
