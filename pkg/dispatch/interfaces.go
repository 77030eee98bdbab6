// Package dispatch contains the contracts for reaching a user's devices when the
// app is not connected: platform dispatchers and the device token store.
package dispatch

import (
	"context"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
)

// Dispatcher defines the contract for a component that can send notifications
// to a token-addressed platform (Google's FCM, Apple's APNs).
type Dispatcher interface {
	// Dispatch sends the notification content to a batch of platform-specific tokens.
	// It returns a receipt and the tokens the platform reported as dead.
	Dispatch(ctx context.Context, tokens []string, content notification.NotificationContent, data map[string]string) (string, []string, error)
}

// WebDispatcher sends notifications to VAPID web push subscriptions.
type WebDispatcher interface {
	Dispatch(ctx context.Context, subs []notification.WebPushSubscription, content notification.NotificationContent, data map[string]string) (string, []notification.WebPushSubscription, error)
}

// DeviceSet is every device a user has registered, bucketed by platform.
type DeviceSet struct {
	FCMTokens        []string                           `json:"fcm_tokens"`
	APNSTokens       []string                           `json:"apns_tokens"`
	WebSubscriptions []notification.WebPushSubscription `json:"web_subscriptions"`
}

// Empty reports whether the set holds no devices at all.
func (d *DeviceSet) Empty() bool {
	return len(d.FCMTokens) == 0 && len(d.APNSTokens) == 0 && len(d.WebSubscriptions) == 0
}

// TokenStore defines the contract for managing user device tokens.
type TokenStore interface {
	RegisterFCM(ctx context.Context, user urn.URN, token string) error
	UnregisterFCM(ctx context.Context, user urn.URN, token string) error

	RegisterAPNS(ctx context.Context, user urn.URN, token string) error
	UnregisterAPNS(ctx context.Context, user urn.URN, token string) error

	RegisterWeb(ctx context.Context, user urn.URN, sub notification.WebPushSubscription) error
	UnregisterWeb(ctx context.Context, user urn.URN, endpoint string) error

	// Fetch returns every registered device for the user.
	Fetch(ctx context.Context, user urn.URN) (*DeviceSet, error)
}
