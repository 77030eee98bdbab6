// Package apns delivers system-displayed notifications to iOS devices through
// the Apple Push Notification Service.
package apns

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
)

// APNSClient defines the subset of the apns2.Client methods we use.
type APNSClient interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// Config holds the credentials required to sign APNs tokens.
type Config struct {
	KeyID    string
	TeamID   string
	BundleID string
	// P8KeyContent is the raw string content of the .p8 file
	P8KeyContent string
	// Category is the notification category registered by the app, used for
	// the same actions local notifications get.
	Category string
	Sandbox  bool
}

type Dispatcher struct {
	client   APNSClient
	topic    string
	category string
	logger   *slog.Logger
}

// NewDispatcher parses the P8 key immediately to fail fast on bad credentials.
func NewDispatcher(cfg Config, logger *slog.Logger) (*Dispatcher, error) {
	authKey, err := token.AuthKeyFromBytes([]byte(cfg.P8KeyContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}

	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	})
	if cfg.Sandbox {
		client = client.Development()
	} else {
		client = client.Production()
	}

	return newDispatcher(client, cfg.BundleID, cfg.Category, logger), nil
}

func newDispatcher(client APNSClient, topic, category string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client:   client,
		topic:    topic,
		category: category,
		logger:   logger.With("component", "APNSDispatcher"),
	}
}

// Dispatch pushes to each token in turn; APNs has no multicast endpoint.
// Routing data is copied into the payload root as custom keys.
//
// Transport errors are logged and counted; only dead tokens are returned.
func (d *Dispatcher) Dispatch(ctx context.Context, tokens []string, content notification.NotificationContent, data map[string]string) (string, []string, error) {
	if len(tokens) == 0 {
		return "skipped: no tokens", nil, nil
	}

	p := payload.NewPayload().
		AlertTitle(content.Title).
		AlertBody(content.Body)
	if content.Sound != "" {
		p.Sound(content.Sound)
	}
	if d.category != "" {
		p.Category(d.category)
	}
	for k, v := range data {
		p.Custom(k, v)
	}

	var invalidTokens []string
	successCount, failureCount := 0, 0

	for _, deviceToken := range tokens {
		res, err := d.client.PushWithContext(ctx, &apns2.Notification{
			DeviceToken: deviceToken,
			Topic:       d.topic,
			Payload:     p,
			PushType:    apns2.PushTypeAlert,
		})
		if err != nil {
			d.logger.Error("APNs transport failed", "token", deviceToken, "err", err)
			failureCount++
			continue
		}

		if res.Sent() {
			successCount++
			continue
		}

		failureCount++
		switch res.Reason {
		case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
			invalidTokens = append(invalidTokens, deviceToken)
		default:
			// The token may be fine; our configuration is not.
			d.logger.Warn("APNs rejected notification", "reason", res.Reason, "status", res.StatusCode)
		}
	}

	receipt := fmt.Sprintf("success:%d invalid:%d total_fail:%d", successCount, len(invalidTokens), failureCount)
	return receipt, invalidTokens, nil
}
