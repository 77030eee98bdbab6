// Package web delivers notifications to browser Push API subscriptions using
// VAPID-signed requests.
package web

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
	"github.com/tinywideclouds/go-realtime-service/realtimeservice/config"
)

const defaultTTL = 60

type Dispatcher struct {
	subscriber string
	privateKey string
	publicKey  string
	icon       string
	logger     *slog.Logger
	httpClient webpush.HTTPClient
}

type Option func(*Dispatcher)

// WithHTTPClient replaces the client used to reach push services.
func WithHTTPClient(c webpush.HTTPClient) Option {
	return func(d *Dispatcher) { d.httpClient = c }
}

// WithIcon sets the icon URL the service worker shows beside the notification.
func WithIcon(icon string) Option {
	return func(d *Dispatcher) { d.icon = icon }
}

func NewDispatcher(cfg config.VapidConfig, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		privateKey: cfg.PrivateKey,
		publicKey:  cfg.PublicKey,
		subscriber: cfg.SubscriberEmail,
		logger:     logger.With("component", "WebPushDispatcher"),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends one encrypted request per subscription. It returns the
// subscriptions the push service reported as gone so the caller can delete them.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	subs []notification.WebPushSubscription,
	content notification.NotificationContent,
	data map[string]string,
) (string, []notification.WebPushSubscription, error) {
	if len(subs) == 0 {
		return "skipped: no subscriptions", nil, nil
	}

	display := map[string]string{
		"title": content.Title,
		"body":  content.Body,
	}
	if d.icon != "" {
		display["icon"] = d.icon
	}
	payloadBytes, err := json.Marshal(map[string]any{
		"notification": display,
		"data":         data,
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	var invalidSubs []notification.WebPushSubscription
	successCount, failureCount := 0, 0

	for _, sub := range subs {
		if ctx.Err() != nil {
			return "", invalidSubs, ctx.Err()
		}

		s := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: base64.RawURLEncoding.EncodeToString(sub.Keys.P256dh),
				Auth:   base64.RawURLEncoding.EncodeToString(sub.Keys.Auth),
			},
		}

		status, err := d.send(payloadBytes, s)
		if err != nil {
			// DNS, timeouts, bad keys: log and skip, never delete.
			d.logger.Error("WebPush transport error", "endpoint", sub.Endpoint, "err", err)
			failureCount++
			continue
		}

		switch status {
		case http.StatusCreated, http.StatusOK:
			successCount++
		case http.StatusGone, http.StatusNotFound:
			invalidSubs = append(invalidSubs, sub)
			failureCount++
		default:
			d.logger.Warn("WebPush rejected", "status", status, "endpoint", sub.Endpoint)
			failureCount++
		}
	}

	receipt := fmt.Sprintf("success:%d invalid:%d total_fail:%d", successCount, len(invalidSubs), failureCount)
	return receipt, invalidSubs, nil
}

func (d *Dispatcher) send(payload []byte, s *webpush.Subscription) (int, error) {
	resp, err := webpush.SendNotification(payload, s, &webpush.Options{
		Subscriber:      d.subscriber,
		VAPIDPublicKey:  d.publicKey,
		VAPIDPrivateKey: d.privateKey,
		TTL:             defaultTTL,
		Urgency:         webpush.UrgencyHigh,
		HTTPClient:      d.httpClient,
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
