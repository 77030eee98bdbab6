// Package fcm delivers system-displayed notifications to Android (and FCM-bridged)
// devices through Firebase Cloud Messaging.
package fcm

import (
	"context"
	"fmt"
	"log/slog"

	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
)

// maxMulticastTokens is the FCM limit for one SendEachForMulticast call.
const maxMulticastTokens = 500

// MessagingClient defines the subset of the Firebase Messaging API we use.
// *messaging.Client satisfies it.
type MessagingClient interface {
	SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// Options controls how the notification is presented on the device.
type Options struct {
	// AndroidChannelID must match the channel the app creates for local display,
	// so system-shown and locally-shown notifications look the same.
	AndroidChannelID string
	Icon             string
}

type Dispatcher struct {
	client MessagingClient
	opts   Options
	logger *slog.Logger
}

func NewDispatcher(client MessagingClient, opts Options, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client: client,
		opts:   opts,
		logger: logger.With("component", "FCMDispatcher"),
	}
}

// Dispatch sends the notification to every token, in batches of 500. The data
// payload is passed through untouched so a tap can be routed in the app.
//
// It returns tokens FCM reported as unregistered or malformed. A transport error
// or any per-token retryable failure is returned as an error.
func (d *Dispatcher) Dispatch(ctx context.Context, tokens []string, content notification.NotificationContent, data map[string]string) (string, []string, error) {
	if len(tokens) == 0 {
		return "skipped: no tokens", nil, nil
	}

	var (
		invalidTokens []string
		successCount  int
		retryable     int
	)

	for start := 0; start < len(tokens); start += maxMulticastTokens {
		end := start + maxMulticastTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		batch := tokens[start:end]

		br, err := d.client.SendEachForMulticast(ctx, d.buildMessage(batch, content, data))
		if err != nil {
			if messaging.IsInvalidArgument(err) {
				// The message itself is bad; retrying cannot help.
				d.logger.Error("FCM rejected batch as InvalidArgument (dropping)", "err", err)
				return "skipped: invalid_argument", nil, nil
			}
			return "", nil, fmt.Errorf("fcm transport failed: %w", err)
		}

		successCount += br.SuccessCount
		for idx, resp := range br.Responses {
			if resp.Success {
				continue
			}
			if messaging.IsInvalidArgument(resp.Error) || messaging.IsRegistrationTokenNotRegistered(resp.Error) {
				invalidTokens = append(invalidTokens, batch[idx])
				continue
			}
			retryable++
		}
	}

	if retryable > 0 {
		return "", invalidTokens, fmt.Errorf("batch had %d retryable errors", retryable)
	}

	receipt := fmt.Sprintf("success:%d invalid:%d", successCount, len(invalidTokens))
	return receipt, invalidTokens, nil
}

func (d *Dispatcher) buildMessage(tokens []string, content notification.NotificationContent, data map[string]string) *messaging.MulticastMessage {
	msg := &messaging.MulticastMessage{
		Tokens: tokens,
		Data:   data,
		Notification: &messaging.Notification{
			Title: content.Title,
			Body:  content.Body,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				ChannelID: d.opts.AndroidChannelID,
				Sound:     content.Sound,
			},
		},
	}
	if d.opts.Icon != "" {
		msg.Webpush = &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{
				Title: content.Title,
				Body:  content.Body,
				Icon:  d.opts.Icon,
			},
		}
	}
	return msg
}
