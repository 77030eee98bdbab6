package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-realtime-service/internal/metrics"
	"github.com/tinywideclouds/go-realtime-service/pkg/dispatch"
	"github.com/tinywideclouds/go-realtime-service/pkg/pushroute"
)

// LiveDelivery hands a push to the user's connected app sessions as a
// foreground event. It reports whether any session took it.
type LiveDelivery interface {
	Deliver(ctx context.Context, user urn.URN, ev pushroute.Event) bool
}

// Dispatchers are the system-notification paths used when the user has no
// live session. A nil APNS dispatcher disables that path.
type Dispatchers struct {
	FCM  dispatch.Dispatcher
	APNS dispatch.Dispatcher
	Web  dispatch.WebDispatcher
}

// NewProcessor creates the delivery stage.
//
// A user with a live session receives the push in-app only; the session's
// router displays it. Otherwise the push fans out to every registered device,
// dead tokens are unregistered, and any transport failure is returned so the
// message is retried.
func NewProcessor(
	live LiveDelivery,
	dispatchers Dispatchers,
	tokenStore dispatch.TokenStore,
	mx *metrics.Metrics,
	logger *slog.Logger,
) messagepipeline.StreamProcessor[PushRequest] {
	count := func(path string) {
		if mx != nil {
			mx.PushDeliveries.WithLabelValues(path).Inc()
		}
	}

	return func(ctx context.Context, original messagepipeline.Message, request *PushRequest) error {
		procLogger := logger.With(
			"recipient_id", request.Recipient.String(),
			"pubsub_msg_id", original.ID,
			"message_id", request.Event.MessageID,
		)

		if live != nil && live.Deliver(ctx, request.Recipient, request.Event) {
			procLogger.Debug("Delivered to live session")
			count("live")
			return nil
		}

		devices, err := tokenStore.Fetch(ctx, request.Recipient)
		if err != nil {
			procLogger.Error("Failed to fetch device tokens", "err", err)
			return err
		}
		if devices.Empty() {
			procLogger.Info("No devices registered for user; dropping notification.")
			count("none")
			return nil
		}

		data := request.Event.Data
		var errs []error

		if len(devices.FCMTokens) > 0 && dispatchers.FCM != nil {
			receipt, invalid, err := dispatchers.FCM.Dispatch(ctx, devices.FCMTokens, request.Content, data)
			cleanup(procLogger, "fcm", invalid, func(t string) error {
				return tokenStore.UnregisterFCM(ctx, request.Recipient, t)
			})
			if err != nil {
				procLogger.Error("FCM Dispatch failed", "err", err)
				errs = append(errs, fmt.Errorf("fcm: %w", err))
			} else {
				procLogger.Info("FCM Dispatched", "receipt", receipt)
				count("fcm")
			}
		}

		if len(devices.APNSTokens) > 0 && dispatchers.APNS != nil {
			receipt, invalid, err := dispatchers.APNS.Dispatch(ctx, devices.APNSTokens, request.Content, data)
			cleanup(procLogger, "apns", invalid, func(t string) error {
				return tokenStore.UnregisterAPNS(ctx, request.Recipient, t)
			})
			if err != nil {
				procLogger.Error("APNs Dispatch failed", "err", err)
				errs = append(errs, fmt.Errorf("apns: %w", err))
			} else {
				procLogger.Info("APNs Dispatched", "receipt", receipt)
				count("apns")
			}
		}

		if len(devices.WebSubscriptions) > 0 && dispatchers.Web != nil {
			receipt, invalidSubs, err := dispatchers.Web.Dispatch(ctx, devices.WebSubscriptions, request.Content, data)
			endpoints := make([]string, 0, len(invalidSubs))
			for _, sub := range invalidSubs {
				endpoints = append(endpoints, sub.Endpoint)
			}
			cleanup(procLogger, "web", endpoints, func(e string) error {
				return tokenStore.UnregisterWeb(ctx, request.Recipient, e)
			})
			if err != nil {
				procLogger.Error("Web Dispatch failed", "err", err)
				errs = append(errs, fmt.Errorf("web: %w", err))
			} else {
				procLogger.Info("Web Dispatched", "receipt", receipt)
				count("web")
			}
		}

		return errors.Join(errs...)
	}
}

// cleanup unregisters dead tokens; failures only cost a wasted send next time.
func cleanup(logger *slog.Logger, platform string, dead []string, remove func(string) error) {
	if len(dead) == 0 {
		return
	}
	logger.Info("Cleaning up invalid device tokens", "platform", platform, "count", len(dead))
	for _, t := range dead {
		if err := remove(t); err != nil {
			logger.Warn("Failed to delete device token", "platform", platform, "token", t, "err", err)
		}
	}
}
