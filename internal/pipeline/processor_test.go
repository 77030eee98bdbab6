package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
	"github.com/tinywideclouds/go-realtime-service/internal/metrics"
	"github.com/tinywideclouds/go-realtime-service/internal/pipeline"
	"github.com/tinywideclouds/go-realtime-service/pkg/dispatch"
	"github.com/tinywideclouds/go-realtime-service/pkg/pushroute"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Typed Mocks ---

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Dispatch(ctx context.Context, tokens []string, content notification.NotificationContent, data map[string]string) (string, []string, error) {
	args := m.Called(ctx, tokens, content, data)
	invalid, _ := args.Get(1).([]string)
	return args.String(0), invalid, args.Error(2)
}

type mockWebDispatcher struct {
	mock.Mock
}

func (m *mockWebDispatcher) Dispatch(ctx context.Context, subs []notification.WebPushSubscription, content notification.NotificationContent, data map[string]string) (string, []notification.WebPushSubscription, error) {
	args := m.Called(ctx, subs, content, data)
	invalid, _ := args.Get(1).([]notification.WebPushSubscription)
	return args.String(0), invalid, args.Error(2)
}

type mockTokenStore struct {
	mock.Mock
}

func (m *mockTokenStore) Fetch(ctx context.Context, user urn.URN) (*dispatch.DeviceSet, error) {
	args := m.Called(ctx, user)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dispatch.DeviceSet), args.Error(1)
}
func (m *mockTokenStore) UnregisterFCM(ctx context.Context, user urn.URN, token string) error {
	return m.Called(ctx, user, token).Error(0)
}
func (m *mockTokenStore) UnregisterAPNS(ctx context.Context, user urn.URN, token string) error {
	return m.Called(ctx, user, token).Error(0)
}
func (m *mockTokenStore) UnregisterWeb(ctx context.Context, user urn.URN, endpoint string) error {
	return m.Called(ctx, user, endpoint).Error(0)
}

// Satisfy strict interface (stubs for unused methods)
func (m *mockTokenStore) RegisterFCM(_ context.Context, _ urn.URN, _ string) error  { return nil }
func (m *mockTokenStore) RegisterAPNS(_ context.Context, _ urn.URN, _ string) error { return nil }
func (m *mockTokenStore) RegisterWeb(_ context.Context, _ urn.URN, _ notification.WebPushSubscription) error {
	return nil
}

type mockLive struct {
	mock.Mock
}

func (m *mockLive) Deliver(ctx context.Context, user urn.URN, ev pushroute.Event) bool {
	return m.Called(ctx, user, ev).Bool(0)
}

func TestProcessor_Routing(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()
	testURN, _ := urn.Parse("urn:sm:user:test-processor")

	inbound := &pipeline.PushRequest{
		Recipient: testURN,
		Content:   notification.NotificationContent{Title: "Hello"},
		Event: pushroute.Event{
			MessageID: "m-1",
			Title:     "Hello",
			Data:      map[string]string{"type": "booking", "bookingId": "b1", "messageId": "m-1"},
		},
	}

	t.Run("Live session takes the push and nothing is dispatched", func(t *testing.T) {
		live := new(mockLive)
		fcmMock := new(mockDispatcher)
		storeMock := new(mockTokenStore)
		mx := metrics.New()

		live.On("Deliver", mock.Anything, testURN, inbound.Event).Return(true)

		processor := pipeline.NewProcessor(live, pipeline.Dispatchers{FCM: fcmMock}, storeMock, mx, logger)
		err := processor(ctx, messagepipeline.Message{}, inbound)

		require.NoError(t, err)
		live.AssertExpectations(t)
		storeMock.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
		fcmMock.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		assert.Equal(t, 1.0, testutil.ToFloat64(mx.PushDeliveries.WithLabelValues("live")))
	})

	t.Run("Routes Mixed Traffic Correctly with message id in data", func(t *testing.T) {
		live := new(mockLive)
		fcmMock := new(mockDispatcher)
		apnsMock := new(mockDispatcher)
		webMock := new(mockWebDispatcher)
		storeMock := new(mockTokenStore)

		live.On("Deliver", mock.Anything, testURN, mock.Anything).Return(false)
		devices := &dispatch.DeviceSet{
			FCMTokens:        []string{"fcm-123"},
			APNSTokens:       []string{"apns-456"},
			WebSubscriptions: []notification.WebPushSubscription{{Endpoint: "https://web.push/abc"}},
		}
		storeMock.On("Fetch", mock.Anything, testURN).Return(devices, nil)

		hasMessageID := mock.MatchedBy(func(data map[string]string) bool {
			return data["messageId"] == "m-1" && data["bookingId"] == "b1"
		})
		fcmMock.On("Dispatch", mock.Anything, []string{"fcm-123"}, inbound.Content, hasMessageID).Return("ok", nil, nil)
		apnsMock.On("Dispatch", mock.Anything, []string{"apns-456"}, inbound.Content, hasMessageID).Return("ok", nil, nil)
		webMock.On("Dispatch", mock.Anything, devices.WebSubscriptions, inbound.Content, hasMessageID).Return("ok", nil, nil)

		processor := pipeline.NewProcessor(live, pipeline.Dispatchers{FCM: fcmMock, APNS: apnsMock, Web: webMock}, storeMock, nil, logger)
		err := processor(ctx, messagepipeline.Message{}, inbound)

		require.NoError(t, err)
		fcmMock.AssertExpectations(t)
		apnsMock.AssertExpectations(t)
		webMock.AssertExpectations(t)
	})

	t.Run("Self-Healing cleans every platform", func(t *testing.T) {
		fcmMock := new(mockDispatcher)
		apnsMock := new(mockDispatcher)
		webMock := new(mockWebDispatcher)
		storeMock := new(mockTokenStore)

		badSub := notification.WebPushSubscription{Endpoint: "https://dead.endpoint"}
		storeMock.On("Fetch", mock.Anything, testURN).Return(&dispatch.DeviceSet{
			FCMTokens:        []string{"dead-fcm"},
			APNSTokens:       []string{"dead-apns"},
			WebSubscriptions: []notification.WebPushSubscription{badSub},
		}, nil)

		fcmMock.On("Dispatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("failed", []string{"dead-fcm"}, nil)
		apnsMock.On("Dispatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("failed", []string{"dead-apns"}, nil)
		webMock.On("Dispatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return("failed", []notification.WebPushSubscription{badSub}, nil)

		storeMock.On("UnregisterFCM", mock.Anything, testURN, "dead-fcm").Return(nil)
		storeMock.On("UnregisterAPNS", mock.Anything, testURN, "dead-apns").Return(errors.New("ignored"))
		storeMock.On("UnregisterWeb", mock.Anything, testURN, "https://dead.endpoint").Return(nil)

		// No live hub wired: background fan-out only.
		processor := pipeline.NewProcessor(nil, pipeline.Dispatchers{FCM: fcmMock, APNS: apnsMock, Web: webMock}, storeMock, nil, logger)
		err := processor(ctx, messagepipeline.Message{}, inbound)

		require.NoError(t, err)
		storeMock.AssertExpectations(t)
	})

	t.Run("Transport failure is retryable but other platforms still run", func(t *testing.T) {
		fcmMock := new(mockDispatcher)
		webMock := new(mockWebDispatcher)
		storeMock := new(mockTokenStore)

		storeMock.On("Fetch", mock.Anything, testURN).Return(&dispatch.DeviceSet{
			FCMTokens:        []string{"fcm-1"},
			WebSubscriptions: []notification.WebPushSubscription{{Endpoint: "https://web.push/1"}},
		}, nil)
		fcmMock.On("Dispatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("", nil, errors.New("unavailable"))
		webMock.On("Dispatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("ok", nil, nil)

		processor := pipeline.NewProcessor(nil, pipeline.Dispatchers{FCM: fcmMock, Web: webMock}, storeMock, nil, logger)
		err := processor(ctx, messagepipeline.Message{}, inbound)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "fcm")
		webMock.AssertExpectations(t)
	})

	t.Run("APNs tokens are skipped when APNs is disabled", func(t *testing.T) {
		storeMock := new(mockTokenStore)
		storeMock.On("Fetch", mock.Anything, testURN).Return(&dispatch.DeviceSet{APNSTokens: []string{"apns-1"}}, nil)

		processor := pipeline.NewProcessor(nil, pipeline.Dispatchers{}, storeMock, nil, logger)
		err := processor(ctx, messagepipeline.Message{}, inbound)

		require.NoError(t, err)
	})

	t.Run("No devices drops the push", func(t *testing.T) {
		storeMock := new(mockTokenStore)
		mx := metrics.New()
		storeMock.On("Fetch", mock.Anything, testURN).Return(&dispatch.DeviceSet{}, nil)

		processor := pipeline.NewProcessor(nil, pipeline.Dispatchers{}, storeMock, mx, logger)
		err := processor(ctx, messagepipeline.Message{}, inbound)

		require.NoError(t, err)
		assert.Equal(t, 1.0, testutil.ToFloat64(mx.PushDeliveries.WithLabelValues("none")))
	})

	t.Run("Store failure is returned", func(t *testing.T) {
		storeMock := new(mockTokenStore)
		storeMock.On("Fetch", mock.Anything, testURN).Return(nil, errors.New("firestore down"))

		processor := pipeline.NewProcessor(nil, pipeline.Dispatchers{}, storeMock, nil, logger)
		err := processor(ctx, messagepipeline.Message{}, inbound)

		assert.Error(t, err)
	})
}
