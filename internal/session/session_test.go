package session_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-realtime-service/internal/metrics"
	"github.com/tinywideclouds/go-realtime-service/internal/routing"
	"github.com/tinywideclouds/go-realtime-service/internal/session"
	"github.com/tinywideclouds/go-realtime-service/internal/subscription"
	"github.com/tinywideclouds/go-realtime-service/pkg/livefeed"
	"github.com/tinywideclouds/go-realtime-service/pkg/pushroute"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Fakes ---

type fakeListener struct {
	mu   sync.Mutex
	next int
	fns  map[string]map[int]func(livefeed.Counters)
}

func newFakeListener() *fakeListener {
	return &fakeListener{fns: make(map[string]map[int]func(livefeed.Counters))}
}

func (f *fakeListener) Subscribe(_ context.Context, id string, fn func(livefeed.Counters)) (livefeed.Unsubscribe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	key := f.next
	if f.fns[id] == nil {
		f.fns[id] = make(map[int]func(livefeed.Counters))
	}
	f.fns[id][key] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.fns[id], key)
	}, nil
}

func (f *fakeListener) push(id string, c livefeed.Counters) {
	f.mu.Lock()
	var fns []func(livefeed.Counters)
	for _, fn := range f.fns[id] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

func (f *fakeListener) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fns[id])
}

func (f *fakeListener) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, set := range f.fns {
		n += len(set)
	}
	return n
}

type mockMutator struct {
	mock.Mock
}

func (m *mockMutator) Increment(ctx context.Context, id string, field livefeed.Field) error {
	return m.Called(ctx, id, field).Error(0)
}

func (m *mockMutator) Decrement(ctx context.Context, id string, field livefeed.Field) error {
	return m.Called(ctx, id, field).Error(0)
}

// --- Harness ---

type harness struct {
	hub      *session.Hub
	listener *fakeListener
	mutator  *mockMutator
	metrics  *metrics.Metrics
	server   *httptest.Server
	user     urn.URN
	served   chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := newTestLogger()
	user, err := urn.Parse("urn:sm:user:session-test")
	require.NoError(t, err)

	h := &harness{
		listener: newFakeListener(),
		mutator:  new(mockMutator),
		metrics:  metrics.New(),
		user:     user,
		served:   make(chan error, 8),
	}
	mutations := subscription.NewMutations(h.mutator, time.Second, h.metrics, logger)
	h.hub = session.NewHub(h.listener, mutations, session.Config{PingInterval: 5 * time.Second}, h.metrics, logger)

	upgrader := websocket.Upgrader{}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		err = h.hub.Serve(r.Context(), conn, user)
		select {
		case h.served <- err:
		default:
		}
	}))
	t.Cleanup(func() {
		_ = h.hub.Close(context.Background())
		h.server.Close()
	})
	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame session.ClientFrame) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func read(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

func readType(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	frame := read(t, conn)
	require.Equal(t, want, frame["type"], "unexpected frame: %v", frame)
	return frame
}

// --- Tests ---

func TestSession_ColdStart(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, session.ClientFrame{
		Type: session.FrameHello,
		InitialNotification: &pushroute.Event{
			MessageID: "cold-1",
			Data:      map[string]string{"screen": "offer-details", "offerId": "o5"},
		},
	})

	channel := readType(t, conn, session.FrameChannel)
	assert.Equal(t, "default", channel["channel"].(map[string]any)["id"])

	nav := readType(t, conn, session.FrameNavigate)
	assert.Equal(t, "/offer/o5", nav["route"])

	// The same notification tapped again in the same process is ignored;
	// the next frame is the local press that follows it.
	send(t, conn, session.ClientFrame{
		Type:   session.FrameOpened,
		Source: pushroute.SourceTap,
		Event:  &pushroute.Event{MessageID: "cold-1", Data: map[string]string{"screen": "offer-details", "offerId": "o5"}},
	})
	send(t, conn, session.ClientFrame{
		Type: session.FrameLocalPress,
		Data: map[string]string{"screen": routing.ScreenSubscriptionActivated},
	})

	nav = readType(t, conn, session.FrameNavigate)
	assert.Equal(t, "/home", nav["route"])
	assert.Equal(t, []any{pushroute.FlagOpenPremiumInfo}, nav["flags"])
}

func TestSession_ForegroundThenTap(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, session.ClientFrame{Type: session.FrameHello})
	readType(t, conn, session.FrameChannel)

	ev := pushroute.Event{
		MessageID: "m1",
		Title:     "Booking confirmed",
		Data:      map[string]string{"type": "booking", "bookingId": "b1"},
	}

	require.True(t, h.hub.Deliver(context.Background(), h.user, ev))
	display := readType(t, conn, session.FrameDisplay)
	assert.Equal(t, "Booking confirmed", display["notification"].(map[string]any)["title"])

	send(t, conn, session.ClientFrame{Type: session.FrameOpened, Source: pushroute.SourceLocalPress, Event: &ev})
	nav := readType(t, conn, session.FrameNavigate)
	assert.Equal(t, "/bookings/b1", nav["route"])

	// A redelivery of m1 is still taken by the live session but not shown again.
	require.True(t, h.hub.Deliver(context.Background(), h.user, ev))
	send(t, conn, session.ClientFrame{Type: session.FrameLocalPress, Data: map[string]string{}})
	nav = readType(t, conn, session.FrameNavigate)
	assert.Equal(t, routing.RouteNotifications, nav["route"])

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DuplicatesDropped.WithLabelValues("foreground")))
}

func TestSession_VisibleCounters(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, session.ClientFrame{Type: session.FrameVisible, IDs: []string{"p1", "p2"}})
	readType(t, conn, session.FrameChannel)

	require.Eventually(t, func() bool { return h.listener.live() == 2 }, 2*time.Second, 10*time.Millisecond)

	h.listener.push("p1", livefeed.Counters{LikesCount: 4, CommentsCount: 1})
	counters := readType(t, conn, session.FrameCounters)
	assert.Equal(t, "p1", counters["id"])
	assert.Equal(t, 4.0, counters["likesCount"])
	assert.Equal(t, 1.0, counters["commentsCount"])

	send(t, conn, session.ClientFrame{Type: session.FrameVisible, IDs: []string{"p2", "p3"}})
	require.Eventually(t, func() bool {
		return h.listener.count("p1") == 0 && h.listener.count("p3") == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, h.listener.live())

	// p1 left the screen; its updates no longer reach the client.
	h.listener.push("p1", livefeed.Counters{LikesCount: 5})
	h.listener.push("p3", livefeed.Counters{LikesCount: 9})
	counters = readType(t, conn, session.FrameCounters)
	assert.Equal(t, "p3", counters["id"])
}

func TestSession_MutationFrames(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	h.mutator.On("Increment", mock.Anything, "p1", livefeed.FieldLikes).Return(nil)
	h.mutator.On("Decrement", mock.Anything, "p1", livefeed.FieldComments).Return(nil)

	send(t, conn, session.ClientFrame{Type: session.FrameLike, ID: "p1"})
	send(t, conn, session.ClientFrame{Type: session.FrameUncomment, ID: "p1"})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.MutationsTotal.WithLabelValues("likes", "increment", "ok")) == 1 &&
			testutil.ToFloat64(h.metrics.MutationsTotal.WithLabelValues("comments", "decrement", "ok")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	h.mutator.AssertExpectations(t)
}

func TestSession_UnknownAndMalformedFrames(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	errFrame := readType(t, conn, session.FrameError)
	assert.Equal(t, "malformed frame", errFrame["message"])

	send(t, conn, session.ClientFrame{Type: "dance"})
	readType(t, conn, session.FrameChannel)
	errFrame = readType(t, conn, session.FrameError)
	assert.Equal(t, "unknown frame type", errFrame["message"])
}

func TestSession_DisconnectReleasesEverything(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, session.ClientFrame{Type: session.FrameVisible, IDs: []string{"p1", "p2", "p3"}})
	readType(t, conn, session.FrameChannel)
	require.Eventually(t, func() bool { return h.listener.live() == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.hub.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SessionsActive))

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return h.listener.live() == 0 && h.hub.Len() == 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.SessionsActive))
	assert.False(t, h.hub.Deliver(context.Background(), h.user, pushroute.Event{MessageID: "late"}))
}

func TestHub_CloseEndsSessions(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, session.ClientFrame{Type: session.FrameVisible, IDs: []string{"p1"}})
	readType(t, conn, session.FrameChannel)
	require.Eventually(t, func() bool { return h.listener.live() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.hub.Close(ctx))

	assert.Equal(t, 0, h.listener.live())
	assert.Equal(t, 0, h.hub.Len())
}

func TestHub_ServeAfterClose(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.hub.Close(ctx))

	conn := h.dial(t)
	select {
	case err := <-h.served:
		assert.ErrorIs(t, err, session.ErrHubClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after the hub was closed")
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "connection should be closed by the hub")
	assert.Equal(t, 0, h.hub.Len())
	assert.Equal(t, 0, h.listener.live())
}
