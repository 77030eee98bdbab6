// Package session binds one connected app process to its own subscription
// manager and notification router over a websocket.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-realtime-service/internal/intake"
	"github.com/tinywideclouds/go-realtime-service/internal/metrics"
	"github.com/tinywideclouds/go-realtime-service/internal/subscription"
	"github.com/tinywideclouds/go-realtime-service/pkg/livefeed"
	"github.com/tinywideclouds/go-realtime-service/pkg/pushroute"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

var (
	// ErrClosed is returned when a frame is queued on a finished session.
	ErrClosed = errors.New("session closed")
	// ErrBackpressure is returned when the client is not draining frames.
	ErrBackpressure = errors.New("session send buffer full")
	// ErrHubClosed is returned by Serve once the hub has been closed.
	ErrHubClosed = errors.New("session hub closed")
)

// Session is one app process lifetime. It implements pushroute.Displayer,
// pushroute.Navigator and pushroute.Transport by writing frames to the socket.
type Session struct {
	id     string
	user   urn.URN
	conn   *websocket.Conn
	logger *slog.Logger

	manager   *subscription.Manager
	router    *intake.Router
	mutations *subscription.Mutations
	metrics   *metrics.Metrics

	pingInterval time.Duration

	send      chan any
	closed    chan struct{}
	closeOnce sync.Once

	// initial is the cold-start notification reported in the hello frame.
	initial *pushroute.Event
}

func newSession(conn *websocket.Conn, user urn.URN, h *Hub) (*Session, error) {
	s := &Session{
		id:           uuid.NewString(),
		user:         user,
		conn:         conn,
		mutations:    h.mutations,
		metrics:      h.metrics,
		pingInterval: h.cfg.PingInterval,
		send:         make(chan any, sendBuffer),
		closed:       make(chan struct{}),
	}
	s.logger = h.logger.With("session_id", s.id, "user", user.String())

	s.manager = subscription.NewManager(h.listener, s.logger,
		subscription.WithResyncPolicy(h.cfg.ResyncPolicy),
		subscription.WithMetrics(h.metrics),
	)

	opts := []intake.Option{
		intake.WithWindowSize(h.cfg.WindowSize),
		intake.WithChannel(h.cfg.Channel),
	}
	if h.metrics != nil {
		opts = append(opts, intake.WithMetrics(h.metrics))
	}
	router, err := intake.NewRouter(s, s, s.logger, opts...)
	if err != nil {
		return nil, err
	}
	s.router = router
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// PrepareChannel tells the app which channel local notifications use.
func (s *Session) PrepareChannel(_ context.Context, ch pushroute.Channel) error {
	return s.enqueue(channelFrame{Type: FrameChannel, Channel: ch})
}

// Display asks the app to render a local notification.
func (s *Session) Display(_ context.Context, n pushroute.LocalNotification) error {
	return s.enqueue(displayFrame{Type: FrameDisplay, Notification: n})
}

// Navigate asks the app to open a destination.
func (s *Session) Navigate(_ context.Context, d pushroute.RouteDecision) error {
	return s.enqueue(navigateFrame{Type: FrameNavigate, RouteDecision: d})
}

// InitialNotification returns the notification named in the hello frame.
func (s *Session) InitialNotification(_ context.Context) (*pushroute.Event, error) {
	return s.initial, nil
}

// deliverForeground is called by the Hub from the push pipeline.
func (s *Session) deliverForeground(ctx context.Context, ev pushroute.Event) intake.Outcome {
	return s.router.Ingest(ctx, ev, pushroute.SourceForeground)
}

func (s *Session) onCounters(id string, c livefeed.Counters) {
	if err := s.enqueue(countersFrame{Type: FrameCounters, ID: id, Counters: c}); err != nil {
		s.logger.Debug("Dropping counter update", "entity_id", id, "err", err)
		return
	}
	if s.metrics != nil {
		s.metrics.CounterUpdates.Inc()
	}
}

func (s *Session) enqueue(frame any) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	select {
	case s.send <- frame:
		return nil
	case <-s.closed:
		return ErrClosed
	default:
		return ErrBackpressure
	}
}

// run blocks until the client disconnects or ctx is cancelled, then releases
// every listener the session opened.
func (s *Session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(ctx)
	}()

	if err := s.readLoop(ctx); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
			s.logger.Warn("Session read failed", "err", err)
		}
	}

	cancel()
	s.close()
	s.manager.TeardownAll()
	wg.Wait()
	s.logger.Info("Session ended")
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *Session) readLoop(ctx context.Context) error {
	pongWait := 2 * s.pingInterval
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	started := false
	start := func() {
		if !started {
			started = true
			s.router.Start(ctx, s)
		}
	}

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.logger.Warn("Ignoring malformed frame", "err", err)
			_ = s.enqueue(errorFrame{Type: FrameError, Message: "malformed frame"})
			continue
		}

		if frame.Type == FrameHello {
			if !started {
				s.initial = frame.InitialNotification
			}
			start()
			continue
		}
		// A client that skips hello was not launched from a notification.
		start()
		s.handle(ctx, frame)
	}
}

func (s *Session) handle(ctx context.Context, frame ClientFrame) {
	switch frame.Type {
	case FrameVisible:
		s.manager.Sync(ctx, frame.IDs, s.onCounters)
	case FrameOpened:
		if frame.Event == nil {
			_ = s.enqueue(errorFrame{Type: FrameError, Message: "opened frame without event"})
			return
		}
		src := frame.Source
		if src == "" {
			src = pushroute.SourceTap
		}
		s.router.Ingest(ctx, *frame.Event, src)
	case FrameLocalPress:
		s.router.HandleLocalPress(ctx, frame.Data)
	case FrameLike:
		s.mutations.Increment(frame.ID, livefeed.FieldLikes)
	case FrameUnlike:
		s.mutations.Decrement(frame.ID, livefeed.FieldLikes)
	case FrameComment:
		s.mutations.Increment(frame.ID, livefeed.FieldComments)
	case FrameUncomment:
		s.mutations.Decrement(frame.ID, livefeed.FieldComments)
	default:
		s.logger.Warn("Ignoring unknown frame", "type", frame.Type)
		_ = s.enqueue(errorFrame{Type: FrameError, Message: "unknown frame type"})
	}
}

// writeLoop is the only writer on the connection. It closes the connection on
// exit, which also unblocks readLoop.
func (s *Session) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(frame); err != nil {
				s.logger.Warn("Session write failed", "err", err)
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}
