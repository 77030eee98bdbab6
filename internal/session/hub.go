package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-realtime-service/internal/intake"
	"github.com/tinywideclouds/go-realtime-service/internal/metrics"
	"github.com/tinywideclouds/go-realtime-service/internal/subscription"
	"github.com/tinywideclouds/go-realtime-service/pkg/livefeed"
	"github.com/tinywideclouds/go-realtime-service/pkg/pushroute"
)

// Config holds the per-session tuning shared by every session of a Hub.
type Config struct {
	WindowSize   int
	ResyncPolicy subscription.ResyncPolicy
	Channel      pushroute.Channel
	PingInterval time.Duration
}

// Hub tracks live sessions per user and hands inbound pushes to them.
type Hub struct {
	listener  livefeed.Listener
	mutations *subscription.Mutations
	cfg       Config
	metrics   *metrics.Metrics
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]map[*Session]struct{}
}

// NewHub creates an empty hub. metrics may be nil.
func NewHub(listener livefeed.Listener, mutations *subscription.Mutations, cfg Config, mx *metrics.Metrics, logger *slog.Logger) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.Channel.ID == "" {
		cfg.Channel = intake.DefaultChannel
	}
	if cfg.ResyncPolicy == "" {
		cfg.ResyncPolicy = subscription.PolicyRebuild
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		listener:  listener,
		mutations: mutations,
		cfg:       cfg,
		metrics:   mx,
		logger:    logger.With("component", "SessionHub"),
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]map[*Session]struct{}),
	}
}

// Serve runs a session on an upgraded connection and blocks until it ends.
// The session also ends when ctx is done or the hub is closed.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, user urn.URN) error {
	// Close cancels h.ctx under h.mu, so no Add can race its Wait.
	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		conn.Close()
		return ErrHubClosed
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	s, err := newSession(conn, user, h)
	if err != nil {
		conn.Close()
		return err
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	h.add(s)
	defer h.remove(s)

	s.logger.Info("Session started")
	s.run(sessCtx)
	return nil
}

// Deliver ingests ev as a foreground notification in every live session of
// user. It reports whether at least one session was live.
func (h *Hub) Deliver(ctx context.Context, user urn.URN, ev pushroute.Event) bool {
	h.mu.RLock()
	live := make([]*Session, 0, len(h.sessions[user.String()]))
	for s := range h.sessions[user.String()] {
		live = append(live, s)
	}
	h.mu.RUnlock()

	for _, s := range live {
		s.deliverForeground(ctx, ev)
	}
	return len(live) > 0
}

// Len returns the number of live sessions across all users.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.sessions {
		n += len(set)
	}
	return n
}

// Close ends every session and waits for them to release their listeners.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.cancel()
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) add(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := s.user.String()
	if h.sessions[key] == nil {
		h.sessions[key] = make(map[*Session]struct{})
	}
	h.sessions[key][s] = struct{}{}
	if h.metrics != nil {
		h.metrics.SessionsActive.Inc()
	}
}

func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := s.user.String()
	if _, ok := h.sessions[key][s]; !ok {
		return
	}
	delete(h.sessions[key], s)
	if len(h.sessions[key]) == 0 {
		delete(h.sessions, key)
	}
	if h.metrics != nil {
		h.metrics.SessionsActive.Dec()
	}
}
