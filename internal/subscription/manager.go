// Package subscription keeps exactly one live remote listener per visible feed
// entity and forwards counter updates to the screen that asked for them.
package subscription

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinywideclouds/go-realtime-service/internal/metrics"
	"github.com/tinywideclouds/go-realtime-service/pkg/livefeed"
)

// ResyncPolicy selects how Sync moves from the previous visible set to the next.
type ResyncPolicy string

const (
	// PolicyRebuild tears down every listener and opens a fresh one per visible ID.
	PolicyRebuild ResyncPolicy = "rebuild"
	// PolicyDiff closes listeners for IDs that left the set and opens listeners
	// only for IDs that joined it.
	PolicyDiff ResyncPolicy = "diff"
)

// ParseResyncPolicy maps a config string to a policy, defaulting to rebuild.
func ParseResyncPolicy(s string) ResyncPolicy {
	if ResyncPolicy(s) == PolicyDiff {
		return PolicyDiff
	}
	return PolicyRebuild
}

// Option configures a Manager.
type Option func(*Manager)

// WithResyncPolicy overrides the default rebuild policy.
func WithResyncPolicy(p ResyncPolicy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithMetrics records listener counts on the given instruments.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// Manager owns the entity ID -> listener mapping for one consumer. It is not a
// singleton: each screen session creates its own.
type Manager struct {
	listener livefeed.Listener
	policy   ResyncPolicy
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu   sync.Mutex
	subs map[string]*subscription
}

// NewManager creates a Manager with no active subscriptions.
func NewManager(listener livefeed.Listener, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		listener: listener,
		policy:   PolicyRebuild,
		logger:   logger.With("component", "SubscriptionManager"),
		subs:     make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// subscription gates delivery so nothing reaches onUpdate once it is closed.
type subscription struct {
	id          string
	unsubscribe livefeed.Unsubscribe

	mu       sync.Mutex
	live     bool
	onUpdate livefeed.UpdateFunc
}

func (s *subscription) deliver(c livefeed.Counters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live || s.onUpdate == nil {
		return
	}
	s.onUpdate(s.id, c)
}

func (s *subscription) retarget(fn livefeed.UpdateFunc) {
	s.mu.Lock()
	s.onUpdate = fn
	s.mu.Unlock()
}

// close waits for an in-flight delivery to finish.
func (s *subscription) close() {
	s.mu.Lock()
	s.live = false
	s.onUpdate = nil
	s.mu.Unlock()
}

// Sync makes the set of live listeners equal to ids. Duplicate IDs are opened
// once. A listener that fails to open is logged and skipped; the others are
// still established.
//
// onUpdate runs on the listener's delivery goroutine and must not call Sync or
// TeardownAll synchronously.
func (m *Manager) Sync(ctx context.Context, ids []string, onUpdate livefeed.UpdateFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := uniq(ids)

	switch m.policy {
	case PolicyDiff:
		keep := make(map[string]struct{}, len(wanted))
		for _, id := range wanted {
			keep[id] = struct{}{}
		}
		for id, s := range m.subs {
			if _, ok := keep[id]; !ok {
				m.release(s)
				delete(m.subs, id)
			}
		}
		for _, id := range wanted {
			if s, ok := m.subs[id]; ok {
				s.retarget(onUpdate)
				continue
			}
			m.open(ctx, id, onUpdate)
		}
	default:
		// All old listeners go before any new one opens, so no entity is ever
		// observed twice.
		m.releaseAll()
		for _, id := range wanted {
			m.open(ctx, id, onUpdate)
		}
	}

	m.logger.Debug("Subscriptions synced", "policy", m.policy, "requested", len(ids), "active", len(m.subs))
}

// TeardownAll closes every listener. It is safe to call repeatedly and never
// panics, even when a handle's connection is already gone.
func (m *Manager) TeardownAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.subs) == 0 {
		return
	}
	n := len(m.subs)
	m.releaseAll()
	m.logger.Debug("All subscriptions torn down", "count", n)
}

// Active returns the IDs with a live listener, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of live listeners.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *Manager) open(ctx context.Context, id string, onUpdate livefeed.UpdateFunc) {
	s := &subscription{id: id, live: true, onUpdate: onUpdate}

	unsubscribe, err := m.listener.Subscribe(ctx, id, s.deliver)
	if err != nil {
		s.close()
		m.logger.Warn("Failed to open listener", "entity_id", id, "err", err)
		if m.metrics != nil {
			m.metrics.ListenerOpens.WithLabelValues("error").Inc()
		}
		return
	}

	s.unsubscribe = unsubscribe
	m.subs[id] = s
	if m.metrics != nil {
		m.metrics.ListenerOpens.WithLabelValues("ok").Inc()
		m.metrics.ListenersActive.Inc()
	}
}

func (m *Manager) releaseAll() {
	for id, s := range m.subs {
		m.release(s)
		delete(m.subs, id)
	}
}

func (m *Manager) release(s *subscription) {
	s.close()
	if m.metrics != nil {
		m.metrics.ListenersActive.Dec()
	}
	if s.unsubscribe == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("Unsubscribe handle panicked", "entity_id", s.id, "panic", r)
		}
	}()
	s.unsubscribe()
}

func uniq(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
