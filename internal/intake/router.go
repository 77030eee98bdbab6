// Package intake normalizes the three notification delivery paths (foreground,
// background tap, cold start) into one display and route decision per message.
package intake

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinywideclouds/go-realtime-service/internal/dedup"
	"github.com/tinywideclouds/go-realtime-service/internal/metrics"
	"github.com/tinywideclouds/go-realtime-service/internal/routing"
	"github.com/tinywideclouds/go-realtime-service/pkg/pushroute"
)

// DefaultChannel is the platform channel local notifications are shown on.
var DefaultChannel = pushroute.Channel{ID: "default", Name: "Default", Importance: "high"}

// Outcome describes what Ingest did with an event.
type Outcome struct {
	Duplicate bool
	Displayed bool
	Decision  *pushroute.RouteDecision
}

// Option configures a Router.
type Option func(*Router)

// WithTable replaces the default routing table.
func WithTable(t *routing.Table) Option {
	return func(r *Router) { r.table = t }
}

// WithChannel sets the channel used for local display.
func WithChannel(ch pushroute.Channel) Option {
	return func(r *Router) { r.channel = ch }
}

// WithWindowSize sets the seen-message window capacity.
func WithWindowSize(n int) Option {
	return func(r *Router) { r.windowSize = n }
}

// WithMetrics records intake counters on the given instruments.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = mx }
}

// Router owns one seen-message window; create one per app process (session).
type Router struct {
	displayer pushroute.Displayer
	navigator pushroute.Navigator
	table     *routing.Table
	channel   pushroute.Channel
	logger    *slog.Logger
	metrics   *metrics.Metrics

	windowSize int
	window     *dedup.Window
	startOnce  sync.Once
}

// NewRouter creates a Router with an empty seen-message window.
func NewRouter(displayer pushroute.Displayer, navigator pushroute.Navigator, logger *slog.Logger, opts ...Option) (*Router, error) {
	r := &Router{
		displayer:  displayer,
		navigator:  navigator,
		table:      routing.DefaultTable(),
		channel:    DefaultChannel,
		logger:     logger.With("component", "NotificationRouter"),
		windowSize: dedup.DefaultCapacity,
	}
	for _, opt := range opts {
		opt(r)
	}

	w, err := dedup.NewWindow(r.windowSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create seen-message window: %w", err)
	}
	r.window = w
	return r, nil
}

// Start prepares the display channel and processes the cold-start notification,
// if any. Only the first call has an effect. Failures are logged and never stop
// the caller.
func (r *Router) Start(ctx context.Context, transport pushroute.Transport) {
	r.startOnce.Do(func() {
		r.prepareChannel(ctx)

		if transport == nil {
			return
		}
		ev, err := transport.InitialNotification(ctx)
		if err != nil {
			r.logger.Warn("Failed to fetch initial notification", "err", err)
			return
		}
		if ev == nil {
			return
		}
		r.logger.Info("App launched from notification", "message_id", ev.MessageID)
		r.Ingest(ctx, *ev, pushroute.SourceColdStart)
	})
}

// Ingest runs an event through dedup, display and routing.
//
// A foreground event is displayed locally and not routed. Tap, cold-start and
// local-press events are routed to exactly one destination and not displayed.
// A message ID is displayed at most once and routed at most once; an event
// that would repeat either step is discarded. The ID is taken from the event,
// or from its data when the transport dropped the top-level field. Events
// without any message ID are always processed.
func (r *Router) Ingest(ctx context.Context, ev pushroute.Event, src pushroute.Source) Outcome {
	ev.MessageID = ev.DedupKey()
	if !src.Valid() {
		r.logger.Warn("Unknown notification source, treating as tap", "source", src)
		src = pushroute.SourceTap
	}
	if r.metrics != nil {
		r.metrics.NotificationsIngested.WithLabelValues(string(src)).Inc()
	}

	log := r.logger.With("message_id", ev.MessageID, "source", src)

	if src == pushroute.SourceForeground {
		if !r.claim(ev.MessageID, dedup.StageDisplayed, dedup.StageDisplayed) {
			log.Debug("Duplicate notification discarded")
			r.countDuplicate(src)
			return Outcome{Duplicate: true}
		}
		return Outcome{Displayed: r.display(ctx, ev, log)}
	}

	if !r.claim(ev.MessageID, dedup.StageRouted, dedup.StageRouted) {
		log.Debug("Duplicate notification discarded")
		r.countDuplicate(src)
		return Outcome{Duplicate: true}
	}
	d := r.route(ctx, ev.Data, log)
	return Outcome{Decision: &d}
}

// HandleLocalPress routes a press on a notification this router displayed.
// A press on a message that was already routed does not navigate again; the
// returned decision is still the one its data resolves to.
func (r *Router) HandleLocalPress(ctx context.Context, data map[string]string) pushroute.RouteDecision {
	out := r.Ingest(ctx, pushroute.Event{Data: data}, pushroute.SourceLocalPress)
	if out.Decision == nil {
		return r.table.Route(data)
	}
	return *out.Decision
}

// Route resolves data without navigating. It is pure and total.
func (r *Router) Route(data map[string]string) pushroute.RouteDecision {
	return r.table.Route(data)
}

func (r *Router) claim(messageID string, conflict, mark dedup.Stage) bool {
	if messageID == "" {
		return true
	}
	ok, _ := r.window.Claim(messageID, conflict, mark)
	return ok
}

func (r *Router) prepareChannel(ctx context.Context) {
	defer r.recoverDisplay("prepare_channel")
	if err := r.displayer.PrepareChannel(ctx, r.channel); err != nil {
		r.logger.Warn("Failed to prepare notification channel", "channel", r.channel.ID, "err", err)
		r.countDisplayFailure()
	}
}

func (r *Router) display(ctx context.Context, ev pushroute.Event, log *slog.Logger) (shown bool) {
	defer r.recoverDisplay("display")

	err := r.displayer.Display(ctx, pushroute.LocalNotification{
		Title:   ev.Title,
		Body:    ev.Body,
		Data:    ev.Data,
		Channel: r.channel.ID,
	})
	if err != nil {
		log.Warn("Failed to display local notification", "err", err)
		r.countDisplayFailure()
		return false
	}
	return true
}

func (r *Router) route(ctx context.Context, data map[string]string, log *slog.Logger) pushroute.RouteDecision {
	d := r.table.Route(data)
	if r.metrics != nil {
		r.metrics.RouteDecisions.WithLabelValues(d.Rule).Inc()
	}

	func() {
		defer func() {
			if p := recover(); p != nil {
				log.Error("Navigator panicked", "route", d.Route, "panic", p)
			}
		}()
		if err := r.navigator.Navigate(ctx, d); err != nil {
			log.Warn("Failed to navigate", "route", d.Route, "err", err)
		}
	}()

	log.Info("Notification routed", "route", d.Route, "rule", d.Rule)
	return d
}

func (r *Router) recoverDisplay(op string) {
	if p := recover(); p != nil {
		r.logger.Error("Notification display panicked", "op", op, "panic", p)
		r.countDisplayFailure()
	}
}

func (r *Router) countDuplicate(src pushroute.Source) {
	if r.metrics != nil {
		r.metrics.DuplicatesDropped.WithLabelValues(string(src)).Inc()
	}
}

func (r *Router) countDisplayFailure() {
	if r.metrics != nil {
		r.metrics.DisplayFailures.Inc()
	}
}
