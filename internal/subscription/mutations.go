package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinywideclouds/go-realtime-service/internal/metrics"
	"github.com/tinywideclouds/go-realtime-service/pkg/livefeed"
)

// Mutations issues fire-and-forget counter writes. Callers never wait for the
// remote store: the new value comes back through the entity's listener once it
// is committed, and a failed write never reverts the caller's optimistic state.
type Mutations struct {
	mutator livefeed.Mutator
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	wg sync.WaitGroup
}

// NewMutations creates the writer. metrics may be nil.
func NewMutations(mutator livefeed.Mutator, timeout time.Duration, mx *metrics.Metrics, logger *slog.Logger) *Mutations {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Mutations{
		mutator: mutator,
		timeout: timeout,
		logger:  logger.With("component", "CounterMutations"),
		metrics: mx,
	}
}

// Increment adds one to field on the entity in the background.
func (m *Mutations) Increment(entityID string, field livefeed.Field) {
	m.fire("increment", entityID, field, m.mutator.Increment)
}

// Decrement subtracts one from field on the entity in the background.
func (m *Mutations) Decrement(entityID string, field livefeed.Field) {
	m.fire("decrement", entityID, field, m.mutator.Decrement)
}

// Wait blocks until in-flight writes finish or ctx is done.
func (m *Mutations) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("counter mutations still in flight: %w", ctx.Err())
	}
}

type mutateFunc func(ctx context.Context, entityID string, field livefeed.Field) error

func (m *Mutations) fire(direction, entityID string, field livefeed.Field, fn mutateFunc) {
	if !field.Valid() {
		m.logger.Warn("Ignoring mutation of unknown field", "entity_id", entityID, "field", field)
		m.record(field, direction, "rejected")
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		if err := fn(ctx, entityID, field); err != nil {
			m.logger.Warn("Counter mutation failed", "entity_id", entityID, "field", field, "direction", direction, "err", err)
			m.record(field, direction, "error")
			return
		}
		m.record(field, direction, "ok")
	}()
}

func (m *Mutations) record(field livefeed.Field, direction, result string) {
	if m.metrics == nil {
		return
	}
	m.metrics.MutationsTotal.WithLabelValues(string(field), direction, result).Inc()
}
