// Package dedup provides the bounded seen-message window used to discard push
// notifications that arrive through more than one transport path.
package dedup

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultCapacity is the number of message IDs remembered per window.
const DefaultCapacity = 100

// Stage records what has already happened to a message.
type Stage uint8

const (
	StageDisplayed Stage = 1 << iota
	StageRouted
)

// Has reports whether every bit in want is set.
func (s Stage) Has(want Stage) bool {
	return s&want == want
}

// Window is a bounded, insertion-ordered set of message IDs. Once the capacity
// is exceeded the oldest inserted ID is evicted. Marking a stage on an ID that
// is already present does not refresh its position.
//
// The window lives in memory only and is empty when created.
type Window struct {
	mu    sync.Mutex
	cache *lru.Cache
}

// NewWindow creates a window holding at most capacity IDs.
func NewWindow(capacity int) (*Window, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("window capacity must be positive, got %d", capacity)
	}
	cache, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create window: %w", err)
	}
	return &Window{cache: cache}, nil
}

// Seen reports whether id is currently in the window.
func (w *Window) Seen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cache.Contains(id)
}

// Record inserts id and reports whether it was new. Recording an ID that is
// already present changes nothing.
func (w *Window) Record(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cache.Contains(id) {
		return false
	}
	w.cache.Add(id, new(Stage))
	return true
}

// Claim atomically checks and updates the stages of id. If id already carries
// any stage in conflict, nothing changes and Claim returns false. Otherwise
// mark is added, inserting id when absent, and Claim returns true.
//
// The second return value is the stage set before the call.
func (w *Window) Claim(id string, conflict, mark Stage) (bool, Stage) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Peek never touches recency, so the LRU evicts in insertion order.
	if v, ok := w.cache.Peek(id); ok {
		st := v.(*Stage)
		prev := *st
		if prev&conflict != 0 {
			return false, prev
		}
		*st |= mark
		return true, prev
	}

	st := mark
	w.cache.Add(id, &st)
	return true, 0
}

// Len returns the number of IDs in the window.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cache.Len()
}
