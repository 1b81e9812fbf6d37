// Package dedup implements the consumption-side idempotency window.
package dedup

import (
	"log/slog"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// DefaultRetention bounds the recent-history window when none is configured.
const DefaultRetention = time.Hour

// Window remembers which envelope ids were handled recently. Ids are stored
// exactly, never probabilistically: a false "already handled" would ack an
// unprocessed message, which is message loss under at-least-once delivery.
//
// Two generations rotate every retention interval, so an id stays visible
// for at least one retention period and at most two. The window is local and
// non-durable; after a restart redeliveries may be reprocessed, which the
// delivery contract allows.
type Window struct {
	retention time.Duration
	logger    *slog.Logger

	mu       sync.RWMutex
	current  cmap.ConcurrentMap[string, struct{}]
	previous cmap.ConcurrentMap[string, struct{}]

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// WindowOption configures a Window
type WindowOption func(*Window)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) WindowOption {
	return func(w *Window) {
		w.logger = logger
	}
}

// NewWindow creates a window with the given retention. Non-positive
// retention falls back to DefaultRetention.
func NewWindow(retention time.Duration, options ...WindowOption) *Window {
	if retention <= 0 {
		retention = DefaultRetention
	}

	w := &Window{
		retention: retention,
		logger:    slog.Default(),
		current:   cmap.New[struct{}](),
		previous:  cmap.New[struct{}](),
		stop:      make(chan struct{}),
	}

	for _, opt := range options {
		opt(w)
	}

	return w
}

// Seen reports whether id was marked handled within the window.
func (w *Window) Seen(id string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current.Has(id) || w.previous.Has(id)
}

// Mark records id as handled. Call it only after the handler succeeded:
// marking a failed delivery would make its own retry look like a duplicate.
func (w *Window) Mark(id string) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	w.current.Set(id, struct{}{})
}

// Size returns the number of ids currently visible.
func (w *Window) Size() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current.Count() + w.previous.Count()
}

// Rotate ages the current generation out. Ids marked before the previous
// rotation stop being visible.
func (w *Window) Rotate() {
	w.mu.Lock()
	defer w.mu.Unlock()

	expired := w.previous.Count()
	w.previous = w.current
	w.current = cmap.New[struct{}]()

	if expired > 0 {
		w.logger.Debug("dedup window rotated", "expiredIds", expired)
	}
}

// Start launches the background rotation loop.
func (w *Window) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.retention)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.Rotate()
			case <-w.stop:
				return
			}
		}
	}()
}

// Stop terminates the rotation loop and waits for it to exit. Safe to call
// more than once, and a no-op without a prior Start.
func (w *Window) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	w.wg.Wait()
}
