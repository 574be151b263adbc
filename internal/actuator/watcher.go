package actuator

import (
	"context"
	"sync"
	"time"
)

// TextSource returns the most recent response text on the page
type TextSource func() (string, bool)

// Watcher turns a pollable text source into a stream of finished responses.
// Text is emitted once it has been stable for the settle delay and differs
// from the last text that was emitted successfully.
type Watcher struct {
	source TextSource
	settle time.Duration
	poll   time.Duration

	mu       sync.Mutex
	lastSent string
}

// NewWatcher creates a watcher that polls several times per settle window
func NewWatcher(source TextSource, settle time.Duration) *Watcher {
	poll := settle / 5
	if poll < 10*time.Millisecond {
		poll = 10 * time.Millisecond
	}
	return &Watcher{
		source: source,
		settle: settle,
		poll:   poll,
	}
}

// Prime records whatever response is already on the page so it is never sent
func (w *Watcher) Prime() {
	text, ok := w.source()
	if !ok || text == "" {
		return
	}
	w.mu.Lock()
	w.lastSent = text
	w.mu.Unlock()
}

// LastSent returns the last emitted (or primed) text
func (w *Watcher) LastSent() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSent
}

// Run polls until ctx ends. emit reports whether the text was handed off;
// text that could not be handed off is offered again on the next poll.
func (w *Watcher) Run(ctx context.Context, emit func(text string) bool) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	var candidate string
	var changedAt time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			text, ok := w.source()
			if !ok || text == "" {
				candidate = ""
				continue
			}
			if text != candidate {
				candidate = text
				changedAt = now
				continue
			}
			if now.Sub(changedAt) < w.settle || text == w.LastSent() {
				continue
			}
			if emit(text) {
				w.mu.Lock()
				w.lastSent = text
				w.mu.Unlock()
			}
		}
	}
}
