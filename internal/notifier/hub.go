// Package notifier fans out "symbol changed" notifications to in-process
// watchers and, optionally, to Redis.
package notifier

import (
	"sync"
	"sync/atomic"
)

// Hub delivers changed-symbol notifications to any number of watchers.
// Publishing never blocks: a watcher with a full buffer misses the notification
// and is expected to re-read current values anyway.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]chan string
	next    int
	dropped atomic.Uint64
	closed  bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan string)}
}

// Watch registers a watcher. The returned cancel func unregisters it and closes the channel.
func (h *Hub) Watch(buffer int) (<-chan string, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan string, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
			h.mu.Unlock()
		})
	}
}

// Publish notifies every watcher that symbol changed.
func (h *Hub) Publish(symbol string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- symbol:
		default:
			h.dropped.Add(1)
		}
	}
}

// Watchers returns the number of registered watchers.
func (h *Hub) Watchers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts notifications lost to full watcher buffers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Close unregisters and closes every watcher.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
