package provider

import (
	"sync"
	"time"

	"gatekeep.dev/internal/ids"
)

// Hub fans identity events out to every active listener. Publish never
// blocks and never drops: each listener owns an unbounded queue drained in
// publish order by its own goroutine.
type Hub struct {
	mu        sync.RWMutex
	listeners map[int]*listener
	next      int
}

type listener struct {
	fn   Listener
	mu   sync.Mutex
	q    []Event
	wake chan struct{}
	done chan struct{}
}

// NewHub initialises an empty hub.
func NewHub() *Hub {
	return &Hub{listeners: make(map[int]*listener)}
}

// Listen calls fn for every event, in publish order, on a goroutine owned by
// the hub. A slow fn delays its own queue only. The returned function stops
// delivery; events still queued are discarded.
func (h *Hub) Listen(fn Listener) func() {
	l := &listener{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	id := h.next
	h.next++
	h.listeners[id] = l
	h.mu.Unlock()

	go l.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, id)
			h.mu.Unlock()
			close(l.done)
		})
	}
}

// Publish queues the event for every listener.
func (h *Hub) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = ids.New()
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, l := range h.listeners {
		l.push(evt)
	}
}

// Listeners returns the number of active listeners.
func (h *Hub) Listeners() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

func (l *listener) push(evt Event) {
	l.mu.Lock()
	l.q = append(l.q, evt)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *listener) run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}
		for {
			l.mu.Lock()
			if len(l.q) == 0 {
				l.mu.Unlock()
				break
			}
			batch := l.q
			l.q = nil
			l.mu.Unlock()
			for _, evt := range batch {
				select {
				case <-l.done:
					return
				default:
				}
				l.fn(evt)
			}
		}
	}
}
