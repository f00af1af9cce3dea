package app

import (
	"sync"

	"bongard-study-service/internal/domain"
)

// ProgressHub fans progress events out to subscribers such as researcher dashboards.
type ProgressHub struct {
	mu          sync.Mutex
	subscribers map[chan domain.ProgressEvent]string
}

func NewProgressHub() *ProgressHub {
	return &ProgressHub{subscribers: make(map[chan domain.ProgressEvent]string)}
}

// Subscribe returns a channel of progress events. An empty sessionID receives
// every session. The caller must invoke the returned cancel function to avoid leaks.
func (h *ProgressHub) Subscribe(sessionID string) (<-chan domain.ProgressEvent, func()) {
	ch := make(chan domain.ProgressEvent, 8)

	h.mu.Lock()
	h.subscribers[ch] = sessionID
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers ev to matching subscribers without blocking on slow readers.
func (h *ProgressHub) Publish(ev domain.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch, filter := range h.subscribers {
		if filter != "" && filter != ev.SessionID {
			continue
		}
		select {
		case ch <- ev:
		default:
			// drop the oldest queued update so the newest one always lands
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
	}
}
