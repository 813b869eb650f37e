package sync

import (
	stdsync "sync"
	"sync/atomic"
)

// statusHub fans status transitions out to subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type statusHub struct {
	mu      stdsync.Mutex
	subs    map[int]chan StatusEvent
	nextID  int
	dropped atomic.Int64
}

func newStatusHub() *statusHub {
	return &statusHub{subs: make(map[int]chan StatusEvent)}
}

func (h *statusHub) subscribe(buffer int) (<-chan StatusEvent, func()) {
	ch := make(chan StatusEvent, max(buffer, 1))

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once stdsync.Once

	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()

			close(ch)
		})
	}
}

func (h *statusHub) publish(ev StatusEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}
