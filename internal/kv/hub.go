package kv

import "sync"

// hub fans changes out to subscribers.
type hub struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Change)
}

func newHub() *hub {
	return &hub{subs: make(map[int]func(Change))}
}

func (h *hub) subscribe(fn func(Change)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++
	h.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *hub) publish(changes ...Change) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range changes {
		for _, fn := range h.subs {
			fn(c)
		}
	}
}

func (h *hub) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
