package downloader

import "sync"

// hub is a registry of subscriber callbacks. Subscribers are called in subscription order.
type hub[F any] struct {
	mu     sync.Mutex
	nextID int
	subs   []subscriber[F]
}

type subscriber[F any] struct {
	id int
	fn F
}

// subscribe registers fn and returns a func that removes it. The returned func is idempotent.
func (h *hub[F]) subscribe(fn F) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	h.subs = append(h.subs, subscriber[F]{id: id, fn: fn})

	var once sync.Once

	return func() {
		once.Do(func() { h.unsubscribe(id) })
	}
}

func (h *hub[F]) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, s := range h.subs {
		if s.id == id {
			h.subs = append(h.subs[:i:i], h.subs[i+1:]...)

			return
		}
	}
}

// snapshot returns the current subscribers so they can be called without holding the lock.
func (h *hub[F]) snapshot() []F {
	h.mu.Lock()
	defer h.mu.Unlock()

	fns := make([]F, len(h.subs))
	for i, s := range h.subs {
		fns[i] = s.fn
	}

	return fns
}

func (h *hub[F]) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}
