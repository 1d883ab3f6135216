package lk

import (
	"sync"

	"github.com/dkeye/voicelink/internal/core"
)

// hub fans session events out to subscribers. Events emitted before the
// first Subscribe are held and replayed to it ahead of any later event.
// Callbacks run one event at a time and must not subscribe from inside
// a callback.
type hub struct {
	// dispatch orders replay and delivery; it is taken before mu.
	dispatch sync.Mutex

	mu      sync.Mutex
	subs    map[int]func(core.Event)
	nextSub int
	pending []core.Event
	closed  bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]func(core.Event))}
}

func (h *hub) subscribe(fn func(core.Event)) func() {
	h.dispatch.Lock()
	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()

	for _, ev := range pending {
		fn(ev)
	}
	h.dispatch.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *hub) emit(ev core.Event) {
	h.dispatch.Lock()
	defer h.dispatch.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if ev.Kind == core.EventDisconnected {
		h.closed = true
	}
	if len(h.subs) == 0 {
		h.pending = append(h.pending, ev)
		h.mu.Unlock()
		return
	}
	subs := make([]func(core.Event), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
