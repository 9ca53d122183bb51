package chat

import (
	"sync"

	"github.com/dp2ptrade/rolenet-sub003/internal/fault"
)

// hooks is a callback registry whose add returns the matching remove.
type hooks[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

func (h *hooks[T]) add(fn func(T)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fns == nil {
		h.fns = make(map[int]func(T))
	}
	id := h.next
	h.next++
	h.fns[id] = fn
	return func() {
		h.mu.Lock()
		delete(h.fns, id)
		h.mu.Unlock()
	}
}

func (h *hooks[T]) fire(v T) {
	h.mu.Lock()
	fns := make([]func(T), 0, len(h.fns))
	for _, fn := range h.fns {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fault.Guard("chat hook", func() { fn(v) })
	}
}

// fanout is the Subscribe side of the event stream.
type fanout struct {
	mu        sync.RWMutex
	listeners map[chan Event]struct{}
}

func (f *fanout) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	f.mu.Lock()
	if f.listeners == nil {
		f.listeners = make(map[chan Event]struct{})
	}
	f.listeners[ch] = struct{}{}
	f.mu.Unlock()
	return ch, func() {
		f.mu.Lock()
		if _, ok := f.listeners[ch]; ok {
			delete(f.listeners, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
}

func (f *fanout) emit(ev Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for ch := range f.listeners {
		select {
		case ch <- ev:
		default:
			log.Warnf("CHAT: event listener full, dropping %s", ev.Kind)
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	for ch := range f.listeners {
		close(ch)
	}
	f.listeners = nil
	f.mu.Unlock()
}
