package chat

import "github.com/dp2ptrade/rolenet-sub003/internal/proto"

// Typing reports that the local user is typing in chatID. An active
// indicator goes out at most once per debounce interval; an inactive one
// follows once the user has been idle for the trailing interval.
func (e *Engine) Typing(chatID string) error {
	r, ok := e.lookup(chatID)
	if !ok || !r.isOpen() {
		return ErrChatNotOpen
	}
	now := e.clk.Now()

	r.mu.Lock()
	send := !r.typing.active || now.Sub(r.typing.lastSent) >= e.opts.TypingDebounce
	if send {
		r.typing.active = true
		r.typing.lastSent = now
	}
	if r.typing.trailing != nil {
		r.typing.trailing.Stop()
	}
	r.typing.gen++
	gen := r.typing.gen
	r.typing.trailing = e.clk.AfterFunc(e.opts.TypingTrailing, func() { e.typingIdle(r, gen) })
	r.mu.Unlock()

	if !send {
		return nil
	}
	return e.publishFrame(r, proto.ChatFrame{Type: proto.ChatTyping, Active: true, Timestamp: now.UnixMilli()})
}

// StopTyping sends the inactive indicator right away, e.g. after Send.
func (e *Engine) StopTyping(chatID string) error {
	r, ok := e.lookup(chatID)
	if !ok {
		return ErrChatNotOpen
	}
	r.mu.Lock()
	wasActive := r.typing.active
	r.typing.active = false
	r.stopTypingLocked()
	r.mu.Unlock()
	if !wasActive {
		return nil
	}
	return e.publishFrame(r, proto.ChatFrame{Type: proto.ChatTyping, Active: false, Timestamp: e.clk.Now().UnixMilli()})
}

func (e *Engine) typingIdle(r *room, gen uint64) {
	r.mu.Lock()
	if r.typing.gen != gen || !r.typing.active || !r.open {
		r.mu.Unlock()
		return
	}
	r.typing.active = false
	r.typing.trailing = nil
	r.mu.Unlock()
	if err := e.publishFrame(r, proto.ChatFrame{Type: proto.ChatTyping, Active: false, Timestamp: e.clk.Now().UnixMilli()}); err != nil {
		log.Debugf("CHAT [%s]: typing stop: %v", r.id, err)
	}
}
