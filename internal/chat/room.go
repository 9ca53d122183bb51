package chat

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dp2ptrade/rolenet-sub003/internal/model"
	"github.com/dp2ptrade/rolenet-sub003/internal/realtime"
)

type typingState struct {
	active   bool
	lastSent time.Time
	trailing *clock.Timer
	gen      uint64
}

// room is the local state of one chat.
type room struct {
	id string

	openMu sync.Mutex // serializes Open and Leave

	mu        sync.Mutex
	chat      model.Chat
	open      bool
	confirmed []model.ChatMessage // sorted by server position
	seen      map[string]struct{} // local ids in confirmed
	queued    []model.ChatMessage // generation order; Queued or Failed
	attempts  map[string]int
	early     map[string]model.DeliveryState // receipts that beat their message's confirm
	lastTS    int64
	sub       realtime.Subscription
	stopRead  context.CancelFunc
	typing    typingState

	kick chan struct{}
}

func newRoom(chat model.Chat) *room {
	return &room{
		id:       chat.ID,
		chat:     chat,
		seen:     make(map[string]struct{}),
		attempts: make(map[string]int),
		early:    make(map[string]model.DeliveryState),
		kick:     make(chan struct{}, 1),
	}
}

func (r *room) wake() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *room) isOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

func (r *room) member(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.chat.Participants, userID)
}

func (r *room) since() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastTS
}

// head returns the oldest message still waiting to be delivered.
func (r *room) head() (model.ChatMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.queued {
		if m.State == model.Queued {
			return m, true
		}
	}
	return model.ChatMessage{}, false
}

func (r *room) enqueue(m model.ChatMessage) {
	r.mu.Lock()
	r.queued = append(r.queued, m)
	r.mu.Unlock()
	r.wake()
}

func (r *room) bumpAttempt(localID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[localID]++
	return r.attempts[localID]
}

// confirm moves a stored message out of the queue into its server position.
func (r *room) confirm(stored model.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued = slices.DeleteFunc(r.queued, func(m model.ChatMessage) bool { return m.LocalID == stored.LocalID })
	delete(r.attempts, stored.LocalID)
	r.addConfirmedLocked(stored)
}

// addConfirmed reports whether m was new.
func (r *room) addConfirmed(m model.ChatMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addConfirmedLocked(m)
}

func (r *room) addConfirmedLocked(m model.ChatMessage) bool {
	if _, ok := r.seen[m.LocalID]; ok {
		return false
	}
	r.seen[m.LocalID] = struct{}{}
	if st, ok := r.early[m.ServerID]; ok {
		m.State = model.Advance(m.State, st)
		delete(r.early, m.ServerID)
	}
	r.confirmed = insertConfirmed(r.confirmed, m)
	if m.ServerTimestamp > r.lastTS {
		r.lastTS = m.ServerTimestamp
	}
	return true
}

// markFailed flips a queued message to Failed and returns it.
func (r *room) markFailed(localID string) (model.ChatMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.queued {
		if r.queued[i].LocalID == localID {
			r.queued[i].State = model.Failed
			delete(r.attempts, localID)
			return r.queued[i], true
		}
	}
	return model.ChatMessage{}, false
}

// requeue flips a failed message back to Queued with a fresh attempt count.
func (r *room) requeue(localID string) (model.ChatMessage, bool) {
	r.mu.Lock()
	for i := range r.queued {
		if r.queued[i].LocalID == localID && r.queued[i].State == model.Failed {
			r.queued[i].State = model.Queued
			delete(r.attempts, localID)
			m := r.queued[i]
			r.mu.Unlock()
			r.wake()
			return m, true
		}
	}
	r.mu.Unlock()
	return model.ChatMessage{}, false
}

// restoreLocked places a stored message. The local user's failed messages
// go back to the queue segment so they can be resent.
func (r *room) restoreLocked(m model.ChatMessage, self string) {
	if m.State != model.Failed || m.SenderID != self {
		r.addConfirmedLocked(m)
		return
	}
	if slices.ContainsFunc(r.queued, func(q model.ChatMessage) bool { return q.LocalID == m.LocalID }) {
		return
	}
	r.queued = append(r.queued, m)
	slices.SortStableFunc(r.queued, func(a, b model.ChatMessage) int { return a.CreatedAt.Compare(b.CreatedAt) })
}

// advance applies a delivery state to a confirmed message. It returns the
// updated message and whether anything changed.
func (r *room) advance(serverID string, next model.DeliveryState) (model.ChatMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.confirmed {
		if r.confirmed[i].ServerID != serverID {
			continue
		}
		cur := r.confirmed[i].State
		r.confirmed[i].State = model.Advance(cur, next)
		return r.confirmed[i], r.confirmed[i].State != cur
	}
	if r.open {
		r.early[serverID] = model.Advance(r.early[serverID], next)
	}
	return model.ChatMessage{}, false
}

func (r *room) find(serverID string) (model.ChatMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.confirmed {
		if m.ServerID == serverID {
			return m, true
		}
	}
	return model.ChatMessage{}, false
}

func (r *room) visible() []model.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Reconcile(r.queued, r.confirmed)
}

func (r *room) stopTypingLocked() {
	if r.typing.trailing != nil {
		r.typing.trailing.Stop()
		r.typing.trailing = nil
	}
	r.typing.gen++
}
