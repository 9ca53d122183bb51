// Package presence tracks who is online from heartbeat traffic. Status
// changes toward Offline are debounced by a flap window so a client that
// drops and comes straight back never looks offline to the call engine.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/dp2ptrade/rolenet-sub003/internal/storage"
)

var log = logging.Logger("presence")

type Status string

const (
	Online  Status = "online"
	Away    Status = "away"
	Offline Status = "offline"
)

// ParseStatus maps a wire status to a Status; anything unknown is Online.
func ParseStatus(s string) Status {
	switch Status(s) {
	case Away:
		return Away
	case Offline:
		return Offline
	}
	return Online
}

// Record is the last known presence of one user.
type Record struct {
	UserID   string    `json:"user_id"`
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

// Event is a status change.
type Event struct {
	Record
	Previous Status `json:"previous"`
}

// Source is the read side the engines depend on.
type Source interface {
	Status(userID string) Record
}

// Cache persists last-seen information across restarts.
type Cache interface {
	UpsertPresence(ctx context.Context, p storage.CachedPresence) error
	ListPresence(ctx context.Context) ([]storage.CachedPresence, error)
}

type Options struct {
	TTL        time.Duration // heartbeat silence before the flap window starts
	FlapWindow time.Duration
	Clock      clock.Clock
	Cache      Cache
}

const (
	DefaultTTL        = 30 * time.Second
	DefaultFlapWindow = 5 * time.Second
)

type entry struct {
	rec      Record
	lastBeat time.Time
	pending  *clock.Timer
	gen      uint64
}

// Tracker is the process-wide presence table.
type Tracker struct {
	clk   clock.Clock
	ttl   time.Duration
	flap  time.Duration
	cache Cache

	mu        sync.Mutex
	users     map[string]*entry
	listeners map[string]map[chan Event]struct{}
}

func NewTracker(opts Options) *Tracker {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.FlapWindow <= 0 {
		opts.FlapWindow = DefaultFlapWindow
	}
	return &Tracker{
		clk:       opts.Clock,
		ttl:       opts.TTL,
		flap:      opts.FlapWindow,
		cache:     opts.Cache,
		users:     make(map[string]*entry),
		listeners: make(map[string]map[chan Event]struct{}),
	}
}

// Seed loads cached last-seen rows as Offline records. Users already known
// to the tracker are left alone.
func (t *Tracker) Seed(ctx context.Context) error {
	if t.cache == nil {
		return nil
	}
	rows, err := t.cache.ListPresence(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range rows {
		if _, ok := t.users[r.UserID]; ok {
			continue
		}
		t.users[r.UserID] = &entry{rec: Record{UserID: r.UserID, Status: Offline, LastSeen: r.LastSeen}}
	}
	return nil
}

// Heartbeat records userID as Online or Away and cancels any pending
// offline transition.
func (t *Tracker) Heartbeat(userID string, status Status) {
	if status == Offline {
		t.Disconnect(userID)
		return
	}
	now := t.clk.Now()

	t.mu.Lock()
	e, ok := t.users[userID]
	if !ok {
		e = &entry{rec: Record{UserID: userID, Status: Offline}}
		t.users[userID] = e
	}
	if e.pending != nil {
		e.pending.Stop()
		e.pending = nil
		log.Debugf("PRESENCE [%s]: flap absorbed", userID)
	}
	e.gen++
	e.lastBeat = now
	e.rec.LastSeen = now
	prev := e.rec.Status
	e.rec.Status = status
	rec := e.rec
	t.mu.Unlock()

	if prev != status {
		t.changed(Event{Record: rec, Previous: prev})
	}
}

// Disconnect starts the flap window for userID. If no heartbeat arrives
// before it closes, the user is declared Offline.
func (t *Tracker) Disconnect(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.users[userID]
	if !ok || e.rec.Status == Offline || e.pending != nil {
		return
	}
	t.startFlap(userID, e)
}

// startFlap must be called with t.mu held.
func (t *Tracker) startFlap(userID string, e *entry) {
	e.gen++
	gen := e.gen
	e.pending = t.clk.AfterFunc(t.flap, func() { t.expire(userID, gen) })
}

func (t *Tracker) expire(userID string, gen uint64) {
	t.mu.Lock()
	e, ok := t.users[userID]
	if !ok || e.gen != gen || e.rec.Status == Offline {
		t.mu.Unlock()
		return
	}
	e.pending = nil
	prev := e.rec.Status
	e.rec.Status = Offline
	rec := e.rec
	t.mu.Unlock()

	log.Debugf("PRESENCE [%s]: offline", userID)
	t.changed(Event{Record: rec, Previous: prev})
}

// Sweep starts the flap window for every user whose last heartbeat is older
// than the TTL.
func (t *Tracker) Sweep() {
	cutoff := t.clk.Now().Add(-t.ttl)
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.users {
		if e.rec.Status == Offline || e.pending != nil {
			continue
		}
		if e.lastBeat.Before(cutoff) {
			t.startFlap(id, e)
		}
	}
}

// Run sweeps every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	tick := t.clk.Ticker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			t.Sweep()
		}
	}
}

// Status returns the last known record; unknown users are Offline.
func (t *Tracker) Status(userID string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.users[userID]; ok {
		return e.rec
	}
	return Record{UserID: userID, Status: Offline}
}

// Snapshot copies every known record.
func (t *Tracker) Snapshot() map[string]Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Record, len(t.users))
	for id, e := range t.users {
		out[id] = e.rec
	}
	return out
}

// Subscribe streams status changes of userID until cancel is called.
func (t *Tracker) Subscribe(userID string) (<-chan Event, func()) {
	ch := make(chan Event, 16)
	t.mu.Lock()
	if t.listeners[userID] == nil {
		t.listeners[userID] = make(map[chan Event]struct{})
	}
	t.listeners[userID][ch] = struct{}{}
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		if set, ok := t.listeners[userID]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(t.listeners, userID)
			}
		}
		t.mu.Unlock()
	}
	return ch, cancel
}

func (t *Tracker) changed(evt Event) {
	t.mu.Lock()
	for ch := range t.listeners[evt.UserID] {
		select {
		case ch <- evt:
		default:
		}
	}
	t.mu.Unlock()

	if t.cache != nil {
		err := t.cache.UpsertPresence(context.Background(), storage.CachedPresence{
			UserID: evt.UserID, Status: string(evt.Status), LastSeen: evt.LastSeen,
		})
		if err != nil {
			log.Warnf("PRESENCE [%s]: cache: %v", evt.UserID, err)
		}
	}
}
