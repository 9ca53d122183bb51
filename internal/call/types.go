// Package call implements one-to-one audio call signaling over the realtime
// transport. Each session runs its own event loop; the engine routes
// signaling traffic to sessions and owns the call-history side effects.
package call

import (
	"context"
	"errors"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/dp2ptrade/rolenet-sub003/internal/model"
)

var log = logging.Logger("call")

// State is the lifecycle position of a call session.
type State string

const (
	StateIdle        State = "idle"
	StateOutgoing    State = "outgoing"
	StateIncoming    State = "incoming"
	StateNegotiating State = "negotiating"
	StateActive      State = "active"
	StateEnding      State = "ending"
	StateEnded       State = "ended"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateEnded }

var (
	ErrPresenceUnavailable = errors.New("call: callee is offline")
	ErrMicrophoneDenied    = errors.New("call: microphone unavailable")
	ErrSessionExists       = errors.New("call: a call with this peer is already in progress")
	ErrInvalidState        = errors.New("call: operation not valid in current state")
	ErrSessionEnded        = errors.New("call: session ended")
	ErrSelfCall            = errors.New("call: cannot call yourself")
)

// ICEServer is one STUN/TURN entry.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// StateChange is emitted on every session transition.
type StateChange struct {
	CallID string
	From   State
	To     State
	Reason model.EndReason // set when To is StateEnded
	At     time.Time
}

// CallEnded is emitted once per session after the history record is written.
type CallEnded struct {
	CallID       string
	Owner        string
	Caller       string
	Peer         string
	Participants []string
	Reason       model.EndReason
	StartedAt    time.Time
	ConnectedAt  time.Time
	EndedAt      time.Time
	Duration     time.Duration
}

// Missed reports whether the owner was the callee of a call nobody answered.
func (e CallEnded) Missed() bool {
	return e.Reason == model.ReasonMissed && e.Caller != e.Owner
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	CallID      string          `json:"call_id"`
	Peer        string          `json:"peer"`
	Outgoing    bool            `json:"outgoing"`
	State       State           `json:"state"`
	Reason      model.EndReason `json:"reason,omitempty"`
	Muted       bool            `json:"muted"`
	Speaker     bool            `json:"speaker"`
	StartedAt   time.Time       `json:"started_at"`
	ConnectedAt time.Time       `json:"connected_at,omitempty"`
	Restarts    int             `json:"restarts"`
}

// Recorder is the call-history store.
type Recorder interface {
	InsertCallRecord(ctx context.Context, r model.CallRecord) (bool, error)
	ListCallRecords(ctx context.Context, owner string, limit int) ([]model.CallRecord, error)
}

// IncomingCall is the handle passed to OnIncoming handlers.
type IncomingCall struct {
	CallID  string
	From    string
	Session *Session
}

// Accept answers the call.
func (c *IncomingCall) Accept(ctx context.Context) error { return c.Session.Accept(ctx) }

// Decline rejects the call.
func (c *IncomingCall) Decline() error { return c.Session.Decline() }
