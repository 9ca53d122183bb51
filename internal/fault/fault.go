// Package fault classifies engine failures as recoverable (retry
// transparently) or terminal (surface to the caller), and runs retryable
// operations under exponential backoff with jitter.
package fault

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("fault")

type terminalError struct{ err error }

func (t *terminalError) Error() string { return t.err.Error() }
func (t *terminalError) Unwrap() error { return t.err }

// Terminal marks err as non-retryable. A nil err stays nil.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	var te *terminalError
	if errors.As(err, &te) {
		return err
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err (or anything it wraps) was marked Terminal.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}

// IsRecoverable is true for every non-nil error not marked Terminal.
func IsRecoverable(err error) bool {
	return err != nil && !IsTerminal(err)
}

// Policy describes an exponential backoff schedule.
type Policy struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	Jitter      float64 // randomization factor, 0..1
	MaxAttempts int     // 0 = unbounded
}

// DefaultPolicy is used when a zero Policy is supplied.
var DefaultPolicy = Policy{
	Initial:     500 * time.Millisecond,
	Max:         30 * time.Second,
	Multiplier:  2,
	Jitter:      0.3,
	MaxAttempts: 8,
}

func (p Policy) orDefault() Policy {
	if p.Initial <= 0 {
		return DefaultPolicy
	}
	if p.Multiplier <= 1 {
		p.Multiplier = DefaultPolicy.Multiplier
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	return p
}

// NewBackOff returns a fresh exponential schedule for p. MaxAttempts is not
// applied here; callers that count attempts themselves use this directly.
func (p Policy) NewBackOff() *backoff.ExponentialBackOff {
	p = p.orDefault()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Retry runs op until it succeeds, returns a terminal error, ctx is done or
// the attempt budget is spent.
func Retry(ctx context.Context, p Policy, op func() error) error {
	p = p.orDefault()
	var b backoff.BackOff = p.NewBackOff()
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	b = backoff.WithContext(b, ctx)

	err := backoff.Retry(func() error {
		err := op()
		if IsTerminal(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	return nil
}

// Guard runs fn and converts a panic into a logged error so a misbehaving
// callback cannot take down a transport or timer goroutine.
func Guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("%s: recovered panic: %v\n%s", name, r, debug.Stack())
		}
	}()
	fn()
}
