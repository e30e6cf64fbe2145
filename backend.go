package evengine

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// BackendKind identifies a Backend implementation.
type BackendKind uint8

const (
	// BackendAuto probes the backends in preference order.
	BackendAuto BackendKind = iota
	// BackendKqueue is the kernel event queue (darwin).
	BackendKqueue
	// BackendTimerfd is epoll with one timerfd per timer (linux).
	BackendTimerfd
	// BackendPoll is poll(2) with a deadline-derived timeout. Timers added
	// from other goroutines are not noticed until the current wait ends.
	BackendPoll
	// BackendPollDelay is poll(2) that never waits longer than the poll
	// delay, tolerating timers added from other goroutines.
	BackendPollDelay
	// BackendSpin sleeps a small fixed delay each iteration. It supports no
	// fd readiness and is always available.
	BackendSpin
)

var backendKindNames = [...]string{
	BackendAuto:      "auto",
	BackendKqueue:    "kqueue",
	BackendTimerfd:   "timerfd",
	BackendPoll:      "poll",
	BackendPollDelay: "poll-delay",
	BackendSpin:      "spin",
}

func (k BackendKind) String() string {
	if int(k) < len(backendKindNames) {
		return backendKindNames[k]
	}
	return fmt.Sprintf("BackendKind(%d)", k)
}

// ParseBackendKind is the inverse of BackendKind.String. The empty string
// is BackendAuto.
func ParseBackendKind(s string) (BackendKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return BackendAuto, nil
	}
	for i, name := range backendKindNames {
		if name == s {
			return BackendKind(i), nil
		}
	}
	return BackendAuto, fmt.Errorf("evengine: unknown backend %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k BackendKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *BackendKind) UnmarshalText(b []byte) error {
	v, err := ParseBackendKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Capabilities declares what a backend can service.
type Capabilities struct {
	// Kinds is the set of sink kinds accepted by AddSink.
	Kinds Kinds
	// FSFlags and ProcFlags are the sub-events deliverable for fs and proc
	// sinks. Zero sink flags are widened to these.
	FSFlags   Flags
	ProcFlags Flags
	// NativeTimers is set when the backend schedules expiry itself, and
	// assigns timer IDs.
	NativeTimers bool
}

// Backend is the contract every multiplexing implementation satisfies.
//
// Sink methods are only called from the goroutine running the loop. Timer
// methods and Wake may be called from any goroutine; AddTimer and DelTimer
// are called with the timing lock held or on destroyed timers, and must not
// call back into the engine.
type Backend interface {
	Kind() BackendKind
	Capabilities() Capabilities

	AddSink(s *Sink) error
	DelSink(s *Sink) error

	// AddTimer arms t to expire after t.Interval, rearming if it is
	// already armed. Backends with native timers assign t.id.
	AddTimer(t *Timer) error
	// DelTimer drops t. It is idempotent.
	DelTimer(t *Timer) error

	// Wait blocks for at most timeout (negative blocks indefinitely) until
	// a registered condition is satisfied or a timer expires, recording
	// what fired in ready. Signal interruptions are retried.
	Wait(timeout time.Duration, ready *readySet) error

	// Wake interrupts a concurrent or subsequent Wait.
	Wake() error
	Close() error
}

type backendFactory func(opts *sourceOptions) (Backend, error)

// backendFactories lists every backend in preference order. Platform files
// provide the constructors, returning ErrBackendUnavailable where
// unsupported.
var backendFactories = [...]struct {
	factory backendFactory
	kind    BackendKind
}{
	{kind: BackendKqueue, factory: newKqueueBackend},
	{kind: BackendTimerfd, factory: newTimerfdBackend},
	{kind: BackendPoll, factory: newPollBackend},
	{kind: BackendPollDelay, factory: newPollDelayBackend},
	{kind: BackendSpin, factory: newSpinBackend},
}

// newBackend constructs the forced backend, or the first available in
// preference order that satisfies the options.
func newBackend(opts *sourceOptions) (Backend, error) {
	for _, c := range backendFactories {
		if opts.backend != BackendAuto {
			if c.kind != opts.backend {
				continue
			}
			return c.factory(opts)
		}
		switch c.kind {
		case BackendKqueue, BackendTimerfd:
			if opts.softwareTimers || opts.concurrentTimers {
				continue
			}
		case BackendPoll:
			if opts.concurrentTimers {
				continue
			}
		}
		b, err := c.factory(opts)
		if errors.Is(err, ErrBackendUnavailable) {
			opts.logger.Debug().
				Str(`backend`, c.kind.String()).
				Log(`evengine: backend unavailable`)
			continue
		}
		return b, err
	}
	return nil, ErrBackendUnavailable
}
