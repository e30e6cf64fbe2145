// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package evengine

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"
)

// TimerFunc is the callback of a Timer. Returning zero (or a negative value)
// expires the timer, returning a positive duration rearms it with that
// interval.
type TimerFunc func(t *Timer) time.Duration

type timerState uint8

const (
	timerArmed timerState = iota
	timerFiring
	timerDisarmed
	timerDead
)

// Timer is a scheduled, cancelable callback belonging to an Owner.
//
// All mutable state is guarded by the process-wide timing lock. The owner
// back-reference is cleared when the timer is destroyed, so a timer never
// keeps a destroyed owner reachable.
type Timer struct {
	deadline time.Time
	owner    Owner
	fn       TimerFunc
	src      *Source

	// Args are the opaque arguments supplied at registration.
	Args []any

	interval time.Duration
	restart  time.Duration
	id       uint64
	// index is the position in a software timer queue, -1 if not queued,
	// guarded by that queue.
	index int
	// handle is a backend resource, e.g. the timerfd.
	handle   int
	autoFree bool
	state    timerState
}

// ID returns the backend-specific identifier: the timerfd number, the kqueue
// ident, or a sequence number for software timers. IDs are unique among the
// live timers of one backend.
func (t *Timer) ID() uint64 {
	timing.Lock()
	defer timing.Unlock()
	return t.id
}

// Interval returns the interval the timer is currently armed with.
func (t *Timer) Interval() time.Duration {
	timing.Lock()
	defer timing.Unlock()
	return t.interval
}

// Owner returns the owning object, or nil once the timer has been destroyed.
func (t *Timer) Owner() Owner {
	timing.Lock()
	defer timing.Unlock()
	return t.owner
}

// Armed reports whether the timer is waiting to fire.
func (t *Timer) Armed() bool {
	timing.Lock()
	defer timing.Unlock()
	return t.state == timerArmed
}

// Active reports whether the timer is still held by its owner.
func (t *Timer) Active() bool {
	timing.Lock()
	defer timing.Unlock()
	return t.state != timerDead
}

func compareTimers(a, b *Timer) int {
	if c := a.deadline.Compare(b.deadline); c != 0 {
		return c
	}
	return cmp.Compare(a.id, b.id)
}

// TimerSet is the per-owner timer collection. Embed it in any type that owns
// timers; the zero value is ready to use.
type TimerSet struct {
	timers map[*Timer]struct{}
}

// OwnerTimers implements Owner.
func (x *TimerSet) OwnerTimers() *TimerSet { return x }

// Len returns the number of timers held, armed or not.
func (x *TimerSet) Len() int {
	timing.Lock()
	defer timing.Unlock()
	return len(x.timers)
}

// Timers returns the held timers, ordered by id.
func (x *TimerSet) Timers() []*Timer {
	timing.Lock()
	defer timing.Unlock()
	out := make([]*Timer, 0, len(x.timers))
	for t := range x.timers {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b *Timer) int { return cmp.Compare(a.id, b.id) })
	return out
}

// Owner is implemented by anything with a TimerSet, typically by embedding.
type Owner interface {
	OwnerTimers() *TimerSet
}

// timing is the process-wide timer state: the collection of owners holding
// at least one timer, and the software id sequence.
var timing struct {
	sync.Mutex
	owners map[*TimerSet]struct{}
	seq    uint64
}

// attach adds t to its owner's set, and the owner to the active collection.
// Requires the timing lock.
func attach(t *Timer) {
	set := t.owner.OwnerTimers()
	if set.timers == nil {
		set.timers = make(map[*Timer]struct{})
	}
	set.timers[t] = struct{}{}
	if timing.owners == nil {
		timing.owners = make(map[*TimerSet]struct{})
	}
	timing.owners[set] = struct{}{}
}

// detach destroys t, removing the owner from the active collection once its
// set is empty. Requires the timing lock.
func detach(t *Timer) {
	t.state = timerDead
	if t.owner == nil {
		return
	}
	set := t.owner.OwnerTimers()
	delete(set.timers, t)
	if len(set.timers) == 0 {
		delete(timing.owners, set)
	}
	t.owner = nil
	if t.src != nil {
		delete(t.src.timers, t)
	}
}

// nextSoftTimerID returns the next sequence number not used by any timer of
// any active owner. Requires the timing lock.
func nextSoftTimerID() uint64 {
	for {
		timing.seq++
		if timing.seq == 0 {
			continue
		}
		if !softTimerIDInUse(timing.seq) {
			return timing.seq
		}
	}
}

func softTimerIDInUse(id uint64) bool {
	for set := range timing.owners {
		for t := range set.timers {
			if t.id == id {
				return true
			}
		}
	}
	return false
}

// ActiveOwners returns the number of owners currently holding timers.
func ActiveOwners() int {
	timing.Lock()
	defer timing.Unlock()
	return len(timing.owners)
}

// HasTimers reports whether owner holds any timer.
func HasTimers(owner Owner) bool {
	timing.Lock()
	defer timing.Unlock()
	_, ok := timing.owners[owner.OwnerTimers()]
	return ok
}

// RemoveOwnerTimers cancels every timer held by owner, returning the number
// canceled. Owners call this before they are destroyed.
func RemoveOwnerTimers(owner Owner) int {
	timing.Lock()
	set := owner.OwnerTimers()
	victims := make([]*Timer, 0, len(set.timers))
	for t := range set.timers {
		victims = append(victims, t)
	}
	for _, t := range victims {
		detach(t)
	}
	timing.Unlock()

	for _, t := range victims {
		t.src.releaseTimer(t)
	}
	return len(victims)
}

// TimerOption configures a timer at registration.
type TimerOption interface {
	applyTimer(*Timer)
}

type timerOptionImpl struct {
	applyTimerFunc func(*Timer)
}

func (o *timerOptionImpl) applyTimer(t *Timer) { o.applyTimerFunc(t) }

// TimerAutoFree controls what happens when the callback expires the timer.
// When enabled (the default) the timer is destroyed. When disabled it is
// disarmed but kept by its owner, and may be rearmed with
// Source.RestartTimer.
func TimerAutoFree(enabled bool) TimerOption {
	return &timerOptionImpl{func(t *Timer) { t.autoFree = enabled }}
}

// TimerArgs attaches opaque arguments, available as Timer.Args.
func TimerArgs(args ...any) TimerOption {
	return &timerOptionImpl{func(t *Timer) { t.Args = args }}
}

// AddTimer registers fn to run after interval. A nil owner makes the source
// itself the owner.
func (s *Source) AddTimer(owner Owner, interval time.Duration, fn TimerFunc, opts ...TimerOption) (*Timer, error) {
	if fn == nil {
		return nil, ErrNilCallback
	}
	if interval < 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}
	if s.closed.Load() {
		return nil, ErrSourceClosed
	}
	if owner == nil {
		owner = s
	}

	t := &Timer{
		owner:    owner,
		fn:       fn,
		src:      s,
		interval: interval,
		index:    -1,
		handle:   -1,
		autoFree: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyTimer(t)
		}
	}

	timing.Lock()
	attach(t)
	s.timers[t] = struct{}{}
	if !s.caps.NativeTimers {
		t.id = nextSoftTimerID()
	}
	t.deadline = s.clock.Now().Add(interval)
	err := s.backend.AddTimer(t)
	if err != nil {
		detach(t)
	}
	timing.Unlock()

	if err != nil {
		s.backend.DelTimer(t)
		return nil, err
	}
	s.logger.Trace().
		Uint64(`timer`, t.id).
		Dur(`interval`, interval).
		Log(`evengine: timer added`)
	return t, nil
}

// RemoveTimer cancels t. Removing a timer that was already destroyed is a
// programmer error and panics with ErrTimerNotRegistered.
func (s *Source) RemoveTimer(t *Timer) {
	timing.Lock()
	if t.state == timerDead {
		timing.Unlock()
		panic(fmt.Errorf("%w: id %d", ErrTimerNotRegistered, t.id))
	}
	detach(t)
	timing.Unlock()
	t.src.releaseTimer(t)
}

// RestartTimer rearms t with interval. It revives a timer disarmed by its
// callback (see TimerAutoFree), resets an armed one, and from within the
// timer's own callback overrides the callback's return value.
func (s *Source) RestartTimer(t *Timer, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}
	timing.Lock()
	defer timing.Unlock()
	switch t.state {
	case timerDead:
		return fmt.Errorf("%w: id %d", ErrTimerNotRegistered, t.id)
	case timerFiring:
		t.restart = interval
		return nil
	}
	return t.src.armTimer(t, interval)
}

// armTimer (re)schedules t. Requires the timing lock.
func (s *Source) armTimer(t *Timer, interval time.Duration) error {
	t.interval = interval
	t.deadline = s.clock.Now().Add(interval)
	t.state = timerArmed
	return s.backend.AddTimer(t)
}

// releaseTimer drops the backend registration of a destroyed timer.
func (s *Source) releaseTimer(t *Timer) {
	if err := s.backend.DelTimer(t); err != nil {
		s.logger.Err().
			Err(err).
			Uint64(`timer`, t.id).
			Log(`evengine: failed to release timer`)
	}
}

// fireTimer runs an expired timer's callback outside the timing lock, then
// rearms, disarms or destroys it.
func (s *Source) fireTimer(t *Timer) {
	timing.Lock()
	if t.state != timerArmed {
		timing.Unlock()
		return
	}
	t.state = timerFiring
	t.restart = 0
	timing.Unlock()

	next := s.callTimer(t)

	timing.Lock()
	if t.state != timerFiring {
		// removed by its own callback
		timing.Unlock()
		return
	}
	if t.restart > 0 {
		next = t.restart
		t.restart = 0
	}
	var err error
	switch {
	case next > 0:
		if err = s.armTimer(t, next); err != nil {
			detach(t)
		}
	case t.autoFree:
		detach(t)
	default:
		t.state = timerDisarmed
	}
	state := t.state
	timing.Unlock()

	if err != nil {
		s.logger.Err().
			Err(err).
			Uint64(`timer`, t.id).
			Log(`evengine: failed to rearm timer`)
	}
	if state != timerArmed {
		s.releaseTimer(t)
	}
}

func (s *Source) callTimer(t *Timer) (next time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			next = 0
			s.logPanic(t, r)
		}
	}()
	return t.fn(t)
}
