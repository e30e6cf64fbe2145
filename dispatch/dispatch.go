package dispatch

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/joeycumines/go-evengine"
	"github.com/joeycumines/logiface"
)

// ErrNilReceiver is returned when dispatching to a nil object.
var ErrNilReceiver = errors.New("dispatch: nil receiver")

// State is a step of a single dispatch. Done, Invoked and Detached are
// terminal.
type State uint8

const (
	StateMatching State = iota
	StateDone
	StatePropagating
	StateDispatching
	StateInvoked
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateMatching:
		return `matching`
	case StateDone:
		return `done`
	case StatePropagating:
		return `propagating`
	case StateDispatching:
		return `dispatching`
	case StateInvoked:
		return `invoked`
	case StateDetached:
		return `detached`
	default:
		return `State(` + strconv.Itoa(int(s)) + `)`
	}
}

// Result summarizes a dispatch. Matched counts the receiver's matching
// events, while Invoked and Detached count every delivery, descendants
// included.
type Result struct {
	Matched  int
	Invoked  int
	Detached int
}

// State returns the terminal state of the dispatch as a whole.
func (r Result) State() State {
	switch {
	case r.Matched == 0:
		return StateDone
	case r.Invoked == 0 && r.Detached > 0:
		return StateDetached
	default:
		return StateInvoked
	}
}

// Dispatcher delivers events to objects. The zero value is usable: it
// schedules on the calling goroutine's evengine.Current source and runs
// async handlers with GoRunner.
type Dispatcher struct {
	// Source is used by Schedule.
	Source *evengine.Source
	Runner Runner
	Logger *logiface.Logger[logiface.Event]
}

// Default is used by the package level functions.
var Default = new(Dispatcher)

// Post delivers the events of recv matching name.
func Post(sender, recv *Object, name string, extra ...Arg) (Result, error) {
	return Default.Post(sender, recv, name, extra...)
}

// Forward delivers ev to recv.
func Forward(sender, recv *Object, ev *Event, extra ...Arg) (Result, error) {
	return Default.Forward(sender, recv, ev, extra...)
}

// Schedule posts name to recv after delay.
func Schedule(sender, recv *Object, delay time.Duration, name string, extra ...Arg) (*evengine.Timer, error) {
	return Default.Schedule(sender, recv, delay, name, extra...)
}

func (d *Dispatcher) source() *evengine.Source {
	if d.Source != nil {
		return d.Source
	}
	return evengine.Current()
}

func (d *Dispatcher) runner() Runner {
	if d.Runner != nil {
		return d.Runner
	}
	return GoRunner{}
}

func (d *Dispatcher) logger() *logiface.Logger[logiface.Event] {
	if d.Logger != nil || d.Source == nil {
		return d.Logger
	}
	return d.Source.Logger()
}

func (d *Dispatcher) trace(recv *Object, name string, state State) {
	d.logger().Trace().
		Stringer(`object`, recv).
		Str(`event`, name).
		Stringer(`state`, state).
		Log(`dispatch: state`)
}

// Post looks up the events of recv matching name, and delivers each with its
// declared arguments, then extra, then sender. Propagating events are
// delivered to every descendant, depth first, before recv. Synchronous
// handlers run inline with recv locked.
func (d *Dispatcher) Post(sender, recv *Object, name string, extra ...Arg) (Result, error) {
	var res Result
	if recv == nil {
		return res, ErrNilReceiver
	}
	d.trace(recv, name, StateMatching)
	recv.Lock()
	matches := recv.match(name)
	recv.events = slices.DeleteFunc(recv.events, func(ev *Event) bool {
		return ev.Once && ev.matches(name)
	})
	recv.Unlock()
	if len(matches) == 0 {
		d.trace(recv, name, StateDone)
		return res, nil
	}
	var errs []error
	for _, ev := range matches {
		res.Matched++
		if err := d.deliver(sender, recv, ev, name, extra, &res); err != nil {
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

// Forward delivers ev to recv as if it had matched, without resolving it by
// name. It is used to relay a received event onward.
func (d *Dispatcher) Forward(sender, recv *Object, ev *Event, extra ...Arg) (Result, error) {
	var res Result
	if recv == nil {
		return res, ErrNilReceiver
	}
	if ev == nil || ev.Handler == nil {
		return res, evengine.ErrNilCallback
	}
	res.Matched = 1
	err := d.deliver(sender, recv, ev, ev.Name, extra, &res)
	return res, err
}

// Schedule arms a timer owned by recv that posts name after delay. The timer
// is canceled if recv is destroyed first.
func (d *Dispatcher) Schedule(sender, recv *Object, delay time.Duration, name string, extra ...Arg) (*evengine.Timer, error) {
	if recv == nil {
		return nil, ErrNilReceiver
	}
	if len(extra)+1 > MaxArgs {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyArgs, len(extra)+1, MaxArgs)
	}
	extra = slices.Clone(extra)
	return d.source().AddTimer(recv, delay, func(t *evengine.Timer) time.Duration {
		if _, err := d.Post(sender, recv, name, extra...); err != nil {
			d.logger().Err().
				Err(err).
				Stringer(`object`, recv).
				Str(`event`, name).
				Log(`dispatch: scheduled post failed`)
		}
		return 0
	})
}

func (d *Dispatcher) deliver(sender, recv *Object, ev *Event, name string, extra []Arg, res *Result) error {
	var errs []error
	if ev.Propagate {
		d.trace(recv, name, StatePropagating)
		for _, child := range recv.Children() {
			if err := d.deliver(sender, child, ev, name, extra, res); err != nil {
				errs = append(errs, err)
			}
		}
	}

	d.trace(recv, name, StateDispatching)
	call := &Call{
		Event:    ev,
		Receiver: recv,
		Sender:   sender,
		Name:     name,
		Args:     ev.Args,
		Async:    ev.Async,
	}
	if err := call.Args.Append(extra...); err != nil {
		return errors.Join(append(errs, err)...)
	}
	if err := call.Args.Append(Pointer(sender)); err != nil {
		return errors.Join(append(errs, err)...)
	}

	if ev.Async {
		d.runner().Run(func() { d.runAsync(call) })
		res.Detached++
		d.trace(recv, name, StateDetached)
		return errors.Join(errs...)
	}

	recv.Lock()
	defer recv.Unlock()
	if recv.destroyed {
		return errors.Join(errs...)
	}
	ev.Handler(call)
	res.Invoked++
	d.trace(recv, name, StateInvoked)
	return errors.Join(errs...)
}

func (d *Dispatcher) runAsync(call *Call) {
	defer func() {
		if r := recover(); r != nil {
			d.logger().Err().
				Str(`panic`, fmt.Sprint(r)).
				Stringer(`object`, call.Receiver).
				Str(`event`, call.Name).
				Log(`dispatch: recovered async handler panic`)
		}
	}()
	call.Event.Handler(call)
}
