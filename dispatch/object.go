package dispatch

import (
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/joeycumines/go-evengine"
	"github.com/joeycumines/goroutineid"
)

var (
	ErrHasParent = errors.New("dispatch: object already has a parent")
	ErrCycle     = errors.New("dispatch: object would become its own ancestor")
	ErrDestroyed = errors.New("dispatch: object destroyed")
)

// Object is a named node in the receiver tree. It owns its registered events
// and, through the embedded TimerSet, the timers scheduled against it.
type Object struct {
	evengine.TimerSet

	lock recursiveMutex

	// guarded by lock
	parent    *Object
	children  []*Object
	events    []*Event
	destroyed bool

	name string
	id   uuid.UUID
}

var _ evengine.Owner = (*Object)(nil)

// NewObject returns a detached object.
func NewObject(name string) *Object {
	return &Object{name: name, id: uuid.New()}
}

func (o *Object) Name() string { return o.name }

func (o *Object) ID() uuid.UUID { return o.id }

func (o *Object) String() string {
	if o == nil {
		return `<nil>`
	}
	return o.name + `(` + o.id.String() + `)`
}

// Lock acquires the object's lock. It is reentrant: a goroutine holding the
// lock may acquire it again, e.g. when a synchronous handler posts back to
// its own receiver.
func (o *Object) Lock() { o.lock.Lock() }

func (o *Object) Unlock() { o.lock.Unlock() }

// Parent returns the parent, or nil.
func (o *Object) Parent() *Object {
	o.Lock()
	defer o.Unlock()
	return o.parent
}

// Children returns a snapshot of the direct children, in insertion order.
func (o *Object) Children() []*Object {
	o.Lock()
	defer o.Unlock()
	return slices.Clone(o.children)
}

// AddChild attaches child under o.
func (o *Object) AddChild(child *Object) error {
	for p := o; p != nil; p = p.Parent() {
		if p == child {
			return ErrCycle
		}
	}

	child.Lock()
	switch {
	case child.destroyed:
		child.Unlock()
		return ErrDestroyed
	case child.parent != nil:
		child.Unlock()
		return ErrHasParent
	}
	child.parent = o
	child.Unlock()

	o.Lock()
	defer o.Unlock()
	if o.destroyed {
		child.Lock()
		child.parent = nil
		child.Unlock()
		return ErrDestroyed
	}
	o.children = append(o.children, child)
	return nil
}

// RemoveChild detaches child from o, reporting whether it was a child.
func (o *Object) RemoveChild(child *Object) bool {
	o.Lock()
	i := slices.Index(o.children, child)
	if i < 0 {
		o.Unlock()
		return false
	}
	o.children = slices.Delete(o.children, i, i+1)
	o.Unlock()

	child.Lock()
	if child.parent == o {
		child.parent = nil
	}
	child.Unlock()
	return true
}

// On registers handler for events named name. An empty name matches any
// posted name.
func (o *Object) On(name string, handler Handler, opts ...EventOption) (*Event, error) {
	if handler == nil {
		return nil, evengine.ErrNilCallback
	}
	ev := &Event{Name: name, Handler: handler}
	for _, opt := range opts {
		if opt != nil {
			if err := opt.applyEvent(ev); err != nil {
				return nil, err
			}
		}
	}
	o.Lock()
	defer o.Unlock()
	if o.destroyed {
		return nil, ErrDestroyed
	}
	ev.owner = o
	o.events = append(o.events, ev)
	return ev, nil
}

// Off removes every event registered under exactly name, returning the
// number removed.
func (o *Object) Off(name string) int {
	o.Lock()
	defer o.Unlock()
	n := len(o.events)
	o.events = slices.DeleteFunc(o.events, func(ev *Event) bool { return ev.Name == name })
	return n - len(o.events)
}

// OffEvent removes a single registration.
func (o *Object) OffEvent(ev *Event) bool {
	o.Lock()
	defer o.Unlock()
	i := slices.Index(o.events, ev)
	if i < 0 {
		return false
	}
	o.events = slices.Delete(o.events, i, i+1)
	return true
}

// Events returns the registrations that a post of name would match, in
// registration order.
func (o *Object) Events(name string) []*Event {
	o.Lock()
	defer o.Unlock()
	return o.match(name)
}

// match requires the lock.
func (o *Object) match(name string) []*Event {
	var out []*Event
	for _, ev := range o.events {
		if ev.matches(name) {
			out = append(out, ev)
		}
	}
	return out
}

// Destroy cancels the object's timers, destroys its descendants, and detaches
// it from its parent. Further posts to it match nothing.
func (o *Object) Destroy() {
	evengine.RemoveOwnerTimers(o)

	o.Lock()
	if o.destroyed {
		o.Unlock()
		return
	}
	o.destroyed = true
	children := o.children
	o.children = nil
	o.events = nil
	parent := o.parent
	o.Unlock()

	for _, child := range children {
		child.Lock()
		child.parent = nil
		child.Unlock()
		child.Destroy()
	}
	if parent != nil {
		parent.RemoveChild(o)
	}
}

// Destroyed reports whether Destroy was called.
func (o *Object) Destroyed() bool {
	o.Lock()
	defer o.Unlock()
	return o.destroyed
}

// recursiveMutex is a mutex that the holding goroutine may re-acquire.
type recursiveMutex struct {
	mu    sync.Mutex
	cond  sync.Cond
	owner int64
	depth int
}

func (m *recursiveMutex) Lock() {
	id := goroutineid.Get()
	m.mu.Lock()
	if m.cond.L == nil {
		m.cond.L = &m.mu
	}
	for m.depth > 0 && m.owner != id {
		m.cond.Wait()
	}
	m.owner = id
	m.depth++
	m.mu.Unlock()
}

func (m *recursiveMutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.depth == 0 {
		panic(`dispatch: unlock of unlocked object`)
	}
	m.depth--
	if m.depth == 0 {
		m.owner = 0
		m.cond.Signal()
	}
}
