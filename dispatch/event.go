package dispatch

// Handler is the callback of an Event.
type Handler func(c *Call)

// Call is a single invocation of an Event. Its Args are the event's declared
// arguments, then the extra arguments supplied when posting, then the sender
// as a Pointer. Async calls receive their own copy.
type Call struct {
	Event    *Event
	Receiver *Object
	Sender   *Object
	// Name is the posted name, which differs from Event.Name for wildcard
	// registrations.
	Name  string
	Args  Args
	Async bool
}

// Event is a named callback registered on an Object. An empty Name matches
// every posted name.
type Event struct {
	Handler Handler
	owner   *Object
	Name    string
	Args    Args
	// Async runs the handler via the dispatcher's Runner instead of inline.
	Async bool
	// Propagate delivers the event to every descendant of the receiver
	// before the receiver itself.
	Propagate bool
	// Once removes the event from its owner when a post first matches it.
	Once bool
}

// Owner returns the object the event was registered on, or nil for an
// unregistered descriptor.
func (e *Event) Owner() *Object { return e.owner }

func (e *Event) matches(name string) bool {
	return e.Name == `` || e.Name == name
}

// EventOption configures an Event at registration.
type EventOption interface {
	applyEvent(*Event) error
}

type eventOptionImpl struct {
	applyEventFunc func(*Event) error
}

func (o *eventOptionImpl) applyEvent(ev *Event) error { return o.applyEventFunc(ev) }

// WithArgs declares arguments passed ahead of any posted arguments.
func WithArgs(args ...Arg) EventOption {
	return &eventOptionImpl{func(ev *Event) error {
		return ev.Args.Append(args...)
	}}
}

// WithAsync marks the event as asynchronous.
func WithAsync() EventOption {
	return &eventOptionImpl{func(ev *Event) error {
		ev.Async = true
		return nil
	}}
}

// WithPropagate marks the event as propagating to descendants.
func WithPropagate() EventOption {
	return &eventOptionImpl{func(ev *Event) error {
		ev.Propagate = true
		return nil
	}}
}

// WithOnce marks the event as removed after its first match.
func WithOnce() EventOption {
	return &eventOptionImpl{func(ev *Event) error {
		ev.Once = true
		return nil
	}}
}
