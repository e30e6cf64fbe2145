package evengine

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrUnsupportedSinkKind is returned when the active backend cannot
	// service the requested sink kind. No state is changed.
	ErrUnsupportedSinkKind = errors.New("evengine: unsupported sink kind")

	// ErrInvalidSinkKind is returned for kinds that are not valid for the
	// called method, e.g. a hook kind passed to AddSink.
	ErrInvalidSinkKind = errors.New("evengine: invalid sink kind")

	// ErrUnsupportedFlags is returned when the sink flags request
	// sub-events the backend cannot deliver.
	ErrUnsupportedFlags = errors.New("evengine: unsupported sink flags")

	// ErrSinkNotRegistered indicates a double remove, or removal of a sink
	// that belongs to a different source. Raised as a panic.
	ErrSinkNotRegistered = errors.New("evengine: sink not registered")

	// ErrTimerNotRegistered indicates a double remove of a timer. Raised as
	// a panic.
	ErrTimerNotRegistered = errors.New("evengine: timer not registered")

	// ErrBackendUnavailable is returned by a backend constructor when the
	// platform lacks the facility it needs. Backend selection falls through
	// to the next candidate.
	ErrBackendUnavailable = errors.New("evengine: backend unavailable")

	// ErrSourceClosed is returned when operating on a closed source.
	ErrSourceClosed = errors.New("evengine: source closed")

	// ErrLoopRunning is returned when Run or RunOnce is re-entered.
	ErrLoopRunning = errors.New("evengine: loop is already running")

	// ErrNilCallback is returned when a nil callback is registered.
	ErrNilCallback = errors.New("evengine: nil callback")

	// ErrNoPath is returned when a filesystem watch has no path.
	ErrNoPath = errors.New("evengine: filesystem sink requires a path")

	// ErrInvalidInterval is returned for negative timer intervals.
	ErrInvalidInterval = errors.New("evengine: invalid timer interval")
)

// SinkError decorates a sink registration failure with the sink's identity.
type SinkError struct {
	Err     error
	Path    string
	Kind    SinkKind
	Ident   int
	Backend BackendKind
}

func (e *SinkError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("evengine: %s sink %q on %s backend: %v", e.Kind, e.Path, e.Backend, e.Err)
	}
	return fmt.Sprintf("evengine: %s sink %d on %s backend: %v", e.Kind, e.Ident, e.Backend, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

func sinkError(b BackendKind, s *Sink, err error) error {
	return &SinkError{
		Err:     err,
		Path:    s.Path,
		Kind:    s.Kind,
		Ident:   s.Ident,
		Backend: b,
	}
}
