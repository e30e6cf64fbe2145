package evengine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/goroutineid"
	"github.com/joeycumines/logiface"
)

// Source owns one Backend plus the sink collections driven by a loop. It is
// confined to the goroutine that runs it: sinks and hooks must be added and
// removed from that goroutine (typically from callbacks). Timers, Break and
// Wake-dependent operations are safe from any goroutine.
//
// Source embeds a TimerSet, owning the timers added without an owner.
type Source struct {
	TimerSet

	opts    *sourceOptions
	logger  *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter
	clock   Clock
	backend Backend
	caps    Capabilities

	prologues *sinkList
	sinks     *sinkList
	spinners  *sinkList
	epilogues *sinkList
	ready     readySet

	// timers added through this source, guarded by the timing lock
	timers map[*Timer]struct{}

	nextHandle uint64
	goid       int64
	code       atomic.Int64
	breakReq   atomic.Bool
	running    atomic.Bool
	closed     atomic.Bool
	kind       BackendKind
}

var _ Owner = (*Source)(nil)

// New creates a Source with a backend chosen according to opts.
func New(opts ...Option) (*Source, error) {
	cfg, err := resolveSourceOptions(opts)
	if err != nil {
		return nil, err
	}
	backend, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	s := &Source{
		opts:      cfg,
		logger:    cfg.logger,
		limiter:   cfg.newLimiter(),
		clock:     cfg.clock,
		backend:   backend,
		caps:      backend.Capabilities(),
		prologues: newSinkList(),
		sinks:     newSinkList(),
		spinners:  newSinkList(),
		epilogues: newSinkList(),
		timers:    make(map[*Timer]struct{}),
		kind:      backend.Kind(),
	}
	s.logger.Debug().
		Str(`backend`, s.kind.String()).
		Bool(`native_timers`, s.caps.NativeTimers).
		Log(`evengine: source created`)
	return s, nil
}

// Backend returns the kind of the active backend.
func (s *Source) Backend() BackendKind { return s.kind }

// Capabilities returns what the active backend supports.
func (s *Source) Capabilities() Capabilities { return s.caps }

// Logger returns the configured logger, which may be nil.
func (s *Source) Logger() *logiface.Logger[logiface.Event] { return s.logger }

// Clock returns the time source.
func (s *Source) Clock() Clock { return s.clock }

func (s *Source) newSink(kind SinkKind, ident int, flags Flags, fn SinkFunc, args []any) *Sink {
	s.nextHandle++
	return &Sink{
		fn:     fn,
		src:    s,
		Args:   args,
		Ident:  ident,
		Flags:  flags,
		handle: s.nextHandle,
		Kind:   kind,
	}
}

// normalizeFlags widens zero flags to everything the backend can deliver,
// and rejects flags it cannot.
func (s *Source) normalizeFlags(kind SinkKind, flags Flags) (Flags, error) {
	var supported Flags
	switch kind {
	case KindRead, KindWrite:
		return readinessMask(kind), nil
	case KindFS:
		supported = s.caps.FSFlags
	case KindProc:
		supported = s.caps.ProcFlags
	}
	if flags == 0 {
		return supported, nil
	}
	if flags&^supported != 0 {
		return 0, fmt.Errorf("%w: %s not in %s", ErrUnsupportedFlags, flags&^supported, supported)
	}
	return flags, nil
}

// AddSink registers fn for a readiness (KindRead, KindWrite) or process
// (KindProc) condition on ident. Filesystem sinks are added with AddWatch.
// A kind the backend does not support fails with ErrUnsupportedSinkKind,
// leaving no trace.
func (s *Source) AddSink(kind SinkKind, ident int, flags Flags, fn SinkFunc, args ...any) (*Sink, error) {
	switch kind {
	case KindRead, KindWrite, KindProc:
	case KindFS:
		return nil, ErrNoPath
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidSinkKind, kind)
	}
	return s.addSink(kind, ident, "", flags, fn, args)
}

// AddWatch registers fn for changes to path. Zero flags means all supported
// changes.
func (s *Source) AddWatch(path string, flags Flags, fn SinkFunc, args ...any) (*Sink, error) {
	if path == "" {
		return nil, ErrNoPath
	}
	return s.addSink(KindFS, 0, path, flags, fn, args)
}

func (s *Source) addSink(kind SinkKind, ident int, path string, flags Flags, fn SinkFunc, args []any) (*Sink, error) {
	if fn == nil {
		return nil, ErrNilCallback
	}
	if s.closed.Load() {
		return nil, ErrSourceClosed
	}
	if !s.caps.Kinds.Has(kind) {
		return nil, &SinkError{Err: ErrUnsupportedSinkKind, Path: path, Kind: kind, Ident: ident, Backend: s.kind}
	}
	flags, err := s.normalizeFlags(kind, flags)
	if err != nil {
		return nil, &SinkError{Err: err, Path: path, Kind: kind, Ident: ident, Backend: s.kind}
	}
	sink := s.newSink(kind, ident, flags, fn, args)
	sink.Path = path
	if err := s.backend.AddSink(sink); err != nil {
		return nil, sinkError(s.kind, sink, err)
	}
	s.sinks.add(sink)
	s.logger.Trace().
		Stringer(`kind`, kind).
		Int(`ident`, ident).
		Uint64(`sink`, sink.handle).
		Log(`evengine: sink added`)
	return sink, nil
}

// RemoveSink unregisters sink. The sink is not invoked again, even if it
// already fired in the current cycle. Removing a sink twice, or one that
// belongs to another source, panics with ErrSinkNotRegistered. The returned
// error reports a failure to release the backend registration; the sink is
// removed regardless.
func (s *Source) RemoveSink(sink *Sink) error {
	if sink == nil || sink.src != s || sink.Kind.isHook() || !s.sinks.contains(sink) {
		panic(fmt.Errorf("%w: %v", ErrSinkNotRegistered, sinkDescription(sink)))
	}
	s.sinks.remove(sink)
	if err := s.backend.DelSink(sink); err != nil {
		s.logger.Err().
			Err(err).
			Uint64(`sink`, sink.handle).
			Log(`evengine: failed to release sink`)
		return sinkError(s.kind, sink, err)
	}
	return nil
}

func sinkDescription(sink *Sink) string {
	if sink == nil {
		return "nil sink"
	}
	return fmt.Sprintf("%s sink %d", sink.Kind, sink.handle)
}

// RemoveSinksMatching removes every sink or hook of kind registered against
// ident whose flags equal flags, or any flags when flags is zero. It returns
// the number removed.
func (s *Source) RemoveSinksMatching(kind SinkKind, ident int, flags Flags) int {
	list := s.listFor(kind)
	if list == nil {
		return 0
	}
	victims := list.matching(func(v *Sink) bool {
		return v.Kind == kind && v.Ident == ident && (flags == 0 || v.Flags == flags)
	})
	var errs []error
	for _, v := range victims {
		if kind.isHook() {
			list.remove(v)
			continue
		}
		errs = append(errs, s.RemoveSink(v))
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Err().
			Err(err).
			Log(`evengine: failed to release matched sinks`)
	}
	return len(victims)
}

func (s *Source) listFor(kind SinkKind) *sinkList {
	switch kind {
	case KindPrologue:
		return s.prologues
	case KindEpilogue:
		return s.epilogues
	case KindSpinner:
		return s.spinners
	case KindRead, KindWrite, KindFS, KindProc:
		return s.sinks
	}
	return nil
}

func (s *Source) addHook(list *sinkList, kind SinkKind, fn SinkFunc, args []any) *Sink {
	if fn == nil {
		panic(ErrNilCallback)
	}
	h := s.newSink(kind, 0, 0, fn, args)
	list.add(h)
	return h
}

// AddPrologue registers a hook run once when Run starts.
func (s *Source) AddPrologue(fn SinkFunc, args ...any) *Sink {
	return s.addHook(s.prologues, KindPrologue, fn, args)
}

// AddSpinner registers a hook run every iteration. While any spinner is
// registered the loop never blocks.
func (s *Source) AddSpinner(fn SinkFunc, args ...any) *Sink {
	return s.addHook(s.spinners, KindSpinner, fn, args)
}

// AddEpilogue registers a hook run after each batch of events.
func (s *Source) AddEpilogue(fn SinkFunc, args ...any) *Sink {
	return s.addHook(s.epilogues, KindEpilogue, fn, args)
}

// RemoveHook unregisters a prologue, spinner or epilogue, panicking with
// ErrSinkNotRegistered if it is not registered.
func (s *Source) RemoveHook(h *Sink) {
	var list *sinkList
	if h != nil && h.src == s {
		list = s.listFor(h.Kind)
	}
	if list == nil || !h.Kind.isHook() || !list.remove(h) {
		panic(fmt.Errorf("%w: %v", ErrSinkNotRegistered, sinkDescription(h)))
	}
}

// Len returns the number of registered sinks, excluding hooks.
func (s *Source) Len() int { return s.sinks.len() }

// Break requests the loop to stop after the current iteration, returning
// code from Run. It is safe to call from any goroutine.
func (s *Source) Break(code int) {
	s.code.Store(int64(code))
	s.breakReq.Store(true)
	if err := s.backend.Wake(); err != nil {
		s.logger.Err().
			Err(err).
			Log(`evengine: failed to wake backend`)
	}
}

// Close releases the backend and destroys every timer added through the
// source. Sinks are dropped without callbacks.
func (s *Source) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	registry.Lock()
	if registry.sources[s.goid] == s {
		delete(registry.sources, s.goid)
	}
	registry.Unlock()

	timing.Lock()
	for t := range s.timers {
		detach(t)
	}
	timing.Unlock()

	for _, list := range [...]*sinkList{s.prologues, s.sinks, s.spinners, s.epilogues} {
		for _, v := range list.matching(func(*Sink) bool { return true }) {
			list.remove(v)
		}
	}

	err := s.backend.Close()
	s.logger.Debug().
		Str(`backend`, s.kind.String()).
		Log(`evengine: source closed`)
	return err
}

// Closed reports whether Close has been called.
func (s *Source) Closed() bool { return s.closed.Load() }

// registry maps goroutines to their Source, for Current.
var registry struct {
	sync.Mutex
	sources  map[int64]*Source
	defaults []Option
}

// SetDefaultOptions sets the options used when Current creates a Source.
func SetDefaultOptions(opts ...Option) {
	registry.Lock()
	defer registry.Unlock()
	registry.defaults = append([]Option(nil), opts...)
}

// Current returns the calling goroutine's Source, creating it on first use
// with the options given to SetDefaultOptions. Failing to construct a backend
// is unrecoverable and panics.
func Current() *Source {
	id := goroutineid.Get()
	registry.Lock()
	s := registry.sources[id]
	defaults := registry.defaults
	registry.Unlock()
	if s != nil {
		return s
	}
	s, err := New(defaults...)
	if err != nil {
		panic(fmt.Errorf("evengine: failed to create event source: %w", err))
	}
	s.goid = id
	registry.Lock()
	if registry.sources == nil {
		registry.sources = make(map[int64]*Source)
	}
	registry.sources[id] = s
	registry.Unlock()
	return s
}

// Release closes the calling goroutine's Source, if any. Goroutines that
// used Current call it before exiting.
func Release() error {
	id := goroutineid.Get()
	registry.Lock()
	s := registry.sources[id]
	registry.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}
