package evengine

import (
	"strconv"
	"strings"
)

// SinkKind identifies the condition a Sink is interested in.
type SinkKind uint8

const (
	// KindRead fires when a file descriptor is readable.
	KindRead SinkKind = iota + 1
	// KindWrite fires when a file descriptor is writable.
	KindWrite
	// KindFS fires on filesystem changes to a watched path.
	KindFS
	// KindProc fires on process state changes of a watched pid.
	KindProc
	// KindTimer is reported by backends for timer expiry. Timers are
	// registered with Source.AddTimer, never as sinks.
	KindTimer
	// KindPrologue hooks run once when the loop starts.
	KindPrologue
	// KindEpilogue hooks run after each batch of events.
	KindEpilogue
	// KindSpinner hooks run every iteration and force non-blocking waits.
	KindSpinner
)

var sinkKindNames = [...]string{
	KindRead:     "read",
	KindWrite:    "write",
	KindFS:       "fs",
	KindProc:     "proc",
	KindTimer:    "timer",
	KindPrologue: "prologue",
	KindEpilogue: "epilogue",
	KindSpinner:  "spinner",
}

func (k SinkKind) String() string {
	if k > 0 && int(k) < len(sinkKindNames) {
		return sinkKindNames[k]
	}
	return "SinkKind(" + strconv.Itoa(int(k)) + ")"
}

// Kinds is a set of SinkKind values.
type Kinds uint16

// Of builds a set from the given kinds.
func Of(kinds ...SinkKind) (set Kinds) {
	for _, k := range kinds {
		set |= 1 << k
	}
	return set
}

// Has reports whether k is in the set.
func (x Kinds) Has(k SinkKind) bool { return x&(1<<k) != 0 }

func (x Kinds) String() string {
	var names []string
	for k := KindRead; k <= KindSpinner; k++ {
		if x.Has(k) {
			names = append(names, k.String())
		}
	}
	return strings.Join(names, ",")
}

func (k SinkKind) isHook() bool {
	return k == KindPrologue || k == KindEpilogue || k == KindSpinner
}

// Flags is a bitmask of sub-events, used both as a sink filter and to report
// what fired.
type Flags uint32

const (
	FlagRead Flags = 1 << iota
	FlagWrite
	FlagError
	FlagHangup
	FSCreate
	FSWrite
	FSRemove
	FSRename
	FSChmod
	ProcExit
	ProcFork
	ProcExec
	FlagTimer

	FSAll   = FSCreate | FSWrite | FSRemove | FSRename | FSChmod
	ProcAll = ProcExit | ProcFork | ProcExec
)

var flagNames = [...]string{
	"read", "write", "error", "hangup",
	"fs-create", "fs-write", "fs-remove", "fs-rename", "fs-chmod",
	"proc-exit", "proc-fork", "proc-exec",
	"timer",
}

func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var b strings.Builder
	for i, name := range flagNames {
		if f&(1<<i) == 0 {
			continue
		}
		if b.Len() != 0 {
			b.WriteByte('|')
		}
		b.WriteString(name)
		f &^= 1 << i
	}
	if f != 0 {
		if b.Len() != 0 {
			b.WriteByte('|')
		}
		b.WriteString("0x")
		b.WriteString(strconv.FormatUint(uint64(f), 16))
	}
	return b.String()
}

// readinessMask returns the flags a readiness sink of kind k may observe.
func readinessMask(k SinkKind) Flags {
	switch k {
	case KindRead:
		return FlagRead | FlagError | FlagHangup
	case KindWrite:
		return FlagWrite | FlagError | FlagHangup
	}
	return 0
}

// SinkFunc is invoked with the sink and the sub-events that fired. Hooks are
// invoked with zero flags.
type SinkFunc func(s *Sink, fired Flags)

// Sink is a registered interest in one condition. Its exported fields are
// read-only after registration.
type Sink struct {
	fn  SinkFunc
	src *Source

	// Args are the opaque arguments supplied at registration.
	Args []any

	// Path is the watched path of a KindFS sink.
	Path string

	// Ident is the file descriptor (read/write) or pid (proc).
	Ident int

	// Flags filters the sub-events the sink cares about.
	Flags Flags

	handle  uint64
	Kind    SinkKind
	removed bool
}

// Handle returns the registration handle, unique within the source.
func (s *Sink) Handle() uint64 { return s.handle }

// Source returns the source the sink is registered with.
func (s *Sink) Source() *Source { return s.src }

// Active reports whether the sink is still registered.
func (s *Sink) Active() bool { return !s.removed }

// sinkList is an insertion-ordered collection keyed by handle. It tolerates
// removal and insertion during iteration: removed entries are skipped and
// compacted once the outermost iteration completes, entries added during an
// iteration are first visited by the next one.
type sinkList struct {
	items     map[uint64]*Sink
	order     []*Sink
	iterating int
	dirty     bool
}

func newSinkList() *sinkList {
	return &sinkList{items: make(map[uint64]*Sink)}
}

func (l *sinkList) len() int { return len(l.items) }

func (l *sinkList) add(s *Sink) {
	l.items[s.handle] = s
	l.order = append(l.order, s)
}

func (l *sinkList) contains(s *Sink) bool {
	v, ok := l.items[s.handle]
	return ok && v == s
}

func (l *sinkList) remove(s *Sink) bool {
	if !l.contains(s) {
		return false
	}
	delete(l.items, s.handle)
	s.removed = true
	l.dirty = true
	if l.iterating == 0 {
		l.compact()
	}
	return true
}

func (l *sinkList) compact() {
	if !l.dirty {
		return
	}
	l.dirty = false
	n := 0
	for _, s := range l.order {
		if !s.removed {
			l.order[n] = s
			n++
		}
	}
	clear(l.order[n:])
	l.order = l.order[:n]
}

// each calls fn for every live sink, in insertion order.
func (l *sinkList) each(fn func(s *Sink)) {
	l.iterating++
	defer func() {
		l.iterating--
		if l.iterating == 0 {
			l.compact()
		}
	}()
	n := len(l.order)
	for i := 0; i < n; i++ {
		if s := l.order[i]; !s.removed {
			fn(s)
		}
	}
}

// matching returns the live sinks for which match returns true.
func (l *sinkList) matching(match func(s *Sink) bool) (out []*Sink) {
	for _, s := range l.order {
		if !s.removed && match(s) {
			out = append(out, s)
		}
	}
	return out
}
