package evengine

// fdEntry aggregates every readiness sink registered against one fd, since
// the kernel facilities accept a single registration per fd (or per fd and
// filter).
type fdEntry struct {
	sinks  []*Sink
	fd     int
	reads  int
	writes int
}

func (e *fdEntry) interest() (f Flags) {
	if e.reads > 0 {
		f |= FlagRead
	}
	if e.writes > 0 {
		f |= FlagWrite
	}
	return f
}

type fdTable map[int]*fdEntry

// add registers s, returning the fd interest before and after.
func (t fdTable) add(s *Sink) (before, after Flags) {
	e := t[s.Ident]
	if e == nil {
		e = &fdEntry{fd: s.Ident}
		t[s.Ident] = e
	}
	before = e.interest()
	e.sinks = append(e.sinks, s)
	switch s.Kind {
	case KindRead:
		e.reads++
	case KindWrite:
		e.writes++
	}
	return before, e.interest()
}

// del unregisters s, returning the fd interest before and after. An after
// value of zero means the fd has no remaining sinks.
func (t fdTable) del(s *Sink) (before, after Flags, ok bool) {
	e := t[s.Ident]
	if e == nil {
		return 0, 0, false
	}
	i := -1
	for j, v := range e.sinks {
		if v == s {
			i = j
			break
		}
	}
	if i < 0 {
		return 0, 0, false
	}
	before = e.interest()
	e.sinks = append(e.sinks[:i], e.sinks[i+1:]...)
	switch s.Kind {
	case KindRead:
		e.reads--
	case KindWrite:
		e.writes--
	}
	after = e.interest()
	if len(e.sinks) == 0 {
		delete(t, s.Ident)
	}
	return before, after, true
}

// deliver fans observed readiness for fd out to its sinks.
func (t fdTable) deliver(fd int, observed Flags, ready *readySet) {
	e := t[fd]
	if e == nil {
		return
	}
	for _, s := range e.sinks {
		ready.addSink(s, observed&readinessMask(s.Kind))
	}
}
