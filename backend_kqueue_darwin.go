//go:build darwin

package evengine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

type kevKey struct {
	ident  uint64
	filter int16
}

// kqueueBackend stages sink registrations in a change list that is
// submitted with the next kevent wait. Timers are EVFILT_TIMER one-shots,
// submitted immediately so they may be armed from any goroutine.
type kqueueBackend struct {
	opts    *sourceOptions
	wake    *wakeFD
	changes *changeList[kevKey, unix.Kevent_t]
	events  []unix.Kevent_t
	submit  []unix.Kevent_t
	fds     fdTable
	vnodes  map[uint64]*Sink
	vnodeOf map[*Sink]int
	procs   map[int][]*Sink

	mu     sync.Mutex
	timers map[uint64]*Timer
	kq     int
	closed bool
}

func newKqueueBackend(opts *sourceOptions) (Backend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("evengine: kqueue: %w", err)
	}
	unix.CloseOnExec(kq)

	wake, err := newWakeFD()
	if err != nil {
		_ = unix.Close(kq)
		return nil, fmt.Errorf("evengine: wake fd: %w", err)
	}

	b := &kqueueBackend{
		opts:    opts,
		wake:    wake,
		changes: newChangeList[kevKey, unix.Kevent_t](),
		events:  make([]unix.Kevent_t, opts.maxEvents),
		fds:     make(fdTable),
		vnodes:  make(map[uint64]*Sink),
		vnodeOf: make(map[*Sink]int),
		procs:   make(map[int][]*Sink),
		timers:  make(map[uint64]*Timer),
		kq:      kq,
	}
	b.changes.stageAdd(
		kevKey{uint64(wake.r), unix.EVFILT_READ},
		unix.Kevent_t{Ident: uint64(wake.r), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_ENABLE},
	)
	return b, nil
}

func (b *kqueueBackend) Kind() BackendKind { return BackendKqueue }

func (b *kqueueBackend) Capabilities() Capabilities {
	return Capabilities{
		Kinds:        Of(KindRead, KindWrite, KindFS, KindProc),
		FSFlags:      FSAll,
		ProcFlags:    ProcAll,
		NativeTimers: true,
	}
}

func (b *kqueueBackend) stageFilter(fd int, filter int16, before, after bool) {
	key := kevKey{uint64(fd), filter}
	switch {
	case after && !before:
		b.changes.stageAdd(key, unix.Kevent_t{Ident: key.ident, Filter: filter, Flags: unix.EV_ADD | unix.EV_ENABLE})
	case before && !after:
		b.changes.stageDel(key)
	}
}

func (b *kqueueBackend) stageFD(fd int, before, after Flags) {
	b.stageFilter(fd, unix.EVFILT_READ, before&FlagRead != 0, after&FlagRead != 0)
	b.stageFilter(fd, unix.EVFILT_WRITE, before&FlagWrite != 0, after&FlagWrite != 0)
}

func fsFlagsToVnode(f Flags) (fflags uint32) {
	if f&FSCreate != 0 {
		fflags |= unix.NOTE_LINK | unix.NOTE_WRITE
	}
	if f&FSWrite != 0 {
		fflags |= unix.NOTE_WRITE | unix.NOTE_EXTEND
	}
	if f&FSRemove != 0 {
		fflags |= unix.NOTE_DELETE | unix.NOTE_REVOKE
	}
	if f&FSRename != 0 {
		fflags |= unix.NOTE_RENAME
	}
	if f&FSChmod != 0 {
		fflags |= unix.NOTE_ATTRIB
	}
	return fflags
}

func vnodeToFSFlags(fflags uint32) (f Flags) {
	if fflags&unix.NOTE_LINK != 0 {
		f |= FSCreate
	}
	if fflags&(unix.NOTE_WRITE|unix.NOTE_EXTEND) != 0 {
		f |= FSWrite
	}
	if fflags&(unix.NOTE_DELETE|unix.NOTE_REVOKE) != 0 {
		f |= FSRemove
	}
	if fflags&unix.NOTE_RENAME != 0 {
		f |= FSRename
	}
	if fflags&unix.NOTE_ATTRIB != 0 {
		f |= FSChmod
	}
	return f
}

func procFlagsToNote(f Flags) (fflags uint32) {
	if f&ProcExit != 0 {
		fflags |= unix.NOTE_EXIT
	}
	if f&ProcFork != 0 {
		fflags |= unix.NOTE_FORK
	}
	if f&ProcExec != 0 {
		fflags |= unix.NOTE_EXEC
	}
	return fflags
}

func noteToProcFlags(fflags uint32) (f Flags) {
	if fflags&unix.NOTE_EXIT != 0 {
		f |= ProcExit
	}
	if fflags&unix.NOTE_FORK != 0 {
		f |= ProcFork
	}
	if fflags&unix.NOTE_EXEC != 0 {
		f |= ProcExec
	}
	return f
}

func (b *kqueueBackend) stageProc(pid int) {
	key := kevKey{uint64(pid), unix.EVFILT_PROC}
	var union Flags
	for _, s := range b.procs[pid] {
		union |= s.Flags
	}
	if union == 0 {
		b.changes.stageDel(key)
		return
	}
	b.changes.stageAdd(key, unix.Kevent_t{
		Ident:  key.ident,
		Filter: unix.EVFILT_PROC,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
		Fflags: procFlagsToNote(union),
	})
}

func (b *kqueueBackend) AddSink(s *Sink) error {
	switch s.Kind {
	case KindRead, KindWrite:
		before, after := b.fds.add(s)
		b.stageFD(s.Ident, before, after)
		return nil
	case KindFS:
		fd, err := unix.Open(s.Path, unix.O_EVTONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			return fmt.Errorf("evengine: open %s: %w", s.Path, err)
		}
		key := kevKey{uint64(fd), unix.EVFILT_VNODE}
		b.changes.stageAdd(key, unix.Kevent_t{
			Ident:  key.ident,
			Filter: unix.EVFILT_VNODE,
			Flags:  unix.EV_ADD | unix.EV_CLEAR,
			Fflags: fsFlagsToVnode(s.Flags),
		})
		b.vnodes[key.ident] = s
		b.vnodeOf[s] = fd
		return nil
	case KindProc:
		b.procs[s.Ident] = append(b.procs[s.Ident], s)
		b.stageProc(s.Ident)
		return nil
	}
	return ErrUnsupportedSinkKind
}

func (b *kqueueBackend) DelSink(s *Sink) error {
	switch s.Kind {
	case KindRead, KindWrite:
		before, after, ok := b.fds.del(s)
		if ok {
			b.stageFD(s.Ident, before, after)
		}
		return nil
	case KindFS:
		fd, ok := b.vnodeOf[s]
		if !ok {
			return nil
		}
		delete(b.vnodeOf, s)
		delete(b.vnodes, uint64(fd))
		// closing the fd drops the kernel registration, so the staged
		// delete only cancels an unflushed add
		key := kevKey{uint64(fd), unix.EVFILT_VNODE}
		b.changes.stageDel(key)
		b.changes.forget(key)
		return unix.Close(fd)
	case KindProc:
		list := b.procs[s.Ident]
		for i, v := range list {
			if v == s {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(b.procs, s.Ident)
		} else {
			b.procs[s.Ident] = list
		}
		b.stageProc(s.Ident)
		return nil
	}
	return nil
}

func (b *kqueueBackend) AddTimer(t *Timer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrSourceClosed
	}
	if t.id == 0 {
		// the timing lock is held by the caller
		t.id = nextSoftTimerID()
	}
	// millisecond resolution, rounded up, and never zero
	ms := max(t.interval.Milliseconds(), 1)
	if t.interval > time.Millisecond && t.interval%time.Millisecond != 0 {
		ms++
	}
	ev := unix.Kevent_t{
		Ident:  t.id,
		Filter: unix.EVFILT_TIMER,
		Flags:  unix.EV_ADD | unix.EV_ENABLE | unix.EV_ONESHOT,
		Data:   ms,
	}
	if _, err := unix.Kevent(b.kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		return fmt.Errorf("evengine: kevent timer: %w", err)
	}
	b.timers[t.id] = t
	t.handle = int(t.id)
	return nil
}

func (b *kqueueBackend) DelTimer(t *Timer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.handle < 0 {
		return nil
	}
	t.handle = -1
	delete(b.timers, t.id)
	if b.closed {
		return nil
	}
	ev := unix.Kevent_t{Ident: t.id, Filter: unix.EVFILT_TIMER, Flags: unix.EV_DELETE}
	if _, err := unix.Kevent(b.kq, []unix.Kevent_t{ev}, nil, nil); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("evengine: kevent timer: %w", err)
	}
	return nil
}

func (b *kqueueBackend) Wait(timeout time.Duration, ready *readySet) error {
	b.submit = b.submit[:0]
	_ = b.changes.flush(func(key kevKey, val unix.Kevent_t, del bool) error {
		if del {
			val = unix.Kevent_t{Ident: key.ident, Filter: key.filter, Flags: unix.EV_DELETE}
		}
		b.submit = append(b.submit, val)
		return nil
	})

	var ts *unix.Timespec
	if timeout >= 0 {
		v := unix.NsecToTimespec(int64(timeout))
		ts = &v
	}

	var n int
	for {
		var err error
		n, err = unix.Kevent(b.kq, b.submit, b.events, ts)
		if err == unix.EINTR {
			// the change list was consumed before the wait began
			b.submit = b.submit[:0]
			continue
		}
		if err != nil {
			return fmt.Errorf("evengine: kevent: %w", err)
		}
		break
	}

	for i := 0; i < n; i++ {
		kev := &b.events[i]
		if kev.Flags&unix.EV_ERROR != 0 {
			b.changeFailed(kev, ready)
			continue
		}
		switch kev.Filter {
		case unix.EVFILT_READ, unix.EVFILT_WRITE:
			if int(kev.Ident) == b.wake.r {
				b.wake.drain()
				continue
			}
			f := FlagRead
			if kev.Filter == unix.EVFILT_WRITE {
				f = FlagWrite
			}
			if kev.Flags&unix.EV_EOF != 0 {
				f |= FlagHangup
			}
			b.fds.deliver(int(kev.Ident), f, ready)
		case unix.EVFILT_VNODE:
			if s := b.vnodes[kev.Ident]; s != nil {
				ready.addSink(s, vnodeToFSFlags(kev.Fflags)&s.Flags)
			}
		case unix.EVFILT_PROC:
			fired := noteToProcFlags(kev.Fflags)
			for _, s := range b.procs[int(kev.Ident)] {
				ready.addSink(s, fired&s.Flags)
			}
			if fired&ProcExit != 0 {
				b.changes.forget(kevKey{kev.Ident, unix.EVFILT_PROC})
			}
		case unix.EVFILT_TIMER:
			b.mu.Lock()
			t := b.timers[kev.Ident]
			b.mu.Unlock()
			if t != nil {
				ready.addTimer(t)
			}
		}
	}
	return nil
}

// changeFailed handles an EV_ERROR receipt. Failed deletes are expected for
// fds closed before their sink was removed; failed adds are reported to the
// affected sinks as FlagError.
func (b *kqueueBackend) changeFailed(kev *unix.Kevent_t, ready *readySet) {
	if kev.Data == 0 {
		return
	}
	key := kevKey{kev.Ident, kev.Filter}
	if _, ok := b.changes.registered(key); !ok {
		return
	}
	b.changes.forget(key)
	b.opts.logger.Err().
		Err(unix.Errno(kev.Data)).
		Uint64(`ident`, kev.Ident).
		Int(`filter`, int(kev.Filter)).
		Log(`evengine: kevent registration failed`)
	switch kev.Filter {
	case unix.EVFILT_READ, unix.EVFILT_WRITE:
		b.fds.deliver(int(kev.Ident), FlagError, ready)
	case unix.EVFILT_VNODE:
		if s := b.vnodes[kev.Ident]; s != nil {
			ready.addSink(s, FlagError)
		}
	case unix.EVFILT_PROC:
		for _, s := range b.procs[int(kev.Ident)] {
			ready.addSink(s, FlagError)
		}
	}
}

func (b *kqueueBackend) Wake() error {
	return b.wake.signal()
}

func (b *kqueueBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, t := range b.timers {
		t.handle = -1
	}
	clear(b.timers)
	b.mu.Unlock()

	var errs []error
	for fd := range b.vnodes {
		errs = append(errs, unix.Close(int(fd)))
	}
	clear(b.vnodes)
	clear(b.vnodeOf)
	errs = append(errs, b.wake.close(), unix.Close(b.kq))
	return errors.Join(errs...)
}
