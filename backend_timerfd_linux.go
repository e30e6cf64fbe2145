//go:build linux

package evengine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// timerfdBackend multiplexes fd readiness with epoll, arming one timerfd per
// timer. Filesystem sinks share a single inotify fd, process sinks use a
// pidfd each.
type timerfdBackend struct {
	opts   *sourceOptions
	wake   *wakeFD
	bridge *bridge // proc sinks, when pidfd is unavailable
	events []unix.EpollEvent
	fds    fdTable

	inotifyFD int
	watches   map[int32]*inotifyWatch
	watchOf   map[*Sink]int32
	inbuf     []byte

	pidfds  map[int32]*Sink
	pidfdOf map[*Sink]int32

	mu     sync.Mutex
	timers map[int32]*Timer
	epfd   int
	closed bool
}

type inotifyWatch struct {
	sinks []*Sink
	wd    int32
}

func newTimerfdBackend(opts *sourceOptions) (Backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		if errors.Is(err, unix.ENOSYS) {
			return nil, ErrBackendUnavailable
		}
		return nil, fmt.Errorf("evengine: epoll_create1: %w", err)
	}

	// probe timerfd support
	probe, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		if errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EINVAL) {
			return nil, ErrBackendUnavailable
		}
		return nil, fmt.Errorf("evengine: timerfd_create: %w", err)
	}
	_ = unix.Close(probe)

	wake, err := newWakeFD()
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("evengine: wake fd: %w", err)
	}

	b := &timerfdBackend{
		opts:      opts,
		wake:      wake,
		events:    make([]unix.EpollEvent, opts.maxEvents),
		fds:       make(fdTable),
		inotifyFD: -1,
		watches:   make(map[int32]*inotifyWatch),
		watchOf:   make(map[*Sink]int32),
		pidfds:    make(map[int32]*Sink),
		pidfdOf:   make(map[*Sink]int32),
		timers:    make(map[int32]*Timer),
		epfd:      epfd,
	}

	if err := b.ctl(unix.EPOLL_CTL_ADD, wake.r, unix.EPOLLIN); err != nil {
		_ = wake.close()
		_ = unix.Close(epfd)
		return nil, err
	}

	if pidfd, err := unix.PidfdOpen(unix.Getpid(), 0); err == nil {
		_ = unix.Close(pidfd)
	} else {
		b.bridge = newBridge(opts, b.Wake)
	}

	return b, nil
}

func (b *timerfdBackend) Kind() BackendKind { return BackendTimerfd }

func (b *timerfdBackend) Capabilities() Capabilities {
	return Capabilities{
		Kinds:        Of(KindRead, KindWrite, KindFS, KindProc),
		FSFlags:      FSAll,
		ProcFlags:    ProcExit,
		NativeTimers: true,
	}
}

func (b *timerfdBackend) ctl(op int, fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("evengine: epoll_ctl: %w", err)
	}
	return nil
}

func flagsToEpoll(f Flags) (events uint32) {
	if f&FlagRead != 0 {
		events |= unix.EPOLLIN
	}
	if f&FlagWrite != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

func epollToFlags(events uint32) (f Flags) {
	if events&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		f |= FlagRead
	}
	if events&unix.EPOLLOUT != 0 {
		f |= FlagWrite
	}
	if events&unix.EPOLLERR != 0 {
		f |= FlagError
	}
	if events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		f |= FlagHangup
	}
	return f
}

func (b *timerfdBackend) AddSink(s *Sink) error {
	switch s.Kind {
	case KindRead, KindWrite:
		before, after := b.fds.add(s)
		if before == after {
			return nil
		}
		op := unix.EPOLL_CTL_MOD
		if before == 0 {
			op = unix.EPOLL_CTL_ADD
		}
		if err := b.ctl(op, s.Ident, flagsToEpoll(after)); err != nil {
			b.fds.del(s)
			return err
		}
		return nil
	case KindFS:
		return b.addWatch(s)
	case KindProc:
		if b.bridge != nil {
			return b.bridge.addSink(s)
		}
		fd, err := unix.PidfdOpen(s.Ident, 0)
		if err != nil {
			return fmt.Errorf("evengine: pidfd_open: %w", err)
		}
		if err := b.ctl(unix.EPOLL_CTL_ADD, fd, unix.EPOLLIN|unix.EPOLLONESHOT); err != nil {
			_ = unix.Close(fd)
			return err
		}
		b.pidfds[int32(fd)] = s
		b.pidfdOf[s] = int32(fd)
		return nil
	}
	return ErrUnsupportedSinkKind
}

func (b *timerfdBackend) DelSink(s *Sink) error {
	switch s.Kind {
	case KindRead, KindWrite:
		before, after, ok := b.fds.del(s)
		if !ok || before == after {
			return nil
		}
		var err error
		if after == 0 {
			err = b.ctl(unix.EPOLL_CTL_DEL, s.Ident, 0)
		} else {
			err = b.ctl(unix.EPOLL_CTL_MOD, s.Ident, flagsToEpoll(after))
		}
		if errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENOENT) {
			// the fd was closed before the sink was removed
			err = nil
		}
		return err
	case KindFS:
		return b.delWatch(s)
	case KindProc:
		if b.bridge != nil {
			return b.bridge.delSink(s)
		}
		fd, ok := b.pidfdOf[s]
		if !ok {
			return nil
		}
		delete(b.pidfdOf, s)
		delete(b.pidfds, fd)
		return unix.Close(int(fd))
	}
	return nil
}

func fsFlagsToInotify(f Flags) (mask uint32) {
	if f&FSCreate != 0 {
		mask |= unix.IN_CREATE | unix.IN_MOVED_TO
	}
	if f&FSWrite != 0 {
		mask |= unix.IN_MODIFY | unix.IN_CLOSE_WRITE
	}
	if f&FSRemove != 0 {
		mask |= unix.IN_DELETE | unix.IN_DELETE_SELF
	}
	if f&FSRename != 0 {
		mask |= unix.IN_MOVED_FROM | unix.IN_MOVE_SELF
	}
	if f&FSChmod != 0 {
		mask |= unix.IN_ATTRIB
	}
	return mask
}

func inotifyToFSFlags(mask uint32) (f Flags) {
	if mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0 {
		f |= FSCreate
	}
	if mask&(unix.IN_MODIFY|unix.IN_CLOSE_WRITE) != 0 {
		f |= FSWrite
	}
	if mask&(unix.IN_DELETE|unix.IN_DELETE_SELF) != 0 {
		f |= FSRemove
	}
	if mask&(unix.IN_MOVED_FROM|unix.IN_MOVE_SELF) != 0 {
		f |= FSRename
	}
	if mask&unix.IN_ATTRIB != 0 {
		f |= FSChmod
	}
	return f
}

func (b *timerfdBackend) addWatch(s *Sink) error {
	if b.inotifyFD < 0 {
		fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
		if err != nil {
			return fmt.Errorf("evengine: inotify_init1: %w", err)
		}
		if err := b.ctl(unix.EPOLL_CTL_ADD, fd, unix.EPOLLIN); err != nil {
			_ = unix.Close(fd)
			return err
		}
		b.inotifyFD = fd
		b.inbuf = make([]byte, 64<<10)
	}
	wd, err := unix.InotifyAddWatch(b.inotifyFD, s.Path, fsFlagsToInotify(s.Flags)|unix.IN_MASK_ADD)
	if err != nil {
		return fmt.Errorf("evengine: inotify_add_watch: %w", err)
	}
	w := b.watches[int32(wd)]
	if w == nil {
		w = &inotifyWatch{wd: int32(wd)}
		b.watches[int32(wd)] = w
	}
	w.sinks = append(w.sinks, s)
	b.watchOf[s] = int32(wd)
	return nil
}

func (b *timerfdBackend) delWatch(s *Sink) error {
	wd, ok := b.watchOf[s]
	if !ok {
		return nil
	}
	delete(b.watchOf, s)
	w := b.watches[wd]
	if w == nil {
		return nil
	}
	for i, v := range w.sinks {
		if v == s {
			w.sinks = append(w.sinks[:i], w.sinks[i+1:]...)
			break
		}
	}
	if len(w.sinks) != 0 {
		return nil
	}
	delete(b.watches, wd)
	if _, err := unix.InotifyRmWatch(b.inotifyFD, uint32(wd)); err != nil && !errors.Is(err, unix.EINVAL) {
		return fmt.Errorf("evengine: inotify_rm_watch: %w", err)
	}
	return nil
}

// readInotify drains the inotify fd. Records are a fixed header followed
// by a padded name.
func (b *timerfdBackend) readInotify(ready *readySet) {
	for {
		n, err := unix.Read(b.inotifyFD, b.inbuf)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n <= 0 {
			return
		}
		for off := 0; off+unix.SizeofInotifyEvent <= n; {
			wd := int32(binary.NativeEndian.Uint32(b.inbuf[off:]))
			mask := binary.NativeEndian.Uint32(b.inbuf[off+4:])
			nameLen := int(binary.NativeEndian.Uint32(b.inbuf[off+12:]))
			off += unix.SizeofInotifyEvent + nameLen

			w := b.watches[wd]
			if w == nil {
				continue
			}
			if mask&unix.IN_IGNORED != 0 {
				// the kernel dropped the watch, e.g. the path was deleted
				delete(b.watches, wd)
				for _, s := range w.sinks {
					delete(b.watchOf, s)
				}
				continue
			}
			fired := inotifyToFSFlags(mask)
			for _, s := range w.sinks {
				ready.addSink(s, fired&s.Flags)
			}
		}
	}
}

func (b *timerfdBackend) AddTimer(t *Timer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrSourceClosed
	}
	if t.handle < 0 {
		fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
		if err != nil {
			return fmt.Errorf("evengine: timerfd_create: %w", err)
		}
		if err := b.ctl(unix.EPOLL_CTL_ADD, fd, unix.EPOLLIN); err != nil {
			_ = unix.Close(fd)
			return err
		}
		t.handle = fd
		t.id = uint64(fd)
		b.timers[int32(fd)] = t
	} else {
		// discard an expiry that was not yet consumed
		drainTimerfd(t.handle)
	}
	// a zero value disarms a timerfd, so the shortest delay is 1ns
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(max(int64(t.interval), 1))}
	if err := unix.TimerfdSettime(t.handle, 0, &spec, nil); err != nil {
		return fmt.Errorf("evengine: timerfd_settime: %w", err)
	}
	return nil
}

func (b *timerfdBackend) DelTimer(t *Timer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.handle < 0 {
		return nil
	}
	fd := t.handle
	t.handle = -1
	delete(b.timers, int32(fd))
	if b.closed {
		return nil
	}
	_ = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	return unix.Close(fd)
}

// drainTimerfd consumes the expiration count, reporting whether the timer
// had actually expired.
func drainTimerfd(fd int) bool {
	var buf [8]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return err == nil && n == len(buf)
	}
}

func (b *timerfdBackend) Wait(timeout time.Duration, ready *readySet) error {
	ms := pollTimeoutMillis(timeout)
	var n int
	for {
		var err error
		n, err = unix.EpollWait(b.epfd, b.events, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("evengine: epoll_wait: %w", err)
		}
		break
	}

	for i := 0; i < n; i++ {
		ev := &b.events[i]
		fd := int(ev.Fd)
		switch {
		case fd == b.wake.r:
			b.wake.drain()
		case fd == b.inotifyFD:
			b.readInotify(ready)
		case b.pidfds[ev.Fd] != nil:
			s := b.pidfds[ev.Fd]
			ready.addSink(s, ProcExit&s.Flags)
		default:
			if b.fireTimerfd(ev.Fd, ready) {
				continue
			}
			b.fds.deliver(fd, epollToFlags(ev.Events), ready)
		}
	}

	if b.bridge != nil {
		b.bridge.drain(ready)
	}
	return nil
}

// fireTimerfd reports whether fd belongs to a timer, recording the timer if
// it expired. The lock is held across the read so a concurrent DelTimer
// cannot close, and the fd be reused, in between.
func (b *timerfdBackend) fireTimerfd(fd int32, ready *readySet) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.timers[fd]
	if t == nil {
		return false
	}
	if drainTimerfd(int(fd)) {
		ready.addTimer(t)
	}
	return true
}

func (b *timerfdBackend) Wake() error {
	return b.wake.signal()
}

func (b *timerfdBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for fd, t := range b.timers {
		t.handle = -1
		_ = unix.Close(int(fd))
	}
	clear(b.timers)
	b.mu.Unlock()

	var errs []error
	for fd := range b.pidfds {
		errs = append(errs, unix.Close(int(fd)))
	}
	clear(b.pidfds)
	clear(b.pidfdOf)
	if b.inotifyFD >= 0 {
		errs = append(errs, unix.Close(b.inotifyFD))
		b.inotifyFD = -1
	}
	if b.bridge != nil {
		errs = append(errs, b.bridge.close())
	}
	errs = append(errs, b.wake.close(), unix.Close(b.epfd))
	return errors.Join(errs...)
}
