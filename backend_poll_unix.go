//go:build linux || darwin

package evengine

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// pollBackend waits with poll(2), computing timer expiry in software. With a
// non-zero delay (BackendPollDelay) no wait exceeds it, bounding how late a
// timer armed from another goroutine is noticed.
type pollBackend struct {
	opts    *sourceOptions
	wake    *wakeFD
	bridge  *bridge
	changes *changeList[int, int16]
	fds     fdTable
	pollfds []unix.PollFd
	queue   timerQueue
	delay   time.Duration
	kind    BackendKind
	dirty   bool
}

func newPollBackend(opts *sourceOptions) (Backend, error) {
	return newPollBackendKind(opts, BackendPoll, 0)
}

func newPollDelayBackend(opts *sourceOptions) (Backend, error) {
	return newPollBackendKind(opts, BackendPollDelay, opts.pollDelay)
}

func newPollBackendKind(opts *sourceOptions, kind BackendKind, delay time.Duration) (Backend, error) {
	wake, err := newWakeFD()
	if err != nil {
		return nil, fmt.Errorf("evengine: wake fd: %w", err)
	}
	b := &pollBackend{
		opts:    opts,
		wake:    wake,
		changes: newChangeList[int, int16](),
		fds:     make(fdTable),
		delay:   delay,
		kind:    kind,
		dirty:   true,
	}
	b.bridge = newBridge(opts, b.Wake)
	return b, nil
}

func (b *pollBackend) Kind() BackendKind { return b.kind }

func (b *pollBackend) Capabilities() Capabilities {
	return Capabilities{
		Kinds:     Of(KindRead, KindWrite, KindFS, KindProc),
		FSFlags:   bridgeFSFlags,
		ProcFlags: bridgeProcFlags,
	}
}

func flagsToPoll(f Flags) (events int16) {
	if f&FlagRead != 0 {
		events |= unix.POLLIN
	}
	if f&FlagWrite != 0 {
		events |= unix.POLLOUT
	}
	return events
}

func pollToFlags(revents int16) (f Flags) {
	if revents&(unix.POLLIN|unix.POLLPRI) != 0 {
		f |= FlagRead
	}
	if revents&unix.POLLOUT != 0 {
		f |= FlagWrite
	}
	if revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		f |= FlagError
	}
	if revents&unix.POLLHUP != 0 {
		f |= FlagHangup
	}
	return f
}

func (b *pollBackend) stageFD(fd int, after Flags) {
	if after == 0 {
		b.changes.stageDel(fd)
	} else {
		b.changes.stageAdd(fd, flagsToPoll(after))
	}
}

func (b *pollBackend) AddSink(s *Sink) error {
	switch s.Kind {
	case KindRead, KindWrite:
		before, after := b.fds.add(s)
		if before != after {
			b.stageFD(s.Ident, after)
		}
		return nil
	case KindFS, KindProc:
		return b.bridge.addSink(s)
	}
	return ErrUnsupportedSinkKind
}

func (b *pollBackend) DelSink(s *Sink) error {
	switch s.Kind {
	case KindRead, KindWrite:
		before, after, ok := b.fds.del(s)
		if ok && before != after {
			b.stageFD(s.Ident, after)
		}
		return nil
	case KindFS, KindProc:
		return b.bridge.delSink(s)
	}
	return nil
}

func (b *pollBackend) AddTimer(t *Timer) error {
	b.queue.arm(t)
	return nil
}

func (b *pollBackend) DelTimer(t *Timer) error {
	b.queue.disarm(t)
	return nil
}

// rebuild regenerates the pollfd array from the applied registrations, the
// wake fd always first.
func (b *pollBackend) rebuild() {
	b.pollfds = append(b.pollfds[:0], unix.PollFd{Fd: int32(b.wake.r), Events: unix.POLLIN})
	for fd, events := range b.changes.applied {
		b.pollfds = append(b.pollfds, unix.PollFd{Fd: int32(fd), Events: events})
	}
	b.dirty = false
}

func (b *pollBackend) Wait(timeout time.Duration, ready *readySet) error {
	if b.changes.pending() != 0 {
		_ = b.changes.flush(nil)
		b.dirty = true
	}
	if b.dirty {
		b.rebuild()
	}

	timeout = b.queue.waitTimeout(b.opts.clock.Now(), timeout)
	if b.delay > 0 && (timeout < 0 || timeout > b.delay) {
		timeout = b.delay
	}
	ms := pollTimeoutMillis(timeout)

	for {
		_, err := unix.Poll(b.pollfds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("evengine: poll: %w", err)
		}
		break
	}

	for i := range b.pollfds {
		pfd := &b.pollfds[i]
		if pfd.Revents == 0 {
			continue
		}
		if i == 0 {
			b.wake.drain()
		} else {
			b.fds.deliver(int(pfd.Fd), pollToFlags(pfd.Revents), ready)
		}
		pfd.Revents = 0
	}

	b.queue.expire(b.opts.clock.Now(), ready)
	b.bridge.drain(ready)
	return nil
}

func (b *pollBackend) Wake() error {
	return b.wake.signal()
}

func (b *pollBackend) Close() error {
	return errors.Join(b.bridge.close(), b.wake.close())
}
