package evengine

import (
	"time"
)

// spinBackend is the fallback available everywhere: it sleeps a small fixed
// delay per iteration and recomputes timer expiry every time. There is no fd
// readiness; fs and proc sinks go through the bridge.
type spinBackend struct {
	opts   *sourceOptions
	wakeC  chan struct{}
	bridge *bridge
	queue  timerQueue
}

func newSpinBackend(opts *sourceOptions) (Backend, error) {
	b := &spinBackend{
		opts:  opts,
		wakeC: make(chan struct{}, 1),
	}
	b.bridge = newBridge(opts, b.Wake)
	return b, nil
}

func (b *spinBackend) Kind() BackendKind { return BackendSpin }

func (b *spinBackend) Capabilities() Capabilities {
	return Capabilities{
		Kinds:     Of(KindFS, KindProc),
		FSFlags:   bridgeFSFlags,
		ProcFlags: bridgeProcFlags,
	}
}

func (b *spinBackend) AddSink(s *Sink) error {
	switch s.Kind {
	case KindFS, KindProc:
		return b.bridge.addSink(s)
	}
	return ErrUnsupportedSinkKind
}

func (b *spinBackend) DelSink(s *Sink) error {
	return b.bridge.delSink(s)
}

func (b *spinBackend) AddTimer(t *Timer) error {
	b.queue.arm(t)
	return nil
}

func (b *spinBackend) DelTimer(t *Timer) error {
	b.queue.disarm(t)
	return nil
}

func (b *spinBackend) Wait(timeout time.Duration, ready *readySet) error {
	d := b.opts.spinDelay
	if timeout >= 0 && timeout < d {
		d = timeout
	}
	d = b.queue.waitTimeout(b.opts.clock.Now(), d)

	if d > 0 {
		select {
		case <-b.opts.clock.After(d):
		case <-b.wakeC:
		}
	} else {
		select {
		case <-b.wakeC:
		default:
		}
	}

	b.queue.expire(b.opts.clock.Now(), ready)
	b.bridge.drain(ready)
	return nil
}

func (b *spinBackend) Wake() error {
	select {
	case b.wakeC <- struct{}{}:
	default:
	}
	return nil
}

func (b *spinBackend) Close() error {
	return b.bridge.close()
}
