package evengine

import (
	"errors"
	"sync"

	"github.com/joeycumines/go-evengine/internal/fswatch"
	"github.com/joeycumines/go-evengine/internal/procwatch"
)

// bridge adapts the goroutine based fs and process watchers to backends
// without kernel support for them. Notifications are queued and the backend
// woken; the next Wait drains them.
type bridge struct {
	opts *sourceOptions
	wake func() error

	mu      sync.Mutex
	sinks   map[uint64]*Sink
	pending []firedSink
	fs      *fswatch.Watcher
	proc    *procwatch.Watcher
}

const (
	bridgeFSFlags   = FSAll
	bridgeProcFlags = ProcExit
)

func newBridge(opts *sourceOptions, wake func() error) *bridge {
	return &bridge{
		opts:  opts,
		wake:  wake,
		sinks: make(map[uint64]*Sink),
	}
}

func (b *bridge) addSink(s *Sink) error {
	// The watchers call back into the bridge, so they are never invoked
	// with mu held.
	var add func() error
	b.mu.Lock()
	switch s.Kind {
	case KindFS:
		if b.fs == nil {
			w, err := fswatch.New(b.onFS, b.onFSError)
			if err != nil {
				b.mu.Unlock()
				return err
			}
			b.fs = w
		}
		fs := b.fs
		add = func() error { return fs.Add(s.Path, s.handle) }
	case KindProc:
		if b.proc == nil {
			w, err := procwatch.New(b.opts.procPollInterval, b.onProc)
			if err != nil {
				b.mu.Unlock()
				return err
			}
			b.proc = w
		}
		proc := b.proc
		add = func() error { return proc.Add(s.Ident, s.handle) }
	default:
		b.mu.Unlock()
		return ErrUnsupportedSinkKind
	}
	b.sinks[s.handle] = s
	b.mu.Unlock()

	if err := add(); err != nil {
		b.mu.Lock()
		delete(b.sinks, s.handle)
		b.mu.Unlock()
		return err
	}
	return nil
}

func (b *bridge) delSink(s *Sink) error {
	b.mu.Lock()
	if b.sinks[s.handle] != s {
		b.mu.Unlock()
		return nil
	}
	delete(b.sinks, s.handle)
	n := 0
	for _, v := range b.pending {
		if v.sink != s {
			b.pending[n] = v
			n++
		}
	}
	clear(b.pending[n:])
	b.pending = b.pending[:n]
	fs, proc := b.fs, b.proc
	b.mu.Unlock()

	switch s.Kind {
	case KindFS:
		return fs.Remove(s.handle)
	case KindProc:
		proc.Remove(s.handle)
	}
	return nil
}

func (b *bridge) onFS(token uint64, op fswatch.Op) {
	var fired Flags
	if op&fswatch.OpCreate != 0 {
		fired |= FSCreate
	}
	if op&fswatch.OpWrite != 0 {
		fired |= FSWrite
	}
	if op&fswatch.OpRemove != 0 {
		fired |= FSRemove
	}
	if op&fswatch.OpRename != 0 {
		fired |= FSRename
	}
	if op&fswatch.OpChmod != 0 {
		fired |= FSChmod
	}
	b.notify(token, fired)
}

func (b *bridge) onFSError(err error) {
	b.opts.logger.Warning().
		Err(err).
		Log(`evengine: filesystem watcher error`)
}

func (b *bridge) onProc(token uint64, _ int) {
	b.notify(token, ProcExit)
}

func (b *bridge) notify(token uint64, fired Flags) {
	b.mu.Lock()
	s := b.sinks[token]
	if s != nil {
		fired &= s.Flags
	}
	if s == nil || fired == 0 {
		b.mu.Unlock()
		return
	}
	b.pending = append(b.pending, firedSink{sink: s, flags: fired})
	b.mu.Unlock()
	if err := b.wake(); err != nil {
		b.opts.logger.Err().
			Err(err).
			Log(`evengine: failed to wake backend`)
	}
}

// drain moves queued notifications into ready.
func (b *bridge) drain(ready *readySet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, v := range b.pending {
		ready.addSink(v.sink, v.flags)
	}
	clear(b.pending)
	b.pending = b.pending[:0]
}

func (b *bridge) close() error {
	b.mu.Lock()
	fs, proc := b.fs, b.proc
	b.fs, b.proc = nil, nil
	clear(b.sinks)
	b.pending = nil
	b.mu.Unlock()
	var errs []error
	if fs != nil {
		errs = append(errs, fs.Close())
	}
	if proc != nil {
		errs = append(errs, proc.Close())
	}
	return errors.Join(errs...)
}
