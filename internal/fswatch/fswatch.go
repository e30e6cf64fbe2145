// Package fswatch multiplexes filesystem notifications onto tokens, for
// event backends without a kernel facility of their own.
package fswatch

import (
	"errors"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Op is a bitmask of filesystem changes.
type Op uint8

const (
	OpCreate Op = 1 << iota
	OpWrite
	OpRemove
	OpRename
	OpChmod
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("fswatch: watcher closed")

// Handler receives changes for a registered token. It is called from the
// watcher's goroutine.
type Handler func(token uint64, op Op)

// Watcher delivers changes to a path to every token registered against it.
// Changes to the entries of a watched directory are delivered to the
// directory's tokens.
type Watcher struct {
	w       *fsnotify.Watcher
	handler Handler
	onError func(error)
	done    chan struct{}

	mu     sync.Mutex
	paths  map[string]map[uint64]struct{}
	tokens map[uint64]string
	closed bool
}

// New starts a watcher. onError may be nil.
func New(handler Handler, onError func(error)) (*Watcher, error) {
	if handler == nil {
		return nil, errors.New("fswatch: nil handler")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	x := &Watcher{
		w:       w,
		handler: handler,
		onError: onError,
		done:    make(chan struct{}),
		paths:   make(map[string]map[uint64]struct{}),
		tokens:  make(map[uint64]string),
	}
	go x.loop()
	return x, nil
}

// Add registers token for changes to path.
func (x *Watcher) Add(path string, token uint64) error {
	path = filepath.Clean(path)
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrClosed
	}
	if old, ok := x.tokens[token]; ok {
		if old == path {
			return nil
		}
		x.removeLocked(token)
	}
	set := x.paths[path]
	if set == nil {
		if err := x.w.Add(path); err != nil {
			return err
		}
		set = make(map[uint64]struct{})
		x.paths[path] = set
	}
	set[token] = struct{}{}
	x.tokens[token] = path
	return nil
}

// Remove unregisters token, unwatching its path once unused. Unknown tokens
// are ignored.
func (x *Watcher) Remove(token uint64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	return x.removeLocked(token)
}

func (x *Watcher) removeLocked(token uint64) error {
	path, ok := x.tokens[token]
	if !ok {
		return nil
	}
	delete(x.tokens, token)
	set := x.paths[path]
	delete(set, token)
	if len(set) != 0 {
		return nil
	}
	delete(x.paths, path)
	if err := x.w.Remove(path); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		return err
	}
	return nil
}

// Len returns the number of registered tokens.
func (x *Watcher) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.tokens)
}

// Close stops the watcher and waits for its goroutine to exit.
func (x *Watcher) Close() error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil
	}
	x.closed = true
	x.mu.Unlock()
	err := x.w.Close()
	<-x.done
	return err
}

func (x *Watcher) loop() {
	defer close(x.done)
	for {
		select {
		case ev, ok := <-x.w.Events:
			if !ok {
				return
			}
			x.dispatch(ev)
		case err, ok := <-x.w.Errors:
			if !ok {
				return
			}
			if x.onError != nil {
				x.onError(err)
			}
		}
	}
}

func (x *Watcher) dispatch(ev fsnotify.Event) {
	op := toOp(ev.Op)
	if op == 0 {
		return
	}
	name := filepath.Clean(ev.Name)
	x.mu.Lock()
	var targets []uint64
	for token := range x.paths[name] {
		targets = append(targets, token)
	}
	if dir := filepath.Dir(name); dir != name {
		for token := range x.paths[dir] {
			targets = append(targets, token)
		}
	}
	x.mu.Unlock()
	for _, token := range targets {
		x.handler(token, op)
	}
}

func toOp(v fsnotify.Op) (op Op) {
	if v.Has(fsnotify.Create) {
		op |= OpCreate
	}
	if v.Has(fsnotify.Write) {
		op |= OpWrite
	}
	if v.Has(fsnotify.Remove) {
		op |= OpRemove
	}
	if v.Has(fsnotify.Rename) {
		op |= OpRename
	}
	if v.Has(fsnotify.Chmod) {
		op |= OpChmod
	}
	return op
}
