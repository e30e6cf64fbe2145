// Package procwatch reports process exits by polling, for event backends
// without kernel process notifications.
package procwatch

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Handler is called once per token when its process is no longer running.
// It is called from the watcher's goroutine.
type Handler func(token uint64, pid int)

type entry struct {
	pid int
}

// Watcher polls the liveness of registered pids. A zombie, exited but not
// yet reaped by its parent, counts as exited.
type Watcher struct {
	handler Handler
	exists  func(pid int32) (bool, error)
	status  func(pid int32) ([]string, error)
	stop    chan struct{}
	done    chan struct{}

	mu     sync.Mutex
	tokens map[uint64]entry
	closed bool
}

// New starts a watcher checking every interval.
func New(interval time.Duration, handler Handler) (*Watcher, error) {
	if handler == nil {
		return nil, errors.New("procwatch: nil handler")
	}
	if interval <= 0 {
		return nil, errors.New("procwatch: interval must be positive")
	}
	x := &Watcher{
		handler: handler,
		exists:  process.PidExists,
		status:  processStatus,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		tokens:  make(map[uint64]entry),
	}
	go x.run(interval)
	return x, nil
}

// Add registers token for the exit of pid.
func (x *Watcher) Add(pid int, token uint64) error {
	if pid <= 0 {
		return errors.New("procwatch: invalid pid")
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return errors.New("procwatch: watcher closed")
	}
	x.tokens[token] = entry{pid: pid}
	return nil
}

// Remove unregisters token. Unknown tokens are ignored.
func (x *Watcher) Remove(token uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.tokens, token)
}

// Len returns the number of registered tokens.
func (x *Watcher) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.tokens)
}

// Close stops polling.
func (x *Watcher) Close() error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil
	}
	x.closed = true
	x.mu.Unlock()
	close(x.stop)
	<-x.done
	return nil
}

func (x *Watcher) run(interval time.Duration) {
	defer close(x.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-x.stop:
			return
		case <-ticker.C:
			x.check()
		}
	}
}

// check performs one polling round. Lookup errors leave the token
// registered, to be retried next round.
func (x *Watcher) check() {
	x.mu.Lock()
	pids := make(map[int]bool, len(x.tokens))
	for _, e := range x.tokens {
		pids[e.pid] = true
	}
	x.mu.Unlock()

	for pid := range pids {
		ok, err := x.running(int32(pid))
		pids[pid] = ok || err != nil
	}

	type exit struct {
		token uint64
		pid   int
	}
	var exits []exit
	x.mu.Lock()
	for token, e := range x.tokens {
		if alive, checked := pids[e.pid]; checked && !alive {
			delete(x.tokens, token)
			exits = append(exits, exit{token, e.pid})
		}
	}
	x.mu.Unlock()

	for _, v := range exits {
		x.handler(v.token, v.pid)
	}
}

func (x *Watcher) running(pid int32) (bool, error) {
	ok, err := x.exists(pid)
	if err != nil || !ok || x.status == nil {
		return ok, err
	}
	status, err := x.status(pid)
	if err != nil {
		// status is unavailable on some platforms, or without permission
		return true, nil
	}
	return !slices.Contains(status, process.Zombie), nil
}

func processStatus(pid int32) ([]string, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, err
	}
	return p.Status()
}
