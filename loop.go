package evengine

import (
	"context"
	"runtime"
	"time"
)

// Exit codes returned by Run.
const (
	ExitSuccess = 0
	ExitFailure = 1
)

// Run drives the loop: prologues once, then spinners, a backend wait and
// epilogues per iteration, until Break is called. It returns the code given
// to Break. A backend wait error is fatal to the loop and returns
// ExitFailure with the error, as does cancellation of ctx.
//
// Run locks the calling goroutine to its OS thread for its duration.
func (s *Source) Run(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return ExitFailure, ErrSourceClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return ExitFailure, ErrLoopRunning
	}
	defer s.running.Store(false)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	stop := context.AfterFunc(ctx, func() {
		_ = s.backend.Wake()
	})
	defer stop()

	s.logger.Debug().
		Str(`backend`, s.kind.String()).
		Log(`evengine: loop started`)

	s.runHooks(s.prologues)

	for {
		if err := ctx.Err(); err != nil {
			return ExitFailure, err
		}
		if err := s.iterate(ctx); err != nil {
			s.logger.Crit().
				Err(err).
				Str(`backend`, s.kind.String()).
				Log(`evengine: backend wait failed`)
			return ExitFailure, err
		}
		if s.breakReq.Swap(false) {
			code := int(s.code.Load())
			s.logger.Debug().
				Int(`code`, code).
				Log(`evengine: loop stopped`)
			return code, nil
		}
	}
}

// RunOnce performs a single iteration (spinners, wait, epilogues) without
// running prologues. The wait blocks until something fires, Break is
// called, or ctx is canceled.
func (s *Source) RunOnce(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSourceClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer s.running.Store(false)
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.backend.Wake()
	})
	defer stop()
	return s.iterate(ctx)
}

// Poll runs a single iteration whose wait does not block.
func (s *Source) Poll() error {
	if s.closed.Load() {
		return ErrSourceClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer s.running.Store(false)
	s.runHooks(s.spinners)
	return s.step(0)
}

func (s *Source) iterate(ctx context.Context) error {
	s.runHooks(s.spinners)
	timeout := s.waitTimeout(ctx)
	return s.step(timeout)
}

// waitTimeout is zero when the wait must not block, and negative otherwise.
func (s *Source) waitTimeout(ctx context.Context) time.Duration {
	if s.spinners.len() != 0 || s.breakReq.Load() || ctx.Err() != nil {
		return 0
	}
	return -1
}

func (s *Source) step(timeout time.Duration) error {
	s.ready.reset()
	if err := s.backend.Wait(timeout, &s.ready); err != nil {
		return err
	}
	s.dispatch()
	s.runHooks(s.epilogues)
	return nil
}

// dispatch processes every expired timer before any fired sink. Entries
// removed by an earlier callback of the same cycle are skipped.
func (s *Source) dispatch() {
	if len(s.ready.timers) > 1 {
		timing.Lock()
		s.ready.sortTimers()
		timing.Unlock()
	}
	for _, t := range s.ready.timers {
		s.fireTimer(t)
	}
	for _, v := range s.ready.sinks {
		if v.sink.removed {
			continue
		}
		s.callSink(v.sink, v.flags)
	}
	s.ready.reset()
}

func (s *Source) runHooks(list *sinkList) {
	if list.len() == 0 {
		return
	}
	list.each(func(h *Sink) {
		s.callSink(h, 0)
	})
}

func (s *Source) callSink(sink *Sink, fired Flags) {
	defer func() {
		if r := recover(); r != nil {
			s.logPanic(sink, r)
		}
	}()
	sink.fn(sink, fired)
}
