// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package evengine

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

const (
	defaultPollDelay        = 10 * time.Millisecond
	defaultSpinDelay        = time.Millisecond
	defaultMaxEvents        = 256
	defaultProcPollInterval = 100 * time.Millisecond
)

// sourceOptions holds configuration options for Source creation.
type sourceOptions struct {
	logger           *logiface.Logger[logiface.Event]
	clock            Clock
	panicRates       map[time.Duration]int
	backend          BackendKind
	pollDelay        time.Duration
	spinDelay        time.Duration
	procPollInterval time.Duration
	maxEvents        int
	softwareTimers   bool
	concurrentTimers bool
}

// Option configures a Source.
type Option interface {
	applySource(*sourceOptions) error
}

// sourceOptionImpl implements Option.
type sourceOptionImpl struct {
	applySourceFunc func(*sourceOptions) error
}

func (o *sourceOptionImpl) applySource(opts *sourceOptions) error {
	return o.applySourceFunc(opts)
}

// WithLogger sets the logger used for lifecycle events and recovered
// panics. A nil logger (the default) disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &sourceOptionImpl{func(opts *sourceOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithClock replaces the time source. Deadlines are always computed from
// it, though kernel backends wait in real time, so fake clocks are only
// meaningful with BackendSpin.
func WithClock(clock Clock) Option {
	return &sourceOptionImpl{func(opts *sourceOptions) error {
		if clock == nil {
			clock = SystemClock
		}
		opts.clock = clock
		return nil
	}}
}

// WithBackend forces a backend instead of probing. BackendAuto restores
// probing.
func WithBackend(kind BackendKind) Option {
	return &sourceOptionImpl{func(opts *sourceOptions) error {
		if kind > BackendSpin {
			return fmt.Errorf("evengine: invalid backend kind %d", kind)
		}
		opts.backend = kind
		return nil
	}}
}

// WithSoftwareTimers skips backends that schedule timers natively, leaving
// deadline computation to the engine.
func WithSoftwareTimers(enabled bool) Option {
	return &sourceOptionImpl{func(opts *sourceOptions) error {
		opts.softwareTimers = enabled
		return nil
	}}
}

// WithConcurrentTimers prefers the polling-with-delay backend over timed
// polling, so timers added from other goroutines are noticed within the poll
// delay. It implies software timers.
func WithConcurrentTimers(enabled bool) Option {
	return &sourceOptionImpl{func(opts *sourceOptions) error {
		opts.concurrentTimers = enabled
		return nil
	}}
}

// WithPollDelay sets the maximum wait of the polling-with-delay backend.
func WithPollDelay(d time.Duration) Option {
	return &sourceOptionImpl{func(opts *sourceOptions) error {
		if d <= 0 {
			return fmt.Errorf("evengine: poll delay must be positive, got %s", d)
		}
		opts.pollDelay = d
		return nil
	}}
}

// WithSpinDelay sets the per-iteration delay of the busy-spin backend.
func WithSpinDelay(d time.Duration) Option {
	return &sourceOptionImpl{func(opts *sourceOptions) error {
		if d <= 0 {
			return fmt.Errorf("evengine: spin delay must be positive, got %s", d)
		}
		opts.spinDelay = d
		return nil
	}}
}

// WithMaxEvents sets how many kernel events are read per wait.
func WithMaxEvents(n int) Option {
	return &sourceOptionImpl{func(opts *sourceOptions) error {
		if n <= 0 {
			return fmt.Errorf("evengine: max events must be positive, got %d", n)
		}
		opts.maxEvents = n
		return nil
	}}
}

// WithProcPollInterval sets how often process liveness is checked by
// backends without native process events.
func WithProcPollInterval(d time.Duration) Option {
	return &sourceOptionImpl{func(opts *sourceOptions) error {
		if d <= 0 {
			return fmt.Errorf("evengine: proc poll interval must be positive, got %s", d)
		}
		opts.procPollInterval = d
		return nil
	}}
}

// WithPanicLogRate limits how often a recovered panic is logged, per
// callback. See catrate.NewLimiter for the format: durations and counts must
// be positive, with counts increasing and rates decreasing as the duration
// grows. Invalid rates are an error. A nil map logs every panic.
func WithPanicLogRate(rates map[time.Duration]int) Option {
	return &sourceOptionImpl{func(opts *sourceOptions) error {
		if err := validatePanicRates(rates); err != nil {
			return err
		}
		opts.panicRates = rates
		return nil
	}}
}

// validatePanicRates reports the rates catrate.NewLimiter would reject.
func validatePanicRates(rates map[time.Duration]int) (err error) {
	if len(rates) == 0 {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evengine: invalid panic log rates %v: %v", rates, r)
		}
	}()
	catrate.NewLimiter(rates)
	return nil
}

// resolveSourceOptions applies options on top of the defaults, skipping nil
// options.
func resolveSourceOptions(opts []Option) (*sourceOptions, error) {
	cfg := &sourceOptions{
		clock:            SystemClock,
		pollDelay:        defaultPollDelay,
		spinDelay:        defaultSpinDelay,
		maxEvents:        defaultMaxEvents,
		procPollInterval: defaultProcPollInterval,
		panicRates: map[time.Duration]int{
			time.Second: 1,
			time.Minute: 10,
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applySource(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (o *sourceOptions) newLimiter() *catrate.Limiter {
	if len(o.panicRates) == 0 {
		return nil
	}
	return catrate.NewLimiter(o.panicRates)
}
