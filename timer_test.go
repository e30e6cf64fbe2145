// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package evengine

import (
	"bytes"
	"strconv"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimers_periodicAndOneShotSimulated(t *testing.T) {
	clock := newFakeClock()
	s := newTestSource(t, BackendSpin, WithClock(clock), WithSpinDelay(time.Millisecond))
	owner := &testOwner{name: "widget"}
	start := clock.Now()

	type fire struct {
		name string
		at   time.Duration
	}
	var fires []fire

	_, err := s.AddTimer(owner, 10*time.Millisecond, func(*Timer) time.Duration {
		fires = append(fires, fire{"10ms", clock.Now().Sub(start)})
		return 10 * time.Millisecond
	})
	require.NoError(t, err)
	_, err = s.AddTimer(owner, 30*time.Millisecond, func(*Timer) time.Duration {
		fires = append(fires, fire{"30ms", clock.Now().Sub(start)})
		return 0
	})
	require.NoError(t, err)
	_, err = s.AddTimer(nil, 35*time.Millisecond, func(*Timer) time.Duration {
		s.Break(0)
		return 0
	})
	require.NoError(t, err)

	code, err := s.Run(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	assert.Equal(t, []fire{
		{"10ms", 10 * time.Millisecond},
		{"10ms", 20 * time.Millisecond},
		{"10ms", 30 * time.Millisecond},
		{"30ms", 30 * time.Millisecond},
	}, fires)
	for i := 1; i < len(fires); i++ {
		assert.LessOrEqual(t, fires[i-1].at, fires[i].at)
	}

	// the periodic timer is still armed, the one-shot is gone
	assert.Equal(t, 1, owner.Len())
	assert.True(t, HasTimers(owner))
	assert.Equal(t, 1, RemoveOwnerTimers(owner))
	assert.False(t, HasTimers(owner))
	assert.False(t, HasTimers(s))
}

func TestTimers_periodicAndOneShot(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kind BackendKind) {
		s := newTestSource(t, kind)
		owner := &testOwner{name: "widget"}

		type fire struct {
			name string
			at   time.Duration
		}
		var fires []fire
		start := time.Now()

		_, err := s.AddTimer(owner, 10*time.Millisecond, func(*Timer) time.Duration {
			fires = append(fires, fire{"10ms", time.Since(start)})
			return 10 * time.Millisecond
		})
		require.NoError(t, err)
		_, err = s.AddTimer(owner, 30*time.Millisecond, func(*Timer) time.Duration {
			fires = append(fires, fire{"30ms", time.Since(start)})
			return 0
		})
		require.NoError(t, err)
		_, err = s.AddTimer(nil, 35*time.Millisecond, func(*Timer) time.Duration {
			s.Break(0)
			return 0
		})
		require.NoError(t, err)

		code, err := s.Run(testContext(t))
		require.NoError(t, err)
		assert.Equal(t, 0, code)

		counts := make(map[string]int)
		for i, v := range fires {
			counts[v.name]++
			if i > 0 {
				assert.LessOrEqual(t, fires[i-1].at, v.at)
			}
			if v.name == "30ms" {
				assert.GreaterOrEqual(t, v.at, 30*time.Millisecond)
			}
		}
		assert.Equal(t, map[string]int{"10ms": 3, "30ms": 1}, counts, "fires: %v", fires)
		require.NotEmpty(t, fires)
		assert.GreaterOrEqual(t, fires[0].at, 10*time.Millisecond)

		assert.Equal(t, 1, owner.OwnerTimers().Len())
		assert.Equal(t, 1, RemoveOwnerTimers(owner))
		assert.False(t, HasTimers(owner))
	})
}

func TestTimer_firesOnceThenCleansUpOwner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kind BackendKind) {
		s := newTestSource(t, kind)
		owner := &testOwner{}
		const interval = 20 * time.Millisecond
		var (
			calls   int
			elapsed time.Duration
		)
		start := time.Now()
		timer, err := s.AddTimer(owner, interval, func(tm *Timer) time.Duration {
			calls++
			elapsed = time.Since(start)
			assert.Equal(t, owner, tm.Owner())
			s.Break(7)
			return 0
		})
		require.NoError(t, err)
		assert.NotZero(t, timer.ID())
		assert.Equal(t, interval, timer.Interval())
		assert.True(t, HasTimers(owner))

		code, err := s.Run(testContext(t))
		require.NoError(t, err)
		assert.Equal(t, 7, code)
		assert.Equal(t, 1, calls)
		assert.GreaterOrEqual(t, elapsed, interval)
		assert.False(t, timer.Active())
		assert.Nil(t, timer.Owner())
		assert.False(t, HasTimers(owner))
		assert.Equal(t, 0, owner.Len())
	})
}

func TestTimer_rearmReal(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kind BackendKind) {
		s := newTestSource(t, kind)
		var stamps []time.Time
		start := time.Now()
		_, err := s.AddTimer(nil, 5*time.Millisecond, func(*Timer) time.Duration {
			stamps = append(stamps, time.Now())
			if len(stamps) == 4 {
				s.Break(0)
				return 0
			}
			return 5 * time.Millisecond
		})
		require.NoError(t, err)
		_, err = s.Run(testContext(t))
		require.NoError(t, err)
		require.Len(t, stamps, 4)
		assert.GreaterOrEqual(t, stamps[3].Sub(start), 20*time.Millisecond)
	})
}

func TestTimer_autoFreeDisabled(t *testing.T) {
	clock := newFakeClock()
	s := newTestSource(t, BackendSpin, WithClock(clock))
	owner := &testOwner{}
	calls := 0
	timer, err := s.AddTimer(owner, 5*time.Millisecond, func(*Timer) time.Duration {
		calls++
		return 0
	}, TimerAutoFree(false), nil)
	require.NoError(t, err)

	for calls == 0 {
		require.NoError(t, s.RunOnce(testContext(t)))
	}
	assert.True(t, timer.Active())
	assert.False(t, timer.Armed())
	assert.True(t, HasTimers(owner))

	require.NoError(t, s.RestartTimer(timer, 3*time.Millisecond))
	assert.True(t, timer.Armed())
	for calls == 1 {
		require.NoError(t, s.RunOnce(testContext(t)))
	}
	assert.Equal(t, 3*time.Millisecond, timer.Interval())

	s.RemoveTimer(timer)
	assert.False(t, timer.Active())
	assert.False(t, HasTimers(owner))
	assert.ErrorIs(t, s.RestartTimer(timer, time.Millisecond), ErrTimerNotRegistered)
	assert.PanicsWithError(t, "evengine: timer not registered: id "+strconv.FormatUint(timer.ID(), 10), func() {
		s.RemoveTimer(timer)
	})
}

func TestTimer_removeInsideCallback(t *testing.T) {
	clock := newFakeClock()
	s := newTestSource(t, BackendSpin, WithClock(clock))
	calls := 0
	timer, err := s.AddTimer(nil, time.Millisecond, func(tm *Timer) time.Duration {
		calls++
		s.RemoveTimer(tm)
		return time.Millisecond
	})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Poll())
		clock.After(time.Millisecond)
	}
	assert.Equal(t, 1, calls)
	assert.False(t, timer.Active())
}

func TestTimer_removeLaterTimerInSameCycle(t *testing.T) {
	clock := newFakeClock()
	s := newTestSource(t, BackendSpin, WithClock(clock))
	var second *Timer
	secondCalls := 0
	_, err := s.AddTimer(nil, time.Millisecond, func(*Timer) time.Duration {
		s.RemoveTimer(second)
		return 0
	})
	require.NoError(t, err)
	second, err = s.AddTimer(nil, time.Millisecond, func(*Timer) time.Duration {
		secondCalls++
		return 0
	})
	require.NoError(t, err)

	clock.After(5 * time.Millisecond)
	require.NoError(t, s.Poll())
	assert.Equal(t, 0, secondCalls)
	assert.False(t, HasTimers(s))
}

func TestTimer_restartFromCallbackOverridesReturn(t *testing.T) {
	clock := newFakeClock()
	s := newTestSource(t, BackendSpin, WithClock(clock))
	calls := 0
	timer, err := s.AddTimer(nil, time.Millisecond, func(tm *Timer) time.Duration {
		calls++
		if calls == 1 {
			require.NoError(t, s.RestartTimer(tm, 50*time.Millisecond))
		}
		return 0
	})
	require.NoError(t, err)
	clock.After(time.Millisecond)
	require.NoError(t, s.Poll())
	assert.Equal(t, 1, calls)
	assert.True(t, timer.Armed())
	assert.Equal(t, 50*time.Millisecond, timer.Interval())
}

func TestTimer_softwareIDsUnique(t *testing.T) {
	s := newTestSource(t, BackendSpin)
	owners := []*testOwner{{}, {}, {}}
	seen := make(map[uint64]bool)
	for i := 0; i < 90; i++ {
		tm, err := s.AddTimer(owners[i%3], time.Hour, func(*Timer) time.Duration { return 0 })
		require.NoError(t, err)
		id := tm.ID()
		require.NotZero(t, id)
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	for _, o := range owners {
		assert.Equal(t, 30, o.Len())
		ids := o.Timers()
		for i := 1; i < len(ids); i++ {
			assert.Less(t, ids[i-1].ID(), ids[i].ID())
		}
		assert.Equal(t, 30, RemoveOwnerTimers(o))
		assert.False(t, HasTimers(o))
	}
}

func TestTimer_validation(t *testing.T) {
	s := newTestSource(t, BackendSpin)
	_, err := s.AddTimer(nil, time.Second, nil)
	assert.ErrorIs(t, err, ErrNilCallback)
	_, err = s.AddTimer(nil, -time.Second, func(*Timer) time.Duration { return 0 })
	assert.ErrorIs(t, err, ErrInvalidInterval)
	tm, err := s.AddTimer(nil, time.Hour, func(*Timer) time.Duration { return 0 }, TimerArgs("a", 1))
	require.NoError(t, err)
	assert.Equal(t, []any{"a", 1}, tm.Args)
	assert.ErrorIs(t, s.RestartTimer(tm, 0), ErrInvalidInterval)
}

func TestTimer_panicRecovered(t *testing.T) {
	clock := newFakeClock()
	var buf bytes.Buffer
	s := newTestSource(t, BackendSpin,
		WithClock(clock),
		WithLogger(NewJSONLogger(&buf, logiface.LevelError)),
	)
	owner := &testOwner{}
	_, err := s.AddTimer(owner, time.Millisecond, func(*Timer) time.Duration {
		panic("boom")
	})
	require.NoError(t, err)
	_, err = s.AddTimer(nil, 2*time.Millisecond, func(*Timer) time.Duration {
		s.Break(0)
		return 0
	})
	require.NoError(t, err)

	code, err := s.Run(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, buf.String(), "recovered callback panic")
	assert.Contains(t, buf.String(), "boom")
	assert.False(t, HasTimers(owner), "a panicking timer expires")
}

func TestCloseDestroysTimers(t *testing.T) {
	s, err := New(WithBackend(BackendSpin))
	require.NoError(t, err)
	owner := &testOwner{}
	tm, err := s.AddTimer(owner, time.Hour, func(*Timer) time.Duration { return 0 })
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.False(t, tm.Active())
	assert.False(t, HasTimers(owner))
	_, err = s.AddTimer(owner, time.Hour, func(*Timer) time.Duration { return 0 })
	assert.ErrorIs(t, err, ErrSourceClosed)
}

func TestPollTimeoutMillis(t *testing.T) {
	assert.Equal(t, -1, pollTimeoutMillis(-1))
	assert.Equal(t, 0, pollTimeoutMillis(0))
	assert.Equal(t, 1, pollTimeoutMillis(time.Nanosecond))
	assert.Equal(t, 1, pollTimeoutMillis(time.Millisecond))
	assert.Equal(t, 2, pollTimeoutMillis(1500*time.Microsecond))
	assert.Equal(t, int(^uint32(0)>>1), pollTimeoutMillis(1<<62))
}
