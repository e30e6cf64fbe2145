//go:build linux || darwin

package evengine

import (
	"math/rand/v2"
	"os"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipe(t *testing.T) (r, w *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Close()
		_ = w.Close()
	})
	return r, w
}

func fdBackends(t *testing.T, fn func(t *testing.T, kind BackendKind)) {
	forEachBackend(t, func(t *testing.T, kind BackendKind) {
		if kind == BackendSpin {
			t.Skip("no fd readiness")
		}
		fn(t, kind)
	})
}

func TestPipeReadSink(t *testing.T) {
	fdBackends(t, func(t *testing.T, kind BackendKind) {
		s := newTestSource(t, kind)
		r, w := newPipe(t)

		calls := 0
		var got Flags
		sink, err := s.AddSink(KindRead, int(r.Fd()), 0, func(sink *Sink, fired Flags) {
			calls++
			got = fired
			assert.Equal(t, "pipe", sink.Args[0])
		}, "pipe")
		require.NoError(t, err)
		assert.Equal(t, 1, s.Len())

		_, err = w.Write([]byte{1})
		require.NoError(t, err)
		require.NoError(t, s.RunOnce(testContext(t)))

		assert.Equal(t, 1, calls)
		assert.NotZero(t, got&FlagRead, "fired %s", got)
		require.NoError(t, s.RemoveSink(sink))
		assert.Equal(t, 0, s.Len())
		runtime.KeepAlive(r)
	})
}

func TestPipeWriteSink(t *testing.T) {
	fdBackends(t, func(t *testing.T, kind BackendKind) {
		s := newTestSource(t, kind)
		r, w := newPipe(t)

		var got Flags
		_, err := s.AddSink(KindRead, int(r.Fd()), 0, func(*Sink, Flags) {
			t.Error("read sink fired on an empty pipe")
		})
		require.NoError(t, err)
		_, err = s.AddSink(KindWrite, int(w.Fd()), 0, func(_ *Sink, fired Flags) {
			got |= fired
		})
		require.NoError(t, err)

		require.NoError(t, s.RunOnce(testContext(t)))
		assert.NotZero(t, got&FlagWrite, "fired %s", got)
		assert.Zero(t, got&FlagRead)
	})
}

func TestPipeHangup(t *testing.T) {
	fdBackends(t, func(t *testing.T, kind BackendKind) {
		s := newTestSource(t, kind)
		r, w := newPipe(t)
		var got Flags
		_, err := s.AddSink(KindRead, int(r.Fd()), 0, func(_ *Sink, fired Flags) {
			got |= fired
		})
		require.NoError(t, err)
		require.NoError(t, w.Close())
		require.NoError(t, s.RunOnce(testContext(t)))
		assert.NotZero(t, got&(FlagHangup|FlagRead), "fired %s", got)
	})
}

func TestRemoveSinksInsideCallback(t *testing.T) {
	fdBackends(t, func(t *testing.T, kind BackendKind) {
		s := newTestSource(t, kind)
		r, w := newPipe(t)
		fd := int(r.Fd())

		var first, second *Sink
		firstCalls, secondCalls := 0, 0
		first, err := s.AddSink(KindRead, fd, 0, func(self *Sink, _ Flags) {
			firstCalls++
			require.NoError(t, s.RemoveSink(self))
			require.NoError(t, s.RemoveSink(second))
		})
		require.NoError(t, err)
		second, err = s.AddSink(KindRead, fd, 0, func(*Sink, Flags) {
			secondCalls++
		})
		require.NoError(t, err)

		_, err = w.Write([]byte{1})
		require.NoError(t, err)
		require.NoError(t, s.RunOnce(testContext(t)))
		assert.Equal(t, 1, firstCalls)
		assert.Equal(t, 0, secondCalls)
		assert.False(t, first.Active())
		assert.Equal(t, 0, s.Len())

		// still readable, but nothing is registered
		require.NoError(t, s.Poll())
		assert.Equal(t, 1, firstCalls)
		assert.Panics(t, func() { _ = s.RemoveSink(first) })
	})
}

func TestTimersBeforeSinks(t *testing.T) {
	fdBackends(t, func(t *testing.T, kind BackendKind) {
		s := newTestSource(t, kind)
		r, w := newPipe(t)
		var order []string
		_, err := s.AddSink(KindRead, int(r.Fd()), 0, func(*Sink, Flags) {
			order = append(order, "sink")
			s.Break(0)
		})
		require.NoError(t, err)
		_, err = s.AddTimer(nil, 0, func(*Timer) time.Duration {
			order = append(order, "timer")
			return 0
		})
		require.NoError(t, err)
		_, err = w.Write([]byte{1})
		require.NoError(t, err)
		// let the zero delay timer become due on every backend
		time.Sleep(5 * time.Millisecond)

		_, err = s.Run(testContext(t))
		require.NoError(t, err)
		require.NotEmpty(t, order)
		assert.Equal(t, "timer", order[0])
		assert.Equal(t, "sink", order[len(order)-1])
	})
}

func TestProcExitSink(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not found")
	}
	forEachBackend(t, func(t *testing.T, kind BackendKind) {
		s := newTestSource(t, kind, WithProcPollInterval(10*time.Millisecond))
		cmd := exec.Command("sleep", "0.2")
		require.NoError(t, cmd.Start())
		var got Flags
		_, err := s.AddSink(KindProc, cmd.Process.Pid, ProcExit, func(sink *Sink, fired Flags) {
			got |= fired
			assert.Equal(t, cmd.Process.Pid, sink.Ident)
			s.Break(0)
		})
		require.NoError(t, err)
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()

		_, err = s.Run(testContext(t))
		require.NoError(t, err)
		assert.NotZero(t, got&ProcExit)
		require.NoError(t, <-done)
	})
}

func TestPollBackend_changeListMatchesSinks(t *testing.T) {
	b, err := newPollBackend(&sourceOptions{clock: SystemClock, procPollInterval: time.Second})
	require.NoError(t, err)
	defer b.Close()
	pb := b.(*pollBackend)

	rng := rand.New(rand.NewPCG(3, 4))
	var live []*Sink
	handle := uint64(0)
	for round := 0; round < 200; round++ {
		for n := rng.IntN(10); n > 0; n-- {
			if len(live) != 0 && rng.IntN(2) == 0 {
				i := rng.IntN(len(live))
				require.NoError(t, pb.DelSink(live[i]))
				live = append(live[:i], live[i+1:]...)
				continue
			}
			handle++
			kind := KindRead
			if rng.IntN(2) == 0 {
				kind = KindWrite
			}
			s := &Sink{Kind: kind, Ident: 100 + rng.IntN(8), handle: handle}
			require.NoError(t, pb.AddSink(s))
			live = append(live, s)
		}
		require.NoError(t, pb.changes.flush(nil))

		want := make(map[int]int16)
		for _, s := range live {
			if s.Kind == KindRead {
				want[s.Ident] |= flagsToPoll(FlagRead)
			} else {
				want[s.Ident] |= flagsToPoll(FlagWrite)
			}
		}
		require.Equal(t, want, pb.changes.applied, "round %d", round)
	}
}
