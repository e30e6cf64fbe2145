package evengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After advances the clock by d, firing immediately.
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

type testOwner struct {
	TimerSet
	name string
}

var allBackends = []BackendKind{
	BackendKqueue,
	BackendTimerfd,
	BackendPoll,
	BackendPollDelay,
	BackendSpin,
}

// newTestSource creates a source using kind, skipping the test when the
// platform lacks it.
func newTestSource(t *testing.T, kind BackendKind, opts ...Option) *Source {
	t.Helper()
	s, err := New(append([]Option{WithBackend(kind)}, opts...)...)
	if errors.Is(err, ErrBackendUnavailable) {
		t.Skipf("backend %s unavailable", kind)
	}
	require.NoError(t, err)
	require.Equal(t, kind, s.Backend())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func forEachBackend(t *testing.T, fn func(t *testing.T, kind BackendKind)) {
	for _, kind := range allBackends {
		t.Run(kind.String(), func(t *testing.T) {
			fn(t, kind)
		})
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
