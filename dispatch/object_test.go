package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObject_tree(t *testing.T) {
	root := NewObject(`root`)
	a := NewObject(`a`)
	b := NewObject(`b`)
	require.NoError(t, root.AddChild(a))
	require.NoError(t, root.AddChild(b))
	assert.Equal(t, []*Object{a, b}, root.Children())
	assert.Same(t, root, a.Parent())

	assert.ErrorIs(t, b.AddChild(a), ErrHasParent)
	assert.ErrorIs(t, a.AddChild(root), ErrCycle)
	assert.ErrorIs(t, a.AddChild(a), ErrCycle)

	assert.True(t, root.RemoveChild(a))
	assert.False(t, root.RemoveChild(a))
	assert.Nil(t, a.Parent())
	assert.Equal(t, []*Object{b}, root.Children())

	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, `a`, a.Name())
	assert.Contains(t, a.String(), a.ID().String())
}

func TestObject_Destroy(t *testing.T) {
	root := NewObject(`root`)
	mid := NewObject(`mid`)
	leaf := NewObject(`leaf`)
	require.NoError(t, root.AddChild(mid))
	require.NoError(t, mid.AddChild(leaf))
	_, err := leaf.On(`x`, func(*Call) {})
	require.NoError(t, err)

	mid.Destroy()
	assert.True(t, mid.Destroyed())
	assert.True(t, leaf.Destroyed())
	assert.Empty(t, root.Children())
	assert.Empty(t, leaf.Events(`x`))

	_, err = mid.On(`x`, func(*Call) {})
	assert.ErrorIs(t, err, ErrDestroyed)
	assert.ErrorIs(t, root.AddChild(mid), ErrDestroyed)

	// idempotent
	mid.Destroy()
}

func TestObject_events(t *testing.T) {
	o := NewObject(`o`)
	named, err := o.On(`click`, func(*Call) {})
	require.NoError(t, err)
	wild, err := o.On(``, func(*Call) {})
	require.NoError(t, err)
	_, err = o.On(`other`, func(*Call) {})
	require.NoError(t, err)

	assert.Same(t, o, named.Owner())
	assert.Equal(t, []*Event{named, wild}, o.Events(`click`))
	assert.Equal(t, []*Event{wild}, o.Events(`missing`))

	assert.Equal(t, 1, o.Off(`click`))
	assert.Equal(t, 0, o.Off(`click`))
	assert.True(t, o.OffEvent(wild))
	assert.False(t, o.OffEvent(wild))
	assert.Empty(t, o.Events(`missing`))

	_, err = o.On(`nil`, nil)
	assert.Error(t, err)

	_, err = o.On(`big`, func(*Call) {}, WithArgs(make([]Arg, MaxArgs+1)...))
	assert.ErrorIs(t, err, ErrTooManyArgs)
}

func TestObject_lockReentrant(t *testing.T) {
	o := NewObject(`o`)
	o.Lock()
	o.Lock()

	acquired := make(chan struct{})
	go func() {
		o.Lock()
		close(acquired)
		o.Unlock()
	}()

	o.Unlock()
	select {
	case <-acquired:
		t.Fatal(`lock acquired while still held`)
	case <-time.After(50 * time.Millisecond):
	}

	o.Unlock()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal(`lock never released`)
	}

	assert.Panics(t, func() { o.Unlock() })
}

func TestObject_zeroValue(t *testing.T) {
	var o Object
	o.Lock()
	o.Unlock()
	_, err := o.On(`x`, func(*Call) {})
	assert.NoError(t, err)
}
