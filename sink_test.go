package evengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinkList_removeDuringIteration(t *testing.T) {
	l := newSinkList()
	sinks := make([]*Sink, 5)
	for i := range sinks {
		sinks[i] = &Sink{handle: uint64(i + 1), Kind: KindRead}
		l.add(sinks[i])
	}

	var visited []uint64
	l.each(func(s *Sink) {
		visited = append(visited, s.handle)
		switch s.handle {
		case 2:
			// removes itself and a later entry
			require.True(t, l.remove(s))
			require.True(t, l.remove(sinks[3]))
			l.add(&Sink{handle: 6, Kind: KindRead})
		}
	})
	assert.Equal(t, []uint64{1, 2, 3, 5}, visited)
	assert.Equal(t, 4, l.len())
	assert.Len(t, l.order, 4)
	assert.False(t, l.remove(sinks[1]))

	visited = visited[:0]
	l.each(func(s *Sink) { visited = append(visited, s.handle) })
	assert.Equal(t, []uint64{1, 3, 5, 6}, visited)
}

func TestSinkList_nestedIteration(t *testing.T) {
	l := newSinkList()
	a := &Sink{handle: 1}
	b := &Sink{handle: 2}
	l.add(a)
	l.add(b)
	l.each(func(s *Sink) {
		l.each(func(inner *Sink) {
			if inner == b {
				l.remove(b)
			}
		})
		assert.Len(t, l.order, 2, "compaction deferred until the outer iteration ends")
	})
	assert.Len(t, l.order, 1)
}

func TestFlags_String(t *testing.T) {
	for _, tc := range []struct {
		flags Flags
		want  string
	}{
		{0, "0"},
		{FlagRead, "read"},
		{FlagRead | FlagHangup, "read|hangup"},
		{FSCreate | FSRemove, "fs-create|fs-remove"},
		{ProcExit | FlagTimer, "proc-exit|timer"},
		{1 << 20, "0x100000"},
	} {
		assert.Equal(t, tc.want, tc.flags.String())
	}
}

func TestSinkKind_String(t *testing.T) {
	assert.Equal(t, "read", KindRead.String())
	assert.Equal(t, "spinner", KindSpinner.String())
	assert.Equal(t, "SinkKind(0)", SinkKind(0).String())
	assert.Equal(t, "SinkKind(42)", SinkKind(42).String())
}

func TestKinds(t *testing.T) {
	set := Of(KindRead, KindFS)
	assert.True(t, set.Has(KindRead))
	assert.True(t, set.Has(KindFS))
	assert.False(t, set.Has(KindWrite))
	assert.False(t, set.Has(KindTimer))
	assert.Equal(t, "read,fs", set.String())
	assert.Equal(t, "", Kinds(0).String())
}

func TestFdTable(t *testing.T) {
	tab := make(fdTable)
	r := &Sink{Kind: KindRead, Ident: 3}
	r2 := &Sink{Kind: KindRead, Ident: 3}
	w := &Sink{Kind: KindWrite, Ident: 3}

	before, after := tab.add(r)
	assert.Equal(t, Flags(0), before)
	assert.Equal(t, FlagRead, after)
	before, after = tab.add(r2)
	assert.Equal(t, before, after)
	_, after = tab.add(w)
	assert.Equal(t, FlagRead|FlagWrite, after)

	var ready readySet
	tab.deliver(3, FlagWrite|FlagHangup, &ready)
	require.Len(t, ready.sinks, 3)
	assert.Equal(t, FlagHangup, ready.sinks[0].flags)
	assert.Equal(t, FlagWrite|FlagHangup, ready.sinks[2].flags)

	_, after, ok := tab.del(r)
	assert.True(t, ok)
	assert.Equal(t, FlagRead|FlagWrite, after)
	_, after, _ = tab.del(r2)
	assert.Equal(t, FlagWrite, after)
	_, after, _ = tab.del(w)
	assert.Equal(t, Flags(0), after)
	assert.Empty(t, tab)
	_, _, ok = tab.del(w)
	assert.False(t, ok)
}

func TestReadySet_mergesFlags(t *testing.T) {
	var ready readySet
	s := &Sink{}
	ready.addSink(s, FlagRead)
	ready.addSink(s, FlagHangup)
	ready.addSink(s, 0)
	require.Len(t, ready.sinks, 1)
	assert.Equal(t, FlagRead|FlagHangup, ready.sinks[0].flags)
	ready.reset()
	assert.True(t, ready.empty())
}

func TestParseBackendKind(t *testing.T) {
	for _, kind := range append([]BackendKind{BackendAuto}, allBackends...) {
		got, err := ParseBackendKind(kind.String())
		require.NoError(t, err)
		assert.Equal(t, kind, got)
	}
	got, err := ParseBackendKind(" Poll-Delay ")
	require.NoError(t, err)
	assert.Equal(t, BackendPollDelay, got)
	got, err = ParseBackendKind("")
	require.NoError(t, err)
	assert.Equal(t, BackendAuto, got)
	_, err = ParseBackendKind("epoll")
	assert.Error(t, err)
}
