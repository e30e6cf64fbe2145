package evengine

import (
	"slices"
)

type firedSink struct {
	sink  *Sink
	flags Flags
}

// readySet accumulates what a single backend wait observed. Flags for a sink
// reported more than once in the same cycle are merged.
type readySet struct {
	index  map[*Sink]int
	timers []*Timer
	sinks  []firedSink
}

func (r *readySet) reset() {
	clear(r.timers)
	r.timers = r.timers[:0]
	clear(r.sinks)
	r.sinks = r.sinks[:0]
	clear(r.index)
}

func (r *readySet) addTimer(t *Timer) {
	r.timers = append(r.timers, t)
}

func (r *readySet) addSink(s *Sink, fired Flags) {
	if fired == 0 {
		return
	}
	if r.index == nil {
		r.index = make(map[*Sink]int)
	}
	if i, ok := r.index[s]; ok {
		r.sinks[i].flags |= fired
		return
	}
	r.index[s] = len(r.sinks)
	r.sinks = append(r.sinks, firedSink{sink: s, flags: fired})
}

func (r *readySet) empty() bool {
	return len(r.timers) == 0 && len(r.sinks) == 0
}

// sortTimers orders expired timers by deadline, then by id, independent of
// the order the backend reported them in.
func (r *readySet) sortTimers() {
	slices.SortStableFunc(r.timers, compareTimers)
}
