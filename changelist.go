package evengine

import (
	"github.com/eapache/queue"
)

type change[K comparable, V comparable] struct {
	key K
	val V
	del bool
}

// changeList stages registration changes until the next flush, the way a
// kernel change list is submitted together with the next wait. Flushing
// coalesces the staged operations per key (last one wins) and emits only the
// difference against what was previously applied, so the applied set always
// equals the net registered set.
type changeList[K comparable, V comparable] struct {
	staged  *queue.Queue
	applied map[K]V
}

func newChangeList[K comparable, V comparable]() *changeList[K, V] {
	return &changeList[K, V]{
		staged:  queue.New(),
		applied: make(map[K]V),
	}
}

// stageAdd records that key should be registered with val, replacing any
// earlier value.
func (c *changeList[K, V]) stageAdd(key K, val V) {
	c.staged.Add(change[K, V]{key: key, val: val})
}

// stageDel records that key should not be registered.
func (c *changeList[K, V]) stageDel(key K) {
	c.staged.Add(change[K, V]{key: key, del: true})
}

// pending returns the number of staged, unflushed operations.
func (c *changeList[K, V]) pending() int { return c.staged.Length() }

// flush drains the staged operations, calling emit for every net change, in
// the order each key was first staged. The applied set is updated even if
// emit reports an error, which is returned after all changes are emitted.
func (c *changeList[K, V]) flush(emit func(key K, val V, del bool) error) error {
	if c.staged.Length() == 0 {
		return nil
	}
	var (
		order []K
		last  = make(map[K]change[K, V], c.staged.Length())
	)
	for c.staged.Length() != 0 {
		op := c.staged.Remove().(change[K, V])
		if _, ok := last[op.key]; !ok {
			order = append(order, op.key)
		}
		last[op.key] = op
	}
	var first error
	for _, key := range order {
		op := last[key]
		cur, registered := c.applied[key]
		switch {
		case op.del && !registered:
			continue
		case op.del:
			delete(c.applied, key)
		case registered && cur == op.val:
			continue
		default:
			c.applied[key] = op.val
		}
		if emit == nil {
			continue
		}
		if err := emit(key, op.val, op.del); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// forget removes key from the applied set without emitting a change, for
// registrations the kernel dropped on its own (e.g. a closed fd).
func (c *changeList[K, V]) forget(key K) {
	delete(c.applied, key)
}

func (c *changeList[K, V]) registered(key K) (V, bool) {
	v, ok := c.applied[key]
	return v, ok
}

func (c *changeList[K, V]) len() int { return len(c.applied) }
