// Package ring provides a fixed-capacity single-producer, single-consumer
// queue used to hand frames from an interrupt or reader goroutine to the
// node's poll loop without locks.
//
// Only the producer writes the write index and the slot it points at; only
// the consumer writes the read index. Both indices are free-running counters
// published with atomic stores, and a slot is written completely before the
// write index that exposes it is advanced. The producer also publishes a
// claim index before it touches a slot, so the consumer can tell when a slot
// it was copying has been rewritten underneath it.
//
// Overflow is accepted data loss: the producer never waits. When it laps the
// consumer the oldest unread entries are overwritten, and the consumer skips
// past them on its next Pop (counted in Dropped).
package ring

import "sync/atomic"

type Ring[T any] struct {
	slots   []T
	w       atomic.Uint64
	claim   atomic.Uint64
	r       atomic.Uint64
	dropped atomic.Uint64
}

// New allocates a ring holding up to capacity entries. Capacity below 1 is
// raised to 1.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{slots: make([]T, capacity)}
}

// afterSlotCopy runs between the slot copy and its validation in Pop. Tests
// use it to lap the consumer at that point.
var afterSlotCopy func()

// Push stores v in the next slot. Producer side only.
func (q *Ring[T]) Push(v T) {
	w := q.w.Load()
	q.claim.Store(w + 1)
	q.slots[w%uint64(len(q.slots))] = v
	q.w.Store(w + 1)
}

// Pop removes the oldest retained entry. Consumer side only.
func (q *Ring[T]) Pop() (T, bool) {
	var zero T
	n := uint64(len(q.slots))
	r := q.r.Load()
	for {
		w := q.w.Load()
		if r == w {
			return zero, false
		}
		if w-r > n {
			q.dropped.Add(w - r - n)
			r = w - n
		}
		v := q.slots[r%n]
		if afterSlotCopy != nil {
			afterSlotCopy()
		}
		// A claim past r+n means the producer has started writing index r+n
		// into the slot just copied.
		if q.claim.Load()-r > n {
			continue
		}
		q.r.Store(r + 1)
		return v, true
	}
}

// Len reports how many entries Pop can still return.
func (q *Ring[T]) Len() int {
	n := q.w.Load() - q.r.Load()
	if c := uint64(len(q.slots)); n > c {
		n = c
	}
	return int(n)
}

// Cap returns the fixed capacity.
func (q *Ring[T]) Cap() int { return len(q.slots) }

// Dropped returns the number of entries lost to overwrites so far.
func (q *Ring[T]) Dropped() uint64 { return q.dropped.Load() }
