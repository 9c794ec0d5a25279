package market

import (
	"sync/atomic"
	"time"
)

// cache is a single-slot, atomically swapped holder for the last successful
// fetch. Writers publish a brand-new immutable entry; a failed fetch never
// touches the slot, so readers always see the last-known-good value alongside
// its age.
type cache[T any] struct {
	slot atomic.Pointer[entry[T]]
}

type entry[T any] struct {
	val       T
	fetchedAt time.Time
}

func (c *cache[T]) set(v T, now time.Time) {
	c.slot.Store(&entry[T]{val: v, fetchedAt: now})
}

func (c *cache[T]) get() (T, time.Time, bool) {
	e := c.slot.Load()
	if e == nil {
		var zero T
		return zero, time.Time{}, false
	}
	return e.val, e.fetchedAt, true
}
