package syncx

import "sync"

// Cond is a broadcast-on-change value. Waiters block until the value reaches
// the state they want.
type Cond[T comparable] struct {
	cond  *sync.Cond
	value T
}

func NewCond[T comparable](initial T) *Cond[T] {
	return &Cond[T]{
		cond:  sync.NewCond(&sync.Mutex{}),
		value: initial,
	}
}

func (c *Cond[T]) Set(value T) {
	c.cond.L.Lock()
	c.value = value
	c.cond.L.Unlock()
	c.cond.Broadcast()
}

func (c *Cond[T]) Get() T {
	c.cond.L.Lock()
	defer c.cond.L.Unlock()
	return c.value
}

// CompareAndSet sets the value to next only if it is currently expect,
// reporting whether the swap happened.
func (c *Cond[T]) CompareAndSet(expect, next T) bool {
	c.cond.L.Lock()
	if c.value != expect {
		c.cond.L.Unlock()
		return false
	}
	c.value = next
	c.cond.L.Unlock()
	c.cond.Broadcast()
	return true
}

// Wait blocks until the value equals target. If it already does, it returns
// immediately.
func (c *Cond[T]) Wait(target T) {
	c.cond.L.Lock()
	defer c.cond.L.Unlock()
	for c.value != target {
		c.cond.Wait()
	}
}
