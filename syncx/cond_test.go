package syncx

import (
	"testing"
	"time"
)

func TestCondSetGet(t *testing.T) {
	t.Parallel()

	c := NewCond(1)
	if c.Get() != 1 {
		t.Error("expected 1")
	}
	c.Set(2)
	if c.Get() != 2 {
		t.Error("expected 2")
	}
}

func TestCondCompareAndSet(t *testing.T) {
	t.Parallel()

	c := NewCond("a")
	if !c.CompareAndSet("a", "b") {
		t.Error("expected swap")
	}
	if c.CompareAndSet("a", "c") {
		t.Error("expected no swap")
	}
	if c.Get() != "b" {
		t.Error("expected b")
	}
}

func TestCondWait(t *testing.T) {
	t.Parallel()

	c := NewCond(0)
	done := make(chan struct{})
	go func() {
		c.Wait(2)
		close(done)
	}()

	c.Set(1)
	select {
	case <-done:
		t.Error("wait returned early")
	case <-time.After(10 * time.Millisecond):
	}

	c.Set(2)
	<-done
}
