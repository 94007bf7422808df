package syncx

import "testing"

func TestBroadcastEmitSync(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster[int]()
	defer b.Close()

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()

	got1 := make(chan int, 1)
	got2 := make(chan int, 1)
	go func() { got1 <- <-ch1 }()
	go func() { got2 <- <-ch2 }()

	b.EmitSync(1)

	if <-got1 != 1 {
		t.Error("expected 1")
	}
	if <-got2 != 1 {
		t.Error("expected 1")
	}

	b.Unsubscribe(ch2)
	go func() { got1 <- <-ch1 }()
	b.EmitSync(2)

	if <-got1 != 2 {
		t.Error("expected 2")
	}
	if _, ok := <-ch2; ok {
		t.Error("expected closed channel")
	}

	b.Unsubscribe(ch1)
	if _, ok := <-ch1; ok {
		t.Error("expected closed channel")
	}
}

func TestBroadcastClose(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster[int]()
	ch := b.Subscribe()

	b.Close()

	if _, ok := <-ch; ok {
		t.Error("expected closed channel")
	}
}
