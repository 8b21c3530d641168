package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitFor(t *testing.T) {
	var n atomic.Int32
	go func() {
		for range 5 {
			n.Add(1)
			time.Sleep(time.Millisecond)
		}
	}()
	WaitFor(t, time.Second, func() bool { return n.Load() == 5 }, "counter never reached 5")
}

func TestReceive(t *testing.T) {
	ch := make(chan int, 1)
	ch <- 7
	if got := Receive(t, ch, time.Second); got != 7 {
		t.Errorf("Receive = %d, want 7", got)
	}
}

func TestAssertNoError(t *testing.T) {
	AssertNoError(t, nil)
}
