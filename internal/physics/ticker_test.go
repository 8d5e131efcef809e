package physics

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTicker_TicksAtConfiguredRate(t *testing.T) {
	var count int32
	ticker := NewTicker(100, func() bool {
		atomic.AddInt32(&count, 1)
		return true
	}, nil)

	go ticker.Run()
	time.Sleep(250 * time.Millisecond)
	ticker.Stop()

	got := atomic.LoadInt32(&count)
	if got < 15 || got > 35 {
		t.Errorf("tick count over 250ms at 100Hz = %d, want roughly 25", got)
	}
}

func TestTicker_StopIsIdempotent(t *testing.T) {
	ticker := NewTicker(1000, func() bool { return true }, nil)
	go ticker.Run()
	time.Sleep(10 * time.Millisecond)
	ticker.Stop()
	ticker.Stop() // must not panic or deadlock
}

func TestTicker_SlowTickSkipsPeriodsWithoutRebasing(t *testing.T) {
	var skipped int32
	ticker := NewTicker(1000, func() bool {
		time.Sleep(30 * time.Millisecond) // several missed periods at 1kHz
		return true
	}, func(missed int) {
		atomic.AddInt32(&skipped, int32(missed))
	})

	go ticker.Run()
	time.Sleep(100 * time.Millisecond)
	ticker.Stop()

	if atomic.LoadInt32(&skipped) == 0 {
		t.Error("expected skipped periods to be reported for a slow tick function")
	}
}
