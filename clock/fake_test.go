package clock

import (
	"sync"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresInDeadlineOrder(t *testing.T) {
	c := Fake(epoch)
	var order []string
	c.AfterFunc(200*time.Millisecond, func() { order = append(order, "b") })
	c.AfterFunc(100*time.Millisecond, func() { order = append(order, "a") })
	c.AfterFunc(time.Second, func() { order = append(order, "late") })

	c.Advance(250 * time.Millisecond)

	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("unexpected fire order %v", order)
	}
	if got := c.Now().Sub(epoch); got != 250*time.Millisecond {
		t.Fatalf("expected clock at +250ms, got %v", got)
	}
	if c.PendingCount() != 1 {
		t.Fatalf("expected one pending timer, got %d", c.PendingCount())
	}
}

func TestFakeStopPreventsFire(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatalf("expected Stop to report pending timer")
	}
	if timer.Stop() {
		t.Fatalf("expected second Stop to report false")
	}
	c.Advance(2 * time.Second)
	if fired {
		t.Fatalf("stopped timer fired")
	}
}

func TestEveryRunsOnIntervalAcrossSingleAdvance(t *testing.T) {
	c := Fake(epoch)
	var ticks []time.Duration
	r := Every(c, 100*time.Millisecond, true, func() {
		ticks = append(ticks, c.Now().Sub(epoch))
	})

	c.Advance(350 * time.Millisecond)
	r.Stop()
	c.Advance(time.Second)

	want := []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}
	if len(ticks) != len(want) {
		t.Fatalf("expected %d ticks, got %v", len(want), ticks)
	}
	for i := range want {
		if ticks[i] != want[i] {
			t.Fatalf("tick %d at %v, want %v", i, ticks[i], want[i])
		}
	}
	if c.PendingCount() != 0 {
		t.Fatalf("expected no pending timers after Stop, got %d", c.PendingCount())
	}
}

func TestWaitForTimersUnblocksWhenArmed(t *testing.T) {
	c := Fake(epoch)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.AfterFunc(time.Second, func() {})
	}()
	c.WaitForTimers(1)
	wg.Wait()
	if c.PendingCount() != 1 {
		t.Fatalf("expected one pending timer, got %d", c.PendingCount())
	}
}
