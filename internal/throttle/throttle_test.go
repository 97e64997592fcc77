package throttle

import (
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	values []int
}

func (r *recorder) add(v int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *recorder) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.values...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestCoalescerDeliversOnlyLatest(t *testing.T) {
	rec := &recorder{}
	c := New(40*time.Millisecond, rec.add)
	defer c.Stop()

	for i := 1; i <= 5; i++ {
		c.Push(i)
	}
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("delivered before interval ended: %v", got)
	}
	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })
	if got := rec.snapshot(); got[0] != 5 {
		t.Fatalf("delivered %d, want latest 5", got[0])
	}

	// A later burst starts a new interval.
	c.Push(6)
	c.Push(7)
	waitFor(t, func() bool { return len(rec.snapshot()) == 2 })
	time.Sleep(60 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 2 || got[1] != 7 {
		t.Fatalf("delivered = %v, want [5 7]", got)
	}
}

func TestCoalescerStopDropsPending(t *testing.T) {
	rec := &recorder{}
	c := New(30*time.Millisecond, rec.add)
	c.Push(1)
	c.Push(2)
	if !c.Pending() {
		t.Fatal("Pending() = false while throttled")
	}
	c.Stop()
	c.Push(3)
	time.Sleep(80 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("delivered after Stop: %v", got)
	}
}

func TestCoalescerFlush(t *testing.T) {
	rec := &recorder{}
	c := New(time.Hour, rec.add)
	defer c.Stop()
	c.Push(1)
	c.Push(2)
	c.Flush()
	if got := rec.snapshot(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("delivered = %v, want [2]", got)
	}
	if c.Pending() {
		t.Fatal("Pending() after Flush")
	}
}
