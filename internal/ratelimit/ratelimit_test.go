package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestCheckAndRegister(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	l := New(WithClock(clk.Now))
	b := Bucket{Key: "remind", Delay: 10 * time.Second}

	if l.IsLimited(b, 1) {
		t.Fatalf("unregistered user limited")
	}
	l.Register(b, 1)

	clk.Advance(4 * time.Second)
	rem, limited := l.Check(b, 1)
	if !limited || rem != 6*time.Second {
		t.Fatalf("Check = (%v, %v), want (6s, true)", rem, limited)
	}
	if l.IsLimited(b, 2) {
		t.Fatalf("other user limited")
	}
	if l.IsLimited(Bucket{Key: "other", Delay: time.Minute}, 1) {
		t.Fatalf("other bucket limited")
	}

	clk.Advance(6 * time.Second)
	if rem, limited := l.Check(b, 1); limited || rem != 0 {
		t.Fatalf("Check at expiry = (%v, %v), want (0, false)", rem, limited)
	}
}

func TestCheckHasNoSideEffects(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	l := New(WithClock(clk.Now))
	b := Bucket{Key: "k", Delay: time.Second}

	for i := 0; i < 3; i++ {
		if l.IsLimited(b, 7) {
			t.Fatalf("check #%d limited without register", i)
		}
	}
	if _, ok := l.buckets.Load("k"); ok {
		t.Fatalf("Check created a bucket")
	}
}

func TestZeroDelayNeverLimits(t *testing.T) {
	l := New()
	b := Bucket{Key: "free"}
	l.Register(b, 1)
	if l.IsLimited(b, 1) {
		t.Fatalf("zero-delay bucket limited")
	}
}

func TestConcurrentRegister(t *testing.T) {
	l := New()
	b := Bucket{Key: "c", Delay: time.Hour}
	var wg sync.WaitGroup
	for u := int64(0); u < 50; u++ {
		wg.Add(1)
		go func(u int64) {
			defer wg.Done()
			l.Register(b, u)
			_ = l.Remaining(b, u)
		}(u)
	}
	wg.Wait()
	for u := int64(0); u < 50; u++ {
		if !l.IsLimited(b, u) {
			t.Fatalf("user %d not limited", u)
		}
	}
}
