// Package ratelimit tracks, per bucket, when each user last completed an
// invocation and how long they must wait before the next one.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a named rate-limit scope, usually one per command.
type Bucket struct {
	Key   string
	Delay time.Duration
}

// Limiter holds one lazily created map per bucket key for the limiter's lifetime.
// Check never mutates; only Register does.
type Limiter struct {
	buckets sync.Map // key -> *sync.Map (user id -> time.Time)
	now     func() time.Time
}

type Option func(*Limiter)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(opts ...Option) *Limiter {
	l := &Limiter{now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Limiter) users(key string) *sync.Map {
	if v, ok := l.buckets.Load(key); ok {
		return v.(*sync.Map)
	}
	v, _ := l.buckets.LoadOrStore(key, &sync.Map{})
	return v.(*sync.Map)
}

// Register records an invocation by user now.
func (l *Limiter) Register(b Bucket, user int64) {
	if b.Delay <= 0 {
		return
	}
	l.users(b.Key).Store(user, l.now())
}

// Check returns last+delay-now and whether that is positive.
func (l *Limiter) Check(b Bucket, user int64) (remaining time.Duration, limited bool) {
	if b.Delay <= 0 {
		return 0, false
	}
	v, ok := l.buckets.Load(b.Key)
	if !ok {
		return 0, false
	}
	last, ok := v.(*sync.Map).Load(user)
	if !ok {
		return 0, false
	}
	remaining = last.(time.Time).Add(b.Delay).Sub(l.now())
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

func (l *Limiter) IsLimited(b Bucket, user int64) bool {
	_, limited := l.Check(b, user)
	return limited
}

func (l *Limiter) Remaining(b Bucket, user int64) time.Duration {
	d, _ := l.Check(b, user)
	return d
}
