// Package eventbus is a non-blocking in-memory fan-out used to decouple the
// process supervisor and timed providers from logging and auditing.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	ProcessStarted     = "process.started"
	ProcessFinished    = "process.finished"
	ProcessInterrupted = "process.interrupted"
	ProcessRejected    = "process.rejected"
	TimedExpired       = "timed.expired"
)

// Event is a small signal. Publish never blocks; a slow subscriber drops events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// ProcessData is the payload of every process.* event.
type ProcessData struct {
	PID      int
	UserID   int64
	ChatID   int64
	Command  string
	Raw      string
	Duration time.Duration
	Err      string
	Cause    string
}

// TimedData is the payload of timed.expired.
type TimedData struct {
	Provider string
	Key      string
	Err      string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop discards everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}

func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			// Publish holds the read lock while sending, so close under the write lock.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}
