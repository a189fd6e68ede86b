// Package prompt lets a running command wait for the next plain message a
// user sends in a chat.
package prompt

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrSuperseded is returned to a waiter replaced by a newer Await for the same user and chat.
var ErrSuperseded = errors.New("prompt superseded")

type key struct {
	chat int64
	user int64
}

type waiter struct {
	ch   chan string
	gone chan struct{}
}

type Broker struct {
	mu      sync.Mutex
	waiters map[key]*waiter
}

func NewBroker() *Broker {
	return &Broker{waiters: map[key]*waiter{}}
}

// Await blocks until Deliver hands over a message from user in chat, ctx
// ends, or a newer Await for the same pair replaces this one.
func (b *Broker) Await(ctx context.Context, chatID, userID int64) (string, error) {
	k := key{chat: chatID, user: userID}
	w := &waiter{ch: make(chan string, 1), gone: make(chan struct{})}

	b.mu.Lock()
	if old := b.waiters[k]; old != nil {
		close(old.gone)
	}
	b.waiters[k] = w
	b.mu.Unlock()

	select {
	case s := <-w.ch:
		return s, nil
	case <-w.gone:
		return "", ErrSuperseded
	case <-ctx.Done():
	}

	b.mu.Lock()
	if b.waiters[k] == w {
		delete(b.waiters, k)
		b.mu.Unlock()
		return "", context.Cause(ctx)
	}
	b.mu.Unlock()
	// Lost the race against Deliver: the message is ours.
	select {
	case s := <-w.ch:
		return s, nil
	default:
		return "", context.Cause(ctx)
	}
}

// Deliver hands text to the waiter for (chat, user). It reports whether a
// waiter consumed it.
func (b *Broker) Deliver(chatID, userID int64, text string) bool {
	k := key{chat: chatID, user: userID}
	b.mu.Lock()
	w := b.waiters[k]
	if w != nil {
		delete(b.waiters, k)
	}
	b.mu.Unlock()
	if w == nil {
		return false
	}
	w.ch <- text
	return true
}

// Pending reports how many waiters are registered.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}

// Confirm interprets a yes/no answer. ok is false when the answer is neither.
func Confirm(answer string) (yes, ok bool) {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes", "ok", "sure", "confirm":
		return true, true
	case "n", "no", "cancel", "abort":
		return false, true
	}
	return false, false
}
