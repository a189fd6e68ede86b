package router

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	kit "procbot/internal/transport"
)

const replyBurst = 5

// throttled wraps an adapter with a token bucket per chat.
type throttled struct {
	kit.Adapter

	mu    sync.Mutex
	limit rate.Limit
	chats map[int64]*rate.Limiter
}

func newThrottled(a kit.Adapter, perSec float64) *throttled {
	t := &throttled{Adapter: a, chats: map[int64]*rate.Limiter{}}
	t.setRate(perSec)
	return t
}

func (t *throttled) setRate(perSec float64) {
	if perSec <= 0 {
		perSec = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limit = rate.Limit(perSec)
	for _, l := range t.chats {
		l.SetLimit(t.limit)
	}
}

func (t *throttled) limiter(chatID int64) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.chats[chatID]
	if l == nil {
		l = rate.NewLimiter(t.limit, replyBurst)
		t.chats[chatID] = l
	}
	return l
}

func (t *throttled) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if t.Adapter == nil {
		return kit.MessageRef{}, nil
	}
	if err := t.limiter(to.ChatID).Wait(ctx); err != nil {
		return kit.MessageRef{}, err
	}
	return t.Adapter.SendText(ctx, to, text, opt)
}

func (t *throttled) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if t.Adapter == nil {
		return nil
	}
	if err := t.limiter(ref.ChatID).Wait(ctx); err != nil {
		return err
	}
	return t.Adapter.EditText(ctx, ref, text, opt)
}
