// Package telegram implements transport.Adapter over the Telegram Bot API
// using telebot's long poller.
package telegram

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "procbot/internal/runtime/supervisor"
	kit "procbot/internal/transport"
	logx "procbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	APIURL      string
}

type Adapter struct {
	log logx.Logger
	bot *tele.Bot

	mu  sync.Mutex
	out chan<- kit.Update // nil while stopped
	sup *rtsup.Supervisor

	dropped atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	url := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if url == "" {
		url = tele.DefaultApiURL
	}
	b, err := tele.NewBot(tele.Settings{
		URL:    url,
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout, AllowedUpdates: []string{"message"}},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{log: log, bot: b}
	b.Handle(tele.OnText, a.onText)
	return a, nil
}

// Username is the bot's own username as reported by getMe.
func (a *Adapter) Username() string {
	if a.bot.Me == nil {
		return ""
	}
	return a.bot.Me.Username
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil || m.Chat == nil || m.Sender.IsBot {
		return nil
	}
	a.mu.Lock()
	out := a.out
	a.mu.Unlock()
	if out == nil {
		return nil
	}

	up := kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		ThreadID:     m.ThreadID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		Text:         m.Text,
		IsGroup:      m.Chat.Type != tele.ChatPrivate,
	}}
	select {
	case out <- up:
	default:
		a.dropped.Add(1)
	}
	return nil
}

// Start begins long polling. Updates that find out full are dropped and
// counted; the count is logged every few seconds.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.out = out
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))

	a.sup.Go0("telegram.drops", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDrops(cap(out))
				return
			case <-t.C:
				a.reportDrops(cap(out))
			}
		}
	})
	a.sup.Go0("telegram.unblock", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start returns on some poller failures; run it again until stopped.
	a.sup.GoRestart("telegram.poll", func(context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDrops(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("updates dropped, dispatcher is behind", logx.Uint64("count", n), logx.Int("queue", capacity))
	}
}

// Stop ends polling. A long poll in flight is abandoned after a short grace.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup, a.out = nil, nil
	a.mu.Unlock()
	if sup == nil {
		return nil
	}

	sup.Cancel()
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := sup.Wait(wctx)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		a.log.Warn("telegram poller still busy at stop")
	case err != nil:
		a.log.Debug("telegram stopped with error", logx.Err(err))
	}
	return nil
}

func sendOptions(opt *kit.SendOptions, threadID int) *tele.SendOptions {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	return &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              threadID,
	}
}

func parseMode(opt *kit.SendOptions) string {
	if opt == nil {
		return ""
	}
	return opt.ParseMode
}

// SendText sends text, split into several messages when it is too long.
// The returned ref points at the first one.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	chat := &tele.Chat{ID: to.ChatID}
	ref := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}
	for i, part := range chunk(text, maxRunes, parseMode(opt)) {
		if err := ctx.Err(); err != nil {
			return ref, err
		}
		m, err := a.bot.Send(chat, part, sendOptions(opt, to.ThreadID))
		if err != nil {
			return ref, err
		}
		if i == 0 {
			ref.MessageID = m.ID
		}
	}
	return ref, nil
}

// EditText replaces the text of ref. Overflow continues in new messages.
func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	parts := chunk(text, maxRunes, parseMode(opt))
	msg := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	if _, err := a.bot.Edit(msg, parts[0], sendOptions(opt, 0)); err != nil {
		if errors.Is(err, tele.ErrSameMessageContent) {
			return nil
		}
		return err
	}
	for _, part := range parts[1:] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(msg.Chat, part, sendOptions(opt, ref.ThreadID)); err != nil {
			return err
		}
	}
	return nil
}

// UpdateMenuCommands publishes the command menu. Identical menus are not
// resent.
func (a *Adapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	menu := make([]tele.Command, 0, len(cmds))
	h := fnv.New64a()
	for _, c := range cmds {
		if c.Command == "" || len(menu) == 100 {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		menu = append(menu, tele.Command{Text: c.Command, Description: d})
		h.Write([]byte(c.Command + "\x00" + d + "\x00"))
	}
	sum := h.Sum64()

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if sum == a.menuHash {
		return nil
	}
	if err := a.bot.SetCommands(menu); err != nil {
		return err
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(menu)))
	return nil
}
