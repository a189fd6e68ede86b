// Package reminders is a durable per-user reminder list built on a timed
// provider. A reminder with a repeat schedule re-registers itself at its
// next occurrence after each delivery.
package reminders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"procbot/internal/eventbus"
	"procbot/internal/timed"
	kit "procbot/internal/transport"
	logx "procbot/pkg/logx"
)

const (
	Name = "reminders"

	// ShortIDLen is how much of an id is shown to users; any unique prefix
	// of at least MinIDPrefix characters resolves.
	ShortIDLen  = 8
	MinIDPrefix = 4
)

var (
	ErrLimit     = errors.New("reminder limit reached")
	ErrNotFound  = errors.New("reminder not found")
	ErrAmbiguous = errors.New("reminder id is ambiguous")
	ErrEmptyText = errors.New("reminder text is empty")
)

type Reminder struct {
	ID       string    `json:"id"`
	UserID   int64     `json:"user_id"`
	Username string    `json:"username,omitempty"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Text     string    `json:"text"`
	Due      time.Time `json:"due"`
	Every    string    `json:"every,omitempty"`
	Created  time.Time `json:"created"`
	Fired    int       `json:"fired,omitempty"`
}

func (r Reminder) Key() string        { return r.ID }
func (r Reminder) EndTime() time.Time { return r.Due }

func (r Reminder) ShortID() string {
	if len(r.ID) <= ShortIDLen {
		return r.ID
	}
	return r.ID[:ShortIDLen]
}

func (r Reminder) Chat() kit.ChatTarget { return kit.ChatTarget{ChatID: r.ChatID, ThreadID: r.ThreadID} }

// Sender delivers reminder text. kit.Adapter satisfies it.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type Options struct {
	KV            timed.KV
	Sender        Sender
	MaxPerUser    int // 0 means unlimited
	NotifyTimeout time.Duration
	Location      *time.Location
	Logger        logx.Logger
	Bus           eventbus.Bus
	Now           func() time.Time
}

type Service struct {
	p      *timed.Provider[Reminder]
	sender Sender
	log    logx.Logger
	loc    *time.Location
	now    func() time.Time

	maxPerUser atomic.Int64
	mu         sync.Mutex // serializes count-then-register
}

// New loads persisted reminders. Nothing is delivered until Start.
func New(ctx context.Context, opts Options) (*Service, error) {
	if opts.Sender == nil {
		return nil, errors.New("reminders: sender is required")
	}
	if opts.Logger.IsZero() {
		opts.Logger = logx.Nop()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Service{
		sender: opts.Sender,
		log:    opts.Logger.With(logx.String("comp", Name)),
		loc:    opts.Location,
		now:    opts.Now,
	}
	s.maxPerUser.Store(int64(opts.MaxPerUser))

	p, err := timed.New(ctx, timed.Config[Reminder]{
		Name:          Name,
		KV:            opts.KV,
		OnExpiry:      s.deliver,
		NotifyTimeout: opts.NotifyTimeout,
		Logger:        opts.Logger,
		Bus:           opts.Bus,
		Now:           opts.Now,
	})
	if err != nil {
		return nil, err
	}
	s.p = p
	return s, nil
}

func (s *Service) Start(ctx context.Context) error { return s.p.Start(ctx) }

func (s *Service) Shutdown(ctx context.Context) error { return s.p.Shutdown(ctx) }

func (s *Service) SetMaxPerUser(n int) { s.maxPerUser.Store(int64(n)) }

func (s *Service) Location() *time.Location { return s.loc }

// Add schedules a reminder. when and every use the ParseWhen and ParseEvery forms.
func (s *Service) Add(userID int64, username string, chat kit.ChatTarget, text, when, every string) (Reminder, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reminder{}, ErrEmptyText
	}
	now := s.now()
	due, err := ParseWhen(when, now, s.loc)
	if err != nil {
		return Reminder{}, err
	}
	spec := ""
	if strings.TrimSpace(every) != "" {
		if _, spec, err = ParseEvery(every); err != nil {
			return Reminder{}, err
		}
	}

	r := Reminder{
		ID:       uuid.NewString(),
		UserID:   userID,
		Username: username,
		ChatID:   chat.ChatID,
		ThreadID: chat.ThreadID,
		Text:     text,
		Due:      due,
		Every:    spec,
		Created:  now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if limit := int(s.maxPerUser.Load()); limit > 0 && len(s.List(userID)) >= limit {
		return Reminder{}, fmt.Errorf("%w (%d)", ErrLimit, limit)
	}
	if err := s.p.Register(r); err != nil {
		return Reminder{}, err
	}
	s.log.Debug("reminder added", logx.String("id", r.ShortID()), logx.User(userID), logx.Time("due", due), logx.String("every", spec))
	return r, nil
}

// List returns the user's pending reminders, soonest first.
func (s *Service) List(userID int64) []Reminder {
	var out []Reminder
	for _, r := range s.p.Tasks() {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out
}

// All returns every pending reminder, soonest first.
func (s *Service) All() []Reminder { return s.p.Tasks() }

// Find resolves an id or unique id prefix among the user's reminders.
func (s *Service) Find(userID int64, id string) (Reminder, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if len(id) < MinIDPrefix {
		return Reminder{}, ErrNotFound
	}
	var hits []Reminder
	for _, r := range s.List(userID) {
		if r.ID == id {
			return r, nil
		}
		if strings.HasPrefix(r.ID, id) {
			hits = append(hits, r)
		}
	}
	switch len(hits) {
	case 0:
		return Reminder{}, ErrNotFound
	case 1:
		return hits[0], nil
	}
	return Reminder{}, ErrAmbiguous
}

// Cancel removes one of the user's reminders.
func (s *Service) Cancel(userID int64, id string) (Reminder, error) {
	r, err := s.Find(userID, id)
	if err != nil {
		return Reminder{}, err
	}
	ok, err := s.p.DeregisterKey(r.ID)
	if err != nil {
		return Reminder{}, err
	}
	if !ok {
		// Fired between Find and here.
		return Reminder{}, ErrNotFound
	}
	return r, nil
}

// CancelAll removes every pending reminder of the user.
func (s *Service) CancelAll(userID int64) (int, error) {
	n := 0
	for _, r := range s.List(userID) {
		ok, err := s.p.DeregisterKey(r.ID)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// deliver is the expiry handler. The next occurrence is registered before
// sending so a failed send never ends a repeating reminder.
func (s *Service) deliver(ctx context.Context, r Reminder) error {
	if r.Every != "" {
		after := s.now()
		if r.Due.After(after) {
			after = r.Due
		}
		next, err := Next(r.Every, after, s.loc)
		if err != nil {
			s.log.Warn("repeat schedule dropped", logx.String("id", r.ShortID()), logx.String("every", r.Every), logx.Err(err))
		} else {
			n := r
			n.Due = next
			n.Fired++
			if err := s.p.Register(n); err != nil && !errors.Is(err, timed.ErrShutdown) {
				s.log.Warn("repeat registration failed", logx.String("id", r.ShortID()), logx.Err(err))
			}
		}
	}

	_, err := s.sender.SendText(ctx, r.Chat(), FormatDelivery(r), &kit.SendOptions{DisablePreview: true})
	if err != nil {
		return fmt.Errorf("send reminder %s: %w", r.ShortID(), err)
	}
	return nil
}

// FormatDelivery is the text sent when r is due.
func FormatDelivery(r Reminder) string {
	var b strings.Builder
	b.WriteString("⏰ ")
	if r.Username != "" {
		b.WriteString("@" + r.Username + " ")
	}
	b.WriteString(r.Text)
	if r.Every != "" {
		b.WriteString("\n(repeats " + r.Every + ", id " + r.ShortID() + ")")
	}
	return b.String()
}

// FormatList renders reminders one per line.
func FormatList(rs []Reminder, now time.Time, loc *time.Location) string {
	if len(rs) == 0 {
		return "no reminders"
	}
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Due.Before(rs[j].Due) })
	lines := make([]string, 0, len(rs)+1)
	lines = append(lines, fmt.Sprintf("%d reminder(s):", len(rs)))
	for _, r := range rs {
		line := fmt.Sprintf("• %s  %s (in %s)  %s", r.ShortID(), r.Due.In(loc).Format("Mon 02 Jan 15:04"), until(now, r.Due), r.Text)
		if r.Every != "" {
			line += "  🔁 " + r.Every
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func until(now, t time.Time) time.Duration {
	d := t.Sub(now)
	if d < 0 {
		return 0
	}
	return d.Round(time.Second)
}
