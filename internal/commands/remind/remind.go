// Package remind exposes the reminder service as chat commands.
package remind

import (
	"context"
	"errors"
	"fmt"
	"time"

	"procbot/internal/args"
	"procbot/internal/process"
	"procbot/internal/prompt"
	"procbot/internal/reminders"
)

// confirmTimeout bounds the yes/no prompt of /unremind --all.
var confirmTimeout = 30 * time.Second

// Awaiter delivers the next plain message of a user. *prompt.Broker implements it.
type Awaiter interface {
	Await(ctx context.Context, chatID, userID int64) (string, error)
}

var (
	pIn    = args.NewPositional("in", "delay (10m, 2h, 1d) or time of day (08:30)", true)
	pText  = args.NewPositional("text", "what to remind you of", true)
	pEvery = args.NewNamed("every", "repeat: 1d, 08:30, @weekly or cron with _ for spaces", false)

	pID  = args.NewPositional("id", "reminder id from /reminders", false)
	pAll = args.NewNamed("all", "remove every reminder (yes)", false)

	errPromptTimeout = errors.New("no answer")
)

func Commands(svc *reminders.Service, prompts Awaiter) []*process.Command {
	return []*process.Command{
		{
			Name:        "remind",
			Aliases:     []string{"r"},
			Description: "set a reminder",
			Params:      args.Of(pIn, pText, pEvery),
			Ratelimit:   3 * time.Second,
			Run:         func(ctx context.Context, req *process.Request) error { return add(ctx, req, svc) },
		},
		{
			Name:        "reminders",
			Description: "list your reminders",
			Run: func(ctx context.Context, req *process.Request) error {
				return req.Reply(ctx, reminders.FormatList(svc.List(req.FromID), time.Now(), svc.Location()))
			},
		},
		{
			Name:        "unremind",
			Description: "remove a reminder",
			Params:      args.Of(pID, pAll),
			Run:         func(ctx context.Context, req *process.Request) error { return remove(ctx, req, svc, prompts) },
		},
	}
}

func add(ctx context.Context, req *process.Request, svc *reminders.Service) error {
	r, err := svc.Add(req.FromID, req.FromUsername, req.Chat, req.Args.Value(pText), req.Args.Value(pIn), req.Args.Value(pEvery))
	switch {
	case errors.Is(err, reminders.ErrLimit):
		return req.Replyf(ctx, "🚫 %v. remove one with /unremind first", err)
	case err != nil:
		return req.Replyf(ctx, "❌ %v\nusage: %s", err, req.Process.Command().Usage())
	}
	msg := fmt.Sprintf("✅ reminder %s set for %s (in %s)", r.ShortID(), r.Due.In(svc.Location()).Format("Mon 02 Jan 15:04"), time.Until(r.Due).Round(time.Second))
	if r.Every != "" {
		msg += ", repeating " + r.Every
	}
	return req.Reply(ctx, msg)
}

// confirmState is kept in the process state slot while /unremind --all runs.
type confirmState struct {
	phase string // "awaiting", "removing"
	count int
}

func (s confirmState) StateName() string { return fmt.Sprintf("unremind %s (%d)", s.phase, s.count) }

func remove(ctx context.Context, req *process.Request, svc *reminders.Service, prompts Awaiter) error {
	if !req.Args.Has(pAll) {
		id := req.Args.Value(pID)
		if id == "" {
			return &args.ParseError{Kind: args.ErrMissing, Arg: pID.Label()}
		}
		r, err := svc.Cancel(req.FromID, id)
		switch {
		case errors.Is(err, reminders.ErrNotFound), errors.Is(err, reminders.ErrAmbiguous):
			return req.Replyf(ctx, "%v: %s", err, id)
		case err != nil:
			return err
		}
		return req.Replyf(ctx, "🗑 removed %s: %s", r.ShortID(), r.Text)
	}

	if yes, ok := prompt.Confirm(req.Args.Value(pAll)); !ok || !yes {
		return &args.ParseError{Kind: args.ErrInvalid, Arg: pAll.Label() + " " + req.Args.Value(pAll)}
	}
	n := len(svc.List(req.FromID))
	if n == 0 {
		return req.Reply(ctx, "no reminders to remove")
	}

	req.Process.SetState(confirmState{phase: "awaiting", count: n})
	if err := req.Replyf(ctx, "remove all %d reminders? answer yes or no within %s", n, confirmTimeout); err != nil {
		return err
	}
	wctx, cancel := context.WithTimeoutCause(ctx, confirmTimeout, errPromptTimeout)
	defer cancel()
	answer, err := prompts.Await(wctx, req.Chat.ChatID, req.FromID)
	if err != nil {
		if errors.Is(err, errPromptTimeout) {
			return req.Reply(ctx, "no answer, nothing removed")
		}
		if ctx.Err() != nil {
			interrupted(ctx, req, svc)
		}
		return err
	}
	if yes, ok := prompt.Confirm(answer); !ok || !yes {
		return req.Reply(ctx, "ok, nothing removed")
	}

	req.Process.SetState(confirmState{phase: "removing", count: n})
	removed, err := svc.CancelAll(req.FromID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		interrupted(ctx, req, svc)
		return err
	}
	return req.Replyf(ctx, "🗑 removed %d reminder(s)", removed)
}

// interrupted tells the user how far a killed /unremind --all got, going by
// the phase in the state slot.
func interrupted(ctx context.Context, req *process.Request, svc *reminders.Service) {
	st, _ := req.Process.State().(confirmState)
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if st.phase != "removing" {
		_ = req.Reply(rctx, "interrupted, nothing removed")
		return
	}
	left := len(svc.List(req.FromID))
	_ = req.Replyf(rctx, "interrupted while removing: %d of %d reminder(s) removed", st.count-left, st.count)
}
