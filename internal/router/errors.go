package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"procbot/internal/args"
	"procbot/internal/process"
	"procbot/internal/prompt"
	kit "procbot/internal/transport"
	logx "procbot/pkg/logx"
)

var (
	ErrGroupOnly   = errors.New("command only works in groups")
	ErrPrivateOnly = errors.New("command only works in direct messages")
)

// HandleError is the process.ErrorHandler: it turns a failed submission or
// run into one reply to the invoking chat.
func (r *Router) HandleError(ctx context.Context, req *process.Request, err error) {
	if err == nil || req == nil {
		return
	}
	cmd, _ := r.Lookup(req.Command)
	text := describe(cmd, req, err)
	if text == "" {
		return
	}
	if errors.Is(err, process.ErrPanic) {
		req.Logger.Error("command crashed", logx.Cmd(req.Command), logx.Err(err))
	}
	if r.adapter == nil {
		return
	}
	if _, serr := r.replies.SendText(ctx, req.Chat, text, &kit.SendOptions{DisablePreview: true}); serr != nil {
		req.Logger.Warn("error reply failed", logx.Err(serr), logx.String("cause", err.Error()))
	}
}

// describe renders err for the user. An empty string means stay silent.
func describe(cmd *process.Command, req *process.Request, err error) string {
	name := "/" + req.Command
	usage := ""
	if cmd != nil {
		name = "/" + cmd.Name
		usage = cmd.Usage()
	}
	pid := ""
	if req.Process != nil {
		pid = fmt.Sprintf(" [%d]", req.Process.PID())
	}

	var rl *process.RateLimitedError
	var pe *args.ParseError
	switch {
	case errors.As(err, &rl):
		return fmt.Sprintf("⏳ %s is on cooldown. try again in %s", name, roundUp(rl.Remaining))
	case errors.As(err, &pe):
		msg := "❌ " + parseMessage(pe)
		if usage != "" {
			msg += "\nusage: " + usage
		}
		return msg
	case errors.Is(err, process.ErrDisabled):
		return "🚫 " + name + " is disabled here"
	case errors.Is(err, process.ErrForbidden):
		return "🔒 " + name + " is for bot owners only"
	case errors.Is(err, ErrGroupOnly):
		return name + " only works in groups"
	case errors.Is(err, ErrPrivateOnly):
		return name + " only works in a direct message to the bot"
	case errors.Is(err, process.ErrTimeout):
		return "⌛ " + name + pid + " timed out"
	case errors.Is(err, process.ErrEvicted):
		return "⚠️ " + name + pid + " was stopped to make room for your newer command"
	case errors.Is(err, process.ErrKilled):
		return "🛑 " + name + pid + " was killed"
	case errors.Is(err, process.ErrShutdown):
		return "🔌 the bot is restarting, " + name + " was stopped"
	case errors.Is(err, process.ErrCapacity):
		return "⚠️ your earlier commands are still stopping. try again in a moment"
	case errors.Is(err, process.ErrPIDExhausted):
		return "⚠️ the bot is busy. try again later"
	case errors.Is(err, process.ErrPanic):
		return "💥 " + name + " crashed"
	case errors.Is(err, prompt.ErrSuperseded):
		return ""
	case errors.Is(err, context.Canceled):
		return ""
	default:
		return "❗ " + name + " failed: " + err.Error()
	}
}

func parseMessage(pe *args.ParseError) string {
	switch {
	case errors.Is(pe, args.ErrMissing):
		return "missing argument " + pe.Arg
	case errors.Is(pe, args.ErrTooMany):
		return "too many arguments"
	case errors.Is(pe, args.ErrInvalid):
		return "unknown option " + pe.Arg
	case errors.Is(pe, args.ErrNoValue):
		return pe.Arg + " needs a value"
	case errors.Is(pe, args.ErrNotNumber):
		return pe.Arg + " must be a number"
	}
	return pe.Error()
}

func roundUp(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	if r := d.Truncate(time.Second); r < d {
		return r + time.Second
	}
	return d
}
