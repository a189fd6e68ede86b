package process

import (
	"context"
	"fmt"
	"strings"
	"time"

	"procbot/internal/args"
	"procbot/internal/ratelimit"
	kit "procbot/internal/transport"
	logx "procbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

// Check is a startup check. A non-nil error rejects the invocation before
// any process exists.
type Check func(ctx context.Context, cmd *Command, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Params      *args.ParameterList // nil means args.None
	Access      Access

	// Ratelimit is the per-user delay between completed runs. RatelimitKey
	// names a shared bucket; it defaults to Name.
	Ratelimit    time.Duration
	RatelimitKey string

	Checks  []Check
	Timeout time.Duration // 0 falls back to the manager default
	Run     HandlerFunc
}

func (c *Command) params() *args.ParameterList {
	if c.Params == nil {
		return args.None
	}
	return c.Params
}

// Usage renders "/name <params...>".
func (c *Command) Usage() string {
	u := c.params().Usage()
	if u == "" {
		return "/" + c.Name
	}
	return "/" + c.Name + " " + u
}

func (c *Command) bucket(delay time.Duration) ratelimit.Bucket {
	key := strings.TrimSpace(c.RatelimitKey)
	if key == "" {
		key = c.Name
	}
	return ratelimit.Bucket{Key: key, Delay: delay}
}

// Request is the invocation context handed to a command body.
type Request struct {
	Chat         kit.ChatTarget
	MessageID    int
	FromID       int64
	FromUsername string
	IsGroup      bool

	Command string // name as typed, alias included
	Raw     string // argument text after the command word
	Args    *args.ArgumentList
	ReqID   string

	Adapter kit.Adapter
	Logger  logx.Logger
	Process *Process
}

func (r *Request) Reply(ctx context.Context, text string) error {
	if r.Adapter == nil {
		return nil
	}
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func (r *Request) Replyf(ctx context.Context, format string, a ...any) error {
	return r.Reply(ctx, fmt.Sprintf(format, a...))
}

// ReplyHTML sends text with the HTML parse mode.
func (r *Request) ReplyHTML(ctx context.Context, text string) (kit.MessageRef, error) {
	if r.Adapter == nil {
		return kit.MessageRef{}, nil
	}
	return r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
}
