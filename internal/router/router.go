// Package router turns chat messages into process submissions.
//
// Text starting with "/" is a command: the first word (with an optional
// @botname suffix) selects a registered command and the rest of the line is
// its raw argument text. Every other message is offered to the prompt broker.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"procbot/internal/config"
	"procbot/internal/process"
	"procbot/internal/prompt"
	kit "procbot/internal/transport"
	logx "procbot/pkg/logx"
)

// Submitter admits a command invocation. *process.Manager implements it.
type Submitter interface {
	Submit(ctx context.Context, cmd *process.Command, req *process.Request) (*process.Process, error)
}

type Options struct {
	Adapter kit.Adapter
	Prompts *prompt.Broker
	Logger  logx.Logger

	// BotUsername filters "/cmd@name" addressed to other bots. Empty accepts all.
	BotUsername string
	// ReplyRatePerSec throttles replies per chat. Default 1.
	ReplyRatePerSec float64
}

type Router struct {
	log     logx.Logger
	adapter kit.Adapter
	replies *throttled
	prompts *prompt.Broker
	bot     string

	mu      sync.RWMutex
	byName  map[string]*process.Command
	aliases map[string]*process.Command
	sub     Submitter

	owners   atomic.Pointer[[]int64]
	commands atomic.Pointer[config.CommandsConfig]
}

func New(opts Options) *Router {
	if opts.Logger.IsZero() {
		opts.Logger = logx.Nop()
	}
	if opts.Prompts == nil {
		opts.Prompts = prompt.NewBroker()
	}
	r := &Router{
		log:     opts.Logger.With(logx.String("comp", "router")),
		adapter: opts.Adapter,
		prompts: opts.Prompts,
		bot:     strings.TrimPrefix(strings.TrimSpace(opts.BotUsername), "@"),
		byName:  map[string]*process.Command{},
		aliases: map[string]*process.Command{},
	}
	r.replies = newThrottled(opts.Adapter, opts.ReplyRatePerSec)
	r.SetOwners(nil)
	r.SetCommandsConfig(config.CommandsConfig{})
	return r
}

// Attach sets the submitter. It must be called before Run.
func (r *Router) Attach(s Submitter) {
	r.mu.Lock()
	r.sub = s
	r.mu.Unlock()
}

func (r *Router) Prompts() *prompt.Broker { return r.prompts }

// Replies is the throttled adapter handed to command bodies.
func (r *Router) Replies() kit.Adapter { return r.replies }

// Register adds commands. Names and aliases are case-insensitive and must be unique.
func (r *Router) Register(cmds ...*process.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		if c == nil || c.Run == nil {
			return fmt.Errorf("router: command without body")
		}
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || strings.ContainsAny(name, " @/") {
			return fmt.Errorf("router: invalid command name %q", c.Name)
		}
		if r.taken(name) {
			return fmt.Errorf("router: duplicate command %q", name)
		}
		c.Name = name
		r.byName[name] = c
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" {
				continue
			}
			if r.taken(a) {
				return fmt.Errorf("router: alias %q of %q already taken", a, name)
			}
			r.aliases[a] = c
		}
	}
	return nil
}

func (r *Router) taken(n string) bool {
	_, a := r.byName[n]
	_, b := r.aliases[n]
	return a || b
}

// Lookup resolves a name or alias.
func (r *Router) Lookup(name string) (*process.Command, bool) {
	name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "/"))
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.byName[name]; ok {
		return c, true
	}
	c, ok := r.aliases[name]
	return c, ok
}

// Commands returns the registered commands sorted by name.
func (r *Router) Commands() []*process.Command {
	r.mu.RLock()
	out := make([]*process.Command, 0, len(r.byName))
	for _, c := range r.byName {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Router) SetOwners(ids []int64) {
	cp := append([]int64(nil), ids...)
	r.owners.Store(&cp)
}

func (r *Router) IsOwner(id int64) bool {
	for _, o := range *r.owners.Load() {
		if o == id {
			return true
		}
	}
	return false
}

func (r *Router) SetCommandsConfig(c config.CommandsConfig) {
	r.commands.Store(&c)
	r.replies.setRate(c.ReplyRatePerSec)
}

// Run dispatches updates until ctx ends or updates is closed.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	r.log.Info("dispatcher started", logx.Int("commands", len(r.Commands())))
	for {
		select {
		case <-ctx.Done():
			r.log.Info("dispatcher stopped", logx.Err(ctx.Err()))
			return nil
		case up, ok := <-updates:
			if !ok {
				r.log.Info("dispatcher stopped (updates channel closed)")
				return nil
			}
			if up.Kind == kit.UpdateMessage && up.Message != nil {
				r.HandleMessage(ctx, up.Message)
			}
		}
	}
}

// HandleMessage routes one message. Submission errors reach the user through
// HandleError, so they are only logged here.
func (r *Router) HandleMessage(ctx context.Context, msg *kit.Message) {
	name, raw, isCmd, forUs := parseCommandLine(msg.Text, r.bot)
	if !isCmd {
		if strings.TrimSpace(msg.Text) != "" {
			r.prompts.Deliver(msg.ChatID, msg.FromID, msg.Text)
		}
		return
	}
	if !forUs {
		return
	}

	cmd, ok := r.Lookup(name)
	if !ok {
		r.reply(ctx, msg.Target(), fmt.Sprintf("unknown command /%s. try /help", name))
		return
	}

	r.mu.RLock()
	sub := r.sub
	r.mu.RUnlock()
	if sub == nil {
		r.log.Warn("command dropped: no submitter attached", logx.Cmd(cmd.Name))
		return
	}

	rid := newReqID()
	req := &process.Request{
		Chat:         msg.Target(),
		MessageID:    msg.ID,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		IsGroup:      msg.IsGroup,
		Command:      name,
		Raw:          raw,
		ReqID:        rid,
		Adapter:      r.replies,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Chat(msg.Target()),
			logx.Int64("from_id", msg.FromID),
		),
	}
	if _, err := sub.Submit(ctx, cmd, req); err != nil {
		req.Logger.Debug("command not started", logx.Cmd(cmd.Name), logx.Err(err))
	}
}

func (r *Router) reply(ctx context.Context, to kit.ChatTarget, text string) {
	if r.adapter == nil {
		return
	}
	if _, err := r.replies.SendText(ctx, to, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		r.log.Warn("reply failed", logx.Chat(to), logx.Err(err))
	}
}

// parseCommandLine splits "/name@bot rest" into name and raw. raw is the
// text after the first space, untouched.
func parseCommandLine(text, bot string) (name, raw string, isCmd, forUs bool) {
	text = strings.TrimLeft(text, " ")
	if !strings.HasPrefix(text, "/") {
		return "", "", false, false
	}
	word := text[1:]
	if i := strings.IndexAny(word, " \n"); i >= 0 {
		raw = word[i+1:]
		word = word[:i]
	}
	if word == "" {
		return "", "", false, false
	}
	forUs = true
	if i := strings.IndexByte(word, '@'); i >= 0 {
		target := word[i+1:]
		word = word[:i]
		if bot != "" && !strings.EqualFold(target, bot) {
			forUs = false
		}
	}
	return strings.ToLower(word), raw, true, forUs
}
