// Package core holds the built-in housekeeping commands: help, ps, kill and ping.
package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"procbot/internal/args"
	"procbot/internal/process"
	kit "procbot/internal/transport"
)

// Registry is the command table as the help command sees it.
type Registry interface {
	Commands() []*process.Command
	Lookup(name string) (*process.Command, bool)
	IsOwner(id int64) bool
}

// Table is the live process table.
type Table interface {
	Processes() []*process.Process
	Process(pid int) (*process.Process, bool)
	Interrupt(p *process.Process, cause error) bool
}

var (
	pCommand = args.NewPositional("command", "command to describe", false)
	pPID     = args.NewPositional("pid", "process id", true)
	pAll     = args.NewNamed("all", "include other users (owners only)", false)
)

// Commands returns the core commands bound to reg and tab.
func Commands(reg Registry, tab Table) []*process.Command {
	return []*process.Command{
		{
			Name:        "help",
			Aliases:     []string{"h", "start"},
			Description: "list commands or describe one",
			Params:      args.Of(pCommand),
			Run:         func(ctx context.Context, req *process.Request) error { return help(ctx, req, reg) },
		},
		{
			Name:        "ps",
			Description: "list running commands",
			Params:      args.Of(pAll),
			Run:         func(ctx context.Context, req *process.Request) error { return ps(ctx, req, reg, tab) },
		},
		{
			Name:        "kill",
			Description: "stop a running command",
			Params:      args.Of(pPID),
			Run:         func(ctx context.Context, req *process.Request) error { return kill(ctx, req, reg, tab) },
		},
		{
			Name:        "ping",
			Description: "check that the bot is alive",
			Ratelimit:   5 * time.Second,
			Run:         ping,
		},
	}
}

func help(ctx context.Context, req *process.Request, reg Registry) error {
	owner := reg.IsOwner(req.FromID)
	if name := strings.TrimSpace(req.Args.Value(pCommand)); name != "" {
		cmd, ok := reg.Lookup(name)
		if !ok || (cmd.Access == process.AccessOwnerOnly && !owner) {
			return req.Replyf(ctx, "no command %q. try /help", strings.TrimPrefix(name, "/"))
		}
		return req.Reply(ctx, describe(cmd))
	}

	lines := []string{"📚 commands (/help <command> for details):"}
	for _, c := range reg.Commands() {
		if c.Access == process.AccessOwnerOnly && !owner {
			continue
		}
		line := "/" + c.Name
		if c.Description != "" {
			line += " - " + c.Description
		}
		lines = append(lines, line)
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func describe(c *process.Command) string {
	lines := []string{"📌 /" + c.Name, c.Description, "usage: " + c.Usage()}
	if len(c.Aliases) > 0 {
		lines = append(lines, "aliases: /"+strings.Join(c.Aliases, ", /"))
	}
	if c.Params != nil {
		for _, p := range c.Params.Params() {
			line := "  " + p.Label()
			if p.Description() != "" {
				line += ": " + p.Description()
			}
			if d, ok := p.Default(); ok {
				line += " (default " + d + ")"
			}
			lines = append(lines, line)
		}
	}
	if c.Access == process.AccessOwnerOnly {
		lines = append(lines, "owners only")
	}
	if c.Ratelimit > 0 {
		lines = append(lines, "cooldown: "+c.Ratelimit.String())
	}
	out := lines[:0]
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func ps(ctx context.Context, req *process.Request, reg Registry, tab Table) error {
	all := req.Args.Has(pAll)
	if all && !reg.IsOwner(req.FromID) {
		return process.ErrForbidden
	}
	now := time.Now()
	var b strings.Builder
	n := 0
	for _, p := range tab.Processes() {
		if !all && p.UserID() != req.FromID {
			continue
		}
		n++
		fmt.Fprintf(&b, "\n%4d  %-10s %6s", p.PID(), "/"+p.Command().Name, now.Sub(p.StartedAt()).Round(time.Second))
		if all {
			fmt.Fprintf(&b, "  user %d", p.UserID())
		}
		if st := p.State(); st != nil {
			fmt.Fprintf(&b, "  [%s]", st.StateName())
		}
		if p.Interrupted() {
			b.WriteString("  stopping")
		}
	}
	return req.Replyf(ctx, "%d running:%s", n, b.String())
}

func kill(ctx context.Context, req *process.Request, reg Registry, tab Table) error {
	pid, err := req.Args.Int(pPID)
	if err != nil {
		return err
	}
	p, ok := tab.Process(pid)
	if !ok {
		return req.Replyf(ctx, "no process %d", pid)
	}
	if p.UserID() != req.FromID && !reg.IsOwner(req.FromID) {
		return process.ErrForbidden
	}
	if p == req.Process {
		return req.Reply(ctx, "a process cannot kill itself")
	}
	if !tab.Interrupt(p, process.ErrKilled) {
		return req.Replyf(ctx, "process %d is already stopping", pid)
	}
	select {
	case <-p.Done():
		return req.Replyf(ctx, "killed %d (/%s)", pid, p.Command().Name)
	case <-time.After(2 * time.Second):
		return req.Replyf(ctx, "sent kill to %d; it has not exited yet", pid)
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func ping(ctx context.Context, req *process.Request) error {
	start := time.Now()
	ref, err := req.Adapter.SendText(ctx, req.Chat, "🏓 pong", &kit.SendOptions{})
	if err != nil {
		return err
	}
	rtt := time.Since(start).Round(time.Millisecond)
	_ = req.Adapter.EditText(ctx, ref, fmt.Sprintf("🏓 pong (%s)", rtt), &kit.SendOptions{})
	return nil
}
