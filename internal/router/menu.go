package router

import (
	"context"

	"procbot/internal/process"
	kit "procbot/internal/transport"
)

// PublishMenu pushes the registered commands to the adapter's command menu,
// when it has one. Owner-only commands are left out.
func (r *Router) PublishMenu(ctx context.Context) error {
	mu, ok := r.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	var cmds []kit.BotCommand
	for _, c := range r.Commands() {
		if c.Access == process.AccessOwnerOnly {
			continue
		}
		cmds = append(cmds, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return mu.UpdateMenuCommands(ctx, cmds)
}
