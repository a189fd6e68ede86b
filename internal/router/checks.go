package router

import (
	"context"

	"procbot/internal/process"
)

// Disabled is the process.DisabledFunc backed by the commands config.
func (r *Router) Disabled(cmd *process.Command, req *process.Request) bool {
	return r.commands.Load().IsDisabled(cmd.Name, req.Chat.ChatID)
}

// OwnerCheck rejects owner-only commands for everyone else.
func (r *Router) OwnerCheck(_ context.Context, cmd *process.Command, req *process.Request) error {
	if cmd.Access == process.AccessOwnerOnly && !r.IsOwner(req.FromID) {
		return process.ErrForbidden
	}
	return nil
}

// GroupOnly is a command check for group chats.
func GroupOnly(_ context.Context, _ *process.Command, req *process.Request) error {
	if !req.IsGroup {
		return ErrGroupOnly
	}
	return nil
}

// PrivateOnly is a command check for direct messages.
func PrivateOnly(_ context.Context, _ *process.Command, req *process.Request) error {
	if req.IsGroup {
		return ErrPrivateOnly
	}
	return nil
}
