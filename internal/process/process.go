package process

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	kit "procbot/internal/transport"
)

// State is the per-process slot a command body fills before an interruptible
// wait, so that whoever reads it after an interruption knows what to undo.
type State interface {
	StateName() string
}

// Process is one live command invocation.
type Process struct {
	pid     int
	seq     uint64
	cmd     *Command
	req     *Request
	started time.Time

	ctx         context.Context
	cancel      context.CancelCauseFunc
	interrupted atomic.Bool
	done        chan struct{}

	stateMu sync.Mutex
	state   State
}

func (p *Process) PID() int              { return p.pid }
func (p *Process) Command() *Command     { return p.cmd }
func (p *Process) Request() *Request     { return p.req }
func (p *Process) UserID() int64         { return p.req.FromID }
func (p *Process) Chat() kit.ChatTarget  { return p.req.Chat }
func (p *Process) StartedAt() time.Time  { return p.started }
func (p *Process) Done() <-chan struct{} { return p.done }

// Interrupted reports whether an interruption was requested.
func (p *Process) Interrupted() bool { return p.interrupted.Load() }

// Cause is the interruption cause, or nil while the process runs undisturbed.
func (p *Process) Cause() error { return context.Cause(p.ctx) }

func (p *Process) State() State {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.state
}

func (p *Process) SetState(s State) {
	p.stateMu.Lock()
	p.state = s
	p.stateMu.Unlock()
}

// UpdateState replaces the state with fn(current) atomically and returns it.
func (p *Process) UpdateState(fn func(State) State) State {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.state = fn(p.state)
	return p.state
}

// interrupt cancels the body with cause. Only the first call wins.
func (p *Process) interrupt(cause error) bool {
	if !p.interrupted.CompareAndSwap(false, true) {
		return false
	}
	p.cancel(cause)
	return true
}
