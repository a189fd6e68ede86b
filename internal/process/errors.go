package process

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotRunning   = errors.New("process manager is not running")
	ErrShutdown     = errors.New("process manager is shutting down")
	ErrDisabled     = errors.New("command is disabled here")
	ErrForbidden    = errors.New("not allowed")
	ErrPIDExhausted = errors.New("no free process id")
	ErrCapacity     = errors.New("too many running commands")

	// Interruption causes, read with context.Cause inside a command body.
	ErrEvicted = errors.New("evicted by a newer command")
	ErrKilled  = errors.New("killed")
	ErrTimeout = errors.New("timed out")

	ErrPanic = errors.New("panic")
)

// RateLimitedError rejects an invocation while the user's window is open.
type RateLimitedError struct {
	Command   string
	Remaining time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s is rate limited for another %s", e.Command, e.Remaining.Round(time.Second))
}
