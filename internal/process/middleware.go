package process

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	logx "procbot/pkg/logx"
)

// Middleware wraps a command body. The manager always installs request
// logging and panic recovery outermost and the timeout innermost.
type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// MWTimeout bounds the body. The deadline surfaces as ErrTimeout.
func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeoutCause(ctx, d, ErrTimeout)
			defer cancel()
			err := next(cctx, req)
			if err != nil && ctx.Err() == nil && errors.Is(context.Cause(cctx), ErrTimeout) {
				return ErrTimeout
			}
			return err
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if req != nil && !req.Logger.IsZero() {
						logger = req.Logger
					}
					logger.Error("panic recovered", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("%w: %v", ErrPanic, r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// MWRequestLog logs how each body ended. req.Logger already carries the
// pid, command and chat.
func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			logger := log
			if !req.Logger.IsZero() {
				logger = req.Logger
			}
			err := next(ctx, req)
			took := logx.Duration("took", time.Since(start))

			switch {
			case err == nil:
				logger.Debug("process done", took)
			case req.Process != nil && req.Process.Interrupted():
				logger.Info("process interrupted", took, logx.Err(req.Process.Cause()))
			case errors.Is(err, ErrTimeout):
				logger.Info("process timed out", took)
			default:
				logger.Warn("process failed", took, logx.Err(err))
			}
			return err
		}
	}
}
