package cron

import (
	"context"
	"fmt"
	"runtime/debug"

	logx "cronservice/pkg/logx"
)

// invoke runs t.Execute in its own goroutine, converting panics into errors.
// With a timeout configured the manager stops waiting once it expires; the
// task is expected to honor ctx but is not forced to.
func (m *Manager) invoke(ctx context.Context, id string, t Task, log logx.Logger) error {
	runCtx := ctx
	timeout := m.taskTimeout()
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				log.Error("task.panic", logx.Any("panic", r), logx.String("stack", string(stack)))
				done <- &PanicError{Value: r, Stack: stack}
			}
		}()
		done <- t.Execute(runCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		select {
		case err := <-done:
			return err
		default:
		}
		log.Warn("task.abandoned", logx.Duration("timeout", timeout), logx.Err(runCtx.Err()))
		return fmt.Errorf("%w: %s: %w", ErrAbandoned, id, runCtx.Err())
	}
}
