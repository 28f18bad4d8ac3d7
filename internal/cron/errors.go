package cron

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyID     = errors.New("cron: empty task id")
	ErrUnknownTask = errors.New("cron: unknown task")
	// ErrAbandoned is returned when a task outlives its timeout. The task goroutine
	// keeps running in the background; the manager no longer waits for it.
	ErrAbandoned = errors.New("cron: task abandoned after timeout")
)

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }
