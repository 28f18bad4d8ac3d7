package cron

import (
	"context"
	"time"
)

// Task is a unit of work run by the manager.
//
// The returned error is reported (logged and published) but never aborts a tick.
type Task interface {
	Execute(ctx context.Context) error
}

// Scheduled tasks declare the earliest time they may run again.
// NextExecutionTime is queried after each execution, never to decide the current tick.
// A zero time means "always eligible".
type Scheduled interface {
	Task
	NextExecutionTime() time.Time
}

// TimeControlling tasks can veto a non-forced run on every tick.
type TimeControlling interface {
	Task
	ShouldRunNow() bool
}

// Caps reports which optional capabilities a task implements.
type Caps struct {
	Scheduled       bool
	TimeControlling bool
}

func Capabilities(t Task) Caps {
	_, s := t.(Scheduled)
	_, tc := t.(TimeControlling)
	return Caps{Scheduled: s, TimeControlling: tc}
}

// TaskFunc adapts a plain function to Task.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }
