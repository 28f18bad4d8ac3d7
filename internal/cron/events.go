package cron

import (
	"context"
	"time"
)

const (
	EventTaskStarted  = "task.started"
	EventTaskFinished = "task.finished"
	EventTaskFailed   = "task.failed"
	EventTaskSkipped  = "task.skipped"
	EventTaskUnknown  = "task.unknown"
	EventTaskForced   = "task.forced"
)

// TaskEvent is the payload of every task.* event published on the bus.
type TaskEvent struct {
	ID     string
	TickID string

	// Forced is true when the run bypassed the schedule and veto.
	Forced bool
	// Reason is set on task.skipped: "scheduled" or "vetoed".
	Reason string
	// NextRun is the persisted schedule after a run, or the time a skipped task waits for.
	NextRun time.Time

	Started  time.Time
	Duration time.Duration
	Err      string
}

type tickKey struct{}

// WithTickID attaches a tick id to ctx; the manager copies it into logs and events.
func WithTickID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tickKey{}, id)
}

// TickID returns the tick id carried by ctx, if any.
func TickID(ctx context.Context) string {
	v, _ := ctx.Value(tickKey{}).(string)
	return v
}
