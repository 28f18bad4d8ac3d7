package cron

import (
	"context"
	"time"
)

// TaskStatus is one row of the administrative listing.
type TaskStatus struct {
	ID             string
	Forced         bool
	ScheduledAt    time.Time // zero when never scheduled or not Scheduled
	Scheduled      bool
	TimeControlled bool
}

// Status reports the persisted state of every registered task in registration order.
// It never calls a task's veto.
func (m *Manager) Status(ctx context.Context) ([]TaskStatus, error) {
	ids := m.IDs()
	out := make([]TaskStatus, 0, len(ids))
	for _, id := range ids {
		t, ok := m.Task(id)
		if !ok {
			continue
		}
		forced, err := m.IsForced(ctx, id)
		if err != nil {
			return nil, err
		}
		at, err := m.ScheduledRunTime(ctx, id)
		if err != nil {
			return nil, err
		}
		caps := Capabilities(t)
		out = append(out, TaskStatus{
			ID:             id,
			Forced:         forced,
			ScheduledAt:    at,
			Scheduled:      caps.Scheduled,
			TimeControlled: caps.TimeControlling,
		})
	}
	return out, nil
}
