// Package cron is the scheduling core: a registry of named tasks and the
// per-task decision of whether a tick should execute them.
//
// State lives in a state.Store under two keys per task id:
//
//	<prefix>.<id>.schedule  earliest unix second the task may run again (0 = always)
//	<prefix>.<id>.forced    run on the next evaluation regardless of schedule or veto
//
// Ticks are assumed to be serialized by the caller (see internal/trigger).
// Two concurrent ticks evaluating the same id may race on those keys.
package cron
