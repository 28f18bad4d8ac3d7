// Package trigger drives cron ticks: once per configured schedule it asks the
// runner to evaluate every registered task. Ticks never overlap.
package trigger
