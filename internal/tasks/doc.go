// Package tasks builds cron tasks from configuration.
//
// A definition becomes one of four concrete types so the manager's capability
// checks see exactly what was configured: a schedule adds NextExecutionTime,
// a required marker file adds ShouldRunNow.
package tasks
