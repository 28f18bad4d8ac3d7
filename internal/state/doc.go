// Package state is the key-value persistence behind the cron manager.
//
// Drivers:
//   - memory: process-local map (tests, or when persistence is disabled)
//   - file:   JSON snapshot + append-only journal, compacted periodically
//   - sqlite: single kv table in a SQLite database
//
// Every driver is read-after-write consistent for the calling process. The optional
// cache (NewCached) keeps that guarantee by updating its entry inside Set.
package state
