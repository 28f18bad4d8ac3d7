package state

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/afero"
)

var (
	ErrClosed = errors.New("state store closed")
	ErrNoKey  = errors.New("state key required")
)

// Store is the minimal persistence API used by the cron manager.
//
// Get returns ok=false (and no error) when the key was never written.
// Values are opaque bytes; see Int64/Bool for the typed encoding used by the manager.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// Config configures the store.
//
// Driver values:
//   - "memory" (or empty / "none"): no persistence across restarts
//   - "file": snapshot + journal under Path (Path is a file prefix)
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// CompactEvery is the number of journal writes between snapshot compactions (file only).
	CompactEvery int

	// CacheTTL enables a write-through read cache when > 0.
	CacheTTL time.Duration

	// Fs overrides the filesystem used by the file driver. Nil means the OS filesystem.
	Fs afero.Fs
}
