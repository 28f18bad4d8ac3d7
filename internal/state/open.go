package state

import (
	"errors"
	"strings"

	logx "cronservice/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))

	var (
		st  Store
		err error
	)
	switch driver {
	case "", "none", "memory":
		st = NewMemory()
	case "file":
		st, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		st, err = openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown state driver: " + driver)
	}
	if err != nil {
		return nil, err
	}
	if cfg.CacheTTL > 0 {
		st = NewCached(st, cfg.CacheTTL)
	}
	return st, nil
}
