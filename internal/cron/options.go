package cron

import (
	"strings"
	"time"

	"cronservice/internal/eventbus"
	logx "cronservice/pkg/logx"
)

// DefaultKeyPrefix matches the key layout used by existing deployments.
const DefaultKeyPrefix = "cron_service.cron"

// stateWriteTimeout bounds the post-run writes, which ignore the tick's own
// cancellation.
const stateWriteTimeout = 5 * time.Second

type Option func(*Manager)

func WithLogger(log logx.Logger) Option {
	return func(m *Manager) {
		if !log.IsZero() {
			m.log = log
		}
	}
}

func WithBus(bus eventbus.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithClock overrides time.Now for eligibility checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithTaskTimeout bounds every Execute call. Zero disables the bound.
func WithTaskTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.timeout.Store(int64(d))
		}
	}
}

func WithKeyPrefix(prefix string) Option {
	return func(m *Manager) {
		prefix = strings.Trim(strings.TrimSpace(prefix), ".")
		if prefix != "" {
			m.prefix = prefix
		}
	}
}
