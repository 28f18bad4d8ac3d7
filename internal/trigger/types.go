package trigger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"cronservice/internal/eventbus"
	logx "cronservice/pkg/logx"

	robfig "github.com/robfig/cron/v3"
)

const (
	EventTickStarted  = "tick.started"
	EventTickFinished = "tick.finished"
	EventTickSkipped  = "tick.skipped"
)

// Runner evaluates every registered task once.
type Runner interface {
	RunAll(ctx context.Context) error
}

// Config controls the trigger service.
type Config struct {
	Enabled     bool
	Schedule    string        // cron, "@every 1m", "5m", or HH:MM interval
	Timezone    string        // IANA TZ, e.g. "Europe/Berlin"; empty means Local
	TickTimeout time.Duration // 0 means no bound on a whole tick
}

// DefaultDrainGrace is how long Stop waits for a tick after cancelling it.
const DefaultDrainGrace = 10 * time.Second

// ErrTickInFlight is returned by Stop when a cancelled tick did not finish.
var ErrTickInFlight = errors.New("trigger: tick still running")

// DefaultSchedule is used when Config.Schedule is empty.
const DefaultSchedule = "@every 1m"

// TickInfo describes one completed tick.
type TickInfo struct {
	ID       string
	Source   string // "cron" | "manual"
	Started  time.Time
	Duration time.Duration
	Err      string
}

type Snapshot struct {
	Enabled  bool
	Running  bool
	Schedule string
	Timezone string
	Next     time.Time
	Prev     time.Time
	Last     TickInfo
	Ticks    uint64
	Skipped  uint64
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	bus    eventbus.Bus
	runner Runner
	withID func(ctx context.Context, id string) context.Context

	c       *robfig.Cron
	entryID robfig.EntryID
	spec    string

	base       context.Context
	cancel     context.CancelFunc
	drainGrace time.Duration

	// tickMu serializes cron ticks with manual ticks.
	tickMu  sync.Mutex
	last    TickInfo
	ticks   atomic.Uint64
	skipped atomic.Uint64
}
