package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"cronservice/internal/cron"
	"cronservice/internal/schedule"
	logx "cronservice/pkg/logx"

	"github.com/spf13/afero"
)

// Def is a configured task.
type Def struct {
	ID      string
	Kind    string // "command" (default) or "unit"
	Command string
	Args    []string
	Dir     string
	Env     []string // KEY=VALUE, appended to the process environment

	// Unit and Action apply to the "unit" kind. Action is "start" (default) or "restart".
	Unit   string
	Action string

	// Schedule makes the task Scheduled (see schedule.ParseSchedule for forms).
	Schedule string
	// RequireFile makes the task TimeControlling: it only runs while the file exists.
	RequireFile string
	// ConsumeFile removes RequireFile after a successful run.
	ConsumeFile bool
}

type Deps struct {
	Fs       afero.Fs
	Location *time.Location
	Log      logx.Logger
	Now      func() time.Time

	dial unitDialer
}

const (
	maxOutput = 4 << 10
	waitDelay = 2 * time.Second
)

// Command runs an external program, or starts a systemd unit for the
// "unit" kind.
type Command struct {
	id   string
	def  Def
	log  logx.Logger
	gate *fileGate
	run  func(ctx context.Context) error
	dial unitDialer
}

func (c *Command) ID() string { return c.id }

func (c *Command) Execute(ctx context.Context) error {
	if err := c.run(ctx); err != nil {
		return err
	}
	if c.gate != nil && c.gate.consume {
		if err := c.gate.fs.Remove(c.gate.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("consume %s: %w", c.gate.path, err)
		}
	}
	return nil
}

func (c *Command) runProcess(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.def.Command, c.def.Args...)
	cmd.Dir = c.def.Dir
	if len(c.def.Env) > 0 {
		cmd.Env = append(os.Environ(), c.def.Env...)
	}
	out := &tailBuffer{max: maxOutput}
	cmd.Stdout = out
	cmd.Stderr = out
	// Children that inherit the pipes must not hold Wait open after cancellation.
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	took := time.Since(start)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		}
		if tail := strings.TrimSpace(out.String()); tail != "" {
			return fmt.Errorf("%s: %w: %s", c.def.Command, err, tail)
		}
		return fmt.Errorf("%s: %w", c.def.Command, err)
	}
	c.log.Debug("command finished", logx.Duration("took", took), logx.String("output", strings.TrimSpace(out.String())))
	return nil
}

type fileGate struct {
	fs      afero.Fs
	path    string
	consume bool
	log     logx.Logger
}

func (g *fileGate) ready() bool {
	ok, err := afero.Exists(g.fs, g.path)
	if err != nil {
		g.log.Warn("marker check failed", logx.String("path", g.path), logx.Err(err))
		return false
	}
	return ok
}

type nextFunc struct {
	sched schedule.Schedule
	now   func() time.Time
}

func (n nextFunc) next() time.Time { return n.sched.Next(n.now()) }

// ScheduledCommand is a Command that declares its own next run.
type ScheduledCommand struct {
	*Command
	n nextFunc
}

func (c *ScheduledCommand) NextExecutionTime() time.Time { return c.n.next() }

// GatedCommand is a Command that waits for a marker file.
type GatedCommand struct {
	*Command
}

func (c *GatedCommand) ShouldRunNow() bool { return c.gate.ready() }

// ScheduledGatedCommand has both capabilities.
type ScheduledGatedCommand struct {
	*Command
	n nextFunc
}

func (c *ScheduledGatedCommand) NextExecutionTime() time.Time { return c.n.next() }
func (c *ScheduledGatedCommand) ShouldRunNow() bool           { return c.gate.ready() }

// Build validates def and returns the task type matching its options.
func Build(def Def, deps Deps) (cron.Task, error) {
	def.ID = strings.TrimSpace(def.ID)
	if def.ID == "" {
		return nil, errors.New("task id required")
	}
	kind := strings.ToLower(strings.TrimSpace(def.Kind))
	switch kind {
	case "", "command":
		kind = "command"
		if strings.TrimSpace(def.Command) == "" {
			return nil, fmt.Errorf("task %s: command required", def.ID)
		}
	case "unit":
		if err := checkUnit(def); err != nil {
			return nil, fmt.Errorf("task %s: %w", def.ID, err)
		}
	default:
		return nil, fmt.Errorf("task %s: unknown kind %q", def.ID, def.Kind)
	}
	if def.ConsumeFile && strings.TrimSpace(def.RequireFile) == "" {
		return nil, fmt.Errorf("task %s: consume_file needs require_file", def.ID)
	}
	for _, kv := range def.Env {
		if !strings.Contains(kv, "=") {
			return nil, fmt.Errorf("task %s: env entry %q must be KEY=VALUE", def.ID, kv)
		}
	}

	if deps.Fs == nil {
		deps.Fs = afero.NewOsFs()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	log := deps.Log.With(logx.String("task", def.ID))

	c := &Command{id: def.ID, def: def, log: log}
	if kind == "unit" {
		c.dial = deps.dial
		if c.dial == nil {
			c.dial = systemBus
		}
		c.run = c.runUnit
	} else {
		c.run = c.runProcess
	}
	if p := strings.TrimSpace(def.RequireFile); p != "" {
		c.gate = &fileGate{fs: deps.Fs, path: p, consume: def.ConsumeFile, log: log}
	}

	var n *nextFunc
	if strings.TrimSpace(def.Schedule) != "" {
		sched, err := schedule.Parse(def.Schedule, deps.Location)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", def.ID, err)
		}
		n = &nextFunc{sched: sched, now: deps.Now}
	}

	switch {
	case n != nil && c.gate != nil:
		return &ScheduledGatedCommand{Command: c, n: *n}, nil
	case n != nil:
		return &ScheduledCommand{Command: c, n: *n}, nil
	case c.gate != nil:
		return &GatedCommand{Command: c}, nil
	default:
		return c, nil
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	b   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.b = append(t.b, p...)
	if over := len(t.b) - t.max; over > 0 {
		t.b = append(t.b[:0], t.b[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.b)
}
