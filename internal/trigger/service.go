package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cronservice/internal/eventbus"
	"cronservice/internal/schedule"
	logx "cronservice/pkg/logx"

	"github.com/google/uuid"
	robfig "github.com/robfig/cron/v3"
)

// Option customizes a Service.
type Option func(*Service)

// WithTickContext lets the runner see the tick id (e.g. cron.WithTickID).
func WithTickContext(fn func(ctx context.Context, id string) context.Context) Option {
	return func(s *Service) { s.withID = fn }
}

// WithDrainGrace bounds how long Stop waits for a cancelled tick.
func WithDrainGrace(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.drainGrace = d
		}
	}
}

func New(cfg Config, runner Runner, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		runner: runner,

		drainGrace: DefaultDrainGrace,
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Validate checks that cfg can be started.
func Validate(cfg Config) error {
	if _, err := cronSpec(cfg.Schedule); err != nil {
		return err
	}
	if _, err := schedule.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	if cfg.TickTimeout < 0 {
		return errors.New("tick_timeout must be >= 0")
	}
	return nil
}

func cronSpec(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		raw = DefaultSchedule
	}
	p, err := schedule.ParseSchedule(raw)
	if err != nil {
		return "", err
	}
	spec := p.CronSpec()
	if _, err := schedule.Parser.Parse(spec); err != nil {
		return "", fmt.Errorf("invalid schedule %q: %w", raw, err)
	}
	return spec, nil
}

// Start begins periodic ticking. A disabled config is not an error; Start
// simply does nothing until Apply enables it.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base == nil {
		s.base, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("trigger disabled")
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	spec, err := cronSpec(s.cfg.Schedule)
	if err != nil {
		return err
	}
	loc, err := schedule.LoadLocation(s.cfg.Timezone)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", s.cfg.Timezone), logx.Err(err))
		loc = time.Local
	}
	cl := cronLogger{log: s.log}
	c := robfig.New(
		robfig.WithParser(schedule.Parser),
		robfig.WithLocation(loc),
		robfig.WithChain(robfig.Recover(cl), robfig.SkipIfStillRunning(cl)),
	)
	id, err := c.AddFunc(spec, s.cronTick)
	if err != nil {
		return fmt.Errorf("add tick schedule %q: %w", spec, err)
	}
	c.Start()
	s.c, s.entryID, s.spec, s.loc = c, id, spec, loc
	s.log.Info("trigger started", logx.String("schedule", spec), logx.String("tz", loc.String()), logx.Time("next", c.Entry(id).Next))
	return nil
}

// Apply swaps the config. The cron runner is restarted when the schedule,
// timezone, or enabled flag changed.
func (s *Service) Apply(cfg Config) error {
	if cfg.Enabled {
		if err := Validate(cfg); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.base == nil {
		// Not started yet.
		return nil
	}
	changed := old.Enabled != cfg.Enabled ||
		strings.TrimSpace(old.Schedule) != strings.TrimSpace(cfg.Schedule) ||
		strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone)
	if !changed {
		return nil
	}
	if s.c != nil {
		// A tick in flight keeps running; tickMu still serializes it with the next one.
		s.c.Stop()
		s.c = nil
		s.entryID = 0
	}
	if !cfg.Enabled {
		s.log.Info("trigger disabled")
		return nil
	}
	s.log.Info("trigger restarting", logx.String("schedule", cfg.Schedule), logx.String("tz", cfg.Timezone))
	return s.startLocked()
}

// Stop halts ticking and waits, bounded by ctx, for a tick in flight. When ctx
// expires the tick is cancelled and given the drain grace to record its
// results; ErrTickInFlight means it is still running after that.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.cancel
	s.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		if c != nil {
			<-c.Stop().Done()
		}
		// Manual ticks hold tickMu as well.
		s.tickMu.Lock()
		s.tickMu.Unlock()
		close(idle)
	}()

	select {
	case <-idle:
	case <-ctx.Done():
		s.log.Warn("trigger stop timed out; cancelling tick in flight")
	}
	if cancel != nil {
		cancel()
	}
	t := time.NewTimer(s.drainGrace)
	defer t.Stop()
	select {
	case <-idle:
	case <-t.C:
		s.log.Error("tick still running after cancellation", logx.Duration("grace", s.drainGrace))
		return ErrTickInFlight
	}
	s.log.Info("trigger stopped", logx.Duration("took", time.Since(start)))
	return nil
}

func (s *Service) cronTick() {
	if !s.tickMu.TryLock() {
		s.skipped.Add(1)
		s.log.Debug("tick skipped; previous tick still running")
		s.publish(EventTickSkipped, TickInfo{Source: "cron", Started: time.Now()})
		return
	}
	defer s.tickMu.Unlock()

	s.mu.Lock()
	ctx := s.base
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	_, _ = s.runTick(ctx, "cron")
}

// Tick runs one tick synchronously, waiting for a tick in flight to finish
// first. Once the service is started, Stop cancels it too.
func (s *Service) Tick(ctx context.Context) (TickInfo, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.mu.Lock()
	base := s.base
	s.mu.Unlock()
	if base != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		defer context.AfterFunc(base, cancel)()
	}
	return s.runTick(ctx, "manual")
}

func (s *Service) runTick(ctx context.Context, source string) (TickInfo, error) {
	s.mu.Lock()
	timeout := s.cfg.TickTimeout
	s.mu.Unlock()

	info := TickInfo{ID: uuid.NewString(), Source: source, Started: time.Now()}
	log := s.log.With(logx.String("tick", info.ID), logx.String("source", source))
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if s.withID != nil {
		ctx = s.withID(ctx, info.ID)
	}

	log.Debug(EventTickStarted)
	s.publish(EventTickStarted, info)

	var err error
	if s.runner != nil {
		err = s.runner.RunAll(ctx)
	}
	info.Duration = time.Since(info.Started)
	if err != nil {
		info.Err = err.Error()
		log.Error("tick failed", logx.Duration("took", info.Duration), logx.Err(err))
	} else {
		log.Debug(EventTickFinished, logx.Duration("took", info.Duration))
	}
	s.ticks.Add(1)
	s.mu.Lock()
	s.last = info
	s.mu.Unlock()
	s.publish(EventTickFinished, info)
	return info, err
}

func (s *Service) publish(typ string, info TickInfo) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: info.Started, Data: info})
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" && s.loc != nil {
		tz = s.loc.String()
	}
	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Running:  s.c != nil,
		Schedule: s.spec,
		Timezone: tz,
		Last:     s.last,
		Ticks:    s.ticks.Load(),
		Skipped:  s.skipped.Load(),
	}
	if s.c != nil && s.entryID != 0 {
		e := s.c.Entry(s.entryID)
		snap.Next, snap.Prev = e.Next, e.Prev
	}
	return snap
}

// cronLogger adapts logx to robfig/cron's logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
