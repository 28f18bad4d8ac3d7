package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cronservice/internal/admin"
	tgadmin "cronservice/internal/admin/telegram"
	"cronservice/internal/config"
	"cronservice/internal/cron"
	"cronservice/internal/eventbus"
	"cronservice/internal/runtime/supervisor"
	"cronservice/internal/state"
	"cronservice/internal/tasks"
	"cronservice/internal/trigger"
	logx "cronservice/pkg/logx"

	"github.com/spf13/afero"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor
	opts options

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store state.Store

	mgr   *cron.Manager
	trig  *trigger.Service
	admin *admin.Service
	bot   *tgadmin.Bot

	// syncMu serializes task registry updates from config reloads.
	syncMu sync.Mutex
}

type options struct {
	fs       afero.Fs
	telegram bool
	watch    bool
}

type Option func(*options)

// WithFs sets the filesystem used by file gates and the file state driver.
func WithFs(fs afero.Fs) Option {
	return func(o *options) {
		if fs != nil {
			o.fs = fs
		}
	}
}

// WithoutTelegram skips the bot even when admin.telegram is enabled.
// One-shot CLI commands use it to avoid touching the network.
func WithoutTelegram() Option {
	return func(o *options) { o.telegram = false }
}

// WithoutWatch disables the config file watcher; Reload still works.
func WithoutWatch() Option {
	return func(o *options) { o.watch = false }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	o := options{fs: afero.NewOsFs(), telegram: true, watch: true}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(func(ctx context.Context, cfg *config.Config) error {
		return validateConfig(ctx, cfg, o.fs)
	})
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogging(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	bus := eventbus.New()

	sc, err := mapState(cfg, o.fs)
	if err != nil {
		return nil, err
	}
	store, err := state.Open(sc, root.With(logx.String("comp", "state")))
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	log.Info("state opened", logx.String("driver", strings.TrimSpace(sc.Driver)))

	a := &App{
		cfgm:  cfgm,
		opts:  o,
		root:  root,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
	}
	fail := func(err error) (*App, error) {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	tt, err := taskTimeout(cfg)
	if err != nil {
		return fail(err)
	}
	a.mgr = cron.New(store,
		cron.WithLogger(root),
		cron.WithBus(bus),
		cron.WithTaskTimeout(tt),
		cron.WithKeyPrefix(cfg.State.KeyPrefix),
	)
	if err := a.syncTasks(cfg); err != nil {
		return fail(err)
	}

	tc, err := mapTrigger(cfg)
	if err != nil {
		return fail(err)
	}
	a.trig = trigger.New(tc, a.mgr, root.With(logx.String("comp", "trigger")), bus,
		trigger.WithTickContext(cron.WithTickID))

	ac, err := mapAdmin(cfg)
	if err != nil {
		return fail(err)
	}
	a.admin = admin.New(a.mgr, ac, root)

	if o.telegram && cfg.Admin.Telegram.Enabled {
		tgc, err := mapTelegram(cfg)
		if err != nil {
			return fail(err)
		}
		bot, err := tgadmin.New(tgc, a.admin, root)
		if err != nil {
			return fail(fmt.Errorf("telegram: %w", err))
		}
		a.bot = bot
		logSvc.SetSender(bot)
	}
	return a, nil
}

func (a *App) Manager() *cron.Manager             { return a.mgr }
func (a *App) Trigger() *trigger.Service          { return a.trig }
func (a *App) Admin() *admin.Service              { return a.admin }
func (a *App) Config() *config.Config             { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger                { return a.log }
func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// syncTasks makes the registry match cfg.Tasks. Nothing changes unless every
// task builds.
func (a *App) syncTasks(cfg *config.Config) error {
	loc, err := location(cfg)
	if err != nil {
		return err
	}
	deps := tasks.Deps{Fs: a.opts.fs, Location: loc, Log: a.root.With(logx.String("comp", "tasks"))}

	ids := make([]string, 0, len(cfg.Tasks))
	built := make([]cron.Task, 0, len(cfg.Tasks))
	for i, tc := range cfg.Tasks {
		def := mapTaskDef(tc)
		t, err := tasks.Build(def, deps)
		if err != nil {
			return fmt.Errorf("tasks[%d]: %w", i, err)
		}
		ids = append(ids, def.ID)
		built = append(built, t)
	}

	a.syncMu.Lock()
	defer a.syncMu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, id := range a.mgr.IDs() {
		if !want[id] && a.mgr.Unregister(id) {
			a.log.Info("task removed", logx.String("task", id))
		}
	}
	for i, t := range built {
		a.mgr.Register(t, ids[i])
	}
	a.log.Debug("tasks registered", logx.Int("count", len(ids)))
	return nil
}

// Reload re-reads the config file; subscribers apply it. ErrUnchanged is not an error here.
func (a *App) Reload(ctx context.Context) error {
	_, err := a.cfgm.Reload(ctx)
	if errors.Is(err, config.ErrUnchanged) {
		a.log.Info("config unchanged")
		return nil
	}
	return err
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if err := a.trig.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.bot != nil {
		a.bot.Start(a.sup.Context())
	}

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	if a.opts.watch {
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started", logx.Int("tasks", len(a.mgr.IDs())), logx.Bool("trigger", a.trig.Enabled()))
	return nil
}

// applyConfig applies the parts of a reloaded config that can change live.
// State and admin changes are logged and wait for a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, taskChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogging(newCfg))
		case "state", "admin":
			a.log.Warn(s+" config changed; restart required for changes to take effect", logx.String("section", s))
		case "tasks":
			if err := a.syncTasks(newCfg); err != nil {
				a.log.Warn("invalid tasks config; keeping previous", logx.Err(err))
			} else {
				a.log.Info("tasks updated", logx.Any("changed", taskChanged))
			}
		case "trigger":
			if d, err := taskTimeout(newCfg); err != nil {
				a.log.Warn("invalid trigger.task_timeout; keeping previous", logx.Err(err))
			} else {
				a.mgr.SetTaskTimeout(d)
			}
			// Task schedules are evaluated in the trigger timezone.
			if err := a.syncTasks(newCfg); err != nil {
				a.log.Warn("tasks rebuild failed; keeping previous", logx.Err(err))
			}
			tc, err := mapTrigger(newCfg)
			if err == nil {
				err = a.trig.Apply(tc)
			}
			if err != nil {
				a.log.Warn("invalid trigger config; keeping previous", logx.Err(err))
			}
		}
	}
	a.log.Info("config reloaded", fields...)
}

// Stop shuts every component down in reverse start order. Each step is
// bounded so one component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Not a bounded step: a tick that outlives trigCtx is cancelled and still
	// gets the drain grace to write its results before the store closes.
	trigCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	trigErr := a.trig.Stop(trigCtx)
	cancel()

	step("telegram", 2*time.Second, func(c context.Context) error {
		if a.bot != nil {
			return a.bot.Stop(c)
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Stop(c) })

	if errors.Is(trigErr, trigger.ErrTickInFlight) {
		a.log.Error("tick still running; leaving state store open")
		return trigErr
	}
	a.log.Info("stopped")
	return a.Close()
}

// Close releases the state store and log sinks. It is enough for one-shot
// commands that never called Start.
func (a *App) Close() error {
	err := a.store.Close()
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}
