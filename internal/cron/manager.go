package cron

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cronservice/internal/eventbus"
	"cronservice/internal/state"
	logx "cronservice/pkg/logx"
)

// Manager owns the task registry and the run decision.
//
// The registry is safe for concurrent use; evaluation of a single id is not
// (see package doc).
type Manager struct {
	store   state.Store
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time
	timeout atomic.Int64 // time.Duration
	prefix  string

	mu    sync.RWMutex
	order []string
	tasks map[string]Task
}

func New(store state.Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		log:    logx.Nop(),
		now:    time.Now,
		prefix: DefaultKeyPrefix,
		tasks:  map[string]Task{},
	}
	for _, o := range opts {
		if o != nil {
			o(m)
		}
	}
	m.log = m.log.With(logx.String("comp", "cron"))
	return m
}

// SetTaskTimeout changes the Execute bound for later runs. Zero disables it.
func (m *Manager) SetTaskTimeout(d time.Duration) {
	if d >= 0 {
		m.timeout.Store(int64(d))
	}
}

func (m *Manager) taskTimeout() time.Duration { return time.Duration(m.timeout.Load()) }

// Register adds t under id. Registering an existing id replaces its handler
// and keeps its position in the run order.
func (m *Manager) Register(t Task, id string) {
	id = strings.TrimSpace(id)
	if id == "" || t == nil {
		m.log.Warn("task.register ignored", logx.String("task", id), logx.Bool("nil_task", t == nil))
		return
	}
	m.mu.Lock()
	_, exists := m.tasks[id]
	m.tasks[id] = t
	if !exists {
		m.order = append(m.order, id)
	}
	m.mu.Unlock()

	if exists {
		m.log.Debug("task replaced", logx.String("task", id))
	}
}

// Unregister removes id from the registry. Persisted state is left untouched.
func (m *Manager) Unregister(id string) bool {
	id = strings.TrimSpace(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return false
	}
	delete(m.tasks, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true
}

// IDs returns the registered ids in registration order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

func (m *Manager) Task(id string) (Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[strings.TrimSpace(id)]
	return t, ok
}

func (m *Manager) key(id, name string) string {
	return m.prefix + "." + id + "." + name
}

func (m *Manager) IsForced(ctx context.Context, id string) (bool, error) {
	return state.Bool(ctx, m.store, m.key(strings.TrimSpace(id), "forced"), false)
}

// ScheduledRunTime returns the persisted next run of a Scheduled task.
// Unknown tasks, tasks without the capability, and tasks never run report the
// zero time, which is always eligible.
func (m *Manager) ScheduledRunTime(ctx context.Context, id string) (time.Time, error) {
	id = strings.TrimSpace(id)
	t, ok := m.Task(id)
	if !ok {
		return time.Time{}, nil
	}
	if _, ok := t.(Scheduled); !ok {
		return time.Time{}, nil
	}
	sec, err := state.Int64(ctx, m.store, m.key(id, "schedule"), 0)
	if err != nil || sec == 0 {
		return time.Time{}, err
	}
	return time.Unix(sec, 0), nil
}

// ShouldRunNow reports whether id is due. A force flag wins over everything;
// otherwise the persisted schedule must have passed and a TimeControlling
// task must not veto.
func (m *Manager) ShouldRunNow(ctx context.Context, id string) (bool, error) {
	d, err := m.decide(ctx, strings.TrimSpace(id))
	return d.run, err
}

type decision struct {
	run    bool
	forced bool
	reason string
	at     time.Time
}

func (m *Manager) decide(ctx context.Context, id string) (decision, error) {
	forced, err := m.IsForced(ctx, id)
	if err != nil {
		return decision{}, err
	}
	if forced {
		return decision{run: true, forced: true}, nil
	}
	at, err := m.ScheduledRunTime(ctx, id)
	if err != nil {
		return decision{}, err
	}
	if !at.IsZero() && at.After(m.now()) {
		return decision{reason: "scheduled", at: at}, nil
	}
	t, ok := m.Task(id)
	if ok {
		if tc, ok := t.(TimeControlling); ok && !m.veto(id, tc) {
			return decision{reason: "vetoed", at: at}, nil
		}
	}
	return decision{run: true, at: at}, nil
}

// veto calls ShouldRunNow; a panicking precondition counts as "not now".
func (m *Manager) veto(id string, tc TimeControlling) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("task.veto panic", logx.String("task", id), logx.Any("panic", r))
			ok = false
		}
	}()
	return tc.ShouldRunNow()
}

// RunOne executes id when force is set or the task is due.
//
// It reports whether the task was executed. A failing task still counts as
// executed: its schedule is advanced and its force flag cleared. Only store
// errors are returned.
func (m *Manager) RunOne(ctx context.Context, id string, force bool) (bool, error) {
	id = strings.TrimSpace(id)
	log := m.log.With(logx.String("task", id))
	if tick := TickID(ctx); tick != "" {
		log = log.With(logx.String("tick", tick))
	}

	t, ok := m.Task(id)
	if !ok {
		log.Warn(EventTaskUnknown)
		m.publish(ctx, EventTaskUnknown, TaskEvent{ID: id})
		return false, nil
	}

	d := decision{run: true, forced: force}
	if !force {
		var err error
		if d, err = m.decide(ctx, id); err != nil {
			return false, err
		}
	}
	if !d.run {
		log.Debug(EventTaskSkipped, logx.String("reason", d.reason), logx.Time("until", d.at))
		m.publish(ctx, EventTaskSkipped, TaskEvent{ID: id, Reason: d.reason, NextRun: d.at})
		return false, nil
	}

	start := m.now()
	log.Info(EventTaskStarted, logx.Bool("forced", d.forced))
	m.publish(ctx, EventTaskStarted, TaskEvent{ID: id, Forced: d.forced, Started: start})

	runErr := m.invoke(ctx, id, t, log)
	took := m.now().Sub(start)

	// The run is over even if ctx was cancelled during it; the bookkeeping
	// must still land or a forced task would repeat on every tick.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stateWriteTimeout)
	defer cancel()

	var next time.Time
	if st, ok := t.(Scheduled); ok {
		var err error
		if next, err = m.persistSchedule(wctx, id, st, log); err != nil {
			return true, err
		}
	}
	if err := state.SetBool(wctx, m.store, m.key(id, "forced"), false); err != nil {
		return true, err
	}

	ev := TaskEvent{ID: id, Forced: d.forced, NextRun: next, Started: start, Duration: took}
	if runErr != nil {
		ev.Err = runErr.Error()
		log.Warn(EventTaskFailed, logx.Duration("took", took), logx.Err(runErr))
		m.publish(ctx, EventTaskFailed, ev)
		return true, nil
	}
	log.Debug(EventTaskFinished, logx.Duration("took", took), logx.Time("next_run", next))
	m.publish(ctx, EventTaskFinished, ev)
	return true, nil
}

func (m *Manager) persistSchedule(ctx context.Context, id string, st Scheduled, log logx.Logger) (next time.Time, err error) {
	panicked := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("task.next_execution panic; schedule unchanged", logx.Any("panic", r))
				panicked = true
			}
		}()
		next = st.NextExecutionTime()
	}()
	if panicked {
		return time.Time{}, nil
	}
	var sec int64
	if !next.IsZero() {
		sec = next.Unix()
	}
	return next, state.SetInt64(ctx, m.store, m.key(id, "schedule"), sec)
}

// RunAll evaluates every registered task once, in registration order.
// Task failures never stop the loop; a store error or a cancelled ctx does.
func (m *Manager) RunAll(ctx context.Context) error {
	for _, id := range m.IDs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := m.RunOne(ctx, id, false); err != nil {
			return err
		}
	}
	return nil
}

// ForceNextRun marks id to run on its next evaluation. The id does not need
// to be registered yet.
func (m *Manager) ForceNextRun(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrEmptyID
	}
	if err := state.SetBool(ctx, m.store, m.key(id, "forced"), true); err != nil {
		return err
	}
	_, registered := m.Task(id)
	m.log.Info(EventTaskForced, logx.String("task", id), logx.Bool("registered", registered))
	m.publish(ctx, EventTaskForced, TaskEvent{ID: id, Forced: true})
	return nil
}

func (m *Manager) publish(ctx context.Context, typ string, ev TaskEvent) {
	if m.bus == nil {
		return
	}
	ev.TickID = TickID(ctx)
	m.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
