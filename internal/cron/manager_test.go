package cron

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"cronservice/internal/eventbus"
	"cronservice/internal/state"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, state.Store, *clock) {
	t.Helper()
	st := state.NewMemory()
	c := newClock()
	m := New(st, append([]Option{WithClock(c.Now)}, opts...)...)
	return m, st, c
}

func TestForceWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st, c := newTestManager(t)

	tasks := map[string]Task{
		"veto":  &vetoTask{allow: false},
		"sched": &scheduledTask{},
		"both":  &bothTask{allow: false},
	}
	for id, task := range tasks {
		m.Register(task, id)
		// Schedule far in the future for everything.
		if err := state.SetInt64(ctx, st, m.key(id, "schedule"), c.Now().Add(time.Hour).Unix()); err != nil {
			t.Fatal(err)
		}
	}
	for id := range tasks {
		if ok, _ := m.ShouldRunNow(ctx, id); ok {
			t.Fatalf("%s due before force", id)
		}
		if err := m.ForceNextRun(ctx, id); err != nil {
			t.Fatal(err)
		}
		ok, err := m.ShouldRunNow(ctx, id)
		if err != nil || !ok {
			t.Fatalf("ShouldRunNow(%s) after force = %v, %v", id, ok, err)
		}
	}
}

func TestForcedTaskRunsDespiteVeto(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	rec := &recorder{}
	task := &vetoTask{plainTask: plainTask{name: "v", rec: rec}, allow: false}
	m.Register(task, "v")

	if err := m.ForceNextRun(ctx, "v"); err != nil {
		t.Fatal(err)
	}
	if err := m.RunAll(ctx); err != nil {
		t.Fatal(err)
	}
	if got := rec.list(); !reflect.DeepEqual(got, []string{"v"}) {
		t.Fatalf("ran %v, want [v]", got)
	}
	if task.calls != 0 {
		t.Fatalf("veto consulted %d times on the forced path", task.calls)
	}
}

func TestForceIsOneShot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, c := newTestManager(t)
	rec := &recorder{}
	m.Register(&scheduledTask{plainTask: plainTask{name: "s", rec: rec}, next: c.Now().Add(time.Hour)}, "s")

	_ = m.ForceNextRun(ctx, "s")
	ran, err := m.RunOne(ctx, "s", false)
	if err != nil || !ran {
		t.Fatalf("forced RunOne = %v, %v", ran, err)
	}
	if forced, _ := m.IsForced(ctx, "s"); forced {
		t.Fatal("force flag not cleared")
	}
	ran, err = m.RunOne(ctx, "s", false)
	if err != nil || ran {
		t.Fatalf("second RunOne = %v, %v; want skipped", ran, err)
	}
	if n := len(rec.list()); n != 1 {
		t.Fatalf("executed %d times, want 1", n)
	}
}

func TestRunOneForceArgumentClearsPersistedFlag(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	m.Register(&plainTask{}, "p")
	_ = m.ForceNextRun(ctx, "p")

	if ran, _ := m.RunOne(ctx, "p", true); !ran {
		t.Fatal("RunOne(force) did not execute")
	}
	if forced, _ := m.IsForced(ctx, "p"); forced {
		t.Fatal("force flag should be cleared by any execution")
	}
}

func TestScheduleGate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name    string
		offset  time.Duration
		persist bool
		want    bool
	}{
		{name: "never scheduled", persist: false, want: true},
		{name: "past", offset: -time.Minute, persist: true, want: true},
		{name: "exactly now", offset: 0, persist: true, want: true},
		{name: "future", offset: time.Minute, persist: true, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, st, c := newTestManager(t)
			rec := &recorder{}
			m.Register(&scheduledTask{plainTask: plainTask{name: "s", rec: rec}}, "s")
			if tt.persist {
				_ = state.SetInt64(ctx, st, m.key("s", "schedule"), c.Now().Add(tt.offset).Unix())
			}
			if err := m.RunAll(ctx); err != nil {
				t.Fatal(err)
			}
			if got := len(rec.list()) == 1; got != tt.want {
				t.Fatalf("executed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScheduleAdvancesAfterRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, c := newTestManager(t)
	rec := &recorder{}
	task := &scheduledTask{plainTask: plainTask{name: "s", rec: rec}, next: c.Now().Add(10 * time.Minute)}
	m.Register(task, "s")

	_ = m.RunAll(ctx)
	_ = m.RunAll(ctx)
	if n := len(rec.list()); n != 1 {
		t.Fatalf("ran %d times before schedule, want 1", n)
	}
	c.Add(10 * time.Minute)
	_ = m.RunAll(ctx)
	if n := len(rec.list()); n != 2 {
		t.Fatalf("ran %d times after schedule, want 2", n)
	}
}

func TestVetoGate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name   string
		task   func(rec *recorder, now time.Time) Task
		future bool
		want   bool
	}{
		{
			name: "veto false blocks",
			task: func(rec *recorder, _ time.Time) Task {
				return &vetoTask{plainTask: plainTask{name: "t", rec: rec}, allow: false}
			},
			want: false,
		},
		{
			name: "veto true runs",
			task: func(rec *recorder, _ time.Time) Task {
				return &vetoTask{plainTask: plainTask{name: "t", rec: rec}, allow: true}
			},
			want: true,
		},
		{
			name: "scheduled and veto false blocks",
			task: func(rec *recorder, _ time.Time) Task {
				return &bothTask{plainTask: plainTask{name: "t", rec: rec}, allow: false}
			},
			want: false,
		},
		{
			name: "veto true does not override unmet schedule",
			task: func(rec *recorder, _ time.Time) Task {
				return &bothTask{plainTask: plainTask{name: "t", rec: rec}, allow: true}
			},
			future: true,
			want:   false,
		},
		{
			name: "both satisfied runs",
			task: func(rec *recorder, _ time.Time) Task {
				return &bothTask{plainTask: plainTask{name: "t", rec: rec}, allow: true}
			},
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, st, c := newTestManager(t)
			rec := &recorder{}
			m.Register(tt.task(rec, c.Now()), "t")
			if tt.future {
				_ = state.SetInt64(ctx, st, m.key("t", "schedule"), c.Now().Add(time.Hour).Unix())
			}
			if err := m.RunAll(ctx); err != nil {
				t.Fatal(err)
			}
			if got := len(rec.list()) == 1; got != tt.want {
				t.Fatalf("executed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVetoNotConsultedWhenScheduleUnmet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st, c := newTestManager(t)
	task := &vetoTask{allow: true}
	m.Register(task, "v")
	// Not Scheduled: the persisted value is ignored and the veto decides.
	_ = state.SetInt64(ctx, st, m.key("v", "schedule"), c.Now().Add(time.Hour).Unix())

	ok, err := m.ShouldRunNow(ctx, "v")
	if err != nil || !ok {
		t.Fatalf("ShouldRunNow = %v, %v", ok, err)
	}
	if task.calls != 1 {
		t.Fatalf("veto calls = %d, want 1", task.calls)
	}
}

func TestUnknownIDSafety(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, EventTaskUnknown)
	defer unsub()
	m, _, _ := newTestManager(t, WithBus(bus))

	for _, force := range []bool{false, true} {
		ran, err := m.RunOne(ctx, "nonexistent", force)
		if ran || err != nil {
			t.Fatalf("RunOne(nonexistent, %v) = %v, %v", force, ran, err)
		}
	}
	if got := len(events); got != 2 {
		t.Fatalf("unknown events = %d, want 2", got)
	}
	if at, err := m.ScheduledRunTime(ctx, "nonexistent"); err != nil || !at.IsZero() {
		t.Fatalf("ScheduledRunTime(nonexistent) = %v, %v", at, err)
	}
}

func TestStateRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := state.NewMemory()
	next := time.Unix(1_800_000_000, 0)

	m1 := New(st)
	m1.Register(&scheduledTask{next: next}, "report")
	if ran, err := m1.RunOne(ctx, "report", false); err != nil || !ran {
		t.Fatalf("RunOne = %v, %v", ran, err)
	}

	m2 := New(st)
	m2.Register(&scheduledTask{}, "report")
	got, err := m2.ScheduledRunTime(ctx, "report")
	if err != nil || !got.Equal(next) {
		t.Fatalf("ScheduledRunTime = %v, %v; want %v", got, err, next)
	}

	raw, ok, _ := st.Get(ctx, "cron_service.cron.report.schedule")
	if !ok || string(raw) != "1800000000" {
		t.Fatalf("persisted key = %q ok:%v", raw, ok)
	}
}

func TestRegistrationOrderPreserved(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	rec := &recorder{}
	want := []string{"zeta", "alpha", "mid", "beta"}
	for _, id := range want {
		m.Register(&plainTask{name: id, rec: rec}, id)
	}
	for i := 0; i < 3; i++ {
		if err := m.RunAll(ctx); err != nil {
			t.Fatal(err)
		}
	}
	got := rec.list()
	for i := 0; i < 3; i++ {
		if !reflect.DeepEqual(got[i*4:(i+1)*4], want) {
			t.Fatalf("tick %d order = %v, want %v", i, got[i*4:(i+1)*4], want)
		}
	}
}

func TestIdempotentReplace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	rec := &recorder{}
	m.Register(&plainTask{name: "a", rec: rec}, "a")
	m.Register(&plainTask{name: "first", rec: rec}, "x")
	m.Register(&plainTask{name: "c", rec: rec}, "c")
	m.Register(&plainTask{name: "second", rec: rec}, "x")

	if err := m.RunAll(ctx); err != nil {
		t.Fatal(err)
	}
	if got, want := rec.list(), []string{"a", "second", "c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ran %v, want %v", got, want)
	}
	if got := m.IDs(); !reflect.DeepEqual(got, []string{"a", "x", "c"}) {
		t.Fatalf("IDs = %v", got)
	}
}

func TestFaultingTaskDoesNotStopTick(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus := eventbus.New()
	failed, unsub := bus.Subscribe(8, EventTaskFailed)
	defer unsub()
	m, _, c := newTestManager(t, WithBus(bus))
	rec := &recorder{}

	m.Register(&plainTask{name: "err", rec: rec, err: errors.New("boom")}, "err")
	m.Register(&plainTask{name: "panic", rec: rec, fn: func(context.Context) error { panic("kaboom") }}, "panic")
	sched := &scheduledTask{plainTask: plainTask{name: "sched", rec: rec, err: errors.New("nope")}, next: c.Now().Add(time.Hour)}
	m.Register(sched, "sched")
	m.Register(&plainTask{name: "ok", rec: rec}, "ok")
	_ = m.ForceNextRun(ctx, "sched")

	if err := m.RunAll(ctx); err != nil {
		t.Fatal(err)
	}
	if got, want := rec.list(), []string{"err", "panic", "sched", "ok"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ran %v, want %v", got, want)
	}
	if got := len(failed); got != 3 {
		t.Fatalf("failed events = %d, want 3", got)
	}
	// Faulting runs still clear the flag and advance the schedule.
	if forced, _ := m.IsForced(ctx, "sched"); forced {
		t.Fatal("force flag left set after a faulting run")
	}
	if at, _ := m.ScheduledRunTime(ctx, "sched"); !at.Equal(c.Now().Add(time.Hour)) {
		t.Fatalf("schedule = %v, want %v", at, c.Now().Add(time.Hour))
	}
}

func TestPanicSurfacesAsPanicError(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)
	err := m.invoke(context.Background(), "p", TaskFunc(func(context.Context) error { panic(42) }), m.log)
	var pe *PanicError
	if !errors.As(err, &pe) || pe.Value != 42 {
		t.Fatalf("err = %v, want PanicError(42)", err)
	}
}

func TestTaskTimeoutAbandons(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, _ := newTestManager(t, WithTaskTimeout(20*time.Millisecond))
	release := make(chan struct{})
	defer close(release)
	rec := &recorder{}

	// Ignores its context entirely.
	m.Register(&plainTask{name: "stuck", rec: rec, fn: func(context.Context) error {
		<-release
		return nil
	}}, "stuck")
	m.Register(&plainTask{name: "next", rec: rec}, "next")

	done := make(chan error, 1)
	go func() { done <- m.RunAll(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunAll blocked on a stuck task")
	}
	if got := rec.list(); !reflect.DeepEqual(got, []string{"stuck", "next"}) {
		t.Fatalf("ran %v", got)
	}

	err := m.invoke(ctx, "x", TaskFunc(func(context.Context) error { <-release; return nil }), m.log)
	if !errors.Is(err, ErrAbandoned) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want ErrAbandoned wrapping DeadlineExceeded", err)
	}
}

func TestCancelledTickStillClearsForce(t *testing.T) {
	t.Parallel()
	m, st, c := newTestManager(t)
	rec := &recorder{}
	next := c.Now().Add(time.Hour)
	m.Register(&scheduledTask{
		plainTask: plainTask{name: "hang", rec: rec, fn: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
		next: next,
	}, "hang")
	if err := m.ForceNextRun(context.Background(), "hang"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		err := m.RunAll(ctx)
		cancel()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("tick %d: RunAll err = %v", i, err)
		}
	}

	ctx := context.Background()
	if n := len(rec.list()); n != 1 {
		t.Fatalf("ran %d times, want 1", n)
	}
	if forced, err := m.IsForced(ctx, "hang"); err != nil || forced {
		t.Fatalf("IsForced = %v, %v; want false", forced, err)
	}
	sec, err := state.Int64(ctx, st, m.key("hang", "schedule"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if sec != next.Unix() {
		t.Fatalf("schedule = %d, want %d", sec, next.Unix())
	}
}

func TestStoreErrorsPropagate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("read", func(t *testing.T) {
		t.Parallel()
		st := &failingStore{Store: state.NewMemory(), failGet: true}
		m := New(st)
		rec := &recorder{}
		m.Register(&plainTask{name: "a", rec: rec}, "a")
		if err := m.RunAll(ctx); !errors.Is(err, errStoreDown) {
			t.Fatalf("RunAll err = %v, want store error", err)
		}
		if len(rec.list()) != 0 {
			t.Fatal("task executed although state could not be read")
		}
	})

	t.Run("write aborts tick", func(t *testing.T) {
		t.Parallel()
		st := &failingStore{Store: state.NewMemory(), failSet: true}
		m := New(st)
		rec := &recorder{}
		m.Register(&plainTask{name: "a", rec: rec}, "a")
		m.Register(&plainTask{name: "b", rec: rec}, "b")
		if err := m.RunAll(ctx); !errors.Is(err, errStoreDown) {
			t.Fatalf("RunAll err = %v, want store error", err)
		}
		if got := rec.list(); !reflect.DeepEqual(got, []string{"a"}) {
			t.Fatalf("ran %v, want only [a]", got)
		}
		if err := m.ForceNextRun(ctx, "a"); !errors.Is(err, errStoreDown) {
			t.Fatalf("ForceNextRun err = %v", err)
		}
	})
}

func TestForceNextRunValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	if err := m.ForceNextRun(ctx, "  "); !errors.Is(err, ErrEmptyID) {
		t.Fatalf("err = %v, want ErrEmptyID", err)
	}
	// Pre-arming an id that is registered later.
	if err := m.ForceNextRun(ctx, "later"); err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	m.Register(&vetoTask{plainTask: plainTask{name: "later", rec: rec}}, "later")
	if err := m.RunAll(ctx); err != nil {
		t.Fatal(err)
	}
	if len(rec.list()) != 1 {
		t.Fatal("pre-armed task did not run")
	}
}

func TestKeyPrefixAndTickID(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, EventTaskStarted)
	defer unsub()
	st := state.NewMemory()
	m := New(st, WithKeyPrefix(" myapp.jobs. "), WithBus(bus))
	m.Register(&plainTask{}, "a")

	ctx := WithTickID(context.Background(), "tick-1")
	_ = m.ForceNextRun(ctx, "a")
	if _, ok, _ := st.Get(ctx, "myapp.jobs.a.forced"); !ok {
		t.Fatal("custom prefix not used")
	}
	_, _ = m.RunOne(ctx, "a", false)
	ev := (<-events).Data.(TaskEvent)
	if ev.TickID != "tick-1" || !ev.Forced {
		t.Fatalf("event = %+v", ev)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, c := newTestManager(t)
	next := c.Now().Add(time.Hour)
	veto := &vetoTask{}
	m.Register(&scheduledTask{next: next}, "s")
	m.Register(veto, "v")
	m.Register(&bothTask{}, "b")
	_, _ = m.RunOne(ctx, "s", true)
	_ = m.ForceNextRun(ctx, "v")

	got, err := m.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []TaskStatus{
		{ID: "s", ScheduledAt: time.Unix(next.Unix(), 0), Scheduled: true},
		{ID: "v", Forced: true, TimeControlled: true},
		{ID: "b", Scheduled: true, TimeControlled: true},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Status = %+v\nwant %+v", got, want)
	}
	if veto.calls != 0 {
		t.Fatal("Status must not call the veto")
	}
}

func TestUnregister(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)
	m.Register(&plainTask{}, "a")
	m.Register(&plainTask{}, "b")
	m.Register(&plainTask{}, "c")
	if !m.Unregister("b") || m.Unregister("b") {
		t.Fatal("Unregister should succeed once")
	}
	if got := m.IDs(); !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Fatalf("IDs = %v", got)
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	tests := []struct {
		task Task
		want Caps
	}{
		{&plainTask{}, Caps{}},
		{&scheduledTask{}, Caps{Scheduled: true}},
		{&vetoTask{}, Caps{TimeControlling: true}},
		{&bothTask{}, Caps{Scheduled: true, TimeControlling: true}},
		{TaskFunc(func(context.Context) error { return nil }), Caps{}},
	}
	for _, tt := range tests {
		if got := Capabilities(tt.task); got != tt.want {
			t.Errorf("Capabilities(%T) = %+v, want %+v", tt.task, got, tt.want)
		}
	}
}
