package cron

import (
	"context"
	"errors"
	"sync"
	"time"

	"cronservice/internal/state"
)

// recorder collects execution order across tasks.
type recorder struct {
	mu  sync.Mutex
	ran []string
}

func (r *recorder) add(id string) {
	r.mu.Lock()
	r.ran = append(r.ran, id)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

type plainTask struct {
	name string
	rec  *recorder
	err  error
	fn   func(ctx context.Context) error
}

func (t *plainTask) Execute(ctx context.Context) error {
	if t.rec != nil {
		t.rec.add(t.name)
	}
	if t.fn != nil {
		return t.fn(ctx)
	}
	return t.err
}

type scheduledTask struct {
	plainTask
	next time.Time
}

func (t *scheduledTask) NextExecutionTime() time.Time { return t.next }

type vetoTask struct {
	plainTask
	allow bool
	calls int
}

func (t *vetoTask) ShouldRunNow() bool {
	t.calls++
	return t.allow
}

type bothTask struct {
	plainTask
	next  time.Time
	allow bool
}

func (t *bothTask) NextExecutionTime() time.Time { return t.next }
func (t *bothTask) ShouldRunNow() bool           { return t.allow }

// failingStore fails reads or writes on demand.
type failingStore struct {
	state.Store
	failGet bool
	failSet bool
}

var errStoreDown = errors.New("store down")

func (s *failingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.failGet {
		return nil, false, errStoreDown
	}
	return s.Store.Get(ctx, key)
}

func (s *failingStore) Set(ctx context.Context, key string, v []byte) error {
	if s.failSet {
		return errStoreDown
	}
	return s.Store.Set(ctx, key, v)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Unix(1_700_000_000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
