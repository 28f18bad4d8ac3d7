package admin

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"cronservice/internal/cron"
	"cronservice/internal/state"
	logx "cronservice/pkg/logx"
)

type scheduled struct{ next time.Time }

func (s scheduled) Execute(context.Context) error  { return nil }
func (s scheduled) NextExecutionTime() time.Time { return s.next }

type gated struct{}

func (gated) Execute(context.Context) error { return nil }
func (gated) ShouldRunNow() bool            { return false }

func TestStatements(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	format := func(t time.Time) string { return t.Format(time.RFC3339) }

	tests := []struct {
		name string
		ts   cron.TaskStatus
		want []string
	}{
		{name: "forced", ts: cron.TaskStatus{Forced: true}, want: []string{"Forced for the next Cron run"}},
		{name: "forced and scheduled", ts: cron.TaskStatus{Forced: true, ScheduledAt: at}, want: []string{"Forced for the next Cron run", "Was scheduled for 2024-06-01T12:00:00Z"}},
		{name: "scheduled", ts: cron.TaskStatus{ScheduledAt: at}, want: []string{"Scheduled for 2024-06-01T12:00:00Z"}},
		{name: "due", ts: cron.TaskStatus{}, want: []string{"Next Cron run"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Statements(tt.ts, format); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Statements = %q, want %q", got, tt.want)
			}
		})
	}
}

func newService(t *testing.T, cfg Config) (*Service, *cron.Manager) {
	t.Helper()
	m := cron.New(state.NewMemory())
	m.Register(scheduled{next: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}, "report")
	m.Register(gated{}, "import")
	cfg.Location = time.UTC
	return New(m, cfg, logx.Nop()), m
}

func TestListAndForce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, m := newService(t, Config{})
	if _, err := m.RunOne(ctx, "report", true); err != nil {
		t.Fatal(err)
	}
	if err := svc.Force(ctx, "import", "cli"); err != nil {
		t.Fatal(err)
	}

	rows, err := svc.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].ID != "report" || rows[1].ID != "import" {
		t.Fatalf("rows = %+v", rows)
	}
	if got := rows[0].Statements; len(got) != 1 || got[0] != "Scheduled for 2030-01-01 00:00:00 UTC" {
		t.Fatalf("report statements = %q", got)
	}
	if !rows[1].Forced || !rows[1].TimeControlled {
		t.Fatalf("import row = %+v", rows[1])
	}

	text := RenderText(rows)
	for _, want := range []string{"report (scheduled)", "import (time-controlled)", "  - Forced for the next Cron run"} {
		if !strings.Contains(text, want) {
			t.Fatalf("RenderText missing %q:\n%s", want, text)
		}
	}
}

func TestForceValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, m := newService(t, Config{})

	if err := svc.Force(ctx, "", "cli"); !errors.Is(err, cron.ErrEmptyID) {
		t.Fatalf("err = %v, want ErrEmptyID", err)
	}
	if err := svc.Force(ctx, "ghost", "cli"); !errors.Is(err, cron.ErrUnknownTask) {
		t.Fatalf("err = %v, want ErrUnknownTask", err)
	}
	if forced, _ := m.IsForced(ctx, "ghost"); forced {
		t.Fatal("unknown id must not be armed through the admin surface")
	}
}

func TestForceRateLimitPerActor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _ := newService(t, Config{ForceEvery: time.Hour, ForceBurst: 2})

	for i := 0; i < 2; i++ {
		if err := svc.Force(ctx, "report", "alice"); err != nil {
			t.Fatalf("force %d: %v", i, err)
		}
	}
	if err := svc.Force(ctx, "report", "alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if err := svc.Force(ctx, "report", "bob"); err != nil {
		t.Fatalf("other actor limited: %v", err)
	}
}

func TestRenderTextEmpty(t *testing.T) {
	t.Parallel()
	if got := RenderText(nil); got != "No tasks registered." {
		t.Fatalf("RenderText(nil) = %q", got)
	}
}
