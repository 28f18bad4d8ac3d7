package tasks

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
)

type fakeBus struct {
	mu     sync.Mutex
	calls  []string
	result string
	err    error
	closed int
}

func (b *fakeBus) record(op, name string, ch chan<- string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, op+" "+name)
	if b.err != nil {
		return 0, b.err
	}
	ch <- b.result
	return 1, nil
}

func (b *fakeBus) StartUnitContext(_ context.Context, name, _ string, ch chan<- string) (int, error) {
	return b.record("start", name, ch)
}

func (b *fakeBus) RestartUnitContext(_ context.Context, name, _ string, ch chan<- string) (int, error) {
	return b.record("restart", name, ch)
}

func (b *fakeBus) Close() {
	b.mu.Lock()
	b.closed++
	b.mu.Unlock()
}

func buildUnit(t *testing.T, def Def, bus *fakeBus) *Command {
	t.Helper()
	def.Kind = "unit"
	task, err := Build(def, Deps{Fs: afero.NewMemMapFs(), dial: func(context.Context) (unitConn, error) { return bus, nil }})
	if err != nil {
		t.Fatal(err)
	}
	c, ok := task.(*Command)
	if !ok {
		t.Fatalf("unexpected type %T", task)
	}
	return c
}

func TestUnitTask(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		def     Def
		result  string
		busErr  error
		want    string
		wantErr string
	}{
		{name: "start default", def: Def{ID: "a", Unit: "backup"}, result: "done", want: "start backup.service"},
		{name: "restart timer", def: Def{ID: "a", Unit: "sync.timer", Action: "restart"}, result: "done", want: "restart sync.timer"},
		{name: "job failed", def: Def{ID: "a", Unit: "backup"}, result: "failed", want: "start backup.service", wantErr: "job failed"},
		{name: "bus error", def: Def{ID: "a", Unit: "backup"}, busErr: errors.New("access denied"), want: "start backup.service", wantErr: "access denied"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			bus := &fakeBus{result: tt.result, err: tt.busErr}
			err := buildUnit(t, tt.def, bus).Execute(context.Background())
			if tt.wantErr == "" && err != nil {
				t.Fatal(err)
			}
			if tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
			if len(bus.calls) != 1 || bus.calls[0] != tt.want {
				t.Fatalf("calls = %v, want [%s]", bus.calls, tt.want)
			}
			if bus.closed != 1 {
				t.Fatalf("connection closed %d times", bus.closed)
			}
		})
	}
}

func TestUnitTaskConsumesMarker(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/run/ready", nil, 0o644)
	bus := &fakeBus{result: "done"}
	task, err := Build(Def{ID: "a", Kind: "unit", Unit: "backup", RequireFile: "/run/ready", ConsumeFile: true},
		Deps{Fs: fs, dial: func(context.Context) (unitConn, error) { return bus, nil }})
	if err != nil {
		t.Fatal(err)
	}
	if err := task.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ok, _ := afero.Exists(fs, "/run/ready"); ok {
		t.Fatal("marker not consumed")
	}
}

func TestBuildUnitInvalid(t *testing.T) {
	t.Parallel()
	if _, err := Build(Def{ID: "a", Kind: "unit"}, Deps{}); err == nil || !strings.Contains(err.Error(), "unit required") {
		t.Fatalf("err = %v", err)
	}
	if _, err := Build(Def{ID: "a", Kind: "unit", Unit: "x", Action: "stop"}, Deps{}); err == nil || !strings.Contains(err.Error(), "unknown unit action") {
		t.Fatalf("err = %v", err)
	}
}
