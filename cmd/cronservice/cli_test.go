package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/urfave/cli"
)

func TestCLIRunForceAndList(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.yaml")
	marker := filepath.Join(dir, "ran")
	yaml := "state:\n  driver: file\n  path: " + filepath.Join(dir, "state") + "\n" +
		"tasks:\n  - id: hourly\n    command: sh\n    args: [\"-c\", \"touch " + marker + "\"]\n    schedule: interval:1h\n"
	if err := os.WriteFile(cfg, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	steps := [][]string{
		{"cronservice", "-c", cfg, "check"},
		{"cronservice", "-c", cfg, "run", "hourly"},
		{"cronservice", "-c", cfg, "list"},
		{"cronservice", "-c", cfg, "force", "hourly"},
		{"cronservice", "-c", cfg, "tick"},
	}
	for _, args := range steps {
		app := newCLI()
		app.ExitErrHandler = func(*cli.Context, error) {}
		if err := app.Run(args); err != nil {
			t.Fatalf("%v: %v", args[3:], err)
		}
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("task never ran: %v", err)
	}
}

func TestCLIRequiresID(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(cfg, []byte(`{}`), 0o600); err != nil {
		t.Fatal(err)
	}
	app := newCLI()
	app.ExitErrHandler = func(*cli.Context, error) {}
	if err := app.Run([]string{"cronservice", "-c", cfg, "force"}); err == nil {
		t.Fatal("expected error without an id")
	}
}
