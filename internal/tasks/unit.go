package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "cronservice/pkg/logx"

	"github.com/coreos/go-systemd/v22/dbus"
)

// unitConn is the part of *dbus.Conn a unit task needs.
type unitConn interface {
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	RestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	Close()
}

type unitDialer func(ctx context.Context) (unitConn, error)

func systemBus(ctx context.Context) (unitConn, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return conn, nil
}

func checkUnit(def Def) error {
	if strings.TrimSpace(def.Unit) == "" {
		return errors.New("unit required")
	}
	switch strings.ToLower(strings.TrimSpace(def.Action)) {
	case "", "start", "restart":
		return nil
	default:
		return fmt.Errorf("unknown unit action %q", def.Action)
	}
}

// unitName adds the .service suffix when the unit type is omitted.
func unitName(raw string) string {
	name := strings.TrimSpace(raw)
	if !strings.Contains(name, ".") {
		name += ".service"
	}
	return name
}

// runUnit queues a start (or restart) job and waits for systemd to report
// its result.
func (c *Command) runUnit(ctx context.Context) error {
	unit := unitName(c.def.Unit)
	action := strings.ToLower(strings.TrimSpace(c.def.Action))
	if action == "" {
		action = "start"
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	op := conn.StartUnitContext
	if action == "restart" {
		op = conn.RestartUnitContext
	}
	start := time.Now()
	done := make(chan string, 1)
	if _, err := op(ctx, unit, "replace", done); err != nil {
		return fmt.Errorf("failed to %s %s: %w", action, unit, err)
	}

	select {
	case res := <-done:
		if res != "done" {
			return fmt.Errorf("%s %s: job %s", action, unit, res)
		}
	case <-ctx.Done():
		return fmt.Errorf("%s %s: %w", action, unit, ctx.Err())
	}
	c.log.Debug("unit job done", logx.String("unit", unit), logx.String("action", action), logx.Duration("took", time.Since(start)))
	return nil
}
