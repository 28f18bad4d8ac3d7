package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cronservice/internal/admin"
	"cronservice/internal/app"
	logx "cronservice/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/urfave/cli"
)

const defaultConfig = "./config.yaml"

var (
	runForce bool

	runFlags = []cli.Flag{
		cli.BoolFlag{
			Name:        "force, f",
			Usage:       "run even if the task is not due",
			Destination: &runForce,
		},
	}
)

func newCLI() *cli.App {
	a := cli.NewApp()
	a.Name = "cronservice"
	a.HelpName = "cronservice"
	a.Usage = "run configured tasks on a periodic tick"
	a.UsageText = "cronservice [--config FILE] <command> [arguments...]"
	a.Version = version
	a.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Value:  defaultConfig,
			Usage:  "path to the JSON or YAML config file",
			EnvVar: "CRONSERVICE_CONFIG",
		},
	}
	a.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the trigger, admin bot and config watcher until signalled",
			Action: serve,
		},
		{
			Name:   "tick",
			Usage:  "evaluate every task once and exit",
			Action: tick,
		},
		{
			Name:      "run",
			Usage:     "evaluate a single task",
			ArgsUsage: "<id>",
			Flags:     runFlags,
			Action:    run,
		},
		{
			Name:    "list",
			Aliases: []string{"ls"},
			Usage:   "show registered tasks and when they run next",
			Action:  list,
		},
		{
			Name:      "force",
			Usage:     "run a task on the next tick regardless of its schedule",
			ArgsUsage: "<id>",
			Action:    force,
		},
		{
			Name:   "check",
			Usage:  "validate the config file",
			Action: check,
		},
	}
	return a
}

// oneShot opens the app without the bot or watcher, runs fn and releases it.
func oneShot(c *cli.Context, fn func(ctx context.Context, a *app.App) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	a, err := app.NewApp(c.GlobalString("config"), app.WithoutTelegram(), app.WithoutWatch())
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(ctx, a)
}

func requireID(c *cli.Context) (string, error) {
	id := strings.TrimSpace(c.Args().First())
	if id == "" {
		return "", cli.NewExitError("task id required", 2)
	}
	return id, nil
}

func serve(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(c.GlobalString("config"))
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}
	log := a.Logger()
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		log.Debug("notified systemd")
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var watchdog <-chan time.Time
	if iv, err := daemon.SdWatchdogEnabled(false); err == nil && iv > 0 {
		t := time.NewTicker(iv / 2)
		defer t.Stop()
		watchdog = t.C
	}

	reason := app.StopAppStop
loop:
	for {
		select {
		case <-ctx.Done():
			reason = app.StopSIGTERM
			break loop
		case <-a.Done():
			reason = app.StopFatalError
			break loop
		case <-hup:
			if err := a.Reload(ctx); err != nil {
				log.Warn("reload on SIGHUP failed; keeping previous config", logx.Err(err))
			}
		case <-watchdog:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	fatal := a.Err()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError && fatal != nil {
		return fatal
	}
	return nil
}

func tick(c *cli.Context) error {
	return oneShot(c, func(ctx context.Context, a *app.App) error {
		info, err := a.Trigger().Tick(ctx)
		fmt.Printf("tick %s finished in %s\n", info.ID, info.Duration.Round(time.Millisecond))
		return err
	})
}

func run(c *cli.Context) error {
	id, err := requireID(c)
	if err != nil {
		return err
	}
	return oneShot(c, func(ctx context.Context, a *app.App) error {
		if _, ok := a.Manager().Task(id); !ok {
			return cli.NewExitError(fmt.Sprintf("unknown task %q", id), 1)
		}
		ran, err := a.Manager().RunOne(ctx, id, runForce)
		if err != nil {
			return err
		}
		if ran {
			fmt.Printf("%s: executed\n", id)
		} else {
			fmt.Printf("%s: not due\n", id)
		}
		return nil
	})
}

func list(c *cli.Context) error {
	return oneShot(c, func(ctx context.Context, a *app.App) error {
		rows, err := a.Admin().List(ctx)
		if err != nil {
			return err
		}
		fmt.Println(admin.RenderText(rows))
		return nil
	})
}

func force(c *cli.Context) error {
	id, err := requireID(c)
	if err != nil {
		return err
	}
	return oneShot(c, func(ctx context.Context, a *app.App) error {
		if err := a.Admin().Force(ctx, id, cliActor()); err != nil {
			if errors.Is(err, admin.ErrRateLimited) {
				return cli.NewExitError(err.Error(), 1)
			}
			return err
		}
		fmt.Printf("%s will run on the next tick\n", id)
		return nil
	})
}

func check(c *cli.Context) error {
	return oneShot(c, func(_ context.Context, a *app.App) error {
		cfg := a.Config()
		fmt.Printf("config ok: %d task(s), trigger enabled=%t\n", len(cfg.Tasks), cfg.Trigger.Enabled)
		return nil
	})
}

func cliActor() string {
	if u := strings.TrimSpace(os.Getenv("USER")); u != "" {
		return "cli:" + u
	}
	return "cli"
}
