package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cronservice/internal/admin"
	tgadmin "cronservice/internal/admin/telegram"
	"cronservice/internal/config"
	"cronservice/internal/schedule"
	"cronservice/internal/state"
	"cronservice/internal/tasks"
	"cronservice/internal/trigger"
	logx "cronservice/pkg/logx"

	"github.com/spf13/afero"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Remote: logx.RemoteConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapState(cfg *config.Config, fs afero.Fs) (state.Config, error) {
	busy, err := config.ParseDurationField("state.busy_timeout", cfg.State.BusyTimeout)
	if err != nil {
		return state.Config{}, err
	}
	ttl, err := config.ParseDurationField("state.cache_ttl", cfg.State.CacheTTL)
	if err != nil {
		return state.Config{}, err
	}
	return state.Config{
		Driver:       cfg.State.Driver,
		Path:         cfg.State.Path,
		BusyTimeout:  busy,
		CompactEvery: cfg.State.CompactEvery,
		CacheTTL:     ttl,
		Fs:           fs,
	}, nil
}

func mapTrigger(cfg *config.Config) (trigger.Config, error) {
	tick, err := config.ParseDurationField("trigger.tick_timeout", cfg.Trigger.TickTimeout)
	if err != nil {
		return trigger.Config{}, err
	}
	return trigger.Config{
		Enabled:     cfg.Trigger.Enabled,
		Schedule:    cfg.Trigger.Schedule,
		Timezone:    cfg.Trigger.Timezone,
		TickTimeout: tick,
	}, nil
}

func taskTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationField("trigger.task_timeout", cfg.Trigger.TaskTimeout)
}

// location is the zone used for task schedules and admin timestamps.
func location(cfg *config.Config) (*time.Location, error) {
	loc, err := schedule.LoadLocation(cfg.Trigger.Timezone)
	if err != nil {
		return nil, fmt.Errorf("trigger.timezone: invalid %q: %w", cfg.Trigger.Timezone, err)
	}
	return loc, nil
}

func mapAdmin(cfg *config.Config) (admin.Config, error) {
	every, err := config.ParseDurationField("admin.force_every", cfg.Admin.ForceEvery)
	if err != nil {
		return admin.Config{}, err
	}
	loc, err := location(cfg)
	if err != nil {
		return admin.Config{}, err
	}
	return admin.Config{
		ForceEvery: every,
		ForceBurst: cfg.Admin.ForceBurst,
		Location:   loc,
		TimeFormat: strings.TrimSpace(cfg.Admin.TimeFormat),
	}, nil
}

func mapTelegram(cfg *config.Config) (tgadmin.Config, error) {
	tg := cfg.Admin.Telegram
	poll, err := config.ParseDurationOrDefault("admin.telegram.poll_timeout", tg.PollTimeout, 10*time.Second)
	if err != nil {
		return tgadmin.Config{}, err
	}
	return tgadmin.Config{
		Token:       strings.TrimSpace(tg.Token),
		OwnerIDs:    append([]int64(nil), tg.OwnerUserIDs...),
		LogChatID:   tg.LogChatID,
		PollTimeout: poll,
	}, nil
}

func mapTaskDef(tc config.TaskConfig) tasks.Def {
	return tasks.Def{
		ID:          strings.TrimSpace(tc.ID),
		Kind:        tc.Kind,
		Command:     tc.Command,
		Args:        tc.Args,
		Dir:         tc.Dir,
		Env:         tc.Env,
		Unit:        tc.Unit,
		Action:      tc.Action,
		Schedule:    tc.Schedule,
		RequireFile: tc.RequireFile,
		ConsumeFile: tc.ConsumeFile,
	}
}

// validateConfig rejects configs that decode cleanly but cannot be applied.
// It runs on load and before every hot reload is committed.
func validateConfig(ctx context.Context, cfg *config.Config, fs afero.Fs) error {
	var errs []error
	if tc, err := mapTrigger(cfg); err != nil {
		errs = append(errs, err)
	} else if err := trigger.Validate(tc); err != nil {
		errs = append(errs, fmt.Errorf("trigger: %w", err))
	}
	if _, err := mapState(cfg, fs); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapAdmin(cfg); err != nil {
		errs = append(errs, err)
	}
	loc, err := location(cfg)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	deps := tasks.Deps{Fs: fs, Location: loc}
	for i, tc := range cfg.Tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := tasks.Build(mapTaskDef(tc), deps); err != nil {
			errs = append(errs, fmt.Errorf("tasks[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
