package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks structure only; schedules and task definitions are checked
// by the packages that consume them.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	for path, raw := range map[string]string{
		"trigger.tick_timeout":        c.Trigger.TickTimeout,
		"trigger.task_timeout":        c.Trigger.TaskTimeout,
		"state.busy_timeout":          c.State.BusyTimeout,
		"state.cache_ttl":             c.State.CacheTTL,
		"admin.force_every":           c.Admin.ForceEvery,
		"admin.telegram.poll_timeout": c.Admin.Telegram.PollTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(c.State.Driver)) {
	case "", "none", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.State.Path) == "" {
			add(fmt.Errorf("state.path is required for driver %q", c.State.Driver))
		}
	default:
		add(fmt.Errorf("state.driver: unknown driver %q", c.State.Driver))
	}
	if c.State.CompactEvery < 0 {
		add(errors.New("state.compact_every must be >= 0"))
	}

	seen := map[string]bool{}
	for i, t := range c.Tasks {
		id := strings.TrimSpace(t.ID)
		switch {
		case id == "":
			add(fmt.Errorf("tasks[%d].id is required", i))
		case seen[id]:
			add(fmt.Errorf("tasks[%d].id %q is duplicated", i, id))
		}
		seen[id] = true
	}

	tg := c.Admin.Telegram
	if tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" {
			add(errors.New("admin.telegram.token is required when enabled"))
		}
		if len(tg.OwnerUserIDs) == 0 {
			add(errors.New("admin.telegram.owner_user_ids is required when enabled"))
		}
	}
	if c.Logging.Telegram.Enabled && !tg.Enabled {
		add(errors.New("logging.telegram requires admin.telegram.enabled"))
	}
	if c.Admin.ForceBurst < 0 {
		add(errors.New("admin.force_burst must be >= 0"))
	}
	return errors.Join(errs...)
}
