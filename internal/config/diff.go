package config

import (
	"reflect"
	"sort"
	"strings"

	logx "cronservice/pkg/logx"
)

// SummarizeConfigChange returns (1) the sorted list of changed sections,
// (2) safe structured attrs for logging (never the bot token), and
// (3) the sorted ids of tasks that were added, removed or modified.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Trigger, newCfg.Trigger) {
		changed = append(changed, "trigger")
		attrs = append(attrs,
			logx.Bool("trigger.enabled", newCfg.Trigger.Enabled),
			logx.String("trigger.schedule", strings.TrimSpace(newCfg.Trigger.Schedule)),
			logx.String("trigger.timezone", strings.TrimSpace(newCfg.Trigger.Timezone)),
			logx.String("trigger.task_timeout", strings.TrimSpace(newCfg.Trigger.TaskTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.State, newCfg.State) {
		changed = append(changed, "state")
		attrs = append(attrs,
			logx.String("state.driver", strings.TrimSpace(newCfg.State.Driver)),
			logx.Bool("state.path_set", strings.TrimSpace(newCfg.State.Path) != ""),
			logx.String("state.key_prefix", strings.TrimSpace(newCfg.State.KeyPrefix)),
		)
	}

	taskChanged := diffTasks(oldCfg.Tasks, newCfg.Tasks)
	if len(taskChanged) > 0 || !sameOrder(oldCfg.Tasks, newCfg.Tasks) {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.count", len(newCfg.Tasks)),
			logx.Int("tasks.changed_count", len(taskChanged)),
		)
	}

	oA, nA := oldCfg.Admin, newCfg.Admin
	oTok, nTok := strings.TrimSpace(oA.Telegram.Token), strings.TrimSpace(nA.Telegram.Token)
	oA.Telegram.Token, nA.Telegram.Token = "", ""
	if oTok != nTok || !reflect.DeepEqual(oA, nA) {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.String("admin.force_every", strings.TrimSpace(nA.ForceEvery)),
			logx.Bool("admin.telegram.enabled", nA.Telegram.Enabled),
			logx.Bool("admin.telegram.token_changed", oTok != nTok),
			logx.Int("admin.telegram.owner_count", len(nA.Telegram.OwnerUserIDs)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, taskChanged
}

func diffTasks(oldT, newT []TaskConfig) []string {
	oldM := make(map[string]TaskConfig, len(oldT))
	for _, t := range oldT {
		oldM[strings.TrimSpace(t.ID)] = t
	}
	newM := make(map[string]TaskConfig, len(newT))
	for _, t := range newT {
		newM[strings.TrimSpace(t.ID)] = t
	}

	var out []string
	for id, n := range newM {
		if o, ok := oldM[id]; !ok || !reflect.DeepEqual(o, n) {
			out = append(out, id)
		}
	}
	for id := range oldM {
		if _, ok := newM[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func sameOrder(a, b []TaskConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if strings.TrimSpace(a[i].ID) != strings.TrimSpace(b[i].ID) {
			return false
		}
	}
	return true
}
