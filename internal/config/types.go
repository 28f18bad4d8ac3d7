package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Trigger TriggerConfig `json:"trigger"`
	State   StateConfig   `json:"state"`
	Tasks   []TaskConfig  `json:"tasks"`
	Admin   AdminConfig   `json:"admin"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards log lines to admin.telegram (requires it to be enabled).
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TriggerConfig controls the periodic tick.
//
// Defaults:
//   - schedule: "@every 1m"
//   - timezone: Local
//   - tick_timeout: "0s" (disabled)
//   - task_timeout: "0s" (disabled)
type TriggerConfig struct {
	Enabled     bool   `json:"enabled"`
	Schedule    string `json:"schedule,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	TickTimeout string `json:"tick_timeout,omitempty"`
	TaskTimeout string `json:"task_timeout,omitempty"`
}

// StateConfig controls where schedule/force state is persisted.
//
// Example:
//
//	"state": { "driver": "sqlite", "path": "/var/lib/cronservice/state.db" }
type StateConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	CompactEvery int    `json:"compact_every,omitempty"`
	CacheTTL     string `json:"cache_ttl,omitempty"`
	KeyPrefix    string `json:"key_prefix,omitempty"`
}

// TaskConfig is one task. Kind "command" (default) runs Command; kind "unit"
// starts (or restarts, with action: restart) a systemd unit.
type TaskConfig struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind,omitempty"`
	Command     string   `json:"command"`
	Args        []string `json:"args,omitempty"`
	Dir         string   `json:"dir,omitempty"`
	Env         []string `json:"env,omitempty"`
	Unit        string   `json:"unit,omitempty"`
	Action      string   `json:"action,omitempty"`
	Schedule    string   `json:"schedule,omitempty"`
	RequireFile string   `json:"require_file,omitempty"`
	ConsumeFile bool     `json:"consume_file,omitempty"`
}

type AdminConfig struct {
	// ForceEvery is the sustained interval between force requests per actor ("0s" disables limiting).
	ForceEvery string         `json:"force_every,omitempty"`
	ForceBurst int            `json:"force_burst,omitempty"`
	TimeFormat string         `json:"time_format,omitempty"`
	Telegram   TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	LogChatID    int64   `json:"log_chat_id,omitempty"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
}
