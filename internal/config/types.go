package config

import (
	"strconv"
	"strings"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Processes ProcessesConfig `json:"processes"`
	Commands  CommandsConfig  `json:"commands"`
	Reminders RemindersConfig `json:"reminders"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// LogChatID receives forwarded log lines when logging.chat is enabled.
	LogChatID int64 `json:"log_chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	APIURL      string `json:"api_url,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
}

type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/procbot.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	CompactEvery int    `json:"compact_every,omitempty"`
}

// ProcessesConfig controls the process supervisor.
//
// Defaults: max_per_user 5, max_pid 999, evict_grace "1s", default_timeout "0s" (none).
type ProcessesConfig struct {
	MaxPerUser     int    `json:"max_per_user,omitempty"`
	MaxPID         int    `json:"max_pid,omitempty"`
	EvictGrace     string `json:"evict_grace,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
}

type CommandsConfig struct {
	// Disabled lists command names disabled everywhere.
	Disabled []string `json:"disabled,omitempty"`
	// DisabledIn maps a chat id (as a string key) to commands disabled there.
	DisabledIn map[string][]string `json:"disabled_in,omitempty"`
	// Ratelimits overrides per-command delays, e.g. {"remind": "30s"}.
	Ratelimits map[string]string `json:"ratelimits,omitempty"`
	// ReplyRatePerSec throttles outbound replies per chat. Default 1.
	ReplyRatePerSec float64 `json:"reply_rate_per_sec,omitempty"`
}

// IsDisabled reports whether name is disabled globally or in chatID.
func (c CommandsConfig) IsDisabled(name string, chatID int64) bool {
	for _, n := range c.Disabled {
		if strings.EqualFold(strings.TrimSpace(n), name) {
			return true
		}
	}
	for k, names := range c.DisabledIn {
		id, err := strconv.ParseInt(strings.TrimSpace(k), 10, 64)
		if err != nil || id != chatID {
			continue
		}
		for _, n := range names {
			if strings.EqualFold(strings.TrimSpace(n), name) {
				return true
			}
		}
	}
	return false
}

// RemindersConfig controls the reminder provider.
//
// Enabled is a pointer so an omitted section defaults to enabled.
type RemindersConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"`
	MaxPerUser    int    `json:"max_per_user,omitempty"`
	NotifyTimeout string `json:"notify_timeout,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
}

func (r RemindersConfig) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }
