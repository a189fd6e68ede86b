package config

import (
	"reflect"
	"sort"
	"strings"

	logx "procbot/pkg/logx"
)

// SummarizeChange returns the changed sections and safe structured attrs
// for logging. Tokens are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		ot.LogChatID != nt.LogChatID ||
		(ot.Token != nt.Token) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if oldCfg.Processes != newCfg.Processes {
		changed = append(changed, "processes")
		attrs = append(attrs,
			logx.Int("processes.max_per_user", newCfg.Processes.MaxPerUser),
			logx.Int("processes.max_pid", newCfg.Processes.MaxPID),
			logx.String("processes.default_timeout", newCfg.Processes.DefaultTimeout),
		)
	}

	if !reflect.DeepEqual(oldCfg.Commands, newCfg.Commands) {
		changed = append(changed, "commands")
		attrs = append(attrs,
			logx.Strings("commands.disabled", newCfg.Commands.Disabled),
			logx.Int("commands.ratelimit_overrides", len(newCfg.Commands.Ratelimits)),
		)
	}

	if oldCfg.Reminders.IsEnabled() != newCfg.Reminders.IsEnabled() ||
		oldCfg.Reminders.MaxPerUser != newCfg.Reminders.MaxPerUser ||
		oldCfg.Reminders.NotifyTimeout != newCfg.Reminders.NotifyTimeout ||
		oldCfg.Reminders.Timezone != newCfg.Reminders.Timezone {
		changed = append(changed, "reminders")
		attrs = append(attrs,
			logx.Bool("reminders.enabled", newCfg.Reminders.IsEnabled()),
			logx.Int("reminders.max_per_user", newCfg.Reminders.MaxPerUser),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "reminders":
			out = append(out, s)
		}
	}
	return out
}
