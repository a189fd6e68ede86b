package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	logx "procbot/pkg/logx"
)

// Validate checks field values without touching the filesystem or network.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token is required"))
	}
	_, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	add(err)

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if lvl := strings.TrimSpace(cfg.Logging.Chat.MinLevel); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.chat.min_level: unknown level %q", lvl))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when file logging is enabled"))
	}
	if cfg.Logging.Chat.Enabled && cfg.Telegram.LogChatID == 0 {
		add(errors.New("telegram.log_chat_id is required when logging.chat is enabled"))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "none", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(fmt.Errorf("storage.path is required for driver %q", d))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", d))
	}
	_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)
	if cfg.Storage.CompactEvery < 0 {
		add(errors.New("storage.compact_every must be >= 0"))
	}

	if cfg.Processes.MaxPerUser < 0 {
		add(errors.New("processes.max_per_user must be >= 0"))
	}
	if cfg.Processes.MaxPID < 0 {
		add(errors.New("processes.max_pid must be >= 0"))
	}
	_, err = ParseDurationField("processes.evict_grace", cfg.Processes.EvictGrace)
	add(err)
	_, err = ParseDurationField("processes.default_timeout", cfg.Processes.DefaultTimeout)
	add(err)

	for k, v := range cfg.Commands.Ratelimits {
		_, err := ParseDurationField("commands.ratelimits."+k, v)
		add(err)
	}
	for k := range cfg.Commands.DisabledIn {
		if _, err := strconv.ParseInt(strings.TrimSpace(k), 10, 64); err != nil {
			add(fmt.Errorf("commands.disabled_in: chat id %q is not a number", k))
		}
	}
	if cfg.Commands.ReplyRatePerSec < 0 {
		add(errors.New("commands.reply_rate_per_sec must be >= 0"))
	}

	if cfg.Reminders.MaxPerUser < 0 {
		add(errors.New("reminders.max_per_user must be >= 0"))
	}
	_, err = ParseDurationField("reminders.notify_timeout", cfg.Reminders.NotifyTimeout)
	add(err)
	if tz := strings.TrimSpace(cfg.Reminders.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("reminders.timezone: %w", err))
		}
	}

	return errors.Join(errs...)
}

// RatelimitDelays resolves the per-command delay overrides. Invalid entries are skipped;
// Validate reports them.
func (c CommandsConfig) RatelimitDelays() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.Ratelimits))
	for k, v := range c.Ratelimits {
		d, err := ParseDurationField(k, v)
		if err != nil {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(k))] = d
	}
	return out
}
