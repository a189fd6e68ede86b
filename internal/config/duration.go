package config

import (
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Durations resolved from the string fields. Call after Validate.

func (t TelegramConfig) PollTimeoutDuration() time.Duration {
	d, _ := ParseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, 10*time.Second)
	return d
}

func (s StorageConfig) BusyTimeoutDuration() time.Duration {
	d, _ := ParseDurationOrDefault("storage.busy_timeout", s.BusyTimeout, 5*time.Second)
	return d
}

func (p ProcessesConfig) EvictGraceDuration() time.Duration {
	d, _ := ParseDurationOrDefault("processes.evict_grace", p.EvictGrace, time.Second)
	return d
}

func (p ProcessesConfig) DefaultTimeoutDuration() time.Duration {
	d, _ := ParseDurationField("processes.default_timeout", p.DefaultTimeout)
	return d
}

func (r RemindersConfig) NotifyTimeoutDuration() time.Duration {
	d, _ := ParseDurationOrDefault("reminders.notify_timeout", r.NotifyTimeout, 5*time.Second)
	return d
}

// Location returns the reminders timezone, falling back to Local.
func (r RemindersConfig) Location() *time.Location {
	tz := strings.TrimSpace(r.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}
