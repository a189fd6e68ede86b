package reminders

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// MinEvery is the shortest accepted repeat interval.
const MinEvery = time.Minute

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseWhen resolves the first due time. Accepted forms:
//
//	90s, 10m, 1h30m   relative Go duration
//	2d, 1w            whole days or weeks
//	08:30             next occurrence of that wall time in loc
func ParseWhen(raw string, now time.Time, loc *time.Location) (time.Time, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return time.Time{}, errors.New("empty time")
	}
	if loc == nil {
		loc = time.Local
	}
	if strings.Contains(s, ":") {
		h, m, err := parseHHMM(s)
		if err != nil {
			return time.Time{}, err
		}
		local := now.In(loc)
		due := time.Date(local.Year(), local.Month(), local.Day(), h, m, 0, 0, loc)
		if !due.After(now) {
			due = due.AddDate(0, 0, 1)
		}
		return due, nil
	}
	d, err := parseSpan(s)
	if err != nil {
		return time.Time{}, err
	}
	if d <= 0 {
		return time.Time{}, fmt.Errorf("time %q must be in the future", raw)
	}
	return now.Add(d), nil
}

// ParseEvery parses a repeat spec and returns its schedule and normalized form.
// Since arguments are single tokens, cron fields are joined by underscores:
//
//	@daily, @weekly        cron descriptors
//	0_9_*_*_1-5            five-field cron, "_" for spaces
//	08:30                  daily at that wall time
//	6h, 2d                 fixed interval, at least one minute
func ParseEvery(raw string) (cron.Schedule, string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "cron:")
	switch {
	case s == "":
		return nil, "", errors.New("empty schedule")
	case strings.HasPrefix(s, "@"):
		sch, err := parser.Parse(s)
		if err != nil {
			return nil, "", fmt.Errorf("invalid schedule %q: %w", raw, err)
		}
		return sch, s, nil
	case strings.Contains(s, "_") || strings.Contains(s, "*"):
		spec := strings.Join(strings.FieldsFunc(s, func(r rune) bool { return r == '_' }), " ")
		sch, err := parser.Parse(spec)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cron %q: %w", raw, err)
		}
		return sch, spec, nil
	case strings.Contains(s, ":"):
		h, m, err := parseHHMM(s)
		if err != nil {
			return nil, "", err
		}
		spec := fmt.Sprintf("%d %d * * *", m, h)
		sch, err := parser.Parse(spec)
		if err != nil {
			return nil, "", err
		}
		return sch, spec, nil
	}
	d, err := parseSpan(strings.ToLower(s))
	if err != nil {
		return nil, "", err
	}
	if d < MinEvery {
		return nil, "", fmt.Errorf("repeat interval must be at least %s", MinEvery)
	}
	return cron.Every(d), "@every " + d.String(), nil
}

// Next returns the first occurrence of spec strictly after t, evaluated in loc.
func Next(spec string, t time.Time, loc *time.Location) (time.Time, error) {
	sch, err := parser.Parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.Local
	}
	next := sch.Next(t.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("schedule %q never fires", spec)
	}
	return next, nil
}

func parseSpan(s string) (time.Duration, error) {
	for suffix, unit := range map[string]time.Duration{"d": 24 * time.Hour, "w": 7 * 24 * time.Hour} {
		if n, ok := strings.CutSuffix(s, suffix); ok {
			v, err := strconv.Atoi(n)
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q", s)
			}
			return time.Duration(v) * unit, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

func parseHHMM(s string) (hour int, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
