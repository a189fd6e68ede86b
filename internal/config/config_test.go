package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func load(t *testing.T, path string, env map[string]string) (*Config, error) {
	t.Helper()
	m := NewManager(path)
	if env == nil {
		env = map[string]string{}
	}
	m.SetEnviron(env)
	return m.Load()
}

func TestLoadFormats(t *testing.T) {
	cases := map[string]string{
		"c.json": `{"telegram":{"token":"T","owner_user_ids":[1,2]},"processes":{"max_per_user":3},"commands":{"ratelimits":{"remind":"30s"}}}`,
		"c.yaml": "telegram:\n  token: T\n  owner_user_ids: [1, 2]\nprocesses:\n  max_per_user: 3\ncommands:\n  ratelimits:\n    remind: 30s\n",
		"c.toml": "[telegram]\ntoken = \"T\"\nowner_user_ids = [1, 2]\n[processes]\nmax_per_user = 3\n[commands.ratelimits]\nremind = \"30s\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := load(t, writeFile(t, name, body), nil)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if cfg.Telegram.Token != "T" || len(cfg.Telegram.OwnerUserIDs) != 2 || cfg.Telegram.OwnerUserIDs[1] != 2 {
				t.Fatalf("telegram = %+v", cfg.Telegram)
			}
			if cfg.Processes.MaxPerUser != 3 {
				t.Fatalf("max_per_user = %d", cfg.Processes.MaxPerUser)
			}
			if d := cfg.Commands.RatelimitDelays()["remind"]; d != 30*time.Second {
				t.Fatalf("remind delay = %v", d)
			}
		})
	}
}

func TestRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	if _, err := load(t, writeFile(t, "c.json", `{"telegram":{"token":"T"},"bogus":1}`), nil); err == nil {
		t.Fatal("unknown field accepted")
	}
	if _, err := load(t, writeFile(t, "c.json", `{"telegram":{"token":"T"}}{}`), nil); err == nil {
		t.Fatal("trailing data accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	p := writeFile(t, "c.json", `{"telegram":{"token":"file"},"logging":{"level":"info"}}`)
	cfg, err := load(t, p, map[string]string{
		"PROCBOT_TELEGRAM_TOKEN": "env",
		"PROCBOT_OWNER_USER_IDS": "10,20",
		"PROCBOT_LOG_LEVEL":      "debug",
		"PROCBOT_STORAGE_DRIVER": "memory",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "env" || cfg.Logging.Level != "debug" || cfg.Storage.Driver != "memory" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.Telegram.OwnerUserIDs) != 2 || cfg.Telegram.OwnerUserIDs[0] != 10 {
		t.Fatalf("owners = %v", cfg.Telegram.OwnerUserIDs)
	}
}

func TestValidate(t *testing.T) {
	bad := []struct {
		name string
		body string
		want string
	}{
		{"no token", `{}`, "telegram.token"},
		{"bad level", `{"telegram":{"token":"T"},"logging":{"level":"loud"}}`, "logging.level"},
		{"bad duration", `{"telegram":{"token":"T"},"processes":{"evict_grace":"soon"}}`, "processes.evict_grace"},
		{"bad driver", `{"telegram":{"token":"T"},"storage":{"driver":"redis"}}`, "storage.driver"},
		{"file without path", `{"telegram":{"token":"T"},"storage":{"driver":"file"}}`, "storage.path"},
		{"bad chat key", `{"telegram":{"token":"T"},"commands":{"disabled_in":{"abc":["ps"]}}}`, "disabled_in"},
		{"bad tz", `{"telegram":{"token":"T"},"reminders":{"timezone":"Mars/Olympus"}}`, "reminders.timezone"},
	}
	for _, tc := range bad {
		t.Run(tc.name, func(t *testing.T) {
			_, err := load(t, writeFile(t, "c.json", tc.body), nil)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestIsDisabled(t *testing.T) {
	c := CommandsConfig{
		Disabled:   []string{"Ping"},
		DisabledIn: map[string][]string{"-100": {"remind"}},
	}
	if !c.IsDisabled("ping", 1) {
		t.Fatal("ping should be disabled everywhere")
	}
	if !c.IsDisabled("remind", -100) || c.IsDisabled("remind", 5) {
		t.Fatal("remind should only be disabled in -100")
	}
}

func TestSummarizeChange(t *testing.T) {
	a := &Config{Telegram: TelegramConfig{Token: "a"}}
	b := &Config{Telegram: TelegramConfig{Token: "b"}, Storage: StorageConfig{Driver: "file", Path: "x"}}
	changed, attrs := SummarizeChange(a, b)
	if strings.Join(changed, ",") != "storage,telegram" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
	if got := RestartRequired(changed); len(got) != 1 || got[0] != "storage" {
		t.Fatalf("restart required = %v", got)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	p := writeFile(t, "c.json", `{"telegram":{"token":"T"}}`)
	m := NewManager(p)
	m.SetEnviron(map[string]string{})
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	time.Sleep(100 * time.Millisecond)

	// Invalid content is never published.
	if err := os.WriteFile(p, []byte(`{"telegram":{"token":""}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	if err := os.WriteFile(p, []byte(`{"telegram":{"token":"T2"}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-ch:
		if cfg.Telegram.Token != "T2" {
			t.Fatalf("published token = %q", cfg.Telegram.Token)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}
	if m.Get().Telegram.Token != "T2" {
		t.Fatal("not committed")
	}
	cancel()
	<-done
}
