package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"procbot/internal/storage"
	kit "procbot/internal/transport"
)

type fakeAdapter struct {
	mu   sync.Mutex
	out  chan<- kit.Update
	sent []string
	seq  int
}

func (f *fakeAdapter) Start(_ context.Context, out chan<- kit.Update) error {
	f.mu.Lock()
	f.out = out
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Stop(context.Context) error { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.seq}, nil
}

func (f *fakeAdapter) EditText(_ context.Context, _ kit.MessageRef, text string, _ *kit.SendOptions) error {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) push(t *testing.T, userID int64, text string) {
	t.Helper()
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	if out == nil {
		t.Fatalf("adapter not started")
	}
	out <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID: 1, ChatID: userID, FromID: userID, FromUsername: "alice", Text: text,
	}}
}

func (f *fakeAdapter) saw(sub string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sent {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

type notifyLog struct {
	mu     sync.Mutex
	states []string
}

func (n *notifyLog) notify(state string) (bool, error) {
	n.mu.Lock()
	n.states = append(n.states, state)
	n.mu.Unlock()
	return true, nil
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestApp(t *testing.T, cfgPath string, ad *fakeAdapter, n *notifyLog) *App {
	t.Helper()
	a, err := New(context.Background(), cfgPath,
		WithAdapter(ad),
		WithEnviron(map[string]string{}),
		WithNotifier(n.notify),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

const baseConfig = `{
  "telegram": {"token": "test", "owner_user_ids": [1]},
  "logging": {"level": "error"}
}`

func TestAppRunsCommandAndAudits(t *testing.T) {
	ad := &fakeAdapter{}
	n := &notifyLog{}
	a := newTestApp(t, writeConfig(t, baseConfig), ad, n)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ad.push(t, 42, "/ping")
	waitFor(t, "pong", func() bool { return ad.saw("pong") })

	mem, ok := a.Store().(*storage.Memory)
	if !ok {
		t.Fatalf("store = %T, want memory", a.Store())
	}
	waitFor(t, "audit entry", func() bool {
		for _, e := range mem.Audit() {
			if e.Command == "ping" && e.ActorID == 42 && e.OK {
				return true
			}
		}
		return false
	})

	if err := a.Stop(context.Background(), StopSIGTERM); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.states) != 2 || n.states[0] != daemon.SdNotifyReady || n.states[1] != daemon.SdNotifyStopping {
		t.Fatalf("sd_notify states = %v", n.states)
	}
}

func TestAppUnknownCommandHint(t *testing.T) {
	ad := &fakeAdapter{}
	a := newTestApp(t, writeConfig(t, baseConfig), ad, &notifyLog{})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(context.Background(), StopUnknown)

	ad.push(t, 42, "/nope")
	waitFor(t, "hint", func() bool { return ad.saw("unknown command /nope") })
}

func TestAppRejectsUnknownCommandInConfig(t *testing.T) {
	cfg := `{
  "telegram": {"token": "test"},
  "logging": {"level": "error"},
  "commands": {"disabled": ["nope"]}
}`
	_, err := New(context.Background(), writeConfig(t, cfg),
		WithAdapter(&fakeAdapter{}),
		WithEnviron(map[string]string{}),
		WithNotifier((&notifyLog{}).notify),
	)
	if err == nil || !strings.Contains(err.Error(), `unknown command "nope"`) {
		t.Fatalf("err = %v", err)
	}
}

func TestAppRemindersDisabled(t *testing.T) {
	cfg := `{
  "telegram": {"token": "test"},
  "logging": {"level": "error"},
  "reminders": {"enabled": false}
}`
	a := newTestApp(t, writeConfig(t, cfg), &fakeAdapter{}, &notifyLog{})
	defer a.Stop(context.Background(), StopUnknown)

	if a.Reminders() != nil {
		t.Fatalf("reminders service built while disabled")
	}
	if _, ok := a.Router().Lookup("remind"); ok {
		t.Fatalf("remind registered while reminders are disabled")
	}
}

func TestAppRemindersSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := `{
  "telegram": {"token": "test"},
  "logging": {"level": "error"},
  "storage": {"driver": "file", "path": "` + filepath.ToSlash(filepath.Join(dir, "state")) + `"}
}`
	path := writeConfig(t, cfg)

	ad := &fakeAdapter{}
	a := newTestApp(t, path, ad, &notifyLog{})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ad.push(t, 7, "/remind 1h water the plants")
	waitFor(t, "reminder stored", func() bool { return len(a.Reminders().List(7)) == 1 })
	if err := a.Stop(context.Background(), StopSIGTERM); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	b := newTestApp(t, path, &fakeAdapter{}, &notifyLog{})
	defer b.Stop(context.Background(), StopUnknown)
	got := b.Reminders().List(7)
	if len(got) != 1 || got[0].Text != "water the plants" {
		t.Fatalf("reloaded reminders = %+v", got)
	}
}
