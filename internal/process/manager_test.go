package process

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"procbot/internal/args"
	"procbot/internal/ratelimit"
)

type errSink struct {
	mu   sync.Mutex
	errs []error
	ch   chan error
}

func newErrSink() *errSink { return &errSink{ch: make(chan error, 64)} }

func (s *errSink) handle(_ context.Context, _ *Request, err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
	s.ch <- err
}

func (s *errSink) next(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("no error delivered")
		return nil
	}
}

func startManager(t *testing.T, cfg Config, opts Options) *Manager {
	t.Helper()
	m := New(cfg, opts)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.ShutdownAll(ctx)
	})
	return m
}

// blocking returns a command whose body waits for its context and reports
// the cause on causes.
func blocking(name string, causes chan<- error) *Command {
	return &Command{
		Name: name,
		Run: func(ctx context.Context, req *Request) error {
			<-ctx.Done()
			if causes != nil {
				causes <- context.Cause(ctx)
			}
			return ctx.Err()
		},
	}
}

func waitDone(t *testing.T, p *Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("process %d did not finish", p.PID())
	}
}

func TestSubmitEvictsOldestBeyondCap(t *testing.T) {
	sink := newErrSink()
	m := startManager(t, Config{}, Options{ErrorHandler: sink.handle})
	causes := make(chan error, 8)
	cmd := blocking("wait", causes)

	var procs []*Process
	for i := 0; i < 5; i++ {
		p, err := m.Submit(context.Background(), cmd, &Request{FromID: 1})
		if err != nil {
			t.Fatalf("Submit #%d: %v", i, err)
		}
		procs = append(procs, p)
	}
	other, err := m.Submit(context.Background(), cmd, &Request{FromID: 2})
	if err != nil {
		t.Fatalf("Submit other user: %v", err)
	}

	sixth, err := m.Submit(context.Background(), cmd, &Request{FromID: 1})
	if err != nil {
		t.Fatalf("Submit #6: %v", err)
	}
	if cause := <-causes; !errors.Is(cause, ErrEvicted) {
		t.Fatalf("cause = %v, want ErrEvicted", cause)
	}
	waitDone(t, procs[0])
	if got := sink.next(t); !errors.Is(got, ErrEvicted) {
		t.Fatalf("handler error = %v, want ErrEvicted", got)
	}

	live := 0
	for _, p := range m.Processes() {
		if p.UserID() == 1 {
			live++
		}
	}
	if live != 5 {
		t.Fatalf("live processes for user 1 = %d, want 5", live)
	}
	for _, p := range append(procs[1:], sixth, other) {
		if p.Interrupted() {
			t.Fatalf("pid %d interrupted, only the oldest should be", p.PID())
		}
	}
}

func TestEvictionNotHeldUpBySlowErrorReply(t *testing.T) {
	unblock := make(chan struct{})
	replying := make(chan error, 8)
	m := startManager(t, Config{EvictGrace: 300 * time.Millisecond}, Options{
		ErrorHandler: func(_ context.Context, _ *Request, err error) {
			replying <- err
			<-unblock
		},
	})
	defer close(unblock)
	cmd := blocking("wait", nil)

	var first *Process
	for i := 0; i < 5; i++ {
		p, err := m.Submit(context.Background(), cmd, &Request{FromID: 1})
		if err != nil {
			t.Fatalf("Submit #%d: %v", i, err)
		}
		if i == 0 {
			first = p
		}
	}

	begin := time.Now()
	sixth, err := m.Submit(context.Background(), cmd, &Request{FromID: 1})
	if err != nil {
		t.Fatalf("Submit #6: %v", err)
	}
	if sixth == nil {
		t.Fatalf("Submit #6 returned no process")
	}
	if waited := time.Since(begin); waited >= 300*time.Millisecond {
		t.Fatalf("eviction waited %v for the error reply", waited)
	}
	waitDone(t, first)
	select {
	case got := <-replying:
		if !errors.Is(got, ErrEvicted) {
			t.Fatalf("handler error = %v, want ErrEvicted", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("evicted process never replied")
	}
}

func TestSubmitWithEndedContextStartsNothing(t *testing.T) {
	sink := newErrSink()
	m := startManager(t, Config{}, Options{ErrorHandler: sink.handle})
	ran := make(chan struct{}, 1)
	cmd := &Command{Name: "x", Run: func(context.Context, *Request) error {
		ran <- struct{}{}
		return nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p, err := m.Submit(ctx, cmd, &Request{FromID: 1})
	if p != nil {
		t.Fatalf("Submit with ended ctx started pid %d", p.PID())
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	select {
	case <-ran:
		t.Fatalf("command ran after its submitter gave up")
	case <-time.After(100 * time.Millisecond):
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.errs) != 0 {
		t.Fatalf("handler saw %v", sink.errs)
	}
}

func TestPIDReuseRewindsCursor(t *testing.T) {
	m := startManager(t, Config{MaxPerUser: 10}, Options{})
	cmd := blocking("wait", nil)

	var procs []*Process
	for i := 0; i < 3; i++ {
		p, err := m.Submit(context.Background(), cmd, &Request{FromID: int64(i)})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if p.PID() != i {
			t.Fatalf("pid = %d, want %d", p.PID(), i)
		}
		procs = append(procs, p)
	}

	if !m.Interrupt(procs[1], ErrKilled) {
		t.Fatalf("Interrupt returned false")
	}
	waitDone(t, procs[1])
	if m.Interrupt(procs[1], ErrKilled) {
		t.Fatalf("Interrupt of finished process returned true")
	}

	p, err := m.Submit(context.Background(), cmd, &Request{FromID: 9})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if p.PID() != 1 {
		t.Fatalf("pid = %d, want recycled 1", p.PID())
	}
	p, err = m.Submit(context.Background(), cmd, &Request{FromID: 9})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if p.PID() != 3 {
		t.Fatalf("pid = %d, want 3", p.PID())
	}
}

func TestPIDExhaustion(t *testing.T) {
	sink := newErrSink()
	m := startManager(t, Config{MaxPID: 2, MaxPerUser: 10}, Options{ErrorHandler: sink.handle})
	cmd := blocking("wait", nil)
	for i := 0; i < 3; i++ {
		if _, err := m.Submit(context.Background(), cmd, &Request{FromID: 1}); err != nil {
			t.Fatalf("Submit #%d: %v", i, err)
		}
	}
	if _, err := m.Submit(context.Background(), cmd, &Request{FromID: 1}); !errors.Is(err, ErrPIDExhausted) {
		t.Fatalf("err = %v, want ErrPIDExhausted", err)
	}
	if got := sink.next(t); !errors.Is(got, ErrPIDExhausted) {
		t.Fatalf("handler error = %v", got)
	}
	if n := len(m.Processes()); n != 3 {
		t.Fatalf("live = %d, want 3", n)
	}
}

func TestRateLimitStartsAtCompletion(t *testing.T) {
	now := time.Unix(1000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	lim := ratelimit.New(ratelimit.WithClock(clock))
	sink := newErrSink()
	m := startManager(t, Config{}, Options{Limiter: lim, ErrorHandler: sink.handle})

	release := make(chan struct{})
	cmd := &Command{
		Name:      "slow",
		Ratelimit: time.Minute,
		Run: func(ctx context.Context, req *Request) error {
			<-release
			return nil
		},
	}

	p, err := m.Submit(context.Background(), cmd, &Request{FromID: 5})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if lim.IsLimited(cmd.bucket(time.Minute), 5) {
		t.Fatalf("limited before completion")
	}
	close(release)
	waitDone(t, p)

	mu.Lock()
	now = now.Add(20 * time.Second)
	mu.Unlock()

	_, err = m.Submit(context.Background(), cmd, &Request{FromID: 5})
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want RateLimitedError", err)
	}
	if rl.Remaining != 40*time.Second {
		t.Fatalf("remaining = %v, want 40s", rl.Remaining)
	}
	_ = sink.next(t)
}

func TestFailedRunDoesNotRegisterRateLimit(t *testing.T) {
	sink := newErrSink()
	m := startManager(t, Config{}, Options{ErrorHandler: sink.handle})
	boom := errors.New("boom")
	cmd := &Command{Name: "fail", Ratelimit: time.Hour, Run: func(context.Context, *Request) error { return boom }}

	p, err := m.Submit(context.Background(), cmd, &Request{FromID: 1})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, p)
	if got := sink.next(t); !errors.Is(got, boom) {
		t.Fatalf("handler error = %v, want boom", got)
	}
	if m.Limiter().IsLimited(cmd.bucket(time.Hour), 1) {
		t.Fatalf("failed run registered the rate limit")
	}
}

func TestStartupChecksRunInOrder(t *testing.T) {
	var order []string
	var mu sync.Mutex
	mark := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	sink := newErrSink()
	denied := errors.New("denied")
	m := startManager(t, Config{}, Options{
		ErrorHandler: sink.handle,
		Disabled: func(cmd *Command, req *Request) bool {
			mark("disabled")
			return req.Chat.ChatID == 99
		},
		Checks: []Check{func(context.Context, *Command, *Request) error {
			mark("global")
			return nil
		}},
	})
	cmd := &Command{
		Name: "guarded",
		Checks: []Check{func(_ context.Context, _ *Command, req *Request) error {
			mark("command")
			if req.FromID == 13 {
				return denied
			}
			return nil
		}},
	}

	if _, err := m.Submit(context.Background(), cmd, &Request{FromID: 13}); !errors.Is(err, denied) {
		t.Fatalf("err = %v, want denied", err)
	}
	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()
	want := []string{"disabled", "global", "command"}
	if len(got) != len(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}

	req := &Request{FromID: 1}
	req.Chat.ChatID = 99
	if _, err := m.Submit(context.Background(), cmd, req); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
	if n := len(m.Processes()); n != 0 {
		t.Fatalf("rejected submissions created %d processes", n)
	}
}

func TestParseErrorRejects(t *testing.T) {
	sink := newErrSink()
	m := startManager(t, Config{}, Options{ErrorHandler: sink.handle})
	pid := args.NewPositional("pid", "", true)
	cmd := &Command{Name: "kill", Params: args.Of(pid)}

	_, err := m.Submit(context.Background(), cmd, &Request{FromID: 1, Raw: ""})
	if !errors.Is(err, args.ErrMissing) {
		t.Fatalf("err = %v, want ErrMissing", err)
	}

	var got string
	cmd.Run = func(ctx context.Context, req *Request) error {
		got = req.Args.Value(pid)
		return nil
	}
	p, err := m.Submit(context.Background(), cmd, &Request{FromID: 1, Raw: "12"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, p)
	if got != "12" {
		t.Fatalf("pid arg = %q, want 12", got)
	}
}

func TestPanicIsRoutedAndHandlerPanicContained(t *testing.T) {
	calls := make(chan error, 2)
	m := startManager(t, Config{}, Options{ErrorHandler: func(_ context.Context, _ *Request, err error) {
		calls <- err
		panic("handler exploded")
	}})
	cmd := &Command{Name: "bad", Run: func(context.Context, *Request) error { panic("body exploded") }}

	p, err := m.Submit(context.Background(), cmd, &Request{FromID: 1})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, p)
	select {
	case err := <-calls:
		if !errors.Is(err, ErrPanic) {
			t.Fatalf("handler error = %v, want ErrPanic", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not called")
	}
	if _, ok := m.Process(p.PID()); ok {
		t.Fatalf("panicked process still in table")
	}

	ok := &Command{Name: "ok", Run: func(context.Context, *Request) error { return nil }}
	p2, err := m.Submit(context.Background(), ok, &Request{FromID: 1})
	if err != nil {
		t.Fatalf("Submit after panic: %v", err)
	}
	waitDone(t, p2)
}

func TestTimeout(t *testing.T) {
	sink := newErrSink()
	m := startManager(t, Config{}, Options{ErrorHandler: sink.handle})
	cmd := blocking("slow", nil)
	cmd.Timeout = 20 * time.Millisecond

	p, err := m.Submit(context.Background(), cmd, &Request{FromID: 1})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitDone(t, p)
	if got := sink.next(t); !errors.Is(got, ErrTimeout) {
		t.Fatalf("handler error = %v, want ErrTimeout", got)
	}
}

type wagerState struct{ refunded bool }

func (wagerState) StateName() string { return "wager" }

func TestStateSlotRecoversIntentAfterKill(t *testing.T) {
	m := startManager(t, Config{}, Options{ErrorHandler: func(context.Context, *Request, error) {}})
	refunds := make(chan int, 2)
	cmd := &Command{
		Name: "bet",
		Run: func(ctx context.Context, req *Request) error {
			req.Process.SetState(wagerState{})
			<-ctx.Done()
			st := req.Process.UpdateState(func(s State) State {
				ws, _ := s.(wagerState)
				if !ws.refunded {
					refunds <- req.Process.PID()
					ws.refunded = true
				}
				return ws
			})
			if !st.(wagerState).refunded {
				t.Errorf("state not updated")
			}
			return context.Cause(ctx)
		},
	}

	p, err := m.Submit(context.Background(), cmd, &Request{FromID: 1})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for p.State() == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if p.State() == nil || p.State().StateName() != "wager" {
		t.Fatalf("state = %v", p.State())
	}
	m.Interrupt(p, ErrKilled)
	m.Interrupt(p, ErrEvicted)
	waitDone(t, p)

	if !errors.Is(p.Cause(), ErrKilled) {
		t.Fatalf("cause = %v, want ErrKilled", p.Cause())
	}
	if len(refunds) != 1 {
		t.Fatalf("refunds = %d, want 1", len(refunds))
	}
}

func TestShutdownAll(t *testing.T) {
	m := New(Config{}, Options{ErrorHandler: func(context.Context, *Request, error) {}})
	if _, err := m.Submit(context.Background(), blocking("x", nil), &Request{}); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Submit before Start = %v, want ErrNotRunning", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	causes := make(chan error, 4)
	for i := 0; i < 3; i++ {
		if _, err := m.Submit(context.Background(), blocking("x", causes), &Request{FromID: int64(i)}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.ShutdownAll(ctx); err != nil {
		t.Fatalf("ShutdownAll: %v", err)
	}
	for i := 0; i < 3; i++ {
		if c := <-causes; !errors.Is(c, ErrShutdown) {
			t.Fatalf("cause = %v, want ErrShutdown", c)
		}
	}
	if n := len(m.Processes()); n != 0 {
		t.Fatalf("live after shutdown = %d", n)
	}
	if _, err := m.Submit(context.Background(), blocking("x", nil), &Request{}); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Submit after shutdown = %v, want ErrShutdown", err)
	}
}
